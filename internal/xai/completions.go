package xai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// CompletionRequest is a legacy single-prompt request. Prompt is sent
// verbatim and may be a JSON string or array.
type CompletionRequest struct {
	Model  string
	Prompt json.RawMessage
}

type completionPayload struct {
	Model  string          `json:"model"`
	Prompt json.RawMessage `json:"prompt"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Choices []completionChoice `json:"choices"`
}

type completionChoice struct {
	Text         *string `json:"text"`
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
}

// CompletionResponse is the decoded result of a legacy completion.
type CompletionResponse struct {
	ID string
	// Text is nil when the backend returned no choices.
	Text *string
	raw  json.RawMessage
}

// String returns the raw response JSON.
func (r *CompletionResponse) String() string {
	return strings.TrimSpace(string(r.raw))
}

// Complete calls the legacy completions endpoint.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("completion model must not be empty")
	}
	prompt := req.Prompt
	if len(prompt) == 0 {
		prompt = json.RawMessage(`""`)
	}

	body, err := c.do(ctx, http.MethodPost, "/completions", completionPayload{
		Model:  req.Model,
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}

	var decoded completionResponse
	if err := decodeJSON(body, &decoded); err != nil {
		return nil, err
	}

	resp := &CompletionResponse{ID: decoded.ID, raw: json.RawMessage(body)}
	if len(decoded.Choices) > 0 {
		resp.Text = decoded.Choices[0].Text
	}
	return resp, nil
}
