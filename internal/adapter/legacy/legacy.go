package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"grok-bridge/internal/adapter"
	"grok-bridge/internal/models"
	"grok-bridge/internal/protocol"
	"grok-bridge/internal/xai"
)

// Ensure Adapter satisfies the adapter interface at compile time.
var _ adapter.Adapter = (*Adapter)(nil)

// Completer is the part of the xAI client the legacy adapter needs.
type Completer interface {
	Complete(ctx context.Context, req xai.CompletionRequest) (*xai.CompletionResponse, error)
}

// Call is a single-prompt backend request.
type Call struct {
	// Prompt is a JSON string, or the caller's history passed through as-is.
	Prompt json.RawMessage
}

func (Call) Kind() adapter.Kind {
	return adapter.KindLegacy
}

// Adapter linearises history into one prompt for the completions endpoint.
type Adapter struct {
	client Completer
	model  string
}

// New binds the adapter to a client and completion model.
func New(client Completer, model string) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("legacy adapter requires a client")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("legacy adapter requires a model")
	}
	return &Adapter{client: client, model: model}, nil
}

func (a *Adapter) Kind() adapter.Kind {
	return adapter.KindLegacy
}

// Format builds the prompt: a "Role: content" transcript for record history,
// the history verbatim for any other shape, or the single message otherwise.
func (a *Adapter) Format(req protocol.Request) (adapter.Call, error) {
	switch req.HistoryShape() {
	case protocol.HistoryRecords:
		records, err := req.Records()
		if err != nil {
			return nil, err
		}
		return stringCall(Transcript(records))
	case protocol.HistoryOpaque:
		return Call{Prompt: req.Messages}, nil
	default:
		return stringCall(req.Message)
	}
}

// Transcript renders records one per line as "<Role>: <content>".
func Transcript(records []models.Message) string {
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		lines = append(lines, models.DisplayRole(rec.Role)+": "+rec.Content)
	}
	return strings.Join(lines, "\n")
}

func stringCall(prompt string) (adapter.Call, error) {
	encoded, err := json.Marshal(prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	return Call{Prompt: encoded}, nil
}

// Invoke sends the prompt and returns the first choice's text, or the raw
// response when the backend returned no choice.
func (a *Adapter) Invoke(ctx context.Context, call adapter.Call) (adapter.Result, error) {
	c, ok := call.(Call)
	if !ok {
		return adapter.Result{}, fmt.Errorf("%w: got %T", adapter.ErrCallMismatch, call)
	}

	resp, err := a.client.Complete(ctx, xai.CompletionRequest{
		Model:  a.model,
		Prompt: c.Prompt,
	})
	if err != nil {
		return adapter.Result{}, err
	}
	if resp == nil {
		return adapter.Result{}, errors.New("backend returned an empty response")
	}
	if resp.Text == nil {
		return adapter.RawResult(resp.String()), nil
	}
	return adapter.TextResult(*resp.Text), nil
}
