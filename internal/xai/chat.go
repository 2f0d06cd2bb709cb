package xai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Role is the typed message role used by the chat API.
type Role int

const (
	RoleUnspecified Role = iota
	RoleUser
	RoleAssistant
	RoleSystem
	RoleFunction
	RoleTool
)

var roleNames = map[Role]string{
	RoleUser:      "user",
	RoleAssistant: "assistant",
	RoleSystem:    "system",
	RoleFunction:  "function",
	RoleTool:      "tool",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// MarshalJSON encodes the role as its wire name.
func (r Role) MarshalJSON() ([]byte, error) {
	name, ok := roleNames[r]
	if !ok {
		return nil, fmt.Errorf("role %d has no wire name", int(r))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a wire role name.
func (r *Role) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for role, n := range roleNames {
		if n == name {
			*r = role
			return nil
		}
	}
	return fmt.Errorf("unknown role %q", name)
}

// Content is one part of a message. Only text parts are supported.
type Content struct {
	Text string
}

// MarshalJSON encodes the part as a typed text part.
func (c Content) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "text", Text: c.Text})
}

// TextContent wraps text as a single-part content list.
func TextContent(text string) []Content {
	return []Content{{Text: text}}
}

// Message is a role-tagged chat message.
type Message struct {
	Role    Role      `json:"role"`
	Content []Content `json:"content"`
}

// ChatService creates chat conversations.
type ChatService struct {
	client *Client
}

// Chat is a prepared conversation that can be sampled.
type Chat struct {
	client   *Client
	model    string
	messages []Message
}

// Create prepares a chat against model with the ordered messages.
func (s *ChatService) Create(model string, messages []Message) *Chat {
	cloned := make([]Message, len(messages))
	copy(cloned, messages)
	return &Chat{
		client:   s.client,
		model:    model,
		messages: cloned,
	}
}

// Messages returns the messages the chat will send.
func (c *Chat) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

type chatPayload struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	N        int       `json:"n"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

// Response is a single sampled chat completion.
type Response struct {
	ID           string
	Model        string
	FinishReason string
	// Content is nil when the backend returned no textual content.
	Content *string
	raw     json.RawMessage
}

// String returns the raw response JSON.
func (r *Response) String() string {
	return strings.TrimSpace(string(r.raw))
}

// Sample requests exactly one completion for the conversation.
func (c *Chat) Sample(ctx context.Context) (*Response, error) {
	if strings.TrimSpace(c.model) == "" {
		return nil, errors.New("chat model must not be empty")
	}
	if len(c.messages) == 0 {
		return nil, errors.New("chat requires at least one message")
	}

	body, err := c.client.do(ctx, http.MethodPost, "/chat/completions", chatPayload{
		Model:    c.model,
		Messages: c.messages,
		N:        1,
	})
	if err != nil {
		return nil, err
	}

	var decoded chatResponse
	if err := decodeJSON(body, &decoded); err != nil {
		return nil, err
	}

	resp := &Response{
		ID:    decoded.ID,
		Model: decoded.Model,
		raw:   json.RawMessage(body),
	}
	if len(decoded.Choices) > 0 {
		choice := decoded.Choices[0]
		resp.FinishReason = choice.FinishReason
		resp.Content = choice.Message.Content
	}
	return resp, nil
}
