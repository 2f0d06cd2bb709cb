package structured

import (
	"context"
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

var wireRoles = map[models.Role]xai.Role{
	models.RoleUser:      xai.RoleUser,
	models.RoleAssistant: xai.RoleAssistant,
	models.RoleSystem:    xai.RoleSystem,
	models.RoleFunction:  xai.RoleFunction,
	models.RoleTool:      xai.RoleTool,
}

// Sampler creates chats that can be sampled once.
type Sampler interface {
	Sample(ctx context.Context, model string, messages []xai.Message) (*xai.Response, error)
}

// ClientSampler adapts an xai.Client to Sampler.
type ClientSampler struct {
	Client *xai.Client
}

// Sample creates the chat and samples a single response.
func (s ClientSampler) Sample(ctx context.Context, model string, messages []xai.Message) (*xai.Response, error) {
	return s.Client.Chat().Create(model, messages).Sample(ctx)
}

// Call is an ordered list of role-typed messages.
type Call struct {
	Messages []xai.Message
}

func (Call) Kind() adapter.Kind {
	return adapter.KindStructured
}

// Adapter sends role-typed message lists to the chat endpoint.
type Adapter struct {
	sampler Sampler
	model   string
}

// New binds the adapter to a sampler and chat model.
func New(sampler Sampler, model string) (*Adapter, error) {
	if sampler == nil {
		return nil, errors.New("structured adapter requires a client")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("structured adapter requires a model")
	}
	return &Adapter{sampler: sampler, model: model}, nil
}

func (a *Adapter) Kind() adapter.Kind {
	return adapter.KindStructured
}

// WireRole maps a free-text label onto the backend role enum.
func WireRole(label string) xai.Role {
	return wireRoles[models.ParseRole(label)]
}

// Format converts each history record into a typed message. Without history a
// single user message is built from the message field.
func (a *Adapter) Format(req protocol.Request) (adapter.Call, error) {
	records, err := req.Records()
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return Call{Messages: []xai.Message{{
			Role:    xai.RoleUser,
			Content: xai.TextContent(req.Message),
		}}}, nil
	}

	messages := make([]xai.Message, 0, len(records))
	for _, rec := range records {
		messages = append(messages, xai.Message{
			Role:    WireRole(rec.Role),
			Content: xai.TextContent(rec.Content),
		})
	}
	return Call{Messages: messages}, nil
}

// Invoke samples one response. Its text content is returned when present,
// otherwise the raw response.
func (a *Adapter) Invoke(ctx context.Context, call adapter.Call) (adapter.Result, error) {
	c, ok := call.(Call)
	if !ok {
		return adapter.Result{}, fmt.Errorf("%w: got %T", adapter.ErrCallMismatch, call)
	}

	resp, err := a.sampler.Sample(ctx, a.model, c.Messages)
	if err != nil {
		return adapter.Result{}, err
	}
	if resp == nil {
		return adapter.Result{}, errors.New("backend returned an empty response")
	}
	if resp.Content == nil {
		return adapter.RawResult(resp.String()), nil
	}
	return adapter.TextResult(*resp.Content), nil
}
