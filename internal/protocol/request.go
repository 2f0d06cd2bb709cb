package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"grok-bridge/internal/models"
)

var (
	errNotObject      = errors.New("request must be a JSON object")
	errInvalidMessage = errors.New("message must be a string")
	errNotRecordList  = errors.New("messages must be an array of {role, content} objects")
)

// HistoryShape describes how the messages field of a request was supplied.
type HistoryShape int

const (
	// HistoryNone means messages was absent or an empty/false-like JSON value.
	HistoryNone HistoryShape = iota
	// HistoryRecords means messages is an array whose first element is an object.
	HistoryRecords
	// HistoryOpaque means messages is present but not a list of records.
	HistoryOpaque
)

// Request is one parsed input line.
type Request struct {
	// ID is the caller's identifier as raw JSON; nil when absent.
	ID json.RawMessage
	// Message is the single-turn text, empty when absent.
	Message string
	// Messages is the raw history value; nil when absent or null.
	Messages json.RawMessage
}

// ParseRequest decodes a single input line. When the error is non-nil the
// returned request still carries the ID if it could be extracted.
func ParseRequest(line []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Request{}, errNotObject
		}
		return Request{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if fields == nil {
		return Request{}, errNotObject
	}

	req := Request{ID: fields["id"]}

	if raw, ok := fields["message"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &req.Message); err != nil {
			return req, errInvalidMessage
		}
	}

	if raw, ok := fields["messages"]; ok && !isNull(raw) {
		req.Messages = raw
	}

	return req, nil
}

// HistoryShape classifies the messages field.
func (r Request) HistoryShape() HistoryShape {
	if isFalsy(r.Messages) {
		return HistoryNone
	}

	var items []json.RawMessage
	if err := json.Unmarshal(r.Messages, &items); err != nil || len(items) == 0 {
		return HistoryOpaque
	}
	if first := bytes.TrimSpace(items[0]); len(first) > 0 && first[0] == '{' {
		return HistoryRecords
	}
	return HistoryOpaque
}

type wireRecord struct {
	Role    *string `json:"role"`
	Content *string `json:"content"`
}

// Records decodes the history as role/content records. A missing role
// defaults to "user" and missing content to the empty string. It returns nil
// without error when no history was supplied.
func (r Request) Records() ([]models.Message, error) {
	if isFalsy(r.Messages) {
		return nil, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(r.Messages, &items); err != nil {
		return nil, errNotRecordList
	}

	out := make([]models.Message, 0, len(items))
	for i, item := range items {
		trimmed := bytes.TrimSpace(item)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, fmt.Errorf("messages[%d]: %w", i, errNotRecordList)
		}

		var rec wireRecord
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return nil, fmt.Errorf("messages[%d]: role and content must be strings", i)
		}

		msg := models.Message{Role: string(models.DefaultRole)}
		if rec.Role != nil {
			msg.Role = *rec.Role
		}
		if rec.Content != nil {
			msg.Content = *rec.Content
		}
		out = append(out, msg)
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// isFalsy reports whether raw is absent or one of the JSON values a caller
// uses to mean "no history": null, false, 0, "", [] or {}.
func isFalsy(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}

	switch trimmed[0] {
	case 'n', 'f':
		return true
	case '"':
		return bytes.Equal(trimmed, []byte(`""`))
	case '[', '{':
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return false
		}
		switch val := v.(type) {
		case []any:
			return len(val) == 0
		case map[string]any:
			return len(val) == 0
		}
		return false
	default:
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return false
		}
		f, err := n.Float64()
		return err == nil && f == 0
	}
}
