package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

var jsonNull = json.RawMessage("null")

// Reply is one output line. Exactly one of Reply or Error is set.
type Reply struct {
	ID    json.RawMessage `json:"id"`
	Reply *string         `json:"reply,omitempty"`
	Error *string         `json:"error,omitempty"`
}

// Fatal is the single start-up failure line. It deliberately has no id.
type Fatal struct {
	Error string `json:"error"`
}

// Success builds a reply for a completed request.
func Success(id json.RawMessage, text string) Reply {
	return Reply{ID: normaliseID(id), Reply: &text}
}

// Failure builds an error reply for a request.
func Failure(id json.RawMessage, err error) Reply {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Reply{ID: normaliseID(id), Error: &msg}
}

// Failed reports whether the reply carries an error.
func (r Reply) Failed() bool {
	return r.Error != nil
}

func normaliseID(id json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return jsonNull
	}
	if !utf8.Valid(trimmed) {
		// Round-tripping replaces invalid bytes in strings with U+FFFD.
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return jsonNull
		}
		cleaned, err := json.Marshal(v)
		if err != nil {
			return jsonNull
		}
		return cleaned
	}
	return trimmed
}

// Encoder writes one compact JSON object per line and flushes after each one
// so readers see replies as soon as they are produced.
type Encoder struct {
	buf *bufio.Writer
}

// NewEncoder wraps w in a line encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{buf: bufio.NewWriter(w)}
}

// WriteReply emits a request reply.
func (e *Encoder) WriteReply(r Reply) error {
	return e.write(r)
}

// WriteFatal emits the start-up failure line.
func (e *Encoder) WriteFatal(message string) error {
	return e.write(Fatal{Error: message})
}

func (e *Encoder) write(v any) error {
	var line bytes.Buffer
	enc := json.NewEncoder(&line)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}

	if _, err := e.buf.Write(line.Bytes()); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	if err := e.buf.Flush(); err != nil {
		return fmt.Errorf("flush reply: %w", err)
	}
	return nil
}
