package adapter

import (
	"context"
	"errors"

	"grok-bridge/internal/protocol"
)

// ErrCallMismatch indicates a call built by one adapter was handed to another.
var ErrCallMismatch = errors.New("backend call was not built by this adapter")

// Kind names a backend call convention.
type Kind string

const (
	// KindLegacy sends a single prompt string or array.
	KindLegacy Kind = "legacy"
	// KindStructured sends role-typed messages and samples one response.
	KindStructured Kind = "structured"
)

// Call is a backend request produced by an adapter's Format.
type Call interface {
	Kind() Kind
}

// Adapter formats caller requests for one backend call convention and
// invokes the backend with them.
type Adapter interface {
	Kind() Kind
	Format(req protocol.Request) (Call, error)
	Invoke(ctx context.Context, call Call) (Result, error)
}

// Result is the outcome of a successful backend call: either the textual
// content of the response or, when the response exposed none, its raw form.
type Result struct {
	value string
	raw   bool
}

// TextResult wraps textual response content.
func TextResult(text string) Result {
	return Result{value: text}
}

// RawResult wraps the raw representation of a response without text.
func RawResult(raw string) Result {
	return Result{value: raw, raw: true}
}

// IsRaw reports whether the result fell back to the raw response.
func (r Result) IsRaw() bool {
	return r.raw
}

// String returns the reply text for the caller.
func (r Result) String() string {
	return r.value
}
