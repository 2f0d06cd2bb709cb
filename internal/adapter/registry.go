package adapter

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoAdapter indicates that no registered adapter is usable.
var ErrNoAdapter = errors.New("no compatible backend adapter is available")

// ErrDuplicateKind indicates an attempt to register the same kind twice.
var ErrDuplicateKind = errors.New("adapter kind already registered")

// ModeAuto selects the first available candidate in registration order.
const ModeAuto = "auto"

// Probe reports whether an adapter kind can be used in this environment.
type Probe func() error

type candidate struct {
	kind  Kind
	probe Probe
}

// Registry keeps adapter candidates in preference order.
type Registry struct {
	candidates []candidate
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a candidate. Earlier registrations are preferred.
func (r *Registry) Register(kind Kind, probe Probe) error {
	if probe == nil {
		return errors.New("probe must not be nil")
	}
	for _, c := range r.candidates {
		if c.kind == kind {
			return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
		}
	}
	r.candidates = append(r.candidates, candidate{kind: kind, probe: probe})
	return nil
}

// Kinds returns registered kinds in preference order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.candidates))
	for _, c := range r.candidates {
		out = append(out, c.kind)
	}
	return out
}

// Detect probes candidates once and returns the selected kind. mode is
// ModeAuto or the name of a single registered kind.
func (r *Registry) Detect(mode string) (Kind, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeAuto
	}

	var tried []candidate
	if mode == ModeAuto {
		tried = r.candidates
	} else {
		for _, c := range r.candidates {
			if string(c.kind) == mode {
				tried = []candidate{c}
				break
			}
		}
		if tried == nil {
			return "", fmt.Errorf("unknown adapter %q", mode)
		}
	}

	var errs []error
	names := make([]string, 0, len(tried))
	for _, c := range tried {
		names = append(names, string(c.kind))
		err := c.probe()
		if err == nil {
			return c.kind, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", c.kind, err))
	}

	return "", &DetectError{Tried: names, Causes: errs}
}

// DetectError lists why every candidate was rejected.
type DetectError struct {
	Tried  []string
	Causes []error
}

func (e *DetectError) Error() string {
	return fmt.Sprintf("%s (tried %s)", ErrNoAdapter.Error(), strings.Join(e.Tried, " and "))
}

func (e *DetectError) Unwrap() []error {
	return append([]error{ErrNoAdapter}, e.Causes...)
}
