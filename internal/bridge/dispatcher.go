package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"grok-bridge/internal/adapter"
	"grok-bridge/internal/protocol"
)

// Dispatcher serves one request line at a time through a single adapter.
type Dispatcher struct {
	adapter adapter.Adapter
	enc     *protocol.Encoder
	log     *slog.Logger
	timeout time.Duration
}

// NewDispatcher binds the adapter selected at start-up to the reply encoder.
// A zero timeout leaves backend calls unbounded.
func NewDispatcher(a adapter.Adapter, enc *protocol.Encoder, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		adapter: a,
		enc:     enc,
		log:     logger,
		timeout: timeout,
	}
}

type inputLine struct {
	data []byte
	err  error
}

// Run consumes newline-delimited requests from in until end of input or until
// ctx is cancelled between requests. A request that has started is always
// answered. Only input and output failures end the loop with an error.
func (d *Dispatcher) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan inputLine)
	done := make(chan struct{})
	defer close(done)

	go readLines(in, lines, done)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("shutdown requested, stopping dispatcher")
			return nil
		case line, ok := <-lines:
			if !ok {
				d.log.Debug("end of input")
				return nil
			}
			if line.err != nil {
				return fmt.Errorf("read input: %w", line.err)
			}
			if err := d.serve(ctx, line.data); err != nil {
				return err
			}
		}
	}
}

func readLines(in io.Reader, lines chan<- inputLine, done <-chan struct{}) {
	defer close(lines)

	reader := bufio.NewReader(in)
	for {
		data, err := reader.ReadBytes('\n')
		if len(data) > 0 {
			select {
			case lines <- inputLine{data: data}:
			case <-done:
				return
			}
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			select {
			case lines <- inputLine{err: err}:
			case <-done:
			}
		}
		return
	}
}

func (d *Dispatcher) serve(ctx context.Context, line []byte) error {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}

	start := time.Now()
	reply := d.handle(ctx, line)

	attrs := []any{
		"id", string(reply.ID),
		"adapter", d.adapter.Kind(),
		"latency_ms", time.Since(start).Milliseconds(),
	}
	if reply.Failed() {
		d.log.Warn("request failed", append(attrs, "err", *reply.Error)...)
	} else {
		d.log.Info("request served", attrs...)
	}

	return d.enc.WriteReply(reply)
}

// handle turns one line into exactly one reply. Every failure below this
// point, including a panic, becomes an error reply.
func (d *Dispatcher) handle(ctx context.Context, line []byte) (reply protocol.Reply) {
	var id json.RawMessage
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("request handler panicked", "id", string(id), "panic", r)
			reply = protocol.Failure(id, fmt.Errorf("internal error: %v", r))
		}
	}()

	req, err := protocol.ParseRequest(line)
	id = req.ID
	if err != nil {
		return protocol.Failure(id, err)
	}

	call, err := d.adapter.Format(req)
	if err != nil {
		return protocol.Failure(id, err)
	}

	result, err := d.invoke(ctx, call)
	if err != nil {
		return protocol.Failure(id, err)
	}
	if result.IsRaw() {
		d.log.Debug("backend response had no text content, replying with raw response", "id", string(id))
	}
	return protocol.Success(id, result.String())
}

// invoke detaches the call from process cancellation so a started request is
// finished; only the request timeout bounds it.
func (d *Dispatcher) invoke(ctx context.Context, call adapter.Call) (adapter.Result, error) {
	callCtx := context.WithoutCancel(ctx)
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, d.timeout)
		defer cancel()
	}

	result, err := d.adapter.Invoke(callCtx, call)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return adapter.Result{}, fmt.Errorf("backend call timed out after %s: %w", d.timeout, err)
		}
		return adapter.Result{}, err
	}
	return result, nil
}
