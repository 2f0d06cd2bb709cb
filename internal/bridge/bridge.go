package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"grok-bridge/internal/adapter"
	"grok-bridge/internal/adapter/factory"
	"grok-bridge/internal/config"
	"grok-bridge/internal/protocol"
)

// ErrStartup indicates the bridge stopped before serving any request. The
// reason has already been written to the output as a fatal line.
var ErrStartup = errors.New("bridge start-up failed")

// Options configures a bridge run.
type Options struct {
	Config config.Config
	// LookupEnv resolves the API key variable. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	Logger    *slog.Logger
}

// Run performs start-up (key lookup, adapter detection, client
// initialisation) and then serves requests from in until end of input.
// A start-up failure is written to out as a single fatal line and no input is
// read.
func Run(ctx context.Context, opts Options, in io.Reader, out io.Writer) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := opts.Config.Backend
	enc := protocol.NewEncoder(out)

	apiKey, ok := lookup(cfg.APIKeyEnv)
	if !ok || strings.TrimSpace(apiKey) == "" {
		return fatal(enc, logger, fmt.Sprintf("%s environment variable is not set.", cfg.APIKeyEnv), nil)
	}

	kind, err := factory.Detect(cfg)
	if err != nil {
		return fatal(enc, logger, detectMessage(err), err)
	}

	client, err := factory.NewClient(ctx, cfg, kind, apiKey, logger)
	if err != nil {
		return fatal(enc, logger, fmt.Sprintf("Failed to initialize %s client: %v", kind, err), err)
	}

	a, err := factory.NewAdapter(kind, client, cfg)
	if err != nil {
		return fatal(enc, logger, fmt.Sprintf("Failed to initialize %s client: %v", kind, err), err)
	}

	logger.Info("bridge ready",
		"adapter", kind,
		"model", factory.ModelFor(cfg, kind),
		"base_url", client.BaseURL(),
		"request_timeout", cfg.RequestTimeout.String(),
	)

	return NewDispatcher(a, enc, cfg.RequestTimeout, logger).Run(ctx, in)
}

// Abort reports a failure that happened before Run could start, such as an
// unusable configuration, as the single fatal line on out.
func Abort(out io.Writer, logger *slog.Logger, message string, cause error) error {
	if logger == nil {
		logger = slog.Default()
	}
	return fatal(protocol.NewEncoder(out), logger, message, cause)
}

func detectMessage(err error) string {
	var detectErr *adapter.DetectError
	if errors.As(err, &detectErr) {
		return fmt.Sprintf("No compatible xAI backend adapter is available (tried %s).", strings.Join(detectErr.Tried, " and "))
	}
	return err.Error()
}

func fatal(enc *protocol.Encoder, logger *slog.Logger, message string, cause error) error {
	logger.Error("bridge start-up failed", "err", message)

	if err := enc.WriteFatal(message); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStartup, message, err)
	}
	if cause != nil {
		return fmt.Errorf("%w: %w", ErrStartup, cause)
	}
	return fmt.Errorf("%w: %s", ErrStartup, message)
}
