package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"grok-bridge/internal/bridge"
	"grok-bridge/internal/config"
)

type runOptions struct {
	configPath  string
	adapter     string
	model       string
	legacyModel string
	timeout     time.Duration
	maxRetries  int
	verify      bool
	logLevel    levelFlag
	logFormat   string
}

func newRunCmd(s streams) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serves line-protocol requests from stdin until end of input",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return runBridge(c, opts, s)
		},
	}
	bindRunFlags(cmd.Flags(), opts)
	return cmd
}

func bindRunFlags(fs *pflag.FlagSet, o *runOptions) {
	fs.StringVarP(&o.configPath, "config", "c", "", "Path to YAML configuration file (optional)")
	fs.StringVar(&o.adapter, "adapter", "", "Backend adapter: auto, legacy or structured")
	fs.StringVar(&o.model, "model", "", "Chat model used by the structured adapter")
	fs.StringVar(&o.legacyModel, "legacy-model", "", "Completion model; enables the legacy adapter")
	fs.DurationVar(&o.timeout, "timeout", 0, "Backend request timeout, 0 disables it (default from configuration)")
	fs.IntVar(&o.maxRetries, "max-retries", 0, "Retries for transient backend failures (default from configuration)")
	fs.BoolVar(&o.verify, "verify", false, "Verify the API key and model against the backend before reading input")
	fs.Var(&o.logLevel, "log-level", "Log level: debug, info, warn or error")
	fs.StringVar(&o.logFormat, "log-format", "", "Log format: text or json")
}

// loadConfig layers defaults, the optional file, the environment and the
// flags that were set explicitly, in that order.
func (o *runOptions) loadConfig(fs *pflag.FlagSet, lookup func(string) (string, bool)) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return config.Config{}, fmt.Errorf("apply environment overrides: %w", err)
	}

	if fs.Changed("adapter") {
		cfg.Backend.Adapter = strings.ToLower(strings.TrimSpace(o.adapter))
	}
	if fs.Changed("model") {
		cfg.Backend.Model = o.model
	}
	if fs.Changed("legacy-model") {
		cfg.Backend.LegacyModel = o.legacyModel
	}
	if fs.Changed("timeout") {
		cfg.Backend.RequestTimeout = o.timeout
	}
	if fs.Changed("max-retries") {
		cfg.Backend.MaxRetries = o.maxRetries
	}
	if fs.Changed("verify") {
		cfg.Backend.VerifyOnStart = o.verify
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = o.logLevel.String()
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runBridge(c *cobra.Command, o *runOptions, s streams) error {
	cfg, err := o.loadConfig(c.Flags(), s.lookupEnv)
	if err != nil {
		logger := newLogger(s.errOut, config.Default().Log)
		return bridge.Abort(s.out, logger, fmt.Sprintf("Failed to load configuration: %v", err), err)
	}

	logger := newLogger(s.errOut, cfg.Log)
	slog.SetDefault(logger)

	return bridge.Run(c.Context(), bridge.Options{
		Config:    cfg,
		LookupEnv: s.lookupEnv,
		Logger:    logger,
	}, s.in, s.out)
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", name)
	}
}

// levelFlag validates --log-level when it is parsed.
type levelFlag struct {
	value string
}

func (f *levelFlag) Set(v string) error {
	if _, err := parseLevel(v); err != nil {
		return err
	}
	f.value = strings.ToLower(strings.TrimSpace(v))
	return nil
}

func (f *levelFlag) String() string {
	return f.value
}

func (*levelFlag) Type() string {
	return "level"
}

var _ pflag.Value = &levelFlag{}
