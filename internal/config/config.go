package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	AdapterAuto       = "auto"
	AdapterLegacy     = "legacy"
	AdapterStructured = "structured"

	DefaultBaseURL        = "https://api.x.ai/v1"
	DefaultAPIKeyEnv      = "XAI_API_KEY"
	DefaultModel          = "grok-4-fast-reasoning"
	DefaultRequestTimeout = 120 * time.Second
)

// Environment variables that override file configuration.
const (
	EnvBaseURL        = "XAI_BASE_URL"
	EnvModel          = "XAI_MODEL"
	EnvLegacyModel    = "XAI_LEGACY_MODEL"
	EnvAdapter        = "XAI_BRIDGE_ADAPTER"
	EnvRequestTimeout = "XAI_REQUEST_TIMEOUT"
	EnvMaxRetries     = "XAI_MAX_RETRIES"
)

// Config represents the bridge configuration parsed from YAML.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Log     LogConfig     `yaml:"log"`
}

// BackendConfig describes how to reach the chat backend.
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	Adapter        string        `yaml:"adapter"`
	Model          string        `yaml:"model"`
	LegacyModel    string        `yaml:"legacy_model"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	VerifyOnStart  bool          `yaml:"verify_on_start"`
	Headers        Headers       `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with every backend request.
type Headers map[string]string

// LogConfig controls the stderr logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:        DefaultBaseURL,
			APIKeyEnv:      DefaultAPIKeyEnv,
			Adapter:        AdapterAuto,
			Model:          DefaultModel,
			RequestTimeout: DefaultRequestTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads YAML configuration from disk on top of the defaults. It does not
// validate; callers apply overrides first and then call Validate.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// ApplyEnv overrides configuration values from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}

	if v, ok := nonEmpty(lookup, EnvBaseURL); ok {
		c.Backend.BaseURL = v
	}
	if v, ok := nonEmpty(lookup, EnvModel); ok {
		c.Backend.Model = v
	}
	if v, ok := nonEmpty(lookup, EnvLegacyModel); ok {
		c.Backend.LegacyModel = v
	}
	if v, ok := nonEmpty(lookup, EnvAdapter); ok {
		c.Backend.Adapter = strings.ToLower(v)
	}
	if v, ok := nonEmpty(lookup, EnvRequestTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRequestTimeout, err)
		}
		c.Backend.RequestTimeout = d
	}
	if v, ok := nonEmpty(lookup, EnvMaxRetries); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxRetries, err)
		}
		c.Backend.MaxRetries = n
	}
	return nil
}

func nonEmpty(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	b := c.Backend

	if strings.TrimSpace(b.BaseURL) == "" {
		return fmt.Errorf("backend.base_url must be provided")
	}
	u, err := url.Parse(b.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url %q must be an absolute URL", b.BaseURL)
	}
	if strings.TrimSpace(b.APIKeyEnv) == "" {
		return fmt.Errorf("backend.api_key_env must be provided")
	}

	switch b.Adapter {
	case AdapterAuto, AdapterLegacy, AdapterStructured:
	default:
		return fmt.Errorf("backend.adapter %q must be one of %q, %q or %q", b.Adapter, AdapterAuto, AdapterLegacy, AdapterStructured)
	}

	if b.RequestTimeout < 0 {
		return fmt.Errorf("backend.request_timeout must not be negative, got %s", b.RequestTimeout)
	}
	if b.MaxRetries < 0 {
		return fmt.Errorf("backend.max_retries must not be negative, got %d", b.MaxRetries)
	}

	for headerKey := range b.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("backend header %q is not a valid canonical HTTP header", headerKey)
		}
		if strings.EqualFold(headerKey, "Authorization") {
			return fmt.Errorf("backend header %q is managed by the bridge", headerKey)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn or error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
