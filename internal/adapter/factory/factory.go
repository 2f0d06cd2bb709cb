package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"grok-bridge/internal/adapter"
	"grok-bridge/internal/adapter/legacy"
	"grok-bridge/internal/adapter/structured"
	"grok-bridge/internal/config"
	"grok-bridge/internal/xai"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	verifyTimeout          = 15 * time.Second
)

var (
	errLegacyModelUnset     = errors.New("no legacy completion model configured (backend.legacy_model)")
	errStructuredModelUnset = errors.New("no chat model configured (backend.model)")
)

// NewRegistry returns the adapter candidates in preference order: the legacy
// single-prompt adapter first, then the structured chat adapter.
func NewRegistry(cfg config.BackendConfig) *adapter.Registry {
	registry := adapter.NewRegistry()
	// Registration of distinct kinds with non-nil probes cannot fail.
	_ = registry.Register(adapter.KindLegacy, func() error {
		if strings.TrimSpace(cfg.LegacyModel) == "" {
			return errLegacyModelUnset
		}
		return nil
	})
	_ = registry.Register(adapter.KindStructured, func() error {
		if strings.TrimSpace(cfg.Model) == "" {
			return errStructuredModelUnset
		}
		return nil
	})
	return registry
}

// Detect selects the adapter kind for the process lifetime.
func Detect(cfg config.BackendConfig) (adapter.Kind, error) {
	return NewRegistry(cfg).Detect(cfg.Adapter)
}

// ModelFor returns the model an adapter kind calls.
func ModelFor(cfg config.BackendConfig, kind adapter.Kind) string {
	if kind == adapter.KindLegacy {
		return strings.TrimSpace(cfg.LegacyModel)
	}
	return strings.TrimSpace(cfg.Model)
}

// NewClient constructs the backend client used for the rest of the process.
// With VerifyOnStart it also confirms the credentials and that the model for
// kind is served.
func NewClient(ctx context.Context, cfg config.BackendConfig, kind adapter.Kind, apiKey string, logger *slog.Logger) (*xai.Client, error) {
	client, err := xai.NewClient(xai.Options{
		APIKey:     apiKey,
		BaseURL:    cfg.BaseURL,
		Headers:    cfg.Headers,
		MaxRetries: cfg.MaxRetries,
		HTTPClient: newHTTPClient(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	if !cfg.VerifyOnStart {
		return client, nil
	}

	verifyCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	served, err := client.ListModels(verifyCtx)
	if err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}
	model := ModelFor(cfg, kind)
	for _, m := range served {
		if m.ID == model {
			return client, nil
		}
	}
	return nil, fmt.Errorf("model %q is not available to this api key", model)
}

// NewAdapter binds the selected adapter kind to the client.
func NewAdapter(kind adapter.Kind, client *xai.Client, cfg config.BackendConfig) (adapter.Adapter, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}

	switch kind {
	case adapter.KindLegacy:
		return legacy.New(client, ModelFor(cfg, kind))
	case adapter.KindStructured:
		return structured.New(structured.ClientSampler{Client: client}, ModelFor(cfg, kind))
	default:
		return nil, fmt.Errorf("unsupported adapter kind %q", kind)
	}
}

// newHTTPClient has no overall timeout; calls are bounded by the request
// context instead.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}
