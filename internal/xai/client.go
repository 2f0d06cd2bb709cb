package xai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "grok-bridge/0.1"

	maxErrorBodyBytes = 64 * 1024
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
)

// ErrEmptyAPIKey indicates the client was constructed without credentials.
var ErrEmptyAPIKey = errors.New("api key must not be empty")

// Options configures a Client.
type Options struct {
	APIKey     string
	BaseURL    string
	Headers    map[string]string
	MaxRetries int
	// RetryDelay is the initial backoff interval between retries.
	RetryDelay time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the xAI REST API. It is safe to share but the bridge only
// ever uses it from one goroutine.
type Client struct {
	apiKey     string
	baseURL    string
	headers    map[string]string
	maxRetries int
	retryDelay time.Duration
	client     *http.Client
	log        *slog.Logger
}

// NewClient validates the options and returns a ready client.
func NewClient(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrEmptyAPIKey
	}
	if strings.ContainsAny(apiKey, " \t\r\n") {
		return nil, errors.New("api key must not contain whitespace")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must use http or https", baseURL)
	}

	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", opts.MaxRetries)
	}

	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		headers:    headers,
		maxRetries: opts.MaxRetries,
		retryDelay: retryDelay,
		client:     client,
		log:        logger,
	}, nil
}

// BaseURL returns the normalised API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chat returns the chat service bound to this client.
func (c *Client) Chat() *ChatService {
	return &ChatService{client: c}
}

// Model is one entry of the models listing.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

type modelList struct {
	Data []Model `json:"data"`
}

// ListModels returns the models served to this API key.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	body, err := c.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}

	var list modelList
	if err := decodeJSON(body, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// APIError is an error response returned by the backend.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		if e.Type != "" {
			return fmt.Sprintf("xai error (%s): %s", e.Type, e.Message)
		}
		return fmt.Sprintf("xai error: %s", e.Message)
	}
	return fmt.Sprintf("upstream error status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// do performs one logical call, retrying transient failures, and returns the
// response body of the successful attempt.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = encoded
	}

	requestID := uuid.NewString()
	attempt := 0

	operation := func() ([]byte, error) {
		attempt++
		respBody, err := c.roundTrip(ctx, method, path, body, requestID)
		if err == nil {
			return respBody, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.retryDelay),
		backoff.WithMaxInterval(maxRetryDelay),
		backoff.WithMaxElapsedTime(0),
	)
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx)

	start := time.Now()
	respBody, err := backoff.RetryNotifyWithData(operation, b, func(err error, wait time.Duration) {
		c.log.Warn("retrying backend call",
			"request_id", requestID,
			"path", path,
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"err", err,
		)
	})
	if err != nil {
		c.log.Debug("backend call failed", "request_id", requestID, "path", path, "attempts", attempt, "err", err)
		return nil, err
	}

	c.log.Debug("backend call complete",
		"request_id", requestID,
		"path", path,
		"attempts", attempt,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return respBody, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, requestID string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-Id", requestID)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("xai request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return respBody, nil
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       fmt.Sprintf("failed to read body: %v", err),
		}
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}

	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		apiErr.Type = parsed.Error.Type
		apiErr.Message = parsed.Error.Message
		return apiErr
	}

	// xAI sometimes returns {"code": "...", "error": "..."} with a plain string.
	var flat struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Error != "" {
		apiErr.Type = flat.Code
		apiErr.Message = flat.Error
	}
	return apiErr
}

func decodeJSON(body []byte, target any) error {
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode backend response: %w", err)
	}
	return nil
}
