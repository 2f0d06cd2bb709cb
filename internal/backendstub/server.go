package backendstub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	maxBodyBytes        = 4 << 20 // 4 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 45 * time.Second
	idleTimeout         = 120 * time.Second
)

const (
	EndpointChat       = "chat"
	EndpointCompletion = "completion"
)

// Exchange records one request received by the stub.
type Exchange struct {
	Endpoint string
	Model    string
	// Prompt is the raw prompt of a completion request.
	Prompt json.RawMessage
	// Messages are the messages of a chat request, content flattened to text.
	Messages []ChatMessage
	N        int
}

// ChatMessage is a chat message as received on the wire.
type ChatMessage struct {
	Role    string
	Content string
}

// UnmarshalJSON accepts both plain string content and text part arrays.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role

	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		m.Content = ""
		return nil
	}

	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		m.Content = text
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw.Content, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "text" {
			return fmt.Errorf("unsupported content part type %q", p.Type)
		}
		b.WriteString(p.Text)
	}
	m.Content = b.String()
	return nil
}

// Responder produces the reply text for an exchange. Returning an error makes
// the stub answer with an HTTP 500 carrying the error message.
type Responder func(ex Exchange) (string, error)

// Options configures the stub.
type Options struct {
	// APIKey, when set, is required as a bearer token.
	APIKey string
	// Models are advertised on /v1/models and accepted by the endpoints.
	// An empty list accepts any model.
	Models []string
	// Respond overrides the default echo behaviour.
	Respond Responder
	Logger  *slog.Logger
}

// Server is an xAI-compatible stand-in backend.
type Server struct {
	opts Options
	app  *echo.Echo
	log  *slog.Logger

	mu        sync.Mutex
	exchanges []Exchange
}

// New constructs the stub and wires its routes.
func New(opts Options) *Server {
	if opts.Respond == nil {
		opts.Respond = Echo
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apiErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("stub request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", c.Request().Header.Get("X-Request-Id"),
			)
			return nil
		},
	}))

	s := &Server{opts: opts, app: e, log: logger}
	s.registerRoutes()
	return s
}

// Echo is the default responder: it repeats the last message or the prompt.
func Echo(ex Exchange) (string, error) {
	switch ex.Endpoint {
	case EndpointChat:
		if len(ex.Messages) == 0 {
			return "echo:", nil
		}
		return "echo: " + ex.Messages[len(ex.Messages)-1].Content, nil
	default:
		var prompt string
		if err := json.Unmarshal(ex.Prompt, &prompt); err == nil {
			return "echo: " + prompt, nil
		}
		var parts []string
		if err := json.Unmarshal(ex.Prompt, &parts); err == nil {
			return "echo: " + strings.Join(parts, " | "), nil
		}
		return "echo: " + string(ex.Prompt), nil
	}
}

// Handler exposes the stub as an http.Handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Exchanges returns a copy of every request served so far.
func (s *Server) Exchanges() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Exchange, len(s.exchanges))
	copy(out, s.exchanges)
	return out
}

// Run listens on addr and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.log.Info("starting backend stub", "addr", addr)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.log.Info("backend stub shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)

	v1 := s.app.Group("/v1", s.authenticate)
	v1.GET("/models", s.handleModels)
	v1.POST("/chat/completions", s.handleChat)
	v1.POST("/completions", s.handleCompletion)
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.opts.APIKey == "" {
			return next(c)
		}
		if c.Request().Header.Get("Authorization") != "Bearer "+s.opts.APIKey {
			return requestError{
				Status:  http.StatusUnauthorized,
				Message: "Incorrect API key provided",
				Type:    "invalid_request_error",
			}
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(c echo.Context) error {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	data := make([]model, 0, len(s.opts.Models))
	for _, id := range s.opts.Models {
		data = append(data, model{ID: id, Object: "model", OwnedBy: "backendstub"})
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": data})
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	N        int           `json:"n"`
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if err := s.checkModel(req.Model); err != nil {
		return err
	}
	if len(req.Messages) == 0 {
		return requestError{Status: http.StatusBadRequest, Message: "at least one message is required", Type: "invalid_request_error"}
	}

	ex := Exchange{Endpoint: EndpointChat, Model: req.Model, Messages: req.Messages, N: req.N}
	text, err := s.respond(ex)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"id":      fmt.Sprintf("stub-chat-%d", s.count()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "stop",
			"message": map[string]any{
				"role":    "assistant",
				"content": text,
			},
		}},
	})
}

type completionRequest struct {
	Model  string          `json:"model"`
	Prompt json.RawMessage `json:"prompt"`
}

func (s *Server) handleCompletion(c echo.Context) error {
	var req completionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if err := s.checkModel(req.Model); err != nil {
		return err
	}

	ex := Exchange{Endpoint: EndpointCompletion, Model: req.Model, Prompt: req.Prompt}
	text, err := s.respond(ex)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"id":      fmt.Sprintf("stub-cmpl-%d", s.count()),
		"object":  "text_completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "stop",
			"text":          text,
		}},
	})
}

func (s *Server) checkModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return requestError{Status: http.StatusBadRequest, Message: "model must be provided", Type: "invalid_request_error"}
	}
	if len(s.opts.Models) == 0 {
		return nil
	}
	for _, m := range s.opts.Models {
		if m == model {
			return nil
		}
	}
	return requestError{
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("The model %s does not exist or your team does not have access to it.", model),
		Type:    "invalid_request_error",
	}
}

func (s *Server) respond(ex Exchange) (string, error) {
	s.mu.Lock()
	s.exchanges = append(s.exchanges, ex)
	s.mu.Unlock()

	text, err := s.opts.Respond(ex)
	if err != nil {
		return "", requestError{Status: http.StatusInternalServerError, Message: err.Error(), Type: "server_error"}
	}
	return text, nil
}

func (s *Server) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exchanges)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	return c.JSON(status, payload)
}

func apiErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error")
}
