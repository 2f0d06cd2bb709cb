package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"grok-bridge/internal/adapter"
	"grok-bridge/internal/backendstub"
	"grok-bridge/internal/config"
	"grok-bridge/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCall struct {
	text string
}

func (fakeCall) Kind() adapter.Kind { return adapter.KindStructured }

type fakeAdapter struct {
	invoke func(ctx context.Context, text string) (adapter.Result, error)
}

func (f *fakeAdapter) Kind() adapter.Kind { return adapter.KindStructured }

func (f *fakeAdapter) Format(req protocol.Request) (adapter.Call, error) {
	if req.Message == "panic" {
		panic("boom")
	}
	return fakeCall{text: req.Message}, nil
}

func (f *fakeAdapter) Invoke(ctx context.Context, call adapter.Call) (adapter.Result, error) {
	c := call.(fakeCall)
	if f.invoke != nil {
		return f.invoke(ctx, c.text)
	}
	return adapter.TextResult("re: " + c.text), nil
}

func dispatch(t *testing.T, a adapter.Adapter, timeout time.Duration, input string) []string {
	t.Helper()
	var out bytes.Buffer
	d := NewDispatcher(a, protocol.NewEncoder(&out), timeout, quietLogger())
	require.NoError(t, d.Run(context.Background(), strings.NewReader(input)))
	return outputLines(out.String())
}

func outputLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

type replyLine struct {
	ID    json.RawMessage `json:"id"`
	Reply *string         `json:"reply"`
	Error *string         `json:"error"`
}

func decodeReply(t *testing.T, line string) replyLine {
	t.Helper()
	var r replyLine
	require.NoError(t, json.Unmarshal([]byte(line), &r))
	require.True(t, (r.Reply == nil) != (r.Error == nil), "exactly one of reply and error: %s", line)
	return r
}

func TestDispatcherCorrelatesAndSkipsBlankLines(t *testing.T) {
	input := strings.Join([]string{
		`{"id":1,"message":"hi"}`,
		``,
		"   \t",
		`{not json`,
		`{"id":2,"message":"again"}`,
	}, "\n")

	lines := dispatch(t, &fakeAdapter{}, time.Second, input)
	require.Len(t, lines, 3)
	require.Equal(t, `{"id":1,"reply":"re: hi"}`, lines[0])

	bad := decodeReply(t, lines[1])
	require.Equal(t, "null", string(bad.ID))
	require.NotNil(t, bad.Error)
	require.Contains(t, *bad.Error, "invalid JSON")

	require.Equal(t, `{"id":2,"reply":"re: again"}`, lines[2])
}

func TestDispatcherBackendFailure(t *testing.T) {
	a := &fakeAdapter{invoke: func(context.Context, string) (adapter.Result, error) {
		return adapter.Result{}, errors.New("backend exploded")
	}}

	lines := dispatch(t, a, time.Second, `{"id": 7, "message": "hi"}`+"\n")
	require.Equal(t, []string{`{"id":7,"error":"backend exploded"}`}, lines)
}

func TestDispatcherEchoesAnyID(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"abc","message":"x"}`,
		`{"id":1.5,"message":"x"}`,
		`{"id":{"k":1},"message":"x"}`,
		`{"id":[1,"two"],"message":"x"}`,
		`{"message":"x"}`,
		`{"id":null,"message":"x"}`,
	}, "\n")

	lines := dispatch(t, &fakeAdapter{}, time.Second, input)
	require.Equal(t, []string{
		`{"id":"abc","reply":"re: x"}`,
		`{"id":1.5,"reply":"re: x"}`,
		`{"id":{"k":1},"reply":"re: x"}`,
		`{"id":[1,"two"],"reply":"re: x"}`,
		`{"id":null,"reply":"re: x"}`,
		`{"id":null,"reply":"re: x"}`,
	}, lines)
}

func TestDispatcherKeepsOutputValidUTF8(t *testing.T) {
	lines := dispatch(t, &fakeAdapter{}, time.Second, "{\"id\":\"\xff\",\"message\":\"x\"}\n")
	require.Len(t, lines, 1)
	require.True(t, utf8.ValidString(lines[0]))
	require.Equal(t, `{"id":"`+"\uFFFD"+`","reply":"re: x"}`, lines[0])
}

func TestDispatcherRequestLevelErrors(t *testing.T) {
	input := strings.Join([]string{
		`[1,2,3]`,
		`"just a string"`,
		`{"id":4,"message":42}`,
		`{"id":5,"message":"ok"}`,
	}, "\n")

	lines := dispatch(t, &fakeAdapter{}, time.Second, input)
	require.Len(t, lines, 4)

	for _, line := range lines[:2] {
		r := decodeReply(t, line)
		require.Equal(t, "null", string(r.ID))
		require.NotNil(t, r.Error)
	}
	r := decodeReply(t, lines[2])
	require.Equal(t, "4", string(r.ID))
	require.NotNil(t, r.Error)

	require.Equal(t, `{"id":5,"reply":"re: ok"}`, lines[3])
}

func TestDispatcherRecoversFromPanics(t *testing.T) {
	input := `{"id":1,"message":"panic"}` + "\n" + `{"id":2,"message":"fine"}` + "\n"

	lines := dispatch(t, &fakeAdapter{}, time.Second, input)
	require.Equal(t, []string{
		`{"id":1,"error":"internal error: boom"}`,
		`{"id":2,"reply":"re: fine"}`,
	}, lines)
}

func TestDispatcherTimesOutSlowCalls(t *testing.T) {
	a := &fakeAdapter{invoke: func(ctx context.Context, text string) (adapter.Result, error) {
		if text == "slow" {
			<-ctx.Done()
			return adapter.Result{}, ctx.Err()
		}
		return adapter.TextResult("fast"), nil
	}}

	input := `{"id":1,"message":"slow"}` + "\n" + `{"id":2,"message":"quick"}` + "\n"
	lines := dispatch(t, a, 20*time.Millisecond, input)
	require.Equal(t, []string{
		`{"id":1,"error":"backend call timed out after 20ms: context deadline exceeded"}`,
		`{"id":2,"reply":"fast"}`,
	}, lines)
}

func TestDispatcherFinishesCallAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &fakeAdapter{invoke: func(callCtx context.Context, text string) (adapter.Result, error) {
		cancel()
		if err := callCtx.Err(); err != nil {
			return adapter.Result{}, err
		}
		return adapter.TextResult("finished " + text), nil
	}}

	var out bytes.Buffer
	d := NewDispatcher(a, protocol.NewEncoder(&out), 0, quietLogger())
	require.NoError(t, d.Run(ctx, strings.NewReader(`{"id":1,"message":"work"}`)))
	require.Equal(t, `{"id":1,"reply":"finished work"}`+"\n", out.String())
}

func TestDispatcherStopsWhileIdle(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	d := NewDispatcher(&fakeAdapter{}, protocol.NewEncoder(&out), 0, quietLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx, pr) }()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
	require.Empty(t, out.String())
}

func TestDispatcherReportsReadFailures(t *testing.T) {
	var out bytes.Buffer
	d := NewDispatcher(&fakeAdapter{}, protocol.NewEncoder(&out), 0, quietLogger())

	in := io.MultiReader(strings.NewReader(`{"id":1,"message":"a"}`+"\n"), failingReader{})
	err := d.Run(context.Background(), in)
	require.ErrorContains(t, err, "read input: disk on fire")
	require.Equal(t, `{"id":1,"reply":"re: a"}`+"\n", out.String())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestDispatcherAcceptsLongLines(t *testing.T) {
	long := strings.Repeat("x", 256*1024)
	lines := dispatch(t, &fakeAdapter{}, 0, `{"id":1,"message":"`+long+`"}`)
	require.Len(t, lines, 1)
	require.Equal(t, `{"id":1,"reply":"re: `+long+`"}`, lines[0])
}

type untouchableReader struct {
	t *testing.T
}

func (r untouchableReader) Read([]byte) (int, error) {
	r.t.Error("input was read after a start-up failure")
	return 0, io.EOF
}

func envWith(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestRunMissingAPIKey(t *testing.T) {
	var out bytes.Buffer
	err := Run(context.Background(), Options{
		Config:    config.Default(),
		LookupEnv: envWith(nil),
		Logger:    quietLogger(),
	}, untouchableReader{t: t}, &out)

	require.ErrorIs(t, err, ErrStartup)
	require.Equal(t, `{"error":"XAI_API_KEY environment variable is not set."}`+"\n", out.String())
}

func TestRunBlankAPIKeyUsesConfiguredVariable(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.APIKeyEnv = "GROK_KEY"

	var out bytes.Buffer
	err := Run(context.Background(), Options{
		Config:    cfg,
		LookupEnv: envWith(map[string]string{"GROK_KEY": "  "}),
		Logger:    quietLogger(),
	}, untouchableReader{t: t}, &out)

	require.ErrorIs(t, err, ErrStartup)
	require.Equal(t, `{"error":"GROK_KEY environment variable is not set."}`+"\n", out.String())
}

func TestRunNoAdapterAvailable(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Model = ""

	var out bytes.Buffer
	err := Run(context.Background(), Options{
		Config:    cfg,
		LookupEnv: envWith(map[string]string{"XAI_API_KEY": "key"}),
		Logger:    quietLogger(),
	}, untouchableReader{t: t}, &out)

	require.ErrorIs(t, err, ErrStartup)
	require.ErrorIs(t, err, adapter.ErrNoAdapter)
	require.Equal(t, `{"error":"No compatible xAI backend adapter is available (tried legacy and structured)."}`+"\n", out.String())
}

func TestRunClientInitialisationFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.BaseURL = "ftp://api.example.com"

	var out bytes.Buffer
	err := Run(context.Background(), Options{
		Config:    cfg,
		LookupEnv: envWith(map[string]string{"XAI_API_KEY": "key"}),
		Logger:    quietLogger(),
	}, untouchableReader{t: t}, &out)

	require.ErrorIs(t, err, ErrStartup)
	lines := outputLines(out.String())
	require.Len(t, lines, 1)

	var fatalLine map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &fatalLine))
	require.Len(t, fatalLine, 1)
	require.True(t, strings.HasPrefix(fatalLine["error"], "Failed to initialize structured client: "), fatalLine["error"])
}

func TestRunVerificationFailure(t *testing.T) {
	stub := backendstub.New(backendstub.Options{APIKey: "right", Models: []string{config.DefaultModel}, Logger: quietLogger()})
	server := httptest.NewServer(stub.Handler())
	defer server.Close()

	cfg := config.Default()
	cfg.Backend.BaseURL = server.URL + "/v1"
	cfg.Backend.VerifyOnStart = true

	var out bytes.Buffer
	err := Run(context.Background(), Options{
		Config:    cfg,
		LookupEnv: envWith(map[string]string{"XAI_API_KEY": "wrong"}),
		Logger:    quietLogger(),
	}, untouchableReader{t: t}, &out)

	require.ErrorIs(t, err, ErrStartup)
	require.Contains(t, out.String(), `{"error":"Failed to initialize structured client: verify credentials:`)
}

func TestRunStructuredEndToEnd(t *testing.T) {
	stub := backendstub.New(backendstub.Options{APIKey: "secret", Models: []string{"grok-test"}, Logger: quietLogger()})
	server := httptest.NewServer(stub.Handler())
	defer server.Close()

	cfg := config.Default()
	cfg.Backend.BaseURL = server.URL + "/v1"
	cfg.Backend.Model = "grok-test"
	cfg.Backend.VerifyOnStart = true

	input := strings.Join([]string{
		`{"id":1,"message":"hello"}`,
		`{"id":2,"messages":[{"role":"system","content":"S"},{"role":"user","content":"U"}]}`,
		``,
		`{"id":3,"messages":["not","records"]}`,
	}, "\n")

	var out bytes.Buffer
	err := Run(context.Background(), Options{
		Config:    cfg,
		LookupEnv: envWith(map[string]string{"XAI_API_KEY": "secret"}),
		Logger:    quietLogger(),
	}, strings.NewReader(input), &out)
	require.NoError(t, err)

	lines := outputLines(out.String())
	require.Len(t, lines, 3)
	require.Equal(t, `{"id":1,"reply":"echo: hello"}`, lines[0])
	require.Equal(t, `{"id":2,"reply":"echo: U"}`, lines[1])
	third := decodeReply(t, lines[2])
	require.Equal(t, "3", string(third.ID))
	require.NotNil(t, third.Error)

	exchanges := stub.Exchanges()
	require.Len(t, exchanges, 2)
	require.Equal(t, []backendstub.ChatMessage{
		{Role: "system", Content: "S"},
		{Role: "user", Content: "U"},
	}, exchanges[1].Messages)
}

func TestRunLegacyEndToEnd(t *testing.T) {
	stub := backendstub.New(backendstub.Options{APIKey: "secret", Logger: quietLogger()})
	server := httptest.NewServer(stub.Handler())
	defer server.Close()

	cfg := config.Default()
	cfg.Backend.BaseURL = server.URL + "/v1"
	cfg.Backend.LegacyModel = "grok-legacy"

	input := strings.Join([]string{
		`{"id":"a","messages":[{"role":"system","content":"S"},{"role":"user","content":"U"}]}`,
		`{"id":"b","messages":["first","second"]}`,
		`{"id":"c","message":"<b>&</b>"}`,
	}, "\n")

	var out bytes.Buffer
	err := Run(context.Background(), Options{
		Config:    cfg,
		LookupEnv: envWith(map[string]string{"XAI_API_KEY": "secret"}),
		Logger:    quietLogger(),
	}, strings.NewReader(input), &out)
	require.NoError(t, err)

	require.Equal(t, []string{
		`{"id":"a","reply":"echo: System: S\nUser: U"}`,
		`{"id":"b","reply":"echo: first | second"}`,
		`{"id":"c","reply":"echo: <b>&</b>"}`,
	}, outputLines(out.String()))

	for _, ex := range stub.Exchanges() {
		require.Equal(t, backendstub.EndpointCompletion, ex.Endpoint)
		require.Equal(t, "grok-legacy", ex.Model)
	}
}

func TestRunBackendErrorIsIsolated(t *testing.T) {
	stub := backendstub.New(backendstub.Options{
		Logger: quietLogger(),
		Respond: func(ex backendstub.Exchange) (string, error) {
			if ex.Messages[len(ex.Messages)-1].Content == "fail" {
				return "", errors.New("model overloaded")
			}
			return "ok", nil
		},
	})
	server := httptest.NewServer(stub.Handler())
	defer server.Close()

	cfg := config.Default()
	cfg.Backend.BaseURL = server.URL + "/v1"

	input := `{"id":7,"message":"fail"}` + "\n" + `{"id":8,"message":"fine"}` + "\n"

	var out bytes.Buffer
	err := Run(context.Background(), Options{
		Config:    cfg,
		LookupEnv: envWith(map[string]string{"XAI_API_KEY": "secret"}),
		Logger:    quietLogger(),
	}, strings.NewReader(input), &out)
	require.NoError(t, err)

	require.Equal(t, []string{
		`{"id":7,"error":"xai error (server_error): model overloaded"}`,
		`{"id":8,"reply":"ok"}`,
	}, outputLines(out.String()))
}
