package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Bliod-Cook/drome/internal/config"
	"github.com/Bliod-Cook/drome/internal/mcpclient"
	"github.com/Bliod-Cook/drome/internal/metrics"
	"github.com/Bliod-Cook/drome/internal/orchestrator"
	"github.com/Bliod-Cook/drome/internal/provider"
	"github.com/Bliod-Cook/drome/internal/types"
	"github.com/Bliod-Cook/drome/internal/upstream"
)

type sliceStream struct {
	events []types.Event
}

func (s *sliceStream) Next() (types.Event, error) {
	if len(s.events) == 0 {
		return types.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *sliceStream) Close() error { return nil }

type fakeProvider struct {
	mu     sync.Mutex
	rounds [][]types.Event
	err    error
	keys   []string
	calls  int
}

func (p *fakeProvider) StreamGenerate(ctx context.Context, cfg types.ProviderConfig, apiKey string, req *types.GenerateRequest) (types.EventStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, apiKey)
	if p.err != nil {
		return nil, p.err
	}
	i := min(p.calls, len(p.rounds)-1)
	p.calls++
	return &sliceStream{events: append([]types.Event(nil), p.rounds[i]...)}, nil
}

type fakeTools struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTools) CallTool(ctx context.Context, serverID, callID, name, argsJSON string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, serverID+"/"+name+argsJSON)
	return "sunny", nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	disabled := false
	cfg.Providers = []config.ProviderConfig{
		{ID: "openai", Vendor: "openai", BaseURL: "http://127.0.0.1:1", APIKey: types.SecretRef{Namespace: "literal", Key: "sk-test"}, DefaultModel: "gpt-test"},
		{ID: "off", Vendor: "gemini", APIKey: types.SecretRef{Namespace: "literal", Key: "k"}, Enabled: &disabled},
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, p orchestrator.Provider, tools orchestrator.ToolCaller) *Server {
	t.Helper()
	mgr := mcpclient.New(mcpclient.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if tools == nil {
		tools = mgr
	}
	orch := orchestrator.New(p, tools, orchestrator.WithMaxRounds(cfg.MaxRounds))
	srv := New(cfg, mgr, orch, metrics.New())
	t.Cleanup(mgr.Close)
	return srv
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// sseEvents decodes the data lines of an SSE body, stopping at [DONE].
func sseEvents(t *testing.T, body string) ([]map[string]any, bool) {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			return out, true
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		out = append(out, ev)
	}
	return out, false
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, testConfig(), &fakeProvider{}, nil)
	for _, path := range []string{"/", "/health"} {
		rec := do(t, srv.Handler(), http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
			t.Fatalf("%s: %d %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig(), &fakeProvider{}, nil)
	srv.Metrics.ObserveTurn("openai", "completed", 1)
	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "drome_turns_total") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAccessToken(t *testing.T) {
	cfg := testConfig()
	cfg.AccessToken = "secret"
	srv := newTestServer(t, cfg, &fakeProvider{}, nil)

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"health is open", "/health", nil, http.StatusOK},
		{"missing token", "/v1/servers", nil, http.StatusUnauthorized},
		{"wrong token", "/v1/servers", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"wrong scheme", "/v1/servers", map[string]string{"Authorization": "Basic secret"}, http.StatusUnauthorized},
		{"valid token", "/v1/servers", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv.Handler(), http.MethodGet, tt.path, "", tt.header)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestAccessTokenFollowsReload(t *testing.T) {
	srv := newTestServer(t, testConfig(), &fakeProvider{}, nil)
	if rec := do(t, srv.Handler(), http.MethodGet, "/v1/servers", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("open server: %d", rec.Code)
	}
	cfg := testConfig()
	cfg.AccessToken = "secret"
	srv.Reload(cfg)
	if rec := do(t, srv.Handler(), http.MethodGet, "/v1/servers", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("after reload: %d", rec.Code)
	}
}

func TestTurnStreamsEvents(t *testing.T) {
	p := &fakeProvider{rounds: [][]types.Event{{
		types.TextDelta("hel"),
		types.TextDelta("lo"),
		types.UsageEvent(types.Usage{InputTokens: 3, OutputTokens: 2}),
		types.Completed(),
	}}}
	srv := newTestServer(t, testConfig(), p, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/turns",
		`{"provider":"openai","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	events, done := sseEvents(t, rec.Body.String())
	if !done {
		t.Fatalf("stream not terminated with [DONE]: %s", rec.Body.String())
	}
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev["type"].(string))
	}
	want := "text_delta,text_delta,usage,completed"
	if got := strings.Join(kinds, ","); got != want {
		t.Fatalf("events = %s, want %s", got, want)
	}
	if len(p.keys) != 1 || p.keys[0] != "sk-test" {
		t.Fatalf("api key not resolved: %v", p.keys)
	}
}

func TestTurnRunsTools(t *testing.T) {
	p := &fakeProvider{rounds: [][]types.Event{
		{types.ToolCallRequested("c1", "weather", `{"city":"Oslo"}`), types.Completed()},
		{types.TextDelta("It is sunny."), types.Completed()},
	}}
	tools := &fakeTools{}
	srv := newTestServer(t, testConfig(), p, tools)

	body := `{"provider":"openai","messages":[{"role":"user","content":"weather?"}],
		"tools":[{"name":"weather","server_id":"wx"}],"max_rounds":2}`
	rec := do(t, srv.Handler(), http.MethodPost, "/v1/turns", body, nil)
	events, done := sseEvents(t, rec.Body.String())
	if !done || len(events) != 4 {
		t.Fatalf("events: %v (done=%v)", events, done)
	}
	if events[1]["type"] != "tool_call_result" || events[1]["output"] != "sunny" {
		t.Fatalf("tool result: %v", events[1])
	}
	if len(tools.calls) != 1 || tools.calls[0] != `wx/weather{"city":"Oslo"}` {
		t.Fatalf("tool calls: %v", tools.calls)
	}
}

func TestTurnRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"no messages", `{"provider":"openai"}`, http.StatusBadRequest},
		{"no provider", `{"messages":[{"role":"user","content":"x"}]}`, http.StatusBadRequest},
		{"negative rounds", `{"provider":"openai","max_rounds":-1,"messages":[{"role":"user","content":"x"}]}`, http.StatusBadRequest},
		{"unknown provider", `{"provider":"cohere","messages":[{"role":"user","content":"x"}]}`, http.StatusNotFound},
		{"disabled provider", `{"provider":"off","messages":[{"role":"user","content":"x"}]}`, http.StatusConflict},
		{"unknown server", `{"provider":"openai","servers":["nope"],"messages":[{"role":"user","content":"x"}]}`, http.StatusNotFound},
	}
	srv := newTestServer(t, testConfig(), &fakeProvider{rounds: [][]types.Event{{types.Completed()}}}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv.Handler(), http.MethodPost, "/v1/turns", tt.body, nil)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestTurnProviderErrorBeforeStream(t *testing.T) {
	p := &fakeProvider{err: &upstream.VendorError{Provider: "openai", Status: 429, Message: "slow down", Retriable: true, RetryAfter: 2500 * time.Millisecond}}
	srv := newTestServer(t, testConfig(), p, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/turns", `{"provider":"openai","messages":[{"role":"user","content":"x"}]}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Fatalf("Retry-After = %q", got)
	}
	if !strings.Contains(rec.Body.String(), "slow down") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestTurnStructuralErrorAfterStreamStarted(t *testing.T) {
	p := &fakeProvider{rounds: [][]types.Event{
		{types.TextDelta("let me check"), types.ToolCallRequested("c1", "missing", `{}`), types.Completed()},
	}}
	srv := newTestServer(t, testConfig(), p, &fakeTools{})

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/turns", `{"provider":"openai","messages":[{"role":"user","content":"x"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	events, done := sseEvents(t, rec.Body.String())
	if !done || len(events) < 2 {
		t.Fatalf("events: %v", events)
	}
	last := events[len(events)-1]
	if last["type"] != "error" {
		t.Fatalf("last frame = %v", last)
	}
	if status := last["error"].(map[string]any)["status"]; status != float64(http.StatusBadRequest) {
		t.Fatalf("error status = %v", status)
	}
}

func TestListProviders(t *testing.T) {
	srv := newTestServer(t, testConfig(), &fakeProvider{}, nil)
	rec := do(t, srv.Handler(), http.MethodGet, "/v1/providers", "", nil)
	var out struct {
		Providers []providerInfo `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Providers) != 2 {
		t.Fatalf("providers: %+v", out.Providers)
	}
	openai := out.Providers[0]
	if !openai.Enabled || !openai.Credential || !openai.Capabilities.Tools {
		t.Fatalf("openai: %+v", openai)
	}
	if out.Providers[1].Enabled {
		t.Fatalf("off should be disabled: %+v", out.Providers[1])
	}
	if strings.Contains(rec.Body.String(), "sk-test") {
		t.Fatal("credential leaked")
	}
}

func TestServerRegistry(t *testing.T) {
	srv := newTestServer(t, testConfig(), &fakeProvider{}, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodPut, "/v1/servers/fs", `{"transport":{"type":"stdio","command":"mcp-fs"}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rec.Code, rec.Body.String())
	}
	var st mcpclient.ServerStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.ID != "fs" || st.Name != "fs" || !st.Enabled || st.Connected || st.Transport != types.TransportStdio {
		t.Fatalf("status: %+v", st)
	}

	if rec := do(t, h, http.MethodPut, "/v1/servers/web", `{"transport":{"type":"sse"}}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid server accepted: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/v1/servers/off", `{"transport":{"command":"x"},"enabled":false}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("disabled put: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/servers/off/tools", "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("disabled tools: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/v1/servers", "", nil)
	var list struct {
		Servers []mcpclient.ServerStatus `json:"servers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Servers) != 2 || list.Servers[0].ID != "fs" || list.Servers[1].ID != "off" {
		t.Fatalf("servers: %+v", list.Servers)
	}

	if rec := do(t, h, http.MethodGet, "/v1/servers/fs/logs", "", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"logs":[]`) {
		t.Fatalf("logs: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/v1/servers/fs/stop", "", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"stopped":false`) {
		t.Fatalf("stop: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/v1/servers/fs/resource", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("resource without uri: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/v1/servers/fs", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	for _, path := range []string{"/v1/servers/fs/logs", "/v1/servers/fs/tools", "/v1/servers/fs/health"} {
		if rec := do(t, h, http.MethodGet, path, "", nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s after delete: %d", path, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodDelete, "/v1/servers/fs", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rec.Code)
	}
}

func TestUnreachableServerIsBadGateway(t *testing.T) {
	srv := newTestServer(t, testConfig(), &fakeProvider{}, nil)
	h := srv.Handler()
	body := fmt.Sprintf(`{"transport":{"type":"stdio","command":%q}}`, "/nonexistent/drome-test-server")
	if rec := do(t, h, http.MethodPut, "/v1/servers/ghost", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("put: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/servers/ghost/tools", "", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("tools: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAbortUnknownCall(t *testing.T) {
	srv := newTestServer(t, testConfig(), &fakeProvider{}, nil)
	rec := do(t, srv.Handler(), http.MethodPost, "/v1/calls/nope/abort", "", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"aborted":false}` {
		t.Fatalf("abort: %d %s", rec.Code, rec.Body.String())
	}
}

func TestReloadReconcilesServers(t *testing.T) {
	cfg := testConfig()
	cfg.Servers = []config.ServerConfig{{ID: "a", Command: "a"}, {ID: "b", Command: "b"}}
	srv := newTestServer(t, cfg, &fakeProvider{}, nil)

	next := testConfig()
	next.Servers = []config.ServerConfig{{ID: "b", Command: "b2"}, {ID: "c", Command: "c"}}
	srv.Reload(next)

	var ids []string
	for _, st := range srv.Manager.Servers() {
		ids = append(ids, st.ID)
	}
	if got := strings.Join(ids, ","); got != "b,c" {
		t.Fatalf("servers after reload = %s", got)
	}
	b, err := srv.Manager.Config("b")
	if err != nil || b.Transport.Command != "b2" {
		t.Fatalf("b not updated: %+v, %v", b, err)
	}
}

func TestNotificationsStream(t *testing.T) {
	srv := newTestServer(t, testConfig(), &fakeProvider{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/notifications", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content type = %q", resp.Header.Get("Content-Type"))
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || line != ": connected\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&orchestrator.StructuralError{Tool: "x", Err: orchestrator.ErrToolNotRegistered}, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", mcpclient.ErrInvalidArguments), http.StatusBadRequest},
		{fmt.Errorf("%w: x", mcpclient.ErrServerNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", mcpclient.ErrServerDisabled), http.StatusConflict},
		{mcpclient.ErrCallInFlight, http.StatusConflict},
		{fmt.Errorf("%w: off", provider.ErrProviderDisabled), http.StatusConflict},
		{&upstream.VendorError{Status: 400}, http.StatusBadRequest},
		{&upstream.VendorError{Status: 529}, 529},
		{&upstream.VendorError{}, http.StatusBadGateway},
		{upstream.MissingCredential("p"), http.StatusBadGateway},
		{&upstream.TransportError{Err: errors.New("eof")}, http.StatusBadGateway},
		{&mcpclient.ConnectError{ServerID: "s", Err: errors.New("exec")}, http.StatusBadGateway},
		{&mcpclient.ToolError{Text: "boom"}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestDebugMiddlewareRedactsToken(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	h := debugMiddleware(true, logger, &out)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
	}))
	do(t, h, http.MethodPost, "/v1/turns", `{"a":1}`, map[string]string{"Authorization": "Bearer secret"})

	dump := out.String()
	if strings.Contains(dump, "secret") {
		t.Fatalf("token leaked:\n%s", dump)
	}
	if !strings.Contains(dump, "INBOUND REQUEST BEGIN") || !strings.Contains(dump, `{"a":1}`) {
		t.Fatalf("dump:\n%s", dump)
	}
	if seen != "Bearer secret" {
		t.Fatalf("handler saw %q", seen)
	}
}
