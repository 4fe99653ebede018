package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"iqoption-trading-bot/internal/agent"
	"iqoption-trading-bot/internal/gateway"
	"iqoption-trading-bot/internal/risk"
)

// fakeAgent records control calls and serves canned state.
type fakeAgent struct {
	state     agent.SessionState
	sessionID string
	starts    int
	stops     int
	decisions []agent.Decision
}

func (f *fakeAgent) Start() agent.Status {
	f.starts++
	f.state = agent.SessionRunning
	return f.status()
}

func (f *fakeAgent) Stop() agent.Status {
	f.stops++
	f.state = agent.SessionStopped
	return f.status()
}

func (f *fakeAgent) Status() agent.Status { return f.status() }

func (f *fakeAgent) RecentDecisions(limit int) []agent.Decision {
	if limit <= 0 || limit > len(f.decisions) {
		limit = len(f.decisions)
	}
	return f.decisions[:limit]
}

func (f *fakeAgent) status() agent.Status {
	return agent.Status{
		State:     f.state,
		SessionID: f.sessionID,
		Risk:      risk.Status{State: risk.StateOpen},
	}
}

// stubChat scripts the gateway behind the completion endpoint.
type stubChat struct {
	text         string
	completeErr  error
	streamChunks []gateway.StreamChunk
	streamErr    error
}

func (s *stubChat) Complete(ctx context.Context, req gateway.CompletionRequest) (string, bool, error) {
	if s.completeErr != nil {
		return "", false, s.completeErr
	}
	return s.text, false, nil
}

func (s *stubChat) Stream(ctx context.Context, req gateway.CompletionRequest) (<-chan gateway.StreamChunk, error) {
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	ch := make(chan gateway.StreamChunk, len(s.streamChunks))
	for _, chunk := range s.streamChunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func testServer(t *testing.T, cfg ServerConfig, agentCtl AgentControl, chat gateway.ChatClient) *Server {
	t.Helper()
	registry := gateway.NewRegistry(gateway.DefaultRegistryConfig())
	if chat != nil {
		err := registry.Register(gateway.Provider{
			ID:           "stub",
			Capabilities: []gateway.Capability{gateway.CapabilityChat, gateway.CapabilityStreaming},
			Client:       chat,
		})
		if err != nil {
			t.Fatalf("register provider: %v", err)
		}
	}
	router := gateway.NewRouter(registry, gateway.DefaultRouterConfig(), zerolog.Nop())
	cfg.ProductionMode = true
	return NewServer(cfg, agentCtl, router, nil, zerolog.Nop())
}

func doRequest(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t, ServerConfig{}, &fakeAgent{}, nil)
	w := doRequest(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAgentControlEndpoints(t *testing.T) {
	fa := &fakeAgent{sessionID: "sess-1", state: agent.SessionCreated}
	s := testServer(t, ServerConfig{}, fa, nil)

	w := doRequest(t, s, http.MethodPost, "/api/agent/start", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", w.Code)
	}
	var status agent.Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != agent.SessionRunning {
		t.Errorf("expected running, got %s", status.State)
	}

	doRequest(t, s, http.MethodPost, "/api/agent/start", "", nil)
	if fa.starts != 2 {
		t.Errorf("expected start forwarded each time, got %d", fa.starts)
	}

	w = doRequest(t, s, http.MethodPost, "/api/agent/stop", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", w.Code)
	}
	w = doRequest(t, s, http.MethodGet, "/api/agent/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
}

func TestDecisionsEndpoint(t *testing.T) {
	fa := &fakeAgent{decisions: []agent.Decision{
		{Asset: "EURUSD", Confidence: 8, Traded: true, Timestamp: time.Now().UTC()},
		{Asset: "GBPUSD", Confidence: 4, Timestamp: time.Now().UTC()},
	}}
	s := testServer(t, ServerConfig{}, fa, nil)

	w := doRequest(t, s, http.MethodGet, "/api/decisions?limit=1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Decisions []agent.Decision `json:"decisions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Decisions) != 1 || body.Decisions[0].Asset != "EURUSD" {
		t.Errorf("unexpected decisions: %+v", body.Decisions)
	}

	if w := doRequest(t, s, http.MethodGet, "/api/decisions?limit=abc", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodGet, "/api/decisions?source=audit", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("audit without store: expected 404, got %d", w.Code)
	}
}

func TestProvidersEndpoint(t *testing.T) {
	s := testServer(t, ServerConfig{}, &fakeAgent{}, &stubChat{text: "hi"})
	w := doRequest(t, s, http.MethodGet, "/api/providers", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Providers []gateway.ProviderStatus `json:"providers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Providers) != 1 || body.Providers[0].ID != "stub" {
		t.Errorf("unexpected providers: %+v", body.Providers)
	}
}

func TestCompletionEndpoint(t *testing.T) {
	s := testServer(t, ServerConfig{}, &fakeAgent{}, &stubChat{text: "DIRECTION: CALL"})

	body := `{"messages":[{"role":"user","content":"analyze"}]}`
	w := doRequest(t, s, http.MethodPost, "/api/llm/completion", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp gateway.CompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "DIRECTION: CALL" || resp.Provider != "stub" {
		t.Errorf("unexpected response: %+v", resp)
	}

	if w := doRequest(t, s, http.MethodPost, "/api/llm/completion", `{"messages":[]}`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("empty messages: expected 400, got %d", w.Code)
	}
}

func TestCompletionEndpointExhausted(t *testing.T) {
	s := testServer(t, ServerConfig{}, &fakeAgent{}, &stubChat{completeErr: errors.New("connection refused")})

	body := `{"messages":[{"role":"user","content":"analyze"}]}`
	w := doRequest(t, s, http.MethodPost, "/api/llm/completion", body, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var errBody struct {
		ErrorKind string            `json:"error_kind"`
		Attempts  []gateway.Attempt `json:"attempts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errBody.ErrorKind != "gateway_exhausted" || len(errBody.Attempts) != 1 {
		t.Errorf("unexpected error body: %+v", errBody)
	}
}

func TestCompletionEndpointStreaming(t *testing.T) {
	s := testServer(t, ServerConfig{}, &fakeAgent{}, &stubChat{streamChunks: []gateway.StreamChunk{
		{Text: "DIRECTION: "},
		{Text: "CALL"},
		{Done: true},
	}})

	body := `{"messages":[{"role":"user","content":"analyze"}],"stream":true}`
	w := doRequest(t, s, http.MethodPost, "/api/llm/completion", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("expected event stream, got %q", ct)
	}
	out := w.Body.String()
	for _, want := range []string{"event:provider", "event:chunk", "DIRECTION", "event:done"} {
		if !strings.Contains(out, want) {
			t.Errorf("stream output missing %q:\n%s", want, out)
		}
	}
}

func TestCompletionEndpointStreamInterrupted(t *testing.T) {
	s := testServer(t, ServerConfig{}, &fakeAgent{}, &stubChat{streamChunks: []gateway.StreamChunk{
		{Text: "partial"},
		{Err: errors.New("connection reset")},
	}})

	body := `{"messages":[{"role":"user","content":"analyze"}],"stream":true}`
	w := doRequest(t, s, http.MethodPost, "/api/llm/completion", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with in-band error, got %d", w.Code)
	}
	out := w.Body.String()
	if !strings.Contains(out, "event:error") || !strings.Contains(out, "stream_interrupted") {
		t.Errorf("expected stream error event, got:\n%s", out)
	}
	if strings.Contains(out, "event:done") {
		t.Error("interrupted stream must not end with a done event")
	}
}

func TestAuthMiddleware(t *testing.T) {
	secret := "test-secret"
	s := testServer(t, ServerConfig{JWTSecret: secret}, &fakeAgent{}, nil)

	if w := doRequest(t, s, http.MethodGet, "/api/agent/status", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}

	headers := map[string]string{"Authorization": "Bearer not-a-token"}
	if w := doRequest(t, s, http.MethodGet, "/api/agent/status", "", headers); w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: expected 401, got %d", w.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	headers = map[string]string{"Authorization": "Bearer " + signed}
	if w := doRequest(t, s, http.MethodGet, "/api/agent/status", "", headers); w.Code != http.StatusOK {
		t.Errorf("valid token: expected 200, got %d", w.Code)
	}

	// Health stays public.
	if w := doRequest(t, s, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", w.Code)
	}
}
