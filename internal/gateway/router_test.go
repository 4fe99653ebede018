package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeClient scripts provider behavior for router tests.
type fakeClient struct {
	completeText string
	completeErr  error
	streamChunks []StreamChunk
	streamErr    error // error opening the stream
	calls        int
}

func (f *fakeClient) Complete(ctx context.Context, req CompletionRequest) (string, bool, error) {
	f.calls++
	if f.completeErr != nil {
		return "", false, f.completeErr
	}
	return f.completeText, false, nil
}

func (f *fakeClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	f.calls++
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan StreamChunk, len(f.streamChunks))
	for _, c := range f.streamChunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newTestRouter(t *testing.T, clients map[string]*fakeClient) *Router {
	t.Helper()
	registry := NewRegistry(DefaultRegistryConfig())
	for id, c := range clients {
		err := registry.Register(Provider{
			ID:           id,
			Capabilities: []Capability{CapabilityChat, CapabilityStreaming},
			Client:       c,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return NewRouter(registry, DefaultRouterConfig(), zerolog.Nop())
}

func TestRouterCompleteFailsOver(t *testing.T) {
	bad := &fakeClient{completeErr: errors.New("connection refused")}
	good := &fakeClient{completeText: "hello"}
	rt := newTestRouter(t, nil)
	rt.registry.Register(Provider{ID: "bad", Capabilities: []Capability{CapabilityChat}, Client: bad})
	rt.registry.Register(Provider{ID: "good", Capabilities: []Capability{CapabilityChat}, Client: good})

	resp, err := rt.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("expected failover to succeed: %v", err)
	}
	if resp.Provider != "good" || resp.Text != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if bad.calls != 1 {
		t.Errorf("expected bad provider tried once, got %d calls", bad.calls)
	}
}

func TestRouterCompleteExhausted(t *testing.T) {
	rt := newTestRouter(t, map[string]*fakeClient{
		"a": {completeErr: &APIError{Provider: "a", Status: 500, Message: "boom"}},
		"b": {completeErr: &APIError{Provider: "b", Status: 429, Message: "slow down"}},
	})

	_, err := rt.Complete(context.Background(), CompletionRequest{})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if len(exhausted.Attempts) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(exhausted.Attempts))
	}
	kinds := map[FailureKind]bool{}
	for _, a := range exhausted.Attempts {
		kinds[a.Kind] = true
	}
	if !kinds[FailureAPIError] || !kinds[FailureRateLimited] {
		t.Errorf("expected api_error and rate_limited attempts, got %+v", exhausted.Attempts)
	}
}

func TestRouterCompleteEachProviderTriedOnce(t *testing.T) {
	a := &fakeClient{completeErr: errors.New("down")}
	rt := newTestRouter(t, map[string]*fakeClient{"a": a})

	if _, err := rt.Complete(context.Background(), CompletionRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if a.calls != 1 {
		t.Fatalf("expected exactly one attempt per provider, got %d", a.calls)
	}
}

func TestRouterCompletePrefersRequestedProvider(t *testing.T) {
	fast := &fakeClient{completeText: "from fast"}
	preferred := &fakeClient{completeText: "from preferred"}
	rt := newTestRouter(t, map[string]*fakeClient{"fast": fast, "preferred": preferred})
	rt.registry.MarkSuccess("fast", 10*time.Millisecond)
	rt.registry.MarkSuccess("preferred", 800*time.Millisecond)

	resp, err := rt.Complete(context.Background(), CompletionRequest{PreferredProvider: "preferred"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "preferred" {
		t.Fatalf("expected preferred provider despite higher latency, got %s", resp.Provider)
	}
}

func TestRouterCompleteRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rt := newTestRouter(t, map[string]*fakeClient{"a": {completeText: "x"}})
	_, err := rt.Complete(ctx, CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h, _ := rt.registry.Health("a"); h != Healthy {
		t.Errorf("cancellation must not count against provider health, got %s", h)
	}
}

func TestRouterStreamDeliversChunks(t *testing.T) {
	rt := newTestRouter(t, map[string]*fakeClient{
		"a": {streamChunks: []StreamChunk{{Text: "foo"}, {Text: "bar"}, {Done: true}}},
	})

	provider, ch, err := rt.CompleteStream(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if provider != "a" {
		t.Fatalf("expected provider a, got %s", provider)
	}

	var text string
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		text += chunk.Text
	}
	if !done || text != "foobar" {
		t.Fatalf("expected full stream, got text=%q done=%v", text, done)
	}
	if h, _ := rt.registry.Health("a"); h != Healthy {
		t.Errorf("completed stream should count as success, got %s", h)
	}
}

func TestRouterStreamFailsOverOnOpenOnly(t *testing.T) {
	bad := &fakeClient{streamErr: errors.New("connection refused")}
	good := &fakeClient{streamChunks: []StreamChunk{{Text: "ok"}, {Done: true}}}
	rt := newTestRouter(t, nil)
	rt.registry.Register(Provider{ID: "bad", Capabilities: []Capability{CapabilityStreaming}, Client: bad})
	rt.registry.Register(Provider{ID: "good", Capabilities: []Capability{CapabilityStreaming}, Client: good})

	provider, ch, err := rt.CompleteStream(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if provider != "good" {
		t.Fatalf("expected failover to good, got %s", provider)
	}
	for range ch {
	}
}

func TestRouterStreamMidStreamFailureIsTerminal(t *testing.T) {
	// The first provider dies after emitting a chunk; the router must surface
	// the interruption rather than splice in the second provider's output.
	interrupted := &fakeClient{streamChunks: []StreamChunk{
		{Text: "partial"},
		{Err: errors.New("connection reset")},
	}}
	backup := &fakeClient{streamChunks: []StreamChunk{{Text: "other"}, {Done: true}}}
	rt := newTestRouter(t, nil)
	rt.registry.Register(Provider{ID: "primary", Capabilities: []Capability{CapabilityStreaming}, Client: interrupted})
	rt.registry.Register(Provider{ID: "backup", Capabilities: []Capability{CapabilityStreaming}, Client: backup})

	provider, ch, err := rt.CompleteStream(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if provider != "primary" {
		t.Fatalf("expected primary provider, got %s", provider)
	}

	var streamErr error
	var text string
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		text += chunk.Text
	}
	var interruptedErr *StreamInterruptedError
	if !errors.As(streamErr, &interruptedErr) {
		t.Fatalf("expected StreamInterruptedError, got %v", streamErr)
	}
	if interruptedErr.Provider != "primary" {
		t.Errorf("expected interruption attributed to primary, got %s", interruptedErr.Provider)
	}
	if text != "partial" {
		t.Errorf("expected only primary's partial text, got %q", text)
	}
	if backup.calls != 0 {
		t.Errorf("backup must not be called after mid-stream failure, got %d calls", backup.calls)
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"timeout", context.DeadlineExceeded, FailureTimeout},
		{"rate limited", &APIError{Status: 429}, FailureRateLimited},
		{"server error", &APIError{Status: 502}, FailureAPIError},
		{"malformed", &MalformedResponseError{Reason: "empty"}, FailureMalformed},
		{"network", errors.New("connection refused"), FailureNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyFailure(tc.err); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
