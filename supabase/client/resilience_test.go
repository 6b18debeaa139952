package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry(maxRetries int) ResilienceConfig {
	cfg := DefaultResilienceConfig()
	cfg.Retry.MaxRetries = maxRetries
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 5 * time.Millisecond
	cfg.Retry.Jitter = 0
	return cfg
}

// =============================================================================
// CircuitBreaker Tests
// =============================================================================

func TestCircuitBreaker_OpenOnFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		cb.RecordFailure(errors.New("test error"))
	}

	if cb.State() != CircuitOpen {
		t.Errorf("State() = %v, want %v", cb.State(), CircuitOpen)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() error = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Second})

	cb.RecordFailure(errors.New("1"))
	cb.RecordFailure(errors.New("2"))
	cb.RecordSuccess()
	cb.RecordFailure(errors.New("3"))

	if cb.State() != CircuitClosed {
		t.Errorf("State() = %v, want %v", cb.State(), CircuitClosed)
	}
}

func TestCircuitBreaker_HalfOpenLifecycle(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
	})

	cb.RecordFailure(errors.New("error 1"))
	cb.RecordFailure(errors.New("error 2"))
	time.Sleep(20 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after timeout: %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("State() = %v, want %v", cb.State(), CircuitHalfOpen)
	}

	cb.RecordFailure(errors.New("probe failed"))
	if cb.State() != CircuitOpen {
		t.Fatalf("State() = %v, want reopened", cb.State())
	}

	time.Sleep(20 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("State() = %v, want %v", cb.State(), CircuitClosed)
	}
}

func TestCircuitBreaker_LastError(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	if cb.LastError() != nil {
		t.Error("LastError() should be nil initially")
	}

	testErr := errors.New("test error")
	cb.RecordFailure(testErr)
	if cb.LastError() != testErr {
		t.Errorf("LastError() = %v, want %v", cb.LastError(), testErr)
	}
}

func TestCircuitState_String(t *testing.T) {
	testCases := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			if got := tc.state.String(); got != tc.want {
				t.Errorf("String() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	changed := make(chan CircuitState, 1)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		OnStateChange:    func(_, to CircuitState) { changed <- to },
	})

	cb.RecordFailure(errors.New("boom"))

	select {
	case to := <-changed:
		if to != CircuitOpen {
			t.Errorf("transitioned to %v, want open", to)
		}
	case <-time.After(time.Second):
		t.Fatal("OnStateChange not called")
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			cb.Allow()
		}()
		go func() {
			defer wg.Done()
			cb.RecordSuccess()
		}()
		go func() {
			defer wg.Done()
			cb.RecordFailure(errors.New("test"))
		}()
	}

	wg.Wait()
}

// =============================================================================
// ResilientClient Tests
// =============================================================================

func TestResilientClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"content":"hi"}` {
			t.Errorf("attempt %d body = %q", atomic.LoadInt32(&calls)+1, body)
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	rc := NewResilientClient(nil, fastRetry(3))
	httpClient := &http.Client{Transport: rc}

	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"content":"hi"}`))
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	stats := rc.Stats()
	if stats.Total != 1 || stats.Success != 1 || stats.Retried != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestResilientClient_ExhaustedRetriesReturnLastResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"message":"upstream down"}`))
	}))
	defer server.Close()

	c, err := New(Config{URL: server.URL, APIKey: "k", Resilience: ptr(fastRetry(1))})
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.From("messages").Execute(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v, want 502 APIError", err)
	}
	if c.Resilience().Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", c.Resilience().Stats().Failed)
	}
}

func TestResilientClient_CircuitOpen(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := fastRetry(0)
	cfg.CircuitBreaker = CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}
	rc := NewResilientClient(nil, cfg)
	httpClient := &http.Client{Transport: rc}

	for i := 0; i < 2; i++ {
		resp, err := httpClient.Get(server.URL)
		if err == nil {
			resp.Body.Close()
		}
	}

	if rc.CircuitState() != CircuitOpen {
		t.Fatalf("CircuitState() = %v, want open", rc.CircuitState())
	}

	_, err := httpClient.Get(server.URL)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestResilientClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := fastRetry(5)
	cfg.Retry.InitialBackoff = time.Second
	cfg.Retry.MaxBackoff = time.Second
	rc := NewResilientClient(nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	_, err := rc.RoundTrip(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRequestID(t *testing.T) {
	if RequestID(context.Background()) != "" {
		t.Error("RequestID() should be empty")
	}
	ctx := WithRequestID(context.Background(), "abc")
	if RequestID(ctx) != "abc" {
		t.Errorf("RequestID() = %q", RequestID(ctx))
	}
	if NewRequestID() == NewRequestID() {
		t.Error("NewRequestID() should be unique")
	}
}

func TestHTTPError_Error(t *testing.T) {
	err := &HTTPError{StatusCode: http.StatusServiceUnavailable}
	if err.Error() != "Service Unavailable" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func ptr[T any](v T) *T { return &v }

func BenchmarkCircuitBreaker_Allow(b *testing.B) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cb.Allow()
	}
}
