package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          100 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

func TestBreakerStates(t *testing.T) {
	cb := New("test", testConfig(), zap.NewNop())
	ctx := context.Background()

	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %v", cb.State())
	}

	// Trip the breaker.
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errBoom })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after failures, got %v", cb.State())
	}

	// Requests are rejected while open.
	err := cb.Execute(ctx, func() error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}

	// After the timeout the breaker probes in half-open.
	time.Sleep(150 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("half-open probe %d failed: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after recovery, got %v", cb.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New("test", testConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errBoom })
	}
	time.Sleep(150 * time.Millisecond)

	_ = cb.Execute(ctx, func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after half-open failure, got %v", cb.State())
	}
}

func TestBreakerHalfOpenMaxRequests(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequests = 1
	cb := New("test", cfg, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errBoom })
	}
	time.Sleep(150 * time.Millisecond)

	// Hold one slow probe in flight, the next request is rejected.
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(ctx, func() error {
			<-release
			return nil
		})
	}()

	// Wait for the probe to occupy the slot.
	deadline := time.Now().Add(time.Second)
	for cb.Counts().Requests == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	err := cb.Execute(ctx, func() error { return nil })
	if !errors.Is(err, ErrTooManyRequests) {
		t.Fatalf("expected ErrTooManyRequests, got %v", err)
	}

	close(release)
	wg.Wait()
}

func TestBreakerCounts(t *testing.T) {
	cb := New("test", testConfig(), zap.NewNop())
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errBoom })
	_ = cb.Execute(ctx, func() error { return errBoom })

	c := cb.Counts()
	if c.Requests != 3 || c.TotalSuccesses != 1 || c.TotalFailures != 2 {
		t.Fatalf("unexpected counts: %+v", c)
	}
	if c.ConsecutiveFailures != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", c.ConsecutiveFailures)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []State

	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}
	cb := New("test", cfg, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errBoom })
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Fatalf("expected single transition to open, got %v", transitions)
	}
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	cb := New("test", testConfig(), zap.NewNop())
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = cb.Execute(ctx, func() error { panic("kaboom") })
	}()

	if cb.Counts().TotalFailures != 1 {
		t.Fatalf("panic not counted as failure: %+v", cb.Counts())
	}
}

func TestHTTPClientFiveHundredTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.Client(), "upstream", testConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp, err := client.Get(ctx, srv.URL)
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("request %d: expected 502, got %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}

	if client.State() != StateOpen {
		t.Fatalf("expected open after repeated 5xx, got %v", client.State())
	}
	if _, err := client.Get(ctx, srv.URL); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestHTTPClientFourHundredDoesNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.Client(), "upstream", testConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		resp, err := client.Get(ctx, srv.URL)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resp.Body.Close()
	}

	if client.State() != StateClosed {
		t.Fatalf("4xx responses must not trip the breaker, state %v", client.State())
	}
}
