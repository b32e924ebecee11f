package resilience

import (
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream unreachable")

func newTestBreaker(name string, threshold int, reset time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:         name,
		Threshold:    threshold,
		ResetTimeout: reset,
	})
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := newTestBreaker("open-after-threshold", 3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errUpstream }); !errors.Is(err, errUpstream) {
			t.Fatalf("attempt %d: got %v, want upstream error", i, err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after %d failures = %s, want open", 3, got)
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}
	if called {
		t.Fatal("fn must not run while the circuit is open")
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	cb := newTestBreaker("below-threshold", 3, time.Minute)

	cb.Execute(func() error { return errUpstream })
	cb.Execute(func() error { return errUpstream })

	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker("success-resets", 2, time.Minute)

	cb.Execute(func() error { return errUpstream })
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	cb.Execute(func() error { return errUpstream })

	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed after interleaved success", got)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := newTestBreaker("half-open-recovery", 1, 10*time.Millisecond)

	cb.Execute(func() error { return errUpstream })
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	time.Sleep(25 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe after reset timeout: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed after successful probe", got)
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := newTestBreaker("half-open-failure", 1, 10*time.Millisecond)

	cb.Execute(func() error { return errUpstream })
	time.Sleep(25 * time.Millisecond)

	if err := cb.Execute(func() error { return errUpstream }); !errors.Is(err, errUpstream) {
		t.Fatalf("probe: got %v, want upstream error", err)
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %s, want open after failed probe", got)
	}
}

func TestBreakerReset(t *testing.T) {
	cb := newTestBreaker("manual-reset", 1, time.Hour)

	cb.Execute(func() error { return errUpstream })
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	cb.Reset()

	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed after reset", got)
	}
	called := false
	if err := cb.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Execute after reset: %v", err)
	}
	if !called {
		t.Fatal("fn must run after reset")
	}
}
