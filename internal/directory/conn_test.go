package directory

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dirgate/dirgate/internal/common/resilience"
)

// closedPort reserves a port and releases it so dials are refused.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	l.Close()
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

func TestConnManagerBreakerTripsOnRefusedDials(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: closedPort(t), BaseDN: "dc=example,dc=org"}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "conn-test",
		Threshold:    2,
		ResetTimeout: time.Hour,
	})
	m := NewConnManager(cfg, time.Second, zap.NewNop()).WithBreaker(cb)

	for i := 0; i < 2; i++ {
		if _, err := m.dial(); err == nil {
			t.Fatalf("dial %d: expected refused connection", i)
		}
	}
	if got := cb.State(); got != resilience.StateOpen {
		t.Fatalf("breaker state = %s, want open", got)
	}

	_, err := m.dial()
	if !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("got %v, want fail-fast ErrOpen", err)
	}

	err = m.WithSession("", "", func(Session) error {
		t.Fatal("session must not open while the circuit is open")
		return nil
	})
	if !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("WithSession: got %v, want ErrOpen", err)
	}
}

func TestConnManagerDialsWithoutBreaker(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: closedPort(t), BaseDN: "dc=example,dc=org"}
	m := NewConnManager(cfg, time.Second, zap.NewNop())

	// Every attempt reaches the network; there is no state to trip.
	for i := 0; i < 3; i++ {
		_, err := m.dial()
		if err == nil {
			t.Fatalf("dial %d: expected refused connection", i)
		}
		if errors.Is(err, resilience.ErrOpen) {
			t.Fatalf("dial %d: breaker error without a breaker attached", i)
		}
	}
}
