package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(maxFailures int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("test", maxFailures, reset)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.GetState())
	}
	if !cb.allowRequest() {
		t.Error("Expected to allow request in Closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}
	if cb.allowRequest() {
		t.Error("Expected to not allow request in Open state")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)

	cb.RecordResult(false)
	cb.RecordResult(true)
	cb.RecordResult(false)

	if cb.GetState() != StateClosed {
		t.Error("Expected non-consecutive failures to keep the circuit Closed")
	}
}

func TestCircuitBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)

	cb.RecordResult(false)
	clock.Advance(150 * time.Millisecond)

	if !cb.allowRequest() {
		t.Fatal("Expected a probe to be allowed after the reset timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected HalfOpen, got %s", cb.GetState())
	}
	if cb.allowRequest() {
		t.Error("Expected a second concurrent probe to be rejected")
	}
}

func TestCircuitBreaker_CloseAfterSuccessfulProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)

	cb.RecordResult(false)
	clock.Advance(150 * time.Millisecond)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("Expected probe to run, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Error("Expected state to be Closed after a successful probe")
	}
}

func TestCircuitBreaker_OpenAfterFailedProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)

	cb.RecordResult(false)
	clock.Advance(150 * time.Millisecond)

	_ = cb.Call(func() error { return errors.New("still down") })
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after a failed probe")
	}
	if err := cb.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen right after the failed probe, got %v", err)
	}
}

func TestCircuitBreaker_Call(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	want := errors.New("test error")
	if err := cb.Call(func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Expected the function's error, got %v", err)
	}
}

func TestCircuitBreaker_CallOpen(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Second)
	cb.RecordResult(false)

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected fn not to run while the circuit is open")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)

	var got []CircuitState
	cb.OnStateChange(func(name string, state CircuitState) {
		if name != "test" {
			t.Errorf("Expected name 'test', got '%s'", name)
		}
		got = append(got, state)
	})

	cb.RecordResult(false)
	clock.Advance(150 * time.Millisecond)
	_ = cb.Call(func() error { return nil })

	want := []CircuitState{StateOpen, StateHalfOpen, StateClosed}
	if len(got) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	state, requestCount, failureCount, failureRate := cb.GetStats()
	if state != StateClosed {
		t.Errorf("Expected state Closed, got %s", state)
	}
	if requestCount != 3 {
		t.Errorf("Expected 3 requests, got %d", requestCount)
	}
	if failureCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failureCount)
	}
	if failureRate < 33.0 || failureRate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", failureRate)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Fatal("Expected circuit to be Open")
	}

	cb.Reset()

	state, requestCount, failureCount, _ := cb.GetStats()
	if state != StateClosed || requestCount != 0 || failureCount != 0 {
		t.Error("Expected stats to be reset")
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := map[CircuitState]string{
		StateClosed:     "closed",
		StateOpen:       "open",
		StateHalfOpen:   "half_open",
		CircuitState(9): "unknown",
	}
	for state, want := range tests {
		if state.String() != want {
			t.Errorf("Expected %s, got %s", want, state.String())
		}
	}
}
