package risk

import "testing"

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(3)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.IsOpen() {
		t.Fatal("breaker open below threshold")
	}

	cb.RecordFailure()
	if !cb.IsOpen() {
		t.Fatal("breaker should open at threshold")
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(3)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.IsOpen() {
		t.Error("success should reset the failure streak")
	}
}

func TestBreakerTripCallback(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(1)

	var got string
	cb.OnTrip(func(reason string) { got = reason })
	cb.RecordFailure()

	if got == "" {
		t.Error("trip callback not invoked")
	}

	failures, open, reason := cb.Stats()
	if failures != 1 || !open || reason == "" {
		t.Errorf("Stats = (%d, %v, %q)", failures, open, reason)
	}
}
