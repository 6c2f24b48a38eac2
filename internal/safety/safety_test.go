package safety_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/curvelaunch/graduation-engine/internal/metrics"
	"github.com/curvelaunch/graduation-engine/internal/safety"
)

func d(f int64) decimal.Decimal {
	return decimal.NewFromInt(f)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// --- Circuit breaker ---

func TestBreaker_TripAndBlock(t *testing.T) {
	b := safety.NewCircuitBreaker()

	if err := b.Allow(t0); err != nil {
		t.Fatalf("armed breaker should allow: %v", err)
	}

	if err := b.Trip(t0, "oracle divergence", t0.Add(100*time.Second)); err != nil {
		t.Fatalf("trip failed: %v", err)
	}
	if err := b.Allow(t0.Add(99 * time.Second)); !errors.Is(err, safety.ErrCircuitBreakerActive) {
		t.Errorf("expected ErrCircuitBreakerActive before reset time, got %v", err)
	}
}

func TestBreaker_AutoResetSameCall(t *testing.T) {
	b := safety.NewCircuitBreaker()
	b.Trip(t0, "test", t0.Add(100*time.Second))

	// At exactly resetAfter the blocked call succeeds in the same check.
	if err := b.Allow(t0.Add(100 * time.Second)); err != nil {
		t.Fatalf("breaker should self-heal at reset time: %v", err)
	}
	// And the breaker reads as not-tripped afterward.
	if st := b.State(t0.Add(101 * time.Second)); st.Tripped {
		t.Error("breaker should be armed after auto-reset")
	}
}

func TestBreaker_InvalidResetTime(t *testing.T) {
	b := safety.NewCircuitBreaker()
	if err := b.Trip(t0, "test", t0); !errors.Is(err, safety.ErrInvalidResetTime) {
		t.Errorf("expected ErrInvalidResetTime for resetAfter == now, got %v", err)
	}
}

func TestBreaker_ManualReset(t *testing.T) {
	b := safety.NewCircuitBreaker()
	if err := b.Reset(); !errors.Is(err, safety.ErrNotTripped) {
		t.Errorf("reset on armed breaker should fail, got %v", err)
	}

	b.Trip(t0, "test", t0.Add(time.Hour))
	if err := b.Reset(); err != nil {
		t.Fatalf("manual reset failed: %v", err)
	}
	if err := b.Allow(t0.Add(time.Second)); err != nil {
		t.Errorf("breaker should allow after manual reset: %v", err)
	}
}

func TestBreaker_GaugeFollowsState(t *testing.T) {
	b := safety.NewCircuitBreaker()

	b.Trip(t0, "test", t0.Add(100*time.Second))
	if v := testutil.ToFloat64(metrics.CircuitBreakerState); v != 1 {
		t.Errorf("gauge after trip = %v, want 1", v)
	}

	// Auto-reset through a read must clear the gauge too, not just the
	// in-memory state.
	b.State(t0.Add(100 * time.Second))
	if v := testutil.ToFloat64(metrics.CircuitBreakerState); v != 0 {
		t.Errorf("gauge after auto-reset = %v, want 0", v)
	}

	b.Trip(t0, "test", t0.Add(100*time.Second))
	if err := b.Reset(); err != nil {
		t.Fatalf("manual reset failed: %v", err)
	}
	if v := testutil.ToFloat64(metrics.CircuitBreakerState); v != 0 {
		t.Errorf("gauge after manual reset = %v, want 0", v)
	}
}

// --- Rate window ---

func TestRateWindow_CountCap(t *testing.T) {
	w, err := safety.NewRateWindow(10, d(1000))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if err := w.Admit(t0, d(10)); err != nil {
			t.Fatalf("graduation %d should be admitted: %v", i+1, err)
		}
		w.Commit(t0, d(10))
	}

	// 11th inside the same window fails.
	if err := w.Admit(t0.Add(30*time.Minute), d(10)); !errors.Is(err, safety.ErrRateLimitExceeded) {
		t.Errorf("expected ErrRateLimitExceeded on 11th, got %v", err)
	}

	// Past the window the same call succeeds and counters hold only its
	// own contribution.
	later := t0.Add(time.Hour)
	if err := w.Admit(later, d(10)); err != nil {
		t.Fatalf("post-window graduation should be admitted: %v", err)
	}
	w.Commit(later, d(10))

	start, grads, liq := w.Usage(later)
	if !start.Equal(later) {
		t.Errorf("window start should reset to %v, got %v", later, start)
	}
	if grads != 1 {
		t.Errorf("expected 1 graduation after reset, got %d", grads)
	}
	if !liq.Equal(d(10)) {
		t.Errorf("expected liquidity 10 after reset, got %s", liq)
	}
}

func TestRateWindow_LiquidityCap(t *testing.T) {
	w, _ := safety.NewRateWindow(100, d(1000))

	if err := w.Admit(t0, d(900)); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	w.Commit(t0, d(900))

	if err := w.Admit(t0.Add(time.Minute), d(101)); !errors.Is(err, safety.ErrRateLimitExceeded) {
		t.Errorf("expected ErrRateLimitExceeded over liquidity cap, got %v", err)
	}
	// Exactly at the cap is allowed.
	if err := w.Admit(t0.Add(time.Minute), d(100)); err != nil {
		t.Errorf("admit at cap should succeed: %v", err)
	}
}

func TestRateWindow_InvalidCaps(t *testing.T) {
	if _, err := safety.NewRateWindow(0, d(1000)); !errors.Is(err, safety.ErrInvalidCaps) {
		t.Errorf("expected ErrInvalidCaps for zero count cap, got %v", err)
	}
	if _, err := safety.NewRateWindow(10, d(0)); !errors.Is(err, safety.ErrInvalidCaps) {
		t.Errorf("expected ErrInvalidCaps for zero liquidity cap, got %v", err)
	}
}

// --- Transaction limits ---

func TestTxLimits(t *testing.T) {
	l := safety.TxLimits{MaxSingleGraduationLiquidity: d(500)}

	if err := l.Check(d(500)); err != nil {
		t.Errorf("at cap should pass: %v", err)
	}
	if err := l.Check(d(501)); !errors.Is(err, safety.ErrExceedsTransactionLimit) {
		t.Errorf("expected ErrExceedsTransactionLimit, got %v", err)
	}

	// Zero cap means unlimited.
	unlimited := safety.TxLimits{}
	if err := unlimited.Check(d(1_000_000)); err != nil {
		t.Errorf("zero cap should not limit: %v", err)
	}
}

// --- Emergency mode ---

func TestEmergency(t *testing.T) {
	e := safety.NewEmergency()

	if err := e.Allow(); err != nil {
		t.Fatalf("inactive emergency should allow: %v", err)
	}

	e.Activate("guardian1", "exploit reported")
	if err := e.Allow(); !errors.Is(err, safety.ErrEmergencyActive) {
		t.Errorf("expected ErrEmergencyActive, got %v", err)
	}
	if !e.Active() {
		t.Error("emergency should read active")
	}

	e.Deactivate()
	if err := e.Allow(); err != nil {
		t.Errorf("deactivated emergency should allow: %v", err)
	}
}
