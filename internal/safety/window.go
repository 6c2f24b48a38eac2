package safety

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrRateLimitExceeded is returned when a request does not fit under
	// the window's count or liquidity caps.
	ErrRateLimitExceeded = errors.New("safety: rate limit exceeded")

	// ErrExceedsTransactionLimit is returned when a single graduation
	// moves more liquidity than the per-transaction cap.
	ErrExceedsTransactionLimit = errors.New("safety: exceeds single-transaction limit")

	// ErrInvalidCaps is returned when window caps are non-positive.
	ErrInvalidCaps = errors.New("safety: rate window caps must be positive")
)

// RateWindow approximates a 1-hour sliding window with a reset-on-expiry
// counter: when the window has lapsed at check time, counters are reset to
// zero before the new request is evaluated, so the admitted request's own
// contribution starts the next window. Burst patterns spanning a window
// boundary are under-counted; that is the intended behavior, not a bug.
type RateWindow struct {
	mu             sync.Mutex
	windowStart    time.Time
	graduations    int
	liquidity      decimal.Decimal
	span           time.Duration
	maxGraduations int
	maxLiquidity   decimal.Decimal
}

// NewRateWindow creates a window with the given hourly caps.
func NewRateWindow(maxGraduations int, maxLiquidity decimal.Decimal) (*RateWindow, error) {
	if maxGraduations <= 0 || !maxLiquidity.IsPositive() {
		return nil, ErrInvalidCaps
	}
	return &RateWindow{
		span:           time.Hour,
		maxGraduations: maxGraduations,
		maxLiquidity:   maxLiquidity,
	}, nil
}

// Admit checks whether one graduation moving liquidity fits in the current
// window, resetting the window first if it has expired. It does not commit
// the contribution; callers commit after the guarded operation succeeds,
// under the same serialization that guards the operation itself.
func (w *RateWindow) Admit(now time.Time, liquidity decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollover(now)

	if w.graduations+1 > w.maxGraduations {
		return ErrRateLimitExceeded
	}
	if w.liquidity.Add(liquidity).GreaterThan(w.maxLiquidity) {
		return ErrRateLimitExceeded
	}
	return nil
}

// Commit records an admitted graduation's contribution.
func (w *RateWindow) Commit(now time.Time, liquidity decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollover(now)
	w.graduations++
	w.liquidity = w.liquidity.Add(liquidity)
}

// rollover resets counters when the window has expired. Caller holds w.mu.
func (w *RateWindow) rollover(now time.Time) {
	if w.windowStart.IsZero() || !now.Before(w.windowStart.Add(w.span)) {
		w.windowStart = now
		w.graduations = 0
		w.liquidity = decimal.Zero
	}
}

// Usage returns the current window's start and consumed counters.
func (w *RateWindow) Usage(now time.Time) (start time.Time, graduations int, liquidity decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollover(now)
	return w.windowStart, w.graduations, w.liquidity
}

// TxLimits caps the liquidity a single graduation may move.
type TxLimits struct {
	MaxSingleGraduationLiquidity decimal.Decimal
}

// Check validates one graduation's liquidity against the cap. A zero cap
// means no limit.
func (l TxLimits) Check(liquidity decimal.Decimal) error {
	if l.MaxSingleGraduationLiquidity.IsPositive() && liquidity.GreaterThan(l.MaxSingleGraduationLiquidity) {
		return ErrExceedsTransactionLimit
	}
	return nil
}

// Guards bundles the safety gates consulted by the graduation engine.
type Guards struct {
	Breaker   *CircuitBreaker
	Window    *RateWindow
	Limits    TxLimits
	Emergency *Emergency
}
