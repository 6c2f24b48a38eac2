// Package graduation implements the token graduation engine: registration
// of bonding-curve tokens, snapshot ingestion, threshold-based eligibility,
// atomic migration of reserves into the external pool, and time-locked
// lock-up of the resulting pool shares.
//
// Every public entry point is serialized behind one mutex and either
// commits all of its state changes or none. The only external call, the
// pool router, is held inside that critical section so no caller can
// observe a half-finished migration.
package graduation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/curvelaunch/graduation-engine/internal/access"
	"github.com/curvelaunch/graduation-engine/internal/amm"
	"github.com/curvelaunch/graduation-engine/internal/bps"
	"github.com/curvelaunch/graduation-engine/internal/events"
	"github.com/curvelaunch/graduation-engine/internal/metrics"
	"github.com/curvelaunch/graduation-engine/internal/model"
	"github.com/curvelaunch/graduation-engine/internal/safety"
	"github.com/curvelaunch/graduation-engine/internal/store"
)

// MigrationDeadline bounds how long the pool router may take to accept a
// migration.
const MigrationDeadline = 5 * time.Minute

// MaxSlippageToleranceBp caps the configurable slippage tolerance at 10%.
const MaxSlippageToleranceBp = 1000

var (
	ErrAlreadyRegistered    = errors.New("graduation: token already registered")
	ErrNotRegistered        = errors.New("graduation: token not registered")
	ErrInvalidReserves      = errors.New("graduation: reserves must be positive")
	ErrNotEligible          = errors.New("graduation: eligibility thresholds not met")
	ErrAlreadyGraduated     = errors.New("graduation: token already graduated")
	ErrNotGraduated         = errors.New("graduation: token has not graduated")
	ErrLockPeriodActive     = errors.New("graduation: lock period still active")
	ErrNothingLocked        = errors.New("graduation: no locked pool shares")
	ErrMigrationFailed      = errors.New("graduation: pool migration failed")
	ErrMigrationInProgress  = errors.New("graduation: migration already in progress")
	ErrInvalidConfiguration = errors.New("graduation: invalid configuration")
)

// Engine orchestrates the graduation lifecycle. One mutex serializes all
// entry points; the migrating flag rejects re-entrant calls made while the
// external pool call is in flight.
type Engine struct {
	store  store.Store
	roles  *access.Registry
	guards safety.Guards
	router amm.Router
	events *events.Recorder

	mu          sync.Mutex
	cfg         model.GraduationConfig
	lpRecipient string
	migrating   bool
	now         func() time.Time
}

// NewEngine creates a graduation engine. lpRecipient is the default lock
// authority receiving pool shares when a graduate call names none.
func NewEngine(st store.Store, roles *access.Registry, guards safety.Guards, router amm.Router, rec *events.Recorder, cfg model.GraduationConfig, lpRecipient string) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Engine{
		store:       st,
		roles:       roles,
		guards:      guards,
		router:      router,
		events:      rec,
		cfg:         cfg,
		lpRecipient: lpRecipient,
		now:         time.Now,
	}, nil
}

// SetClock overrides the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func validateConfig(cfg model.GraduationConfig) error {
	if cfg.SlippageToleranceBp < 0 || cfg.SlippageToleranceBp > MaxSlippageToleranceBp {
		return fmt.Errorf("%w: slippage tolerance %d bp exceeds %d", ErrInvalidConfiguration, cfg.SlippageToleranceBp, MaxSlippageToleranceBp)
	}
	if cfg.MinLockDuration < 0 {
		return fmt.Errorf("%w: negative lock duration", ErrInvalidConfiguration)
	}
	if cfg.MarketCapThreshold.IsNegative() || cfg.LiquidityThreshold.IsNegative() {
		return fmt.Errorf("%w: negative threshold", ErrInvalidConfiguration)
	}
	return nil
}

// RegisterToken creates the tracked registration for a bonding-curve token.
// The caller becomes the token's curve authority for snapshot updates.
func (e *Engine) RegisterToken(ctx context.Context, caller, address string, tokenReserve, ethReserve decimal.Decimal) (*model.TokenRegistration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guards.Emergency.Allow(); err != nil {
		return nil, err
	}
	if !tokenReserve.IsPositive() || !ethReserve.IsPositive() {
		return nil, ErrInvalidReserves
	}

	now := e.now().UTC()
	t := &model.TokenRegistration{
		Address:      address,
		Creator:      caller,
		TokenReserve: tokenReserve,
		EthReserve:   ethReserve,
		MarketCap:    decimal.Zero,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateToken(ctx, t); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyRegistered
		}
		return nil, err
	}

	e.events.Record(ctx, events.TypeTokenRegistered, address, map[string]string{
		"creator":       caller,
		"token_reserve": tokenReserve.String(),
		"eth_reserve":   ethReserve.String(),
	})
	slog.Info("token registered", "token", address, "creator", caller)
	return t, nil
}

// UpdateBondingCurve overwrites the reserve snapshot for a registered
// token. Only the recorded curve authority or an Admin may report
// snapshots. When auto-graduation is enabled and the new snapshot makes
// the token eligible, graduation fires inside the same call; a graduation
// blocked by a safety gate does not fail the snapshot update.
func (e *Engine) UpdateBondingCurve(ctx context.Context, caller, address string, tokenReserve, ethReserve, marketCap decimal.Decimal) (*model.GraduationRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guards.Emergency.Allow(); err != nil {
		return nil, err
	}

	t, err := e.store.GetToken(ctx, address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, err
	}
	if caller != t.Creator && !e.roles.Has(caller, access.RoleAdmin) {
		return nil, fmt.Errorf("%w: %s is not the curve authority for %s", access.ErrUnauthorized, caller, address)
	}
	if tokenReserve.IsNegative() || ethReserve.IsNegative() || marketCap.IsNegative() {
		return nil, ErrInvalidReserves
	}

	if err := e.store.UpdateTokenReserves(ctx, address, tokenReserve, ethReserve, marketCap); err != nil {
		return nil, err
	}
	t.TokenReserve = tokenReserve
	t.EthReserve = ethReserve
	t.MarketCap = marketCap

	e.events.Record(ctx, events.TypeCurveUpdated, address, map[string]string{
		"token_reserve": tokenReserve.String(),
		"eth_reserve":   ethReserve.String(),
		"market_cap":    marketCap.String(),
	})

	if e.cfg.AutoGraduateEnabled && !t.Graduated && e.eligible(t) {
		rec, err := e.graduateLocked(ctx, t, e.lpRecipient)
		if err != nil {
			slog.Warn("auto-graduation blocked", "token", address, "err", err)
			return nil, nil
		}
		return rec, nil
	}
	return nil, nil
}

// CheckEligibility reports whether the token currently meets the
// graduation thresholds. Pure read.
func (e *Engine) CheckEligibility(ctx context.Context, address string) (bool, error) {
	t, err := e.store.GetToken(ctx, address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrNotRegistered
		}
		return false, err
	}

	e.mu.Lock()
	ok := !t.Graduated && e.eligible(t)
	e.mu.Unlock()
	return ok, nil
}

// eligible checks the threshold conditions only. A zero threshold means no
// requirement for that dimension. Caller holds e.mu.
func (e *Engine) eligible(t *model.TokenRegistration) bool {
	if e.cfg.MarketCapThreshold.IsPositive() && t.MarketCap.LessThan(e.cfg.MarketCapThreshold) {
		return false
	}
	if e.cfg.LiquidityThreshold.IsPositive() && t.EthReserve.LessThan(e.cfg.LiquidityThreshold) {
		return false
	}
	return true
}

// Graduate migrates an eligible token's reserves into the external pool
// and locks the resulting shares. Operator or Admin.
func (e *Engine) Graduate(ctx context.Context, caller, address, lpRecipient string) (*model.GraduationRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Require(caller, access.RoleOperator); err != nil {
		return nil, err
	}

	t, err := e.store.GetToken(ctx, address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, err
	}
	return e.graduateLocked(ctx, t, lpRecipient)
}

// graduateLocked runs the migration. Caller holds e.mu and has resolved
// the token.
func (e *Engine) graduateLocked(ctx context.Context, t *model.TokenRegistration, lpRecipient string) (*model.GraduationRecord, error) {
	now := e.now().UTC()

	if err := e.guards.Emergency.Allow(); err != nil {
		metrics.SafetyRejections.WithLabelValues("emergency").Inc()
		return nil, err
	}
	if err := e.guards.Breaker.Allow(now); err != nil {
		metrics.SafetyRejections.WithLabelValues("breaker").Inc()
		return nil, err
	}

	if t.Graduated {
		return nil, ErrAlreadyGraduated
	}
	if !e.eligible(t) {
		return nil, ErrNotEligible
	}

	liquidity := t.EthReserve
	if err := e.guards.Limits.Check(liquidity); err != nil {
		metrics.SafetyRejections.WithLabelValues("tx_limit").Inc()
		return nil, err
	}
	if err := e.guards.Window.Admit(now, liquidity); err != nil {
		metrics.SafetyRejections.WithLabelValues("rate_window").Inc()
		return nil, err
	}

	if e.migrating {
		return nil, ErrMigrationInProgress
	}
	e.migrating = true
	defer func() { e.migrating = false }()

	minToken, err := bps.MinAcceptable(t.TokenReserve, e.cfg.SlippageToleranceBp)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfiguration, err)
	}
	minEth, err := bps.MinAcceptable(t.EthReserve, e.cfg.SlippageToleranceBp)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfiguration, err)
	}

	if lpRecipient == "" {
		lpRecipient = e.lpRecipient
	}

	// The migration runs to its own deadline. An expiring inbound request
	// context must not abort the in-flight pool call, nor the commit that
	// records its result.
	ctx = context.WithoutCancel(ctx)
	receipt, err := e.router.AddLiquidity(ctx, amm.AddLiquidityRequest{
		TokenAddress: t.Address,
		TokenAmount:  t.TokenReserve,
		EthAmount:    t.EthReserve,
		MinToken:     minToken,
		MinEth:       minEth,
		Recipient:    lpRecipient,
		Deadline:     now.Add(MigrationDeadline),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMigrationFailed, err)
	}
	if receipt.UsedToken.LessThan(minToken) || receipt.UsedEth.LessThan(minEth) {
		return nil, fmt.Errorf("%w: router filled below slippage minimums", ErrMigrationFailed)
	}

	rec := &model.GraduationRecord{
		TokenAddress: t.Address,
		Pair:         receipt.Pair,
		GraduatedAt:  now,
		LPAmount:     receipt.LPAmount,
		LPRecipient:  lpRecipient,
		UnlockTime:   now.Add(e.cfg.MinLockDuration),
		UsedToken:    receipt.UsedToken,
		UsedEth:      receipt.UsedEth,
	}
	if err := e.store.CommitGraduation(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyGraduated
		}
		return nil, err
	}

	e.guards.Window.Commit(now, liquidity)
	metrics.GraduationsTotal.Inc()
	metrics.GraduationLiquidityTotal.Add(liquidity.InexactFloat64())

	// Unused input goes back to the graduation authority.
	refundToken := t.TokenReserve.Sub(receipt.UsedToken)
	refundEth := t.EthReserve.Sub(receipt.UsedEth)
	if refundToken.IsPositive() || refundEth.IsPositive() {
		e.events.Record(ctx, events.TypeRefund, t.Address, map[string]string{
			"recipient":    t.Creator,
			"token_amount": refundToken.String(),
			"eth_amount":   refundEth.String(),
		})
	}

	e.events.Record(ctx, events.TypeGraduated, t.Address, map[string]string{
		"pair":       rec.Pair,
		"used_token": rec.UsedToken.String(),
		"used_eth":   rec.UsedEth.String(),
	})
	e.events.Record(ctx, events.TypeLPLocked, t.Address, map[string]string{
		"lp_amount":   rec.LPAmount.String(),
		"recipient":   rec.LPRecipient,
		"unlock_time": rec.UnlockTime.Format(time.RFC3339),
	})
	slog.Info("token graduated",
		"token", t.Address,
		"pair", rec.Pair,
		"lp_amount", rec.LPAmount.String(),
		"unlock_time", rec.UnlockTime,
	)
	return rec, nil
}

// Unlock releases the locked pool shares once the lock period has passed.
// The zeroing write lands before the release is reported, so a repeat call
// always fails NothingLocked.
func (e *Engine) Unlock(ctx context.Context, address string) (decimal.Decimal, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	if err := e.guards.Emergency.Allow(); err != nil {
		return decimal.Zero, "", err
	}
	if err := e.guards.Breaker.Allow(now); err != nil {
		metrics.SafetyRejections.WithLabelValues("breaker").Inc()
		return decimal.Zero, "", err
	}
	if e.migrating {
		return decimal.Zero, "", ErrMigrationInProgress
	}

	t, err := e.store.GetToken(ctx, address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, "", ErrNotRegistered
		}
		return decimal.Zero, "", err
	}
	if !t.Graduated {
		return decimal.Zero, "", ErrNotGraduated
	}

	rec, err := e.store.GetGraduation(ctx, address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, "", ErrNotGraduated
		}
		return decimal.Zero, "", err
	}
	if now.Before(rec.UnlockTime) {
		return decimal.Zero, "", ErrLockPeriodActive
	}
	if rec.Unlocked || !rec.LPAmount.IsPositive() {
		return decimal.Zero, "", ErrNothingLocked
	}

	if err := e.store.MarkUnlocked(ctx, address); err != nil {
		return decimal.Zero, "", err
	}

	e.events.Record(ctx, events.TypeLPUnlocked, address, map[string]string{
		"lp_amount": rec.LPAmount.String(),
		"recipient": rec.LPRecipient,
	})
	slog.Info("lp unlocked", "token", address, "lp_amount", rec.LPAmount.String(), "recipient", rec.LPRecipient)
	return rec.LPAmount, rec.LPRecipient, nil
}

// UpdateConfig replaces the graduation configuration. Admin-only.
func (e *Engine) UpdateConfig(ctx context.Context, caller string, cfg model.GraduationConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}
	e.cfg = cfg

	e.events.Record(ctx, events.TypeConfigUpdated, "graduation", map[string]string{
		"market_cap_threshold":  cfg.MarketCapThreshold.String(),
		"liquidity_threshold":   cfg.LiquidityThreshold.String(),
		"min_lock_duration":     cfg.MinLockDuration.String(),
		"slippage_tolerance_bp": fmt.Sprintf("%d", cfg.SlippageToleranceBp),
		"auto_graduate":         fmt.Sprintf("%t", cfg.AutoGraduateEnabled),
	})
	return nil
}

// UpdateLPLockRecipient changes the default lock authority. Admin-only.
func (e *Engine) UpdateLPLockRecipient(ctx context.Context, caller, recipient string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if recipient == "" {
		return fmt.Errorf("%w: empty lp lock recipient", ErrInvalidConfiguration)
	}
	e.lpRecipient = recipient

	e.events.Record(ctx, events.TypeConfigUpdated, "graduation", map[string]string{
		"lp_lock_recipient": recipient,
	})
	return nil
}

// Config returns the current configuration.
func (e *Engine) Config() model.GraduationConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// TripBreaker halts liquidity-moving operations. Guardian or Admin.
func (e *Engine) TripBreaker(ctx context.Context, caller, reason string, resetAfter time.Time) error {
	if err := e.roles.Require(caller, access.RoleGuardian); err != nil {
		return err
	}
	if err := e.guards.Breaker.Trip(e.now().UTC(), reason, resetAfter); err != nil {
		return err
	}

	e.events.Record(ctx, events.TypeBreakerTripped, "breaker", map[string]string{
		"by":          caller,
		"reason":      reason,
		"reset_after": resetAfter.Format(time.RFC3339),
	})
	slog.Warn("circuit breaker tripped", "by", caller, "reason", reason, "reset_after", resetAfter)
	return nil
}

// ResetBreaker re-arms the breaker. Guardian or Admin.
func (e *Engine) ResetBreaker(ctx context.Context, caller string) error {
	if err := e.roles.Require(caller, access.RoleGuardian); err != nil {
		return err
	}
	if err := e.guards.Breaker.Reset(); err != nil {
		return err
	}

	e.events.Record(ctx, events.TypeBreakerReset, "breaker", map[string]string{"by": caller})
	slog.Info("circuit breaker reset", "by", caller)
	return nil
}

// BreakerState returns the breaker snapshot.
func (e *Engine) BreakerState() safety.BreakerState {
	return e.guards.Breaker.State(e.now().UTC())
}

// ActivateEmergency pauses all mutating operations. Emergency or Admin.
func (e *Engine) ActivateEmergency(ctx context.Context, caller, reason string) error {
	if err := e.roles.Require(caller, access.RoleEmergency); err != nil {
		return err
	}
	e.guards.Emergency.Activate(caller, reason)

	e.events.Record(ctx, events.TypeEmergencyActivated, "emergency", map[string]string{
		"by":     caller,
		"reason": reason,
	})
	slog.Warn("emergency mode activated", "by", caller, "reason", reason)
	return nil
}

// DeactivateEmergency clears emergency mode. Admin only.
func (e *Engine) DeactivateEmergency(ctx context.Context, caller string) error {
	if err := e.roles.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	e.guards.Emergency.Deactivate()

	e.events.Record(ctx, events.TypeEmergencyDeactivated, "emergency", map[string]string{"by": caller})
	slog.Info("emergency mode deactivated", "by", caller)
	return nil
}

// GrantRole grants a role to a principal. Admin only (enforced by the
// registry itself).
func (e *Engine) GrantRole(ctx context.Context, caller, principal string, role access.Role) error {
	if err := e.roles.Grant(caller, principal, role); err != nil {
		return err
	}
	e.events.Record(ctx, events.TypeRoleGranted, principal, map[string]string{
		"role": string(role),
		"by":   caller,
	})
	return nil
}

// RevokeRole removes a role from a principal. Admin only.
func (e *Engine) RevokeRole(ctx context.Context, caller, principal string, role access.Role) error {
	if err := e.roles.Revoke(caller, principal, role); err != nil {
		return err
	}
	e.events.Record(ctx, events.TypeRoleRevoked, principal, map[string]string{
		"role": string(role),
		"by":   caller,
	})
	return nil
}

// Roles lists the roles held by a principal.
func (e *Engine) Roles(principal string) []access.Role {
	return e.roles.Roles(principal)
}

// GetToken returns one registration.
func (e *Engine) GetToken(ctx context.Context, address string) (*model.TokenRegistration, error) {
	t, err := e.store.GetToken(ctx, address)
	if err != nil && errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotRegistered
	}
	return t, err
}

// GetGraduation returns the graduation record for a token.
func (e *Engine) GetGraduation(ctx context.Context, address string) (*model.GraduationRecord, error) {
	rec, err := e.store.GetGraduation(ctx, address)
	if err != nil && errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotGraduated
	}
	return rec, err
}

// ListTokens returns all registrations.
func (e *Engine) ListTokens(ctx context.Context) ([]model.TokenRegistration, error) {
	return e.store.ListTokens(ctx)
}
