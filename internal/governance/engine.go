// Package governance implements the weighted-voting governance engine: the
// agent registry, the proposal state machine with quorum determination, and
// the separate timelocked track for sensitive configuration changes.
//
// Proposal state is derived on read from the stored tallies and the clock;
// only the Executed and Canceled bits are stored, and they are checked
// first.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/curvelaunch/graduation-engine/internal/access"
	"github.com/curvelaunch/graduation-engine/internal/bps"
	"github.com/curvelaunch/graduation-engine/internal/events"
	"github.com/curvelaunch/graduation-engine/internal/metrics"
	"github.com/curvelaunch/graduation-engine/internal/model"
	"github.com/curvelaunch/graduation-engine/internal/safety"
	"github.com/curvelaunch/graduation-engine/internal/store"
)

// Timelock bounds for the config-proposal track.
const (
	DefaultTimelock = 48 * time.Hour
	MinTimelock     = time.Hour
	MaxTimelock     = 7 * 24 * time.Hour
)

var (
	ErrAgentExists          = errors.New("governance: agent already registered")
	ErrAgentNotFound        = errors.New("governance: agent not registered")
	ErrNotAuthorized        = errors.New("governance: caller is not a verified active agent")
	ErrProposalNotFound     = errors.New("governance: proposal not found")
	ErrNotActive            = errors.New("governance: proposal is not in its voting window")
	ErrAlreadyVoted         = errors.New("governance: agent already voted on this proposal")
	ErrNotSucceeded         = errors.New("governance: proposal has not succeeded")
	ErrAlreadyExecuted      = errors.New("governance: proposal already executed")
	ErrAlreadyCancelled     = errors.New("governance: proposal already cancelled")
	ErrTimelockNotExpired   = errors.New("governance: timelock has not expired")
	ErrInvalidChoice        = errors.New("governance: invalid vote choice")
	ErrInvalidConfiguration = errors.New("governance: invalid configuration")
)

// ProposalState is the derived lifecycle position of a voting proposal.
type ProposalState string

const (
	StatePending   ProposalState = "pending"
	StateActive    ProposalState = "active"
	StateSucceeded ProposalState = "succeeded"
	StateDefeated  ProposalState = "defeated"
	StateExecuted  ProposalState = "executed"
	StateCanceled  ProposalState = "canceled"
)

// Params holds the governance engine configuration.
type Params struct {
	VotingDelay  time.Duration
	VotingPeriod time.Duration
	QuorumBp     int64
	Timelock     time.Duration
}

// Executor applies an approved configuration payload. The embedding system
// supplies it; the engine only enforces the timelock around it.
type Executor func(payload []byte) error

// Engine runs the governance lifecycle. Like the graduation engine, one
// mutex serializes every state-mutating entry point.
type Engine struct {
	store     store.Store
	roles     *access.Registry
	emergency *safety.Emergency
	events    *events.Recorder
	executor  Executor

	mu     sync.Mutex
	params Params
	now    func() time.Time
}

// NewEngine creates a governance engine. A nil executor makes config
// proposals un-executable, which is valid for a voting-only deployment.
func NewEngine(st store.Store, roles *access.Registry, emergency *safety.Emergency, rec *events.Recorder, params Params, executor Executor) (*Engine, error) {
	if params.Timelock == 0 {
		params.Timelock = DefaultTimelock
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}
	return &Engine{
		store:     st,
		roles:     roles,
		emergency: emergency,
		events:    rec,
		executor:  executor,
		params:    params,
		now:       time.Now,
	}, nil
}

// SetClock overrides the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func validateParams(p Params) error {
	if p.VotingPeriod <= 0 {
		return fmt.Errorf("%w: voting period must be positive", ErrInvalidConfiguration)
	}
	if p.VotingDelay < 0 {
		return fmt.Errorf("%w: negative voting delay", ErrInvalidConfiguration)
	}
	if !bps.Valid(p.QuorumBp) {
		return fmt.Errorf("%w: quorum %d bp out of range", ErrInvalidConfiguration, p.QuorumBp)
	}
	if p.Timelock < MinTimelock || p.Timelock > MaxTimelock {
		return fmt.Errorf("%w: timelock %s outside [%s, %s]", ErrInvalidConfiguration, p.Timelock, MinTimelock, MaxTimelock)
	}
	return nil
}

// --- Agent registry ---

// RegisterAgent adds a governance participant. Admin-only. The agent starts
// unverified and cannot vote until verified.
func (e *Engine) RegisterAgent(ctx context.Context, caller, address string, votingPower decimal.Decimal, metadata string) (*model.Agent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Require(caller, access.RoleAdmin); err != nil {
		return nil, err
	}
	if err := e.emergency.Allow(); err != nil {
		return nil, err
	}
	if votingPower.IsNegative() {
		return nil, fmt.Errorf("%w: negative voting power", ErrInvalidConfiguration)
	}

	a := &model.Agent{
		Address:      address,
		VotingPower:  votingPower,
		Verified:     false,
		Active:       true,
		Metadata:     metadata,
		RegisteredAt: e.now().UTC(),
	}
	if err := e.store.CreateAgent(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAgentExists
		}
		return nil, err
	}

	e.events.Record(ctx, events.TypeAgentRegistered, address, map[string]string{
		"voting_power": votingPower.String(),
		"by":           caller,
	})
	slog.Info("agent registered", "agent", address, "voting_power", votingPower.String())
	return a, nil
}

// VerifyAgent marks an agent as verified. Admin-only.
func (e *Engine) VerifyAgent(ctx context.Context, caller, address string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := e.store.SetAgentVerified(ctx, address); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAgentNotFound
		}
		return err
	}

	e.events.Record(ctx, events.TypeAgentVerified, address, map[string]string{"by": caller})
	return nil
}

// UpdateVotingPower changes an agent's weight. Admin-only. Takes effect for
// all future votes; already-recorded tallies keep the weight cast with.
func (e *Engine) UpdateVotingPower(ctx context.Context, caller, address string, power decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if power.IsNegative() {
		return fmt.Errorf("%w: negative voting power", ErrInvalidConfiguration)
	}
	if err := e.store.UpdateAgentPower(ctx, address, power); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAgentNotFound
		}
		return err
	}

	e.events.Record(ctx, events.TypeAgentPowerUpdated, address, map[string]string{
		"voting_power": power.String(),
		"by":           caller,
	})
	return nil
}

// SetAgentActive deactivates or reactivates an agent. Admin-only. A
// deactivated agent's power counts as zero in quorum and cannot vote.
func (e *Engine) SetAgentActive(ctx context.Context, caller, address string, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := e.store.SetAgentActive(ctx, address, active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAgentNotFound
		}
		return err
	}

	e.events.Record(ctx, events.TypeAgentActiveChanged, address, map[string]string{
		"active": fmt.Sprintf("%t", active),
		"by":     caller,
	})
	return nil
}

// GetAgent returns one agent.
func (e *Engine) GetAgent(ctx context.Context, address string) (*model.Agent, error) {
	a, err := e.store.GetAgent(ctx, address)
	if err != nil && errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	return a, err
}

// ListAgents returns all agents.
func (e *Engine) ListAgents(ctx context.Context) ([]model.Agent, error) {
	return e.store.ListAgents(ctx)
}

// votableAgent resolves the caller as a verified, active agent.
func (e *Engine) votableAgent(ctx context.Context, address string) (*model.Agent, error) {
	a, err := e.store.GetAgent(ctx, address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotAuthorized
		}
		return nil, err
	}
	if !a.Verified || !a.Active {
		return nil, ErrNotAuthorized
	}
	return a, nil
}

// --- Voting proposals ---

// CreateProposal opens a new weighted-voting proposal. The caller must be a
// verified active agent. The voting window is derived from the engine
// parameters at creation time.
func (e *Engine) CreateProposal(ctx context.Context, caller, target string, value decimal.Decimal, calldata []byte, description string) (*model.Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.emergency.Allow(); err != nil {
		return nil, err
	}
	if _, err := e.votableAgent(ctx, caller); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	p := &model.Proposal{
		Proposer:     caller,
		Target:       target,
		Value:        value,
		Calldata:     calldata,
		Description:  description,
		CreatedAt:    now,
		VotingStarts: now.Add(e.params.VotingDelay),
		VotingEnds:   now.Add(e.params.VotingDelay + e.params.VotingPeriod),
		ForVotes:     decimal.Zero,
		AgainstVotes: decimal.Zero,
		AbstainVotes: decimal.Zero,
	}
	id, err := e.store.CreateProposal(ctx, p)
	if err != nil {
		return nil, err
	}
	p.ID = id
	metrics.ProposalsTotal.WithLabelValues("voting").Inc()

	e.events.Record(ctx, events.TypeProposalCreated, fmt.Sprintf("proposal/%d", id), map[string]string{
		"proposer":      caller,
		"target":        target,
		"voting_starts": p.VotingStarts.Format(time.RFC3339),
		"voting_ends":   p.VotingEnds.Format(time.RFC3339),
	})
	slog.Info("proposal created", "id", id, "proposer", caller, "target", target)
	return p, nil
}

// CastVote records the caller's current voting power on a proposal. One
// ballot per agent; the weight is frozen at cast time.
func (e *Engine) CastVote(ctx context.Context, caller string, proposalID int64, choice model.VoteChoice) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.emergency.Allow(); err != nil {
		return err
	}
	switch choice {
	case model.VoteFor, model.VoteAgainst, model.VoteAbstain:
	default:
		return ErrInvalidChoice
	}

	a, err := e.votableAgent(ctx, caller)
	if err != nil {
		return err
	}
	p, err := e.getProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if e.stateLocked(p, e.now().UTC()) != StateActive {
		return ErrNotActive
	}

	if err := e.store.RecordVote(ctx, proposalID, caller, choice, a.VotingPower); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrAlreadyVoted
		}
		return err
	}
	metrics.VotesCastTotal.WithLabelValues(string(choice)).Inc()

	e.events.Record(ctx, events.TypeVoteCast, fmt.Sprintf("proposal/%d", proposalID), map[string]string{
		"voter":  caller,
		"choice": string(choice),
		"weight": a.VotingPower.String(),
	})
	return nil
}

// HasReachedQuorum reports whether a proposal's participation clears the
// quorum threshold against current total voting power.
func (e *Engine) HasReachedQuorum(ctx context.Context, proposalID int64) (bool, error) {
	p, err := e.getProposal(ctx, proposalID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	quorumBp := e.params.QuorumBp
	e.mu.Unlock()
	return e.quorumReached(ctx, p, quorumBp)
}

// quorumReached computes participation*10000/totalPower >= quorumBp with
// integer basis-point arithmetic, floor division. The comparison is
// cross-multiplied — participation*10000 >= total*quorumBp — because Div
// rounds at its fixed precision and could report a ratio above the true
// floor for wei-scale totals.
func (e *Engine) quorumReached(ctx context.Context, p *model.Proposal, quorumBp int64) (bool, error) {
	total, err := e.store.TotalVotingPower(ctx)
	if err != nil {
		return false, err
	}
	if !total.IsPositive() {
		return false, nil
	}
	participation := p.ForVotes.Add(p.AgainstVotes).Add(p.AbstainVotes)
	lhs := participation.Mul(decimal.NewFromInt(bps.Denominator))
	rhs := total.Mul(decimal.NewFromInt(quorumBp))
	return lhs.GreaterThanOrEqual(rhs), nil
}

// State returns the derived lifecycle position of a proposal.
func (e *Engine) State(ctx context.Context, proposalID int64) (ProposalState, error) {
	p, err := e.getProposal(ctx, proposalID)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolveState(ctx, p, e.now().UTC())
}

// stateLocked derives the time-window states without resolving quorum.
// Caller holds e.mu.
func (e *Engine) stateLocked(p *model.Proposal, now time.Time) ProposalState {
	switch {
	case p.Executed:
		return StateExecuted
	case p.Canceled:
		return StateCanceled
	case now.Before(p.VotingStarts):
		return StatePending
	case now.Before(p.VotingEnds):
		return StateActive
	default:
		// Ended; Succeeded vs Defeated needs the quorum read.
		return StateDefeated
	}
}

// resolveState is the full state function including the quorum and tally
// resolution for ended proposals. Caller holds e.mu.
func (e *Engine) resolveState(ctx context.Context, p *model.Proposal, now time.Time) (ProposalState, error) {
	switch {
	case p.Executed:
		return StateExecuted, nil
	case p.Canceled:
		return StateCanceled, nil
	case now.Before(p.VotingStarts):
		return StatePending, nil
	case now.Before(p.VotingEnds):
		return StateActive, nil
	}

	reached, err := e.quorumReached(ctx, p, e.params.QuorumBp)
	if err != nil {
		return "", err
	}
	if reached && p.ForVotes.GreaterThan(p.AgainstVotes) {
		return StateSucceeded, nil
	}
	return StateDefeated, nil
}

// ExecuteProposal marks a succeeded proposal as executed. Operator or
// Admin. The sticky Executed flag makes the call idempotent-failing.
func (e *Engine) ExecuteProposal(ctx context.Context, caller string, proposalID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Require(caller, access.RoleOperator); err != nil {
		return err
	}
	if err := e.emergency.Allow(); err != nil {
		return err
	}

	p, err := e.getProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	state, err := e.resolveState(ctx, p, e.now().UTC())
	if err != nil {
		return err
	}
	switch state {
	case StateExecuted:
		return ErrAlreadyExecuted
	case StateCanceled:
		return ErrAlreadyCancelled
	case StateSucceeded:
	default:
		return fmt.Errorf("%w: state %s", ErrNotSucceeded, state)
	}

	if err := e.store.SetProposalExecuted(ctx, proposalID); err != nil {
		return err
	}

	e.events.Record(ctx, events.TypeProposalExecuted, fmt.Sprintf("proposal/%d", proposalID), map[string]string{
		"by": caller,
	})
	slog.Info("proposal executed", "id", proposalID, "by", caller)
	return nil
}

// CancelProposal cancels a proposal before execution. Admin-only.
func (e *Engine) CancelProposal(ctx context.Context, caller string, proposalID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Require(caller, access.RoleAdmin); err != nil {
		return err
	}

	p, err := e.getProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.Executed {
		return ErrAlreadyExecuted
	}
	if p.Canceled {
		return ErrAlreadyCancelled
	}

	if err := e.store.SetProposalCanceled(ctx, proposalID); err != nil {
		return err
	}

	e.events.Record(ctx, events.TypeProposalCanceled, fmt.Sprintf("proposal/%d", proposalID), map[string]string{
		"by": caller,
	})
	return nil
}

// GetProposal returns one proposal.
func (e *Engine) GetProposal(ctx context.Context, proposalID int64) (*model.Proposal, error) {
	return e.getProposal(ctx, proposalID)
}

func (e *Engine) getProposal(ctx context.Context, proposalID int64) (*model.Proposal, error) {
	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrProposalNotFound
		}
		return nil, err
	}
	return p, nil
}

// --- Timelocked config proposals ---

// ProposeConfigChange queues a configuration payload behind the timelock.
// Operator or Admin.
func (e *Engine) ProposeConfigChange(ctx context.Context, caller string, payload []byte) (*model.ConfigProposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Require(caller, access.RoleOperator); err != nil {
		return nil, err
	}
	if err := e.emergency.Allow(); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	p := &model.ConfigProposal{
		Proposer:     caller,
		Payload:      payload,
		ProposedAt:   now,
		ExecuteAfter: now.Add(e.params.Timelock),
	}
	id, err := e.store.CreateConfigProposal(ctx, p)
	if err != nil {
		return nil, err
	}
	p.ID = id
	metrics.ProposalsTotal.WithLabelValues("config").Inc()

	e.events.Record(ctx, events.TypeConfigProposed, fmt.Sprintf("config-proposal/%d", id), map[string]string{
		"proposer":      caller,
		"execute_after": p.ExecuteAfter.Format(time.RFC3339),
	})
	slog.Info("config change proposed", "id", id, "proposer", caller, "execute_after", p.ExecuteAfter)
	return p, nil
}

// ExecuteConfigProposal applies a queued payload once the timelock has
// expired. Operator or Admin. The executor failure fails the call without
// marking the proposal executed.
func (e *Engine) ExecuteConfigProposal(ctx context.Context, caller string, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Require(caller, access.RoleOperator); err != nil {
		return err
	}
	if err := e.emergency.Allow(); err != nil {
		return err
	}

	p, err := e.store.GetConfigProposal(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrProposalNotFound
		}
		return err
	}
	if p.Executed {
		return ErrAlreadyExecuted
	}
	if p.Cancelled {
		return ErrAlreadyCancelled
	}
	if e.now().UTC().Before(p.ExecuteAfter) {
		return ErrTimelockNotExpired
	}
	if e.executor == nil {
		return fmt.Errorf("%w: no config executor installed", ErrInvalidConfiguration)
	}

	if err := e.executor(p.Payload); err != nil {
		return fmt.Errorf("governance: config executor: %w", err)
	}
	if err := e.store.SetConfigProposalExecuted(ctx, id); err != nil {
		return err
	}

	e.events.Record(ctx, events.TypeConfigProposalApplied, fmt.Sprintf("config-proposal/%d", id), map[string]string{
		"by": caller,
	})
	slog.Info("config proposal applied", "id", id, "by", caller)
	return nil
}

// CancelConfigProposal drops a queued payload at any point before
// execution. Admin or the original proposer.
func (e *Engine) CancelConfigProposal(ctx context.Context, caller string, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.GetConfigProposal(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrProposalNotFound
		}
		return err
	}
	if caller != p.Proposer {
		if err := e.roles.Require(caller, access.RoleAdmin); err != nil {
			return err
		}
	}
	if p.Executed {
		return ErrAlreadyExecuted
	}
	if p.Cancelled {
		return ErrAlreadyCancelled
	}

	if err := e.store.SetConfigProposalCancelled(ctx, id); err != nil {
		return err
	}

	e.events.Record(ctx, events.TypeConfigProposalDropped, fmt.Sprintf("config-proposal/%d", id), map[string]string{
		"by": caller,
	})
	return nil
}

// GetConfigProposal returns one config proposal.
func (e *Engine) GetConfigProposal(ctx context.Context, id int64) (*model.ConfigProposal, error) {
	p, err := e.store.GetConfigProposal(ctx, id)
	if err != nil && errors.Is(err, store.ErrNotFound) {
		return nil, ErrProposalNotFound
	}
	return p, err
}

// Params returns the current governance parameters.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// UpdateParams replaces the governance parameters. Admin-only.
func (e *Engine) UpdateParams(ctx context.Context, caller string, params Params) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := validateParams(params); err != nil {
		return err
	}
	e.params = params

	e.events.Record(ctx, events.TypeConfigUpdated, "governance", map[string]string{
		"voting_delay":  params.VotingDelay.String(),
		"voting_period": params.VotingPeriod.String(),
		"quorum_bp":     fmt.Sprintf("%d", params.QuorumBp),
		"timelock":      params.Timelock.String(),
	})
	return nil
}
