// Package store defines the persistence interface for the graduation and
// governance engines. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/curvelaunch/graduation-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("store: already exists")
)

// Store is the persistence interface. The invariant-bearing writes
// (graduation commit, vote record, unlock) are atomic: either every row
// they touch changes or none does.
type Store interface {
	// --- Token registrations ---

	// CreateToken persists a new registration.
	CreateToken(ctx context.Context, t *model.TokenRegistration) error

	// GetToken retrieves a registration by token address.
	GetToken(ctx context.Context, address string) (*model.TokenRegistration, error)

	// ListTokens returns all registrations.
	ListTokens(ctx context.Context) ([]model.TokenRegistration, error)

	// UpdateTokenReserves overwrites the bonding-curve snapshot.
	UpdateTokenReserves(ctx context.Context, address string, tokenReserve, ethReserve, marketCap decimal.Decimal) error

	// --- Graduation records ---

	// CommitGraduation atomically inserts the record, marks the token
	// graduated, and zeroes its migrated reserves.
	CommitGraduation(ctx context.Context, rec *model.GraduationRecord) error

	// GetGraduation retrieves the record for a graduated token.
	GetGraduation(ctx context.Context, tokenAddress string) (*model.GraduationRecord, error)

	// MarkUnlocked zeroes the record's locked share amount and sets the
	// unlocked flag in one write.
	MarkUnlocked(ctx context.Context, tokenAddress string) error

	// --- Governance agents ---

	// CreateAgent persists a new agent.
	CreateAgent(ctx context.Context, a *model.Agent) error

	// GetAgent retrieves an agent by address.
	GetAgent(ctx context.Context, address string) (*model.Agent, error)

	// ListAgents returns all agents.
	ListAgents(ctx context.Context) ([]model.Agent, error)

	// SetAgentVerified marks an agent verified.
	SetAgentVerified(ctx context.Context, address string) error

	// SetAgentActive toggles an agent's active flag.
	SetAgentActive(ctx context.Context, address string, active bool) error

	// UpdateAgentPower sets an agent's voting power.
	UpdateAgentPower(ctx context.Context, address string, power decimal.Decimal) error

	// TotalVotingPower sums the power of verified, active agents.
	TotalVotingPower(ctx context.Context) (decimal.Decimal, error)

	// --- Voting proposals ---

	// CreateProposal persists a proposal and returns its sequential ID.
	CreateProposal(ctx context.Context, p *model.Proposal) (int64, error)

	// GetProposal retrieves a proposal by ID.
	GetProposal(ctx context.Context, id int64) (*model.Proposal, error)

	// HasVoted reports whether voter is in the proposal's voted set.
	HasVoted(ctx context.Context, id int64, voter string) (bool, error)

	// RecordVote atomically adds voter to the voted set and the weight to
	// the matching tally.
	RecordVote(ctx context.Context, id int64, voter string, choice model.VoteChoice, weight decimal.Decimal) error

	// SetProposalExecuted marks the terminal executed flag.
	SetProposalExecuted(ctx context.Context, id int64) error

	// SetProposalCanceled marks the terminal canceled flag.
	SetProposalCanceled(ctx context.Context, id int64) error

	// --- Timelocked config proposals ---

	// CreateConfigProposal persists a config proposal and returns its ID.
	CreateConfigProposal(ctx context.Context, p *model.ConfigProposal) (int64, error)

	// GetConfigProposal retrieves a config proposal by ID.
	GetConfigProposal(ctx context.Context, id int64) (*model.ConfigProposal, error)

	// SetConfigProposalExecuted marks the terminal executed flag.
	SetConfigProposalExecuted(ctx context.Context, id int64) error

	// SetConfigProposalCancelled marks the terminal cancelled flag.
	SetConfigProposalCancelled(ctx context.Context, id int64) error

	// --- Immutable event log ---

	// AppendEvent appends an event record, assigning its sequence number.
	AppendEvent(ctx context.Context, ev *model.Event) error

	// ListEvents returns events with Seq > sinceSeq in order.
	ListEvents(ctx context.Context, sinceSeq int64) ([]model.Event, error)
}
