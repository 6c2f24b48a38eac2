// Package model defines the core domain types shared across the graduation
// engine. All on-chain magnitudes (reserves, market caps, liquidity, voting
// power) use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenRegistration is the tracked state of one bonding-curve token.
// Reserves are a snapshot reported by the registered curve authority;
// Graduated is monotonic (false→true, never reverts).
type TokenRegistration struct {
	Address      string          `json:"address" db:"address"`
	Creator      string          `json:"creator" db:"creator"` // curve authority for snapshot updates
	TokenReserve decimal.Decimal `json:"token_reserve" db:"token_reserve"`
	EthReserve   decimal.Decimal `json:"eth_reserve" db:"eth_reserve"`
	MarketCap    decimal.Decimal `json:"market_cap" db:"market_cap"`
	Graduated    bool            `json:"graduated" db:"graduated"`
	RegisteredAt time.Time       `json:"registered_at" db:"registered_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// GraduationRecord is created exactly once per token, on successful
// migration of its reserves into the external pool. UnlockTime is fixed at
// creation and never extended; LPAmount drops to zero exactly once.
type GraduationRecord struct {
	TokenAddress string          `json:"token_address" db:"token_address"`
	Pair         string          `json:"pair" db:"pair"`
	GraduatedAt  time.Time       `json:"graduated_at" db:"graduated_at"`
	LPAmount     decimal.Decimal `json:"lp_amount" db:"lp_amount"`
	LPRecipient  string          `json:"lp_recipient" db:"lp_recipient"`
	UnlockTime   time.Time       `json:"unlock_time" db:"unlock_time"`
	Unlocked     bool            `json:"unlocked" db:"unlocked"`
	UsedToken    decimal.Decimal `json:"used_token" db:"used_token"`
	UsedEth      decimal.Decimal `json:"used_eth" db:"used_eth"`
}

// GraduationConfig is the singleton engine configuration, mutable by Admin
// only. A zero threshold means "no requirement" for that dimension.
type GraduationConfig struct {
	MarketCapThreshold  decimal.Decimal `json:"market_cap_threshold"`
	LiquidityThreshold  decimal.Decimal `json:"liquidity_threshold"`
	MinLockDuration     time.Duration   `json:"min_lock_duration"`
	SlippageToleranceBp int64           `json:"slippage_tolerance_bp"` // [0, 1000]
	AutoGraduateEnabled bool            `json:"auto_graduate_enabled"`
}

// Agent is one governance participant. Only verified and active agents may
// vote or create proposals; a deactivated agent's power counts as zero.
type Agent struct {
	Address      string          `json:"address" db:"address"`
	VotingPower  decimal.Decimal `json:"voting_power" db:"voting_power"`
	Verified     bool            `json:"verified" db:"verified"`
	Active       bool            `json:"active" db:"active"`
	Metadata     string          `json:"metadata" db:"metadata"`
	RegisteredAt time.Time       `json:"registered_at" db:"registered_at"`
}

// VoteChoice is a ballot option on a voting proposal.
type VoteChoice string

const (
	VoteAgainst VoteChoice = "against"
	VoteFor     VoteChoice = "for"
	VoteAbstain VoteChoice = "abstain"
)

// Proposal is a weighted-voting governance proposal. Executed and Canceled
// are the only stored state bits; everything else about its lifecycle is
// derived from the tallies and the clock.
type Proposal struct {
	ID           int64           `json:"id" db:"id"`
	Proposer     string          `json:"proposer" db:"proposer"`
	Target       string          `json:"target" db:"target"`
	Value        decimal.Decimal `json:"value" db:"value"`
	Calldata     []byte          `json:"calldata" db:"calldata"`
	Description  string          `json:"description" db:"description"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	VotingStarts time.Time       `json:"voting_starts" db:"voting_starts"`
	VotingEnds   time.Time       `json:"voting_ends" db:"voting_ends"`
	ForVotes     decimal.Decimal `json:"for_votes" db:"for_votes"`
	AgainstVotes decimal.Decimal `json:"against_votes" db:"against_votes"`
	AbstainVotes decimal.Decimal `json:"abstain_votes" db:"abstain_votes"`
	Executed     bool            `json:"executed" db:"executed"`
	Canceled     bool            `json:"canceled" db:"canceled"`
}

// ConfigProposal is a timelocked configuration change, on a separate track
// from voting proposals. Executed and Cancelled are mutually exclusive
// terminal flags.
type ConfigProposal struct {
	ID           int64     `json:"id" db:"id"`
	Proposer     string    `json:"proposer" db:"proposer"`
	Payload      []byte    `json:"payload" db:"payload"`
	ProposedAt   time.Time `json:"proposed_at" db:"proposed_at"`
	ExecuteAfter time.Time `json:"execute_after" db:"execute_after"`
	Executed     bool      `json:"executed" db:"executed"`
	Cancelled    bool      `json:"cancelled" db:"cancelled"`
}

// Event is one record of the ordered, immutable engine event stream.
// Seq is assigned by the store and strictly increasing.
type Event struct {
	ID        string            `json:"id" db:"id"`
	Seq       int64             `json:"seq" db:"seq"`
	Type      string            `json:"type" db:"type"`
	Subject   string            `json:"subject" db:"subject"`
	Fields    map[string]string `json:"fields" db:"fields"`
	Timestamp time.Time         `json:"timestamp" db:"timestamp"`
}
