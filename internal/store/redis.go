package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/curvelaunch/graduation-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot entity reads. Writes go to the primary store and
// invalidate the cache; everything else passes through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Token registrations ---

func (s *CachedStore) CreateToken(ctx context.Context, t *model.TokenRegistration) error {
	if err := s.primary.CreateToken(ctx, t); err != nil {
		return err
	}
	s.cacheJSON(ctx, tokenKey(t.Address), t)
	return nil
}

func (s *CachedStore) GetToken(ctx context.Context, address string) (*model.TokenRegistration, error) {
	data, err := s.rdb.Get(ctx, tokenKey(address)).Bytes()
	if err == nil {
		var t model.TokenRegistration
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.primary.GetToken(ctx, address)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, tokenKey(address), t)
	return t, nil
}

func (s *CachedStore) ListTokens(ctx context.Context) ([]model.TokenRegistration, error) {
	return s.primary.ListTokens(ctx)
}

func (s *CachedStore) UpdateTokenReserves(ctx context.Context, address string, tokenReserve, ethReserve, marketCap decimal.Decimal) error {
	if err := s.primary.UpdateTokenReserves(ctx, address, tokenReserve, ethReserve, marketCap); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, tokenKey(address))
	return nil
}

// --- Graduation records ---

func (s *CachedStore) CommitGraduation(ctx context.Context, rec *model.GraduationRecord) error {
	if err := s.primary.CommitGraduation(ctx, rec); err != nil {
		return err
	}
	s.rdb.Del(ctx, tokenKey(rec.TokenAddress))
	return nil
}

func (s *CachedStore) GetGraduation(ctx context.Context, tokenAddress string) (*model.GraduationRecord, error) {
	return s.primary.GetGraduation(ctx, tokenAddress)
}

func (s *CachedStore) MarkUnlocked(ctx context.Context, tokenAddress string) error {
	return s.primary.MarkUnlocked(ctx, tokenAddress)
}

// --- Governance agents ---

func (s *CachedStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	if err := s.primary.CreateAgent(ctx, a); err != nil {
		return err
	}
	s.cacheJSON(ctx, agentKey(a.Address), a)
	return nil
}

func (s *CachedStore) GetAgent(ctx context.Context, address string) (*model.Agent, error) {
	data, err := s.rdb.Get(ctx, agentKey(address)).Bytes()
	if err == nil {
		var a model.Agent
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAgent(ctx, address)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, agentKey(address), a)
	return a, nil
}

func (s *CachedStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	return s.primary.ListAgents(ctx)
}

func (s *CachedStore) SetAgentVerified(ctx context.Context, address string) error {
	if err := s.primary.SetAgentVerified(ctx, address); err != nil {
		return err
	}
	s.rdb.Del(ctx, agentKey(address))
	return nil
}

func (s *CachedStore) SetAgentActive(ctx context.Context, address string, active bool) error {
	if err := s.primary.SetAgentActive(ctx, address, active); err != nil {
		return err
	}
	s.rdb.Del(ctx, agentKey(address))
	return nil
}

func (s *CachedStore) UpdateAgentPower(ctx context.Context, address string, power decimal.Decimal) error {
	if err := s.primary.UpdateAgentPower(ctx, address, power); err != nil {
		return err
	}
	s.rdb.Del(ctx, agentKey(address))
	return nil
}

func (s *CachedStore) TotalVotingPower(ctx context.Context) (decimal.Decimal, error) {
	// Always live: quorum uses current total power.
	return s.primary.TotalVotingPower(ctx)
}

// --- Voting proposals ---

func (s *CachedStore) CreateProposal(ctx context.Context, p *model.Proposal) (int64, error) {
	return s.primary.CreateProposal(ctx, p)
}

func (s *CachedStore) GetProposal(ctx context.Context, id int64) (*model.Proposal, error) {
	data, err := s.rdb.Get(ctx, proposalKey(id)).Bytes()
	if err == nil {
		var p model.Proposal
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, proposalKey(id), p)
	return p, nil
}

func (s *CachedStore) HasVoted(ctx context.Context, id int64, voter string) (bool, error) {
	return s.primary.HasVoted(ctx, id, voter)
}

func (s *CachedStore) RecordVote(ctx context.Context, id int64, voter string, choice model.VoteChoice, weight decimal.Decimal) error {
	if err := s.primary.RecordVote(ctx, id, voter, choice, weight); err != nil {
		return err
	}
	s.rdb.Del(ctx, proposalKey(id))
	return nil
}

func (s *CachedStore) SetProposalExecuted(ctx context.Context, id int64) error {
	if err := s.primary.SetProposalExecuted(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, proposalKey(id))
	return nil
}

func (s *CachedStore) SetProposalCanceled(ctx context.Context, id int64) error {
	if err := s.primary.SetProposalCanceled(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, proposalKey(id))
	return nil
}

// --- Timelocked config proposals (passthrough) ---

func (s *CachedStore) CreateConfigProposal(ctx context.Context, p *model.ConfigProposal) (int64, error) {
	return s.primary.CreateConfigProposal(ctx, p)
}

func (s *CachedStore) GetConfigProposal(ctx context.Context, id int64) (*model.ConfigProposal, error) {
	return s.primary.GetConfigProposal(ctx, id)
}

func (s *CachedStore) SetConfigProposalExecuted(ctx context.Context, id int64) error {
	return s.primary.SetConfigProposalExecuted(ctx, id)
}

func (s *CachedStore) SetConfigProposalCancelled(ctx context.Context, id int64) error {
	return s.primary.SetConfigProposalCancelled(ctx, id)
}

// --- Immutable event log (passthrough) ---

func (s *CachedStore) AppendEvent(ctx context.Context, ev *model.Event) error {
	return s.primary.AppendEvent(ctx, ev)
}

func (s *CachedStore) ListEvents(ctx context.Context, sinceSeq int64) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, sinceSeq)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func tokenKey(address string) string { return fmt.Sprintf("token:%s", address) }
func agentKey(address string) string { return fmt.Sprintf("agent:%s", address) }
func proposalKey(id int64) string { return "proposal:" + strconv.FormatInt(id, 10) }
