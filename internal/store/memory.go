package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/curvelaunch/graduation-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu              sync.RWMutex
	tokens          map[string]*model.TokenRegistration
	graduations     map[string]*model.GraduationRecord
	agents          map[string]*model.Agent
	proposals       map[int64]*model.Proposal
	voted           map[int64]map[string]bool
	configProposals map[int64]*model.ConfigProposal
	events          []model.Event
	nextProposalID  int64
	nextConfigID    int64
	nextEventSeq    int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:          make(map[string]*model.TokenRegistration),
		graduations:     make(map[string]*model.GraduationRecord),
		agents:          make(map[string]*model.Agent),
		proposals:       make(map[int64]*model.Proposal),
		voted:           make(map[int64]map[string]bool),
		configProposals: make(map[int64]*model.ConfigProposal),
	}
}

// --- Token registrations ---

func (s *MemoryStore) CreateToken(_ context.Context, t *model.TokenRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[t.Address]; ok {
		return fmt.Errorf("%w: token %s", ErrDuplicate, t.Address)
	}
	// Store a copy to avoid external mutation.
	cp := *t
	s.tokens[t.Address] = &cp
	return nil
}

func (s *MemoryStore) GetToken(_ context.Context, address string) (*model.TokenRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[address]
	if !ok {
		return nil, fmt.Errorf("%w: token %s", ErrNotFound, address)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTokens(_ context.Context) ([]model.TokenRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]model.TokenRegistration, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, *t)
	}
	return tokens, nil
}

func (s *MemoryStore) UpdateTokenReserves(_ context.Context, address string, tokenReserve, ethReserve, marketCap decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[address]
	if !ok {
		return fmt.Errorf("%w: token %s", ErrNotFound, address)
	}
	t.TokenReserve = tokenReserve
	t.EthReserve = ethReserve
	t.MarketCap = marketCap
	return nil
}

// --- Graduation records ---

func (s *MemoryStore) CommitGraduation(_ context.Context, rec *model.GraduationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[rec.TokenAddress]
	if !ok {
		return fmt.Errorf("%w: token %s", ErrNotFound, rec.TokenAddress)
	}
	if _, ok := s.graduations[rec.TokenAddress]; ok {
		return fmt.Errorf("%w: graduation for %s", ErrDuplicate, rec.TokenAddress)
	}

	cp := *rec
	s.graduations[rec.TokenAddress] = &cp
	t.Graduated = true
	t.TokenReserve = decimal.Zero
	t.EthReserve = decimal.Zero
	return nil
}

func (s *MemoryStore) GetGraduation(_ context.Context, tokenAddress string) (*model.GraduationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.graduations[tokenAddress]
	if !ok {
		return nil, fmt.Errorf("%w: graduation for %s", ErrNotFound, tokenAddress)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) MarkUnlocked(_ context.Context, tokenAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.graduations[tokenAddress]
	if !ok {
		return fmt.Errorf("%w: graduation for %s", ErrNotFound, tokenAddress)
	}
	rec.LPAmount = decimal.Zero
	rec.Unlocked = true
	return nil
}

// --- Governance agents ---

func (s *MemoryStore) CreateAgent(_ context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[a.Address]; ok {
		return fmt.Errorf("%w: agent %s", ErrDuplicate, a.Address)
	}
	cp := *a
	s.agents[a.Address] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, address string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[address]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, address)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]model.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, *a)
	}
	return agents, nil
}

func (s *MemoryStore) SetAgentVerified(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[address]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, address)
	}
	a.Verified = true
	return nil
}

func (s *MemoryStore) SetAgentActive(_ context.Context, address string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[address]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, address)
	}
	a.Active = active
	return nil
}

func (s *MemoryStore) UpdateAgentPower(_ context.Context, address string, power decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[address]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, address)
	}
	a.VotingPower = power
	return nil
}

func (s *MemoryStore) TotalVotingPower(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, a := range s.agents {
		if a.Verified && a.Active {
			total = total.Add(a.VotingPower)
		}
	}
	return total, nil
}

// --- Voting proposals ---

func (s *MemoryStore) CreateProposal(_ context.Context, p *model.Proposal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextProposalID++
	cp := *p
	cp.ID = s.nextProposalID
	s.proposals[cp.ID] = &cp
	s.voted[cp.ID] = make(map[string]bool)
	return cp.ID, nil
}

func (s *MemoryStore) GetProposal(_ context.Context, id int64) (*model.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proposals[id]
	if !ok {
		return nil, fmt.Errorf("%w: proposal %d", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) HasVoted(_ context.Context, id int64, voter string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.proposals[id]; !ok {
		return false, fmt.Errorf("%w: proposal %d", ErrNotFound, id)
	}
	return s.voted[id][voter], nil
}

func (s *MemoryStore) RecordVote(_ context.Context, id int64, voter string, choice model.VoteChoice, weight decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return fmt.Errorf("%w: proposal %d", ErrNotFound, id)
	}
	if s.voted[id][voter] {
		return fmt.Errorf("%w: vote by %s on proposal %d", ErrDuplicate, voter, id)
	}

	switch choice {
	case model.VoteFor:
		p.ForVotes = p.ForVotes.Add(weight)
	case model.VoteAgainst:
		p.AgainstVotes = p.AgainstVotes.Add(weight)
	case model.VoteAbstain:
		p.AbstainVotes = p.AbstainVotes.Add(weight)
	}
	s.voted[id][voter] = true
	return nil
}

func (s *MemoryStore) SetProposalExecuted(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return fmt.Errorf("%w: proposal %d", ErrNotFound, id)
	}
	p.Executed = true
	return nil
}

func (s *MemoryStore) SetProposalCanceled(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return fmt.Errorf("%w: proposal %d", ErrNotFound, id)
	}
	p.Canceled = true
	return nil
}

// --- Timelocked config proposals ---

func (s *MemoryStore) CreateConfigProposal(_ context.Context, p *model.ConfigProposal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextConfigID++
	cp := *p
	cp.ID = s.nextConfigID
	s.configProposals[cp.ID] = &cp
	return cp.ID, nil
}

func (s *MemoryStore) GetConfigProposal(_ context.Context, id int64) (*model.ConfigProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.configProposals[id]
	if !ok {
		return nil, fmt.Errorf("%w: config proposal %d", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) SetConfigProposalExecuted(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.configProposals[id]
	if !ok {
		return fmt.Errorf("%w: config proposal %d", ErrNotFound, id)
	}
	p.Executed = true
	return nil
}

func (s *MemoryStore) SetConfigProposalCancelled(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.configProposals[id]
	if !ok {
		return fmt.Errorf("%w: config proposal %d", ErrNotFound, id)
	}
	p.Cancelled = true
	return nil
}

// --- Immutable event log ---

func (s *MemoryStore) AppendEvent(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventSeq++
	ev.Seq = s.nextEventSeq
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, sinceSeq int64) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, ev := range s.events {
		if ev.Seq > sinceSeq {
			result = append(result, ev)
		}
	}
	return result, nil
}
