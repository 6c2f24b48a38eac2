package governance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/curvelaunch/graduation-engine/internal/access"
	"github.com/curvelaunch/graduation-engine/internal/events"
	"github.com/curvelaunch/graduation-engine/internal/governance"
	"github.com/curvelaunch/graduation-engine/internal/model"
	"github.com/curvelaunch/graduation-engine/internal/safety"
	"github.com/curvelaunch/graduation-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	engine   *governance.Engine
	clock    *testClock
	applied  [][]byte
	applyErr error
}

func defaultParams() governance.Params {
	return governance.Params{
		VotingDelay:  time.Hour,
		VotingPeriod: 24 * time.Hour,
		QuorumBp:     4000,
		Timelock:     48 * time.Hour,
	}
}

func newTestEnv(t *testing.T, params governance.Params) *testEnv {
	t.Helper()

	env := &testEnv{}
	st := store.NewMemoryStore()
	roles := access.NewRegistry("admin")
	if err := roles.Grant("admin", "op", access.RoleOperator); err != nil {
		t.Fatalf("grant operator: %v", err)
	}

	executor := func(payload []byte) error {
		if env.applyErr != nil {
			return env.applyErr
		}
		env.applied = append(env.applied, payload)
		return nil
	}

	eng, err := governance.NewEngine(st, roles, safety.NewEmergency(), events.NewRecorder(st, nil), params, executor)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	env.engine = eng
	env.clock = &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	eng.SetClock(env.clock.now)
	return env
}

// seedAgent registers and verifies an agent with the given power.
func (env *testEnv) seedAgent(t *testing.T, address string, power string) {
	t.Helper()
	ctx := context.Background()

	if _, err := env.engine.RegisterAgent(ctx, "admin", address, d(power), ""); err != nil {
		t.Fatalf("register agent %s: %v", address, err)
	}
	if err := env.engine.VerifyAgent(ctx, "admin", address); err != nil {
		t.Fatalf("verify agent %s: %v", address, err)
	}
}

// openProposal creates a proposal and advances the clock into its voting
// window.
func (env *testEnv) openProposal(t *testing.T, proposer string) int64 {
	t.Helper()

	p, err := env.engine.CreateProposal(context.Background(), proposer, "0xtarget", d("0"), nil, "raise threshold")
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	env.clock.advance(time.Hour)
	return p.ID
}

func TestRegisterAgent(t *testing.T) {
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	a, err := env.engine.RegisterAgent(ctx, "admin", "alice", d("100"), "ipfs://alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.Verified {
		t.Error("new agent already verified")
	}
	if !a.Active {
		t.Error("new agent not active")
	}

	if _, err := env.engine.RegisterAgent(ctx, "admin", "alice", d("1"), ""); !errors.Is(err, governance.ErrAgentExists) {
		t.Errorf("duplicate register err = %v, want ErrAgentExists", err)
	}
	if _, err := env.engine.RegisterAgent(ctx, "alice", "bob", d("1"), ""); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("non-admin register err = %v, want ErrUnauthorized", err)
	}
	if _, err := env.engine.RegisterAgent(ctx, "admin", "mallory", d("-5"), ""); !errors.Is(err, governance.ErrInvalidConfiguration) {
		t.Errorf("negative power err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestCreateProposalRequiresVerifiedAgent(t *testing.T) {
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	if _, err := env.engine.RegisterAgent(ctx, "admin", "alice", d("100"), ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Unverified.
	if _, err := env.engine.CreateProposal(ctx, "alice", "0xt", d("0"), nil, "x"); !errors.Is(err, governance.ErrNotAuthorized) {
		t.Errorf("unverified create err = %v, want ErrNotAuthorized", err)
	}
	if _, err := env.engine.CreateProposal(ctx, "stranger", "0xt", d("0"), nil, "x"); !errors.Is(err, governance.ErrNotAuthorized) {
		t.Errorf("unknown agent create err = %v, want ErrNotAuthorized", err)
	}

	if err := env.engine.VerifyAgent(ctx, "admin", "alice"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	p, err := env.engine.CreateProposal(ctx, "alice", "0xt", d("0"), nil, "x")
	if err != nil {
		t.Fatalf("verified create: %v", err)
	}
	if p.ID != 1 {
		t.Errorf("first proposal id = %d, want 1", p.ID)
	}
	wantStart := env.clock.t.Add(time.Hour)
	if !p.VotingStarts.Equal(wantStart) {
		t.Errorf("voting starts = %v, want %v", p.VotingStarts, wantStart)
	}
	if !p.VotingEnds.Equal(wantStart.Add(24 * time.Hour)) {
		t.Errorf("voting ends = %v", p.VotingEnds)
	}

	// Deactivated agents lose proposal rights too.
	if err := env.engine.SetAgentActive(ctx, "admin", "alice", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := env.engine.CreateProposal(ctx, "alice", "0xt", d("0"), nil, "x"); !errors.Is(err, governance.ErrNotAuthorized) {
		t.Errorf("deactivated create err = %v, want ErrNotAuthorized", err)
	}
}

func TestProposalStateWindows(t *testing.T) {
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	env.seedAgent(t, "alice", "100")
	p, err := env.engine.CreateProposal(ctx, "alice", "0xt", d("0"), nil, "x")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if st, _ := env.engine.State(ctx, p.ID); st != governance.StatePending {
		t.Errorf("state before delay = %s, want pending", st)
	}
	env.clock.advance(time.Hour)
	if st, _ := env.engine.State(ctx, p.ID); st != governance.StateActive {
		t.Errorf("state in window = %s, want active", st)
	}
	env.clock.advance(24 * time.Hour)
	if st, _ := env.engine.State(ctx, p.ID); st != governance.StateDefeated {
		t.Errorf("ended with no votes = %s, want defeated", st)
	}
}

func TestCastVote(t *testing.T) {
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	env.seedAgent(t, "alice", "100")
	env.seedAgent(t, "bob", "60")
	id := env.openProposal(t, "alice")

	if err := env.engine.CastVote(ctx, "alice", id, model.VoteFor); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := env.engine.CastVote(ctx, "bob", id, model.VoteAgainst); err != nil {
		t.Fatalf("vote: %v", err)
	}

	p, err := env.engine.GetProposal(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !p.ForVotes.Equal(d("100")) || !p.AgainstVotes.Equal(d("60")) {
		t.Errorf("tallies = %s for / %s against, want 100/60", p.ForVotes, p.AgainstVotes)
	}

	if err := env.engine.CastVote(ctx, "alice", id, model.VoteAgainst); !errors.Is(err, governance.ErrAlreadyVoted) {
		t.Errorf("double vote err = %v, want ErrAlreadyVoted", err)
	}
	if err := env.engine.CastVote(ctx, "bob", id, "maybe"); !errors.Is(err, governance.ErrInvalidChoice) {
		t.Errorf("bogus choice err = %v, want ErrInvalidChoice", err)
	}
	if err := env.engine.CastVote(ctx, "bob", 99, model.VoteFor); !errors.Is(err, governance.ErrProposalNotFound) {
		t.Errorf("missing proposal err = %v, want ErrProposalNotFound", err)
	}
}

func TestCastVoteOutsideWindow(t *testing.T) {
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	env.seedAgent(t, "alice", "100")
	p, err := env.engine.CreateProposal(ctx, "alice", "0xt", d("0"), nil, "x")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Pending: voting has not started.
	if err := env.engine.CastVote(ctx, "alice", p.ID, model.VoteFor); !errors.Is(err, governance.ErrNotActive) {
		t.Errorf("pending vote err = %v, want ErrNotActive", err)
	}
	// Ended.
	env.clock.advance(26 * time.Hour)
	if err := env.engine.CastVote(ctx, "alice", p.ID, model.VoteFor); !errors.Is(err, governance.ErrNotActive) {
		t.Errorf("ended vote err = %v, want ErrNotActive", err)
	}
}

func TestVoteWeightFrozenAtCast(t *testing.T) {
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	env.seedAgent(t, "alice", "100")
	id := env.openProposal(t, "alice")

	if err := env.engine.CastVote(ctx, "alice", id, model.VoteFor); err != nil {
		t.Fatalf("vote: %v", err)
	}
	// Raising power afterwards does not touch the recorded tally.
	if err := env.engine.UpdateVotingPower(ctx, "admin", "alice", d("500")); err != nil {
		t.Fatalf("update power: %v", err)
	}

	p, err := env.engine.GetProposal(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !p.ForVotes.Equal(d("100")) {
		t.Errorf("for votes = %s, want 100 (weight at cast time)", p.ForVotes)
	}
}

func TestQuorum(t *testing.T) {
	// Total power 400, quorum 40%.
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	env.seedAgent(t, "alice", "170")
	env.seedAgent(t, "bob", "150")
	env.seedAgent(t, "carol", "80")
	id := env.openProposal(t, "alice")

	// 150/400 = 3750 bp: short of 4000.
	if err := env.engine.CastVote(ctx, "bob", id, model.VoteFor); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if ok, err := env.engine.HasReachedQuorum(ctx, id); err != nil || ok {
		t.Errorf("quorum at 3750bp = %v err=%v, want false", ok, err)
	}

	// 170 more: 320/400 = 8000 bp.
	if err := env.engine.CastVote(ctx, "alice", id, model.VoteAbstain); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if ok, err := env.engine.HasReachedQuorum(ctx, id); err != nil || !ok {
		t.Errorf("quorum at 8000bp = %v err=%v, want true", ok, err)
	}
}

func TestQuorumBoundary(t *testing.T) {
	// 170 of 400 participating is exactly 4250 bp >= 4000.
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	env.seedAgent(t, "alice", "170")
	env.seedAgent(t, "bob", "230")
	id := env.openProposal(t, "alice")

	if err := env.engine.CastVote(ctx, "alice", id, model.VoteFor); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if ok, err := env.engine.HasReachedQuorum(ctx, id); err != nil || !ok {
		t.Errorf("quorum at 4250bp = %v err=%v, want true", ok, err)
	}
}

func TestQuorumExactAtWeiScale(t *testing.T) {
	// Total power 10^17+1, quorum 1 bp. A 10^13-weight vote gives the exact
	// ratio floor(10^13*10^4/(10^17+1)) = 0 bp, just short of quorum. A
	// rounding division would report 1 bp and pass the proposal.
	params := defaultParams()
	params.QuorumBp = 1
	env := newTestEnv(t, params)
	ctx := context.Background()

	env.seedAgent(t, "alice", "10000000000000")
	env.seedAgent(t, "bob", "99990000000000001")
	id := env.openProposal(t, "alice")

	if err := env.engine.CastVote(ctx, "alice", id, model.VoteFor); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if ok, err := env.engine.HasReachedQuorum(ctx, id); err != nil || ok {
		t.Errorf("quorum below 1bp = %v err=%v, want false", ok, err)
	}

	// The same arithmetic decides resolution: the proposal must end
	// defeated, not executable.
	env.clock.advance(25 * time.Hour)
	if st, _ := env.engine.State(ctx, id); st != governance.StateDefeated {
		t.Errorf("state = %s, want defeated", st)
	}
	if err := env.engine.ExecuteProposal(ctx, "op", id); !errors.Is(err, governance.ErrNotSucceeded) {
		t.Errorf("execute err = %v, want ErrNotSucceeded", err)
	}
}

func TestQuorumExactEquality(t *testing.T) {
	// participation*10000 == total*quorumBp is reached, one unit less is not.
	params := defaultParams()
	params.QuorumBp = 4250
	env := newTestEnv(t, params)
	ctx := context.Background()

	env.seedAgent(t, "alice", "170")
	env.seedAgent(t, "bob", "230")
	id := env.openProposal(t, "alice")

	// 170/400 is exactly 4250 bp.
	if err := env.engine.CastVote(ctx, "alice", id, model.VoteFor); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if ok, err := env.engine.HasReachedQuorum(ctx, id); err != nil || !ok {
		t.Errorf("quorum at exactly 4250bp = %v err=%v, want true", ok, err)
	}
}

func TestExecuteProposal(t *testing.T) {
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	env.seedAgent(t, "alice", "300")
	env.seedAgent(t, "bob", "100")
	id := env.openProposal(t, "alice")

	if err := env.engine.CastVote(ctx, "alice", id, model.VoteFor); err != nil {
		t.Fatalf("vote: %v", err)
	}

	// Still active: not executable.
	if err := env.engine.ExecuteProposal(ctx, "op", id); !errors.Is(err, governance.ErrNotSucceeded) {
		t.Errorf("active execute err = %v, want ErrNotSucceeded", err)
	}

	env.clock.advance(25 * time.Hour)
	if st, _ := env.engine.State(ctx, id); st != governance.StateSucceeded {
		t.Fatalf("state = %s, want succeeded", st)
	}
	if err := env.engine.ExecuteProposal(ctx, "alice", id); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("agent execute err = %v, want ErrUnauthorized", err)
	}
	if err := env.engine.ExecuteProposal(ctx, "op", id); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st, _ := env.engine.State(ctx, id); st != governance.StateExecuted {
		t.Errorf("state = %s, want executed", st)
	}

	// Sticky flag: second execute and late cancel both fail.
	if err := env.engine.ExecuteProposal(ctx, "op", id); !errors.Is(err, governance.ErrAlreadyExecuted) {
		t.Errorf("repeat execute err = %v, want ErrAlreadyExecuted", err)
	}
	if err := env.engine.CancelProposal(ctx, "admin", id); !errors.Is(err, governance.ErrAlreadyExecuted) {
		t.Errorf("cancel after execute err = %v, want ErrAlreadyExecuted", err)
	}
}

func TestExecuteDefeatedProposal(t *testing.T) {
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	env.seedAgent(t, "alice", "100")
	env.seedAgent(t, "bob", "300")
	id := env.openProposal(t, "alice")

	// Quorum reached but against wins.
	if err := env.engine.CastVote(ctx, "alice", id, model.VoteFor); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := env.engine.CastVote(ctx, "bob", id, model.VoteAgainst); err != nil {
		t.Fatalf("vote: %v", err)
	}
	env.clock.advance(25 * time.Hour)

	if st, _ := env.engine.State(ctx, id); st != governance.StateDefeated {
		t.Fatalf("state = %s, want defeated", st)
	}
	if err := env.engine.ExecuteProposal(ctx, "op", id); !errors.Is(err, governance.ErrNotSucceeded) {
		t.Errorf("defeated execute err = %v, want ErrNotSucceeded", err)
	}
}

func TestCancelProposal(t *testing.T) {
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	env.seedAgent(t, "alice", "100")
	id := env.openProposal(t, "alice")

	if err := env.engine.CancelProposal(ctx, "alice", id); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("agent cancel err = %v, want ErrUnauthorized", err)
	}
	if err := env.engine.CancelProposal(ctx, "admin", id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st, _ := env.engine.State(ctx, id); st != governance.StateCanceled {
		t.Errorf("state = %s, want canceled", st)
	}
	if err := env.engine.CancelProposal(ctx, "admin", id); !errors.Is(err, governance.ErrAlreadyCancelled) {
		t.Errorf("repeat cancel err = %v, want ErrAlreadyCancelled", err)
	}
	if err := env.engine.CastVote(ctx, "alice", id, model.VoteFor); !errors.Is(err, governance.ErrNotActive) {
		t.Errorf("vote on canceled err = %v, want ErrNotActive", err)
	}
}

func TestConfigProposalTimelock(t *testing.T) {
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	payload := []byte(`{"market_cap_threshold":"250"}`)
	p, err := env.engine.ProposeConfigChange(ctx, "op", payload)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	wantAfter := env.clock.t.Add(48 * time.Hour)
	if !p.ExecuteAfter.Equal(wantAfter) {
		t.Errorf("execute after = %v, want %v", p.ExecuteAfter, wantAfter)
	}

	if err := env.engine.ExecuteConfigProposal(ctx, "op", p.ID); !errors.Is(err, governance.ErrTimelockNotExpired) {
		t.Errorf("early execute err = %v, want ErrTimelockNotExpired", err)
	}

	env.clock.advance(48 * time.Hour)
	if err := env.engine.ExecuteConfigProposal(ctx, "op", p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(env.applied) != 1 || string(env.applied[0]) != string(payload) {
		t.Errorf("executor applied %d payloads", len(env.applied))
	}
	if err := env.engine.ExecuteConfigProposal(ctx, "op", p.ID); !errors.Is(err, governance.ErrAlreadyExecuted) {
		t.Errorf("repeat execute err = %v, want ErrAlreadyExecuted", err)
	}
}

func TestConfigProposalCancel(t *testing.T) {
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	p, err := env.engine.ProposeConfigChange(ctx, "op", []byte(`{}`))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// The proposer may drop their own proposal; strangers may not.
	if err := env.engine.CancelConfigProposal(ctx, "stranger", p.ID); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("stranger cancel err = %v, want ErrUnauthorized", err)
	}
	if err := env.engine.CancelConfigProposal(ctx, "op", p.ID); err != nil {
		t.Fatalf("proposer cancel: %v", err)
	}

	env.clock.advance(72 * time.Hour)
	if err := env.engine.ExecuteConfigProposal(ctx, "op", p.ID); !errors.Is(err, governance.ErrAlreadyCancelled) {
		t.Errorf("execute cancelled err = %v, want ErrAlreadyCancelled", err)
	}
	if len(env.applied) != 0 {
		t.Errorf("executor ran on cancelled proposal")
	}
}

func TestConfigExecutorFailure(t *testing.T) {
	env := newTestEnv(t, defaultParams())
	ctx := context.Background()

	p, err := env.engine.ProposeConfigChange(ctx, "op", []byte(`{}`))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	env.clock.advance(49 * time.Hour)

	env.applyErr = errors.New("bad payload")
	if err := env.engine.ExecuteConfigProposal(ctx, "op", p.ID); err == nil {
		t.Fatal("executor failure not propagated")
	}

	// The proposal stays pending and can be retried.
	env.applyErr = nil
	if err := env.engine.ExecuteConfigProposal(ctx, "op", p.ID); err != nil {
		t.Errorf("retry after executor recovery: %v", err)
	}
}

func TestParamsValidation(t *testing.T) {
	st := store.NewMemoryStore()
	roles := access.NewRegistry("admin")

	bad := []governance.Params{
		{VotingDelay: time.Hour, VotingPeriod: 0, QuorumBp: 4000, Timelock: 48 * time.Hour},
		{VotingDelay: time.Hour, VotingPeriod: time.Hour, QuorumBp: 10001, Timelock: 48 * time.Hour},
		{VotingDelay: time.Hour, VotingPeriod: time.Hour, QuorumBp: 4000, Timelock: 30 * time.Minute},
		{VotingDelay: time.Hour, VotingPeriod: time.Hour, QuorumBp: 4000, Timelock: 8 * 24 * time.Hour},
	}
	for i, params := range bad {
		if _, err := governance.NewEngine(st, roles, safety.NewEmergency(), events.NewRecorder(st, nil), params, nil); !errors.Is(err, governance.ErrInvalidConfiguration) {
			t.Errorf("params %d: err = %v, want ErrInvalidConfiguration", i, err)
		}
	}

	// Zero timelock takes the default.
	eng, err := governance.NewEngine(st, roles, safety.NewEmergency(), events.NewRecorder(st, nil), governance.Params{
		VotingDelay:  time.Hour,
		VotingPeriod: time.Hour,
		QuorumBp:     4000,
	}, nil)
	if err != nil {
		t.Fatalf("default timelock: %v", err)
	}
	if got := eng.Params().Timelock; got != governance.DefaultTimelock {
		t.Errorf("timelock = %s, want %s", got, governance.DefaultTimelock)
	}
}

func TestEmergencyBlocksGovernance(t *testing.T) {
	st := store.NewMemoryStore()
	roles := access.NewRegistry("admin")
	if err := roles.Grant("admin", "op", access.RoleOperator); err != nil {
		t.Fatalf("grant: %v", err)
	}
	emergency := safety.NewEmergency()
	eng, err := governance.NewEngine(st, roles, emergency, events.NewRecorder(st, nil), defaultParams(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx := context.Background()

	emergency.Activate("emt", "halt")
	if _, err := eng.ProposeConfigChange(ctx, "op", []byte(`{}`)); !errors.Is(err, safety.ErrEmergencyActive) {
		t.Errorf("propose during emergency err = %v, want ErrEmergencyActive", err)
	}
	if _, err := eng.RegisterAgent(ctx, "admin", "alice", d("1"), ""); !errors.Is(err, safety.ErrEmergencyActive) {
		t.Errorf("register during emergency err = %v, want ErrEmergencyActive", err)
	}
}
