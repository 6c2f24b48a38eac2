package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/curvelaunch/graduation-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All magnitudes are stored as NUMERIC for exact decimal precision and
// round-tripped as TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func mapPgErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, what)
	}
	return err
}

// --- Token registrations ---

func (s *PostgresStore) CreateToken(ctx context.Context, t *model.TokenRegistration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tokens (address, creator, token_reserve, eth_reserve, market_cap, graduated, registered_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		t.Address, t.Creator,
		t.TokenReserve.String(), t.EthReserve.String(), t.MarketCap.String(),
		t.Graduated, t.RegisteredAt, t.UpdatedAt,
	)
	return mapPgErr(err, "token "+t.Address)
}

func (s *PostgresStore) GetToken(ctx context.Context, address string) (*model.TokenRegistration, error) {
	var t model.TokenRegistration
	var tokenReserve, ethReserve, marketCap string

	err := s.pool.QueryRow(ctx,
		`SELECT address, creator,
		        token_reserve::TEXT, eth_reserve::TEXT, market_cap::TEXT,
		        graduated, registered_at, updated_at
		 FROM tokens WHERE address = $1`, address).
		Scan(&t.Address, &t.Creator,
			&tokenReserve, &ethReserve, &marketCap,
			&t.Graduated, &t.RegisteredAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapPgErr(err, "token "+address)
	}

	t.TokenReserve, _ = decimal.NewFromString(tokenReserve)
	t.EthReserve, _ = decimal.NewFromString(ethReserve)
	t.MarketCap, _ = decimal.NewFromString(marketCap)

	return &t, nil
}

func (s *PostgresStore) ListTokens(ctx context.Context) ([]model.TokenRegistration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, creator,
		        token_reserve::TEXT, eth_reserve::TEXT, market_cap::TEXT,
		        graduated, registered_at, updated_at
		 FROM tokens ORDER BY registered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []model.TokenRegistration
	for rows.Next() {
		var t model.TokenRegistration
		var tokenReserve, ethReserve, marketCap string
		if err := rows.Scan(&t.Address, &t.Creator,
			&tokenReserve, &ethReserve, &marketCap,
			&t.Graduated, &t.RegisteredAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.TokenReserve, _ = decimal.NewFromString(tokenReserve)
		t.EthReserve, _ = decimal.NewFromString(ethReserve)
		t.MarketCap, _ = decimal.NewFromString(marketCap)
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *PostgresStore) UpdateTokenReserves(ctx context.Context, address string, tokenReserve, ethReserve, marketCap decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tokens
		 SET token_reserve = $2::NUMERIC, eth_reserve = $3::NUMERIC,
		     market_cap = $4::NUMERIC, updated_at = NOW()
		 WHERE address = $1`,
		address, tokenReserve.String(), ethReserve.String(), marketCap.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: token %s", ErrNotFound, address)
	}
	return nil
}

// --- Graduation records ---

func (s *PostgresStore) CommitGraduation(ctx context.Context, rec *model.GraduationRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO graduations (token_address, pair, graduated_at, lp_amount, lp_recipient, unlock_time, unlocked, used_token, used_eth)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8::NUMERIC, $9::NUMERIC)`,
		rec.TokenAddress, rec.Pair, rec.GraduatedAt,
		rec.LPAmount.String(), rec.LPRecipient, rec.UnlockTime, rec.Unlocked,
		rec.UsedToken.String(), rec.UsedEth.String(),
	)
	if err != nil {
		return mapPgErr(err, "graduation for "+rec.TokenAddress)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE tokens
		 SET graduated = TRUE, token_reserve = 0, eth_reserve = 0, updated_at = NOW()
		 WHERE address = $1`, rec.TokenAddress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: token %s", ErrNotFound, rec.TokenAddress)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetGraduation(ctx context.Context, tokenAddress string) (*model.GraduationRecord, error) {
	var rec model.GraduationRecord
	var lpAmount, usedToken, usedEth string

	err := s.pool.QueryRow(ctx,
		`SELECT token_address, pair, graduated_at,
		        lp_amount::TEXT, lp_recipient, unlock_time, unlocked,
		        used_token::TEXT, used_eth::TEXT
		 FROM graduations WHERE token_address = $1`, tokenAddress).
		Scan(&rec.TokenAddress, &rec.Pair, &rec.GraduatedAt,
			&lpAmount, &rec.LPRecipient, &rec.UnlockTime, &rec.Unlocked,
			&usedToken, &usedEth)
	if err != nil {
		return nil, mapPgErr(err, "graduation for "+tokenAddress)
	}

	rec.LPAmount, _ = decimal.NewFromString(lpAmount)
	rec.UsedToken, _ = decimal.NewFromString(usedToken)
	rec.UsedEth, _ = decimal.NewFromString(usedEth)

	return &rec, nil
}

func (s *PostgresStore) MarkUnlocked(ctx context.Context, tokenAddress string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE graduations SET lp_amount = 0, unlocked = TRUE WHERE token_address = $1`,
		tokenAddress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: graduation for %s", ErrNotFound, tokenAddress)
	}
	return nil
}

// --- Governance agents ---

func (s *PostgresStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (address, voting_power, verified, active, metadata, registered_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6)`,
		a.Address, a.VotingPower.String(), a.Verified, a.Active, a.Metadata, a.RegisteredAt,
	)
	return mapPgErr(err, "agent "+a.Address)
}

func (s *PostgresStore) GetAgent(ctx context.Context, address string) (*model.Agent, error) {
	var a model.Agent
	var power string

	err := s.pool.QueryRow(ctx,
		`SELECT address, voting_power::TEXT, verified, active, metadata, registered_at
		 FROM agents WHERE address = $1`, address).
		Scan(&a.Address, &power, &a.Verified, &a.Active, &a.Metadata, &a.RegisteredAt)
	if err != nil {
		return nil, mapPgErr(err, "agent "+address)
	}

	a.VotingPower, _ = decimal.NewFromString(power)
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, voting_power::TEXT, verified, active, metadata, registered_at
		 FROM agents ORDER BY registered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		var power string
		if err := rows.Scan(&a.Address, &power, &a.Verified, &a.Active, &a.Metadata, &a.RegisteredAt); err != nil {
			return nil, err
		}
		a.VotingPower, _ = decimal.NewFromString(power)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) SetAgentVerified(ctx context.Context, address string) error {
	return s.updateAgent(ctx, address, `UPDATE agents SET verified = TRUE WHERE address = $1`)
}

func (s *PostgresStore) SetAgentActive(ctx context.Context, address string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET active = $2 WHERE address = $1`, address, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, address)
	}
	return nil
}

func (s *PostgresStore) UpdateAgentPower(ctx context.Context, address string, power decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET voting_power = $2::NUMERIC WHERE address = $1`,
		address, power.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, address)
	}
	return nil
}

func (s *PostgresStore) updateAgent(ctx context.Context, address, sql string) error {
	tag, err := s.pool.Exec(ctx, sql, address)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, address)
	}
	return nil
}

func (s *PostgresStore) TotalVotingPower(ctx context.Context) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(voting_power), 0)::TEXT FROM agents WHERE verified AND active`).
		Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	power, _ := decimal.NewFromString(total)
	return power, nil
}

// --- Voting proposals ---

func (s *PostgresStore) CreateProposal(ctx context.Context, p *model.Proposal) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO proposals (proposer, target, value, calldata, description,
		                        created_at, voting_starts, voting_ends,
		                        for_votes, against_votes, abstain_votes, executed, canceled)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, 0, 0, 0, FALSE, FALSE)
		 RETURNING id`,
		p.Proposer, p.Target, p.Value.String(), p.Calldata, p.Description,
		p.CreatedAt, p.VotingStarts, p.VotingEnds,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, id int64) (*model.Proposal, error) {
	var p model.Proposal
	var value, forVotes, againstVotes, abstainVotes string

	err := s.pool.QueryRow(ctx,
		`SELECT id, proposer, target, value::TEXT, calldata, description,
		        created_at, voting_starts, voting_ends,
		        for_votes::TEXT, against_votes::TEXT, abstain_votes::TEXT,
		        executed, canceled
		 FROM proposals WHERE id = $1`, id).
		Scan(&p.ID, &p.Proposer, &p.Target, &value, &p.Calldata, &p.Description,
			&p.CreatedAt, &p.VotingStarts, &p.VotingEnds,
			&forVotes, &againstVotes, &abstainVotes,
			&p.Executed, &p.Canceled)
	if err != nil {
		return nil, mapPgErr(err, fmt.Sprintf("proposal %d", id))
	}

	p.Value, _ = decimal.NewFromString(value)
	p.ForVotes, _ = decimal.NewFromString(forVotes)
	p.AgainstVotes, _ = decimal.NewFromString(againstVotes)
	p.AbstainVotes, _ = decimal.NewFromString(abstainVotes)

	return &p, nil
}

func (s *PostgresStore) HasVoted(ctx context.Context, id int64, voter string) (bool, error) {
	var voted bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM proposal_votes WHERE proposal_id = $1 AND voter = $2)`,
		id, voter).Scan(&voted)
	return voted, err
}

func (s *PostgresStore) RecordVote(ctx context.Context, id int64, voter string, choice model.VoteChoice, weight decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO proposal_votes (proposal_id, voter, choice, weight)
		 VALUES ($1, $2, $3, $4::NUMERIC)`,
		id, voter, string(choice), weight.String())
	if err != nil {
		return mapPgErr(err, fmt.Sprintf("vote by %s on proposal %d", voter, id))
	}

	var column string
	switch choice {
	case model.VoteFor:
		column = "for_votes"
	case model.VoteAgainst:
		column = "against_votes"
	default:
		column = "abstain_votes"
	}

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE proposals SET %s = %s + $2::NUMERIC WHERE id = $1`, column, column),
		id, weight.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: proposal %d", ErrNotFound, id)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) SetProposalExecuted(ctx context.Context, id int64) error {
	return s.flagProposal(ctx, id, `UPDATE proposals SET executed = TRUE WHERE id = $1`)
}

func (s *PostgresStore) SetProposalCanceled(ctx context.Context, id int64) error {
	return s.flagProposal(ctx, id, `UPDATE proposals SET canceled = TRUE WHERE id = $1`)
}

func (s *PostgresStore) flagProposal(ctx context.Context, id int64, sql string) error {
	tag, err := s.pool.Exec(ctx, sql, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: proposal %d", ErrNotFound, id)
	}
	return nil
}

// --- Timelocked config proposals ---

func (s *PostgresStore) CreateConfigProposal(ctx context.Context, p *model.ConfigProposal) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO config_proposals (proposer, payload, proposed_at, execute_after, executed, cancelled)
		 VALUES ($1, $2, $3, $4, FALSE, FALSE)
		 RETURNING id`,
		p.Proposer, p.Payload, p.ProposedAt, p.ExecuteAfter,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *PostgresStore) GetConfigProposal(ctx context.Context, id int64) (*model.ConfigProposal, error) {
	var p model.ConfigProposal
	err := s.pool.QueryRow(ctx,
		`SELECT id, proposer, payload, proposed_at, execute_after, executed, cancelled
		 FROM config_proposals WHERE id = $1`, id).
		Scan(&p.ID, &p.Proposer, &p.Payload, &p.ProposedAt, &p.ExecuteAfter, &p.Executed, &p.Cancelled)
	if err != nil {
		return nil, mapPgErr(err, fmt.Sprintf("config proposal %d", id))
	}
	return &p, nil
}

func (s *PostgresStore) SetConfigProposalExecuted(ctx context.Context, id int64) error {
	return s.flagConfigProposal(ctx, id, `UPDATE config_proposals SET executed = TRUE WHERE id = $1`)
}

func (s *PostgresStore) SetConfigProposalCancelled(ctx context.Context, id int64) error {
	return s.flagConfigProposal(ctx, id, `UPDATE config_proposals SET cancelled = TRUE WHERE id = $1`)
}

func (s *PostgresStore) flagConfigProposal(ctx context.Context, id int64, sql string) error {
	tag, err := s.pool.Exec(ctx, sql, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: config proposal %d", ErrNotFound, id)
	}
	return nil
}

// --- Immutable event log ---

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *model.Event) error {
	fields, err := json.Marshal(ev.Fields)
	if err != nil {
		return err
	}

	return s.pool.QueryRow(ctx,
		`INSERT INTO events (id, type, subject, fields, timestamp)
		 VALUES ($1, $2, $3, $4::JSONB, $5)
		 RETURNING seq`,
		ev.ID, ev.Type, ev.Subject, fields, ev.Timestamp,
	).Scan(&ev.Seq)
}

func (s *PostgresStore) ListEvents(ctx context.Context, sinceSeq int64) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, type, subject, fields, timestamp
		 FROM events WHERE seq > $1 ORDER BY seq`, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var fields []byte
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.Type, &ev.Subject, &fields, &ev.Timestamp); err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &ev.Fields); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
