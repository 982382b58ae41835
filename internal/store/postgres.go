package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/empowertours/flip-engine/internal/model"
)

// roundLockID is the advisory lock key serializing current-round mutations.
const roundLockID = 0x666c6970 // "flip"

// PostgresStore implements Store on PostgreSQL. Round and stats records
// are stored as JSONB; mutations run inside a transaction holding an
// advisory lock, which serializes read-modify-write across instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rounds (
			id   TEXT PRIMARY KEY,
			data JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS current_round (
			singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
			round_id  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS round_history (
			position BIGSERIAL PRIMARY KEY,
			round_id TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS agent_stats (
			address TEXT PRIMARY KEY,
			data    JSONB NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate flip schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CurrentRound(ctx context.Context) (*model.Round, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT r.data FROM current_round c JOIN rounds r ON r.id = c.round_id`).
		Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoCurrentRound
	}
	if err != nil {
		return nil, fmt.Errorf("get current round: %w", err)
	}

	var r model.Round
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode current round: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) UpdateCurrentRound(ctx context.Context, fn UpdateFunc) (*model.Round, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin round update: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize all current-round mutations across instances.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, roundLockID); err != nil {
		return nil, fmt.Errorf("acquire round lock: %w", err)
	}

	var current *model.Round
	var data []byte
	err = tx.QueryRow(ctx,
		`SELECT r.data FROM current_round c JOIN rounds r ON r.id = c.round_id`).
		Scan(&data)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read current round: %w", err)
	}
	if err == nil {
		current = &model.Round{}
		if err := json.Unmarshal(data, current); err != nil {
			return nil, fmt.Errorf("decode current round: %w", err)
		}
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode round %s: %w", next.ID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO rounds (id, data) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
		next.ID, encoded); err != nil {
		return nil, fmt.Errorf("write round %s: %w", next.ID, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO current_round (singleton, round_id) VALUES (TRUE, $1)
		 ON CONFLICT (singleton) DO UPDATE SET round_id = EXCLUDED.round_id`,
		next.ID); err != nil {
		return nil, fmt.Errorf("write current pointer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit round update: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) GetRound(ctx context.Context, id string) (*model.Round, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM rounds WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRoundNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get round %s: %w", id, err)
	}

	var r model.Round
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode round %s: %w", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) PushHistory(ctx context.Context, roundID string, retain int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin history push: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO round_history (round_id) VALUES ($1)`, roundID); err != nil {
		return fmt.Errorf("push round history: %w", err)
	}
	if retain > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM round_history
			 WHERE position NOT IN (
			     SELECT position FROM round_history ORDER BY position DESC LIMIT $1
			 )`, retain); err != nil {
			return fmt.Errorf("trim round history: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RoundHistory(ctx context.Context, limit int) ([]model.Round, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT r.data
		 FROM round_history h JOIN rounds r ON r.id = h.round_id
		 ORDER BY h.position DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("read round history: %w", err)
	}
	defer rows.Close()

	rounds := []model.Round{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r model.Round
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode history round: %w", err)
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

func (s *PostgresStore) AgentStats(ctx context.Context, address string) (*model.AgentStats, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM agent_stats WHERE address = $1`, address).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return NewAgentStats(address), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stats %s: %w", address, err)
	}

	var st model.AgentStats
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode stats %s: %w", address, err)
	}
	return &st, nil
}

func (s *PostgresStore) UpdateAgentStats(ctx context.Context, address string, fn StatsUpdateFunc) (*model.AgentStats, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin stats update: %w", err)
	}
	defer tx.Rollback(ctx)

	// Per-agent advisory lock; hashtext keeps the key space bounded.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, address); err != nil {
		return nil, fmt.Errorf("acquire stats lock: %w", err)
	}

	st := NewAgentStats(address)
	var data []byte
	err = tx.QueryRow(ctx,
		`SELECT data FROM agent_stats WHERE address = $1`, address).Scan(&data)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read stats %s: %w", address, err)
	}
	if err == nil {
		if err := json.Unmarshal(data, st); err != nil {
			return nil, fmt.Errorf("decode stats %s: %w", address, err)
		}
	}

	fn(st)

	encoded, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode stats %s: %w", address, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_stats (address, data) VALUES ($1, $2)
		 ON CONFLICT (address) DO UPDATE SET data = EXCLUDED.data`,
		address, encoded); err != nil {
		return nil, fmt.Errorf("write stats %s: %w", address, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit stats update: %w", err)
	}
	return st, nil
}
