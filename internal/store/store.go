// Package store defines the persistence interface for the flip engine.
// Implementations include Redis (the primary key-value backend),
// PostgreSQL (durable alternative), and in-memory (for testing).
//
// The backing stores offer no multi-key transactions, so every mutation
// goes through an atomic read-modify-write: the engine passes a closure
// and the store guarantees the update either fully applies against the
// state the closure saw, or not at all. Redis uses WATCH/MULTI optimistic
// transactions with bounded retry; Postgres uses a row lock; the memory
// store uses a mutex.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/empowertours/flip-engine/internal/model"
)

var (
	// ErrNoCurrentRound is returned when no round has ever been created.
	ErrNoCurrentRound = errors.New("store: no current round")

	// ErrRoundNotFound is returned when a round id has no record.
	ErrRoundNotFound = errors.New("store: round not found")

	// ErrConflict is returned when an optimistic write keeps losing the
	// race after exhausting retries. Callers may retry the whole operation.
	ErrConflict = errors.New("store: concurrent modification, retries exhausted")
)

// UpdateFunc inspects the current round (nil if none exists yet) and
// returns the round to persist. Returning (nil, nil) means no write is
// needed; returning an error aborts the update with nothing persisted.
type UpdateFunc func(current *model.Round) (*model.Round, error)

// StatsUpdateFunc mutates an agent's stats in place. The store seeds
// zeroed stats when the agent has none yet.
type StatsUpdateFunc func(stats *model.AgentStats)

// Store is the persistence interface for rounds, bets (embedded in their
// round), round history, and agent statistics.
type Store interface {
	// CurrentRound returns the round the current pointer references.
	CurrentRound(ctx context.Context) (*model.Round, error)

	// UpdateCurrentRound atomically applies fn to the current round and
	// persists the result as both the current-round pointer and the
	// round's own keyed record, in the same logical step.
	UpdateCurrentRound(ctx context.Context, fn UpdateFunc) (*model.Round, error)

	// GetRound retrieves a round by id.
	GetRound(ctx context.Context, id string) (*model.Round, error)

	// PushHistory prepends a round id to the history list, evicting
	// entries beyond retain (most-recent-first).
	PushHistory(ctx context.Context, roundID string, retain int) error

	// RoundHistory returns up to limit resolved rounds, most recent first.
	RoundHistory(ctx context.Context, limit int) ([]model.Round, error)

	// AgentStats returns the running aggregate for a normalized address,
	// zeroed if the agent has never bet.
	AgentStats(ctx context.Context, address string) (*model.AgentStats, error)

	// UpdateAgentStats atomically applies fn to the agent's stats.
	UpdateAgentStats(ctx context.Context, address string, fn StatsUpdateFunc) (*model.AgentStats, error)
}

// NewAgentStats returns zeroed stats for an address.
func NewAgentStats(address string) *model.AgentStats {
	return &model.AgentStats{
		AgentAddress: address,
		TotalWagered: decimal.Zero,
		TotalWon:     decimal.Zero,
	}
}
