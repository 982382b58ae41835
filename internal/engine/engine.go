// Package engine owns the round lifecycle for the recurring parimutuel
// flip game: round creation and timing, the bet ledger, resolution, and
// per-agent statistics.
//
// The engine is the only writer of round state. Every mutation is a
// single read-modify-write against the store, so an operation either
// fully applies or not at all; there are no background timers — the
// betting window is evaluated lazily by comparing stored timestamps to
// the clock on each read, plus an external scheduler tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/empowertours/flip-engine/internal/agent"
	"github.com/empowertours/flip-engine/internal/config"
	"github.com/empowertours/flip-engine/internal/limits"
	"github.com/empowertours/flip-engine/internal/metrics"
	"github.com/empowertours/flip-engine/internal/model"
	"github.com/empowertours/flip-engine/internal/payout"
	"github.com/empowertours/flip-engine/internal/store"
)

var (
	// ErrBettingClosed is returned when a bet arrives for a round that is
	// no longer open.
	ErrBettingClosed = errors.New("engine: betting is closed for this round")

	// ErrBettingWindowEnded is returned when a bet arrives after the
	// round's closing time, even if the status has not yet advanced.
	ErrBettingWindowEnded = errors.New("engine: betting window has ended")

	// ErrDuplicateBet is returned when an agent already has a bet in the
	// current round.
	ErrDuplicateBet = errors.New("engine: agent already placed a bet this round")

	// ErrMissingTxRef is returned when resolution is attempted without a
	// flip transaction reference.
	ErrMissingTxRef = errors.New("engine: flip transaction reference required")
)

// Manager is the aggregate root for round state. All round and stats
// mutations go through its methods; callers never touch store keys.
type Manager struct {
	store  store.Store
	limits *limits.BetLimits

	bettingWindow    time.Duration
	consolationBase  decimal.Decimal
	consolationMax   int64
	historyRetention int
	poolPolicy       string

	// Now is the clock used for round timing. Overridable in tests.
	Now func() time.Time
}

// NewManager creates a round manager on the given store with the
// engine constants from cfg.
func NewManager(st store.Store, cfg config.Config) *Manager {
	return &Manager{
		store:            st,
		limits:           limits.New(cfg.MinBet, cfg.MaxBet),
		bettingWindow:    cfg.BettingWindow,
		consolationBase:  cfg.ConsolationBase,
		consolationMax:   cfg.ConsolationMaxMult,
		historyRetention: cfg.HistoryRetention,
		poolPolicy:       cfg.UnclaimedPoolPolicy,
		Now:              time.Now,
	}
}

// newRound builds a fresh open round starting at now. When the previous
// round started in the same hour bucket, the bucket id is already taken
// by it or by an earlier archive from that hour (rounds are only ever
// created as current, so every record in the bucket is an ancestor of
// prev), and the id falls back to seconds resolution so no archived
// record is overwritten.
func (m *Manager) newRound(now time.Time, prev *model.Round) *model.Round {
	id := model.RoundID(now)
	if prev != nil && model.RoundID(prev.StartedAt) == id {
		id = "round-" + now.UTC().Format("20060102-150405")
	}
	return &model.Round{
		ID:         id,
		Status:     model.StatusOpen,
		StartedAt:  now.UTC(),
		ClosesAt:   now.UTC().Add(m.bettingWindow),
		Bets:       []model.Bet{},
		TotalHeads: decimal.Zero,
		TotalTails: decimal.Zero,
	}
}

// advance applies the implicit transitions to the stored round: create a
// fresh round when none exists or the last one resolved, and lazily close
// an open round whose window has ended. Returns the effective round and
// whether it differs from what is stored.
func (m *Manager) advance(current *model.Round, now time.Time) (*model.Round, bool) {
	if current == nil || current.Status == model.StatusResolved {
		return m.newRound(now, current), true
	}
	if current.Status == model.StatusOpen && now.After(current.ClosesAt) {
		closed := current.Clone()
		closed.Status = model.StatusClosed
		return closed, true
	}
	return current, false
}

// CurrentRound returns the single current round, creating one if none
// exists or the stored one is resolved, and lazily advancing an expired
// open round to closed.
func (m *Manager) CurrentRound(ctx context.Context) (*model.Round, error) {
	now := m.Now()
	return m.store.UpdateCurrentRound(ctx, func(current *model.Round) (*model.Round, error) {
		next, changed := m.advance(current, now)
		if !changed {
			return nil, nil
		}
		if current == nil || current.Status == model.StatusResolved {
			slog.Info("round started", "round_id", next.ID, "closes_at", next.ClosesAt)
		} else {
			slog.Info("round closed by window expiry", "round_id", next.ID)
		}
		return next, nil
	})
}

// PlaceBet validates and records one agent's wager in the current round.
// This is the only place bets are created. The duplicate check, the bet
// append, and the side-total update happen inside one atomic store write.
func (m *Manager) PlaceBet(ctx context.Context, address, name, prediction string, amount decimal.Decimal) (*model.Bet, error) {
	addr, err := agent.Normalize(address)
	if err != nil {
		return nil, err
	}
	side, err := model.ParseOutcome(prediction)
	if err != nil {
		return nil, err
	}
	if err := m.limits.Check(amount); err != nil {
		return nil, err
	}

	now := m.Now()
	var placed *model.Bet

	_, err = m.store.UpdateCurrentRound(ctx, func(current *model.Round) (*model.Round, error) {
		// An open round whose window has passed rejects with the window
		// error before the lazy close can relabel it as merely closed.
		if current != nil && current.Status == model.StatusOpen && now.After(current.ClosesAt) {
			return nil, fmt.Errorf("%w: round %s closed at %s", ErrBettingWindowEnded, current.ID, current.ClosesAt)
		}
		r, _ := m.advance(current, now)
		if r.Status != model.StatusOpen {
			return nil, fmt.Errorf("%w: round %s is %s", ErrBettingClosed, r.ID, r.Status)
		}
		if r.BetFor(addr) != nil {
			return nil, fmt.Errorf("%w: %s in round %s", ErrDuplicateBet, addr, r.ID)
		}

		r = r.Clone()
		bet := model.Bet{
			ID:           uuid.New().String(),
			RoundID:      r.ID,
			AgentAddress: addr,
			AgentName:    name,
			Prediction:   side,
			Amount:       amount,
			PlacedAt:     now.UTC(),
		}
		r.Bets = append(r.Bets, bet)
		if side == model.OutcomeHeads {
			r.TotalHeads = r.TotalHeads.Add(amount)
		} else {
			r.TotalTails = r.TotalTails.Add(amount)
		}
		placed = &bet
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.BetsTotal.WithLabelValues(string(side)).Inc()
	slog.Info("bet placed",
		"bet_id", placed.ID,
		"round_id", placed.RoundID,
		"agent", addr,
		"prediction", side,
		"amount", amount.String(),
	)
	return placed, nil
}

// CloseBetting transitions the current round open → closed. Returns nil
// with no error when the round is not open (nothing needed to happen).
func (m *Manager) CloseBetting(ctx context.Context) (*model.Round, error) {
	return m.transition(ctx, model.StatusOpen, model.StatusClosed)
}

// MarkExecuting transitions closed → executing, marking that the external
// flip transaction is in flight. Nil round means no-op.
func (m *Manager) MarkExecuting(ctx context.Context) (*model.Round, error) {
	return m.transition(ctx, model.StatusClosed, model.StatusExecuting)
}

func (m *Manager) transition(ctx context.Context, from, to string) (*model.Round, error) {
	var applied *model.Round
	_, err := m.store.UpdateCurrentRound(ctx, func(current *model.Round) (*model.Round, error) {
		if current == nil || current.Status != from {
			return nil, nil
		}
		next := current.Clone()
		next.Status = to
		applied = next
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	if applied != nil {
		slog.Info("round "+to, "round_id", applied.ID)
	}
	return applied, nil
}

// ResolveRound settles the current round with the externally supplied
// outcome and flip transaction reference. Valid only from closed or
// executing; a repeat call (or a call on an open round) is a nil no-op,
// so a retried cron trigger cannot settle twice. On success the round id
// is pushed onto the bounded history list and every participant's stats
// are updated.
func (m *Manager) ResolveRound(ctx context.Context, outcome, txRef string) (*model.RoundResult, error) {
	out, err := model.ParseOutcome(outcome)
	if err != nil {
		return nil, err
	}
	if txRef == "" {
		return nil, ErrMissingTxRef
	}

	now := m.Now().UTC()
	var result *model.RoundResult
	var resolved *model.Round

	_, err = m.store.UpdateCurrentRound(ctx, func(current *model.Round) (*model.Round, error) {
		if current == nil ||
			current.Status == model.StatusResolved ||
			current.Status == model.StatusOpen {
			return nil, nil
		}

		r := current.Clone()
		r.Status = model.StatusResolved
		r.Result = out
		r.FlipTxHash = txRef
		r.ResolvedAt = &now

		s := payout.Settle(r, out)
		result = &model.RoundResult{
			RoundID:       r.ID,
			Result:        out,
			FlipTxHash:    txRef,
			TotalPool:     r.TotalPool(),
			HeadsBets:     s.HeadsBets,
			TailsBets:     s.TailsBets,
			Winners:       s.Winners,
			Losers:        s.Losers,
			Consolations:  payout.ConsolationPrizes(r, out, txRef, m.consolationBase, m.consolationMax),
			UnclaimedPool: s.UnclaimedPool,
			Dust:          s.Dust,
			PoolPolicy:    m.poolPolicy,
			ResolvedAt:    now,
		}
		resolved = r
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	if err := m.store.PushHistory(ctx, result.RoundID, m.historyRetention); err != nil {
		slog.Error("push round history failed", "round_id", result.RoundID, "err", err)
	}

	metrics.RoundsResolvedTotal.WithLabelValues(string(out)).Inc()
	metrics.PoolDistributed.Add(result.TotalPool.InexactFloat64())
	slog.Info("round resolved",
		"round_id", result.RoundID,
		"result", out,
		"tx", txRef,
		"pool", result.TotalPool.String(),
		"winners", len(result.Winners),
		"losers", len(result.Losers),
	)

	return result, m.applyStats(ctx, resolved, result)
}

// applyStats records the per-agent outcome of a resolved round: winners
// get their payout added, losers get a loss with zero won.
func (m *Manager) applyStats(ctx context.Context, round *model.Round, result *model.RoundResult) error {
	var errs []error
	for _, w := range result.Winners {
		if err := m.UpdateAgentStats(ctx, w.AgentAddress, true, w.BetAmount, w.TotalPayout); err != nil {
			errs = append(errs, fmt.Errorf("stats for winner %s: %w", w.AgentAddress, err))
		}
	}
	for _, addr := range result.Losers {
		bet := round.BetFor(addr)
		if bet == nil {
			continue
		}
		if err := m.UpdateAgentStats(ctx, addr, false, bet.Amount, decimal.Zero); err != nil {
			errs = append(errs, fmt.Errorf("stats for loser %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// ForceResetRound is the administrative escape hatch for a round stuck in
// closed or executing (for example when the flip transaction never
// confirmed). The stuck round is archived as resolved with no result,
// then a fresh open round is created. Safe to call at any time: if the
// round resolved normally in the meantime, the archive step is skipped
// and the legitimate result is preserved.
func (m *Manager) ForceResetRound(ctx context.Context) (*model.Round, error) {
	now := m.Now()
	var archivedID string

	_, err := m.store.UpdateCurrentRound(ctx, func(current *model.Round) (*model.Round, error) {
		// Re-check status here, inside the critical section: a normal
		// resolution that landed first must not be discarded.
		if current == nil || current.Status == model.StatusResolved {
			return nil, nil
		}
		r := current.Clone()
		resolvedAt := now.UTC()
		r.Status = model.StatusResolved
		r.ResolvedAt = &resolvedAt
		archivedID = r.ID
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	if archivedID != "" {
		if err := m.store.PushHistory(ctx, archivedID, m.historyRetention); err != nil {
			slog.Error("push round history failed", "round_id", archivedID, "err", err)
		}
		metrics.RoundsForceReset.Inc()
		slog.Warn("round force reset", "round_id", archivedID)
	}

	return m.NewRound(ctx)
}

// NewRound unconditionally replaces the current round with a fresh open
// one. The id is the hour bucket of now, so a racing duplicate creation
// converges on the same record shape (last write wins).
func (m *Manager) NewRound(ctx context.Context) (*model.Round, error) {
	now := m.Now()
	round, err := m.store.UpdateCurrentRound(ctx, func(current *model.Round) (*model.Round, error) {
		return m.newRound(now, current), nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("round started", "round_id", round.ID, "closes_at", round.ClosesAt)
	return round, nil
}

// GetRound retrieves a round by id.
func (m *Manager) GetRound(ctx context.Context, id string) (*model.Round, error) {
	return m.store.GetRound(ctx, id)
}

// RoundHistory returns up to limit resolved rounds, most recent first.
func (m *Manager) RoundHistory(ctx context.Context, limit int) ([]model.Round, error) {
	if limit <= 0 || limit > m.historyRetention {
		limit = m.historyRetention
	}
	return m.store.RoundHistory(ctx, limit)
}

// AgentStats returns an agent's running aggregate, zeroed if the agent
// has never bet.
func (m *Manager) AgentStats(ctx context.Context, address string) (*model.AgentStats, error) {
	addr, err := agent.Normalize(address)
	if err != nil {
		return nil, err
	}
	return m.store.AgentStats(ctx, addr)
}

// UpdateAgentStats applies one round's outcome to an agent's aggregate:
// total bets always increments, wagered always accumulates; a win adds
// the payout to total won, a loss increments losses.
func (m *Manager) UpdateAgentStats(ctx context.Context, address string, won bool, wagered, payoutAmount decimal.Decimal) error {
	addr, err := agent.Normalize(address)
	if err != nil {
		return err
	}
	_, err = m.store.UpdateAgentStats(ctx, addr, func(st *model.AgentStats) {
		st.TotalBets++
		st.TotalWagered = st.TotalWagered.Add(wagered)
		if won {
			st.Wins++
			st.TotalWon = st.TotalWon.Add(payoutAmount)
		} else {
			st.Losses++
		}
	})
	return err
}
