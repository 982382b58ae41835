// Package scheduler drives round timing on a fixed cadence.
//
// The engine evaluates the betting window lazily on reads, so a round
// with no traffic would never formally close. The cron tick makes the
// cadence explicit: each tick reads the current round, which closes an
// expired window and opens the next round after resolution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/empowertours/flip-engine/internal/engine"
)

// Scheduler runs the periodic round tick.
type Scheduler struct {
	cron   *cron.Cron
	engine *engine.Manager
}

// New creates a scheduler around the engine.
func New(m *engine.Manager) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		engine: m,
	}
}

// Register adds the round tick at the given cron spec (with seconds).
func (s *Scheduler) Register(tickSpec string) error {
	if _, err := s.cron.AddFunc(tickSpec, s.tick); err != nil {
		return fmt.Errorf("register round tick: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop stops the cron scheduler and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	round, err := s.engine.CurrentRound(ctx)
	if err != nil {
		slog.Error("round tick failed", "err", err)
		return
	}
	slog.Debug("round tick", "round_id", round.ID, "status", round.Status)
}
