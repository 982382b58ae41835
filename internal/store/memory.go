package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/empowertours/flip-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. A single mutex serializes read-modify-write, which gives
// the same atomicity the Redis WATCH loop provides.
type MemoryStore struct {
	mu        sync.Mutex
	rounds    map[string]*model.Round
	currentID string
	history   []string
	stats     map[string]*model.AgentStats
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds: make(map[string]*model.Round),
		stats:  make(map[string]*model.AgentStats),
	}
}

func (s *MemoryStore) CurrentRound(_ context.Context) (*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentID == "" {
		return nil, ErrNoCurrentRound
	}
	r, ok := s.rounds[s.currentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoundNotFound, s.currentID)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) UpdateCurrentRound(_ context.Context, fn UpdateFunc) (*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *model.Round
	if s.currentID != "" {
		if r, ok := s.rounds[s.currentID]; ok {
			current = r.Clone()
		}
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	s.rounds[next.ID] = next.Clone()
	s.currentID = next.ID
	return next, nil
}

func (s *MemoryStore) GetRound(_ context.Context, id string) (*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoundNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) PushHistory(_ context.Context, roundID string, retain int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append([]string{roundID}, s.history...)
	if retain > 0 && len(s.history) > retain {
		s.history = s.history[:retain]
	}
	return nil
}

func (s *MemoryStore) RoundHistory(_ context.Context, limit int) ([]model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rounds := []model.Round{}
	for _, id := range s.history {
		if limit > 0 && len(rounds) >= limit {
			break
		}
		if r, ok := s.rounds[id]; ok {
			rounds = append(rounds, *r.Clone())
		}
	}
	return rounds, nil
}

func (s *MemoryStore) AgentStats(_ context.Context, address string) (*model.AgentStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.stats[address]; ok {
		cp := *st
		return &cp, nil
	}
	return NewAgentStats(address), nil
}

func (s *MemoryStore) UpdateAgentStats(_ context.Context, address string, fn StatsUpdateFunc) (*model.AgentStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[address]
	if !ok {
		st = NewAgentStats(address)
		s.stats[address] = st
	}
	fn(st)
	cp := *st
	return &cp, nil
}
