package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/empowertours/flip-engine/internal/model"
)

// maxTxRetries bounds the WATCH retry loop. Exceeding it surfaces
// ErrConflict so the caller can retry the whole operation.
const maxTxRetries = 10

// RedisStore implements Store on a Redis key-value backend.
//
// Keys:
//
//	flip:round:current     → id of the current round
//	flip:round:{id}        → JSON round record
//	flip:round:history     → list of resolved round ids, most recent first
//	flip:agent:stats:{addr} → JSON stats record
//
// Redis has no multi-key transactions in the SQL sense, so mutations use
// WATCH on the current pointer plus MULTI/EXEC: if another writer touches
// the watched key between read and write, the transaction fails and the
// whole read-modify-write is retried.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

const (
	currentKey = "flip:round:current"
	historyKey = "flip:round:history"
)

func roundKey(id string) string { return "flip:round:" + id }

func statsKey(addr string) string { return "flip:agent:stats:" + addr }

func (s *RedisStore) CurrentRound(ctx context.Context) (*model.Round, error) {
	id, err := s.rdb.Get(ctx, currentKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCurrentRound
	}
	if err != nil {
		return nil, fmt.Errorf("get current round pointer: %w", err)
	}
	return s.GetRound(ctx, id)
}

func (s *RedisStore) UpdateCurrentRound(ctx context.Context, fn UpdateFunc) (*model.Round, error) {
	var out *model.Round

	txn := func(tx *redis.Tx) error {
		var current *model.Round

		id, err := tx.Get(ctx, currentKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// No round yet; fn sees nil.
		case err != nil:
			return fmt.Errorf("get current round pointer: %w", err)
		default:
			data, err := tx.Get(ctx, roundKey(id)).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("get round %s: %w", id, err)
			}
			if err == nil {
				current = &model.Round{}
				if err := json.Unmarshal(data, current); err != nil {
					return fmt.Errorf("decode round %s: %w", id, err)
				}
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			out = current
			return nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode round %s: %w", next.ID, err)
		}

		// Round record and current pointer land in one MULTI/EXEC, so
		// readers never observe one without the other.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, roundKey(next.ID), data, 0)
			pipe.Set(ctx, currentKey, next.ID, 0)
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txn, currentKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue // lost the race, re-read and retry
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}

func (s *RedisStore) GetRound(ctx context.Context, id string) (*model.Round, error) {
	data, err := s.rdb.Get(ctx, roundKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
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

func (s *RedisStore) PushHistory(ctx context.Context, roundID string, retain int) error {
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, historyKey, roundID)
	if retain > 0 {
		pipe.LTrim(ctx, historyKey, 0, int64(retain-1))
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("push round history: %w", err)
	}
	return nil
}

func (s *RedisStore) RoundHistory(ctx context.Context, limit int) ([]model.Round, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.rdb.LRange(ctx, historyKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read round history: %w", err)
	}

	rounds := []model.Round{}
	for _, id := range ids {
		r, err := s.GetRound(ctx, id)
		if errors.Is(err, ErrRoundNotFound) {
			continue // evicted record, skip
		}
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *r)
	}
	return rounds, nil
}

func (s *RedisStore) AgentStats(ctx context.Context, address string) (*model.AgentStats, error) {
	data, err := s.rdb.Get(ctx, statsKey(address)).Bytes()
	if errors.Is(err, redis.Nil) {
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

func (s *RedisStore) UpdateAgentStats(ctx context.Context, address string, fn StatsUpdateFunc) (*model.AgentStats, error) {
	var out *model.AgentStats
	key := statsKey(address)

	txn := func(tx *redis.Tx) error {
		st := NewAgentStats(address)
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("get stats %s: %w", address, err)
		}
		if err == nil {
			if err := json.Unmarshal(data, st); err != nil {
				return fmt.Errorf("decode stats %s: %w", address, err)
			}
		}

		fn(st)

		encoded, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode stats %s: %w", address, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err != nil {
			return err
		}
		out = st
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}
