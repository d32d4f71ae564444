// Package scheduler tracks step escalation deadlines and notifies the runner
// when one falls due. It holds at most one timer per (instance, step)
// activation and never advances a workflow itself.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/accessworks/adaptflow/model"
)

const dueSetKey = "esc:due"

// TimerStore persists escalation timers. Cancel is idempotent: cancelling an
// absent or already-fired timer is not an error.
type TimerStore interface {
	// Schedule installs or replaces the timer for (instanceID, stepID).
	Schedule(ctx context.Context, timer model.EscalationTimer) error

	// Cancel removes the timer for (instanceID, stepID), if present.
	Cancel(ctx context.Context, instanceID, stepID string) error

	// Due returns all timers with DueAt at or before now, soonest first.
	Due(ctx context.Context, now time.Time) ([]model.EscalationTimer, error)
}

func timerKey(instanceID, stepID string) string {
	return instanceID + "|" + stepID
}

func parseTimerKey(key string) (instanceID, stepID string, ok bool) {
	i := strings.LastIndex(key, "|")
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// MemoryTimerStore is an in-memory TimerStore for testing and single-node
// deployments.
type MemoryTimerStore struct {
	mu     sync.RWMutex
	timers map[string]model.EscalationTimer
}

// NewMemoryTimerStore creates a new in-memory timer store.
func NewMemoryTimerStore() *MemoryTimerStore {
	return &MemoryTimerStore{timers: make(map[string]model.EscalationTimer)}
}

// Schedule installs or replaces the timer for (instanceID, stepID).
func (s *MemoryTimerStore) Schedule(_ context.Context, timer model.EscalationTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers[timerKey(timer.InstanceID, timer.StepID)] = timer
	return nil
}

// Cancel removes the timer, if present.
func (s *MemoryTimerStore) Cancel(_ context.Context, instanceID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, timerKey(instanceID, stepID))
	return nil
}

// Due returns all timers due at or before now, soonest first.
func (s *MemoryTimerStore) Due(_ context.Context, now time.Time) ([]model.EscalationTimer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []model.EscalationTimer
	for _, t := range s.timers {
		if !t.DueAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	return due, nil
}

// RedisTimerStore is a Redis-backed TimerStore. Timers live in a sorted set
// scored by due time, so the due scan is a single ZRANGEBYSCORE.
type RedisTimerStore struct {
	client redis.Cmdable
}

// NewRedisTimerStore creates a new Redis-backed timer store.
func NewRedisTimerStore(client redis.Cmdable) *RedisTimerStore {
	return &RedisTimerStore{client: client}
}

// Schedule installs or replaces the timer for (instanceID, stepID).
func (s *RedisTimerStore) Schedule(ctx context.Context, timer model.EscalationTimer) error {
	err := s.client.ZAdd(ctx, dueSetKey, redis.Z{
		Score:  float64(timer.DueAt.Unix()),
		Member: timerKey(timer.InstanceID, timer.StepID),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd timer: %w", err)
	}
	return nil
}

// Cancel removes the timer, if present.
func (s *RedisTimerStore) Cancel(ctx context.Context, instanceID, stepID string) error {
	if err := s.client.ZRem(ctx, dueSetKey, timerKey(instanceID, stepID)).Err(); err != nil {
		return fmt.Errorf("redis zrem timer: %w", err)
	}
	return nil
}

// Due returns all timers due at or before now, soonest first.
func (s *RedisTimerStore) Due(ctx context.Context, now time.Time) ([]model.EscalationTimer, error) {
	results, err := s.client.ZRangeByScoreWithScores(ctx, dueSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore timers: %w", err)
	}

	var due []model.EscalationTimer
	for _, z := range results {
		member, _ := z.Member.(string)
		instanceID, stepID, ok := parseTimerKey(member)
		if !ok {
			continue
		}
		due = append(due, model.EscalationTimer{
			InstanceID: instanceID,
			StepID:     stepID,
			DueAt:      time.Unix(int64(z.Score), 0).UTC(),
		})
	}
	return due, nil
}
