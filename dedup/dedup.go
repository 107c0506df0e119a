// Package dedup guards against recording the same (run, target) twice.
// Workers of one run, or several processes sharing a Redis, claim a target
// before writing its observation; only the first claim wins.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a Redis claim outlives its run.
const DefaultTTL = 48 * time.Hour

// Guard claims targets within a run.
type Guard interface {
	// Claim returns true the first time key is claimed for runID.
	Claim(ctx context.Context, runID, key string) (bool, error)
	// Forget drops a claim so a later attempt may record again.
	Forget(ctx context.Context, runID, key string) error
	// Release drops every claim of a finished run.
	Release(ctx context.Context, runID string) error
}

// Memory is an in-process Guard. Claims are grouped by run so Release
// frees a whole run at once.
type Memory struct {
	mu   sync.Mutex
	runs map[string]map[string]struct{}
}

// NewMemory creates an empty in-process guard.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]map[string]struct{})}
}

func (m *Memory) Claim(_ context.Context, runID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.runs[runID]
	if seen == nil {
		seen = make(map[string]struct{})
		m.runs[runID] = seen
	}
	if _, ok := seen[key]; ok {
		return false, nil
	}
	seen[key] = struct{}{}
	return true, nil
}

func (m *Memory) Forget(_ context.Context, runID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seen := m.runs[runID]; seen != nil {
		delete(seen, key)
		if len(seen) == 0 {
			delete(m.runs, runID)
		}
	}
	return nil
}

func (m *Memory) Release(_ context.Context, runID string) error {
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
	return nil
}

// Claims returns the number of claims currently held for runID.
func (m *Memory) Claims(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs[runID])
}

// Redis is a Guard shared by every process pointed at the same server.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis wraps rdb. A zero ttl means DefaultTTL.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func redisKey(runID, key string) string {
	return fmt.Sprintf("flow:seen:%s:%s", runID, key)
}

// releaseBatch is the SCAN page size used by Release.
const releaseBatch = 500

func (r *Redis) Claim(ctx context.Context, runID, key string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, redisKey(runID, key), "1", r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: claim %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Forget(ctx context.Context, runID, key string) error {
	if err := r.rdb.Del(ctx, redisKey(runID, key)).Err(); err != nil {
		return fmt.Errorf("dedup: forget %s: %w", key, err)
	}
	return nil
}

// Release deletes the claim keys of runID, scanning releaseBatch keys at a
// time. Claims of other runs are untouched.
func (r *Redis) Release(ctx context.Context, runID string) error {
	iter := r.rdb.Scan(ctx, 0, redisKey(runID, "*"), releaseBatch).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == releaseBatch {
			if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("dedup: release %s: %w", runID, err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("dedup: release %s: %w", runID, err)
	}
	if len(keys) > 0 {
		if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("dedup: release %s: %w", runID, err)
		}
	}
	return nil
}

// Close closes the underlying redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
