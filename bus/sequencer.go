package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Sequencer assigns per-channel sequence numbers. Next never repeats or goes
// backward for a given channel, under concurrent callers across processes.
// Gaps are allowed: a failed publish may burn a number.
type Sequencer interface {
	// Next atomically reserves and returns the next sequence number.
	Next(ctx context.Context, channel string) (int64, error)

	// Current returns the last assigned sequence number, zero when the
	// channel has never been published to.
	Current(ctx context.Context, channel string) (int64, error)
}

// MemorySequencer keeps counters in process memory. It is only suitable for
// tests and single-process deployments.
type MemorySequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{counters: make(map[string]int64)}
}

func (s *MemorySequencer) Next(_ context.Context, channel string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[channel]++
	return s.counters[channel], nil
}

func (s *MemorySequencer) Current(_ context.Context, channel string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[channel], nil
}

// RedisSequencer draws sequence numbers from a shared Redis counter per
// channel, which makes it safe across forked worker processes. Counters are
// persistent keys: they survive process restarts, so sequences never move
// backward even after a full redeploy.
type RedisSequencer struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisSequencer creates a sequencer over the given client. keyPrefix
// namespaces the counter keys; an empty prefix defaults to "bus".
func NewRedisSequencer(rdb redis.UniversalClient, keyPrefix string) *RedisSequencer {
	if keyPrefix == "" {
		keyPrefix = "bus"
	}
	return &RedisSequencer{rdb: rdb, prefix: keyPrefix}
}

func (s *RedisSequencer) key(channel string) string {
	return s.prefix + ":seq:" + channel
}

func (s *RedisSequencer) Next(ctx context.Context, channel string) (int64, error) {
	seq, err := s.rdb.Incr(ctx, s.key(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", channel, err)
	}
	return seq, nil
}

func (s *RedisSequencer) Current(ctx context.Context, channel string) (int64, error) {
	seq, err := s.rdb.Get(ctx, s.key(channel)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("current sequence for %s: %w", channel, err)
	}
	return seq, nil
}
