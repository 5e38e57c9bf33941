package site

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/topicbus/bus"
)

// ReadOnlyChannel carries read-only mode flips as a boolean payload.
const ReadOnlyChannel = "/site/read-only"

// readOnlyKey is the shared flag; its presence means the site is read-only.
const readOnlyKey = "readonly_mode"

// FlagStore is the shared on/off flag behind read-only mode. Every process
// must see the same value, which is why the flag never lives in process
// memory in production.
type FlagStore interface {
	SetFlag(ctx context.Context, key string) error
	ClearFlag(ctx context.Context, key string) error
	HasFlag(ctx context.Context, key string) (bool, error)
}

// RedisFlagStore keeps flags as plain Redis keys.
type RedisFlagStore struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

func NewRedisFlagStore(rdb redis.UniversalClient, keyPrefix string) *RedisFlagStore {
	return &RedisFlagStore{rdb: rdb, keyPrefix: keyPrefix}
}

func (s *RedisFlagStore) key(key string) string {
	if s.keyPrefix == "" {
		return key
	}
	return s.keyPrefix + ":" + key
}

func (s *RedisFlagStore) SetFlag(ctx context.Context, key string) error {
	return s.rdb.Set(ctx, s.key(key), "1", 0).Err()
}

func (s *RedisFlagStore) ClearFlag(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

func (s *RedisFlagStore) HasFlag(ctx context.Context, key string) (bool, error) {
	err := s.rdb.Get(ctx, s.key(key)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MemoryFlagStore backs tests and single-process deployments.
type MemoryFlagStore struct {
	mu    sync.Mutex
	flags map[string]bool
}

func NewMemoryFlagStore() *MemoryFlagStore {
	return &MemoryFlagStore{flags: make(map[string]bool)}
}

func (s *MemoryFlagStore) SetFlag(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = true
	return nil
}

func (s *MemoryFlagStore) ClearFlag(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, key)
	return nil
}

func (s *MemoryFlagStore) HasFlag(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[key], nil
}

// ReadOnly flips and reports site-wide read-only mode. The flag lives in the
// shared store; the bus publish only tells connected clients to update their
// banner.
type ReadOnly struct {
	store FlagStore
	bus   *bus.Bus
}

func NewReadOnly(store FlagStore, b *bus.Bus) *ReadOnly {
	return &ReadOnly{store: store, bus: b}
}

// Enable turns read-only mode on and announces it.
func (r *ReadOnly) Enable(ctx context.Context) error {
	if err := r.store.SetFlag(ctx, readOnlyKey); err != nil {
		return fmt.Errorf("site: set read-only flag: %w", err)
	}
	if _, err := r.bus.Publish(ctx, ReadOnlyChannel, true); err != nil {
		return fmt.Errorf("site: announce read-only: %w", err)
	}
	return nil
}

// Disable turns read-only mode off and announces it.
func (r *ReadOnly) Disable(ctx context.Context) error {
	if err := r.store.ClearFlag(ctx, readOnlyKey); err != nil {
		return fmt.Errorf("site: clear read-only flag: %w", err)
	}
	if _, err := r.bus.Publish(ctx, ReadOnlyChannel, false); err != nil {
		return fmt.Errorf("site: announce read-write: %w", err)
	}
	return nil
}

// Enabled reads the shared flag. It never consults process-local state, so a
// freshly started process answers correctly immediately.
func (r *ReadOnly) Enabled(ctx context.Context) (bool, error) {
	on, err := r.store.HasFlag(ctx, readOnlyKey)
	if err != nil {
		return false, fmt.Errorf("site: read read-only flag: %w", err)
	}
	return on, nil
}
