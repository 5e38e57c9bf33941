package bus

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryChannelLog struct {
	messages []Message // ascending by sequence
	touched  time.Time
	maxAge   time.Duration // effective age bound, last append wins
}

// MemoryBacklog retains messages in process memory. It mirrors the Redis
// implementation's retention behavior so tests exercise the same contract.
type MemoryBacklog struct {
	mu       sync.RWMutex
	channels map[string]*memoryChannelLog
	defaults Retention
}

func NewMemoryBacklog() *MemoryBacklog {
	return &MemoryBacklog{
		channels: make(map[string]*memoryChannelLog),
		defaults: DefaultRetention,
	}
}

// NewMemoryBacklogWithRetention overrides the default retention bounds.
func NewMemoryBacklogWithRetention(ret Retention) *MemoryBacklog {
	b := NewMemoryBacklog()
	b.defaults = ret.withDefaults(DefaultRetention)
	return b
}

func (b *MemoryBacklog) Append(_ context.Context, msg Message, ret Retention) error {
	ret = ret.withDefaults(b.defaults)

	b.mu.Lock()
	defer b.mu.Unlock()

	log, ok := b.channels[msg.Channel]
	if !ok {
		log = &memoryChannelLog{}
		b.channels[msg.Channel] = log
	}

	log.messages = append(log.messages, msg)
	log.touched = time.Now()
	log.maxAge = ret.MaxAge

	if ret.MaxMessages > 0 && len(log.messages) > ret.MaxMessages {
		// Keep the newest MaxMessages entries.
		drop := len(log.messages) - ret.MaxMessages
		log.messages = append(log.messages[:0:0], log.messages[drop:]...)
	}
	return nil
}

func (b *MemoryBacklog) ReadSince(_ context.Context, channel string, after int64, limit int) ([]Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	log, ok := b.channels[channel]
	if !ok || b.expired(log) {
		return nil, nil
	}

	idx := sort.Search(len(log.messages), func(i int) bool {
		return log.messages[i].Sequence > after
	})
	tail := log.messages[idx:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}

	out := make([]Message, len(tail))
	copy(out, tail)
	return out, nil
}

func (b *MemoryBacklog) OldestSequence(_ context.Context, channel string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	log, ok := b.channels[channel]
	if !ok || b.expired(log) || len(log.messages) == 0 {
		return 0, nil
	}
	return log.messages[0].Sequence, nil
}

func (b *MemoryBacklog) Last(_ context.Context, channel string) (*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	log, ok := b.channels[channel]
	if !ok || b.expired(log) || len(log.messages) == 0 {
		return nil, nil
	}
	msg := log.messages[len(log.messages)-1]
	return &msg, nil
}

// expired mirrors the whole-key TTL the Redis store applies: an idle channel
// past its effective MaxAge behaves as if its backlog was dropped. Like the
// Redis EXPIRE on every append, the most recent publish's bound wins.
func (b *MemoryBacklog) expired(log *memoryChannelLog) bool {
	return log.maxAge > 0 && time.Since(log.touched) > log.maxAge
}
