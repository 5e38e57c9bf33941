package bus

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// pattern is a parsed subscription pattern: either an exact channel name or a
// trailing-wildcard prefix such as "/unread/*".
type pattern struct {
	value    string
	wildcard bool
}

func parsePattern(raw string) (pattern, error) {
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return pattern{}, ErrInvalidPattern
	}
	if strings.HasSuffix(raw, "/*") {
		prefix := strings.TrimSuffix(raw, "*")
		if strings.Contains(prefix, "*") {
			return pattern{}, ErrInvalidPattern
		}
		return pattern{value: prefix, wildcard: true}, nil
	}
	if strings.Contains(raw, "*") {
		return pattern{}, ErrInvalidPattern
	}
	return pattern{value: raw}, nil
}

// waiter is one live subscriber connection waiting for messages.
//
// Pollers use the notify channel, which has capacity one: a wakeup only means
// "re-scan the backlog", so collapsing bursts of publishes into a single
// signal is correct. Streaming listeners set sink instead and receive the
// messages themselves; a full sink drops the message and the listener
// recovers the gap from the backlog on the next delivery.
type waiter struct {
	id     uuid.UUID
	userID int64
	notify chan struct{}
	sink   chan Message
}

func (w *waiter) wake(msg Message) {
	if w.sink != nil {
		select {
		case w.sink <- msg:
		default:
		}
		return
	}
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// registry maps channel patterns to waiting connections. Matching a publish is
// O(len(channel)) via the exact and prefix indexes, independent of how many
// subscriptions exist. The caller owns waiter lifetimes: every Add must be
// paired with Remove (typically deferred) so dead connections cannot leak.
type registry struct {
	mu     sync.RWMutex
	exact  map[string]map[uuid.UUID]*waiter
	prefix map[string]map[uuid.UUID]*waiter
}

func newRegistry() *registry {
	return &registry{
		exact:  make(map[string]map[uuid.UUID]*waiter),
		prefix: make(map[string]map[uuid.UUID]*waiter),
	}
}

func (r *registry) add(userID int64, patterns []pattern) *waiter {
	return r.addWaiter(&waiter{
		id:     uuid.New(),
		userID: userID,
		notify: make(chan struct{}, 1),
	}, patterns)
}

func (r *registry) addListener(userID int64, patterns []pattern, buffer int) *waiter {
	return r.addWaiter(&waiter{
		id:     uuid.New(),
		userID: userID,
		sink:   make(chan Message, buffer),
	}, patterns)
}

func (r *registry) addWaiter(w *waiter, patterns []pattern) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range patterns {
		idx := r.exact
		if p.wildcard {
			idx = r.prefix
		}
		set, ok := idx[p.value]
		if !ok {
			set = make(map[uuid.UUID]*waiter)
			idx[p.value] = set
		}
		set[w.id] = w
	}
	return w
}

func (r *registry) remove(w *waiter, patterns []pattern) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range patterns {
		idx := r.exact
		if p.wildcard {
			idx = r.prefix
		}
		if set, ok := idx[p.value]; ok {
			delete(set, w.id)
			if len(set) == 0 {
				delete(idx, p.value)
			}
		}
	}
}

// wake signals every waiter whose patterns match the message's channel and
// whose user id passes the recipient filter. Returns the number of waiters
// signalled.
func (r *registry) wake(msg Message) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	woken := 0
	seen := make(map[uuid.UUID]struct{})

	deliver := func(set map[uuid.UUID]*waiter) {
		for id, w := range set {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if msg.VisibleTo(w.userID) {
				w.wake(msg)
				woken++
			}
		}
	}

	if set, ok := r.exact[msg.Channel]; ok {
		deliver(set)
	}
	// Check every "/"-terminated prefix of the channel against the prefix
	// index: "/unread/42" probes "/" and "/unread/".
	for i := 0; i < len(msg.Channel); i++ {
		if msg.Channel[i] != '/' {
			continue
		}
		if set, ok := r.prefix[msg.Channel[:i+1]]; ok {
			deliver(set)
		}
	}
	return woken
}

// size reports the number of live waiter registrations across both indexes.
func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make(map[uuid.UUID]struct{})
	for _, set := range r.exact {
		for id := range set {
			ids[id] = struct{}{}
		}
	}
	for _, set := range r.prefix {
		for id := range set {
			ids[id] = struct{}{}
		}
	}
	return len(ids)
}
