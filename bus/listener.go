package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

const listenerBuffer = 64

// ListenRequest describes a streaming subscription.
type ListenRequest struct {
	// UserID identifies the subscriber for recipient-filtered delivery.
	UserID int64

	// Channels maps exact channel names to the last applied sequence; the
	// retained backlog past that point is replayed before live delivery.
	Channels map[string]int64

	// Patterns are additional trailing-wildcard subscriptions such as
	// "/unread/*". Wildcards are live-only: there is no backlog catch-up for
	// channels the subscriber cannot name up front.
	Patterns []string
}

// Listener is a streaming subscription. Messages arrive on C in
// non-decreasing sequence order per channel; duplicates are possible when a
// reconnect races a publish, and consumers must treat an already-seen
// sequence number as a no-op.
type Listener struct {
	C <-chan Message

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// Close cancels the subscription and releases its registry entry. Safe to
// call multiple times.
func (l *Listener) Close() {
	l.closeOnce.Do(l.cancel)
	<-l.done
}

// Listen creates a streaming subscription: backlog catch-up for the named
// channels first, then live pushes until the context is cancelled or the
// listener is closed.
func (b *Bus) Listen(ctx context.Context, req ListenRequest) (*Listener, error) {
	if b.isClosed() {
		return nil, ErrBusClosed
	}

	patterns := make([]pattern, 0, len(req.Channels)+len(req.Patterns))
	for name := range req.Channels {
		if err := ValidateChannel(name); err != nil {
			return nil, fmt.Errorf("%w: %s", err, name)
		}
		patterns = append(patterns, pattern{value: name})
	}
	for _, raw := range req.Patterns {
		p, err := parsePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, raw)
		}
		patterns = append(patterns, p)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := b.reg.addListener(req.UserID, patterns, listenerBuffer)
	out := make(chan Message, listenerBuffer)
	l := &Listener{C: out, cancel: cancel, done: make(chan struct{})}

	lastSeen := make(map[string]int64, len(req.Channels))
	for name, after := range req.Channels {
		lastSeen[name] = after
	}

	go func() {
		defer close(l.done)
		defer close(out)
		defer b.reg.remove(w, patterns)

		// Replay the retained backlog for the named channels before any live
		// message, in a stable order.
		names := make([]string, 0, len(req.Channels))
		for name := range req.Channels {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !b.catchUp(ctx, w, out, name, lastSeen) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case msg := <-w.sink:
				if msg.Sequence <= lastSeen[msg.Channel] {
					continue
				}
				// A jump past the expected next sequence means the sink
				// dropped something (or the subscription raced the publish):
				// recover the hole from the backlog.
				if prev, known := lastSeen[msg.Channel]; known && msg.Sequence > prev+1 {
					if !b.catchUp(ctx, w, out, msg.Channel, lastSeen) {
						return
					}
					continue
				}
				if !send(ctx, b.done, out, msg) {
					return
				}
				lastSeen[msg.Channel] = msg.Sequence
			}
		}
	}()

	return l, nil
}

// catchUp replays retained messages newer than lastSeen[channel] into out,
// preceded by a StatusChannel marker when the position predates the retained
// window, so streaming clients learn about missed messages instead of
// silently receiving only the tail. Returns false when the listener is
// shutting down.
func (b *Bus) catchUp(ctx context.Context, w *waiter, out chan<- Message, channel string, lastSeen map[string]int64) bool {
	for first := true; ; first = false {
		after := lastSeen[channel]
		msgs, err := b.backlog.ReadSince(ctx, channel, after, b.readLimit)
		if err != nil {
			b.log.Warn("listener backlog read failed",
				"channel", channel, "error", err.Error())
			return true
		}
		if first && after > 0 {
			end, err := b.expiryEnd(ctx, channel, after, msgs)
			if err != nil {
				b.log.Warn("listener expiry check failed",
					"channel", channel, "error", err.Error())
			} else if end > 0 {
				if !send(ctx, b.done, out, statusMessage(channel, end)) {
					return false
				}
				if len(msgs) == 0 {
					// Whole backlog evicted: fast-forward so the live loop
					// does not re-detect the same gap.
					lastSeen[channel] = end
				}
			}
		}
		if len(msgs) == 0 {
			return true
		}
		for _, msg := range msgs {
			if msg.Sequence <= lastSeen[channel] {
				continue
			}
			if msg.VisibleTo(w.userID) {
				if !send(ctx, b.done, out, msg) {
					return false
				}
			}
			lastSeen[channel] = msg.Sequence
		}
		if len(msgs) < b.readLimit {
			return true
		}
	}
}

func send(ctx context.Context, busDone <-chan struct{}, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-busDone:
		return false
	}
}
