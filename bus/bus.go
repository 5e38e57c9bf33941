package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultReadLimit = 500

// Bus composes the Sequencer, Backlog and channel registry into the public
// pub/sub API. All methods are safe for concurrent use from independent
// goroutines; the authoritative state lives in the shared store, never in
// this struct.
type Bus struct {
	seq      Sequencer
	backlog  Backlog
	notifier Notifier
	reg      *registry
	log      *slog.Logger
	met      *metrics
	promReg  prometheus.Registerer

	readLimit int

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a Bus over the given sequencer and backlog store and starts the
// cross-process notifier loop when one is configured.
func New(seq Sequencer, backlog Backlog, opts ...Option) *Bus {
	b := &Bus{
		seq:       seq,
		backlog:   backlog,
		notifier:  NoopNotifier{},
		reg:       newRegistry(),
		log:       slog.Default(),
		readLimit: defaultReadLimit,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.met = newMetrics(b.promReg, b.reg)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.notifierLoop(ctx)

	return b
}

// notifierLoop keeps the peer-notification subscription alive, reconnecting
// with a small delay after transient failures.
func (b *Bus) notifierLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		err := b.notifier.Run(ctx, b.dispatchLocal)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.log.Warn("bus notifier disconnected, retrying",
				slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// dispatchLocal wakes this process's waiters for a message published by a
// peer process (or by Publish in this process).
func (b *Bus) dispatchLocal(msg Message) {
	b.met.woke(b.reg.wake(msg))
}

// Publish assigns the next sequence number on the channel, appends the
// message to the retained backlog and wakes matching live subscriptions.
// It returns the assigned sequence number.
//
// Failure mode is loud: if the shared store is unreachable the message is
// dropped and ErrPublishFailure is returned; a retry draws a fresh sequence
// number, so a sequence is never reused.
func (b *Bus) Publish(ctx context.Context, channel string, payload any, opts ...PublishOption) (int64, error) {
	if b.isClosed() {
		return 0, ErrBusClosed
	}
	if err := ValidateChannel(channel); err != nil {
		return 0, err
	}

	var cfg publishConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return 0, fmt.Errorf("bus: encode payload for %s: %w", channel, err)
	}

	seq, err := b.seq.Next(ctx, channel)
	if err != nil {
		b.met.publishFailed()
		return 0, errors.Join(ErrPublishFailure, err)
	}

	msg := Message{
		Channel:     channel,
		Sequence:    seq,
		Data:        data,
		Recipients:  cfg.recipients,
		PublishedAt: time.Now().UTC(),
	}

	if err := b.backlog.Append(ctx, msg, cfg.retention); err != nil {
		b.met.publishFailed()
		return 0, errors.Join(ErrPublishFailure, err)
	}
	b.met.publishOK()

	b.dispatchLocal(msg)

	// Peer notification is best-effort: peers fall back to reading the
	// backlog on their next poll cycle, so a failure here only adds latency.
	if err := b.notifier.Broadcast(ctx, msg); err != nil {
		b.log.Warn("bus peer notification failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
	}

	return seq, nil
}

// LastMessage returns the newest retained message on the channel, nil when
// the backlog holds nothing.
func (b *Bus) LastMessage(ctx context.Context, channel string) (*Message, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	return b.backlog.Last(ctx, channel)
}

// PollRequest describes one long-poll cycle: the channels the client follows
// mapped to the highest sequence number it has applied on each (zero meaning
// "from the start of the retained backlog").
type PollRequest struct {
	// UserID identifies the subscriber for recipient-filtered delivery.
	// Zero is a valid anonymous subscriber.
	UserID int64

	// Channels maps exact channel names to the last seen sequence.
	Channels map[string]int64

	// Timeout bounds how long the call may be held open. Zero or negative
	// disables the hold: the call returns immediately with whatever exists.
	Timeout time.Duration
}

// PollResult carries the messages found plus bookkeeping the client needs for
// its next cycle.
type PollResult struct {
	// Messages in increasing sequence order within each channel.
	Messages []Message

	// Positions holds the sequence the client should report next time, per
	// channel. It advances past recipient-filtered messages the client never
	// sees, so they are not re-scanned forever.
	Positions map[string]int64

	// Expired maps channels whose requested sequence predates the retained
	// backlog to the current end of their sequence space. The client must
	// refetch full state for these channels and resume from the given value.
	Expired map[string]int64
}

// Poll blocks until at least one message newer than the request's positions
// exists on a followed channel, the timeout elapses (empty heartbeat result),
// the caller's context is cancelled, or the bus shuts down.
func (b *Bus) Poll(ctx context.Context, req PollRequest) (PollResult, error) {
	if b.isClosed() {
		return PollResult{}, ErrBusClosed
	}

	patterns := make([]pattern, 0, len(req.Channels))
	for name := range req.Channels {
		if err := ValidateChannel(name); err != nil {
			return PollResult{}, fmt.Errorf("%w: %s", err, name)
		}
		patterns = append(patterns, pattern{value: name})
	}

	// Register before the first scan so a publish racing this poll cannot be
	// missed: it either lands in the scan or in a pending wakeup.
	w := b.reg.add(req.UserID, patterns)
	defer b.reg.remove(w, patterns)

	positions := make(map[string]int64, len(req.Channels))
	for name, after := range req.Channels {
		positions[name] = after
	}

	var deadline <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		res, err := b.scan(ctx, req.UserID, positions)
		if err != nil {
			return PollResult{}, err
		}
		if len(res.Messages) > 0 || len(res.Expired) > 0 || req.Timeout <= 0 {
			return res, nil
		}
		// Scan found nothing: carry forward any position advances before
		// suspending, so a wakeup re-scan starts from the right place.
		positions = res.Positions

		select {
		case <-ctx.Done():
			return PollResult{}, ctx.Err()
		case <-b.done:
			return PollResult{}, ErrBusClosed
		case <-deadline:
			return res, nil
		case <-w.notify:
		}
	}
}

// scan is one non-blocking pass over the followed channels. It reads a
// consistent snapshot per channel: messages appended after the read simply
// surface on the next pass.
func (b *Bus) scan(ctx context.Context, userID int64, channels map[string]int64) (PollResult, error) {
	res := PollResult{
		Positions: make(map[string]int64, len(channels)),
		Expired:   make(map[string]int64),
	}

	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		after := channels[name]
		res.Positions[name] = after

		msgs, err := b.backlog.ReadSince(ctx, name, after, b.readLimit)
		if err != nil {
			return PollResult{}, err
		}

		if after > 0 {
			end, err := b.expiryEnd(ctx, name, after, msgs)
			if err != nil {
				return PollResult{}, err
			}
			if end > 0 {
				res.Expired[name] = end
				if len(msgs) == 0 {
					res.Positions[name] = end
				}
			}
		}

		if len(msgs) == 0 {
			continue
		}

		for _, msg := range msgs {
			if msg.VisibleTo(userID) {
				res.Messages = append(res.Messages, msg)
			}
		}
		res.Positions[name] = msgs[len(msgs)-1].Sequence
	}

	return res, nil
}

// expiryEnd reports whether the reader's position predates the retained
// backlog window. Zero means nothing was missed; otherwise it is the current
// end of the channel's sequence space, which the reader should resume from
// after refetching state. A hole right after the position only counts as
// expiry when the oldest retained entry is past it: sequence numbers burned
// by failed publishes leave the same hole without data loss.
func (b *Bus) expiryEnd(ctx context.Context, channel string, after int64, msgs []Message) (int64, error) {
	if len(msgs) > 0 {
		if msgs[0].Sequence <= after+1 {
			return 0, nil
		}
		oldest, err := b.backlog.OldestSequence(ctx, channel)
		if err != nil {
			return 0, err
		}
		if oldest > after+1 {
			return msgs[len(msgs)-1].Sequence, nil
		}
		return 0, nil
	}

	oldest, err := b.backlog.OldestSequence(ctx, channel)
	if err != nil {
		return 0, err
	}
	if oldest > 0 {
		// Retained backlog ends at or before the reader's position.
		return 0, nil
	}
	current, err := b.seq.Current(ctx, channel)
	if err != nil {
		return 0, err
	}
	if current > after {
		return current, nil
	}
	return 0, nil
}

// Close stops the notifier loop and releases every suspended Poll and
// Listener with ErrBusClosed. It is safe to call multiple times.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(payload)
	}
}
