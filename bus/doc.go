// Package bus implements a channel-based publish/subscribe message bus with
// durable per-channel sequence numbers and bounded backlog replay.
//
// Every published message is assigned a strictly increasing sequence number
// within its channel and appended to a retained backlog before any delivery
// happens. Clients track the highest sequence they have applied per channel and
// hand it back on the next poll, which makes delivery at-least-once and replay
// idempotent: applying an already-seen sequence number is a no-op.
//
// Authoritative state (sequence counters and the backlog) lives in a shared
// store so that independent OS processes can publish and poll concurrently.
// The Redis implementations are the production path; the memory implementations
// back tests and single-process development setups.
//
// Basic usage:
//
//	b := bus.New(bus.NewMemorySequencer(), bus.NewMemoryBacklog(), nil)
//	defer b.Close()
//
//	seq, err := b.Publish(ctx, "/unread/42", payload)
//
//	res, err := b.Poll(ctx, bus.PollRequest{
//		UserID:   42,
//		Channels: map[string]int64{"/unread/42": 0},
//		Timeout:  25 * time.Second,
//	})
//
// Ordering is guaranteed per channel only; there is no total order across
// channels.
package bus
