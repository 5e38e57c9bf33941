package bus

import (
	"context"
	"time"
)

// Retention bounds how much backlog a channel keeps. Zero fields fall back to
// the store's defaults.
type Retention struct {
	// MaxMessages caps the number of retained messages per channel.
	MaxMessages int
	// MaxAge evicts messages (by whole-channel expiry) after the channel has
	// been idle for this long.
	MaxAge time.Duration
}

func (r Retention) withDefaults(d Retention) Retention {
	if r.MaxMessages <= 0 {
		r.MaxMessages = d.MaxMessages
	}
	if r.MaxAge <= 0 {
		r.MaxAge = d.MaxAge
	}
	return r
}

// DefaultRetention is applied when neither the store nor the publish call
// specifies bounds.
var DefaultRetention = Retention{
	MaxMessages: 1000,
	MaxAge:      7 * 24 * time.Hour,
}

// Backlog persists published messages keyed by (channel, sequence) for a
// bounded retention window. The write path is append-only and ordered by
// sequence; reads are non-blocking snapshots. A message published after a
// ReadSince call started simply shows up on the next read.
type Backlog interface {
	// Append stores the message and applies retention trimming.
	Append(ctx context.Context, msg Message, ret Retention) error

	// ReadSince returns up to limit retained messages with sequence > after,
	// in increasing sequence order. limit <= 0 means no cap.
	ReadSince(ctx context.Context, channel string, after int64, limit int) ([]Message, error)

	// OldestSequence returns the smallest retained sequence for the channel,
	// zero when the backlog is empty.
	OldestSequence(ctx context.Context, channel string) (int64, error)

	// Last returns the newest retained message, nil when the backlog is empty.
	Last(ctx context.Context, channel string) (*Message, error)
}
