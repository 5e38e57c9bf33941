package bus

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithNotifier wires cross-process wakeups. Without one, peers discover new
// messages on their next poll cycle instead of immediately.
func WithNotifier(n Notifier) Option {
	return func(b *Bus) {
		if n != nil {
			b.notifier = n
		}
	}
}

// WithLogger sets the structured logger. Nil loggers are ignored.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMetrics registers bus metrics with the given Prometheus registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(b *Bus) {
		b.promReg = reg
	}
}

// WithReadLimit caps how many messages a single poll returns per channel.
func WithReadLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.readLimit = n
		}
	}
}

// PublishOption adjusts a single publish call.
type PublishOption func(*publishConfig)

type publishConfig struct {
	recipients []int64
	retention  Retention
}

// WithRecipients restricts delivery to the given user ids. The message still
// consumes a sequence number and backlog slot so replay stays ordered for
// every subscriber.
func WithRecipients(userIDs ...int64) PublishOption {
	return func(c *publishConfig) {
		c.recipients = userIDs
	}
}

// WithMaxBacklogAge overrides the channel's backlog age bound for this
// publish onward.
func WithMaxBacklogAge(age time.Duration) PublishOption {
	return func(c *publishConfig) {
		if age > 0 {
			c.retention.MaxAge = age
		}
	}
}

// WithMaxBacklogSize overrides the channel's backlog count bound for this
// publish onward.
func WithMaxBacklogSize(n int) PublishOption {
	return func(c *publishConfig) {
		if n > 0 {
			c.retention.MaxMessages = n
		}
	}
}
