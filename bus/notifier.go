package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Notifier fans a published message out to the other OS processes serving the
// same deployment so their local waiters wake immediately instead of on the
// next poll timeout. Delivery through the notifier is best-effort: the backlog
// remains the source of truth and a missed wakeup only delays delivery.
type Notifier interface {
	// Broadcast announces a freshly published message to peer processes.
	Broadcast(ctx context.Context, msg Message) error

	// Run blocks, invoking deliver for every announcement from peers, until
	// the context is cancelled.
	Run(ctx context.Context, deliver func(Message)) error
}

// NoopNotifier is used by single-process deployments and tests.
type NoopNotifier struct{}

func (NoopNotifier) Broadcast(context.Context, Message) error { return nil }

func (NoopNotifier) Run(ctx context.Context, _ func(Message)) error {
	<-ctx.Done()
	return ctx.Err()
}

// RedisNotifier relays publish announcements over a single Redis pub/sub
// channel shared by all processes.
type RedisNotifier struct {
	rdb     redis.UniversalClient
	channel string
	log     *slog.Logger
}

func NewRedisNotifier(rdb redis.UniversalClient, keyPrefix string, log *slog.Logger) *RedisNotifier {
	if keyPrefix == "" {
		keyPrefix = "bus"
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisNotifier{rdb: rdb, channel: keyPrefix + ":notify", log: log}
}

func (n *RedisNotifier) Broadcast(ctx context.Context, msg Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notify for %s: %w", msg.Channel, err)
	}
	if err := n.rdb.Publish(ctx, n.channel, encoded).Err(); err != nil {
		return fmt.Errorf("notify peers about %s: %w", msg.Channel, err)
	}
	return nil
}

func (n *RedisNotifier) Run(ctx context.Context, deliver func(Message)) error {
	sub := n.rdb.Subscribe(ctx, n.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				n.log.Warn("dropping undecodable bus notification",
					slog.String("error", err.Error()))
				continue
			}
			deliver(msg)
		}
	}
}
