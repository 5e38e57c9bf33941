package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/topicbus/bus"
	"github.com/dmitrymomot/topicbus/queue"
	"github.com/dmitrymomot/topicbus/tracking"
)

// ErrNilDependency is returned by New when a required collaborator is nil.
var ErrNilDependency = errors.New("publisher: nil dependency")

// Enqueuer is the queue surface the publisher's write-path methods need.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) error
}

// Publisher bridges topic lifecycle events to the tracking channels.
type Publisher struct {
	bus  *bus.Bus
	repo tracking.Repository
	enq  Enqueuer
	log  *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the publisher's logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

func New(b *bus.Bus, repo tracking.Repository, enq Enqueuer, opts ...Option) (*Publisher, error) {
	if b == nil || repo == nil || enq == nil {
		return nil, ErrNilDependency
	}
	p := &Publisher{bus: b, repo: repo, enq: enq, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// TopicCreated schedules the announcement of a new topic. For private message
// topics allowedUserIDs must list the participants; for regular topics it is
// ignored.
func (p *Publisher) TopicCreated(ctx context.Context, topicID int64, allowedUserIDs ...int64) error {
	err := p.enq.Enqueue(ctx, TopicCreatedTask{TopicID: topicID, AllowedUserIDs: allowedUserIDs})
	if err != nil {
		return fmt.Errorf("publisher: enqueue topic created %d: %w", topicID, err)
	}
	return nil
}

// PostCreated schedules unread notifications for a new post. Post number 1 is
// the topic body itself; the topic announcement covers it, so nothing is
// scheduled.
func (p *Publisher) PostCreated(ctx context.Context, topicID int64, postNumber int) error {
	if postNumber <= 1 {
		return nil
	}
	err := p.enq.Enqueue(ctx, PostCreatedTask{TopicID: topicID, PostNumber: postNumber})
	if err != nil {
		return fmt.Errorf("publisher: enqueue post created %d/%d: %w", topicID, postNumber, err)
	}
	return nil
}

// Handlers returns the queue handlers that perform the actual bus publishes.
// Register them on the worker that drains the publisher's queue.
func (p *Publisher) Handlers() []queue.Handler {
	return []queue.Handler{
		queue.NewTaskHandler(p.publishNewTopic),
		queue.NewTaskHandler(p.publishUnread),
	}
}

func (p *Publisher) publishNewTopic(ctx context.Context, task TopicCreatedTask) error {
	topic, err := p.repo.Topic(ctx, task.TopicID)
	if err != nil {
		if errors.Is(err, tracking.ErrTopicNotFound) {
			// Deleted before the task ran; nothing to announce.
			return nil
		}
		return err
	}
	if topic.DeletedAt != nil {
		return nil
	}

	payload := NewTopicPayload{
		TopicID:    topic.ID,
		CategoryID: topic.CategoryID,
		Archetype:  topic.Archetype,
		CreatedAt:  topic.CreatedAt,
	}

	if topic.Archetype == tracking.ArchetypePrivateMessage {
		for _, userID := range task.AllowedUserIDs {
			_, err := p.bus.Publish(ctx, UnreadChannel(userID), payload, bus.WithRecipients(userID))
			if err != nil {
				return err
			}
		}
		return nil
	}

	if !topic.Visible {
		return nil
	}

	seq, err := p.bus.Publish(ctx, NewChannel, payload)
	if err != nil {
		return err
	}
	p.log.DebugContext(ctx, "announced new topic",
		slog.Int64("topic_id", topic.ID),
		slog.Int64("sequence", seq))
	return nil
}

func (p *Publisher) publishUnread(ctx context.Context, task PostCreatedTask) error {
	topic, err := p.repo.Topic(ctx, task.TopicID)
	if err != nil {
		if errors.Is(err, tracking.ErrTopicNotFound) {
			return nil
		}
		return err
	}
	if !topic.Accepting() {
		return nil
	}

	users, err := p.repo.TrackingUsers(ctx, topic.ID)
	if err != nil {
		return err
	}

	payload := UnreadPayload{TopicID: topic.ID, HighestPostNumber: topic.HighestPostNumber}
	for _, u := range users {
		_, err := p.bus.Publish(ctx, UnreadChannel(u.UserID), payload, bus.WithRecipients(u.UserID))
		if err != nil {
			return err
		}
	}
	p.log.DebugContext(ctx, "published unread state",
		slog.Int64("topic_id", topic.ID),
		slog.Int("highest_post_number", topic.HighestPostNumber),
		slog.Int("followers", len(users)))
	return nil
}
