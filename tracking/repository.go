package tracking

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTopicNotFound is returned for operations on unknown topics.
	ErrTopicNotFound = errors.New("tracking: topic not found")

	// ErrPostNotFound is returned when deleting a post that does not exist.
	ErrPostNotFound = errors.New("tracking: post not found")
)

// DefaultNewTopicHorizon bounds how far back a topic still counts as "new"
// for users who have never opened it.
const DefaultNewTopicHorizon = 48 * time.Hour

// Repository owns topics, their post numbering and the per-user read
// positions. All mutations on the same topic are serialized against
// renumbering so a read position above the true highest post number is never
// left behind.
type Repository interface {
	// CreateTopic registers a topic with post number 1 already present.
	CreateTopic(ctx context.Context, t *Topic) error

	// Topic returns the current topic state.
	Topic(ctx context.Context, topicID int64) (*Topic, error)

	// AddPost atomically assigns and returns the next post number and
	// raises the topic's highest post number.
	AddPost(ctx context.Context, topicID int64) (int, error)

	// DeletePost removes the post and renumbers the topic in the same
	// transaction: surviving posts are renumbered consecutively,
	// highest_post_number is recomputed from them and every read position
	// is clamped under it.
	DeletePost(ctx context.Context, topicID int64, postNumber int) (int, error)

	// MarkRead records that the user has read up to postNumber. The stored
	// position is monotonic: a lower postNumber than the current one is a
	// no-op. Values above the topic's highest post number are clamped.
	MarkRead(ctx context.Context, userID, topicID int64, postNumber int) (ReadPosition, error)

	// ReadPosition returns the user's marker for the topic, nil when the
	// user has never visited it.
	ReadPosition(ctx context.Context, userID, topicID int64) (*ReadPosition, error)

	// SetNotificationLevel changes how the user follows the topic, creating
	// the read position row on first contact.
	SetNotificationLevel(ctx context.Context, userID, topicID int64, level NotificationLevel) error

	// TrackingUsers lists users following the topic at tracking level or
	// above. Muted and regular users are excluded.
	TrackingUsers(ctx context.Context, topicID int64) ([]TrackedUser, error)

	// UnreadCount counts visible regular topics the user tracks or watches
	// whose highest post number is past the user's read position.
	UnreadCount(ctx context.Context, userID int64) (int, error)

	// NewCount counts visible regular topics created within the new-topic
	// horizon that the user has never opened.
	NewCount(ctx context.Context, userID int64) (int, error)
}
