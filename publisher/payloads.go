package publisher

import (
	"fmt"
	"time"

	"github.com/dmitrymomot/topicbus/tracking"
)

// NewChannel carries announcements of freshly created visible topics.
const NewChannel = "/new"

// UnreadChannel is the per-user channel for unread state changes. Private
// message announcements go here too, since they are only visible to the
// allowed users.
func UnreadChannel(userID int64) string {
	return fmt.Sprintf("/unread/%d", userID)
}

// NewTopicPayload is published on /new, and on /unread/{user_id} for private
// message topics.
type NewTopicPayload struct {
	TopicID    int64              `json:"topic_id"`
	CategoryID int64              `json:"category_id"`
	Archetype  tracking.Archetype `json:"archetype"`
	CreatedAt  time.Time          `json:"created_at"`
}

// UnreadPayload is published on /unread/{user_id} when a followed topic
// receives a reply.
type UnreadPayload struct {
	TopicID           int64 `json:"topic_id"`
	HighestPostNumber int   `json:"highest_post_number"`
}

// TopicCreatedTask is the queue payload behind TopicCreated.
type TopicCreatedTask struct {
	TopicID int64 `json:"topic_id"`
	// AllowedUserIDs names the participants of a private message topic. The
	// repository does not track membership, so the write path supplies it.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
}

// PostCreatedTask is the queue payload behind PostCreated.
type PostCreatedTask struct {
	TopicID    int64 `json:"topic_id"`
	PostNumber int   `json:"post_number"`
}
