package tracking

import "time"

// NotificationLevel controls how eagerly a user follows a topic.
type NotificationLevel int

const (
	NotificationMuted    NotificationLevel = 0
	NotificationRegular  NotificationLevel = 1
	NotificationTracking NotificationLevel = 2
	NotificationWatching NotificationLevel = 3
)

// Archetype distinguishes regular topics from private messages.
type Archetype string

const (
	ArchetypeRegular        Archetype = "regular"
	ArchetypePrivateMessage Archetype = "private_message"
)

// Topic is the subset of topic state the tracking pipeline needs.
type Topic struct {
	ID                int64
	CategoryID        int64
	Archetype         Archetype
	Visible           bool
	Closed            bool
	Archived          bool
	HighestPostNumber int
	CreatedAt         time.Time
	DeletedAt         *time.Time
}

// Accepting reports whether the topic still receives tracking increments.
// Closed, archived and deleted topics are frozen.
func (t *Topic) Accepting() bool {
	return !t.Closed && !t.Archived && t.DeletedAt == nil
}

// ReadPosition is the per-(user, topic) read marker. LastReadPostNumber never
// exceeds the topic's highest post number and only moves backward during an
// explicit renumbering clamp.
type ReadPosition struct {
	UserID             int64
	TopicID            int64
	LastReadPostNumber int
	SeenPostCount      int
	NotificationLevel  NotificationLevel
	Starred            bool
	ClearedPinnedAt    *time.Time
	FirstVisitedAt     time.Time
	LastVisitedAt      time.Time
}

// TrackedUser is a follower of a topic, as needed by the state publisher.
type TrackedUser struct {
	UserID            int64
	NotificationLevel NotificationLevel
}
