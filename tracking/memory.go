package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// memoryTopic relies on the renumbering invariant: surviving posts are always
// numbered 1..HighestPostNumber, so no per-post bookkeeping is needed.
type memoryTopic struct {
	topic Topic
}

// MemoryRepository keeps all tracking state in process memory behind a single
// mutex, which gives it the same serialization guarantees the Postgres
// implementation gets from row locks and transactions.
type MemoryRepository struct {
	mu        sync.Mutex
	topics    map[int64]*memoryTopic
	positions map[int64]map[int64]*ReadPosition // topic id -> user id
	nextID    int64
	horizon   time.Duration
	log       *slog.Logger
}

// MemoryOption configures a MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithMemoryNewTopicHorizon overrides the new-topic cutoff window.
func WithMemoryNewTopicHorizon(d time.Duration) MemoryOption {
	return func(r *MemoryRepository) {
		if d > 0 {
			r.horizon = d
		}
	}
}

// WithMemoryLogger sets the structured logger used for self-heal warnings.
func WithMemoryLogger(log *slog.Logger) MemoryOption {
	return func(r *MemoryRepository) {
		if log != nil {
			r.log = log
		}
	}
}

func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	r := &MemoryRepository{
		topics:    make(map[int64]*memoryTopic),
		positions: make(map[int64]map[int64]*ReadPosition),
		horizon:   DefaultNewTopicHorizon,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRepository) CreateTopic(_ context.Context, t *Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Archetype == "" {
		t.Archetype = ArchetypeRegular
	}
	t.HighestPostNumber = 1

	// Mirror the Postgres RETURNING id behavior: a zero ID draws the next
	// generated one, an explicit ID advances the counter past itself so a
	// later generated ID cannot collide.
	if t.ID == 0 {
		r.nextID++
		t.ID = r.nextID
	} else if t.ID > r.nextID {
		r.nextID = t.ID
	}

	cp := *t
	r.topics[t.ID] = &memoryTopic{topic: cp}
	return nil
}

func (r *MemoryRepository) Topic(_ context.Context, topicID int64) (*Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mt, ok := r.topics[topicID]
	if !ok {
		return nil, ErrTopicNotFound
	}
	cp := mt.topic
	return &cp, nil
}

func (r *MemoryRepository) AddPost(_ context.Context, topicID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mt, ok := r.topics[topicID]
	if !ok {
		return 0, ErrTopicNotFound
	}
	mt.topic.HighestPostNumber++
	return mt.topic.HighestPostNumber, nil
}

func (r *MemoryRepository) DeletePost(_ context.Context, topicID int64, postNumber int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mt, ok := r.topics[topicID]
	if !ok {
		return 0, ErrTopicNotFound
	}
	if postNumber < 1 || postNumber > mt.topic.HighestPostNumber {
		return 0, ErrPostNotFound
	}

	// Surviving posts are renumbered consecutively, so the new highest is
	// simply one less. Read positions are clamped under it while the
	// repository mutex is held, playing the role of the Postgres
	// transaction: no MarkRead can interleave.
	mt.topic.HighestPostNumber--
	highest := mt.topic.HighestPostNumber

	for _, pos := range r.positions[topicID] {
		if pos.LastReadPostNumber > highest || pos.SeenPostCount > highest {
			r.log.Warn("clamping inconsistent read position",
				slog.Int64("user_id", pos.UserID),
				slog.Int64("topic_id", topicID),
				slog.Int("last_read", pos.LastReadPostNumber),
				slog.Int("highest", highest))
		}
		pos.LastReadPostNumber = min(pos.LastReadPostNumber, highest)
		pos.SeenPostCount = min(pos.SeenPostCount, highest)
	}
	return highest, nil
}

func (r *MemoryRepository) MarkRead(_ context.Context, userID, topicID int64, postNumber int) (ReadPosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mt, ok := r.topics[topicID]
	if !ok {
		return ReadPosition{}, ErrTopicNotFound
	}

	pos := r.position(userID, topicID)
	clamped := min(postNumber, mt.topic.HighestPostNumber)
	pos.LastReadPostNumber = max(pos.LastReadPostNumber, clamped)
	pos.SeenPostCount = max(pos.SeenPostCount, clamped)
	pos.LastVisitedAt = time.Now().UTC()
	return *pos, nil
}

func (r *MemoryRepository) ReadPosition(_ context.Context, userID, topicID int64) (*ReadPosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pos, ok := r.positions[topicID][userID]; ok {
		cp := *pos
		return &cp, nil
	}
	return nil, nil
}

func (r *MemoryRepository) SetNotificationLevel(_ context.Context, userID, topicID int64, level NotificationLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[topicID]; !ok {
		return ErrTopicNotFound
	}
	r.position(userID, topicID).NotificationLevel = level
	return nil
}

func (r *MemoryRepository) TrackingUsers(_ context.Context, topicID int64) ([]TrackedUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []TrackedUser
	for _, pos := range r.positions[topicID] {
		if pos.NotificationLevel >= NotificationTracking {
			out = append(out, TrackedUser{
				UserID:            pos.UserID,
				NotificationLevel: pos.NotificationLevel,
			})
		}
	}
	return out, nil
}

func (r *MemoryRepository) UnreadCount(_ context.Context, userID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for topicID, users := range r.positions {
		pos, ok := users[userID]
		if !ok || pos.NotificationLevel < NotificationTracking {
			continue
		}
		mt, ok := r.topics[topicID]
		if !ok || !r.countable(&mt.topic) {
			continue
		}
		if pos.LastReadPostNumber < mt.topic.HighestPostNumber {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) NewCount(_ context.Context, userID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.horizon)
	count := 0
	for topicID, mt := range r.topics {
		if !r.countable(&mt.topic) || mt.topic.CreatedAt.Before(cutoff) {
			continue
		}
		if _, visited := r.positions[topicID][userID]; visited {
			continue
		}
		count++
	}
	return count, nil
}

// countable filters topics that participate in unread/new aggregates:
// visible, regular, not deleted.
func (r *MemoryRepository) countable(t *Topic) bool {
	return t.Visible && t.Archetype == ArchetypeRegular && t.DeletedAt == nil
}

// position returns the user's row for the topic, creating it on first visit.
func (r *MemoryRepository) position(userID, topicID int64) *ReadPosition {
	users, ok := r.positions[topicID]
	if !ok {
		users = make(map[int64]*ReadPosition)
		r.positions[topicID] = users
	}
	pos, ok := users[userID]
	if !ok {
		now := time.Now().UTC()
		pos = &ReadPosition{
			UserID:            userID,
			TopicID:           topicID,
			NotificationLevel: NotificationRegular,
			FirstVisitedAt:    now,
			LastVisitedAt:     now,
		}
		users[userID] = pos
	}
	return pos
}
