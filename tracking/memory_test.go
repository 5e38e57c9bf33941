package tracking_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/topicbus/tracking"
)

func newTopic(t *testing.T, repo tracking.Repository, visible bool) *tracking.Topic {
	t.Helper()
	topic := &tracking.Topic{
		CategoryID: 1,
		Visible:    visible,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, repo.CreateTopic(context.Background(), topic))
	return topic
}

// addPosts grows the topic to the given highest post number.
func addPosts(t *testing.T, repo tracking.Repository, topicID int64, upTo int) {
	t.Helper()
	for {
		n, err := repo.AddPost(context.Background(), topicID)
		require.NoError(t, err)
		if n >= upTo {
			return
		}
	}
}

func TestCreateTopicAssignsDistinctIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := tracking.NewMemoryRepository()

	first := &tracking.Topic{CategoryID: 1, Visible: true}
	second := &tracking.Topic{CategoryID: 1, Visible: true}
	require.NoError(t, repo.CreateTopic(ctx, first))
	require.NoError(t, repo.CreateTopic(ctx, second))

	assert.NotZero(t, first.ID)
	assert.NotZero(t, second.ID)
	assert.NotEqual(t, first.ID, second.ID)

	// An explicit ID advances the generator past itself.
	explicit := &tracking.Topic{ID: 100, CategoryID: 1, Visible: true}
	require.NoError(t, repo.CreateTopic(ctx, explicit))
	generated := &tracking.Topic{CategoryID: 1, Visible: true}
	require.NoError(t, repo.CreateTopic(ctx, generated))
	assert.Greater(t, generated.ID, explicit.ID)

	// All four remain independently loadable.
	for _, id := range []int64{first.ID, second.ID, explicit.ID, generated.ID} {
		_, err := repo.Topic(ctx, id)
		require.NoError(t, err)
	}
}

func TestMarkReadMonotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := tracking.NewMemoryRepository()
	topic := newTopic(t, repo, true)
	addPosts(t, repo, topic.ID, 5)

	pos, err := repo.MarkRead(ctx, 1, topic.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, pos.LastReadPostNumber)

	// A lower post number must not move the marker back.
	pos, err = repo.MarkRead(ctx, 1, topic.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, pos.LastReadPostNumber)
	assert.Equal(t, 4, pos.SeenPostCount)
}

func TestMarkReadClampsToHighest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := tracking.NewMemoryRepository()
	topic := newTopic(t, repo, true)
	addPosts(t, repo, topic.ID, 3)

	pos, err := repo.MarkRead(ctx, 1, topic.ID, 99)
	require.NoError(t, err)
	assert.Equal(t, 3, pos.LastReadPostNumber)
}

func TestMarkReadConcurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := tracking.NewMemoryRepository()
	topic := newTopic(t, repo, true)
	addPosts(t, repo, topic.ID, 20)

	var wg sync.WaitGroup
	for n := 1; n <= 20; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := repo.MarkRead(ctx, 1, topic.ID, n)
			assert.NoError(t, err)
		}(n)
	}
	wg.Wait()

	pos, err := repo.ReadPosition(ctx, 1, topic.ID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 20, pos.LastReadPostNumber)
}

func TestDeletePostClampsReadPositions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := tracking.NewMemoryRepository()
	topic := newTopic(t, repo, true)
	addPosts(t, repo, topic.ID, 5)

	_, err := repo.MarkRead(ctx, 1, topic.ID, 5)
	require.NoError(t, err)

	// Deleting post 3 of 5 renumbers the survivors to 1..4; the reader who
	// had seen post 5 clamps down to 4.
	highest, err := repo.DeletePost(ctx, topic.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, highest)

	pos, err := repo.ReadPosition(ctx, 1, topic.ID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 4, pos.LastReadPostNumber)
	assert.LessOrEqual(t, pos.SeenPostCount, highest)
}

func TestDeletePostUnknown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := tracking.NewMemoryRepository()
	topic := newTopic(t, repo, true)

	_, err := repo.DeletePost(ctx, topic.ID, 7)
	require.ErrorIs(t, err, tracking.ErrPostNotFound)

	_, err = repo.DeletePost(ctx, 999, 1)
	require.ErrorIs(t, err, tracking.ErrTopicNotFound)
}

func TestUnreadCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := tracking.NewMemoryRepository()

	watched := newTopic(t, repo, true)
	tracked := newTopic(t, repo, true)
	regular := newTopic(t, repo, true)

	for _, topic := range []*tracking.Topic{watched, tracked, regular} {
		addPosts(t, repo, topic.ID, 3)
		_, err := repo.MarkRead(ctx, 1, topic.ID, 1)
		require.NoError(t, err)
	}
	require.NoError(t, repo.SetNotificationLevel(ctx, 1, watched.ID, tracking.NotificationWatching))
	require.NoError(t, repo.SetNotificationLevel(ctx, 1, tracked.ID, tracking.NotificationTracking))

	// Only tracked and watched topics with unread posts count; the topic at
	// regular level does not.
	count, err := repo.UnreadCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Catching up on one of them drops the count.
	_, err = repo.MarkRead(ctx, 1, watched.ID, 3)
	require.NoError(t, err)
	count, err = repo.UnreadCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := tracking.NewMemoryRepository()

	fresh := newTopic(t, repo, true)
	visited := newTopic(t, repo, true)
	newTopic(t, repo, false) // invisible topics never count

	_, err := repo.MarkRead(ctx, 1, visited.ID, 1)
	require.NoError(t, err)

	count, err := repo.NewCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the unvisited visible topic is new")

	// Another user has visited nothing: both visible topics are new.
	count, err = repo.NewCount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_ = fresh
}

func TestNewCountHorizon(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := tracking.NewMemoryRepository(tracking.WithMemoryNewTopicHorizon(time.Hour))

	old := &tracking.Topic{
		CategoryID: 1,
		Visible:    true,
		CreatedAt:  time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, repo.CreateTopic(ctx, old))
	newTopic(t, repo, true)

	count, err := repo.NewCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "topics older than the horizon are not new")
}

func TestTrackingUsers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := tracking.NewMemoryRepository()
	topic := newTopic(t, repo, true)

	require.NoError(t, repo.SetNotificationLevel(ctx, 1, topic.ID, tracking.NotificationWatching))
	require.NoError(t, repo.SetNotificationLevel(ctx, 2, topic.ID, tracking.NotificationTracking))
	require.NoError(t, repo.SetNotificationLevel(ctx, 3, topic.ID, tracking.NotificationMuted))
	require.NoError(t, repo.SetNotificationLevel(ctx, 4, topic.ID, tracking.NotificationRegular))

	users, err := repo.TrackingUsers(ctx, topic.ID)
	require.NoError(t, err)
	require.Len(t, users, 2)

	ids := []int64{users[0].UserID, users[1].UserID}
	assert.ElementsMatch(t, []int64{1, 2}, ids)
}

func TestTopicAccepting(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name  string
		topic tracking.Topic
		want  bool
	}{
		{name: "open", topic: tracking.Topic{}, want: true},
		{name: "closed", topic: tracking.Topic{Closed: true}, want: false},
		{name: "archived", topic: tracking.Topic{Archived: true}, want: false},
		{name: "deleted", topic: tracking.Topic{DeletedAt: &now}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.topic.Accepting())
		})
	}
}
