package bus_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dmitrymomot/topicbus/bus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBus(t *testing.T, opts ...bus.Option) *bus.Bus {
	t.Helper()
	b := bus.New(bus.NewMemorySequencer(), bus.NewMemoryBacklog(), opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishSequencesStrictlyIncrease(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 20; i++ {
		seq, err := b.Publish(ctx, "/new", map[string]int{"i": i})
		require.NoError(t, err)
		require.Greater(t, seq, last)
		last = seq
	}
}

func TestPublishConcurrentNoRepeats(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx := context.Background()

	const n = 50
	seqs := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := b.Publish(ctx, "/new", "x")
			assert.NoError(t, err)
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		require.False(t, seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	require.Len(t, seen, n)
}

func TestPublishValidatesChannel(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx := context.Background()

	for _, name := range []string{"", "new", "/with*star", "/__status"} {
		_, err := b.Publish(ctx, name, "x")
		require.ErrorIs(t, err, bus.ErrInvalidChannel, "channel %q", name)
	}
}

func TestPollReturnsOnlyNewerInOrder(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 3; i++ {
		seq, err := b.Publish(ctx, "/new", i)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	res, err := b.Poll(ctx, bus.PollRequest{
		Channels: map[string]int64{"/new": seqs[0]},
	})
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, seqs[1], res.Messages[0].Sequence)
	assert.Equal(t, seqs[2], res.Messages[1].Sequence)
	assert.Equal(t, seqs[2], res.Positions["/new"])
	assert.Empty(t, res.Expired)
}

func TestPollRecipientFilter(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "/new", "everyone")
	require.NoError(t, err)
	seq2, err := b.Publish(ctx, "/new", "only 7", bus.WithRecipients(7))
	require.NoError(t, err)

	// User 7 sees both.
	res, err := b.Poll(ctx, bus.PollRequest{
		UserID:   7,
		Channels: map[string]int64{"/new": 0},
	})
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)

	// User 9 sees only the public one, but the position still advances past
	// the filtered message.
	res, err = b.Poll(ctx, bus.PollRequest{
		UserID:   9,
		Channels: map[string]int64{"/new": 0},
	})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, seq2, res.Positions["/new"])
}

func TestPollBlocksUntilPublish(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx := context.Background()

	done := make(chan bus.PollResult, 1)
	go func() {
		res, err := b.Poll(ctx, bus.PollRequest{
			Channels: map[string]int64{"/unread/42": 0},
			Timeout:  5 * time.Second,
		})
		assert.NoError(t, err)
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := b.Publish(ctx, "/unread/42", map[string]int64{"topic_id": 1})
	require.NoError(t, err)

	select {
	case res := <-done:
		require.Len(t, res.Messages, 1)
		assert.Equal(t, "/unread/42", res.Messages[0].Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not wake on publish")
	}
}

func TestPollHeartbeatOnTimeout(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)

	start := time.Now()
	res, err := b.Poll(context.Background(), bus.PollRequest{
		Channels: map[string]int64{"/new": 0},
		Timeout:  100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestPollCancelledOnDisconnect(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := b.Poll(ctx, bus.PollRequest{
		Channels: map[string]int64{"/new": 0},
		Timeout:  5 * time.Second,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPollBacklogExpired(t *testing.T) {
	t.Parallel()

	backlog := bus.NewMemoryBacklogWithRetention(bus.Retention{MaxMessages: 2})
	b := bus.New(bus.NewMemorySequencer(), backlog)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 5; i++ {
		seq, err := b.Publish(ctx, "/new", i)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	// Client at position 1: messages 2 and 3 were evicted.
	res, err := b.Poll(ctx, bus.PollRequest{
		Channels: map[string]int64{"/new": seqs[0]},
	})
	require.NoError(t, err)
	require.Contains(t, res.Expired, "/new")
	assert.Equal(t, seqs[4], res.Expired["/new"])
}

func TestPollBusClosed(t *testing.T) {
	t.Parallel()

	b := bus.New(bus.NewMemorySequencer(), bus.NewMemoryBacklog())

	done := make(chan error, 1)
	go func() {
		_, err := b.Poll(context.Background(), bus.PollRequest{
			Channels: map[string]int64{"/new": 0},
			Timeout:  10 * time.Second,
		})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, bus.ErrBusClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not release on bus close")
	}
}

func TestAssetVersionClobberScenario(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx := context.Background()

	v123, err := b.Publish(ctx, "/global/asset-version", "v123")
	require.NoError(t, err)
	_, err = b.Publish(ctx, "/global/asset-version", "clobber")
	require.NoError(t, err)

	res, err := b.Poll(ctx, bus.PollRequest{
		Channels: map[string]int64{"/global/asset-version": v123},
	})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)

	var payload string
	require.NoError(t, json.Unmarshal(res.Messages[0].Data, &payload))
	assert.Equal(t, "clobber", payload)
}

func TestLastMessage(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx := context.Background()

	last, err := b.LastMessage(ctx, "/global/asset-version")
	require.NoError(t, err)
	assert.Nil(t, last)

	_, err = b.Publish(ctx, "/global/asset-version", "v1")
	require.NoError(t, err)
	seq2, err := b.Publish(ctx, "/global/asset-version", "v2")
	require.NoError(t, err)

	last, err = b.LastMessage(ctx, "/global/asset-version")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, seq2, last.Sequence)
}

func TestListenCatchUpThenLive(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx := context.Background()

	seq1, err := b.Publish(ctx, "/new", "old")
	require.NoError(t, err)
	_ = seq1

	l, err := b.Listen(ctx, bus.ListenRequest{
		Channels: map[string]int64{"/new": 0},
	})
	require.NoError(t, err)
	defer l.Close()

	first := <-l.C
	assert.Equal(t, seq1, first.Sequence)

	seq2, err := b.Publish(ctx, "/new", "live")
	require.NoError(t, err)

	select {
	case msg := <-l.C:
		assert.Equal(t, seq2, msg.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("live message not delivered")
	}
}

func TestListenWildcardLiveOnly(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx := context.Background()

	l, err := b.Listen(ctx, bus.ListenRequest{
		Patterns: []string{"/unread/*"},
	})
	require.NoError(t, err)
	defer l.Close()

	seq, err := b.Publish(ctx, "/unread/42", "ping")
	require.NoError(t, err)

	select {
	case msg := <-l.C:
		assert.Equal(t, "/unread/42", msg.Channel)
		assert.Equal(t, seq, msg.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("wildcard message not delivered")
	}
}

func TestListenBacklogExpiredStatus(t *testing.T) {
	t.Parallel()

	backlog := bus.NewMemoryBacklogWithRetention(bus.Retention{MaxMessages: 2})
	b := bus.New(bus.NewMemorySequencer(), backlog)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 5; i++ {
		seq, err := b.Publish(ctx, "/new", i)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	// Subscribing at position 1 after messages 2 and 3 were evicted must
	// surface a status marker before the retained tail.
	l, err := b.Listen(ctx, bus.ListenRequest{
		Channels: map[string]int64{"/new": seqs[0]},
	})
	require.NoError(t, err)
	defer l.Close()

	status := <-l.C
	require.Equal(t, bus.StatusChannel, status.Channel)
	assert.Equal(t, int64(-1), status.Sequence)

	var resume map[string]int64
	require.NoError(t, json.Unmarshal(status.Data, &resume))
	assert.Equal(t, seqs[4], resume["/new"])

	// The retained tail still follows.
	assert.Equal(t, seqs[3], (<-l.C).Sequence)
	assert.Equal(t, seqs[4], (<-l.C).Sequence)
}

func TestListenRecipientFilter(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx := context.Background()

	l, err := b.Listen(ctx, bus.ListenRequest{
		UserID:   9,
		Channels: map[string]int64{"/new": 0},
	})
	require.NoError(t, err)
	defer l.Close()

	_, err = b.Publish(ctx, "/new", "private", bus.WithRecipients(7))
	require.NoError(t, err)
	seq2, err := b.Publish(ctx, "/new", "public")
	require.NoError(t, err)

	select {
	case msg := <-l.C:
		assert.Equal(t, seq2, msg.Sequence, "filtered message must be skipped")
	case <-time.After(2 * time.Second):
		t.Fatal("public message not delivered")
	}
}
