package longpoll_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/topicbus/bus"
	"github.com/dmitrymomot/topicbus/longpoll"
)

type fixture struct {
	bus    *bus.Bus
	server *httptest.Server
}

func newFixture(t *testing.T, backlog bus.Backlog, opts ...longpoll.Option) *fixture {
	t.Helper()

	b := bus.New(bus.NewMemorySequencer(), backlog)
	t.Cleanup(func() { _ = b.Close() })

	resolver := func(r *http.Request) (int64, error) {
		header := r.Header.Get("X-User-ID")
		switch header {
		case "":
			return 0, nil
		case "denied":
			return 0, errors.New("no access")
		default:
			return strconv.ParseInt(header, 10, 64)
		}
	}

	h := longpoll.NewHandler(b, resolver, opts...)
	r := chi.NewRouter()
	r.Mount("/message-bus", h.Router())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{bus: b, server: srv}
}

func (f *fixture) poll(t *testing.T, userID string, query string, channels map[string]int64) []longpoll.Frame {
	t.Helper()

	body, err := json.Marshal(channels)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/message-bus/client-1/poll"+query, bytes.NewReader(body))
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var frames []longpoll.Frame
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frames))
	return frames
}

func TestPollReturnsBacklog(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.NewMemoryBacklog())
	ctx := context.Background()

	first, err := f.bus.Publish(ctx, "/new", map[string]any{"topic_id": 1})
	require.NoError(t, err)
	second, err := f.bus.Publish(ctx, "/new", map[string]any{"topic_id": 2})
	require.NoError(t, err)

	frames := f.poll(t, "", "?dlp=t", map[string]int64{"/new": 0})
	require.Len(t, frames, 2)
	assert.Equal(t, "/new", frames[0].Channel)
	assert.Equal(t, first, frames[0].MessageID)
	assert.Equal(t, second, frames[1].MessageID)

	// Resuming past the first message returns only the second.
	frames = f.poll(t, "", "?dlp=t", map[string]int64{"/new": first})
	require.Len(t, frames, 1)
	assert.Equal(t, second, frames[0].MessageID)
}

func TestPollEmptyWhenCaughtUp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.NewMemoryBacklog())
	seq, err := f.bus.Publish(context.Background(), "/new", "x")
	require.NoError(t, err)

	frames := f.poll(t, "", "?dlp=t", map[string]int64{"/new": seq})
	assert.Empty(t, frames)
}

func TestPollStatusFrameOnExpiredBacklog(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.NewMemoryBacklogWithRetention(bus.Retention{MaxMessages: 2}))
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 5; i++ {
		seq, err := f.bus.Publish(ctx, "/new", i)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	frames := f.poll(t, "", "?dlp=t", map[string]int64{"/new": seqs[0]})

	var status map[string]int64
	for _, fr := range frames {
		if fr.Channel == bus.StatusChannel {
			assert.Equal(t, int64(-1), fr.MessageID)
			require.NoError(t, json.Unmarshal(fr.Data, &status))
		}
	}
	require.NotNil(t, status, "expected a status frame")
	assert.Equal(t, seqs[4], status["/new"])
}

func TestPollRecipientFilterAdvancesPosition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.NewMemoryBacklog())
	ctx := context.Background()

	seq, err := f.bus.Publish(ctx, "/unread/5", "secret", bus.WithRecipients(5))
	require.NoError(t, err)

	// The wrong user gets no payload, but the status frame moves it past the
	// message so the channel is not re-scanned forever.
	frames := f.poll(t, "6", "?dlp=t", map[string]int64{"/unread/5": 0})
	require.Len(t, frames, 1)
	require.Equal(t, bus.StatusChannel, frames[0].Channel)

	var status map[string]int64
	require.NoError(t, json.Unmarshal(frames[0].Data, &status))
	assert.Equal(t, seq, status["/unread/5"])

	// The right user gets the payload and no status frame.
	frames = f.poll(t, "5", "?dlp=t", map[string]int64{"/unread/5": 0})
	require.Len(t, frames, 1)
	assert.Equal(t, "/unread/5", frames[0].Channel)
	assert.Equal(t, seq, frames[0].MessageID)
}

func TestPollHeldUntilPublish(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.NewMemoryBacklog())

	type result struct {
		frames []longpoll.Frame
	}
	done := make(chan result, 1)
	go func() {
		done <- result{frames: f.poll(t, "", "", map[string]int64{"/new": 0})}
	}()

	// Let the poll register, then publish.
	time.Sleep(100 * time.Millisecond)
	seq, err := f.bus.Publish(context.Background(), "/new", "wake")
	require.NoError(t, err)

	select {
	case res := <-done:
		require.Len(t, res.frames, 1)
		assert.Equal(t, seq, res.frames[0].MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not wake on publish")
	}
}

func TestPollRejectsBadRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.NewMemoryBacklog())

	for name, body := range map[string]string{
		"malformed":   "{not json",
		"no channels": "{}",
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(f.server.URL+"/message-bus/c/poll?dlp=t", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestPollForbidden(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.NewMemoryBacklog())

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/message-bus/c/poll?dlp=t", strings.NewReader(`{"/new":0}`))
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "denied")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStreamDeliversFrames(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.NewMemoryBacklog(), longpoll.WithHeartbeat(100*time.Millisecond))
	ctx := context.Background()

	seq, err := f.bus.Publish(ctx, "/new", map[string]any{"topic_id": 9})
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/message-bus/c/stream?/new=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(5 * time.Second)
	for {
		lineCh := make(chan string, 1)
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lineCh)
				return
			}
			lineCh <- line
		}()

		select {
		case <-deadline:
			t.Fatal("no frame before deadline")
		case line, open := <-lineCh:
			if !open {
				t.Fatal("stream closed early")
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var frame longpoll.Frame
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &frame))
			assert.Equal(t, "/new", frame.Channel)
			assert.Equal(t, seq, frame.MessageID)
			return
		}
	}
}

func TestStreamRequiresChannels(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.NewMemoryBacklog())

	resp, err := http.Get(f.server.URL + "/message-bus/c/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketDeliversFrames(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.NewMemoryBacklog())
	ctx := context.Background()

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/message-bus/c/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// Subscribe from the start of the channel, then publish.
	require.NoError(t, conn.WriteJSON(map[string]int64{"/new": 0}))

	seq, err := f.bus.Publish(ctx, "/new", map[string]any{"topic_id": 3})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame longpoll.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "/new", frame.Channel)
	assert.Equal(t, seq, frame.MessageID)
}

func TestWebsocketResubscribe(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.NewMemoryBacklog())
	ctx := context.Background()

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/message-bus/c/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]int64{"/new": 0}))
	seq, err := f.bus.Publish(ctx, "/new", "first")
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame longpoll.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, seq, frame.MessageID)

	// A new subscription map replaces the old one entirely.
	require.NoError(t, conn.WriteJSON(map[string]int64{"/unread/1": 0}))
	unreadSeq, err := f.bus.Publish(ctx, "/unread/1", "second")
	require.NoError(t, err)

	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "/unread/1", frame.Channel)
	assert.Equal(t, unreadSeq, frame.MessageID)
}

func TestWebsocketStatusFrameOnExpiredBacklog(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.NewMemoryBacklogWithRetention(bus.Retention{MaxMessages: 2}))
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 5; i++ {
		seq, err := f.bus.Publish(ctx, "/new", i)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/message-bus/c/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// Resuming past evicted messages must yield a status frame first, then
	// the retained tail.
	require.NoError(t, conn.WriteJSON(map[string]int64{"/new": seqs[0]}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame longpoll.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, bus.StatusChannel, frame.Channel)
	require.Equal(t, int64(-1), frame.MessageID)

	var resume map[string]int64
	require.NoError(t, json.Unmarshal(frame.Data, &resume))
	assert.Equal(t, seqs[4], resume["/new"])

	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, seqs[3], frame.MessageID)
}

func TestWebsocketCatchUpFromBacklog(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.NewMemoryBacklog())
	ctx := context.Background()

	first, err := f.bus.Publish(ctx, "/new", "a")
	require.NoError(t, err)
	second, err := f.bus.Publish(ctx, "/new", "b")
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/message-bus/c/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]int64{"/new": first}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame longpoll.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, second, frame.MessageID)
}
