package longpoll

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dmitrymomot/topicbus/bus"
)

// DefaultPollTimeout is how long a poll is held open when the client does
// not disable the hold.
const DefaultPollTimeout = 25 * time.Second

// SubscriberResolver maps a request to the subscriber's user id. Return 0
// for anonymous clients; return an error to reject the request with 403.
type SubscriberResolver func(r *http.Request) (int64, error)

// Frame is one wire entry, for all three transports.
type Frame struct {
	Channel   string          `json:"channel"`
	MessageID int64           `json:"message_id"`
	Data      json.RawMessage `json:"data"`
}

// Handler serves the message bus over HTTP.
type Handler struct {
	bus         *bus.Bus
	resolve     SubscriberResolver
	pollTimeout time.Duration
	heartbeat   time.Duration
	log         *slog.Logger
	upgrader    websocket.Upgrader
}

// Option configures a Handler.
type Option func(*Handler)

// WithPollTimeout sets how long a long poll is held open.
func WithPollTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pollTimeout = d
		}
	}
}

// WithHeartbeat sets the SSE/websocket keepalive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithLogger sets the handler's logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithCheckOrigin overrides the websocket origin check. The default accepts
// same-origin only, per gorilla's upgrader.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = fn
	}
}

func NewHandler(b *bus.Bus, resolve SubscriberResolver, opts ...Option) *Handler {
	h := &Handler{
		bus:         b,
		resolve:     resolve,
		pollTimeout: DefaultPollTimeout,
		heartbeat:   15 * time.Second,
		log:         slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns the routes to mount, typically under /message-bus.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/{clientID}/poll", h.handlePoll)
	r.Get("/{clientID}/stream", h.handleStream)
	r.Get("/{clientID}/ws", h.handleWS)
	return r
}

func (h *Handler) subscriber(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if h.resolve == nil {
		return 0, true
	}
	userID, err := h.resolve(r)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return 0, false
	}
	return userID, true
}

// frames converts bus messages plus bookkeeping into the wire shape. The
// status frame carries every channel the client must fast-forward on its
// own: positions advanced past filtered messages and expired backlogs.
func frames(requested map[string]int64, res bus.PollResult) []Frame {
	out := make([]Frame, 0, len(res.Messages)+1)
	delivered := make(map[string]int64, len(res.Messages))
	for _, m := range res.Messages {
		out = append(out, Frame{Channel: m.Channel, MessageID: m.Sequence, Data: m.Data})
		delivered[m.Channel] = m.Sequence
	}

	status := make(map[string]int64)
	for ch, pos := range res.Positions {
		if pos > requested[ch] && delivered[ch] < pos {
			status[ch] = pos
		}
	}
	for ch, end := range res.Expired {
		status[ch] = end
	}
	if len(status) > 0 {
		data, _ := json.Marshal(status)
		out = append(out, Frame{Channel: bus.StatusChannel, MessageID: -1, Data: data})
	}
	return out
}
