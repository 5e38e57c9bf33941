package longpoll

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dmitrymomot/topicbus/bus"
)

const (
	// Time allowed to write a frame to the peer.
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	wsPongWait = 60 * time.Second

	// Ping period, kept under wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10

	// Largest client message accepted; subscriptions are small maps.
	wsReadLimit = 64 * 1024
)

// handleWS serves bus frames over a websocket. The client sends JSON objects
// mapping channels to the last applied sequence; each replaces the previous
// subscription, so re-sending the map after applying messages both
// acknowledges and keeps the subscription current.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subscriber(w, r)
	if !ok {
		return
	}
	clientID := chi.URLParam(r, "clientID")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.Debug("websocket upgrade failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	subs := make(chan map[string]int64, 1)
	readDone := make(chan struct{})
	go h.wsReadLoop(conn, clientID, subs, readDone)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var listener *bus.Listener
	var msgs <-chan bus.Message
	defer func() {
		if listener != nil {
			listener.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case channels := <-subs:
			if listener != nil {
				listener.Close()
			}
			l, err := h.bus.Listen(ctx, bus.ListenRequest{UserID: userID, Channels: channels})
			if err != nil {
				h.wsClose(conn, websocket.ClosePolicyViolation, err.Error())
				return
			}
			listener, msgs = l, l.C
		case msg, open := <-msgs:
			if !open {
				// Bus shut down.
				h.wsClose(conn, websocket.CloseGoingAway, "shutting down")
				return
			}
			frame, err := json.Marshal(Frame{Channel: msg.Channel, MessageID: msg.Sequence, Data: msg.Data})
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsReadLoop forwards subscription maps from the peer. subs is bidirectional
// because replacing a stale pending subscription requires draining it first.
func (h *Handler) wsReadLoop(conn *websocket.Conn, clientID string, subs chan map[string]int64, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read failed",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()))
			}
			return
		}

		var channels map[string]int64
		if err := json.Unmarshal(raw, &channels); err != nil || len(channels) == 0 {
			continue
		}

		// Only the newest subscription matters; drop a stale pending one.
		select {
		case subs <- channels:
		default:
			select {
			case <-subs:
			default:
			}
			subs <- channels
		}
	}
}

func (h *Handler) wsClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}
