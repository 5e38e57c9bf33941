package longpoll

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/topicbus/bus"
)

// channelsFromQuery reads subscriptions from query parameters: every
// parameter whose name starts with "/" is a channel mapped to the last
// applied sequence, e.g. ?/new=0&/unread/42=17.
func channelsFromQuery(r *http.Request) (map[string]int64, error) {
	channels := make(map[string]int64)
	for name, values := range r.URL.Query() {
		if !strings.HasPrefix(name, "/") || len(values) == 0 {
			continue
		}
		seq, err := strconv.ParseInt(values[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("channel %s: bad sequence %q", name, values[0])
		}
		channels[name] = seq
	}
	return channels, nil
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subscriber(w, r)
	if !ok {
		return
	}
	clientID := chi.URLParam(r, "clientID")

	channels, err := channelsFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(channels) == 0 {
		http.Error(w, "no channels requested", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	l, err := h.bus.Listen(r.Context(), bus.ListenRequest{
		UserID:   userID,
		Channels: channels,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer l.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.log.Debug("stream opened",
		slog.String("client_id", clientID),
		slog.Int64("user_id", userID),
		slog.Int("channels", len(channels)))

	// Heartbeat comments keep idle proxies from cutting the connection.
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": hb\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, open := <-l.C:
			if !open {
				return
			}
			frame, err := json.Marshal(Frame{Channel: msg.Channel, MessageID: msg.Sequence, Data: msg.Data})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
