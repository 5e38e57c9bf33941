package longpoll

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/topicbus/bus"
)

// maxPollBody bounds the subscription map; a real client follows tens of
// channels, not thousands.
const maxPollBody = 64 * 1024

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subscriber(w, r)
	if !ok {
		return
	}
	clientID := chi.URLParam(r, "clientID")

	var channels map[string]int64
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPollBody))
	if err := dec.Decode(&channels); err != nil {
		http.Error(w, "malformed subscription body", http.StatusBadRequest)
		return
	}
	if len(channels) == 0 {
		http.Error(w, "no channels requested", http.StatusBadRequest)
		return
	}

	timeout := h.pollTimeout
	if r.URL.Query().Get("dlp") == "t" {
		timeout = 0
	}

	res, err := h.bus.Poll(r.Context(), bus.PollRequest{
		UserID:   userID,
		Channels: channels,
		Timeout:  timeout,
	})
	if err != nil {
		switch {
		case errors.Is(err, r.Context().Err()):
			// Client went away; nothing to write.
			return
		case errors.Is(err, bus.ErrBusClosed):
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
		case errors.Is(err, bus.ErrInvalidChannel):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.log.Error("poll failed",
				slog.String("client_id", clientID),
				slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(frames(channels, res)); err != nil {
		h.log.Debug("poll response write failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
	}
}
