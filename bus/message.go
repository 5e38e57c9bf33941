package bus

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Message is an immutable record of a single publish. Sequence is unique and
// strictly increasing within Channel. Recipients, when non-empty, restricts
// delivery to the listed user ids; the message still occupies its slot in the
// channel's sequence space so that replay preserves ordering for everyone.
type Message struct {
	Channel     string          `json:"channel"`
	Sequence    int64           `json:"message_id"`
	Data        json.RawMessage `json:"data"`
	Recipients  []int64         `json:"recipient_ids,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// VisibleTo reports whether the message may be delivered to the given user.
// Unfiltered messages are visible to everyone, including anonymous (zero) ids.
func (m Message) VisibleTo(userID int64) bool {
	if len(m.Recipients) == 0 {
		return true
	}
	return slices.Contains(m.Recipients, userID)
}

// StatusChannel is a reserved channel used by transports to report position
// advances and backlog expiry to clients. It cannot be published to.
const StatusChannel = "/__status"

// statusMessage is the expiry marker for streaming subscriptions: a
// StatusChannel entry whose data maps the channel to the sequence the client
// should resume from after refetching state. Sequence -1 marks it as
// bookkeeping, not a published message.
func statusMessage(channel string, end int64) Message {
	data, _ := json.Marshal(map[string]int64{channel: end})
	return Message{Channel: StatusChannel, Sequence: -1, Data: data}
}

// ValidateChannel checks that name is usable as a channel: non-empty, rooted
// at "/", and free of wildcard characters.
func ValidateChannel(name string) error {
	if name == "" || !strings.HasPrefix(name, "/") || strings.ContainsAny(name, "* ") {
		return ErrInvalidChannel
	}
	if name == StatusChannel {
		return ErrInvalidChannel
	}
	return nil
}
