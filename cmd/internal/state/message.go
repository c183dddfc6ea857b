package state

import "time"

// Status is the delivery status of a message.
//
// The caller-side state machine is:
//
//	sending -> {sent, failed}
//	sent -> delivered -> read
//
// failed is terminal per attempt (a retried send is a new message identity).
// The store does not enforce transitions: delivery acknowledgements and read
// receipts arrive on different channels, so a later lower-status event can
// legitimately land after a speculative higher one. UpdateStatus overwrites.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// ContentKind discriminates the canonical content of a message.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentMedia ContentKind = "media"
	ContentFile  ContentKind = "file"
)

// Content holds exactly one populated content kind. Media and file messages
// may carry an accompanying caption in Text.
type Content struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text,omitempty"`
	Ref  string      `json:"ref,omitempty"`
	Name string      `json:"name,omitempty"`
}

// Message is a single unit of conversation content.
//
// ID is unique store-wide. ChatID and Timestamp are immutable after creation;
// Timestamp is the primary ordering key within a chat.
type Message struct {
	ID        string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Content   Content   `json:"content"`
	Status    Status    `json:"status"`

	// ReadBy maps user id -> time that user read the message.
	// Grows monotonically per user; a user appears at most once.
	ReadBy map[string]time.Time `json:"read_by,omitempty"`

	// Reactions maps emoji -> users who applied it (no duplicate user per
	// emoji, no empty user lists).
	Reactions map[string][]string `json:"reactions,omitempty"`

	Edited bool `json:"edited,omitempty"`

	// ReplyTo / ForwardedFrom reference other message ids. They are resolved
	// lazily by lookup, never stored as object-graph edges.
	ReplyTo       string `json:"reply_to,omitempty"`
	ForwardedFrom string `json:"forwarded_from,omitempty"`
}

// clone returns a deep copy so store snapshots never alias internal maps.
func (m Message) clone() Message {
	out := m
	if m.ReadBy != nil {
		out.ReadBy = make(map[string]time.Time, len(m.ReadBy))
		for k, v := range m.ReadBy {
			out.ReadBy[k] = v
		}
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = append([]string(nil), v...)
		}
	}
	return out
}
