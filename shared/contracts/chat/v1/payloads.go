package v1

import "time"

// ---- Session ----

// HelloPayload is sent by the client to initiate a session.
// Proof is an argon2id-derived credential proof; the server verifies it.
type HelloPayload struct {
	UserID string `json:"user_id"`
	Proof  string `json:"proof,omitempty"`
}

// HelloAckPayload confirms the session and names it.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// ---- Messages ----

// MessagePayload is the full message value carried by message_created and
// message_edited. The consumer stores it as-is; no field-level merging.
type MessagePayload struct {
	MessageID     string    `json:"message_id"`
	ChatID        string    `json:"chat_id"`
	Sender        string    `json:"sender"`
	Timestamp     time.Time `json:"timestamp"`
	Kind          string    `json:"kind"`
	Text          string    `json:"text,omitempty"`
	Ref           string    `json:"ref,omitempty"`
	Name          string    `json:"name,omitempty"`
	Status        string    `json:"status,omitempty"`
	Edited        bool      `json:"edited,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	ForwardedFrom string    `json:"forwarded_from,omitempty"`
}

// MessageDeletedPayload removes one message from one chat.
type MessageDeletedPayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// ---- Per-message merges ----

// ReactionPayload identifies one (message, emoji, user) triple.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
}

// ReadReceiptPayload records when a user read a message.
type ReadReceiptPayload struct {
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// StatusChangedPayload carries a delivery-status overwrite.
type StatusChangedPayload struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// ---- Typing presence ----

// TypingPayload signals composing presence in a chat.
type TypingPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// ---- Roster ----

// ChatPayload is the full chat value carried by chat_upserted.
type ChatPayload struct {
	ChatID       string    `json:"chat_id"`
	Kind         string    `json:"kind"`
	Participants []string  `json:"participants,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// ChatDeletedPayload removes a chat from the roster.
type ChatDeletedPayload struct {
	ChatID string `json:"chat_id"`
}

// ParticipantPayload mutates membership of one chat.
type ParticipantPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// ---- Errors ----

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
