// Package v1 defines the Loom chat event contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the state runtime and whatever delivers events to it,
// so the wire shape stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageCreated announces a newly accepted message.
	TypeMessageCreated = "message_created"
	// TypeMessageEdited announces an accepted edit; carries the full resulting message.
	TypeMessageEdited = "message_edited"
	// TypeMessageDeleted announces a message removal.
	TypeMessageDeleted = "message_deleted"

	// TypeReactionAdded / TypeReactionRemoved mutate one (message, emoji, user) triple.
	TypeReactionAdded   = "reaction_added"
	TypeReactionRemoved = "reaction_removed"

	// TypeReadReceipt records that a user has read a message at a given time.
	TypeReadReceipt = "read_receipt"

	// TypeStatusChanged carries a delivery-status transition for a message.
	TypeStatusChanged = "status_changed"

	// TypeTypingStarted / TypeTypingStopped signal composing presence.
	TypeTypingStarted = "typing_started"
	TypeTypingStopped = "typing_stopped"

	// TypeChatUpserted / TypeChatDeleted mutate the conversation roster.
	TypeChatUpserted = "chat_upserted"
	TypeChatDeleted  = "chat_deleted"

	// TypeParticipantAdded / TypeParticipantRemoved mutate chat membership.
	TypeParticipantAdded   = "participant_added"
	TypeParticipantRemoved = "participant_removed"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeMessageCreated,
		TypeMessageEdited,
		TypeMessageDeleted,
		TypeReactionAdded,
		TypeReactionRemoved,
		TypeReadReceipt,
		TypeStatusChanged,
		TypeTypingStarted,
		TypeTypingStopped,
		TypeChatUpserted,
		TypeChatDeleted,
		TypeParticipantAdded,
		TypeParticipantRemoved,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}
