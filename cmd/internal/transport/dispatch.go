package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loom/cmd/internal/state"
	v1 "loom/shared/contracts/chat/v1"
)

const previewMaxChars = 80

// ErrUnsupportedEvent is returned for envelope types the dispatcher does
// not route. Session envelopes (hello/hello_ack/error) are handled by the
// connection loop and never reach the dispatcher.
var ErrUnsupportedEvent = errors.New("transport: unsupported event type")

// Dispatcher applies validated event envelopes to the two stores.
//
// It is the single caller that issues the paired MessageStore/ChatStore
// calls for a new tail message, which is what keeps lastMessage and
// unreadCount eventually consistent with the actual message list.
type Dispatcher struct {
	log    *slog.Logger
	chats  *state.ChatStore
	msgs   *state.MessageStore
	notify *state.Notifier

	// selfID is the signed-in user; messages they sent never count unread.
	selfID string
}

// NewDispatcher wires a dispatcher to its stores. notify may be nil.
func NewDispatcher(log *slog.Logger, chats *state.ChatStore, msgs *state.MessageStore, notify *state.Notifier, selfID string) (*Dispatcher, error) {
	if chats == nil || msgs == nil {
		return nil, errors.New("transport: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, chats: chats, msgs: msgs, notify: notify, selfID: selfID}, nil
}

// Apply routes one envelope to its store mutation. Malformed payloads are
// rejected with an error at this boundary; unknown targets inside the
// stores are silent no-ops per the delivery model.
func (d *Dispatcher) Apply(env v1.Envelope, now time.Time) error {
	err := d.route(env, now)
	if err != nil {
		eventsRejected.Inc()
		return err
	}
	eventsApplied.WithLabelValues(env.Type).Inc()
	return nil
}

func (d *Dispatcher) route(env v1.Envelope, now time.Time) error {
	switch env.Type {
	case v1.TypeMessageCreated:
		return d.onMessageCreated(env.Payload, now)
	case v1.TypeMessageEdited:
		return d.onMessageEdited(env.Payload)
	case v1.TypeMessageDeleted:
		return d.onMessageDeleted(env.Payload)
	case v1.TypeReactionAdded, v1.TypeReactionRemoved:
		return d.onReaction(env.Type, env.Payload)
	case v1.TypeReadReceipt:
		return d.onReadReceipt(env.Payload)
	case v1.TypeStatusChanged:
		return d.onStatusChanged(env.Payload)
	case v1.TypeTypingStarted, v1.TypeTypingStopped:
		return d.onTyping(env.Type, env.Payload, now)
	case v1.TypeChatUpserted:
		return d.onChatUpserted(env.Payload)
	case v1.TypeChatDeleted:
		return d.onChatDeleted(env.Payload)
	case v1.TypeParticipantAdded, v1.TypeParticipantRemoved:
		return d.onParticipant(env.Type, env.Payload, envTime(env, now))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, env.Type)
	}
}

func envTime(env v1.Envelope, now time.Time) time.Time {
	if !env.TS.IsZero() {
		return env.TS
	}
	return now
}

func (d *Dispatcher) publish(kind state.UpdateKind, chatID string) {
	if d.notify != nil {
		d.notify.Publish(state.Update{Kind: kind, ChatID: chatID})
	}
}

// ---- messages ----

func messageFromPayload(p v1.MessagePayload) state.Message {
	kind := state.ContentKind(p.Kind)
	if kind == "" {
		kind = state.ContentText
	}
	status := state.Status(p.Status)
	if status == "" {
		status = state.StatusSent
	}
	return state.Message{
		ID:        p.MessageID,
		ChatID:    p.ChatID,
		Sender:    p.Sender,
		Timestamp: p.Timestamp,
		Content: state.Content{
			Kind: kind,
			Text: p.Text,
			Ref:  p.Ref,
			Name: p.Name,
		},
		Status:        status,
		Edited:        p.Edited,
		ReplyTo:       p.ReplyTo,
		ForwardedFrom: p.ForwardedFrom,
	}
}

func preview(m state.Message) string {
	text := m.Content.Text
	if text == "" {
		switch m.Content.Kind {
		case state.ContentMedia:
			text = "[media]"
		case state.ContentFile:
			text = "[file] " + m.Content.Name
		}
	}
	r := []rune(text)
	if len(r) > previewMaxChars {
		r = r[:previewMaxChars]
	}
	return string(r)
}

func (d *Dispatcher) onMessageCreated(raw json.RawMessage, now time.Time) error {
	var p v1.MessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.MessageID == "" || p.ChatID == "" {
		return errors.New("invalid payload: missing message_id or chat_id")
	}

	m := messageFromPayload(p)
	d.msgs.UpsertMessage(m)

	// Sending a message implicitly ends the sender's typing presence.
	d.msgs.SetTyping(m.ChatID, m.Sender, false, now)

	d.chats.UpdateLastMessage(m.ChatID, state.LastMessage{
		Sender:    m.Sender,
		Preview:   preview(m),
		Timestamp: m.Timestamp,
	})
	if m.Sender != d.selfID && d.chats.ActiveChatID() != m.ChatID {
		d.chats.IncrementUnread(m.ChatID)
	}

	d.publish(state.UpdateMessages, m.ChatID)
	d.publish(state.UpdateTyping, m.ChatID)
	d.publish(state.UpdateRoster, "")
	return nil
}

func (d *Dispatcher) onMessageEdited(raw json.RawMessage) error {
	var p v1.MessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.MessageID == "" || p.ChatID == "" {
		return errors.New("invalid payload: missing message_id or chat_id")
	}

	m := messageFromPayload(p)
	m.Edited = true

	// Edits must not lose merge state contributed by other users: the
	// payload carries the resulting message value, readBy/reactions live
	// only in the store.
	if cur, ok := d.msgs.MessageByID(m.ID); ok {
		m.ReadBy = cur.ReadBy
		m.Reactions = cur.Reactions
		m.Status = cur.Status
	}
	d.msgs.UpsertMessage(m)

	d.publish(state.UpdateMessages, m.ChatID)
	return nil
}

func (d *Dispatcher) onMessageDeleted(raw json.RawMessage) error {
	var p v1.MessageDeletedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	d.msgs.RemoveMessage(p.ChatID, p.MessageID)
	d.publish(state.UpdateMessages, p.ChatID)
	return nil
}

// ---- per-message merges ----

func (d *Dispatcher) onReaction(typ string, raw json.RawMessage) error {
	var p v1.ReactionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if typ == v1.TypeReactionAdded {
		d.msgs.AddReaction(p.MessageID, p.Emoji, p.UserID)
	} else {
		d.msgs.RemoveReaction(p.MessageID, p.Emoji, p.UserID)
	}
	if m, ok := d.msgs.MessageByID(p.MessageID); ok {
		d.publish(state.UpdateMessages, m.ChatID)
	}
	return nil
}

func (d *Dispatcher) onReadReceipt(raw json.RawMessage) error {
	var p v1.ReadReceiptPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	d.msgs.MarkRead(p.ChatID, p.MessageID, p.UserID, p.ReadAt)
	d.publish(state.UpdateMessages, p.ChatID)
	return nil
}

func (d *Dispatcher) onStatusChanged(raw json.RawMessage) error {
	var p v1.StatusChangedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	d.msgs.UpdateStatus(p.MessageID, state.Status(p.Status))
	if m, ok := d.msgs.MessageByID(p.MessageID); ok {
		d.publish(state.UpdateMessages, m.ChatID)
	}
	return nil
}

// ---- typing ----

func (d *Dispatcher) onTyping(typ string, raw json.RawMessage, now time.Time) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	d.msgs.SetTyping(p.ChatID, p.UserID, typ == v1.TypeTypingStarted, now)
	d.publish(state.UpdateTyping, p.ChatID)
	return nil
}

// ---- roster ----

func (d *Dispatcher) onChatUpserted(raw json.RawMessage) error {
	var p v1.ChatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.ChatID == "" {
		return errors.New("invalid payload: missing chat_id")
	}

	c := state.Chat{
		ID:           p.ChatID,
		Kind:         state.ChatKind(p.Kind),
		Participants: p.Participants,
		UpdatedAt:    p.UpdatedAt,
	}
	// Viewer-local fields are not on the wire; carry them over so a
	// metadata update cannot wipe the unread counter or tail summary.
	if cur, ok := d.chats.ChatByID(p.ChatID); ok {
		c.UnreadCount = cur.UnreadCount
		c.LastMessage = cur.LastMessage
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = cur.UpdatedAt
		}
	}
	d.chats.Upsert(c)

	d.publish(state.UpdateRoster, "")
	return nil
}

func (d *Dispatcher) onChatDeleted(raw json.RawMessage) error {
	var p v1.ChatDeletedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	d.chats.Remove(p.ChatID)
	d.msgs.Clear(p.ChatID)

	d.publish(state.UpdateRoster, "")
	d.publish(state.UpdateMessages, p.ChatID)
	d.publish(state.UpdateTyping, p.ChatID)
	return nil
}

func (d *Dispatcher) onParticipant(typ string, raw json.RawMessage, at time.Time) error {
	var p v1.ParticipantPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if typ == v1.TypeParticipantAdded {
		d.chats.AddParticipant(p.ChatID, p.UserID)
	} else {
		d.chats.RemoveParticipant(p.ChatID, p.UserID)
	}
	d.chats.Touch(p.ChatID, at)

	d.publish(state.UpdateRoster, "")
	return nil
}
