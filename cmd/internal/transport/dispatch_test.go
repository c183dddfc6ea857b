package transport

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"loom/cmd/internal/state"
	v1 "loom/shared/contracts/chat/v1"
)

func newTestDispatcher(t *testing.T, selfID string) (*Dispatcher, *state.ChatStore, *state.MessageStore) {
	t.Helper()

	chats := state.NewChatStore(nil)
	msgs, err := state.NewMessageStore(nil)
	if err != nil {
		t.Fatalf("NewMessageStore: %v", err)
	}
	d, err := NewDispatcher(nil, chats, msgs, state.NewNotifier(nil), selfID)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d, chats, msgs
}

func envOf(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return v1.Envelope{V: v1.Version, Type: typ, ID: "e1", TS: time.Unix(900, 0).UTC(), Payload: raw}
}

func apply(t *testing.T, d *Dispatcher, env v1.Envelope) {
	t.Helper()
	if err := d.Apply(env, time.Unix(1000, 0).UTC()); err != nil {
		t.Fatalf("Apply(%s): %v", env.Type, err)
	}
}

func TestMessageCreatedUpdatesBothStores(t *testing.T) {
	t.Parallel()

	d, chats, msgs := newTestDispatcher(t, "me")
	chats.Upsert(state.Chat{ID: "c1", Kind: state.ChatPrivate})

	apply(t, d, envOf(t, v1.TypeMessageCreated, v1.MessagePayload{
		MessageID: "m1", ChatID: "c1", Sender: "u1",
		Timestamp: time.Unix(100, 0).UTC(), Kind: "text", Text: "hello there",
	}))

	list := msgs.MessagesForChat("c1")
	if len(list) != 1 || list[0].ID != "m1" {
		t.Fatalf("message not stored: %+v", list)
	}

	c, _ := chats.ChatByID("c1")
	if c.LastMessage == nil || c.LastMessage.Preview != "hello there" {
		t.Fatalf("last message summary not mirrored: %+v", c.LastMessage)
	}
	if c.UnreadCount != 1 {
		t.Fatalf("unread got=%d want=1", c.UnreadCount)
	}
}

func TestMessageCreatedUnreadRules(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		sender string
		active string
		want   int
	}{
		{name: "other sender, chat not focused", sender: "u1", active: "", want: 1},
		{name: "own message never counts", sender: "me", active: "", want: 0},
		{name: "focused chat never counts", sender: "u1", active: "c1", want: 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d, chats, _ := newTestDispatcher(t, "me")
			chats.Upsert(state.Chat{ID: "c1", Kind: state.ChatPrivate})
			if tc.active != "" {
				chats.SetActive(tc.active)
			}

			apply(t, d, envOf(t, v1.TypeMessageCreated, v1.MessagePayload{
				MessageID: "m1", ChatID: "c1", Sender: tc.sender,
				Timestamp: time.Unix(100, 0).UTC(), Text: "x",
			}))

			c, _ := chats.ChatByID("c1")
			if c.UnreadCount != tc.want {
				t.Fatalf("unread got=%d want=%d", c.UnreadCount, tc.want)
			}
		})
	}
}

func TestMessageCreatedEndsSenderTyping(t *testing.T) {
	t.Parallel()

	d, _, msgs := newTestDispatcher(t, "me")
	now := time.Unix(1000, 0).UTC()
	msgs.SetTyping("c1", "u1", true, now)

	apply(t, d, envOf(t, v1.TypeMessageCreated, v1.MessagePayload{
		MessageID: "m1", ChatID: "c1", Sender: "u1",
		Timestamp: now, Text: "done typing",
	}))

	if got := msgs.TypingUsersForChat("c1"); got != nil {
		t.Fatalf("sender still typing after send: %v", got)
	}
}

func TestMessageEditedPreservesMergeState(t *testing.T) {
	t.Parallel()

	d, _, msgs := newTestDispatcher(t, "me")
	apply(t, d, envOf(t, v1.TypeMessageCreated, v1.MessagePayload{
		MessageID: "m1", ChatID: "c1", Sender: "u1",
		Timestamp: time.Unix(100, 0).UTC(), Text: "original",
	}))
	msgs.AddReaction("m1", "👍", "u2")
	msgs.MarkRead("c1", "m1", "u2", time.Unix(200, 0).UTC())

	apply(t, d, envOf(t, v1.TypeMessageEdited, v1.MessagePayload{
		MessageID: "m1", ChatID: "c1", Sender: "u1",
		Timestamp: time.Unix(100, 0).UTC(), Text: "edited",
	}))

	m, ok := msgs.MessageByID("m1")
	if !ok {
		t.Fatal("message vanished on edit")
	}
	if !m.Edited || m.Content.Text != "edited" {
		t.Fatalf("edit not applied: %+v", m)
	}
	if !reflect.DeepEqual(m.Reactions["👍"], []string{"u2"}) {
		t.Fatalf("edit dropped reactions: %v", m.Reactions)
	}
	if _, ok := m.ReadBy["u2"]; !ok {
		t.Fatalf("edit dropped read receipts: %v", m.ReadBy)
	}
}

func TestReactionAndReceiptEvents(t *testing.T) {
	t.Parallel()

	d, _, msgs := newTestDispatcher(t, "me")
	apply(t, d, envOf(t, v1.TypeMessageCreated, v1.MessagePayload{
		MessageID: "m1", ChatID: "c1", Sender: "u1",
		Timestamp: time.Unix(100, 0).UTC(), Text: "x",
	}))

	add := envOf(t, v1.TypeReactionAdded, v1.ReactionPayload{MessageID: "m1", Emoji: "🔥", UserID: "u2"})
	apply(t, d, add)
	apply(t, d, add) // at-least-once replay

	m, _ := msgs.MessageByID("m1")
	if !reflect.DeepEqual(m.Reactions["🔥"], []string{"u2"}) {
		t.Fatalf("reactions got=%v", m.Reactions)
	}

	apply(t, d, envOf(t, v1.TypeReactionRemoved, v1.ReactionPayload{MessageID: "m1", Emoji: "🔥", UserID: "u2"}))
	m, _ = msgs.MessageByID("m1")
	if len(m.Reactions) != 0 {
		t.Fatalf("reaction not removed: %v", m.Reactions)
	}

	apply(t, d, envOf(t, v1.TypeReadReceipt, v1.ReadReceiptPayload{
		ChatID: "c1", MessageID: "m1", UserID: "u2", ReadAt: time.Unix(300, 0).UTC(),
	}))
	m, _ = msgs.MessageByID("m1")
	if got := m.ReadBy["u2"]; !got.Equal(time.Unix(300, 0).UTC()) {
		t.Fatalf("readBy got=%v", got)
	}
}

func TestTypingEvents(t *testing.T) {
	t.Parallel()

	d, _, msgs := newTestDispatcher(t, "me")

	apply(t, d, envOf(t, v1.TypeTypingStarted, v1.TypingPayload{ChatID: "c1", UserID: "u1"}))
	if got := msgs.TypingUsersForChat("c1"); !reflect.DeepEqual(got, []string{"u1"}) {
		t.Fatalf("typing got=%v want=[u1]", got)
	}

	apply(t, d, envOf(t, v1.TypeTypingStopped, v1.TypingPayload{ChatID: "c1", UserID: "u1"}))
	if got := msgs.TypingUsersForChat("c1"); got != nil {
		t.Fatalf("typing got=%v want=nil", got)
	}
}

func TestChatUpsertPreservesViewerLocalFields(t *testing.T) {
	t.Parallel()

	d, chats, _ := newTestDispatcher(t, "me")
	chats.Upsert(state.Chat{ID: "c1", Kind: state.ChatPrivate})
	chats.IncrementUnread("c1")
	chats.UpdateLastMessage("c1", state.LastMessage{Sender: "u1", Preview: "p", Timestamp: time.Unix(50, 0).UTC()})

	apply(t, d, envOf(t, v1.TypeChatUpserted, v1.ChatPayload{
		ChatID: "c1", Kind: "group", Participants: []string{"me", "u1", "u2"},
	}))

	c, _ := chats.ChatByID("c1")
	if c.Kind != state.ChatGroup || len(c.Participants) != 3 {
		t.Fatalf("metadata not applied: %+v", c)
	}
	if c.UnreadCount != 1 {
		t.Fatalf("unread wiped by metadata update: %d", c.UnreadCount)
	}
	if c.LastMessage == nil || c.LastMessage.Preview != "p" {
		t.Fatalf("last message wiped: %+v", c.LastMessage)
	}
}

func TestChatDeletedDropsMessagesAndTyping(t *testing.T) {
	t.Parallel()

	d, chats, msgs := newTestDispatcher(t, "me")
	chats.Upsert(state.Chat{ID: "c1", Kind: state.ChatPrivate})
	apply(t, d, envOf(t, v1.TypeMessageCreated, v1.MessagePayload{
		MessageID: "m1", ChatID: "c1", Sender: "u1", Timestamp: time.Unix(100, 0).UTC(), Text: "x",
	}))
	msgs.SetTyping("c1", "u1", true, time.Unix(100, 0).UTC())

	apply(t, d, envOf(t, v1.TypeChatDeleted, v1.ChatDeletedPayload{ChatID: "c1"}))

	if _, ok := chats.ChatByID("c1"); ok {
		t.Fatal("chat survived delete")
	}
	if got := msgs.MessagesForChat("c1"); got != nil {
		t.Fatalf("messages survived chat delete: %d", len(got))
	}
	if got := msgs.TypingUsersForChat("c1"); got != nil {
		t.Fatalf("typing survived chat delete: %v", got)
	}
}

func TestParticipantEvents(t *testing.T) {
	t.Parallel()

	d, chats, _ := newTestDispatcher(t, "me")
	chats.Upsert(state.Chat{ID: "c1", Kind: state.ChatGroup, Participants: []string{"me"}})

	apply(t, d, envOf(t, v1.TypeParticipantAdded, v1.ParticipantPayload{ChatID: "c1", UserID: "u1"}))
	apply(t, d, envOf(t, v1.TypeParticipantAdded, v1.ParticipantPayload{ChatID: "c1", UserID: "u1"}))

	c, _ := chats.ChatByID("c1")
	if got := c.Participants; !reflect.DeepEqual(got, []string{"me", "u1"}) {
		t.Fatalf("participants got=%v", got)
	}

	apply(t, d, envOf(t, v1.TypeParticipantRemoved, v1.ParticipantPayload{ChatID: "c1", UserID: "me"}))
	c, _ = chats.ChatByID("c1")
	if got := c.Participants; !reflect.DeepEqual(got, []string{"u1"}) {
		t.Fatalf("participants got=%v", got)
	}
}

func TestApplyRejectsMalformedAndUnsupported(t *testing.T) {
	t.Parallel()

	d, _, _ := newTestDispatcher(t, "me")
	now := time.Unix(1000, 0).UTC()

	bad := v1.Envelope{V: v1.Version, Type: v1.TypeMessageCreated, Payload: json.RawMessage(`{`)}
	if err := d.Apply(bad, now); err == nil {
		t.Fatal("malformed payload accepted")
	}

	missing := envOf(t, v1.TypeMessageCreated, v1.MessagePayload{ChatID: "c1"})
	if err := d.Apply(missing, now); err == nil {
		t.Fatal("payload without message_id accepted")
	}

	unknown := v1.Envelope{V: v1.Version, Type: v1.TypeHello, Payload: json.RawMessage(`{}`)}
	if err := d.Apply(unknown, now); !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("want ErrUnsupportedEvent, got %v", err)
	}
}

func TestPreviewTruncatesAndLabels(t *testing.T) {
	t.Parallel()

	long := make([]rune, 0, 200)
	for i := 0; i < 200; i++ {
		long = append(long, 'ж')
	}

	cases := []struct {
		name string
		in   state.Message
		want string
	}{
		{
			name: "media without caption",
			in:   state.Message{Content: state.Content{Kind: state.ContentMedia, Ref: "blob://1"}},
			want: "[media]",
		},
		{
			name: "file without caption",
			in:   state.Message{Content: state.Content{Kind: state.ContentFile, Name: "a.pdf"}},
			want: "[file] a.pdf",
		},
		{
			name: "caption wins over kind label",
			in:   state.Message{Content: state.Content{Kind: state.ContentMedia, Text: "look"}},
			want: "look",
		},
		{
			name: "long text truncated by runes",
			in:   state.Message{Content: state.Content{Kind: state.ContentText, Text: string(long)}},
			want: string(long[:previewMaxChars]),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := preview(tc.in); got != tc.want {
				t.Fatalf("preview got=%q want=%q", got, tc.want)
			}
		})
	}
}
