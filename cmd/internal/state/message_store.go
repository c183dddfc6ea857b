package state

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const defaultTypingTTL = 30 * time.Second

// MessageStore maintains, per chat, a correctly ordered, deduplicated
// message list, merges concurrent per-message mutations (reactions, read
// receipts, status, edits) without losing updates, and tracks ephemeral
// typing presence.
//
// Concurrency model: all mutations are serialized by an internal mutex so
// the store is safe for concurrent use by the transport, the sweeper and
// the HTTP read surface. Selectors return deep copies; snapshots never
// alias internal state.
//
// Determinism: no operation reads the wall clock. Timestamps and "now" are
// always supplied by the caller, which keeps every mutation a pure function
// of (prior state, event) and makes the store replayable in tests.
type MessageStore struct {
	log       *slog.Logger
	typingTTL time.Duration

	mu    sync.RWMutex
	chats map[string]*chatMessages
	byID  map[string]string // message id -> owning chat id
}

type chatMessages struct {
	msgs   []Message
	typing map[string]time.Time // user id -> presence deadline
}

// MessageStoreOption configures MessageStore behavior.
type MessageStoreOption func(*MessageStore) error

// WithTypingTTL sets how long a typing entry stays live without a refresh.
func WithTypingTTL(d time.Duration) MessageStoreOption {
	return func(s *MessageStore) error {
		if d <= 0 {
			return errors.New("state: non-positive typing ttl")
		}
		s.typingTTL = d
		return nil
	}
}

// NewMessageStore constructs an empty MessageStore.
func NewMessageStore(log *slog.Logger, opts ...MessageStoreOption) (*MessageStore, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &MessageStore{
		log:       log,
		typingTTL: defaultTypingTTL,
		chats:     make(map[string]*chatMessages),
		byID:      make(map[string]string),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MessageStore) getOrCreate(chatID string) *chatMessages {
	cm := s.chats[chatID]
	if cm == nil {
		cm = &chatMessages{typing: make(map[string]time.Time)}
		s.chats[chatID] = cm
	}
	return cm
}

// locate returns a pointer into the owning chat's list for in-place merges.
// Callers must hold s.mu.
func (s *MessageStore) locate(messageID string) *Message {
	chatID, ok := s.byID[messageID]
	if !ok {
		return nil
	}
	cm := s.chats[chatID]
	if cm == nil {
		return nil
	}
	for i := range cm.msgs {
		if cm.msgs[i].ID == messageID {
			return &cm.msgs[i]
		}
	}
	return nil
}

// ReplaceChatMessages wholesale-replaces one chat's list (initial page
// load). Input order is irrelevant: the store sorts by timestamp, keeping
// input order for equal timestamps. Idempotent.
func (s *MessageStore) ReplaceChatMessages(chatID string, msgs []Message) {
	if chatID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cm := s.getOrCreate(chatID)

	// Drop the old list from the id index before installing the new one.
	for i := range cm.msgs {
		delete(s.byID, cm.msgs[i].ID)
	}
	messagesResident.Sub(float64(len(cm.msgs)))

	next := make([]Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		if m.ID == "" {
			continue
		}
		if owner, ok := s.byID[m.ID]; ok && owner != chatID {
			// Duplicate id owned by another chat: upstream identifier bug.
			s.log.Warn("store.message.conflict",
				"message_id", m.ID, "chat_id", chatID, "owner_chat_id", owner)
			conflictsIgnored.Inc()
			continue
		}
		if _, ok := s.byID[m.ID]; ok {
			// Duplicate id within the input page; last write wins below is
			// not needed — first occurrence stands, replay is a no-op.
			continue
		}
		m.ChatID = chatID
		s.byID[m.ID] = chatID
		next = append(next, m.clone())
	}

	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Timestamp.Before(next[j].Timestamp)
	})
	cm.msgs = next
	messagesResident.Add(float64(len(next)))
}

// UpsertMessage inserts a new message at the position preserving timestamp
// order, or replaces an existing one in place (chat id and timestamp are
// immutable, so the position cannot change). Used for both "new message"
// and "edit accepted": the caller supplies the full resulting value and the
// store performs no field-level merging.
func (s *MessageStore) UpsertMessage(msg Message) {
	if msg.ID == "" || msg.ChatID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.byID[msg.ID]; ok {
		if owner != msg.ChatID {
			s.log.Warn("store.message.conflict",
				"message_id", msg.ID, "chat_id", msg.ChatID, "owner_chat_id", owner)
			conflictsIgnored.Inc()
			return
		}
		if cur := s.locate(msg.ID); cur != nil {
			msg.Timestamp = cur.Timestamp // immutable ordering key
			*cur = msg.clone()
		}
		return
	}

	cm := s.getOrCreate(msg.ChatID)

	// First index whose timestamp is strictly later: equal timestamps keep
	// insertion order (stable ties).
	idx := sort.Search(len(cm.msgs), func(i int) bool {
		return cm.msgs[i].Timestamp.After(msg.Timestamp)
	})

	cm.msgs = append(cm.msgs, Message{})
	copy(cm.msgs[idx+1:], cm.msgs[idx:])
	cm.msgs[idx] = msg.clone()

	s.byID[msg.ID] = msg.ChatID
	messagesResident.Inc()
}

// RemoveMessage deletes the entry if present. Absent targets are a no-op:
// delivery is at-least-once and replayed deletes are routine.
func (s *MessageStore) RemoveMessage(chatID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.byID[messageID]
	if !ok || owner != chatID {
		return
	}
	cm := s.chats[chatID]
	if cm == nil {
		return
	}
	for i := range cm.msgs {
		if cm.msgs[i].ID == messageID {
			cm.msgs = append(cm.msgs[:i], cm.msgs[i+1:]...)
			break
		}
	}
	delete(s.byID, messageID)
	messagesResident.Dec()
}

// MarkRead sets ReadBy[userID] = ts unless a later timestamp is already
// stored (monotonic per user). Commutative and idempotent under replay.
func (s *MessageStore) MarkRead(chatID, messageID, userID string, ts time.Time) {
	if userID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.byID[messageID]; !ok || owner != chatID {
		return
	}
	m := s.locate(messageID)
	if m == nil {
		return
	}
	if prev, ok := m.ReadBy[userID]; ok && ts.Before(prev) {
		staleIgnored.Inc()
		return
	}
	if m.ReadBy == nil {
		m.ReadBy = make(map[string]time.Time)
	}
	m.ReadBy[userID] = ts
}

// AddReaction inserts userID into the emoji's user set. Idempotent: a
// replayed add leaves the set unchanged.
func (s *MessageStore) AddReaction(messageID, emoji, userID string) {
	if emoji == "" || userID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.locate(messageID)
	if m == nil {
		return
	}
	for _, u := range m.Reactions[emoji] {
		if u == userID {
			staleIgnored.Inc()
			return
		}
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], userID)
}

// RemoveReaction removes userID from the emoji's user set and deletes the
// emoji key once the set empties — no dangling empty sets.
func (s *MessageStore) RemoveReaction(messageID, emoji, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.locate(messageID)
	if m == nil {
		return
	}
	users := m.Reactions[emoji]
	for i, u := range users {
		if u == userID {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(m.Reactions, emoji)
				if len(m.Reactions) == 0 {
					m.Reactions = nil
				}
			} else {
				m.Reactions[emoji] = users
			}
			return
		}
	}
}

// UpdateStatus overwrites the delivery status unconditionally. See the
// Status docs for why the state machine is a caller contract, not a store
// invariant.
func (s *MessageStore) UpdateStatus(messageID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := s.locate(messageID); m != nil {
		m.Status = status
	}
}

// SetTyping adds or removes userID from the chat's typing set. Adding an
// already-typing user refreshes its deadline; removing an absent user is a
// no-op. Safe under replay and duplicate delivery.
func (s *MessageStore) SetTyping(chatID, userID string, typing bool, now time.Time) {
	if chatID == "" || userID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !typing {
		if cm := s.chats[chatID]; cm != nil {
			delete(cm.typing, userID)
		}
		return
	}
	cm := s.getOrCreate(chatID)
	cm.typing[userID] = now.Add(s.typingTTL)
}

// SweepTyping evicts typing entries whose deadline has passed — the bound
// that keeps a lost "stopped typing" signal from leaving a stuck entry.
// Returns the ids of chats that lost at least one entry.
func (s *MessageStore) SweepTyping(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var touched []string
	for chatID, cm := range s.chats {
		evicted := false
		for user, deadline := range cm.typing {
			if !deadline.After(now) {
				delete(cm.typing, user)
				typingEvicted.Inc()
				evicted = true
			}
		}
		if evicted {
			touched = append(touched, chatID)
		}
	}
	sort.Strings(touched)
	return touched
}

// Clear drops one chat's messages and typing set.
func (s *MessageStore) Clear(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cm := s.chats[chatID]
	if cm == nil {
		return
	}
	for i := range cm.msgs {
		delete(s.byID, cm.msgs[i].ID)
	}
	messagesResident.Sub(float64(len(cm.msgs)))
	delete(s.chats, chatID)
}

// ClearAll drops the entire store (sign-out).
func (s *MessageStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, cm := range s.chats {
		n += len(cm.msgs)
	}
	messagesResident.Sub(float64(n))
	s.chats = make(map[string]*chatMessages)
	s.byID = make(map[string]string)
}

// ---- selectors ----

// MessagesForChat returns the chat's messages ordered by timestamp
// ascending (stable for ties). The returned slice is a deep copy.
func (s *MessageStore) MessagesForChat(chatID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cm := s.chats[chatID]
	if cm == nil || len(cm.msgs) == 0 {
		return nil
	}
	out := make([]Message, 0, len(cm.msgs))
	for i := range cm.msgs {
		out = append(out, cm.msgs[i].clone())
	}
	return out
}

// MessageByID looks up a message anywhere in the store. Used for lazy
// resolution of reply/forward references.
func (s *MessageStore) MessageByID(messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.locate(messageID)
	if m == nil {
		return Message{}, false
	}
	return m.clone(), true
}

// TypingUsersForChat returns the users currently composing in a chat,
// sorted for deterministic output.
func (s *MessageStore) TypingUsersForChat(chatID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cm := s.chats[chatID]
	if cm == nil || len(cm.typing) == 0 {
		return nil
	}
	out := make([]string, 0, len(cm.typing))
	for u := range cm.typing {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
