package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ChatStore maintains the conversation roster, per-chat aggregate counters
// and the active-chat pointer.
//
// Every mutation is a total function: unknown targets are no-ops, never
// errors, because at-least-once and out-of-order delivery makes "the target
// no longer exists" a routine case. All mutations except IncrementUnread
// are idempotent; the counter intentionally counts events, not state.
type ChatStore struct {
	log *slog.Logger

	mu     sync.RWMutex
	chats  map[string]Chat
	active string
}

// NewChatStore constructs an empty ChatStore.
func NewChatStore(log *slog.Logger) *ChatStore {
	if log == nil {
		log = slog.Default()
	}
	return &ChatStore{
		log:   log,
		chats: make(map[string]Chat),
	}
}

// ReplaceAll bulk-loads the roster, dropping whatever was there.
// The active pointer is kept when the active chat survives the load.
func (s *ChatStore) ReplaceAll(chats []Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Chat, len(chats))
	for i := range chats {
		c := chats[i]
		if c.ID == "" {
			continue
		}
		next[c.ID] = c.clone()
	}
	s.chats = next
	if _, ok := s.chats[s.active]; !ok {
		s.active = ""
	}
}

// Upsert inserts or replaces a chat by id.
func (s *ChatStore) Upsert(c Chat) {
	if c.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ID] = c.clone()
}

// Remove deletes a chat. If it was active, the active pointer is cleared.
func (s *ChatStore) Remove(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.chats, chatID)
	if s.active == chatID {
		s.active = ""
	}
}

// SetActive points the viewer at a chat. Purely a UI-facing pointer;
// no side effects on other chats. An empty id clears the pointer.
func (s *ChatStore) SetActive(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = chatID
}

// IncrementUnread bumps a chat's unread counter. No-op for unknown chats.
// Deliberately not idempotent: it counts events, not state.
func (s *ChatStore) IncrementUnread(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return
	}
	c.UnreadCount++
	s.chats[chatID] = c
}

// ResetUnread zeroes a chat's unread counter. No-op for unknown chats.
func (s *ChatStore) ResetUnread(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return
	}
	c.UnreadCount = 0
	s.chats[chatID] = c
}

// UpdateLastMessage overwrites the tail summary and bumps UpdatedAt.
// Called by the dispatcher after the MessageStore accepts a new tail; the
// two stores stay consistent by pairing the calls, not by a transaction.
func (s *ChatStore) UpdateLastMessage(chatID string, summary LastMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return
	}
	lm := summary
	c.LastMessage = &lm
	c.UpdatedAt = summary.Timestamp
	s.chats[chatID] = c
}

// AddParticipant adds a user to the chat's participant set.
// Adding a present user is a no-op.
func (s *ChatStore) AddParticipant(chatID, userID string) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok || c.hasParticipant(userID) {
		return
	}
	c.Participants = append(append([]string(nil), c.Participants...), userID)
	s.chats[chatID] = c
}

// RemoveParticipant removes a user from the chat's participant set.
// Removing an absent user is a no-op.
func (s *ChatStore) RemoveParticipant(chatID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return
	}
	for i, p := range c.Participants {
		if p == userID {
			next := append([]string(nil), c.Participants[:i]...)
			c.Participants = append(next, c.Participants[i+1:]...)
			s.chats[chatID] = c
			return
		}
	}
}

// ClearAll drops the roster and the active pointer (sign-out).
func (s *ChatStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chats = make(map[string]Chat)
	s.active = ""
}

// ---- selectors ----

// AllChats returns the roster ordered by UpdatedAt descending, ties broken
// by id, so list rendering is deterministic.
func (s *ChatStore) AllChats() []Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ChatByID returns a chat by id.
func (s *ChatStore) ChatByID(chatID string) (Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[chatID]
	if !ok {
		return Chat{}, false
	}
	return c.clone(), true
}

// ActiveChatID returns the currently focused chat id ("" when none).
func (s *ChatStore) ActiveChatID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// UnreadTotal sums unread counters across the roster.
func (s *ChatStore) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	for _, c := range s.chats {
		n += c.UnreadCount
	}
	return n
}

// Touch bumps a chat's UpdatedAt for mutations that have no better
// timestamp source (participant changes). No-op for unknown chats.
func (s *ChatStore) Touch(chatID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
		s.chats[chatID] = c
	}
}
