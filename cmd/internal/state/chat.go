package state

import "time"

// ChatKind discriminates conversation containers.
type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
	ChatAI      ChatKind = "ai"
)

// LastMessage is a denormalized summary mirroring the tail of a chat's
// message list. It is eventually consistent with the MessageStore: the
// dispatcher issues the paired calls, there is no cross-store transaction.
type LastMessage struct {
	Sender    string    `json:"sender"`
	Preview   string    `json:"preview"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is one conversation roster entry.
type Chat struct {
	ID           string       `json:"chat_id"`
	Kind         ChatKind     `json:"kind"`
	Participants []string     `json:"participants,omitempty"`
	UnreadCount  int          `json:"unread_count"`
	LastMessage  *LastMessage `json:"last_message,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (c Chat) clone() Chat {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

func (c Chat) hasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
