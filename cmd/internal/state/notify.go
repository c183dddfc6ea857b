package state

import (
	"log/slog"
	"strconv"
	"sync"
)

// UpdateKind names which projection a change hint invalidates.
type UpdateKind string

const (
	UpdateRoster   UpdateKind = "roster"   // AllChats / ChatByID / UnreadTotal
	UpdateMessages UpdateKind = "messages" // MessagesForChat
	UpdateTyping   UpdateKind = "typing"   // TypingUsersForChat
)

// Update is a compact change hint. It carries no state: subscribers re-read
// through selectors, which keeps views pure consumers.
type Update struct {
	Kind   UpdateKind
	ChatID string // empty for roster-wide changes
}

// Subscriber is one view-side consumer of change hints.
//
// Design notes:
// - C is intentionally never closed by the Notifier, so publishing stays
//   panic-safe under concurrent unsubscribe.
// - done signals the subscriber side to stop; Close is idempotent.
type Subscriber struct {
	ID string
	C  chan Update

	done      chan struct{}
	closeOnce sync.Once
}

// Done returns a channel closed when the subscriber is shutting down.
func (s *Subscriber) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals shutdown (idempotent). It does NOT close C.
func (s *Subscriber) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Notifier fans change hints out to subscribers.
//
// Publish never blocks: a subscriber with a full queue or one that is
// shutting down is skipped. A view that missed a hint re-syncs on its next
// read, so dropping is safe.
type Notifier struct {
	log *slog.Logger

	mu   sync.RWMutex
	next int
	subs map[string]*Subscriber
}

// NewNotifier constructs a Notifier.
func NewNotifier(log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		log:  log,
		subs: make(map[string]*Subscriber),
	}
}

// Subscribe registers a consumer with a bounded queue.
func (n *Notifier) Subscribe(id string, queueSize int) *Subscriber {
	if queueSize <= 0 {
		queueSize = 64
	}

	sub := &Subscriber{
		ID:   id,
		C:    make(chan Update, queueSize),
		done: make(chan struct{}),
	}

	n.mu.Lock()
	if sub.ID == "" {
		n.next++
		sub.ID = "sub-" + strconv.Itoa(n.next)
	}
	n.subs[sub.ID] = sub
	n.mu.Unlock()

	n.log.Debug("notify.subscribe", "subscriber_id", sub.ID)
	return sub
}

// Unsubscribe removes a consumer and signals its shutdown.
// Removal happens before Close so no publisher holds a pointer to a
// subscriber that is being torn down.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	sub := n.subs[id]
	delete(n.subs, id)
	n.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	n.log.Debug("notify.unsubscribe", "subscriber_id", id)
}

// Publish fans a hint out to all subscribers without blocking.
func (n *Notifier) Publish(u Update) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subs {
		if sub == nil {
			continue
		}

		select {
		case <-sub.Done():
			continue
		default:
		}

		select {
		case sub.C <- u:
		default:
			// Drop rather than block every other subscriber.
			updatesDropped.Inc()
		}
	}
}
