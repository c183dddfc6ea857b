// Package snapshot persists a local copy of the conversation cache so a
// restart can paint the UI before the server is reachable. The snapshot is
// advisory: hydration from the server overwrites it chat-by-chat, so a
// stale or partial snapshot never has to be perfect, only parseable.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"

	"loom/cmd/internal/state"
)

const formatVersion = 1

var (
	keyMeta       = []byte("meta")
	prefixChat    = []byte("chat:")
	prefixMsgs    = []byte("msgs:")
	prefixTrailer = []byte{0xff}
)

type meta struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	ChatIDs []string  `json:"chat_ids"`
}

type chatRecord struct {
	Chat   state.Chat `json:"chat"`
	Active bool       `json:"active,omitempty"`
}

// Store is a pebble-backed snapshot sink for the two conversation stores.
type Store struct {
	log *slog.Logger
	db  *pebble.DB
}

// Open opens (or creates) the snapshot database at path.
func Open(log *slog.Logger, path string) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	return &Store{log: log, db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save writes the full current state of both stores. The previous snapshot
// is replaced wholesale; chats deleted since the last save do not linger.
func (s *Store) Save(chats *state.ChatStore, msgs *state.MessageStore, now time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("snapshot: closed store")
	}
	if chats == nil || msgs == nil {
		return errors.New("snapshot: nil store")
	}

	roster := chats.AllChats()
	active := chats.ActiveChatID()

	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()

	if err := b.DeleteRange(prefixChat, append(append([]byte(nil), prefixChat...), prefixTrailer...), pebble.NoSync); err != nil {
		return err
	}
	if err := b.DeleteRange(prefixMsgs, append(append([]byte(nil), prefixMsgs...), prefixTrailer...), pebble.NoSync); err != nil {
		return err
	}

	m := meta{Version: formatVersion, SavedAt: now}
	for _, c := range roster {
		m.ChatIDs = append(m.ChatIDs, c.ID)

		raw, err := json.Marshal(chatRecord{Chat: c, Active: c.ID == active})
		if err != nil {
			return err
		}
		if err := b.Set(append(append([]byte(nil), prefixChat...), c.ID...), raw, pebble.NoSync); err != nil {
			return err
		}

		list := msgs.MessagesForChat(c.ID)
		if len(list) == 0 {
			continue
		}
		raw, err = json.Marshal(list)
		if err != nil {
			return err
		}
		if err := b.Set(append(append([]byte(nil), prefixMsgs...), c.ID...), raw, pebble.NoSync); err != nil {
			return err
		}
	}

	rawMeta, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := b.Set(keyMeta, rawMeta, pebble.NoSync); err != nil {
		return err
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("snapshot: commit: %w", err)
	}

	s.log.Debug("snapshot.save", "chats", len(roster), "at", now)
	return nil
}

// Restore loads the snapshot into the given stores. A missing snapshot is
// not an error; a chat record that fails to parse is skipped with a log
// line rather than aborting the restore.
func (s *Store) Restore(chats *state.ChatStore, msgs *state.MessageStore) error {
	if s == nil || s.db == nil {
		return errors.New("snapshot: closed store")
	}
	if chats == nil || msgs == nil {
		return errors.New("snapshot: nil store")
	}

	rawMeta, closer, err := s.db.Get(keyMeta)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var m meta
	err = json.Unmarshal(rawMeta, &m)
	_ = closer.Close()
	if err != nil {
		return fmt.Errorf("snapshot: corrupt meta: %w", err)
	}
	if m.Version != formatVersion {
		s.log.Warn("snapshot.restore.skip", "reason", "version_mismatch", "got", m.Version, "want", formatVersion)
		return nil
	}

	var (
		roster   []state.Chat
		active   string
		restored int
	)

	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()

	for iter.SeekGE(prefixChat); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefixChat) {
			break
		}
		var rec chatRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			s.log.Warn("snapshot.restore.skip", "key", string(iter.Key()), "err", err)
			continue
		}
		roster = append(roster, rec.Chat)
		if rec.Active {
			active = rec.Chat.ID
		}
	}
	chats.ReplaceAll(roster)
	if active != "" {
		chats.SetActive(active)
	}

	for iter.SeekGE(prefixMsgs); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefixMsgs) {
			break
		}
		chatID := string(bytes.TrimPrefix(iter.Key(), prefixMsgs))
		var list []state.Message
		if err := json.Unmarshal(iter.Value(), &list); err != nil {
			s.log.Warn("snapshot.restore.skip", "key", string(iter.Key()), "err", err)
			continue
		}
		msgs.ReplaceChatMessages(chatID, list)
		restored += len(list)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	s.log.Info("snapshot.restore.done", "chats", len(roster), "messages", restored, "saved_at", m.SavedAt)
	return nil
}
