// Package badgerstore is the badger-backed alternative to the SQLite queue.
//
// Entries live under queue:{chatID}:{timestamp}:{messageID} so a prefix scan
// returns a chat's entries in message order; idx:{messageID} points back at
// the primary key for lookups by id.
package badgerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/matheus3301/chatcore/internal/chat"
)

const (
	queuePrefix = "queue:"
	indexPrefix = "idx:"
	statePrefix = "state:"
)

// Store is a durable queue on a badger directory.
type Store struct {
	db *badger.DB
}

// Open opens the badger directory at dir. An empty dir opens an in-memory
// instance, used by tests.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger queue: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the badger directory.
func (s *Store) Close() error {
	return s.db.Close()
}

type record struct {
	ID            string           `json:"id"`
	ChatID        string           `json:"chat_id"`
	SenderID      string           `json:"sender_id"`
	PayloadKind   chat.PayloadKind `json:"payload_kind"`
	Body          string           `json:"body,omitempty"`
	MediaURL      string           `json:"media_url,omitempty"`
	ContentType   string           `json:"content_type,omitempty"`
	MediaName     string           `json:"media_name,omitempty"`
	Status        chat.Status      `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	AttemptCount  int              `json:"attempt_count"`
	LastError     string           `json:"last_error,omitempty"`
	UploadPending bool             `json:"upload_pending,omitempty"`
	EnqueuedAt    time.Time        `json:"enqueued_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func toRecord(e chat.QueueEntry) record {
	m := e.Message
	kind, body, url, ctype, name := chat.Flatten(m.Payload)
	return record{
		ID: m.ID, ChatID: m.ChatID, SenderID: m.SenderID,
		PayloadKind: kind, Body: body, MediaURL: url, ContentType: ctype, MediaName: name,
		Status: m.Status, Timestamp: m.Timestamp,
		AttemptCount: e.AttemptCount, LastError: e.LastError, UploadPending: e.UploadPending,
		EnqueuedAt: e.EnqueuedAt, UpdatedAt: e.UpdatedAt,
	}
}

func (r record) entry() chat.QueueEntry {
	return chat.QueueEntry{
		Message: chat.Message{
			ID:        r.ID,
			ChatID:    r.ChatID,
			SenderID:  r.SenderID,
			Payload:   chat.PayloadFrom(r.PayloadKind, r.Body, r.MediaURL, r.ContentType, r.MediaName),
			Timestamp: r.Timestamp,
			Status:    r.Status,
		},
		AttemptCount:  r.AttemptCount,
		LastError:     r.LastError,
		UploadPending: r.UploadPending,
		EnqueuedAt:    r.EnqueuedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func entryKey(m chat.Message) []byte {
	// Nanoseconds are zero-padded so lexical order matches time order.
	return fmt.Appendf(nil, "%s%s:%020d:%s", queuePrefix, m.ChatID, m.Timestamp.UnixNano(), m.ID)
}

func indexKey(messageID string) []byte {
	return []byte(indexPrefix + messageID)
}

// PutEntry inserts or replaces the entry keyed by its message id.
func (s *Store) PutEntry(e chat.QueueEntry) error {
	data, err := json.Marshal(toRecord(e))
	if err != nil {
		return fmt.Errorf("encode queue entry %s: %w", e.Message.ID, err)
	}
	key := entryKey(e.Message)
	return s.db.Update(func(txn *badger.Txn) error {
		// A re-put with a different timestamp would otherwise leave the old
		// primary key behind.
		if old, err := txn.Get(indexKey(e.Message.ID)); err == nil {
			oldKey, err := old.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(oldKey) != string(key) {
				if err := txn.Delete(oldKey); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(e.Message.ID), key)
	})
}

// GetEntry returns the entry for messageID or chat.ErrQueueEntryNotFound.
func (s *Store) GetEntry(messageID string) (chat.QueueEntry, error) {
	var e chat.QueueEntry
	err := s.db.View(func(txn *badger.Txn) error {
		idx, err := txn.Get(indexKey(messageID))
		if err != nil {
			return err
		}
		key, err := idx.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode queue entry %s: %w", messageID, err)
			}
			e = r.entry()
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return chat.QueueEntry{}, chat.E(chat.ErrQueueEntryNotFound, "get queue entry", fmt.Errorf("message %s", messageID))
	}
	return e, err
}

// DeleteEntry removes the entry for messageID. Missing entries are ignored.
func (s *Store) DeleteEntry(messageID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		idx, err := txn.Get(indexKey(messageID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		key, err := idx.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(indexKey(messageID))
	})
}

// Entries lists entries in message order; an empty chatID lists all chats.
func (s *Store) Entries(chatID string) ([]chat.QueueEntry, error) {
	prefix := []byte(queuePrefix)
	if chatID != "" {
		prefix = []byte(queuePrefix + chatID + ":")
	}
	var entries []chat.QueueEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var r record
				if err := json.Unmarshal(v, &r); err != nil {
					return fmt.Errorf("decode queue entry: %w", err)
				}
				entries = append(entries, r.entry())
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	if chatID == "" {
		chat.SortEntries(entries)
	}
	return entries, nil
}

// SetCheckpoint records a named checkpoint value.
func (s *Store) SetCheckpoint(key, value string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(statePrefix+key), []byte(value))
	})
}

// Checkpoint returns a checkpoint value, or "" if it was never set.
func (s *Store) Checkpoint(key string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(statePrefix + key))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		value = string(v)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	return value, err
}
