// Package queue is the offline message queue: the durable record of every
// message the remote store has not confirmed yet.
//
// Every mutation of an entry runs under that entry's message-id lock, so
// concurrent pipeline workers never interleave read-modify-write cycles on
// the same entry.
package queue

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/chat"
)

// Storage is the durable backend (SQLite or badger).
type Storage interface {
	PutEntry(e chat.QueueEntry) error
	GetEntry(messageID string) (chat.QueueEntry, error)
	DeleteEntry(messageID string) error
	Entries(chatID string) ([]chat.QueueEntry, error)
}

// Queue is safe for concurrent use.
type Queue struct {
	storage Storage
	locks   KeyedMutex
	now     func() time.Time
	logger  *zap.Logger
}

// New wraps storage.
func New(storage Storage, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		storage: storage,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// Enqueue persists m as a new entry. Enqueuing an id that is already
// queued returns the existing entry unchanged.
func (q *Queue) Enqueue(m chat.Message) (chat.QueueEntry, error) {
	return q.enqueue(m, false)
}

// EnqueueUpload persists a media placeholder whose upload has not finished.
func (q *Queue) EnqueueUpload(m chat.Message) (chat.QueueEntry, error) {
	return q.enqueue(m, true)
}

func (q *Queue) enqueue(m chat.Message, uploadPending bool) (chat.QueueEntry, error) {
	if m.ID == "" || m.ChatID == "" {
		return chat.QueueEntry{}, chat.Errorf(chat.ErrValidation, "enqueue", "message id and chat id are required")
	}
	unlock := q.locks.Lock(m.ID)
	defer unlock()

	existing, err := q.storage.GetEntry(m.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, chat.ErrQueueEntryNotFound) {
		return chat.QueueEntry{}, err
	}

	now := q.now()
	e := chat.QueueEntry{
		Message:       m.Clone(),
		EnqueuedAt:    now,
		UpdatedAt:     now,
		UploadPending: uploadPending,
	}
	if err := q.storage.PutEntry(e); err != nil {
		return chat.QueueEntry{}, err
	}
	q.logger.Debug("message queued",
		zap.String("chat_id", m.ChatID),
		zap.String("message_id", m.ID),
		zap.Bool("upload_pending", uploadPending))
	return e, nil
}

// Get returns the entry for messageID.
func (q *Queue) Get(messageID string) (chat.QueueEntry, error) {
	return q.storage.GetEntry(messageID)
}

// Remove deletes the entry. Removing an absent entry is a no-op.
func (q *Queue) Remove(messageID string) error {
	unlock := q.locks.Lock(messageID)
	defer unlock()
	return q.storage.DeleteEntry(messageID)
}

// MarkFailed freezes the entry in Failed, recording cause.
func (q *Queue) MarkFailed(messageID string, cause error) (chat.QueueEntry, error) {
	return q.mutate(messageID, func(e *chat.QueueEntry) error {
		if cause != nil {
			e.LastError = cause.Error()
		}
		return chat.Transition(&e.Message, chat.StatusFailed)
	})
}

// UpdateStatus moves the queued message to status along a valid edge.
func (q *Queue) UpdateStatus(messageID string, status chat.Status) (chat.QueueEntry, error) {
	return q.mutate(messageID, func(e *chat.QueueEntry) error {
		return chat.Transition(&e.Message, status)
	})
}

// RecordFailure counts one failed attempt and stores its error.
func (q *Queue) RecordFailure(messageID string, cause error) (chat.QueueEntry, error) {
	return q.mutate(messageID, func(e *chat.QueueEntry) error {
		e.AttemptCount++
		if cause != nil {
			e.LastError = cause.Error()
		}
		return nil
	})
}

// ResetAttempts puts the entry back in Sending with a fresh retry budget.
func (q *Queue) ResetAttempts(messageID string) (chat.QueueEntry, error) {
	return q.mutate(messageID, func(e *chat.QueueEntry) error {
		if err := chat.Transition(&e.Message, chat.StatusSending); err != nil {
			return err
		}
		e.AttemptCount = 0
		e.LastError = ""
		return nil
	})
}

// CompleteUpload attaches the uploaded media to a placeholder entry.
func (q *Queue) CompleteUpload(messageID string, media chat.Media) (chat.QueueEntry, error) {
	return q.mutate(messageID, func(e *chat.QueueEntry) error {
		if _, ok := e.Message.Payload.(chat.Media); !ok {
			return chat.Errorf(chat.ErrValidation, "complete upload", "message %s is not a media message", messageID)
		}
		e.Message.Payload = media
		e.UploadPending = false
		return nil
	})
}

// BeginUpload marks a placeholder as uploading again, for media retries.
func (q *Queue) BeginUpload(messageID string) (chat.QueueEntry, error) {
	return q.mutate(messageID, func(e *chat.QueueEntry) error {
		if err := chat.Transition(&e.Message, chat.StatusSending); err != nil {
			return err
		}
		e.UploadPending = true
		e.AttemptCount = 0
		e.LastError = ""
		return nil
	})
}

// EntriesFor lists a chat's entries in message order.
func (q *Queue) EntriesFor(chatID string) ([]chat.QueueEntry, error) {
	entries, err := q.storage.Entries(chatID)
	if err != nil {
		return nil, err
	}
	chat.SortEntries(entries)
	return entries, nil
}

// AllEntries lists every queued entry in message order.
func (q *Queue) AllEntries() ([]chat.QueueEntry, error) {
	return q.EntriesFor("")
}

// ReconcileConfirmed drops the entries whose ids the remote store reported
// as present and returns the ids it removed.
func (q *Queue) ReconcileConfirmed(messageIDs []string) ([]string, error) {
	var removed []string
	for _, id := range messageIDs {
		unlock := q.locks.Lock(id)
		_, err := q.storage.GetEntry(id)
		switch {
		case errors.Is(err, chat.ErrQueueEntryNotFound):
			unlock()
			continue
		case err != nil:
			unlock()
			return removed, err
		}
		err = q.storage.DeleteEntry(id)
		unlock()
		if err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	return removed, nil
}

func (q *Queue) mutate(messageID string, fn func(e *chat.QueueEntry) error) (chat.QueueEntry, error) {
	unlock := q.locks.Lock(messageID)
	defer unlock()

	e, err := q.storage.GetEntry(messageID)
	if err != nil {
		return chat.QueueEntry{}, err
	}
	if err := fn(&e); err != nil {
		return chat.QueueEntry{}, fmt.Errorf("queue entry %s: %w", messageID, err)
	}
	e.UpdatedAt = q.now()
	if err := q.storage.PutEntry(e); err != nil {
		return chat.QueueEntry{}, err
	}
	return e, nil
}
