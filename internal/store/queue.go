package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatcore/internal/chat"
)

const entryColumns = `message_id, chat_id, sender_id, payload_kind, body, media_url, content_type, media_name,
	status, timestamp_ns, attempt_count, last_error, upload_pending, enqueued_at, updated_at`

// PutEntry inserts or replaces the queue entry keyed by its message id.
func (db *DB) PutEntry(e chat.QueueEntry) error {
	m := e.Message
	kind, body, url, contentType, name := chat.Flatten(m.Payload)
	_, err := db.Exec(`
		INSERT INTO queue_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			payload_kind = excluded.payload_kind,
			body = excluded.body,
			media_url = excluded.media_url,
			content_type = excluded.content_type,
			media_name = excluded.media_name,
			status = excluded.status,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error,
			upload_pending = excluded.upload_pending,
			updated_at = excluded.updated_at`,
		m.ID, m.ChatID, m.SenderID, string(kind), body, url, contentType, name,
		string(m.Status), m.Timestamp.UnixNano(), e.AttemptCount, e.LastError, e.UploadPending,
		e.EnqueuedAt.UnixMilli(), e.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put queue entry %s: %w", m.ID, err)
	}
	return nil
}

// GetEntry returns the entry for messageID or chat.ErrQueueEntryNotFound.
func (db *DB) GetEntry(messageID string) (chat.QueueEntry, error) {
	row := db.QueryRow(`SELECT `+entryColumns+` FROM queue_entries WHERE message_id = ?`, messageID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.QueueEntry{}, chat.E(chat.ErrQueueEntryNotFound, "get queue entry", fmt.Errorf("message %s", messageID))
	}
	return e, err
}

// DeleteEntry removes the entry for messageID. Deleting a missing entry is
// not an error.
func (db *DB) DeleteEntry(messageID string) error {
	if _, err := db.Exec(`DELETE FROM queue_entries WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete queue entry %s: %w", messageID, err)
	}
	return nil
}

// Entries lists queued entries in message order. An empty chatID lists
// every chat.
func (db *DB) Entries(chatID string) ([]chat.QueueEntry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if chatID == "" {
		rows, err = db.Query(`SELECT ` + entryColumns + ` FROM queue_entries ORDER BY timestamp_ns ASC, message_id ASC`)
	} else {
		rows, err = db.Query(`SELECT `+entryColumns+` FROM queue_entries WHERE chat_id = ? ORDER BY timestamp_ns ASC, message_id ASC`, chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []chat.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (chat.QueueEntry, error) {
	var (
		e                              chat.QueueEntry
		kind, body, url, ctype, name   string
		status                         string
		tsNanos, enqueuedMs, updatedMs int64
	)
	err := s.Scan(&e.Message.ID, &e.Message.ChatID, &e.Message.SenderID, &kind, &body, &url, &ctype, &name,
		&status, &tsNanos, &e.AttemptCount, &e.LastError, &e.UploadPending, &enqueuedMs, &updatedMs)
	if err != nil {
		return chat.QueueEntry{}, err
	}
	e.Message.Payload = chat.PayloadFrom(chat.PayloadKind(kind), body, url, ctype, name)
	e.Message.Status = chat.Status(status)
	e.Message.Timestamp = time.Unix(0, tsNanos).UTC()
	e.EnqueuedAt = time.UnixMilli(enqueuedMs).UTC()
	e.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return e, nil
}
