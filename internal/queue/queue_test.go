package queue

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/store"
	"github.com/matheus3301/chatcore/internal/store/badgerstore"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bs, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })

	return map[string]Storage{"sqlite": db, "badger": bs}
}

func message(id, chatID string, ts time.Time) chat.Message {
	return chat.Message{
		ID: id, ChatID: chatID, SenderID: "u1",
		Payload: chat.Text{Body: "hi"}, Timestamp: ts, Status: chat.StatusSending,
	}
}

func TestQueueLifecycle(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			q := New(storage, nil)
			now := time.Now().UTC()

			e, err := q.Enqueue(message("m1", "c1", now))
			req.NoError(err)
			req.Equal(0, e.AttemptCount)

			again, err := q.Enqueue(message("m1", "c1", now))
			req.NoError(err)
			req.Equal(e.EnqueuedAt.UnixMilli(), again.EnqueuedAt.UnixMilli())

			e, err = q.RecordFailure("m1", errors.New("unavailable"))
			req.NoError(err)
			req.Equal(1, e.AttemptCount)
			req.Equal("unavailable", e.LastError)

			e, err = q.MarkFailed("m1", errors.New("gave up"))
			req.NoError(err)
			req.Equal(chat.StatusFailed, e.Message.Status)

			_, err = q.UpdateStatus("m1", chat.StatusSent)
			req.Error(err, "failed -> sent is not an edge")

			e, err = q.ResetAttempts("m1")
			req.NoError(err)
			req.Equal(chat.StatusSending, e.Message.Status)
			req.Equal(0, e.AttemptCount)

			req.NoError(q.Remove("m1"))
			_, err = q.Get("m1")
			req.ErrorIs(err, chat.ErrQueueEntryNotFound)
		})
	}
}

func TestEntriesForIsScopedAndOrdered(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			q := New(storage, nil)
			base := time.Now().UTC()

			_, err := q.Enqueue(message("b", "c1", base.Add(time.Millisecond)))
			req.NoError(err)
			_, err = q.Enqueue(message("a", "c1", base))
			req.NoError(err)
			_, err = q.Enqueue(message("z", "c2", base))
			req.NoError(err)

			c1, err := q.EntriesFor("c1")
			req.NoError(err)
			req.Len(c1, 2)
			req.Equal("a", c1[0].Message.ID)
			req.Equal("b", c1[1].Message.ID)

			all, err := q.AllEntries()
			req.NoError(err)
			req.Len(all, 3)
		})
	}
}

func TestUploadPlaceholder(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			q := New(storage, nil)
			m := message("m1", "c1", time.Now().UTC())
			m.Payload = chat.Media{ContentType: "image/jpeg", Name: "a.jpg"}

			e, err := q.EnqueueUpload(m)
			req.NoError(err)
			req.True(e.UploadPending)

			e, err = q.CompleteUpload("m1", chat.Media{URL: "https://cdn/a.jpg", ContentType: "image/jpeg", Name: "a.jpg"})
			req.NoError(err)
			req.False(e.UploadPending)
			req.Equal("https://cdn/a.jpg", e.Message.MediaRef())

			_, err = q.Enqueue(message("t1", "c1", time.Now().UTC()))
			req.NoError(err)
			_, err = q.CompleteUpload("t1", chat.Media{URL: "x"})
			req.ErrorIs(err, chat.ErrValidation)
		})
	}
}

func TestReconcileConfirmed(t *testing.T) {
	req := require.New(t)
	q := New(backends(t)["sqlite"], nil)
	now := time.Now().UTC()
	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := q.Enqueue(message(id, "c1", now))
		req.NoError(err)
	}

	removed, err := q.ReconcileConfirmed([]string{"m1", "m3", "unknown"})
	req.NoError(err)
	req.ElementsMatch([]string{"m1", "m3"}, removed)

	left, err := q.EntriesFor("c1")
	req.NoError(err)
	req.Len(left, 1)
	req.Equal("m2", left[0].Message.ID)
}

func TestConcurrentFailuresAreNotLost(t *testing.T) {
	req := require.New(t)
	q := New(backends(t)["badger"], nil)
	_, err := q.Enqueue(message("m1", "c1", time.Now().UTC()))
	req.NoError(err)

	var wg sync.WaitGroup
	for n := 0; n < 25; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.RecordFailure("m1", errors.New("x"))
		}()
	}
	wg.Wait()

	e, err := q.Get("m1")
	req.NoError(err)
	req.Equal(25, e.AttemptCount)
}

func TestKeyedMutex(t *testing.T) {
	var k KeyedMutex
	unlock := k.Lock("a")
	_, ok := k.TryLock("a")
	require.False(t, ok)
	other, ok := k.TryLock("b")
	require.True(t, ok)
	other()
	unlock()
	again, ok := k.TryLock("a")
	require.True(t, ok)
	again()
	require.Empty(t, k.locks)
}
