package badgerstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatcore/internal/chat"
)

func setup(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(id, chatID string, ts time.Time) chat.QueueEntry {
	return chat.QueueEntry{
		Message: chat.Message{
			ID: id, ChatID: chatID, SenderID: "u1",
			Payload: chat.Text{Body: id}, Timestamp: ts, Status: chat.StatusSending,
		},
		EnqueuedAt: ts,
		UpdatedAt:  ts,
	}
}

func TestPutGetDelete(t *testing.T) {
	req := require.New(t)
	s := setup(t)
	now := time.Now().UTC()

	req.NoError(s.PutEntry(entry("m1", "c1", now)))
	got, err := s.GetEntry("m1")
	req.NoError(err)
	req.Equal("m1", got.Message.Text())
	req.True(got.Message.Timestamp.Equal(now))

	req.NoError(s.DeleteEntry("m1"))
	req.NoError(s.DeleteEntry("m1"))
	_, err = s.GetEntry("m1")
	req.ErrorIs(err, chat.ErrQueueEntryNotFound)
}

func TestPutReplacesAndMovesKey(t *testing.T) {
	req := require.New(t)
	s := setup(t)
	now := time.Now().UTC()

	e := entry("m1", "c1", now)
	req.NoError(s.PutEntry(e))
	e.Message.Timestamp = now.Add(time.Second)
	e.AttemptCount = 2
	req.NoError(s.PutEntry(e))

	all, err := s.Entries("c1")
	req.NoError(err)
	req.Len(all, 1)
	req.Equal(2, all[0].AttemptCount)
}

func TestEntriesOrderAndScope(t *testing.T) {
	req := require.New(t)
	s := setup(t)
	base := time.Now().UTC()

	req.NoError(s.PutEntry(entry("late", "c1", base.Add(2*time.Millisecond))))
	req.NoError(s.PutEntry(entry("early", "c1", base)))
	req.NoError(s.PutEntry(entry("other", "c2", base.Add(time.Millisecond))))

	c1, err := s.Entries("c1")
	req.NoError(err)
	req.Equal([]string{"early", "late"}, []string{c1[0].Message.ID, c1[1].Message.ID})

	all, err := s.Entries("")
	req.NoError(err)
	req.Len(all, 3)
	req.Equal("early", all[0].Message.ID)
	req.Equal("other", all[1].Message.ID)
}

func TestCheckpoint(t *testing.T) {
	req := require.New(t)
	s := setup(t)

	v, err := s.Checkpoint("k")
	req.NoError(err)
	req.Empty(v)
	req.NoError(s.SetCheckpoint("k", "v"))
	v, err = s.Checkpoint("k")
	req.NoError(err)
	req.Equal("v", v)
}

func TestDurableAcrossReopen(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()

	s, err := Open(dir)
	req.NoError(err)
	req.NoError(s.PutEntry(entry("m1", "c1", time.Now().UTC())))
	req.NoError(s.Close())

	s, err = Open(dir)
	req.NoError(err)
	defer func() { _ = s.Close() }()
	_, err = s.GetEntry("m1")
	req.NoError(err)
}
