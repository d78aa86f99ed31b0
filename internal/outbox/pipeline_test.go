package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/connectivity"
	"github.com/matheus3301/chatcore/internal/directory"
	"github.com/matheus3301/chatcore/internal/identity"
	"github.com/matheus3301/chatcore/internal/media"
	"github.com/matheus3301/chatcore/internal/notify"
	"github.com/matheus3301/chatcore/internal/queue"
	"github.com/matheus3301/chatcore/internal/remote"
	"github.com/matheus3301/chatcore/internal/remote/memory"
	"github.com/matheus3301/chatcore/internal/store"
)

var (
	errUnavailable = status.Error(codes.Unavailable, "backend unavailable")
	errDenied      = status.Error(codes.PermissionDenied, "rules rejected write")
	pngBytes       = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
)

type harness struct {
	backend  *memory.Backend
	db       *store.DB
	queue    *queue.Queue
	bus      *bus.Bus
	conn     *connectivity.Machine
	recorder *notify.Recorder
	pipeline *Pipeline
}

type option func(*Deps)

func withUploader(u media.Uploader) option { return func(d *Deps) { d.Uploader = u } }
func withIdentity(id identity.Provider) option { return func(d *Deps) { d.Identity = id } }

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{backend: memory.New(), bus: bus.New()}
	h.backend.AddUser(chat.ProfileSnapshot{UserID: "u1", DisplayName: "Ana"})
	h.backend.AddUser(chat.ProfileSnapshot{UserID: "u2", DisplayName: "Bruno"})
	h.backend.SeedChat(chat.Chat{
		ID:                       "c1",
		Kind:                     chat.Direct,
		ParticipantIDs:           []string{"u1", "u2"},
		UnreadCountByParticipant: map[string]int{"u1": 0, "u2": 0},
	})
	h.backend.SeedChat(chat.Chat{
		ID:                       "c2",
		Kind:                     chat.Direct,
		ParticipantIDs:           []string{"u1", "u3"},
		UnreadCountByParticipant: map[string]int{"u1": 0, "u3": 0},
	})

	db, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	h.db = db
	h.queue = queue.New(db, nil)

	dir, err := directory.New(h.backend, directory.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(dir.Close)

	h.conn = connectivity.NewMachine(h.bus)
	h.recorder = notify.NewRecorder(h.backend, time.Second, nil)

	deps := Deps{
		Queue:        h.queue,
		Remote:       h.backend,
		Identity:     identity.Static{UserID: "u1"},
		Profiles:     dir,
		Uploader:     media.NewLocal(t.TempDir()),
		Dispatcher:   h.recorder,
		Bus:          h.bus,
		Connectivity: h.conn,
		Checkpoints:  db,
	}
	for _, o := range opts {
		o(&deps)
	}
	h.pipeline = New(deps, Options{MaxAttempts: 3, Workers: 4, SweepInterval: time.Hour}, nil)
	return h
}

func (h *harness) chat(t *testing.T, id string) chat.Chat {
	t.Helper()
	c, err := h.backend.GetChat(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) queued(t *testing.T, chatID string) []chat.QueueEntry {
	t.Helper()
	entries, err := h.queue.EntriesFor(chatID)
	require.NoError(t, err)
	return entries
}

func TestSendFirstAttemptSucceeds(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	m, err := h.pipeline.Send(context.Background(), "c1", "hello")
	req.NoError(err)
	req.Equal(chat.StatusSent, m.Status)
	req.Equal("u1", m.SenderID)
	req.Empty(h.queued(t, "c1"))

	stored, err := h.backend.GetMessage(context.Background(), "c1", m.ID)
	req.NoError(err)
	req.Equal("hello", stored.Text())

	c := h.chat(t, "c1")
	req.Equal(0, c.Unread("u1"))
	req.Equal(1, c.Unread("u2"))
	req.Equal("hello", c.LastMessagePreview)
	req.Equal("u1", c.LastMessageSenderID)

	h.recorder.Wait()
	events := h.backend.Events()
	req.Len(events, 1)
	req.Equal([]string{"u2"}, events[0].Recipients)
}

func TestSendValidationTouchesNothing(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	_, err := h.pipeline.Send(context.Background(), "c1", "   ")
	req.ErrorIs(err, chat.ErrValidation)

	h2 := newHarness(t, withIdentity(identity.Static{}))
	_, err = h2.pipeline.Send(context.Background(), "c1", "hi")
	req.ErrorIs(err, chat.ErrUnauthenticated)

	h3 := newHarness(t, withIdentity(identity.Static{UserID: "ghost"}))
	_, err = h3.pipeline.Send(context.Background(), "c1", "hi")
	req.ErrorIs(err, chat.ErrProfileNotFound)

	for _, hh := range []*harness{h, h2, h3} {
		req.Empty(hh.queued(t, ""))
		req.Equal(0, hh.backend.Calls(memory.OpPutMessage))
	}
}

func TestTransientFailureStaysQueuedThenSweeps(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.backend.FailNext(memory.OpPutMessage, errUnavailable, 1)

	m, err := h.pipeline.Send(context.Background(), "c1", "hello")
	req.ErrorIs(err, chat.ErrTransient)
	req.Equal(chat.StatusSending, m.Status)

	entries := h.queued(t, "c1")
	req.Len(entries, 1)
	req.Equal(1, entries[0].AttemptCount)

	res, err := h.pipeline.ProcessQueuedMessages(context.Background())
	req.NoError(err)
	req.Equal(SweepResult{Attempted: 1, Sent: 1}, res)
	req.Empty(h.queued(t, "c1"))

	last, err := h.db.Checkpoint(CheckpointLastSweep)
	req.NoError(err)
	req.NotEmpty(last)
}

func TestRetryBudgetExhaustion(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.backend.FailNext(memory.OpPutMessage, errUnavailable, 3)
	ctx := context.Background()

	m, err := h.pipeline.Send(ctx, "c1", "hello")
	req.ErrorIs(err, chat.ErrTransient)
	_, err = h.pipeline.ProcessQueuedMessages(ctx)
	req.NoError(err)
	res, err := h.pipeline.ProcessQueuedMessages(ctx)
	req.NoError(err)
	req.Equal(1, res.Failed)

	entries := h.queued(t, "c1")
	req.Len(entries, 1)
	req.Equal(chat.StatusFailed, entries[0].Message.Status)
	req.Equal(3, entries[0].AttemptCount)
	req.Equal(3, h.backend.Calls(memory.OpPutMessage))

	// Failed entries are not swept again.
	res, err = h.pipeline.ProcessQueuedMessages(ctx)
	req.NoError(err)
	req.Equal(0, res.Attempted)
	req.Equal(3, h.backend.Calls(memory.OpPutMessage))

	// Only an explicit retry revives it.
	sent, err := h.pipeline.Retry(ctx, m.ID)
	req.NoError(err)
	req.Equal(chat.StatusSent, sent.Status)
	req.Empty(h.queued(t, "c1"))
}

func TestExhaustionReportsBudgetError(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.pipeline.opts.MaxAttempts = 1
	h.backend.FailNext(memory.OpPutMessage, errUnavailable, 1)

	m, err := h.pipeline.Send(context.Background(), "c1", "hello")
	req.ErrorIs(err, chat.ErrRetryBudgetExhausted)
	req.Equal(chat.StatusFailed, m.Status)
}

func TestPermissionErrorFailsWithoutConsumingBudget(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.backend.FailNext(memory.OpPutMessage, errDenied, 1)

	m, err := h.pipeline.Send(context.Background(), "c1", "hello")
	req.ErrorIs(err, chat.ErrPermission)
	req.Equal(chat.StatusFailed, m.Status)

	entries := h.queued(t, "c1")
	req.Len(entries, 1)
	req.Equal(0, entries[0].AttemptCount)
	req.Equal(chat.StatusFailed, entries[0].Message.Status)
}

func TestWriteThatLandedIsNotDuplicated(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.backend.FailAfterCommit(memory.OpPutMessage, errUnavailable, 1)
	ctx := context.Background()

	m, err := h.pipeline.Send(ctx, "c1", "hello")
	req.ErrorIs(err, chat.ErrTransient)
	req.Equal(1, h.backend.MessageCount("c1"))

	sent, err := h.pipeline.Retry(ctx, m.ID)
	req.NoError(err)
	req.Equal(m.ID, sent.ID)
	req.Equal(1, h.backend.MessageCount("c1"))
	cur := h.chat(t, "c1")
	req.Equal(1, cur.Unread("u2"))
}

func TestMessagesKeepSendOrder(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.pipeline.Send(ctx, "c1", "A")
	req.NoError(err)
	b, err := h.pipeline.Send(ctx, "c1", "B")
	req.NoError(err)

	page, err := h.backend.ListMessages(ctx, "c1", remote.Page{Limit: 50})
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(b.ID, page[0].ID)
	req.Equal(a.ID, page[1].ID)
	cur := h.chat(t, "c1")
	req.Equal(2, cur.Unread("u2"))
}

func TestBookkeepingFailureDoesNotFailSend(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.backend.FailNext(memory.OpUpdateChat, errUnavailable, 1)

	m, err := h.pipeline.Send(context.Background(), "c1", "hello")
	req.NoError(err)
	req.Equal(chat.StatusSent, m.Status)
	req.Empty(h.queued(t, "c1"))
}

func TestNotificationFailureIsSwallowed(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.backend.FailNext(memory.OpRecordEvent, errDenied, 1)

	m, err := h.pipeline.Send(context.Background(), "c1", "hello")
	req.NoError(err)
	req.Equal(chat.StatusSent, m.Status)
	h.recorder.Wait()
	req.Empty(h.backend.Events())
}

func TestReconcileRemovesConfirmedEntries(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.backend.FailAfterCommit(memory.OpPutMessage, errUnavailable, 1)
	events, unsub := h.bus.Subscribe("message.reconciled", 4)
	defer unsub()

	m, err := h.pipeline.Send(context.Background(), "c1", "hello")
	req.Error(err)
	req.Len(h.queued(t, "c1"), 1)

	removed, err := h.pipeline.Reconcile(context.Background(), []string{m.ID})
	req.NoError(err)
	req.Equal([]string{m.ID}, removed)
	req.Empty(h.queued(t, "c1"))

	select {
	case evt := <-events:
		req.Equal(m.ID, evt.Payload.(bus.MessageEvent).MessageID)
	case <-time.After(time.Second):
		t.Fatal("no reconciled event")
	}
}

func TestReconcileRunsChatBookkeeping(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.backend.FailAfterCommit(memory.OpPutMessage, errUnavailable, 1)
	ctx := context.Background()

	m, err := h.pipeline.Send(ctx, "c1", "hello")
	req.ErrorIs(err, chat.ErrTransient)
	cur := h.chat(t, "c1")
	req.Equal(0, cur.Unread("u2"))

	removed, err := h.pipeline.Reconcile(ctx, []string{m.ID})
	req.NoError(err)
	req.Equal([]string{m.ID}, removed)
	h.recorder.Wait()

	c := h.chat(t, "c1")
	req.Equal(1, c.Unread("u2"))
	req.Equal("hello", c.LastMessagePreview)
	req.Len(h.backend.Events(), 1)

	// Nothing is left for the sweep, and a second snapshot changes nothing.
	res, err := h.pipeline.ProcessQueuedMessages(ctx)
	req.NoError(err)
	req.Equal(0, res.Attempted)
	removed, err = h.pipeline.Reconcile(ctx, []string{m.ID})
	req.NoError(err)
	req.Empty(removed)
	h.recorder.Wait()
	cur = h.chat(t, "c1")
	req.Equal(1, cur.Unread("u2"))
	req.Len(h.backend.Events(), 1)
}

func TestRetryAfterReconcileReturnsStoredMessage(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.backend.FailAfterCommit(memory.OpPutMessage, errUnavailable, 1)
	ctx := context.Background()

	m, err := h.pipeline.Send(ctx, "c1", "hello")
	req.Error(err)
	_, err = h.pipeline.Reconcile(ctx, []string{m.ID})
	req.NoError(err)

	_, err = h.pipeline.Retry(ctx, m.ID)
	req.ErrorIs(err, chat.ErrQueueEntryNotFound)
	req.Equal(1, h.backend.MessageCount("c1"))
}

func TestSendMedia(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	var progress int64

	m, err := h.pipeline.SendMedia(context.Background(), "c1", media.BytesHandle("cat.png", pngBytes), "look",
		func(sent, _ int64) { progress = sent })
	req.NoError(err)
	req.Equal(chat.StatusSent, m.Status)
	req.NotEmpty(m.MediaRef())
	req.EqualValues(len(pngBytes), progress)

	stored, err := h.backend.GetMessage(context.Background(), "c1", m.ID)
	req.NoError(err)
	md := stored.Payload.(chat.Media)
	req.Equal("image/png", md.ContentType)
	req.Equal("look", md.Caption)
	req.Equal("look", h.chat(t, "c1").LastMessagePreview)
}

type failingUploader struct{ err error }

func (f failingUploader) Upload(context.Context, media.Handle, string, string, media.ProgressFunc) (string, error) {
	return "", f.err
}

func TestSendMediaUploadFailureThenRetryMedia(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, withUploader(failingUploader{err: errors.New("disk quota")}))
	ctx := context.Background()

	m, err := h.pipeline.SendMedia(ctx, "c1", media.BytesHandle("cat.png", pngBytes), "", nil)
	req.ErrorIs(err, chat.ErrUploadFailed)
	req.Equal(chat.StatusFailed, m.Status)
	req.Equal(0, h.backend.Calls(memory.OpPutMessage))

	entries := h.queued(t, "c1")
	req.Len(entries, 1)
	req.Equal(chat.StatusFailed, entries[0].Message.Status)

	_, err = h.pipeline.Retry(ctx, m.ID)
	req.ErrorIs(err, chat.ErrValidation)

	h.pipeline.Uploader = media.NewLocal(t.TempDir())
	sent, err := h.pipeline.RetryMedia(ctx, m.ID, media.BytesHandle("cat.png", pngBytes), nil)
	req.NoError(err)
	req.Equal(chat.StatusSent, sent.Status)
	req.NotEmpty(sent.MediaRef())
	req.Empty(h.queued(t, "c1"))
}

func TestSweepSkipsPendingUploads(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	m := chat.Message{
		ID: chat.NewMessageID(), ChatID: "c1", SenderID: "u1",
		Payload: chat.Media{ContentType: "image/png"}, Timestamp: time.Now().UTC(), Status: chat.StatusSending,
	}
	_, err := h.queue.EnqueueUpload(m)
	req.NoError(err)

	res, err := h.pipeline.ProcessQueuedMessages(context.Background())
	req.NoError(err)
	req.Equal(0, res.Attempted)
}

func TestOnlineEdgeTriggersSweep(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.backend.FailNext(memory.OpPutMessage, errUnavailable, 1)

	_, err := h.pipeline.Send(context.Background(), "c1", "queued while offline")
	req.Error(err)

	sent, unsub := h.bus.Subscribe(bus.MessageSent, 4)
	defer unsub()
	h.pipeline.Start(context.Background())
	defer h.pipeline.Stop()

	req.NoError(h.conn.SetOnline(true, "test"))
	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("online edge did not sweep the queue")
	}
	req.Eventually(func() bool { return len(h.queued(t, "c1")) == 0 }, time.Second, 10*time.Millisecond)
}

func TestTransientFailureDegradesConnectivity(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	req.NoError(h.conn.SetOnline(true, "test"))
	h.backend.FailNext(memory.OpPutMessage, errUnavailable, 1)

	_, err := h.pipeline.Send(context.Background(), "c1", "a")
	req.Error(err)
	req.Equal(connectivity.Degraded, h.conn.Current())

	_, err = h.pipeline.Send(context.Background(), "c1", "b")
	req.NoError(err)
	req.Equal(connectivity.Online, h.conn.Current())
}

// laneCounter records the peak number of concurrent writes per chat.
type laneCounter struct {
	*memory.Backend
	mu       sync.Mutex
	inflight map[string]int
	peak     map[string]int
}

func (l *laneCounter) PutMessage(ctx context.Context, m chat.Message) error {
	l.mu.Lock()
	l.inflight[m.ChatID]++
	l.peak[m.ChatID] = max(l.peak[m.ChatID], l.inflight[m.ChatID])
	l.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	l.mu.Lock()
	l.inflight[m.ChatID]--
	l.mu.Unlock()
	return l.Backend.PutMessage(ctx, m)
}

func TestOneInFlightAttemptPerChat(t *testing.T) {
	req := require.New(t)
	counter := &laneCounter{inflight: map[string]int{}, peak: map[string]int{}}
	h := newHarness(t)
	counter.Backend = h.backend
	h.pipeline.Remote = counter

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		chatID := "c1"
		if i%2 == 1 {
			chatID = "c2"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.pipeline.Send(context.Background(), chatID, "hi")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	req.Equal(1, counter.peak["c1"])
	req.Equal(1, counter.peak["c2"])
	req.Equal(10, h.backend.MessageCount("c1"))
	req.Equal(10, h.backend.MessageCount("c2"))
	cur := h.chat(t, "c1")
	req.Equal(10, cur.Unread("u2"))
}
