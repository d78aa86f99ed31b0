// Package outbox is the message send pipeline. Every outgoing message is
// queued before the first remote write, and stays queued until the remote
// store confirms it or it is frozen in Failed.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/connectivity"
	"github.com/matheus3301/chatcore/internal/identity"
	"github.com/matheus3301/chatcore/internal/media"
	"github.com/matheus3301/chatcore/internal/notify"
	"github.com/matheus3301/chatcore/internal/queue"
	"github.com/matheus3301/chatcore/internal/remote"
)

// Profiles resolves the sender's directory profile.
type Profiles interface {
	Profile(ctx context.Context, userID string) (chat.ProfileSnapshot, error)
}

// Checkpointer records when the last sweep ran.
type Checkpointer interface {
	SetCheckpoint(key, value string) error
}

// CheckpointLastSweep is the checkpoint key holding the last sweep time.
const CheckpointLastSweep = "queue.last_sweep"

// Options tune retries and the background sweep.
type Options struct {
	MaxAttempts   int
	Workers       int
	SweepInterval time.Duration
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
}

// Deps are the collaborators of a Pipeline. Uploader, Dispatcher,
// Connectivity and Checkpoints are optional.
type Deps struct {
	Queue        *queue.Queue
	Remote       remote.Store
	Identity     identity.Provider
	Profiles     Profiles
	Uploader     media.Uploader
	Dispatcher   notify.Dispatcher
	Bus          *bus.Bus
	Connectivity *connectivity.Machine
	Checkpoints  Checkpointer
}

// Pipeline is safe for concurrent use. At most one attempt per chat is in
// flight at any time; different chats send concurrently.
type Pipeline struct {
	Deps
	opts   Options
	lanes  queue.KeyedMutex
	logger *zap.Logger

	sweeping atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a pipeline.
func New(d Deps, opts Options, logger *zap.Logger) *Pipeline {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Dispatcher == nil {
		d.Dispatcher = notify.Nop{}
	}
	if d.Bus == nil {
		d.Bus = bus.New()
	}
	return &Pipeline{Deps: d, opts: opts, logger: logger}
}

// MaxAttempts is the retry budget of a queued message.
func (p *Pipeline) MaxAttempts() int { return p.opts.MaxAttempts }

// Send queues a text message and makes the first delivery attempt. On
// failure the returned message carries the status it was left in
// (Sending while budget remains, Failed otherwise) alongside the error.
func (p *Pipeline) Send(ctx context.Context, chatID, text string) (chat.Message, error) {
	const op = "send"
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Message{}, chat.Errorf(chat.ErrValidation, op, "message text is blank")
	}
	m, err := p.newMessage(ctx, op, chatID, chat.Text{Body: text})
	if err != nil {
		return chat.Message{}, err
	}
	if _, err := p.Queue.Enqueue(m); err != nil {
		return chat.Message{}, fmt.Errorf("%s: %w", op, err)
	}
	p.emit(bus.MessageQueued, m, 0, nil)
	return p.attempt(ctx, m.ID)
}

// SendMedia queues a media placeholder, uploads the attachment and then
// delivers the message. A failed upload freezes the placeholder in Failed;
// it is only retried through RetryMedia.
func (p *Pipeline) SendMedia(ctx context.Context, chatID string, h media.Handle, caption string, onProgress media.ProgressFunc) (chat.Message, error) {
	const op = "send media"
	if p.Uploader == nil {
		return chat.Message{}, chat.Errorf(chat.ErrValidation, op, "media uploads are not configured")
	}
	if h.Open == nil {
		return chat.Message{}, chat.Errorf(chat.ErrValidation, op, "no attachment")
	}
	contentType, err := media.Sniff(h)
	if err != nil {
		return chat.Message{}, chat.E(chat.ErrValidation, op, err)
	}
	payload := chat.Media{ContentType: contentType, Name: h.Name, Caption: strings.TrimSpace(caption)}
	m, err := p.newMessage(ctx, op, chatID, payload)
	if err != nil {
		return chat.Message{}, err
	}
	if _, err := p.Queue.EnqueueUpload(m); err != nil {
		return chat.Message{}, fmt.Errorf("%s: %w", op, err)
	}
	p.emit(bus.MessageQueued, m, 0, nil)
	if err := p.upload(ctx, m, h, onProgress); err != nil {
		return p.current(m), err
	}
	return p.attempt(ctx, m.ID)
}

// Retry puts a queued message back in Sending with a fresh retry budget
// and attempts delivery once. Media messages whose upload never completed
// must go through RetryMedia.
func (p *Pipeline) Retry(ctx context.Context, messageID string) (chat.Message, error) {
	const op = "retry"
	e, err := p.Queue.Get(messageID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("%s: %w", op, err)
	}
	if md, ok := e.Message.Payload.(chat.Media); ok && !md.Uploaded() {
		return e.Message, chat.Errorf(chat.ErrValidation, op, "message %s has no uploaded media; retry the upload", messageID)
	}
	if e, err = p.Queue.ResetAttempts(messageID); err != nil {
		return chat.Message{}, fmt.Errorf("%s: %w", op, err)
	}
	p.emit(bus.MessageRetrying, e.Message, 0, nil)
	return p.attempt(ctx, messageID)
}

// RetryMedia re-uploads the attachment of a queued media message, then
// attempts delivery with a fresh retry budget.
func (p *Pipeline) RetryMedia(ctx context.Context, messageID string, h media.Handle, onProgress media.ProgressFunc) (chat.Message, error) {
	const op = "retry media"
	if p.Uploader == nil {
		return chat.Message{}, chat.Errorf(chat.ErrValidation, op, "media uploads are not configured")
	}
	e, err := p.Queue.Get(messageID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("%s: %w", op, err)
	}
	md, ok := e.Message.Payload.(chat.Media)
	if !ok {
		return e.Message, chat.Errorf(chat.ErrValidation, op, "message %s is not a media message", messageID)
	}
	if h.Open == nil {
		return e.Message, chat.Errorf(chat.ErrValidation, op, "no attachment")
	}
	if ct, err := media.Sniff(h); err == nil {
		md.ContentType = ct
	}
	if e, err = p.Queue.BeginUpload(messageID); err != nil {
		return chat.Message{}, fmt.Errorf("%s: %w", op, err)
	}
	p.emit(bus.MessageRetrying, e.Message, 0, nil)
	m := e.Message
	m.Payload = chat.Media{ContentType: md.ContentType, Name: h.Name, Caption: md.Caption}
	if err := p.upload(ctx, m, h, onProgress); err != nil {
		return p.current(m), err
	}
	return p.attempt(ctx, messageID)
}

// Reconcile removes queue entries whose ids a remote snapshot reported as
// stored. The remote record wins over the local optimistic copy. An entry
// still queued at this point never had its chat updated, so the chat and
// notification bookkeeping runs here instead.
func (p *Pipeline) Reconcile(ctx context.Context, confirmedIDs []string) ([]string, error) {
	var (
		removed []string
		errs    []error
	)
	for _, id := range confirmedIDs {
		ok, err := p.reconcile(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		p.logger.Info("queued message confirmed remotely", zap.String("message_id", id))
		p.Bus.Emit(bus.MessageReconciled, bus.MessageEvent{MessageID: id})
		removed = append(removed, id)
	}
	return removed, errors.Join(errs...)
}

// reconcile settles one confirmed entry under its chat's lane, so it never
// interleaves with an attempt for the same message.
func (p *Pipeline) reconcile(ctx context.Context, messageID string) (bool, error) {
	e, err := p.Queue.Get(messageID)
	if errors.Is(err, chat.ErrQueueEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	unlock := p.lanes.Lock(e.Message.ChatID)
	defer unlock()

	e, err = p.Queue.Get(messageID)
	if errors.Is(err, chat.ErrQueueEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	removed, err := p.Queue.ReconcileConfirmed([]string{messageID})
	if err != nil || len(removed) == 0 {
		return false, err
	}
	m := e.Message
	m.Status = chat.StatusSent
	p.bookkeep(ctx, m)
	return true, nil
}

func (p *Pipeline) newMessage(ctx context.Context, op, chatID string, payload chat.Payload) (chat.Message, error) {
	if strings.TrimSpace(chatID) == "" {
		return chat.Message{}, chat.Errorf(chat.ErrValidation, op, "chat id is required")
	}
	uid, err := p.Identity.CurrentUserID(ctx)
	if err != nil {
		return chat.Message{}, err
	}
	if _, err := p.Profiles.Profile(ctx, uid); err != nil {
		if errors.Is(err, chat.ErrProfileNotFound) {
			p.logger.Error("authenticated user has no profile", zap.String("user_id", uid))
		}
		return chat.Message{}, err
	}
	id := chat.NewMessageID()
	ts, _ := chat.MessageTime(id)
	return chat.Message{
		ID:        id,
		ChatID:    chatID,
		SenderID:  uid,
		Payload:   payload,
		Timestamp: ts,
		Status:    chat.StatusSending,
	}, nil
}

func (p *Pipeline) upload(ctx context.Context, m chat.Message, h media.Handle, onProgress media.ProgressFunc) error {
	md := m.Payload.(chat.Media)
	dest := media.ObjectPath(m.ChatID, m.ID, md.ContentType)
	url, err := p.Uploader.Upload(ctx, h, dest, md.ContentType, onProgress)
	if err != nil {
		cause := chat.E(chat.ErrUploadFailed, "upload media", err)
		if _, ferr := p.Queue.MarkFailed(m.ID, cause); ferr != nil {
			p.logger.Error("failed to freeze message after upload error", zap.String("message_id", m.ID), zap.Error(ferr))
		}
		p.logger.Warn("media upload failed",
			zap.String("chat_id", m.ChatID),
			zap.String("message_id", m.ID),
			zap.Error(err))
		p.emit(bus.MessageSendFailed, m, 0, cause)
		return cause
	}
	md.URL = url
	if _, err := p.Queue.CompleteUpload(m.ID, md); err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	return nil
}

// attempt makes one remote write for the queued message. It holds the
// chat's lane for the whole attempt.
func (p *Pipeline) attempt(ctx context.Context, messageID string) (chat.Message, error) {
	e, err := p.Queue.Get(messageID)
	if err != nil {
		return chat.Message{}, err
	}
	chatID := e.Message.ChatID
	unlock := p.lanes.Lock(chatID)
	defer unlock()

	// Reload under the lane: a reconcile or a concurrent attempt may have
	// settled the entry while we waited.
	e, err = p.Queue.Get(messageID)
	if errors.Is(err, chat.ErrQueueEntryNotFound) {
		return p.confirmedElsewhere(ctx, chatID, messageID)
	}
	if err != nil {
		return chat.Message{}, err
	}
	m := e.Message
	if m.Status != chat.StatusSending {
		return m, chat.Errorf(chat.ErrValidation, "send", "message %s is %s, not sending", m.ID, m.Status)
	}

	wire := m.Clone()
	wire.Status = chat.StatusSent
	err = p.Remote.PutMessage(ctx, wire)
	if err == nil {
		return p.confirm(ctx, m), nil
	}
	return p.fail(ctx, m, remote.Wrap("put message", err))
}

func (p *Pipeline) confirmedElsewhere(ctx context.Context, chatID, messageID string) (chat.Message, error) {
	stored, err := p.Remote.GetMessage(ctx, chatID, messageID)
	if err != nil {
		return chat.Message{}, remote.Wrap("get message", err)
	}
	return stored, nil
}

func (p *Pipeline) confirm(ctx context.Context, m chat.Message) chat.Message {
	_ = chat.Transition(&m, chat.StatusSent)

	p.bookkeep(ctx, m)

	if err := p.Queue.Remove(m.ID); err != nil {
		p.logger.Error("failed to remove confirmed message from queue", zap.String("message_id", m.ID), zap.Error(err))
	}
	p.markReachable()
	p.logger.Info("message sent", zap.String("chat_id", m.ChatID), zap.String("message_id", m.ID))
	p.emit(bus.MessageSent, m, 0, nil)
	return m
}

// bookkeep updates the parent chat and records the notification event.
// The message is already stored, so failures here are logged only.
func (p *Pipeline) bookkeep(ctx context.Context, m chat.Message) {
	c, err := p.Remote.GetChat(ctx, m.ChatID)
	if err != nil {
		p.logger.Warn("chat bookkeeping skipped",
			zap.String("chat_id", m.ChatID),
			zap.String("message_id", m.ID),
			zap.Error(err))
		return
	}
	recipients := c.Others(m.SenderID)
	update := remote.ChatUpdate{
		LastMessage:     &remote.LastMessage{Preview: m.Payload.Preview(), At: m.Timestamp, SenderID: m.SenderID},
		IncrementUnread: recipients,
		ResetUnread:     []string{m.SenderID},
	}
	if err := p.Remote.UpdateChat(ctx, m.ChatID, update); err != nil {
		p.logger.Warn("chat bookkeeping failed",
			zap.String("chat_id", m.ChatID),
			zap.String("message_id", m.ID),
			zap.Error(err))
	}
	p.Dispatcher.RecordEvent(m.ChatID, m, recipients)
}

func (p *Pipeline) fail(ctx context.Context, m chat.Message, err error) (chat.Message, error) {
	log := p.logger.With(zap.String("chat_id", m.ChatID), zap.String("message_id", m.ID), zap.Error(err))

	if !chat.Retryable(err) {
		e, ferr := p.Queue.MarkFailed(m.ID, err)
		if errors.Is(ferr, chat.ErrQueueEntryNotFound) {
			return m, err
		}
		if ferr == nil {
			m = e.Message
		}
		log.Warn("message rejected")
		p.emit(bus.MessageSendFailed, m, e.AttemptCount, err)
		return m, err
	}

	p.markUnreachable()
	e, rerr := p.Queue.RecordFailure(m.ID, err)
	if errors.Is(rerr, chat.ErrQueueEntryNotFound) {
		return p.confirmedElsewhere(ctx, m.ChatID, m.ID)
	}
	if rerr != nil {
		log.Error("failed to record attempt", zap.NamedError("queue_error", rerr))
		return m, err
	}
	if !e.Exhausted(p.opts.MaxAttempts) {
		log.Info("send attempt failed, will retry", zap.Int("attempt", e.AttemptCount))
		p.emit(bus.MessageRetrying, e.Message, e.AttemptCount, err)
		return e.Message, err
	}

	exhausted := chat.E(chat.ErrRetryBudgetExhausted, "send", err)
	if frozen, ferr := p.Queue.MarkFailed(m.ID, exhausted); ferr == nil {
		e = frozen
	}
	log.Warn("message failed, retry budget exhausted", zap.Int("attempt", e.AttemptCount))
	p.emit(bus.MessageSendFailed, e.Message, e.AttemptCount, exhausted)
	return e.Message, exhausted
}

// current returns the queued copy of m, or m itself if it is gone.
func (p *Pipeline) current(m chat.Message) chat.Message {
	if e, err := p.Queue.Get(m.ID); err == nil {
		return e.Message
	}
	return m
}

func (p *Pipeline) markUnreachable() {
	if p.Connectivity != nil && p.Connectivity.Current() == connectivity.Online {
		_ = p.Connectivity.Transition(connectivity.Degraded, "send attempt failed")
	}
}

func (p *Pipeline) markReachable() {
	if p.Connectivity != nil && p.Connectivity.Current() == connectivity.Degraded {
		_ = p.Connectivity.Transition(connectivity.Online, "send attempt succeeded")
	}
}

func (p *Pipeline) emit(kind string, m chat.Message, attempt int, err error) {
	ev := bus.MessageEvent{ChatID: m.ChatID, MessageID: m.ID, Attempt: attempt}
	if err != nil {
		ev.Err = err.Error()
	}
	p.Bus.Emit(kind, ev)
}
