// Package coordinator is the single entry point of the chat subsystem. It
// composes the resolver, the send pipeline, the realtime subscriptions and
// the typing tracker, and owns every subscription it hands out.
package coordinator

import (
	"context"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/connectivity"
	"github.com/matheus3301/chatcore/internal/identity"
	"github.com/matheus3301/chatcore/internal/media"
	"github.com/matheus3301/chatcore/internal/outbox"
	"github.com/matheus3301/chatcore/internal/queue"
	"github.com/matheus3301/chatcore/internal/realtime"
	"github.com/matheus3301/chatcore/internal/remote"
	"github.com/matheus3301/chatcore/internal/resolver"
	"github.com/matheus3301/chatcore/internal/typing"
)

// Searcher looks users up in the directory.
type Searcher interface {
	Search(ctx context.Context, term string) ([]chat.ProfileSnapshot, error)
}

// Deps are the components a Coordinator composes. Debouncer and
// Connectivity are optional.
type Deps struct {
	Store        remote.Store
	Identity     identity.Provider
	Queue        *queue.Queue
	Pipeline     *outbox.Pipeline
	Resolver     *resolver.Resolver
	Sync         *realtime.Sync
	Typing       *typing.Tracker
	Debouncer    *typing.Debouncer
	Directory    Searcher
	Connectivity *connectivity.Machine
}

type canceler interface {
	Cancel()
	Done() <-chan struct{}
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	Deps
	logger *zap.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]canceler
	closed bool
}

func New(d Deps, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{Deps: d, logger: logger, subs: make(map[uint64]canceler)}
}

// SendMessage sends text to chatID. See outbox.Pipeline.Send.
func (c *Coordinator) SendMessage(ctx context.Context, chatID, text string) (chat.Message, error) {
	m, err := c.Pipeline.Send(ctx, chatID, text)
	c.stopTyping(ctx, chatID, err)
	return m, err
}

// SendMedia uploads an attachment and sends it to chatID.
func (c *Coordinator) SendMedia(ctx context.Context, chatID string, h media.Handle, caption string, onProgress media.ProgressFunc) (chat.Message, error) {
	m, err := c.Pipeline.SendMedia(ctx, chatID, h, caption, onProgress)
	c.stopTyping(ctx, chatID, err)
	return m, err
}

func (c *Coordinator) GetOrCreateDirectChat(ctx context.Context, otherUserID string) (chat.Chat, error) {
	return c.Resolver.GetOrCreateDirect(ctx, otherUserID)
}

func (c *Coordinator) GetOrCreateGroupChat(ctx context.Context, groupID string) (chat.Chat, error) {
	return c.Resolver.GetOrCreateGroup(ctx, groupID)
}

func (c *Coordinator) ReconcileGroupChats(ctx context.Context) (int, error) {
	return c.Resolver.ReconcileGroupChats(ctx)
}

// ObserveChats subscribes to the current user's chat list.
func (c *Coordinator) ObserveChats(ctx context.Context) (*realtime.Subscription[[]chat.Chat], error) {
	if err := c.open("observe chats"); err != nil {
		return nil, err
	}
	sub, err := c.Sync.ObserveChats(ctx)
	if err != nil {
		return nil, err
	}
	c.track(sub)
	return sub, nil
}

// ObserveMessages subscribes to the newest pageSize messages of chatID.
func (c *Coordinator) ObserveMessages(ctx context.Context, chatID string, pageSize int) (*realtime.Subscription[realtime.MessagesSnapshot], error) {
	if err := c.open("observe messages"); err != nil {
		return nil, err
	}
	sub, err := c.Sync.ObserveMessages(ctx, chatID, pageSize)
	if err != nil {
		return nil, err
	}
	c.track(sub)
	return sub, nil
}

func (c *Coordinator) LoadOlderMessages(ctx context.Context, chatID, beforeMessageID string, pageSize int) ([]chat.Message, error) {
	return c.Sync.LoadOlder(ctx, chatID, beforeMessageID, pageSize)
}

// MarkRead records the current user as reader of messageIDs and resets
// their unread counter on the chat.
func (c *Coordinator) MarkRead(ctx context.Context, chatID string, messageIDs []string) (int, error) {
	const op = "mark read"
	if strings.TrimSpace(chatID) == "" {
		return 0, chat.Errorf(chat.ErrValidation, op, "chat id is required")
	}
	uid, err := c.Identity.CurrentUserID(ctx)
	if err != nil {
		return 0, err
	}
	ch, err := c.Store.GetChat(ctx, chatID)
	if err != nil {
		return 0, remote.Wrap(op, err)
	}
	if !ch.HasParticipant(uid) {
		return 0, chat.Errorf(chat.ErrPermission, op, "user %s is not a participant of chat %s", uid, chatID)
	}
	ids := lo.Uniq(lo.Compact(messageIDs))
	n, err := c.Store.MarkRead(ctx, chatID, ids, uid)
	if err != nil {
		return 0, remote.Wrap(op, err)
	}
	c.logger.Debug("messages marked read", zap.String("chat_id", chatID), zap.Int("changed", n))
	return n, nil
}

// SetTyping writes the current user's typing flag directly.
func (c *Coordinator) SetTyping(ctx context.Context, chatID string, isTyping bool) error {
	return c.Typing.SetTyping(ctx, chatID, isTyping)
}

// Keystroke feeds the typing debouncer.
func (c *Coordinator) Keystroke(ctx context.Context, chatID string) error {
	if c.Debouncer == nil {
		return c.Typing.SetTyping(ctx, chatID, true)
	}
	return c.Debouncer.Keystroke(ctx, chatID)
}

// ObserveTyping subscribes to the users typing in chatID.
func (c *Coordinator) ObserveTyping(ctx context.Context, chatID string) (*realtime.Subscription[[]string], error) {
	if err := c.open("observe typing"); err != nil {
		return nil, err
	}
	sub, err := c.Typing.ObserveTyping(ctx, chatID)
	if err != nil {
		return nil, err
	}
	c.track(sub)
	return sub, nil
}

func (c *Coordinator) Retry(ctx context.Context, messageID string) (chat.Message, error) {
	return c.Pipeline.Retry(ctx, messageID)
}

func (c *Coordinator) RetryMedia(ctx context.Context, messageID string, h media.Handle, onProgress media.ProgressFunc) (chat.Message, error) {
	return c.Pipeline.RetryMedia(ctx, messageID, h, onProgress)
}

// ProcessQueuedMessages runs one sweep over the queue.
func (c *Coordinator) ProcessQueuedMessages(ctx context.Context) (outbox.SweepResult, error) {
	return c.Pipeline.ProcessQueuedMessages(ctx)
}

// QueuedMessages returns the unconfirmed entries of chatID in message
// order. An empty chatID lists every chat.
func (c *Coordinator) QueuedMessages(chatID string) ([]chat.QueueEntry, error) {
	var (
		entries []chat.QueueEntry
		err     error
	)
	if chatID == "" {
		entries, err = c.Queue.AllEntries()
	} else {
		entries, err = c.Queue.EntriesFor(chatID)
	}
	if err != nil {
		return nil, err
	}
	chat.SortEntries(entries)
	return entries, nil
}

func (c *Coordinator) SearchUsers(ctx context.Context, term string) ([]chat.ProfileSnapshot, error) {
	return c.Directory.Search(ctx, term)
}

// SetOnline reports network reachability. Coming online sweeps the queue.
func (c *Coordinator) SetOnline(online bool) error {
	if c.Connectivity == nil {
		return nil
	}
	return c.Connectivity.SetOnline(online, "reported by client")
}

// Close cancels every open subscription and clears pending typing state.
// Later observe calls fail.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := lo.Values(c.subs)
	c.subs = map[uint64]canceler{}
	c.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	if c.Debouncer != nil {
		c.Debouncer.Stop(ctx)
	}
	c.logger.Info("coordinator closed", zap.Int("subscriptions", len(subs)))
}

// OpenSubscriptions returns how many subscriptions are still running.
func (c *Coordinator) OpenSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Coordinator) open(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return chat.Errorf(chat.ErrValidation, op, "coordinator is closed")
	}
	return nil
}

func (c *Coordinator) track(s canceler) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.Cancel()
		return
	}
	c.nextID++
	id := c.nextID
	c.subs[id] = s
	c.mu.Unlock()

	go func() {
		<-s.Done()
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}()
}

// stopTyping ends the typing burst once a message went out.
func (c *Coordinator) stopTyping(ctx context.Context, chatID string, sendErr error) {
	if c.Debouncer == nil || sendErr != nil {
		return
	}
	if err := c.Debouncer.Flush(ctx, chatID); err != nil {
		c.logger.Debug("failed to clear typing state", zap.String("chat_id", chatID), zap.Error(err))
	}
}
