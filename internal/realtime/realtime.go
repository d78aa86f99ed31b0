// Package realtime republishes the remote store's change feeds as typed,
// cancellable snapshot subscriptions: the chat list, a chat's message
// history and a chat's typing rows.
package realtime

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/identity"
	"github.com/matheus3301/chatcore/internal/remote"
)

// DefaultPageSize is the history page used when a caller passes none.
const DefaultPageSize = 50

// Profiles resolves directory profiles, typically through the cache.
type Profiles interface {
	Profiles(ctx context.Context, ids []string) (map[string]chat.ProfileSnapshot, error)
}

// Pending lists the locally queued entries of a chat.
type Pending interface {
	EntriesFor(chatID string) ([]chat.QueueEntry, error)
}

// Reconciler drops queue entries the remote store has confirmed.
type Reconciler interface {
	Reconcile(ctx context.Context, confirmedIDs []string) ([]string, error)
}

// Deps are the collaborators of a Sync. Profiles, Queue and Reconciler
// are optional.
type Deps struct {
	Store      remote.Store
	Identity   identity.Provider
	Profiles   Profiles
	Queue      Pending
	Reconciler Reconciler
}

// Options tune the history subscriptions.
type Options struct {
	PageSize int
}

// MessagesSnapshot is one view of a chat's history: the newest remote
// messages, newest first, plus the local entries not yet confirmed,
// oldest first.
type MessagesSnapshot struct {
	ChatID   string
	Messages []chat.Message
	Pending  []chat.QueueEntry
}

// Sync opens subscriptions against the remote store.
type Sync struct {
	Deps
	opts   Options
	logger *zap.Logger
}

// New builds a Sync.
func New(d Deps, opts Options, logger *zap.Logger) *Sync {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sync{Deps: d, opts: opts, logger: logger}
}

// ObserveChats subscribes to the current user's chats, most recently
// active first. Each snapshot also refreshes stale participant profiles.
func (s *Sync) ObserveChats(ctx context.Context) (*Subscription[[]chat.Chat], error) {
	uid, err := s.Identity.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}
	return Start(ctx, "chats", s.logger, func(ctx context.Context, publish func([]chat.Chat)) error {
		err := s.Store.WatchChats(ctx, uid, func(chats []chat.Chat) {
			SortChats(chats)
			publish(chats)
			s.refreshProfiles(ctx, chats)
		})
		return remote.Wrap("watch chats", err)
	}), nil
}

// ObserveMessages subscribes to the newest pageSize messages of chatID.
func (s *Sync) ObserveMessages(ctx context.Context, chatID string, pageSize int) (*Subscription[MessagesSnapshot], error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, chat.Errorf(chat.ErrValidation, "observe messages", "chat id is required")
	}
	if pageSize <= 0 {
		pageSize = s.opts.PageSize
	}
	return Start(ctx, "messages", s.logger.With(zap.String("chat_id", chatID)), func(ctx context.Context, publish func(MessagesSnapshot)) error {
		err := s.Store.WatchMessages(ctx, chatID, pageSize, func(msgs []chat.Message) {
			publish(s.snapshot(ctx, chatID, msgs))
		})
		return remote.Wrap("watch messages", err)
	}), nil
}

// ObserveTyping subscribes to the raw typing rows of chatID.
func (s *Sync) ObserveTyping(ctx context.Context, chatID string) (*Subscription[[]chat.TypingStatus], error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, chat.Errorf(chat.ErrValidation, "observe typing", "chat id is required")
	}
	return Start(ctx, "typing", s.logger.With(zap.String("chat_id", chatID)), func(ctx context.Context, publish func([]chat.TypingStatus)) error {
		return remote.Wrap("watch typing", s.Store.WatchTyping(ctx, chatID, publish))
	}), nil
}

// LoadOlder returns up to pageSize messages older than beforeID, newest
// first. The cursor is the (timestamp, id) of beforeID, so messages that
// share a millisecond are neither skipped nor repeated.
func (s *Sync) LoadOlder(ctx context.Context, chatID, beforeID string, pageSize int) ([]chat.Message, error) {
	const op = "load older messages"
	if strings.TrimSpace(chatID) == "" || strings.TrimSpace(beforeID) == "" {
		return nil, chat.Errorf(chat.ErrValidation, op, "chat id and message id are required")
	}
	if pageSize <= 0 {
		pageSize = s.opts.PageSize
	}
	before, err := s.Store.GetMessage(ctx, chatID, beforeID)
	if err != nil {
		return nil, remote.Wrap(op, err)
	}
	msgs, err := s.Store.ListMessages(ctx, chatID, remote.Page{Before: remote.CursorOf(&before), Limit: pageSize})
	if err != nil {
		return nil, remote.Wrap(op, err)
	}
	chat.SortMessagesDesc(msgs)
	return msgs, nil
}

// snapshot pairs the remote page with the still-queued entries of the
// chat. Entries the page already contains are handed to the reconciler;
// the remote copy wins.
func (s *Sync) snapshot(ctx context.Context, chatID string, msgs []chat.Message) MessagesSnapshot {
	chat.SortMessagesDesc(msgs)
	snap := MessagesSnapshot{ChatID: chatID, Messages: msgs}
	if s.Queue == nil {
		return snap
	}
	entries, err := s.Queue.EntriesFor(chatID)
	if err != nil {
		s.logger.Warn("failed to read queued messages", zap.String("chat_id", chatID), zap.Error(err))
		return snap
	}
	remoteIDs := lo.SliceToMap(msgs, func(m chat.Message) (string, struct{}) { return m.ID, struct{}{} })
	confirmed, pending := lo.FilterReject(entries, func(e chat.QueueEntry, _ int) bool {
		_, ok := remoteIDs[e.Message.ID]
		return ok
	})
	snap.Pending = pending
	if len(confirmed) > 0 && s.Reconciler != nil {
		ids := lo.Map(confirmed, func(e chat.QueueEntry, _ int) string { return e.Message.ID })
		if _, err := s.Reconciler.Reconcile(ctx, ids); err != nil {
			s.logger.Warn("failed to reconcile confirmed messages", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
	return snap
}

// refreshProfiles writes a field-level profile update for every chat whose
// denormalized participant profiles differ from the directory.
func (s *Sync) refreshProfiles(ctx context.Context, chats []chat.Chat) {
	if s.Profiles == nil || len(chats) == 0 {
		return
	}
	ids := lo.Uniq(lo.FlatMap(chats, func(c chat.Chat, _ int) []string { return c.ParticipantIDs }))
	current, err := s.Profiles.Profiles(ctx, ids)
	if err != nil {
		s.logger.Debug("profile refresh skipped", zap.Error(err))
		return
	}
	for _, c := range chats {
		changed := make(map[string]chat.ProfileSnapshot)
		for _, id := range c.ParticipantIDs {
			p, ok := current[id]
			if !ok {
				continue
			}
			if old, ok := c.ParticipantProfiles[id]; ok && old.SameAs(p) {
				continue
			}
			changed[id] = p
		}
		if len(changed) == 0 {
			continue
		}
		if err := s.Store.UpdateChat(ctx, c.ID, remote.ChatUpdate{Profiles: changed}); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("failed to refresh participant profiles", zap.String("chat_id", c.ID), zap.Error(err))
			}
			continue
		}
		s.logger.Debug("participant profiles refreshed", zap.String("chat_id", c.ID), zap.Int("profiles", len(changed)))
	}
}

// SortChats orders chats by last activity, newest first. Chats without
// messages rank by creation time.
func SortChats(chats []chat.Chat) {
	activity := func(c *chat.Chat) time.Time {
		if !c.LastMessageAt.IsZero() {
			return c.LastMessageAt
		}
		return c.CreatedAt
	}
	slices.SortFunc(chats, func(a, b chat.Chat) int {
		if d := activity(&b).Compare(activity(&a)); d != 0 {
			return d
		}
		return strings.Compare(a.ID, b.ID)
	})
}
