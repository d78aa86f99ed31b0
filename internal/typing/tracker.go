// Package typing writes and projects the ephemeral per-user typing rows of
// a chat.
package typing

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/identity"
	"github.com/matheus3301/chatcore/internal/realtime"
	"github.com/matheus3301/chatcore/internal/remote"
)

const (
	DefaultDebounce  = 2 * time.Second
	DefaultStaleness = 10 * time.Second
)

// Rows opens a subscription to the raw typing rows of a chat.
type Rows interface {
	ObserveTyping(ctx context.Context, chatID string) (*realtime.Subscription[[]chat.TypingStatus], error)
}

// Writer stores typing rows.
type Writer interface {
	SetTyping(ctx context.Context, ts chat.TypingStatus) error
}

type Tracker struct {
	writer    Writer
	rows      Rows
	identity  identity.Provider
	staleness time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewTracker(w Writer, rows Rows, id identity.Provider, staleness time.Duration, logger *zap.Logger) *Tracker {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{writer: w, rows: rows, identity: id, staleness: staleness, now: time.Now, logger: logger}
}

// SetTyping upserts the current user's row for chatID stamped with now.
func (t *Tracker) SetTyping(ctx context.Context, chatID string, isTyping bool) error {
	const op = "set typing"
	if strings.TrimSpace(chatID) == "" {
		return chat.Errorf(chat.ErrValidation, op, "chat id is required")
	}
	uid, err := t.identity.CurrentUserID(ctx)
	if err != nil {
		return err
	}
	ts := chat.TypingStatus{ChatID: chatID, UserID: uid, IsTyping: isTyping, UpdatedAt: t.now().UTC()}
	return remote.Wrap(op, t.writer.SetTyping(ctx, ts))
}

// ObserveTyping subscribes to the ids of users actively typing in chatID,
// excluding the current user. Rows expire after the staleness window even
// when the store stays silent, so the set is re-projected on a ticker.
func (t *Tracker) ObserveTyping(ctx context.Context, chatID string) (*realtime.Subscription[[]string], error) {
	uid, err := t.identity.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}
	logger := t.logger.With(zap.String("chat_id", chatID))
	return realtime.Start(ctx, "typing users", logger, func(ctx context.Context, publish func([]string)) error {
		rows, err := t.rows.ObserveTyping(ctx, chatID)
		if err != nil {
			return err
		}
		defer rows.Cancel()

		ticker := time.NewTicker(t.staleness / 2)
		defer ticker.Stop()

		var latest []chat.TypingStatus
		var last []string
		seen := false
		for {
			select {
			case <-ctx.Done():
				return nil
			case snap, ok := <-rows.C():
				if !ok {
					return rows.Err()
				}
				latest = snap
				last = Active(latest, uid, t.now(), t.staleness)
				seen = true
				publish(last)
			case <-ticker.C:
				if !seen {
					continue
				}
				if ids := Active(latest, uid, t.now(), t.staleness); !slices.Equal(ids, last) {
					last = ids
					publish(last)
				}
			}
		}
	}), nil
}

// Active projects rows onto the sorted ids of users typing at now, leaving
// out self and rows older than window.
func Active(rows []chat.TypingStatus, self string, now time.Time, window time.Duration) []string {
	ids := lo.FilterMap(rows, func(r chat.TypingStatus, _ int) (string, bool) {
		return r.UserID, r.UserID != self && r.Active(now, window)
	})
	ids = lo.Uniq(ids)
	slices.Sort(ids)
	return ids
}
