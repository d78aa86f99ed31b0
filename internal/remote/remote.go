// Package remote defines the contract of the managed document store the
// chat subsystem reads and writes: chats, their messages and typing rows,
// plus the directory, group roster and notification side-channel that live
// next to them.
package remote

import (
	"context"
	"time"

	"github.com/matheus3301/chatcore/internal/chat"
)

// ChatQuery selects chats by participant containment. Kind and GroupRef
// narrow the result when set. The backing store cannot order containment
// queries, so results come back unordered.
type ChatQuery struct {
	ParticipantID string
	Kind          chat.Kind
	GroupRef      string
}

// Matches reports whether c satisfies the query.
func (q ChatQuery) Matches(c *chat.Chat) bool {
	if q.ParticipantID != "" && !c.HasParticipant(q.ParticipantID) {
		return false
	}
	if q.Kind != "" && c.Kind != q.Kind {
		return false
	}
	if q.GroupRef != "" && c.GroupRef != q.GroupRef {
		return false
	}
	return true
}

// LastMessage are the denormalized last-message fields of a chat.
type LastMessage struct {
	Preview  string
	At       time.Time
	SenderID string
}

// ChatUpdate is a field-level patch. Each set field is applied atomically
// on the server, so concurrent senders never lose each other's counters.
type ChatUpdate struct {
	LastMessage     *LastMessage
	IncrementUnread []string
	ResetUnread     []string
	Profiles        map[string]chat.ProfileSnapshot
	// AddParticipants joins users with a zero unread counter. Pass only
	// users not yet in the chat.
	AddParticipants []string
}

// Empty reports whether the update would write nothing.
func (u ChatUpdate) Empty() bool {
	return u.LastMessage == nil && len(u.IncrementUnread) == 0 && len(u.ResetUnread) == 0 && len(u.Profiles) == 0 && len(u.AddParticipants) == 0
}

// Page selects a slice of message history, newest first. A zero Before
// starts at the newest message.
type Page struct {
	Before *Cursor
	Limit  int
}

// Cursor is a position in history ordered by (timestamp, id).
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// CursorOf returns the cursor positioned at m.
func CursorOf(m *chat.Message) *Cursor {
	return &Cursor{Timestamp: m.Timestamp, ID: m.ID}
}

// After reports whether m sorts strictly before the cursor, i.e. belongs
// to the page that follows it in descending order.
func (c *Cursor) After(m *chat.Message) bool {
	if c == nil {
		return true
	}
	if !m.Timestamp.Equal(c.Timestamp) {
		return m.Timestamp.Before(c.Timestamp)
	}
	return m.ID < c.ID
}

// Store is the chat document store.
type Store interface {
	GetChat(ctx context.Context, chatID string) (chat.Chat, error)
	// CreateChat writes c unless a chat with the same id exists, in which
	// case the stored record is returned with created=false.
	CreateChat(ctx context.Context, c chat.Chat) (stored chat.Chat, created bool, err error)
	QueryChats(ctx context.Context, q ChatQuery) ([]chat.Chat, error)
	UpdateChat(ctx context.Context, chatID string, u ChatUpdate) error

	// PutMessage creates m keyed by its id. Writing an id that already
	// exists succeeds without modifying the stored message.
	PutMessage(ctx context.Context, m chat.Message) error
	GetMessage(ctx context.Context, chatID, messageID string) (chat.Message, error)
	ListMessages(ctx context.Context, chatID string, p Page) ([]chat.Message, error)
	SetMessageStatus(ctx context.Context, chatID, messageID string, status chat.Status) error
	// MarkRead adds reader to readBy of every listed message, flips the
	// status of messages from other senders to Read, and resets the
	// reader's unread counter on the chat. It returns how many messages
	// changed.
	MarkRead(ctx context.Context, chatID string, messageIDs []string, reader string) (int, error)

	SetTyping(ctx context.Context, ts chat.TypingStatus) error

	// Watch calls block until ctx is done, invoking fn with the full
	// current snapshot on every change. The first snapshot is delivered
	// immediately.
	WatchChats(ctx context.Context, participantID string, fn func([]chat.Chat)) error
	WatchMessages(ctx context.Context, chatID string, limit int, fn func([]chat.Message)) error
	WatchTyping(ctx context.Context, chatID string, fn func([]chat.TypingStatus)) error
}

// Directory is the user profile source behind the directory cache.
type Directory interface {
	// Profiles returns the profiles that exist among ids. Missing users are
	// absent from the map, not an error.
	Profiles(ctx context.Context, ids []string) (map[string]chat.ProfileSnapshot, error)
	Search(ctx context.Context, term string, limit int) ([]chat.ProfileSnapshot, error)
}

// ProfileWriter provisions directory profiles.
type ProfileWriter interface {
	PutProfile(ctx context.Context, p chat.ProfileSnapshot) error
}

// Group is an external group whose roster a group chat mirrors.
type Group struct {
	ID        string
	Name      string
	MemberIDs []string
}

// Groups reads group rosters.
type Groups interface {
	Group(ctx context.Context, groupID string) (Group, error)
	GroupsOf(ctx context.Context, userID string) ([]Group, error)
}

// NotificationEvent is the side-channel record an external pipeline turns
// into push notifications.
type NotificationEvent struct {
	ID         string
	ChatID     string
	MessageID  string
	SenderID   string
	Preview    string
	Recipients []string
	CreatedAt  time.Time
}

// EventSink stores notification events.
type EventSink interface {
	RecordEvent(ctx context.Context, ev NotificationEvent) error
}
