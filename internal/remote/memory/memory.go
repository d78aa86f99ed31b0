// Package memory is an in-process implementation of the remote document
// store. It backs tests and the "memory" backend kind, and can inject
// failures before or after a write commits.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/remote"
)

// Op names a backend operation for fault injection and call counting.
type Op string

const (
	OpGetChat          Op = "get_chat"
	OpCreateChat       Op = "create_chat"
	OpQueryChats       Op = "query_chats"
	OpUpdateChat       Op = "update_chat"
	OpPutMessage       Op = "put_message"
	OpGetMessage       Op = "get_message"
	OpListMessages     Op = "list_messages"
	OpSetMessageStatus Op = "set_message_status"
	OpMarkRead         Op = "mark_read"
	OpSetTyping        Op = "set_typing"
	OpProfiles         Op = "profiles"
	OpSearch           Op = "search"
	OpGroup            Op = "group"
	OpGroupsOf         Op = "groups_of"
	OpRecordEvent      Op = "record_event"
)

type fault struct {
	err         error
	remaining   int
	afterCommit bool
}

type watchKind int

const (
	watchChats watchKind = iota
	watchMessages
	watchTyping
)

type watcher struct {
	kind   watchKind
	key    string
	notify chan struct{}
}

// Backend is safe for concurrent use.
type Backend struct {
	mu       sync.Mutex
	chats    map[string]chat.Chat
	messages map[string]map[string]chat.Message
	typing   map[string]map[string]chat.TypingStatus
	users    map[string]chat.ProfileSnapshot
	groups   map[string]remote.Group
	events   []remote.NotificationEvent
	faults   map[Op][]*fault
	calls    map[Op]int
	watchers map[*watcher]struct{}
}

var (
	_ remote.Store     = (*Backend)(nil)
	_ remote.Directory = (*Backend)(nil)
	_ remote.Groups    = (*Backend)(nil)
	_ remote.EventSink = (*Backend)(nil)
)

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		chats:    make(map[string]chat.Chat),
		messages: make(map[string]map[string]chat.Message),
		typing:   make(map[string]map[string]chat.TypingStatus),
		users:    make(map[string]chat.ProfileSnapshot),
		groups:   make(map[string]remote.Group),
		faults:   make(map[Op][]*fault),
		calls:    make(map[Op]int),
		watchers: make(map[*watcher]struct{}),
	}
}

// FailNext makes the next n calls of op fail with err without applying.
func (b *Backend) FailNext(op Op, err error, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = append(b.faults[op], &fault{err: err, remaining: n})
}

// FailAfterCommit makes the next n calls of op apply their write and then
// report err, the way a timed-out request that actually landed behaves.
func (b *Backend) FailAfterCommit(op Op, err error, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = append(b.faults[op], &fault{err: err, remaining: n, afterCommit: true})
}

// Calls returns how many times op was invoked, failed calls included.
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// AddUser seeds a directory profile.
func (b *Backend) AddUser(p chat.ProfileSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[p.UserID] = p
}

// PutProfile stores p as a directory profile.
func (b *Backend) PutProfile(_ context.Context, p chat.ProfileSnapshot) error {
	b.AddUser(p)
	return nil
}

// AddGroup seeds a group roster.
func (b *Backend) AddGroup(g remote.Group) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g.MemberIDs = slices.Clone(g.MemberIDs)
	b.groups[g.ID] = g
}

// SeedChat stores c as-is, bypassing create-if-absent.
func (b *Backend) SeedChat(c chat.Chat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chats[c.ID] = c.Clone()
	b.signalLocked(watchChats, "")
}

// SeedTyping stores a typing row as-is.
func (b *Backend) SeedTyping(ts chat.TypingStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putTypingLocked(ts)
}

// Events returns recorded notification events in insertion order.
func (b *Backend) Events() []remote.NotificationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.events)
}

// MessageCount returns the number of stored messages in chatID.
func (b *Backend) MessageCount(chatID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[chatID])
}

// begin records the call and returns a pre-commit fault, if any.
// Callers hold b.mu.
func (b *Backend) begin(op Op) error {
	b.calls[op]++
	return b.take(op, false)
}

// commit returns a post-commit fault, if any. Callers hold b.mu.
func (b *Backend) commit(op Op) error {
	return b.take(op, true)
}

func (b *Backend) take(op Op, afterCommit bool) error {
	for i, f := range b.faults[op] {
		if f.afterCommit != afterCommit {
			continue
		}
		f.remaining--
		if f.remaining <= 0 {
			b.faults[op] = slices.Delete(b.faults[op], i, i+1)
		}
		return f.err
	}
	return nil
}

func notFound(op Op, what string) error {
	return chat.Errorf(chat.ErrNotFound, string(op), "%s", what)
}

func (b *Backend) GetChat(_ context.Context, chatID string) (chat.Chat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpGetChat); err != nil {
		return chat.Chat{}, err
	}
	c, ok := b.chats[chatID]
	if !ok {
		return chat.Chat{}, notFound(OpGetChat, "chat "+chatID)
	}
	return c.Clone(), nil
}

func (b *Backend) CreateChat(_ context.Context, c chat.Chat) (chat.Chat, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpCreateChat); err != nil {
		return chat.Chat{}, false, err
	}
	if existing, ok := b.chats[c.ID]; ok {
		return existing.Clone(), false, b.commit(OpCreateChat)
	}
	b.chats[c.ID] = c.Clone()
	b.signalLocked(watchChats, "")
	return c.Clone(), true, b.commit(OpCreateChat)
}

func (b *Backend) QueryChats(_ context.Context, q remote.ChatQuery) ([]chat.Chat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpQueryChats); err != nil {
		return nil, err
	}
	return b.queryLocked(q), nil
}

func (b *Backend) queryLocked(q remote.ChatQuery) []chat.Chat {
	out := make([]chat.Chat, 0)
	for _, c := range b.chats {
		if q.Matches(&c) {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (b *Backend) UpdateChat(_ context.Context, chatID string, u remote.ChatUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpUpdateChat); err != nil {
		return err
	}
	c, ok := b.chats[chatID]
	if !ok {
		return notFound(OpUpdateChat, "chat "+chatID)
	}
	c = c.Clone()
	if lm := u.LastMessage; lm != nil {
		c.LastMessagePreview = lm.Preview
		c.LastMessageAt = lm.At
		c.LastMessageSenderID = lm.SenderID
	}
	if c.UnreadCountByParticipant == nil {
		c.UnreadCountByParticipant = make(map[string]int)
	}
	for _, id := range u.AddParticipants {
		if c.HasParticipant(id) {
			continue
		}
		c.ParticipantIDs = append(c.ParticipantIDs, id)
		c.UnreadCountByParticipant[id] = 0
	}
	for _, id := range u.IncrementUnread {
		c.UnreadCountByParticipant[id]++
	}
	for _, id := range u.ResetUnread {
		c.UnreadCountByParticipant[id] = 0
	}
	if len(u.Profiles) > 0 && c.ParticipantProfiles == nil {
		c.ParticipantProfiles = make(map[string]chat.ProfileSnapshot)
	}
	for id, p := range u.Profiles {
		c.ParticipantProfiles[id] = p
	}
	b.chats[chatID] = c
	b.signalLocked(watchChats, "")
	return b.commit(OpUpdateChat)
}

func (b *Backend) PutMessage(_ context.Context, m chat.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpPutMessage); err != nil {
		return err
	}
	msgs, ok := b.messages[m.ChatID]
	if !ok {
		msgs = make(map[string]chat.Message)
		b.messages[m.ChatID] = msgs
	}
	if _, exists := msgs[m.ID]; !exists {
		msgs[m.ID] = m.Clone()
		b.signalLocked(watchMessages, m.ChatID)
	}
	return b.commit(OpPutMessage)
}

func (b *Backend) GetMessage(_ context.Context, chatID, messageID string) (chat.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpGetMessage); err != nil {
		return chat.Message{}, err
	}
	m, ok := b.messages[chatID][messageID]
	if !ok {
		return chat.Message{}, notFound(OpGetMessage, "message "+messageID)
	}
	return m.Clone(), nil
}

func (b *Backend) ListMessages(_ context.Context, chatID string, p remote.Page) ([]chat.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpListMessages); err != nil {
		return nil, err
	}
	return b.pageLocked(chatID, p), nil
}

func (b *Backend) pageLocked(chatID string, p remote.Page) []chat.Message {
	all := make([]chat.Message, 0, len(b.messages[chatID]))
	for _, m := range b.messages[chatID] {
		if p.Before.After(&m) {
			all = append(all, m.Clone())
		}
	}
	chat.SortMessagesDesc(all)
	if p.Limit > 0 && len(all) > p.Limit {
		all = all[:p.Limit]
	}
	return all
}

func (b *Backend) SetMessageStatus(_ context.Context, chatID, messageID string, status chat.Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpSetMessageStatus); err != nil {
		return err
	}
	m, ok := b.messages[chatID][messageID]
	if !ok {
		return notFound(OpSetMessageStatus, "message "+messageID)
	}
	if m.Status != status {
		m.Status = status
		b.messages[chatID][messageID] = m
		b.signalLocked(watchMessages, chatID)
	}
	return b.commit(OpSetMessageStatus)
}

func (b *Backend) MarkRead(_ context.Context, chatID string, messageIDs []string, reader string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpMarkRead); err != nil {
		return 0, err
	}
	c, ok := b.chats[chatID]
	if !ok {
		return 0, notFound(OpMarkRead, "chat "+chatID)
	}
	changed := 0
	for _, id := range lo.Uniq(messageIDs) {
		m, ok := b.messages[chatID][id]
		if !ok {
			continue
		}
		dirty := false
		if !m.IsReadBy(reader) {
			m.ReadBy = append(m.ReadBy, reader)
			dirty = true
		}
		if m.SenderID != reader && m.Status != chat.StatusRead && m.Status.CanTransition(chat.StatusRead) {
			m.Status = chat.StatusRead
			dirty = true
		}
		if dirty {
			b.messages[chatID][id] = m
			changed++
		}
	}
	c = c.Clone()
	if c.UnreadCountByParticipant == nil {
		c.UnreadCountByParticipant = make(map[string]int)
	}
	c.UnreadCountByParticipant[reader] = 0
	b.chats[chatID] = c
	if changed > 0 {
		b.signalLocked(watchMessages, chatID)
	}
	b.signalLocked(watchChats, "")
	return changed, b.commit(OpMarkRead)
}

func (b *Backend) SetTyping(_ context.Context, ts chat.TypingStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpSetTyping); err != nil {
		return err
	}
	b.putTypingLocked(ts)
	return b.commit(OpSetTyping)
}

func (b *Backend) putTypingLocked(ts chat.TypingStatus) {
	rows, ok := b.typing[ts.ChatID]
	if !ok {
		rows = make(map[string]chat.TypingStatus)
		b.typing[ts.ChatID] = rows
	}
	rows[ts.UserID] = ts
	b.signalLocked(watchTyping, ts.ChatID)
}

func (b *Backend) Profiles(_ context.Context, ids []string) (map[string]chat.ProfileSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpProfiles); err != nil {
		return nil, err
	}
	out := make(map[string]chat.ProfileSnapshot, len(ids))
	for _, id := range ids {
		if p, ok := b.users[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (b *Backend) Search(_ context.Context, term string, limit int) ([]chat.ProfileSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpSearch); err != nil {
		return nil, err
	}
	term = strings.ToLower(strings.TrimSpace(term))
	out := lo.Filter(lo.Values(b.users), func(p chat.ProfileSnapshot, _ int) bool {
		return term != "" && strings.HasPrefix(strings.ToLower(p.DisplayName), term)
	})
	slices.SortFunc(out, func(a, c chat.ProfileSnapshot) int { return strings.Compare(a.DisplayName, c.DisplayName) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) Group(_ context.Context, groupID string) (remote.Group, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpGroup); err != nil {
		return remote.Group{}, err
	}
	g, ok := b.groups[groupID]
	if !ok {
		return remote.Group{}, notFound(OpGroup, "group "+groupID)
	}
	g.MemberIDs = slices.Clone(g.MemberIDs)
	return g, nil
}

func (b *Backend) GroupsOf(_ context.Context, userID string) ([]remote.Group, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpGroupsOf); err != nil {
		return nil, err
	}
	var out []remote.Group
	for _, g := range b.groups {
		if slices.Contains(g.MemberIDs, userID) {
			g.MemberIDs = slices.Clone(g.MemberIDs)
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, c remote.Group) int { return strings.Compare(a.ID, c.ID) })
	return out, nil
}

func (b *Backend) RecordEvent(_ context.Context, ev remote.NotificationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpRecordEvent); err != nil {
		return err
	}
	ev.Recipients = slices.Clone(ev.Recipients)
	if i := slices.IndexFunc(b.events, func(e remote.NotificationEvent) bool { return e.ID == ev.ID }); i >= 0 {
		b.events[i] = ev
	} else {
		b.events = append(b.events, ev)
	}
	return b.commit(OpRecordEvent)
}

func (b *Backend) WatchChats(ctx context.Context, participantID string, fn func([]chat.Chat)) error {
	return b.watch(ctx, watchChats, "", func() {
		snap := b.queryLocked(remote.ChatQuery{ParticipantID: participantID})
		b.mu.Unlock()
		fn(snap)
		b.mu.Lock()
	})
}

func (b *Backend) WatchMessages(ctx context.Context, chatID string, limit int, fn func([]chat.Message)) error {
	return b.watch(ctx, watchMessages, chatID, func() {
		snap := b.pageLocked(chatID, remote.Page{Limit: limit})
		b.mu.Unlock()
		fn(snap)
		b.mu.Lock()
	})
}

func (b *Backend) WatchTyping(ctx context.Context, chatID string, fn func([]chat.TypingStatus)) error {
	return b.watch(ctx, watchTyping, chatID, func() {
		rows := lo.Values(b.typing[chatID])
		slices.SortFunc(rows, func(a, c chat.TypingStatus) int { return strings.Compare(a.UserID, c.UserID) })
		b.mu.Unlock()
		fn(rows)
		b.mu.Lock()
	})
}

// watch delivers an initial snapshot, then one per signal until ctx is
// done. deliver runs with b.mu held and must release it around callbacks.
func (b *Backend) watch(ctx context.Context, kind watchKind, key string, deliver func()) error {
	w := &watcher{kind: kind, key: key, notify: make(chan struct{}, 1)}
	b.mu.Lock()
	b.watchers[w] = struct{}{}
	deliver()
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.watchers, w)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.notify:
			if ctx.Err() != nil {
				return nil
			}
			b.mu.Lock()
			deliver()
			b.mu.Unlock()
		}
	}
}

// signalLocked wakes watchers of kind/key without blocking; a pending
// wake-up already covers the new change.
func (b *Backend) signalLocked(kind watchKind, key string) {
	for w := range b.watchers {
		if w.kind != kind || (key != "" && w.key != key) {
			continue
		}
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}
