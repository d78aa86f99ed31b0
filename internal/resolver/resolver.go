// Package resolver finds or creates the chat record for a pair of users or
// for a group.
package resolver

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/identity"
	"github.com/matheus3301/chatcore/internal/remote"
)

// CheckpointLastReconcile is the checkpoint key holding the time of the
// last group reconcile.
const CheckpointLastReconcile = "groups.last_reconcile"

// Profiles resolves every listed user or fails with chat.ErrProfileNotFound.
type Profiles interface {
	Require(ctx context.Context, ids []string) (map[string]chat.ProfileSnapshot, error)
}

// Checkpointer records maintenance progress.
type Checkpointer interface {
	SetCheckpoint(key, value string) error
}

// Resolver is safe for concurrent use. Chat ids are derived from the
// participants (direct) or the group id (group), and creation is
// create-if-absent, so clients racing on first contact converge on one
// record.
type Resolver struct {
	store       remote.Store
	groups      remote.Groups
	identity    identity.Provider
	profiles    Profiles
	checkpoints Checkpointer
	now         func() time.Time
	logger      *zap.Logger
}

// New builds a resolver. groups and checkpoints may be nil; group
// operations then fail with a validation error.
func New(store remote.Store, groups remote.Groups, id identity.Provider, profiles Profiles, checkpoints Checkpointer, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:       store,
		groups:      groups,
		identity:    id,
		profiles:    profiles,
		checkpoints: checkpoints,
		now:         time.Now,
		logger:      logger,
	}
}

// GetOrCreateDirect returns the direct chat between the current user and
// otherUserID, creating it on first contact.
func (r *Resolver) GetOrCreateDirect(ctx context.Context, otherUserID string) (chat.Chat, error) {
	const op = "get or create direct chat"
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return chat.Chat{}, chat.Errorf(chat.ErrValidation, op, "user id is required")
	}
	uid, err := r.identity.CurrentUserID(ctx)
	if err != nil {
		return chat.Chat{}, err
	}
	if uid == otherUserID {
		return chat.Chat{}, chat.Errorf(chat.ErrValidation, op, "cannot open a direct chat with yourself")
	}

	existing, err := r.store.QueryChats(ctx, remote.ChatQuery{ParticipantID: uid, Kind: chat.Direct})
	if err != nil {
		return chat.Chat{}, remote.Wrap(op, err)
	}
	id := chat.DirectChatID(uid, otherUserID)
	matches := lo.Filter(existing, func(c chat.Chat, _ int) bool { return c.HasParticipant(otherUserID) })
	if c, ok := pick(matches, id); ok {
		return c, nil
	}

	profiles, err := r.profiles.Require(ctx, []string{uid, otherUserID})
	if err != nil {
		return chat.Chat{}, err
	}
	c := chat.Chat{
		ID:                       id,
		Kind:                     chat.Direct,
		ParticipantIDs:           []string{uid, otherUserID},
		ParticipantProfiles:      profiles,
		UnreadCountByParticipant: map[string]int{uid: 0, otherUserID: 0},
		CreatedAt:                r.now().UTC(),
	}
	stored, _, err := r.create(ctx, op, c)
	return stored, err
}

// GetOrCreateGroup returns the chat mirroring groupID, creating it from
// the group roster on first visit.
func (r *Resolver) GetOrCreateGroup(ctx context.Context, groupID string) (chat.Chat, error) {
	const op = "get or create group chat"
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return chat.Chat{}, chat.Errorf(chat.ErrValidation, op, "group id is required")
	}
	if r.groups == nil {
		return chat.Chat{}, chat.Errorf(chat.ErrValidation, op, "groups are not configured")
	}
	uid, err := r.identity.CurrentUserID(ctx)
	if err != nil {
		return chat.Chat{}, err
	}

	existing, err := r.store.QueryChats(ctx, remote.ChatQuery{ParticipantID: uid, Kind: chat.Group, GroupRef: groupID})
	if err != nil {
		return chat.Chat{}, remote.Wrap(op, err)
	}
	if c, ok := pick(existing, chat.GroupChatID(groupID)); ok {
		return c, nil
	}

	g, err := r.groups.Group(ctx, groupID)
	if err != nil {
		return chat.Chat{}, remote.Wrap(op, err)
	}
	if !slices.Contains(g.MemberIDs, uid) {
		return chat.Chat{}, chat.Errorf(chat.ErrPermission, op, "user %s is not a member of group %s", uid, groupID)
	}
	stored, _, err := r.createGroup(ctx, op, g)
	if err != nil {
		return chat.Chat{}, err
	}
	return r.syncRoster(ctx, op, stored, g)
}

// ReconcileGroupChats makes sure every group the current user belongs to
// has a chat and returns how many were created. Groups that fail are
// skipped; their errors are joined into the returned error.
func (r *Resolver) ReconcileGroupChats(ctx context.Context) (int, error) {
	const op = "reconcile group chats"
	if r.groups == nil {
		return 0, chat.Errorf(chat.ErrValidation, op, "groups are not configured")
	}
	uid, err := r.identity.CurrentUserID(ctx)
	if err != nil {
		return 0, err
	}
	groups, err := r.groups.GroupsOf(ctx, uid)
	if err != nil {
		return 0, remote.Wrap(op, err)
	}
	existing, err := r.store.QueryChats(ctx, remote.ChatQuery{ParticipantID: uid, Kind: chat.Group})
	if err != nil {
		return 0, remote.Wrap(op, err)
	}
	covered := lo.SliceToMap(existing, func(c chat.Chat) (string, struct{}) { return c.GroupRef, struct{}{} })

	created := 0
	var errs []error
	for _, g := range groups {
		if _, ok := covered[g.ID]; ok {
			continue
		}
		stored, ok, err := r.createGroup(ctx, op, g)
		if err == nil {
			_, err = r.syncRoster(ctx, op, stored, g)
		}
		if err != nil {
			r.logger.Warn("group chat not created", zap.String("group_id", g.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			created++
		}
	}

	if r.checkpoints != nil {
		if err := r.checkpoints.SetCheckpoint(CheckpointLastReconcile, r.now().UTC().Format(time.RFC3339)); err != nil {
			r.logger.Warn("failed to record reconcile checkpoint", zap.Error(err))
		}
	}
	r.logger.Info("group chats reconciled", zap.Int("groups", len(groups)), zap.Int("created", created))
	return created, errors.Join(errs...)
}

func (r *Resolver) createGroup(ctx context.Context, op string, g remote.Group) (chat.Chat, bool, error) {
	members := lo.Uniq(g.MemberIDs)
	if len(members) == 0 {
		return chat.Chat{}, false, chat.Errorf(chat.ErrValidation, op, "group %s has no members", g.ID)
	}
	profiles, err := r.profiles.Require(ctx, members)
	if err != nil {
		return chat.Chat{}, false, err
	}
	unread := make(map[string]int, len(members))
	for _, id := range members {
		unread[id] = 0
	}
	c := chat.Chat{
		ID:                       chat.GroupChatID(g.ID),
		Kind:                     chat.Group,
		ParticipantIDs:           members,
		ParticipantProfiles:      profiles,
		UnreadCountByParticipant: unread,
		GroupRef:                 g.ID,
		CreatedAt:                r.now().UTC(),
	}
	return r.create(ctx, op, c)
}

// syncRoster joins group members the chat does not have yet, e.g. users
// added to the roster after the chat was created. Members are never
// removed here.
func (r *Resolver) syncRoster(ctx context.Context, op string, c chat.Chat, g remote.Group) (chat.Chat, error) {
	missing := lo.Filter(lo.Uniq(g.MemberIDs), func(id string, _ int) bool { return !c.HasParticipant(id) })
	if len(missing) == 0 {
		return c, nil
	}
	profiles, err := r.profiles.Require(ctx, missing)
	if err != nil {
		return chat.Chat{}, err
	}
	if err := r.store.UpdateChat(ctx, c.ID, remote.ChatUpdate{AddParticipants: missing, Profiles: profiles}); err != nil {
		return chat.Chat{}, remote.Wrap(op, err)
	}
	r.logger.Info("group chat roster updated", zap.String("chat_id", c.ID), zap.Strings("joined", missing))
	stored, err := r.store.GetChat(ctx, c.ID)
	if err != nil {
		return chat.Chat{}, remote.Wrap(op, err)
	}
	return stored, nil
}

func (r *Resolver) create(ctx context.Context, op string, c chat.Chat) (chat.Chat, bool, error) {
	if err := c.Validate(); err != nil {
		return chat.Chat{}, false, chat.E(chat.ErrValidation, op, err)
	}
	stored, created, err := r.store.CreateChat(ctx, c)
	if err != nil {
		return chat.Chat{}, false, remote.Wrap(op, err)
	}
	if created {
		r.logger.Info("chat created",
			zap.String("chat_id", stored.ID),
			zap.String("kind", string(stored.Kind)),
			zap.Int("participants", len(stored.ParticipantIDs)))
	}
	return stored, created, nil
}

// pick prefers the chat with the derived id and otherwise the oldest
// match, so repeated lookups return the same chat even when older clients
// left duplicates behind.
func pick(matches []chat.Chat, derivedID string) (chat.Chat, bool) {
	if len(matches) == 0 {
		return chat.Chat{}, false
	}
	if c, ok := lo.Find(matches, func(c chat.Chat) bool { return c.ID == derivedID }); ok {
		return c, true
	}
	return lo.MinBy(matches, func(a, b chat.Chat) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}), true
}
