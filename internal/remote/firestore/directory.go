package firestore

import (
	"context"
	"fmt"

	fs "cloud.google.com/go/firestore"
	"github.com/samber/lo"
	"google.golang.org/api/iterator"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/remote"
)

// Profiles looks ids up in `users` with "in" queries of at most
// inQueryLimit document ids each.
func (s *Store) Profiles(ctx context.Context, ids []string) (map[string]chat.ProfileSnapshot, error) {
	users := s.client.Collection(colUsers)
	out := make(map[string]chat.ProfileSnapshot, len(ids))
	for _, batch := range lo.Chunk(lo.Uniq(lo.Compact(ids)), inQueryLimit) {
		refs := lo.Map(batch, func(id string, _ int) *fs.DocumentRef { return users.Doc(id) })
		it := users.Where(fs.DocumentID, "in", refs).Documents(ctx)
		err := each(it, func(doc *fs.DocumentSnapshot) error {
			var d userDoc
			if err := doc.DataTo(&d); err != nil {
				return fmt.Errorf("decode user %s: %w", doc.Ref.ID, err)
			}
			out[doc.Ref.ID] = d.snapshot(doc.Ref.ID)
			return nil
		})
		if err != nil {
			return nil, remote.Wrap("get profiles", err)
		}
	}
	return out, nil
}

// Search returns users whose display name starts with term, ignoring case.
func (s *Store) Search(ctx context.Context, term string, limit int) ([]chat.ProfileSnapshot, error) {
	key := searchKey(term)
	q := s.client.Collection(colUsers).
		OrderBy(fieldSearchName, fs.Asc).
		StartAt(key).
		EndAt(key + "\uf8ff")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []chat.ProfileSnapshot
	err := each(q.Documents(ctx), func(doc *fs.DocumentSnapshot) error {
		var d userDoc
		if err := doc.DataTo(&d); err != nil {
			return fmt.Errorf("decode user %s: %w", doc.Ref.ID, err)
		}
		out = append(out, d.snapshot(doc.Ref.ID))
		return nil
	})
	if err != nil {
		return nil, remote.Wrap("search users", err)
	}
	return out, nil
}

// PutProfile writes a user's directory document. chatctl uses it to
// provision accounts.
func (s *Store) PutProfile(ctx context.Context, p chat.ProfileSnapshot) error {
	d := userDoc{profileDoc: toProfileDoc(p), SearchName: searchKey(p.DisplayName)}
	_, err := s.client.Collection(colUsers).Doc(p.UserID).Set(ctx, d)
	return remote.Wrap("put profile", err)
}

func (s *Store) Group(ctx context.Context, groupID string) (remote.Group, error) {
	snap, err := s.client.Collection(colGroups).Doc(groupID).Get(ctx)
	if err != nil {
		return remote.Group{}, remote.Wrap("get group", err)
	}
	var d groupDoc
	if err := snap.DataTo(&d); err != nil {
		return remote.Group{}, fmt.Errorf("decode group %s: %w", groupID, err)
	}
	return d.group(snap.Ref.ID), nil
}

func (s *Store) GroupsOf(ctx context.Context, userID string) ([]remote.Group, error) {
	it := s.client.Collection(colGroups).Where(fieldMemberIDs, "array-contains", userID).Documents(ctx)
	var out []remote.Group
	err := each(it, func(doc *fs.DocumentSnapshot) error {
		var d groupDoc
		if err := doc.DataTo(&d); err != nil {
			return fmt.Errorf("decode group %s: %w", doc.Ref.ID, err)
		}
		out = append(out, d.group(doc.Ref.ID))
		return nil
	})
	if err != nil {
		return nil, remote.Wrap("list groups", err)
	}
	return out, nil
}

// RecordEvent stores ev keyed by its id, so a repeated write replaces
// rather than duplicates it.
func (s *Store) RecordEvent(ctx context.Context, ev remote.NotificationEvent) error {
	_, err := s.client.Collection(colEvents).Doc(ev.ID).Set(ctx, toEventDoc(ev))
	return remote.Wrap("record event", err)
}

func each(it *fs.DocumentIterator, fn func(*fs.DocumentSnapshot) error) error {
	defer it.Stop()
	for {
		doc, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
}
