// Package firestore implements the remote chat store on Cloud Firestore:
// `chats` with `messages` and `typing_status` sub-collections, plus the
// `users`, `groups` and `notification_events` collections next to them.
package firestore

import (
	"context"
	"errors"
	"fmt"

	fs "cloud.google.com/go/firestore"
	"github.com/samber/lo"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/remote"
)

// inQueryLimit bounds the values of one "in" filter.
const inQueryLimit = 10

// markReadBatch bounds the messages updated by one transaction.
const markReadBatch = 200

// Store implements remote.Store, remote.Directory, remote.Groups and
// remote.EventSink.
type Store struct {
	client *fs.Client
}

// New wraps an existing client.
func New(client *fs.Client) *Store {
	return &Store{client: client}
}

// Dial connects to projectID. An empty credentialsFile uses application
// default credentials.
func Dial(ctx context.Context, projectID, credentialsFile string) (*Store, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := fs.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return New(client), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) chats() *fs.CollectionRef { return s.client.Collection(colChats) }

func (s *Store) messages(chatID string) *fs.CollectionRef {
	return s.chats().Doc(chatID).Collection(colMessages)
}

func (s *Store) typing(chatID string) *fs.CollectionRef {
	return s.chats().Doc(chatID).Collection(colTyping)
}

func (s *Store) GetChat(ctx context.Context, chatID string) (chat.Chat, error) {
	snap, err := s.chats().Doc(chatID).Get(ctx)
	if err != nil {
		return chat.Chat{}, remote.Wrap("get chat", err)
	}
	return decodeChat(snap)
}

func (s *Store) CreateChat(ctx context.Context, c chat.Chat) (chat.Chat, bool, error) {
	_, err := s.chats().Doc(c.ID).Create(ctx, toChatDoc(c))
	if status.Code(err) == codes.AlreadyExists {
		stored, err := s.GetChat(ctx, c.ID)
		return stored, false, err
	}
	if err != nil {
		return chat.Chat{}, false, remote.Wrap("create chat", err)
	}
	return c, true, nil
}

func (s *Store) QueryChats(ctx context.Context, q remote.ChatQuery) ([]chat.Chat, error) {
	docs, err := chatQuery(s.chats(), q).Documents(ctx).GetAll()
	if err != nil {
		return nil, remote.Wrap("query chats", err)
	}
	return decodeChats(docs, q)
}

// chatQuery filters on participant containment server side. Firestore
// cannot order an array-contains query by another field without a
// composite index, so ordering is left to the caller.
func chatQuery(col *fs.CollectionRef, q remote.ChatQuery) fs.Query {
	query := col.Query
	if q.ParticipantID != "" {
		query = query.Where(fieldParticipantIDs, "array-contains", q.ParticipantID)
	}
	if q.Kind != "" {
		query = query.Where(fieldKind, "==", string(q.Kind))
	}
	if q.GroupRef != "" {
		query = query.Where(fieldGroupRef, "==", q.GroupRef)
	}
	return query
}

func (s *Store) UpdateChat(ctx context.Context, chatID string, u remote.ChatUpdate) error {
	updates := chatUpdates(u)
	if len(updates) == 0 {
		return nil
	}
	_, err := s.chats().Doc(chatID).Update(ctx, updates)
	return remote.Wrap("update chat", err)
}

// chatUpdates turns a ChatUpdate into field-level writes. Map keys go
// through FieldPath so user ids are never parsed as dotted paths.
func chatUpdates(u remote.ChatUpdate) []fs.Update {
	var updates []fs.Update
	if lm := u.LastMessage; lm != nil {
		updates = append(updates,
			fs.Update{Path: fieldLastPreview, Value: lm.Preview},
			fs.Update{Path: fieldLastAt, Value: lm.At},
			fs.Update{Path: fieldLastSender, Value: lm.SenderID},
		)
	}
	if add := lo.Uniq(u.AddParticipants); len(add) > 0 {
		updates = append(updates, fs.Update{Path: fieldParticipantIDs, Value: fs.ArrayUnion(lo.ToAnySlice(add)...)})
		for _, id := range add {
			updates = append(updates, fs.Update{FieldPath: fs.FieldPath{fieldUnread, id}, Value: 0})
		}
	}
	for _, id := range lo.Uniq(u.IncrementUnread) {
		updates = append(updates, fs.Update{FieldPath: fs.FieldPath{fieldUnread, id}, Value: fs.Increment(1)})
	}
	for _, id := range lo.Uniq(u.ResetUnread) {
		updates = append(updates, fs.Update{FieldPath: fs.FieldPath{fieldUnread, id}, Value: 0})
	}
	for id, p := range u.Profiles {
		updates = append(updates, fs.Update{FieldPath: fs.FieldPath{fieldParticipantProfiles, id}, Value: toProfileDoc(p)})
	}
	return updates
}

// PutMessage uses Create so a retried write of an id that already landed
// is a no-op instead of a second message or an overwrite.
func (s *Store) PutMessage(ctx context.Context, m chat.Message) error {
	_, err := s.messages(m.ChatID).Doc(m.ID).Create(ctx, toMessageDoc(m))
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	return remote.Wrap("put message", err)
}

func (s *Store) GetMessage(ctx context.Context, chatID, messageID string) (chat.Message, error) {
	snap, err := s.messages(chatID).Doc(messageID).Get(ctx)
	if err != nil {
		return chat.Message{}, remote.Wrap("get message", err)
	}
	return decodeMessage(snap, chatID)
}

func (s *Store) ListMessages(ctx context.Context, chatID string, p remote.Page) ([]chat.Message, error) {
	docs, err := historyQuery(s.messages(chatID), p).Documents(ctx).GetAll()
	if err != nil {
		return nil, remote.Wrap("list messages", err)
	}
	return decodeMessages(docs, chatID)
}

// historyQuery orders by (timestamp, id) descending so messages sharing a
// millisecond page deterministically.
func historyQuery(col *fs.CollectionRef, p remote.Page) fs.Query {
	q := col.OrderBy(fieldTimestamp, fs.Desc).OrderBy(fs.DocumentID, fs.Desc)
	if p.Before != nil {
		q = q.StartAfter(p.Before.Timestamp, p.Before.ID)
	}
	if p.Limit > 0 {
		q = q.Limit(p.Limit)
	}
	return q
}

func (s *Store) SetMessageStatus(ctx context.Context, chatID, messageID string, st chat.Status) error {
	_, err := s.messages(chatID).Doc(messageID).Update(ctx, []fs.Update{{Path: fieldStatus, Value: string(st)}})
	return remote.Wrap("set message status", err)
}

// MarkRead runs one transaction per batch of messages. The unread counter
// is reset with the last batch.
func (s *Store) MarkRead(ctx context.Context, chatID string, messageIDs []string, reader string) (int, error) {
	ids := lo.Uniq(messageIDs)
	batches := lo.Chunk(ids, markReadBatch)
	if len(batches) == 0 {
		batches = [][]string{nil}
	}
	changed := 0
	for i, batch := range batches {
		last := i == len(batches)-1
		var n int
		err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *fs.Transaction) error {
			n = 0
			var snaps []*fs.DocumentSnapshot
			if len(batch) > 0 {
				refs := lo.Map(batch, func(id string, _ int) *fs.DocumentRef { return s.messages(chatID).Doc(id) })
				var err error
				if snaps, err = tx.GetAll(refs); err != nil {
					return err
				}
			}
			for _, snap := range snaps {
				if !snap.Exists() {
					continue
				}
				var d messageDoc
				if err := snap.DataTo(&d); err != nil {
					return err
				}
				updates := readUpdates(d, reader)
				if len(updates) == 0 {
					continue
				}
				n++
				if err := tx.Update(snap.Ref, updates); err != nil {
					return err
				}
			}
			if last {
				return tx.Update(s.chats().Doc(chatID), []fs.Update{
					{FieldPath: fs.FieldPath{fieldUnread, reader}, Value: 0},
				})
			}
			return nil
		})
		if err != nil {
			return changed, remote.Wrap("mark read", err)
		}
		changed += n
	}
	return changed, nil
}

// readUpdates returns the writes that record reader on d, or nil when
// there is nothing to change.
func readUpdates(d messageDoc, reader string) []fs.Update {
	var updates []fs.Update
	if !lo.Contains(d.ReadBy, reader) {
		updates = append(updates, fs.Update{Path: fieldReadBy, Value: fs.ArrayUnion(reader)})
	}
	st := chat.Status(d.Status)
	if d.SenderID != reader && st != chat.StatusRead && st.CanTransition(chat.StatusRead) {
		updates = append(updates, fs.Update{Path: fieldStatus, Value: string(chat.StatusRead)})
	}
	return updates
}

func (s *Store) SetTyping(ctx context.Context, ts chat.TypingStatus) error {
	_, err := s.typing(ts.ChatID).Doc(ts.UserID).Set(ctx, toTypingDoc(ts))
	return remote.Wrap("set typing", err)
}

func (s *Store) WatchChats(ctx context.Context, participantID string, fn func([]chat.Chat)) error {
	q := remote.ChatQuery{ParticipantID: participantID}
	return watch(ctx, chatQuery(s.chats(), q), func(docs []*fs.DocumentSnapshot) error {
		chats, err := decodeChats(docs, q)
		if err != nil {
			return err
		}
		fn(chats)
		return nil
	})
}

func (s *Store) WatchMessages(ctx context.Context, chatID string, limit int, fn func([]chat.Message)) error {
	return watch(ctx, historyQuery(s.messages(chatID), remote.Page{Limit: limit}), func(docs []*fs.DocumentSnapshot) error {
		msgs, err := decodeMessages(docs, chatID)
		if err != nil {
			return err
		}
		fn(msgs)
		return nil
	})
}

func (s *Store) WatchTyping(ctx context.Context, chatID string, fn func([]chat.TypingStatus)) error {
	return watch(ctx, s.typing(chatID).Query, func(docs []*fs.DocumentSnapshot) error {
		rows := make([]chat.TypingStatus, 0, len(docs))
		for _, doc := range docs {
			var d typingDoc
			if err := doc.DataTo(&d); err != nil {
				return fmt.Errorf("decode typing %s: %w", doc.Ref.ID, err)
			}
			rows = append(rows, d.status())
		}
		fn(rows)
		return nil
	})
}

// watch delivers the full result of q on every change until ctx is done.
func watch(ctx context.Context, q fs.Query, deliver func([]*fs.DocumentSnapshot) error) error {
	it := q.Snapshots(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
				return nil
			}
			return remote.Wrap("watch", err)
		}
		docs, err := snap.Documents.GetAll()
		if err != nil {
			return remote.Wrap("watch", err)
		}
		if err := deliver(docs); err != nil {
			return chat.E(chat.ErrValidation, "decode snapshot", err)
		}
	}
}

func decodeChat(snap *fs.DocumentSnapshot) (chat.Chat, error) {
	var d chatDoc
	if err := snap.DataTo(&d); err != nil {
		return chat.Chat{}, fmt.Errorf("decode chat %s: %w", snap.Ref.ID, err)
	}
	return d.chat(snap.Ref.ID), nil
}

func decodeChats(docs []*fs.DocumentSnapshot, q remote.ChatQuery) ([]chat.Chat, error) {
	out := make([]chat.Chat, 0, len(docs))
	for _, doc := range docs {
		c, err := decodeChat(doc)
		if err != nil {
			return nil, err
		}
		if q.Matches(&c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func decodeMessage(snap *fs.DocumentSnapshot, chatID string) (chat.Message, error) {
	var d messageDoc
	if err := snap.DataTo(&d); err != nil {
		return chat.Message{}, fmt.Errorf("decode message %s: %w", snap.Ref.ID, err)
	}
	return d.message(snap.Ref.ID, chatID), nil
}

func decodeMessages(docs []*fs.DocumentSnapshot, chatID string) ([]chat.Message, error) {
	out := make([]chat.Message, 0, len(docs))
	for _, doc := range docs {
		m, err := decodeMessage(doc, chatID)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	chat.SortMessagesDesc(out)
	return out, nil
}
