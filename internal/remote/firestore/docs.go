package firestore

import (
	"strings"
	"time"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/remote"
)

// Collection and field names of the shared schema. Other clients of the
// same project read and write these documents, so they must not change.
const (
	colChats    = "chats"
	colMessages = "messages"
	colTyping   = "typing_status"
	colUsers    = "users"
	colGroups   = "groups"
	colEvents   = "notification_events"

	fieldParticipantIDs      = "participantIds"
	fieldParticipantProfiles = "participantProfiles"
	fieldKind                = "kind"
	fieldGroupRef            = "groupRef"
	fieldLastPreview         = "lastMessagePreview"
	fieldLastAt              = "lastMessageAt"
	fieldLastSender          = "lastMessageSenderId"
	fieldUnread              = "unreadCountByParticipant"
	fieldTimestamp           = "timestamp"
	fieldStatus              = "status"
	fieldReadBy              = "readBy"
	fieldSenderID            = "senderId"
	fieldMemberIDs           = "memberIds"
	fieldSearchName          = "searchName"
)

type profileDoc struct {
	UserID      string    `firestore:"userId"`
	DisplayName string    `firestore:"displayName"`
	AvatarURL   string    `firestore:"avatarUrl,omitempty"`
	Presence    string    `firestore:"presence,omitempty"`
	LastSeen    time.Time `firestore:"lastSeen,omitempty"`
}

func toProfileDoc(p chat.ProfileSnapshot) profileDoc {
	return profileDoc{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		Presence:    string(p.Presence),
		LastSeen:    p.LastSeen,
	}
}

func (d profileDoc) snapshot(id string) chat.ProfileSnapshot {
	if d.UserID == "" {
		d.UserID = id
	}
	return chat.ProfileSnapshot{
		UserID:      d.UserID,
		DisplayName: d.DisplayName,
		AvatarURL:   d.AvatarURL,
		Presence:    chat.Presence(d.Presence),
		LastSeen:    d.LastSeen,
	}
}

// userDoc is a `users` document. searchName is the lower-cased display
// name the prefix search ranges over.
type userDoc struct {
	profileDoc
	SearchName string `firestore:"searchName"`
}

type chatDoc struct {
	Kind                string                `firestore:"kind"`
	ParticipantIDs      []string              `firestore:"participantIds"`
	ParticipantProfiles map[string]profileDoc `firestore:"participantProfiles"`
	LastMessagePreview  string                `firestore:"lastMessagePreview"`
	LastMessageAt       time.Time             `firestore:"lastMessageAt,omitempty"`
	LastMessageSenderID string                `firestore:"lastMessageSenderId"`
	UnreadCount         map[string]int64      `firestore:"unreadCountByParticipant"`
	GroupRef            string                `firestore:"groupRef,omitempty"`
	CreatedAt           time.Time             `firestore:"createdAt"`
}

func toChatDoc(c chat.Chat) chatDoc {
	d := chatDoc{
		Kind:                string(c.Kind),
		ParticipantIDs:      c.ParticipantIDs,
		ParticipantProfiles: make(map[string]profileDoc, len(c.ParticipantProfiles)),
		LastMessagePreview:  c.LastMessagePreview,
		LastMessageAt:       c.LastMessageAt,
		LastMessageSenderID: c.LastMessageSenderID,
		UnreadCount:         make(map[string]int64, len(c.UnreadCountByParticipant)),
		GroupRef:            c.GroupRef,
		CreatedAt:           c.CreatedAt,
	}
	for id, p := range c.ParticipantProfiles {
		d.ParticipantProfiles[id] = toProfileDoc(p)
	}
	for id, n := range c.UnreadCountByParticipant {
		d.UnreadCount[id] = int64(n)
	}
	return d
}

func (d chatDoc) chat(id string) chat.Chat {
	c := chat.Chat{
		ID:                       id,
		Kind:                     chat.Kind(d.Kind),
		ParticipantIDs:           d.ParticipantIDs,
		ParticipantProfiles:      make(map[string]chat.ProfileSnapshot, len(d.ParticipantProfiles)),
		LastMessagePreview:       d.LastMessagePreview,
		LastMessageAt:            d.LastMessageAt,
		LastMessageSenderID:      d.LastMessageSenderID,
		UnreadCountByParticipant: make(map[string]int, len(d.UnreadCount)),
		GroupRef:                 d.GroupRef,
		CreatedAt:                d.CreatedAt,
	}
	for uid, p := range d.ParticipantProfiles {
		c.ParticipantProfiles[uid] = p.snapshot(uid)
	}
	for uid, n := range d.UnreadCount {
		c.UnreadCountByParticipant[uid] = int(n)
	}
	return c
}

// messageDoc keeps text and mediaRef as flat fields so older clients that
// only know {text, mediaRef} can still render the message.
type messageDoc struct {
	ChatID      string    `firestore:"chatId"`
	SenderID    string    `firestore:"senderId"`
	Kind        string    `firestore:"kind"`
	Text        string    `firestore:"text"`
	MediaRef    string    `firestore:"mediaRef,omitempty"`
	ContentType string    `firestore:"contentType,omitempty"`
	MediaName   string    `firestore:"mediaName,omitempty"`
	Timestamp   time.Time `firestore:"timestamp"`
	Status      string    `firestore:"status"`
	ReadBy      []string  `firestore:"readBy"`
}

func toMessageDoc(m chat.Message) messageDoc {
	kind, text, url, ct, name := chat.Flatten(m.Payload)
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return messageDoc{
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		Kind:        string(kind),
		Text:        text,
		MediaRef:    url,
		ContentType: ct,
		MediaName:   name,
		Timestamp:   m.Timestamp,
		Status:      string(m.Status),
		ReadBy:      readBy,
	}
}

func (d messageDoc) message(id, chatID string) chat.Message {
	kind := chat.PayloadKind(d.Kind)
	if kind == "" && d.MediaRef != "" {
		kind = chat.PayloadMedia
	}
	if d.ChatID != "" {
		chatID = d.ChatID
	}
	return chat.Message{
		ID:        id,
		ChatID:    chatID,
		SenderID:  d.SenderID,
		Payload:   chat.PayloadFrom(kind, d.Text, d.MediaRef, d.ContentType, d.MediaName),
		Timestamp: d.Timestamp,
		Status:    chat.Status(d.Status),
		ReadBy:    d.ReadBy,
	}
}

type typingDoc struct {
	ChatID    string    `firestore:"chatId"`
	UserID    string    `firestore:"userId"`
	IsTyping  bool      `firestore:"isTyping"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func toTypingDoc(ts chat.TypingStatus) typingDoc {
	return typingDoc(ts)
}

func (d typingDoc) status() chat.TypingStatus {
	return chat.TypingStatus(d)
}

type groupDoc struct {
	Name      string   `firestore:"name"`
	MemberIDs []string `firestore:"memberIds"`
}

func (d groupDoc) group(id string) remote.Group {
	return remote.Group{ID: id, Name: d.Name, MemberIDs: d.MemberIDs}
}

type eventDoc struct {
	ChatID     string    `firestore:"chatId"`
	MessageID  string    `firestore:"messageId"`
	SenderID   string    `firestore:"senderId"`
	Preview    string    `firestore:"preview"`
	Recipients []string  `firestore:"recipients"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

func toEventDoc(ev remote.NotificationEvent) eventDoc {
	return eventDoc{
		ChatID:     ev.ChatID,
		MessageID:  ev.MessageID,
		SenderID:   ev.SenderID,
		Preview:    ev.Preview,
		Recipients: ev.Recipients,
		CreatedAt:  ev.CreatedAt,
	}
}

// searchKey normalizes a display name or search term for prefix ranges.
func searchKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
