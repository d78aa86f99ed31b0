// Package chat holds the data model shared by every component of the chat
// subsystem: chats, messages, queue entries, typing rows and profiles.
package chat

import (
	"fmt"
	"slices"
	"time"
)

// Kind distinguishes two-party chats from chats mirroring a group roster.
type Kind string

const (
	Direct Kind = "direct"
	Group  Kind = "group"
)

// Presence is the coarse availability a directory reports for a user.
type Presence string

const (
	PresenceUnknown Presence = ""
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// ProfileSnapshot is the denormalized copy of a directory profile.
type ProfileSnapshot struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Presence    Presence
	LastSeen    time.Time
}

// SameAs reports whether two snapshots would render identically in a chat header.
func (p ProfileSnapshot) SameAs(o ProfileSnapshot) bool {
	return p.UserID == o.UserID &&
		p.DisplayName == o.DisplayName &&
		p.AvatarURL == o.AvatarURL &&
		p.Presence == o.Presence
}

// Chat is a conversation record in the remote `chats` collection.
type Chat struct {
	ID                       string
	Kind                     Kind
	ParticipantIDs           []string
	ParticipantProfiles      map[string]ProfileSnapshot
	LastMessagePreview       string
	LastMessageAt            time.Time
	LastMessageSenderID      string
	UnreadCountByParticipant map[string]int
	GroupRef                 string // empty for direct chats
	CreatedAt                time.Time
}

// HasParticipant reports whether userID is a member of the chat.
func (c *Chat) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// Unread returns the unread counter for userID.
func (c *Chat) Unread(userID string) int {
	return c.UnreadCountByParticipant[userID]
}

// Others returns every participant except userID.
func (c *Chat) Others(userID string) []string {
	out := make([]string, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// Validate checks the structural invariants of a chat record.
func (c *Chat) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("chat: empty id")
	}
	if len(c.ParticipantIDs) == 0 {
		return fmt.Errorf("chat %s: no participants", c.ID)
	}
	seen := make(map[string]struct{}, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id == "" {
			return fmt.Errorf("chat %s: empty participant id", c.ID)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("chat %s: duplicate participant %s", c.ID, id)
		}
		seen[id] = struct{}{}
		if _, ok := c.UnreadCountByParticipant[id]; !ok {
			return fmt.Errorf("chat %s: missing unread counter for %s", c.ID, id)
		}
	}
	switch c.Kind {
	case Direct:
		if len(c.ParticipantIDs) != 2 {
			return fmt.Errorf("chat %s: direct chat needs exactly 2 participants, has %d", c.ID, len(c.ParticipantIDs))
		}
	case Group:
		if c.GroupRef == "" {
			return fmt.Errorf("chat %s: group chat without group ref", c.ID)
		}
	default:
		return fmt.Errorf("chat %s: unknown kind %q", c.ID, c.Kind)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate maps and slices freely.
func (c Chat) Clone() Chat {
	c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	if c.ParticipantProfiles != nil {
		profiles := make(map[string]ProfileSnapshot, len(c.ParticipantProfiles))
		for k, v := range c.ParticipantProfiles {
			profiles[k] = v
		}
		c.ParticipantProfiles = profiles
	}
	if c.UnreadCountByParticipant != nil {
		unread := make(map[string]int, len(c.UnreadCountByParticipant))
		for k, v := range c.UnreadCountByParticipant {
			unread[k] = v
		}
		c.UnreadCountByParticipant = unread
	}
	return c
}

// Message is a record in a chat's `messages` sub-collection.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Payload   Payload
	Timestamp time.Time
	Status    Status
	ReadBy    []string
}

// Text returns the message body, or the caption of a media message.
func (m *Message) Text() string {
	switch p := m.Payload.(type) {
	case Text:
		return p.Body
	case Media:
		return p.Caption
	}
	return ""
}

// MediaRef returns the uploaded media URL, empty for text messages and
// for media placeholders whose upload has not completed.
func (m *Message) MediaRef() string {
	if p, ok := m.Payload.(Media); ok {
		return p.URL
	}
	return ""
}

// IsReadBy reports whether userID appears in the read set.
func (m *Message) IsReadBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// Before orders messages by timestamp, then id. Message ids are
// monotonic ULIDs so ties on the millisecond keep creation order.
func (m *Message) Before(o *Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.ID < o.ID
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}

// SortMessagesDesc orders newest first, the order history pages use.
func SortMessagesDesc(msgs []Message) {
	slices.SortFunc(msgs, func(a, b Message) int {
		switch {
		case b.Before(&a):
			return -1
		case a.Before(&b):
			return 1
		}
		return 0
	})
}

// QueueEntry is a locally persisted message the remote store has not confirmed.
type QueueEntry struct {
	Message       Message
	AttemptCount  int
	LastError     string
	EnqueuedAt    time.Time
	UpdatedAt     time.Time
	UploadPending bool
}

// Exhausted reports whether the entry has used its whole retry budget.
func (e *QueueEntry) Exhausted(maxAttempts int) bool {
	return e.AttemptCount >= maxAttempts
}

// SortEntries orders entries by message order, oldest first.
func SortEntries(entries []QueueEntry) {
	slices.SortFunc(entries, func(a, b QueueEntry) int {
		switch {
		case a.Message.Before(&b.Message):
			return -1
		case b.Message.Before(&a.Message):
			return 1
		}
		return 0
	})
}

// TypingStatus is one row of a chat's `typing_status` sub-collection.
type TypingStatus struct {
	ChatID    string
	UserID    string
	IsTyping  bool
	UpdatedAt time.Time
}

// Active reports whether the row still counts as typing at now. Rows older
// than window are stale regardless of IsTyping.
func (t TypingStatus) Active(now time.Time, window time.Duration) bool {
	if !t.IsTyping {
		return false
	}
	return now.Sub(t.UpdatedAt) <= window
}
