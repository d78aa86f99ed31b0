package chat

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var chatNamespace = uuid.MustParse("6f1f1b8e-5c8a-4e53-9d0c-3c2f6a4b7e21")

// NewMessageID returns a monotonic ULID. Ids generated later in the same
// process always sort after earlier ones.
func NewMessageID() string {
	return ulid.Make().String()
}

// MessageTime extracts the creation time embedded in a message id.
func MessageTime(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()).UTC(), true
}

// DirectChatID derives the chat id for a pair of users. The order of the
// arguments does not matter.
func DirectChatID(a, b string) string {
	pair := []string{a, b}
	slices.Sort(pair)
	return "dm_" + uuid.NewSHA1(chatNamespace, []byte(strings.Join(pair, "|"))).String()
}

// GroupChatID derives the chat id mirroring groupID.
func GroupChatID(groupID string) string {
	return "grp_" + uuid.NewSHA1(chatNamespace, []byte("group|"+groupID)).String()
}

// EventID is the notification event id for messageID. Recording the same
// message twice writes the same record.
func EventID(messageID string) string {
	return uuid.NewSHA1(chatNamespace, []byte("event|"+messageID)).String()
}
