package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusSending, StatusSent, true},
		{StatusSending, StatusFailed, true},
		{StatusSending, StatusRead, true},
		{StatusSent, StatusRead, true},
		{StatusFailed, StatusSending, true},
		{StatusSent, StatusSending, false},
		{StatusSent, StatusFailed, false},
		{StatusRead, StatusSent, false},
		{StatusFailed, StatusSent, false},
		{StatusRead, StatusRead, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			m := &Message{ID: "m1", Status: tt.from}
			err := Transition(m, tt.to)
			if tt.ok {
				require.NoError(t, err)
				require.Equal(t, tt.to, m.Status)
			} else {
				require.Error(t, err)
				require.Equal(t, tt.from, m.Status)
			}
		})
	}
}

func TestDirectChatIDIsOrderIndependent(t *testing.T) {
	require.Equal(t, DirectChatID("u1", "u2"), DirectChatID("u2", "u1"))
	require.NotEqual(t, DirectChatID("u1", "u2"), DirectChatID("u1", "u3"))
	require.NotEqual(t, GroupChatID("g1"), GroupChatID("g2"))
}

func TestEventIDFollowsMessageID(t *testing.T) {
	require.Equal(t, EventID("m1"), EventID("m1"))
	require.NotEqual(t, EventID("m1"), EventID("m2"))
}

func TestMessageIDsAreMonotonic(t *testing.T) {
	prev := NewMessageID()
	for n := 0; n < 1000; n++ {
		next := NewMessageID()
		require.Less(t, prev, next)
		prev = next
	}
	ts, ok := MessageTime(prev)
	require.True(t, ok)
	require.WithinDuration(t, time.Now(), ts, 5*time.Second)

	_, ok = MessageTime("not-a-ulid")
	require.False(t, ok)
}

func TestClassify(t *testing.T) {
	require.Nil(t, Classify(nil))
	require.Equal(t, ErrTransient, Classify(errors.New("boom")))
	require.Equal(t, ErrPermission, Classify(E(ErrPermission, "write", errors.New("denied"))))

	wrapped := fmt.Errorf("send: %w", E(ErrValidation, "send", nil))
	require.ErrorIs(t, wrapped, ErrValidation)
	require.Equal(t, ErrValidation, Classify(wrapped))
	require.False(t, Retryable(wrapped))
	require.True(t, Retryable(Errorf(ErrTransient, "write", "unavailable")))
}

func TestErrorMessage(t *testing.T) {
	require.Equal(t, "send: validation error: blank text", Errorf(ErrValidation, "send", "blank text").Error())
	require.Equal(t, "profile not found", E(ErrProfileNotFound, "", nil).Error())
}

func TestChatValidate(t *testing.T) {
	c := Chat{
		ID:                       "c1",
		Kind:                     Direct,
		ParticipantIDs:           []string{"u1", "u2"},
		UnreadCountByParticipant: map[string]int{"u1": 0, "u2": 0},
	}
	require.NoError(t, c.Validate())

	bad := c.Clone()
	bad.ParticipantIDs = []string{"u1", "u1"}
	require.Error(t, bad.Validate())

	bad = c.Clone()
	delete(bad.UnreadCountByParticipant, "u2")
	require.Error(t, bad.Validate())

	bad = c.Clone()
	bad.ParticipantIDs = append(bad.ParticipantIDs, "u3")
	bad.UnreadCountByParticipant["u3"] = 0
	require.Error(t, bad.Validate())

	group := c.Clone()
	group.Kind = Group
	require.Error(t, group.Validate())
	group.GroupRef = "g1"
	require.NoError(t, group.Validate())
}

func TestSortMessagesDesc(t *testing.T) {
	now := time.Now()
	a := Message{ID: "01A", Timestamp: now}
	b := Message{ID: "01B", Timestamp: now}
	c := Message{ID: "00Z", Timestamp: now.Add(time.Millisecond)}
	msgs := []Message{a, c, b}
	SortMessagesDesc(msgs)
	require.Equal(t, []string{"00Z", "01B", "01A"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestPayload(t *testing.T) {
	m := Message{Payload: Media{ContentType: "image/png"}}
	require.Equal(t, "", m.MediaRef())
	require.Equal(t, "📷 Photo", m.Payload.Preview())

	kind, text, url, ct, name := Flatten(Media{URL: "gs://b/o", ContentType: "image/png", Name: "a.png", Caption: "hi"})
	require.Equal(t, Media{URL: "gs://b/o", ContentType: "image/png", Name: "a.png", Caption: "hi"}, PayloadFrom(kind, text, url, ct, name))
	require.Equal(t, Text{Body: "x"}, PayloadFrom(PayloadText, "x", "", "", ""))
}

func TestTypingActive(t *testing.T) {
	now := time.Now()
	row := TypingStatus{IsTyping: true, UpdatedAt: now.Add(-11 * time.Second)}
	require.False(t, row.Active(now, 10*time.Second))
	row.UpdatedAt = now.Add(-time.Second)
	require.True(t, row.Active(now, 10*time.Second))
	row.IsTyping = false
	require.False(t, row.Active(now, 10*time.Second))
}
