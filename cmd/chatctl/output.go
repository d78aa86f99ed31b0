package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"

	"github.com/matheus3301/chatcore/internal/chat"
)

type messageView struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	MediaURL  string    `json:"media_url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	ReadBy    []string  `json:"read_by,omitempty"`
}

func viewMessage(m chat.Message) messageView {
	kind, text, url, _, _ := chat.Flatten(m.Payload)
	return messageView{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Kind:      string(kind),
		Text:      text,
		MediaURL:  url,
		Timestamp: m.Timestamp,
		Status:    string(m.Status),
		ReadBy:    m.ReadBy,
	}
}

type queueView struct {
	messageView
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
	UploadPending bool   `json:"upload_pending,omitempty"`
}

type chatView struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	Participants  []string       `json:"participants"`
	GroupRef      string         `json:"group_ref,omitempty"`
	LastPreview   string         `json:"last_message_preview,omitempty"`
	LastMessageAt time.Time      `json:"last_message_at,omitzero"`
	Unread        map[string]int `json:"unread"`
}

func printMessages(ms []chat.Message) {
	views := lo.Map(ms, func(m chat.Message, _ int) messageView { return viewMessage(m) })
	if jsonOutput {
		outputJSON(views)
		return
	}
	w := table("ID", "SENDER", "STATUS", "TIME", "TEXT")
	for _, v := range views {
		body := v.Text
		if v.MediaURL != "" {
			body = strings.TrimSpace("[" + v.MediaURL + "] " + body)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.SenderID, v.Status, v.Timestamp.Local().Format(time.DateTime), body)
	}
	_ = w.Flush()
}

func printQueue(entries []chat.QueueEntry) {
	views := lo.Map(entries, func(e chat.QueueEntry, _ int) queueView {
		return queueView{
			messageView:   viewMessage(e.Message),
			Attempts:      e.AttemptCount,
			LastError:     e.LastError,
			UploadPending: e.UploadPending,
		}
	})
	if jsonOutput {
		outputJSON(views)
		return
	}
	if len(views) == 0 {
		fmt.Println("queue is empty")
		return
	}
	w := table("ID", "CHAT", "STATUS", "ATTEMPTS", "LAST ERROR")
	for _, v := range views {
		status := v.Status
		if v.UploadPending {
			status += " (upload pending)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", v.ID, v.ChatID, status, v.Attempts, v.LastError)
	}
	_ = w.Flush()
}

func printChats(chats []chat.Chat) {
	views := lo.Map(chats, func(c chat.Chat, _ int) chatView {
		return chatView{
			ID:            c.ID,
			Kind:          string(c.Kind),
			Participants:  c.ParticipantIDs,
			GroupRef:      c.GroupRef,
			LastPreview:   c.LastMessagePreview,
			LastMessageAt: c.LastMessageAt,
			Unread:        c.UnreadCountByParticipant,
		}
	})
	if jsonOutput {
		outputJSON(views)
		return
	}
	w := table("ID", "KIND", "PARTICIPANTS", "LAST MESSAGE")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID, v.Kind, strings.Join(v.Participants, ","), v.LastPreview)
	}
	_ = w.Flush()
}

func printProfiles(ps []chat.ProfileSnapshot) {
	if jsonOutput {
		outputJSON(ps)
		return
	}
	w := table("USER", "NAME", "PRESENCE")
	for _, p := range ps {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.UserID, p.DisplayName, p.Presence)
	}
	_ = w.Flush()
}

func table(headers ...string) *tabwriter.Writer {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	return w
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
