package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/coordinator"
	"github.com/matheus3301/chatcore/internal/media"
	"github.com/matheus3301/chatcore/internal/realtime"
)

func newSendCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "send <chat-id> [text...]",
		Short: "Send a text message, or an attachment with --file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, text := args[0], strings.Join(args[1:], " ")
			return run(func(ctx context.Context, c *coordinator.Coordinator) error {
				var (
					m   chat.Message
					err error
				)
				if file != "" {
					h, herr := media.FileHandle(file)
					if herr != nil {
						return herr
					}
					m, err = c.SendMedia(ctx, chatID, h, text, progress)
				} else {
					m, err = c.SendMessage(ctx, chatID, text)
				}
				if m.ID != "" {
					printMessages([]chat.Message{m})
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "attachment to upload")
	return cmd
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue [chat-id]",
		Short: "List queued messages, optionally for one chat",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var chatID string
			if len(args) == 1 {
				chatID = args[0]
			}
			return run(func(_ context.Context, c *coordinator.Coordinator) error {
				entries, err := c.QueuedMessages(chatID)
				if err != nil {
					return err
				}
				printQueue(entries)
				return nil
			})
		},
	}
}

func newRetryCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "retry <message-id>",
		Short: "Retry a failed message with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *coordinator.Coordinator) error {
				var (
					m   chat.Message
					err error
				)
				if file != "" {
					h, herr := media.FileHandle(file)
					if herr != nil {
						return herr
					}
					m, err = c.RetryMedia(ctx, args[0], h, progress)
				} else {
					m, err = c.Retry(ctx, args[0])
				}
				if m.ID != "" {
					printMessages([]chat.Message{m})
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "re-upload this attachment for a failed media message")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Attempt every queued message once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *coordinator.Coordinator) error {
				res, err := c.ProcessQueuedMessages(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					outputJSON(res)
					return nil
				}
				fmt.Printf("Attempted: %d\nSent:      %d\nFailed:    %d\n", res.Attempted, res.Sent, res.Failed)
				return nil
			})
		},
	}
}

func newChatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List the current user's chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *coordinator.Coordinator) error {
				sub, err := c.ObserveChats(ctx)
				if err != nil {
					return err
				}
				chats, err := first(ctx, sub)
				if err != nil {
					return err
				}
				printChats(chats)
				return nil
			})
		},
	}
}

func newMessagesCmd() *cobra.Command {
	var (
		limit  int
		before string
	)
	cmd := &cobra.Command{
		Use:   "messages <chat-id>",
		Short: "Show a page of message history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID := args[0]
			return run(func(ctx context.Context, c *coordinator.Coordinator) error {
				if before != "" {
					older, err := c.LoadOlderMessages(ctx, chatID, before, limit)
					if err != nil {
						return err
					}
					printMessages(older)
					return nil
				}
				sub, err := c.ObserveMessages(ctx, chatID, limit)
				if err != nil {
					return err
				}
				snap, err := first(ctx, sub)
				if err != nil {
					return err
				}
				printMessages(snap.Messages)
				if len(snap.Pending) > 0 && !jsonOutput {
					fmt.Printf("\n%d message(s) still queued\n", len(snap.Pending))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (default from config)")
	cmd.Flags().StringVar(&before, "before", "", "load the page older than this message id")
	return cmd
}

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <chat-id> <message-id>...",
		Short: "Mark messages as read by the current user",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *coordinator.Coordinator) error {
				n, err := c.MarkRead(ctx, args[0], args[1:])
				if err != nil {
					return err
				}
				fmt.Printf("%d message(s) marked read\n", n)
				return nil
			})
		},
	}
}

func newDirectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "direct <user-id>",
		Short: "Find or create the direct chat with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *coordinator.Coordinator) error {
				ch, err := c.GetOrCreateDirectChat(ctx, args[0])
				if err != nil {
					return err
				}
				printChats([]chat.Chat{ch})
				return nil
			})
		},
	}
}

func newGroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "group <group-id>",
		Short: "Find or create the chat mirroring a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *coordinator.Coordinator) error {
				ch, err := c.GetOrCreateGroupChat(ctx, args[0])
				if err != nil {
					return err
				}
				printChats([]chat.Chat{ch})
				return nil
			})
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Create missing chats for every group the user belongs to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *coordinator.Coordinator) error {
				n, err := c.ReconcileGroupChats(ctx)
				if jsonOutput {
					outputJSON(map[string]int{"created": n})
				} else {
					fmt.Printf("%d group chat(s) created\n", n)
				}
				return err
			})
		},
	}
}

func newTypingCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "typing <chat-id> on|off",
		Short:     "Set the current user's typing indicator",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch args[1] {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("typing state must be on or off, got %q", args[1])
			}
			return run(func(ctx context.Context, c *coordinator.Coordinator) error {
				return c.SetTyping(ctx, args[0], on)
			})
		},
	}
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <term>",
		Short: "Search users by display name prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *coordinator.Coordinator) error {
				found, err := c.SearchUsers(ctx, args[0])
				if err != nil {
					return err
				}
				printProfiles(found)
				return nil
			})
		},
	}
}

func newProfileCmd() *cobra.Command {
	var avatar string
	cmd := &cobra.Command{
		Use:   "profile <display-name>",
		Short: "Write the current user's directory profile",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(func(ctx context.Context, s *session) error {
				uid, err := s.identity.CurrentUserID(ctx)
				if err != nil {
					return err
				}
				p := chat.ProfileSnapshot{
					UserID:      uid,
					DisplayName: strings.Join(args, " "),
					AvatarURL:   avatar,
					Presence:    chat.PresenceOnline,
					LastSeen:    time.Now().UTC(),
				}
				if err := s.backend.PutProfile(ctx, p); err != nil {
					return err
				}
				printProfiles([]chat.ProfileSnapshot{p})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar URL")
	return cmd
}

// first waits for the initial snapshot of sub and cancels it.
func first[T any](ctx context.Context, sub *realtime.Subscription[T]) (T, error) {
	defer sub.Cancel()
	var zero T
	select {
	case v, ok := <-sub.C():
		if ok {
			return v, nil
		}
		<-sub.Done()
		if err := sub.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("subscription ended before the first snapshot")
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func progress(sent, total int64) {
	if jsonOutput || total <= 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "\ruploading %d%%", sent*100/total)
	if sent >= total {
		fmt.Fprintln(os.Stderr)
	}
}
