// Package notify records the side-channel events an external pipeline
// turns into push notifications. Recording never fails a send: errors are
// logged and dropped.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/remote"
)

// Dispatcher is fire-and-forget.
type Dispatcher interface {
	RecordEvent(chatID string, m chat.Message, recipients []string)
}

// Recorder writes events to a remote.EventSink on background goroutines.
type Recorder struct {
	sink    remote.EventSink
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewRecorder returns a recorder bounding each write by timeout.
func NewRecorder(sink remote.EventSink, timeout time.Duration, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Recorder{sink: sink, timeout: timeout, logger: logger}
}

func (r *Recorder) RecordEvent(chatID string, m chat.Message, recipients []string) {
	if len(recipients) == 0 {
		return
	}
	ev := remote.NotificationEvent{
		ID:         chat.EventID(m.ID),
		ChatID:     chatID,
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		Preview:    m.Payload.Preview(),
		Recipients: append([]string(nil), recipients...),
		CreatedAt:  time.Now().UTC(),
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.sink.RecordEvent(ctx, ev); err != nil {
			r.logger.Warn("notification event dropped",
				zap.String("chat_id", chatID),
				zap.String("message_id", m.ID),
				zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight events finish, for shutdown.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Nop discards events.
type Nop struct{}

func (Nop) RecordEvent(string, chat.Message, []string) {}
