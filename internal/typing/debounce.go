package typing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/queue"
)

// Setter is the write side of a Tracker.
type Setter interface {
	SetTyping(ctx context.Context, chatID string, isTyping bool) error
}

type burst struct {
	gen   uint64
	timer *time.Timer
}

// Debouncer turns keystrokes into one "typing" write per burst and one
// "stopped" write once the chat has been idle for the debounce interval.
// Writes for a chat are serialized so a stop never overtakes its start.
type Debouncer struct {
	setter Setter
	idle   time.Duration
	logger *zap.Logger

	lanes  queue.KeyedMutex
	mu     sync.Mutex
	seq    uint64
	bursts map[string]*burst
}

func NewDebouncer(s Setter, idle time.Duration, logger *zap.Logger) *Debouncer {
	if idle <= 0 {
		idle = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Debouncer{setter: s, idle: idle, logger: logger, bursts: make(map[string]*burst)}
}

// Keystroke records activity in chatID. The first keystroke of a burst
// writes isTyping=true; later ones only push the idle deadline back.
func (d *Debouncer) Keystroke(ctx context.Context, chatID string) error {
	unlock := d.lanes.Lock(chatID)
	defer unlock()

	d.mu.Lock()
	prev, active := d.bursts[chatID]
	if active {
		prev.timer.Stop()
	}
	d.seq++
	gen := d.seq
	d.bursts[chatID] = &burst{gen: gen, timer: time.AfterFunc(d.idle, func() { d.expire(chatID, gen) })}
	d.mu.Unlock()

	if active {
		return nil
	}
	if err := d.setter.SetTyping(ctx, chatID, true); err != nil {
		// Forget the burst so the next keystroke retries the write.
		d.drop(chatID, gen)
		return err
	}
	return nil
}

// Flush ends the burst in chatID now, e.g. after a send or when the view
// closes. It is a no-op when the chat is idle.
func (d *Debouncer) Flush(ctx context.Context, chatID string) error {
	unlock := d.lanes.Lock(chatID)
	defer unlock()

	d.mu.Lock()
	b, ok := d.bursts[chatID]
	if ok {
		b.timer.Stop()
		delete(d.bursts, chatID)
	}
	d.mu.Unlock()

	if !ok {
		return nil
	}
	return d.setter.SetTyping(ctx, chatID, false)
}

// Stop flushes every active burst.
func (d *Debouncer) Stop(ctx context.Context) {
	d.mu.Lock()
	chats := make([]string, 0, len(d.bursts))
	for id := range d.bursts {
		chats = append(chats, id)
	}
	d.mu.Unlock()

	for _, id := range chats {
		if err := d.Flush(ctx, id); err != nil {
			d.logger.Warn("failed to clear typing state", zap.String("chat_id", id), zap.Error(err))
		}
	}
}

func (d *Debouncer) expire(chatID string, gen uint64) {
	unlock := d.lanes.Lock(chatID)
	defer unlock()

	if !d.drop(chatID, gen) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.idle)
	defer cancel()
	if err := d.setter.SetTyping(ctx, chatID, false); err != nil {
		d.logger.Warn("failed to clear typing state", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// drop forgets the burst of chatID if it is still generation gen.
func (d *Debouncer) drop(chatID string, gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bursts[chatID]
	if !ok || b.gen != gen {
		return false
	}
	b.timer.Stop()
	delete(d.bursts, chatID)
	return true
}
