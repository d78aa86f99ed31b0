package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/chat"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Watcher blocks until ctx is done, calling publish with every snapshot.
type Watcher[T any] func(ctx context.Context, publish func(T)) error

// Subscription is a cancellable stream of snapshots holding only the
// latest value: a slow reader skips intermediate snapshots and always
// receives the newest one.
type Subscription[T any] struct {
	ch     chan T
	cancel context.CancelFunc
	done   chan struct{}
	fresh  atomic.Bool

	mu  sync.Mutex
	err error
}

// Start runs w in the background until ctx is done or Cancel is called.
// A transient watch error restarts w after a backoff; any other error ends
// the subscription and is reported by Err.
func Start[T any](ctx context.Context, name string, logger *zap.Logger, w Watcher[T]) *Subscription[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		ch:     make(chan T, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, logger.With(zap.String("subscription", name)), w)
	return s
}

// C yields snapshots. It is closed once the subscription ends.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Done is closed once the subscription ends.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Cancel stops the subscription and returns once the watch has exited.
// Calling it again is a no-op.
func (s *Subscription[T]) Cancel() {
	s.cancel()
	<-s.done
}

// Err returns the error that ended the subscription, if any.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription[T]) run(ctx context.Context, logger *zap.Logger, w Watcher[T]) {
	defer close(s.done)
	defer close(s.ch)

	backoff := minBackoff
	for {
		s.fresh.Store(false)
		err := w(ctx, s.publish)
		if ctx.Err() != nil || err == nil {
			return
		}
		if !chat.Retryable(err) {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			logger.Warn("subscription ended", zap.Error(err))
			return
		}
		if s.fresh.Load() {
			backoff = minBackoff
		}
		logger.Info("subscription interrupted, restarting", zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// publish replaces any unread snapshot with v. Only the watch goroutine
// publishes, so the loop ends as soon as the slot is free.
func (s *Subscription[T]) publish(v T) {
	s.fresh.Store(true)
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}
