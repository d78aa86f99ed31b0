package outbox

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/connectivity"
)

// SweepResult summarizes one pass over the queue.
type SweepResult struct {
	Attempted int
	Sent      int
	Failed    int
	Skipped   bool
}

// ProcessQueuedMessages attempts every queued message still in Sending.
// The sweep continues each entry's attempt budget rather than resetting
// it, skips Failed entries and placeholders whose upload is pending, and
// keeps per-chat order by sending each chat's entries sequentially. If a
// sweep is already running the call returns at once with Skipped set.
func (p *Pipeline) ProcessQueuedMessages(ctx context.Context) (SweepResult, error) {
	return p.sweep(ctx, "manual")
}

func (p *Pipeline) sweep(ctx context.Context, trigger string) (SweepResult, error) {
	if !p.sweeping.CompareAndSwap(false, true) {
		return SweepResult{Skipped: true}, nil
	}
	defer p.sweeping.Store(false)

	entries, err := p.Queue.AllEntries()
	if err != nil {
		return SweepResult{}, err
	}
	due := lo.Filter(entries, func(e chat.QueueEntry, _ int) bool {
		return e.Message.Status == chat.StatusSending && !e.UploadPending && !e.Exhausted(p.opts.MaxAttempts)
	})
	byChat := lo.GroupBy(due, func(e chat.QueueEntry) string { return e.Message.ChatID })

	type outcome struct{ sent, failed int }
	results := make(chan outcome, len(byChat))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for chatID, chatEntries := range byChat {
		chatID, chatEntries := chatID, chatEntries
		g.Go(func() error {
			var o outcome
			for _, e := range chatEntries {
				if gctx.Err() != nil {
					break
				}
				m, err := p.attempt(gctx, e.Message.ID)
				switch {
				case err == nil:
					o.sent++
				case m.Status == chat.StatusFailed:
					o.failed++
				default:
					p.logger.Debug("sweep attempt failed",
						zap.String("chat_id", chatID),
						zap.String("message_id", e.Message.ID),
						zap.Error(err))
				}
			}
			results <- o
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	res := SweepResult{Attempted: len(due)}
	for o := range results {
		res.Sent += o.sent
		res.Failed += o.failed
	}

	if p.Checkpoints != nil {
		if err := p.Checkpoints.SetCheckpoint(CheckpointLastSweep, time.Now().UTC().Format(time.RFC3339)); err != nil {
			p.logger.Warn("failed to record sweep checkpoint", zap.Error(err))
		}
	}
	if res.Attempted > 0 {
		p.logger.Info("queue sweep finished",
			zap.String("trigger", trigger),
			zap.Int("attempted", res.Attempted),
			zap.Int("sent", res.Sent),
			zap.Int("failed", res.Failed))
	}
	p.Bus.Emit(bus.QueueSweep, bus.SweepEvent{Trigger: trigger, Attempted: res.Attempted, Sent: res.Sent, Failed: res.Failed})
	return res, ctx.Err()
}

// Start runs the background sweep: every SweepInterval while online, and
// immediately whenever connectivity comes back online.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	events, unsub := p.Bus.Subscribe("connectivity.", 8)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer unsub()
		p.loop(ctx, events)
	}()
}

// Stop ends the background sweep and waits for it to return.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) loop(ctx context.Context, events <-chan bus.Event) {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if connectivity.CameOnline(evt) {
				p.runSweep(ctx, "online")
			}
		case <-ticker.C:
			if p.Connectivity == nil || p.Connectivity.Online() {
				p.runSweep(ctx, "interval")
			}
		}
	}
}

func (p *Pipeline) runSweep(ctx context.Context, trigger string) {
	if _, err := p.sweep(ctx, trigger); err != nil && ctx.Err() == nil {
		p.logger.Error("queue sweep failed", zap.String("trigger", trigger), zap.Error(err))
	}
}
