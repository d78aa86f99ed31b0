package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/connectivity"
	"github.com/matheus3301/chatcore/internal/remote"
)

// probeChatID never exists; any answer from the store, including
// not-found, proves it is reachable.
const probeChatID = "_chatd_probe"

// Prober keeps the connectivity machine in step with the remote store by
// issuing a cheap read on every tick.
type Prober struct {
	store    remote.Store
	machine  *connectivity.Machine
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewProber(st remote.Store, m *connectivity.Machine, interval, timeout time.Duration, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{store: st, machine: m, interval: interval, timeout: timeout, logger: logger}
}

// Probe checks the store once and moves the machine accordingly:
// reachable goes Online; unreachable drops Online to Degraded and a
// pending connect back to Offline.
func (p *Prober) Probe(ctx context.Context) connectivity.State {
	if p.machine.Current() == connectivity.Offline {
		_ = p.machine.Transition(connectivity.Connecting, "probe")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.store.GetChat(ctx, probeChatID)
	err = remote.Wrap("probe", err)

	switch kind := chat.Classify(err); kind {
	case nil, chat.ErrNotFound:
		p.move(connectivity.Online, "probe succeeded")
	case chat.ErrPermission, chat.ErrUnauthenticated:
		p.logger.Warn("remote store reachable but denied the probe read", zap.Error(err))
		p.move(connectivity.Online, "probe succeeded")
	default:
		p.logger.Warn("remote store unreachable", zap.Error(err))
		switch p.machine.Current() {
		case connectivity.Online:
			p.move(connectivity.Degraded, "probe failed")
		case connectivity.Connecting:
			p.move(connectivity.Offline, "probe failed")
		}
	}
	return p.machine.Current()
}

// Start probes every interval until Stop.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
}

// Stop ends the probe loop and waits for it to return.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Prober) move(to connectivity.State, reason string) {
	if err := p.machine.Transition(to, reason); err != nil {
		p.logger.Debug("connectivity transition skipped", zap.Error(err))
	}
}
