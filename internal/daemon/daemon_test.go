package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/fx"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/chatcore/internal/account"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/config"
	"github.com/matheus3301/chatcore/internal/connectivity"
	"github.com/matheus3301/chatcore/internal/coordinator"
	"github.com/matheus3301/chatcore/internal/remote/memory"
	"github.com/matheus3301/chatcore/internal/store/badgerstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(account.HomeEnv, t.TempDir())
	cfg := config.Defaults()
	cfg.Identity.UserID = "u1"
	cfg.Log.Level = "warn"
	return cfg
}

func TestDaemonLifecycle(t *testing.T) {
	cfg := testConfig(t)

	var (
		coord   *coordinator.Coordinator
		conn    *connectivity.Machine
		backend Backend
	)
	app := fx.New(
		Module(Params{Account: "test", Config: cfg, Background: true}),
		fx.Populate(&coord, &conn, &backend),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if conn.Current() != connectivity.Online {
		t.Errorf("connectivity = %s, want ONLINE after probe", conn.Current())
	}
	if _, err := os.Stat(account.LockPath("test")); err != nil {
		t.Errorf("lock file missing while running: %v", err)
	}

	mem, ok := backend.(*memory.Backend)
	if !ok {
		t.Fatalf("backend = %T, want *memory.Backend", backend)
	}
	mem.AddUser(chat.ProfileSnapshot{UserID: "u1", DisplayName: "Ana"})
	mem.AddUser(chat.ProfileSnapshot{UserID: "u2", DisplayName: "Bruno"})

	c, err := coord.GetOrCreateDirectChat(ctx, "u2")
	if err != nil {
		t.Fatalf("GetOrCreateDirectChat() error = %v", err)
	}
	m, err := coord.SendMessage(ctx, c.ID, "hello")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if m.Status != chat.StatusSent {
		t.Errorf("status = %s, want sent", m.Status)
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := os.Stat(account.LockPath("test")); !os.IsNotExist(err) {
		t.Errorf("lock file still present after stop: %v", err)
	}
	if _, err := os.Stat(account.QueueDBPath("test")); err != nil {
		t.Errorf("queue.db not created: %v", err)
	}
	if _, err := os.Stat(account.LogPath("test")); err != nil {
		t.Errorf("chatd.log not created: %v", err)
	}
}

func TestSecondInstanceIsRefused(t *testing.T) {
	cfg := testConfig(t)

	first := fx.New(Module(Params{Account: "test", Config: cfg}), fx.NopLogger)
	if err := first.Err(); err != nil {
		t.Fatalf("first fx.New() error = %v", err)
	}
	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Stop(ctx) }()

	second := fx.New(Module(Params{Account: "test", Config: cfg}), fx.NopLogger)
	err := second.Err()
	if err == nil {
		t.Fatal("second instance started on a locked account")
	}
	if !strings.Contains(err.Error(), "account lock held") {
		t.Errorf("error = %v, want lock held", err)
	}
}

func TestBadgerQueueBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Backend = "badger"

	var qs QueueStore
	app := fx.New(
		Module(Params{Account: "test", Config: cfg}),
		fx.Populate(&qs),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New() error = %v", err)
	}
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := qs.(*badgerstore.Store); !ok {
		t.Errorf("queue store = %T, want *badgerstore.Store", qs)
	}
	if err := app.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(account.QueueBadgerDir("test"))); err != nil {
		t.Errorf("badger dir not created: %v", err)
	}
}

func TestProberTransitions(t *testing.T) {
	b := memory.New()
	ev := bus.New()
	m := connectivity.NewMachine(ev)
	p := NewProber(b, m, time.Hour, time.Second, nil)
	ctx := context.Background()
	unavailable := status.Error(codes.Unavailable, "offline")

	b.FailNext(memory.OpGetChat, unavailable, 1)
	if got := p.Probe(ctx); got != connectivity.Offline {
		t.Errorf("failed first probe = %s, want OFFLINE", got)
	}

	if got := p.Probe(ctx); got != connectivity.Online {
		t.Errorf("probe = %s, want ONLINE", got)
	}

	b.FailNext(memory.OpGetChat, unavailable, 1)
	if got := p.Probe(ctx); got != connectivity.Degraded {
		t.Errorf("probe after outage = %s, want DEGRADED", got)
	}

	if got := p.Probe(ctx); got != connectivity.Online {
		t.Errorf("recovered probe = %s, want ONLINE", got)
	}
}

func TestProberDeniedCountsAsReachable(t *testing.T) {
	b := memory.New()
	m := connectivity.NewMachine(bus.New())
	p := NewProber(b, m, time.Hour, time.Second, nil)

	b.FailNext(memory.OpGetChat, status.Error(codes.PermissionDenied, "rules"), 1)
	if got := p.Probe(context.Background()); got != connectivity.Online {
		t.Errorf("probe = %s, want ONLINE", got)
	}
}

func TestProberStartStop(t *testing.T) {
	b := memory.New()
	m := connectivity.NewMachine(bus.New())
	p := NewProber(b, m, 10*time.Millisecond, time.Second, nil)

	p.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for m.Current() != connectivity.Online && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()
	p.Stop()
	if m.Current() != connectivity.Online {
		t.Errorf("connectivity = %s, want ONLINE", m.Current())
	}
}
