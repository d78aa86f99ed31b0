package daemon

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/matheus3301/chatcore/internal/account"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/config"
	"github.com/matheus3301/chatcore/internal/connectivity"
	"github.com/matheus3301/chatcore/internal/coordinator"
	"github.com/matheus3301/chatcore/internal/directory"
	"github.com/matheus3301/chatcore/internal/identity"
	"github.com/matheus3301/chatcore/internal/lock"
	"github.com/matheus3301/chatcore/internal/logging"
	"github.com/matheus3301/chatcore/internal/media"
	"github.com/matheus3301/chatcore/internal/notify"
	"github.com/matheus3301/chatcore/internal/outbox"
	"github.com/matheus3301/chatcore/internal/queue"
	"github.com/matheus3301/chatcore/internal/realtime"
	"github.com/matheus3301/chatcore/internal/remote"
	"github.com/matheus3301/chatcore/internal/remote/firestore"
	"github.com/matheus3301/chatcore/internal/remote/memory"
	"github.com/matheus3301/chatcore/internal/resolver"
	"github.com/matheus3301/chatcore/internal/store"
	"github.com/matheus3301/chatcore/internal/store/badgerstore"
	"github.com/matheus3301/chatcore/internal/typing"
)

// Params holds the resolved account and configuration passed to the fx
// module. Background enables the periodic sweep and connectivity probe;
// one-shot CLI runs leave it off and sweep on demand.
type Params struct {
	Account    string
	Config     *config.Config
	Background bool
}

// Backend is everything the chat subsystem needs from the managed store.
// Both the in-memory and the Firestore backends implement it.
type Backend interface {
	remote.Store
	remote.Directory
	remote.ProfileWriter
	remote.Groups
	remote.EventSink
}

// QueueStore is the durable queue backend plus its checkpoints.
type QueueStore interface {
	queue.Storage
	SetCheckpoint(key, value string) error
	Checkpoint(key string) (string, error)
	Close() error
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideConnectivity,
			provideLock,
			provideQueueStore,
			provideBackend,
			provideIdentity,
			provideUploader,
			provideDirectory,
			provideRecorder,
			provideQueue,
			providePipeline,
			provideRealtime,
			provideTracker,
			provideDebouncer,
			provideResolver,
			provideCoordinator,
			provideProber,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	if p.Config != nil {
		return p.Config
	}
	return config.Defaults()
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(account.LogPath(p.Account), p.Account, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConnectivity(b *bus.Bus) *connectivity.Machine {
	return connectivity.NewMachine(b)
}

func provideLock(lc fx.Lifecycle, p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(account.Dir(p.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	lc.Append(fx.StopHook(func() {
		if err := l.Release(); err != nil {
			logger.Warn("error releasing lock", zap.Error(err))
		}
	}))
	return l, nil
}

// provideQueueStore takes the lock so the store is never opened by a
// process that does not own the account.
func provideQueueStore(lc fx.Lifecycle, p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (QueueStore, error) {
	var qs QueueStore
	switch cfg.Queue.Backend {
	case "badger":
		dir := account.QueueBadgerDir(p.Account)
		st, err := badgerstore.Open(dir)
		if err != nil {
			return nil, err
		}
		logger.Info("queue store initialized", zap.String("backend", "badger"), zap.String("path", dir))
		qs = st
	default:
		path := account.QueueDBPath(p.Account)
		db, err := store.Open(path)
		if err != nil {
			return nil, err
		}
		result, err := db.Migrate()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if result.Changed {
			logger.Info("migrations applied", zap.Uint("version", result.Version))
		} else {
			logger.Info("migrations up to date", zap.Uint("version", result.Version))
		}
		logger.Info("queue store initialized", zap.String("backend", "sqlite"), zap.String("path", path))
		qs = db
	}
	lc.Append(fx.StopHook(func() error { return qs.Close() }))
	return qs, nil
}

func provideBackend(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (Backend, error) {
	if cfg.Backend.Kind != "firestore" {
		logger.Warn("using in-memory backend; chats are not shared with other processes")
		return memory.New(), nil
	}
	st, err := firestore.Dial(context.Background(), cfg.Backend.ProjectID, cfg.Backend.CredentialsFile)
	if err != nil {
		return nil, err
	}
	logger.Info("firestore backend ready", zap.String("project", cfg.Backend.ProjectID))
	lc.Append(fx.StopHook(func() error { return st.Close() }))
	return st, nil
}

func provideIdentity(cfg *config.Config, logger *zap.Logger) (identity.Provider, error) {
	if cfg.Identity.IDTokenFile == "" {
		if cfg.Identity.UserID == "" {
			logger.Warn("no identity configured; operations will fail as unauthenticated")
		}
		return identity.Static{UserID: cfg.Identity.UserID}, nil
	}
	ctx := context.Background()
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.Backend.ProjectID}, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth: %w", err)
	}
	return identity.NewFirebase(client, cfg.Identity.IDTokenFile, logger), nil
}

func provideUploader(lc fx.Lifecycle, p Params, cfg *config.Config, logger *zap.Logger) (media.Uploader, error) {
	if cfg.Media.Bucket == "" {
		return media.NewLocal(account.MediaDir(p.Account)), nil
	}
	client, err := storage.NewClient(context.Background(), clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	g := media.NewGCS(client, cfg.Media.Bucket)
	logger.Info("media uploads go to cloud storage", zap.String("bucket", cfg.Media.Bucket))
	lc.Append(fx.StopHook(func() error { return g.Close() }))
	return g, nil
}

func provideDirectory(lc fx.Lifecycle, b Backend, cfg *config.Config, logger *zap.Logger) (*directory.Directory, error) {
	d, err := directory.New(b, directory.Options{
		CacheSize: cfg.Directory.CacheSize,
		TTL:       cfg.Directory.CacheTTL,
		BatchSize: cfg.Directory.BatchSize,
	}, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(d.Close))
	return d, nil
}

func provideRecorder(b Backend, cfg *config.Config, logger *zap.Logger) *notify.Recorder {
	return notify.NewRecorder(b, cfg.Pipeline.DispatchTimeout, logger)
}

func provideQueue(qs QueueStore, logger *zap.Logger) *queue.Queue {
	return queue.New(qs, logger)
}

func providePipeline(
	q *queue.Queue,
	b Backend,
	id identity.Provider,
	dir *directory.Directory,
	up media.Uploader,
	rec *notify.Recorder,
	ev *bus.Bus,
	conn *connectivity.Machine,
	qs QueueStore,
	cfg *config.Config,
	logger *zap.Logger,
) *outbox.Pipeline {
	return outbox.New(outbox.Deps{
		Queue:        q,
		Remote:       b,
		Identity:     id,
		Profiles:     dir,
		Uploader:     up,
		Dispatcher:   rec,
		Bus:          ev,
		Connectivity: conn,
		Checkpoints:  qs,
	}, outbox.Options{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		Workers:       cfg.Pipeline.Workers,
		SweepInterval: cfg.Pipeline.SweepInterval,
	}, logger)
}

func provideRealtime(b Backend, id identity.Provider, dir *directory.Directory, q *queue.Queue, p *outbox.Pipeline, cfg *config.Config, logger *zap.Logger) *realtime.Sync {
	return realtime.New(realtime.Deps{
		Store:      b,
		Identity:   id,
		Profiles:   dir,
		Queue:      q,
		Reconciler: p,
	}, realtime.Options{PageSize: cfg.Sync.PageSize}, logger)
}

func provideTracker(b Backend, rt *realtime.Sync, id identity.Provider, cfg *config.Config, logger *zap.Logger) *typing.Tracker {
	return typing.NewTracker(b, rt, id, cfg.Typing.Staleness, logger)
}

func provideDebouncer(t *typing.Tracker, cfg *config.Config, logger *zap.Logger) *typing.Debouncer {
	return typing.NewDebouncer(t, cfg.Typing.Debounce, logger)
}

func provideResolver(b Backend, id identity.Provider, dir *directory.Directory, qs QueueStore, logger *zap.Logger) *resolver.Resolver {
	return resolver.New(b, b, id, dir, qs, logger)
}

func provideCoordinator(
	b Backend,
	id identity.Provider,
	q *queue.Queue,
	p *outbox.Pipeline,
	r *resolver.Resolver,
	rt *realtime.Sync,
	t *typing.Tracker,
	d *typing.Debouncer,
	dir *directory.Directory,
	conn *connectivity.Machine,
	logger *zap.Logger,
) *coordinator.Coordinator {
	return coordinator.New(coordinator.Deps{
		Store:        b,
		Identity:     id,
		Queue:        q,
		Pipeline:     p,
		Resolver:     r,
		Sync:         rt,
		Typing:       t,
		Debouncer:    d,
		Directory:    dir,
		Connectivity: conn,
	}, logger)
}

func provideProber(b Backend, conn *connectivity.Machine, cfg *config.Config, logger *zap.Logger) *Prober {
	return NewProber(b, conn, cfg.Pipeline.SweepInterval, cfg.Pipeline.DispatchTimeout, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, prober *Prober, pipeline *outbox.Pipeline, coord *coordinator.Coordinator, rec *notify.Recorder, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			state := prober.Probe(ctx)
			logger.Info("remote store probed", zap.String("state", string(state)))
			if p.Background {
				prober.Start(context.Background())
				pipeline.Start(context.Background())
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			prober.Stop()
			pipeline.Stop()
			coord.Close(ctx)
			rec.Wait()
			logger.Info("daemon stopped")
			return nil
		},
	})
}

func clientOptions(cfg *config.Config) []option.ClientOption {
	if cfg.Backend.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.Backend.CredentialsFile)}
}
