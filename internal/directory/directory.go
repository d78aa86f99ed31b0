// Package directory resolves user ids to profile snapshots through a
// read-through cache over the remote user directory.
package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/remote"
)

// Options tune the cache and the batched lookups.
type Options struct {
	CacheSize   int64
	TTL         time.Duration
	BatchSize   int
	SearchLimit int
}

func (o *Options) defaults() {
	if o.CacheSize <= 0 {
		o.CacheSize = 1000
	}
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.SearchLimit <= 0 {
		o.SearchLimit = 20
	}
}

// Directory is safe for concurrent use.
type Directory struct {
	source remote.Directory
	cache  *ristretto.Cache[string, chat.ProfileSnapshot]
	opts   Options
	logger *zap.Logger
}

// New builds a directory over source.
func New(source remote.Directory, opts Options, logger *zap.Logger) (*Directory, error) {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, chat.ProfileSnapshot]{
		NumCounters: opts.CacheSize * 10,
		MaxCost:     opts.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("profile cache: %w", err)
	}
	return &Directory{source: source, cache: cache, opts: opts, logger: logger}, nil
}

// Close releases the cache.
func (d *Directory) Close() {
	d.cache.Close()
}

// Profile returns the profile for userID, or chat.ErrProfileNotFound when
// the user never initialized one.
func (d *Directory) Profile(ctx context.Context, userID string) (chat.ProfileSnapshot, error) {
	got, err := d.Profiles(ctx, []string{userID})
	if err != nil {
		return chat.ProfileSnapshot{}, err
	}
	p, ok := got[userID]
	if !ok {
		return chat.ProfileSnapshot{}, chat.Errorf(chat.ErrProfileNotFound, "profile", "user %s", userID)
	}
	return p, nil
}

// Profiles resolves ids, serving what it can from cache and fetching the
// rest from the source in batches of Options.BatchSize. Users without a
// profile are absent from the result.
func (d *Directory) Profiles(ctx context.Context, ids []string) (map[string]chat.ProfileSnapshot, error) {
	out := make(map[string]chat.ProfileSnapshot, len(ids))
	var missing []string
	for _, id := range lo.Uniq(ids) {
		if p, ok := d.cache.Get(id); ok {
			out[id] = p
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, batch := range lo.Chunk(missing, d.opts.BatchSize) {
		batch := batch
		g.Go(func() error {
			found, err := d.source.Profiles(gctx, batch)
			if err != nil {
				return remote.Wrap("fetch profiles", err)
			}
			mu.Lock()
			defer mu.Unlock()
			for id, p := range found {
				out[id] = p
				d.cache.SetWithTTL(id, p, 1, d.opts.TTL)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	d.logger.Debug("profiles fetched", zap.Int("requested", len(missing)), zap.Int("cached", len(ids)-len(missing)))
	return out, nil
}

// Require is Profiles, but fails with chat.ErrProfileNotFound naming the
// first id that has no profile.
func (d *Directory) Require(ctx context.Context, ids []string) (map[string]chat.ProfileSnapshot, error) {
	got, err := d.Profiles(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := got[id]; !ok {
			return nil, chat.Errorf(chat.ErrProfileNotFound, "profile", "user %s", id)
		}
	}
	return got, nil
}

// Search returns profiles whose display name starts with term. Results
// warm the cache.
func (d *Directory) Search(ctx context.Context, term string) ([]chat.ProfileSnapshot, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, chat.Errorf(chat.ErrValidation, "search users", "empty search term")
	}
	found, err := d.source.Search(ctx, term, d.opts.SearchLimit)
	if err != nil {
		return nil, remote.Wrap("search users", err)
	}
	for _, p := range found {
		d.cache.SetWithTTL(p.UserID, p, 1, d.opts.TTL)
	}
	return found, nil
}

// Invalidate drops userID from the cache.
func (d *Directory) Invalidate(userID string) {
	d.cache.Del(userID)
}

// Wait blocks until pending cache writes are visible.
func (d *Directory) Wait() {
	d.cache.Wait()
}
