// Package coordinator is the process-wide façade between the host and the
// remote-sync engine. It owns the item cache, routes each identifier to its
// account's worker, and runs every cache mutation on the owning execution
// context.
//
// Every operation reports through exactly one of its continuations, exactly
// once. Identity errors (malformed identifiers, unknown accounts) are
// reported before the call returns and never reach the engine. All other
// continuations run on the owning context.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/fileprovider/internal/accounts"
	"github.com/fruitsalade/fileprovider/internal/dispatch"
	"github.com/fruitsalade/fileprovider/internal/engine"
	"github.com/fruitsalade/fileprovider/internal/identifier"
	"github.com/fruitsalade/fileprovider/internal/item"
	"github.com/fruitsalade/fileprovider/internal/itemcache"
	"github.com/fruitsalade/fileprovider/internal/logging"
	"github.com/fruitsalade/fileprovider/internal/metrics"
	"github.com/fruitsalade/fileprovider/internal/registry"
)

const (
	opList     = "list"
	opDownload = "download"
	opUpload   = "upload"
	opDelete   = "delete"
	opCreate   = "create"
	opLookup   = "lookup"
)

// Dispatcher runs work on the owning execution context. *dispatch.Loop
// implements it.
type Dispatcher interface {
	Owns(ctx context.Context) bool
	Run(ctx context.Context, fn func(ctx context.Context))
}

// Config holds the collaborators of a Coordinator.
type Config struct {
	Registry   *registry.Registry
	Dispatcher Dispatcher
	Cache      *itemcache.Cache // a fresh cache is created when nil
}

// Stats holds operation counters.
type Stats struct {
	Listings         atomic.Int64
	Lookups          atomic.Int64
	Downloads        atomic.Int64
	DownloadsSkipped atomic.Int64
	DownloadsJoined  atomic.Int64
	Uploads          atomic.Int64
	Deletes          atomic.Int64
	FilesCreated     atomic.Int64
	DirsCreated      atomic.Int64
	RemoteChanges    atomic.Int64
	Failures         atomic.Int64
	Cancellations    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Listings         int64 `json:"listings"`
	Lookups          int64 `json:"lookups"`
	Downloads        int64 `json:"downloads"`
	DownloadsSkipped int64 `json:"downloads_skipped"`
	DownloadsJoined  int64 `json:"downloads_joined"`
	Uploads          int64 `json:"uploads"`
	Deletes          int64 `json:"deletes"`
	FilesCreated     int64 `json:"files_created"`
	DirsCreated      int64 `json:"dirs_created"`
	RemoteChanges    int64 `json:"remote_changes"`
	Failures         int64 `json:"failures"`
	Cancellations    int64 `json:"cancellations"`
	CachedItems      int   `json:"cached_items"`
}

// waiter is one caller waiting for a download. Cancelling its progress or its
// context fails that caller alone.
type waiter struct {
	start    time.Time
	progress *engine.Progress
	done     func(localPath string)
	fail     func(error)
}

// flight is an in-progress download. Callers arriving while it runs join it.
// The transfer runs under its own context and progress and is cancelled only
// when every waiter has left.
type flight struct {
	ctx      context.Context
	cancel   context.CancelFunc
	progress *engine.Progress
	waiters  []*waiter
	settled  chan struct{} // closed when the flight ends
}

// Coordinator routes host operations to account workers and keeps the item
// cache consistent with their results.
type Coordinator struct {
	reg   *registry.Registry
	disp  Dispatcher
	cache *itemcache.Cache

	lookups singleflight.Group
	closed  atomic.Bool
	stats   Stats

	// life ends with Close. Work shared by several callers runs under it
	// rather than under any one caller's context.
	life     context.Context
	stopLife context.CancelFunc

	// downloads is only touched on the owning context.
	downloads map[string]*flight
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("coordinator: registry is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("coordinator: dispatcher is required")
	}
	cache := cfg.Cache
	if cache == nil {
		cache = itemcache.New()
	}
	cache.Root()

	life, stop := context.WithCancel(context.Background())
	logging.Info("coordinator ready", zap.Int("accounts", cfg.Registry.Len()))
	return &Coordinator{
		reg:       cfg.Registry,
		disp:      cfg.Dispatcher,
		cache:     cache,
		life:      life,
		stopLife:  stop,
		downloads: make(map[string]*flight),
	}, nil
}

// Close rejects further operations and cancels shared downloads and lookups
// still in flight. Other operations already handed to a worker complete.
func (c *Coordinator) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.stopLife()
	logging.Info("coordinator closed", zap.Int("cached_items", c.cache.Len()))
	return nil
}

// Stats returns a snapshot of the operation counters.
func (c *Coordinator) Stats() StatsSnapshot {
	return StatsSnapshot{
		Listings:         c.stats.Listings.Load(),
		Lookups:          c.stats.Lookups.Load(),
		Downloads:        c.stats.Downloads.Load(),
		DownloadsSkipped: c.stats.DownloadsSkipped.Load(),
		DownloadsJoined:  c.stats.DownloadsJoined.Load(),
		Uploads:          c.stats.Uploads.Load(),
		Deletes:          c.stats.Deletes.Load(),
		FilesCreated:     c.stats.FilesCreated.Load(),
		DirsCreated:      c.stats.DirsCreated.Load(),
		RemoteChanges:    c.stats.RemoteChanges.Load(),
		Failures:         c.stats.Failures.Load(),
		Cancellations:    c.stats.Cancellations.Load(),
		CachedItems:      c.cache.Len(),
	}
}

// RootItem returns the synthetic root container.
func (c *Coordinator) RootItem() item.Item {
	return c.cache.Root()
}

// Accounts returns the registered accounts.
func (c *Coordinator) Accounts() []accounts.Account {
	return c.reg.Accounts()
}

// target is a resolved identifier.
type target struct {
	id      identifier.ID
	key     string // canonical identifier, used as the cache key
	worker  engine.Worker
	account accounts.Account
}

func (c *Coordinator) resolve(id string) (target, error) {
	if c.closed.Load() {
		return target{}, ErrClosed
	}
	parsed, err := identifier.Parse(id)
	if err != nil {
		return target{}, err
	}
	worker, err := c.reg.WorkerFor(id)
	if err != nil {
		return target{}, err
	}
	acct, err := c.reg.AccountFor(id)
	if err != nil {
		return target{}, err
	}
	return target{id: parsed, key: parsed.String(), worker: worker, account: acct}, nil
}

// ListChildren lists the container id through its worker, merges every
// child into the cache and appends it to out. Listing the root yields one
// container per account without an engine call. Children appended before a
// failure stay in out.
func (c *Coordinator) ListChildren(ctx context.Context, id string, out *Listing, done func(), fail func(error)) {
	start := time.Now()
	c.stats.Listings.Add(1)

	if id == identifier.Root {
		if c.closed.Load() {
			c.failWith(opList, id, start, ErrClosed, fail)
			return
		}
		c.disp.Run(ctx, func(context.Context) {
			for _, acct := range c.reg.Accounts() {
				out.Append(c.merge(accountItem(acct)))
			}
			c.succeed(opList, start)
			done()
		})
		return
	}

	t, err := c.resolve(id)
	if err == nil && !t.id.Container {
		err = ErrNotContainer
	}
	if err != nil {
		c.failWith(opList, id, start, err, fail)
		return
	}

	c.disp.Run(ctx, func(context.Context) {
		t.worker.ListChildren(ctx, t.id.Path, func(entries []engine.Entry, err error) {
			if err != nil {
				if errors.Is(err, engine.ErrNotFound) {
					c.cache.DeleteTree(t.key)
				}
				c.failWith(opList, t.key, start, err, fail)
				return
			}

			seen := make(map[string]bool, len(entries))
			for _, e := range entries {
				if !validName(e.Name) {
					c.failWith(opList, t.key, start, &OpError{
						Op:   opList,
						ID:   t.key,
						Kind: KindEngine,
						Err:  fmt.Errorf("%w: %q", ErrInvalidName, e.Name),
					}, fail)
					return
				}
				child := c.merge(item.FromEntry(t.key, e))
				seen[child.ID] = true
				out.Append(child)
			}

			for _, cached := range c.cache.Children(t.key) {
				if !seen[cached.ID] {
					c.cache.DeleteTree(cached.ID)
				}
			}

			c.succeed(opList, start)
			done()
		})
	})
}

// Download makes the content of id available locally and reports its local
// path. A current local copy is reported without an engine call. A download
// already in flight for id is joined; joined callers share its outcome.
func (c *Coordinator) Download(ctx context.Context, id string, progress *engine.Progress, done func(localPath string), fail func(error)) {
	start := time.Now()

	t, err := c.resolve(id)
	if err == nil && t.id.Container {
		err = ErrIsContainer
	}
	if err != nil {
		c.failWith(opDownload, id, start, err, fail)
		return
	}
	localPath := identifier.LocalPath(t.account.LocalRoot, t.account.Segment(), t.key)

	c.disp.Run(ctx, func(context.Context) {
		cached, ok := c.cache.Get(t.key)
		if ok && cached.IsMostRecentDownloaded() {
			c.stats.DownloadsSkipped.Add(1)
			c.succeed(opDownload, start)
			done(localPath)
			return
		}

		w := &waiter{start: start, progress: progress, done: done, fail: fail}
		f, busy := c.downloads[t.key]
		if busy {
			c.stats.DownloadsJoined.Add(1)
		} else {
			f = c.newFlight(ctx)
			c.downloads[t.key] = f
		}
		f.waiters = append(f.waiters, w)
		f.progress.Forward(progress)
		go c.watchWaiter(ctx, t.key, f, w)
		if busy {
			return
		}

		if ok && !cached.Outdated {
			c.startDownload(t, f, localPath)
			return
		}

		// Unknown to the cache, or changed remotely: learn the current version
		// before transferring.
		t.worker.Stat(f.ctx, t.id.Path, func(e engine.Entry, err error) {
			if c.downloads[t.key] != f {
				return
			}
			if err == nil && e.IsContainer {
				err = ErrIsContainer
			}
			if err != nil {
				if errors.Is(err, engine.ErrNotFound) {
					c.cache.Delete(t.key)
				}
				c.finishDownload(t.key, f, "", err)
				return
			}
			c.merge(item.FromStat(t.key, e))
			c.startDownload(t, f, localPath)
		})
	})
}

func (c *Coordinator) newFlight(ctx context.Context) *flight {
	fctx, cancel := c.detach(ctx)
	return &flight{
		ctx:      fctx,
		cancel:   cancel,
		progress: engine.NewProgress(0),
		settled:  make(chan struct{}),
	}
}

func (c *Coordinator) startDownload(t target, f *flight, localPath string) {
	c.stats.Downloads.Add(1)
	c.transition(t.key, item.Item.BeginDownload)

	t.worker.Download(f.ctx, t.id.Path, localPath, f.progress, func(path string, err error) {
		if c.downloads[t.key] != f {
			// Abandoned by every waiter; the cache was settled then.
			return
		}
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				c.cache.Delete(t.key)
			} else {
				c.transition(t.key, item.Item.AbortDownload)
			}
			c.finishDownload(t.key, f, "", err)
			return
		}
		c.transition(t.key, item.Item.FinishDownload)
		c.finishDownload(t.key, f, path, nil)
	})
}

// watchWaiter removes w from f when its caller cancels before f ends.
func (c *Coordinator) watchWaiter(ctx context.Context, key string, f *flight, w *waiter) {
	select {
	case <-w.progress.Done():
	case <-ctx.Done():
	case <-f.settled:
		return
	}
	c.disp.Run(context.Background(), func(context.Context) {
		c.leave(key, f, w)
	})
}

// leave fails w alone with a cancellation. The transfer is cancelled once no
// waiter remains.
func (c *Coordinator) leave(key string, f *flight, w *waiter) {
	if c.downloads[key] != f {
		return
	}
	i := slices.Index(f.waiters, w)
	if i < 0 {
		return
	}
	f.waiters = slices.Delete(f.waiters, i, i+1)
	if len(f.waiters) == 0 {
		f.progress.Cancel()
		c.transition(key, item.Item.AbortDownload)
		c.endFlight(key, f)
	}
	c.failWith(opDownload, key, w.start, engine.ErrCancelled, w.fail)
}

func (c *Coordinator) endFlight(key string, f *flight) {
	if c.downloads[key] == f {
		delete(c.downloads, key)
	}
	close(f.settled)
	f.cancel()
}

func (c *Coordinator) finishDownload(key string, f *flight, localPath string, err error) {
	if c.downloads[key] != f {
		return
	}
	c.endFlight(key, f)
	for _, w := range f.waiters {
		if err != nil {
			c.failWith(opDownload, key, w.start, err, w.fail)
			continue
		}
		c.succeed(opDownload, w.start)
		w.done(localPath)
	}
}

// detach returns a context that keeps the values of ctx but ends only with
// the coordinator.
func (c *Coordinator) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.life, cancel)
	return dctx, func() {
		stop()
		cancel()
	}
}

// Upload sends the content at source to the remote location of it.ID. On
// success the cached item takes the uploaded version; an identifier not yet
// cached is created from it. A failed upload leaves the cache untouched.
func (c *Coordinator) Upload(ctx context.Context, it item.Item, source string, progress *engine.Progress, done func(item.Item), fail func(error)) {
	c.upload(ctx, opUpload, it, source, progress, done, fail)
}

func (c *Coordinator) upload(ctx context.Context, op string, it item.Item, source string, progress *engine.Progress, done func(item.Item), fail func(error)) {
	start := time.Now()

	t, err := c.resolve(it.ID)
	if err == nil && (t.id.Container || t.id.IsRoot()) {
		err = ErrIsContainer
	}
	if err != nil {
		c.failWith(op, it.ID, start, err, fail)
		return
	}

	c.disp.Run(ctx, func(context.Context) {
		t.worker.Upload(ctx, t.id.Path, source, progress, func(res engine.UploadResult, err error) {
			if err != nil {
				opErr := opError(op, t.key, err)
				if opErr.Kind == KindConsistency {
					// The cache is left as it was, so this is not a consistency failure.
					opErr.Kind = KindEngine
				}
				c.failWith(op, t.key, start, opErr, fail)
				return
			}

			next, _ := c.cache.Update(t.key, func(cached item.Item, ok bool) (item.Item, bool) {
				if !ok {
					cached = newFileItem(t.key, it)
				}
				return cached.Uploaded(res), true
			})
			c.stats.Uploads.Add(1)
			c.succeed(op, start)
			done(next)
		})
	})
}

// Delete removes id remotely and, on success, from the cache together with
// any cached descendants. A failed delete leaves the cache untouched. An item
// already gone remotely counts as deleted.
func (c *Coordinator) Delete(ctx context.Context, id string, done func(), fail func(error)) {
	start := time.Now()

	t, err := c.resolve(id)
	if id == identifier.Root || (err == nil && t.id.IsRoot()) {
		err = ErrReadOnly
	}
	if err != nil {
		c.failWith(opDelete, id, start, err, fail)
		return
	}

	c.disp.Run(ctx, func(context.Context) {
		t.worker.Delete(ctx, t.id.Path, func(err error) {
			if err != nil && !errors.Is(err, engine.ErrNotFound) {
				c.failWith(opDelete, t.key, start, err, fail)
				return
			}
			removed := c.cache.DeleteTree(t.key)
			c.stats.Deletes.Add(1)
			logging.Debug("item deleted", logging.ItemID(t.key), zap.Int("cache_entries", removed))
			c.succeed(opDelete, start)
			done()
		})
	})
}

// CreateItem creates a new child of template.ParentID named template.Name.
// Folders are created with the worker's mkdir; files are uploaded from
// source.
func (c *Coordinator) CreateItem(ctx context.Context, template item.Item, source string, progress *engine.Progress, done func(item.Item), fail func(error)) {
	start := time.Now()

	if !validName(template.Name) {
		c.failWith(opCreate, template.ParentID, start, fmt.Errorf("%w: %q", ErrInvalidName, template.Name), fail)
		return
	}
	if template.ParentID == identifier.Root {
		c.failWith(opCreate, template.ParentID, start, ErrReadOnly, fail)
		return
	}
	parent, err := identifier.Parse(template.ParentID)
	if err != nil {
		c.failWith(opCreate, template.ParentID, start, err, fail)
		return
	}
	parent.Container = true
	parentKey := parent.String()
	id := identifier.NewChildIdentifier(parentKey, template.Name, template.IsContainer)

	if !template.IsContainer {
		template.ID = id
		template.ParentID = parentKey
		c.upload(ctx, opCreate, template, source, progress, func(it item.Item) {
			c.stats.FilesCreated.Add(1)
			done(it)
		}, fail)
		return
	}

	t, err := c.resolve(id)
	if err != nil {
		c.failWith(opCreate, id, start, err, fail)
		return
	}
	c.disp.Run(ctx, func(context.Context) {
		t.worker.CreateDirectory(ctx, t.id.Path, func(err error) {
			if err != nil {
				c.failWith(opCreate, t.key, start, err, fail)
				return
			}
			now := time.Now()
			created := item.Item{
				ID:          t.key,
				Name:        template.Name,
				ParentID:    parentKey,
				IsContainer: true,
				CreatedAt:   orNow(template.CreatedAt, now),
				ModifiedAt:  orNow(template.ModifiedAt, now),
				State:       item.MetadataKnown,
			}
			next := c.merge(created)
			c.stats.DirsCreated.Add(1)
			c.succeed(opCreate, start)
			done(next)
		})
	})
}

// LookupItem reports the item for id. A cached item is returned as is unless
// force is set; otherwise the worker is asked for fresh metadata. An item
// that no longer exists remotely is removed from the cache and reported as a
// consistency failure.
func (c *Coordinator) LookupItem(ctx context.Context, id string, force bool, done func(item.Item), fail func(error)) {
	start := time.Now()
	c.stats.Lookups.Add(1)

	if id == identifier.Root {
		c.disp.Run(ctx, func(context.Context) {
			c.succeed(opLookup, start)
			done(c.cache.Root())
		})
		return
	}

	t, err := c.resolve(id)
	if err != nil {
		c.failWith(opLookup, id, start, err, fail)
		return
	}

	c.disp.Run(ctx, func(context.Context) {
		if cached, ok := c.cache.Get(t.key); ok && !force {
			c.succeed(opLookup, start)
			done(cached)
			return
		}
		if t.id.IsRoot() {
			c.succeed(opLookup, start)
			done(c.merge(accountItem(t.account)))
			return
		}

		t.worker.Stat(ctx, t.id.Path, func(e engine.Entry, err error) {
			if err != nil {
				if errors.Is(err, engine.ErrNotFound) {
					c.cache.DeleteTree(t.key)
				}
				c.failWith(opLookup, t.key, start, err, fail)
				return
			}
			c.succeed(opLookup, start)
			done(c.merge(item.FromStat(t.key, e)))
		})
	})
}

// Item is the blocking form of LookupItem. Concurrent non-forced lookups of
// the same identifier share one request. It must not be called from the
// owning context.
func (c *Coordinator) Item(ctx context.Context, id string, force bool) (item.Item, error) {
	if c.disp.Owns(ctx) {
		return item.Item{}, dispatch.ErrReentrant
	}
	if force {
		return c.awaitLookup(ctx, id, true)
	}
	// The shared lookup outlives any single caller; each caller stops
	// waiting when its own context ends.
	ch := c.lookups.DoChan(id, func() (any, error) {
		lctx, cancel := c.detach(ctx)
		defer cancel()
		return c.awaitLookup(lctx, id, false)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return item.Item{}, r.Err
		}
		return r.Val.(item.Item), nil
	case <-ctx.Done():
		return item.Item{}, ctx.Err()
	}
}

func (c *Coordinator) awaitLookup(ctx context.Context, id string, force bool) (item.Item, error) {
	type result struct {
		it  item.Item
		err error
	}
	ch := make(chan result, 1)
	c.LookupItem(ctx, id, force,
		func(it item.Item) { ch <- result{it: it} },
		func(err error) { ch <- result{err: err} })

	select {
	case r := <-ch:
		return r.it, r.err
	case <-ctx.Done():
		return item.Item{}, ctx.Err()
	}
}

// Changed handles a remote change notification for remotePath in the account
// named by segment. A current local copy of the changed item becomes stale.
func (c *Coordinator) Changed(ctx context.Context, segment, remotePath string) {
	c.stats.RemoteChanges.Add(1)
	metrics.RecordRemoteChange(segment)

	c.disp.Run(ctx, func(context.Context) {
		rel := strings.Trim(remotePath, "/")
		if rel == "" {
			return
		}
		fileID := segment + "/" + rel
		for _, key := range []string{fileID, fileID + "/"} {
			c.transition(key, item.Item.Invalidated)
		}
		logging.Debug("remote change", logging.Account(segment), logging.RemotePath(remotePath))
	})
}

// merge stores fresh metadata, keeping the local-copy state of any cached
// entry, and returns the stored item.
func (c *Coordinator) merge(fresh item.Item) item.Item {
	next, _ := c.cache.Update(fresh.ID, func(cached item.Item, ok bool) (item.Item, bool) {
		if !ok {
			return fresh, true
		}
		return cached.Refreshed(fresh), true
	})
	return next
}

// transition applies fn to the cached entry for key, if there is one.
func (c *Coordinator) transition(key string, fn func(item.Item) item.Item) {
	c.cache.Update(key, func(cached item.Item, ok bool) (item.Item, bool) {
		if !ok {
			return cached, false
		}
		return fn(cached), true
	})
}

func (c *Coordinator) succeed(op string, start time.Time) {
	metrics.RecordOperation(op, "ok", time.Since(start))
}

func (c *Coordinator) failWith(op, id string, start time.Time, err error, fail func(error)) {
	opErr := opError(op, id, err)
	c.stats.Failures.Add(1)
	if opErr.Kind == KindCancelled {
		c.stats.Cancellations.Add(1)
	}
	metrics.RecordOperation(op, opErr.Kind.String(), time.Since(start))
	fields := []zap.Field{
		logging.Op(opErr.Op),
		logging.ItemID(opErr.ID),
		zap.Stringer("kind", opErr.Kind),
		zap.Error(opErr.Err),
	}
	if errors.Is(err, identifier.ErrMalformed) {
		logging.Warn("malformed identifier", fields...)
	} else {
		logging.Debug("operation failed", fields...)
	}
	fail(opErr)
}

func accountItem(acct accounts.Account) item.Item {
	segment := acct.Segment()
	return item.Item{
		ID:          segment + "/",
		Name:        segment,
		ParentID:    identifier.Root,
		IsContainer: true,
		State:       item.MetadataKnown,
	}
}

func newFileItem(id string, template item.Item) item.Item {
	now := time.Now()
	return item.Item{
		ID:         id,
		Name:       identifier.Name(id),
		ParentID:   identifier.Parent(id),
		CreatedAt:  orNow(template.CreatedAt, now),
		ModifiedAt: orNow(template.ModifiedAt, now),
		State:      item.MetadataKnown,
	}
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.Contains(name, "/")
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
