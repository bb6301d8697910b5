package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileprovider/internal/logging"
	"github.com/fruitsalade/fileprovider/internal/metrics"
)

// WorkerConfig holds configuration for an AsyncWorker.
type WorkerConfig struct {
	Name        string // account segment, used for logs and metrics
	Remote      Remote
	Poster      Poster
	Concurrency int // goroutines serving the job queue
	// OnChange receives remote change notifications on the owning context when
	// Remote implements Watcher.
	OnChange func(ctx context.Context, remotePath string)
}

// job is one queued Remote call. run performs the call and returns the
// completion to post; abort returns the completion for a job that never ran.
// ctx is the submitter's context.
type job struct {
	op    string
	ctx   context.Context
	run   func(ctx context.Context) func(ctx context.Context)
	abort func(err error) func(ctx context.Context)
}

// AsyncWorker runs Remote calls on its own goroutines and posts completions
// back through the Poster. It implements Worker and suture's Service.
type AsyncWorker struct {
	cfg WorkerConfig
	log *zap.Logger

	mu      sync.Mutex
	queue   []job
	stopped bool
	wake    chan struct{}
}

// NewAsyncWorker creates a worker. It does nothing until Serve runs.
func NewAsyncWorker(cfg WorkerConfig) *AsyncWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &AsyncWorker{
		cfg:  cfg,
		log:  logging.ForAccount(cfg.Name),
		wake: make(chan struct{}, 1),
	}
}

// SetChangeHandler installs the handler for remote change notifications.
// It must be called before Serve.
func (w *AsyncWorker) SetChangeHandler(fn func(ctx context.Context, remotePath string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg.OnChange = fn
}

// Name returns the account segment the worker serves.
func (w *AsyncWorker) Name() string {
	return w.cfg.Name
}

func (w *AsyncWorker) String() string {
	return "worker(" + w.cfg.Name + ")"
}

// Serve processes jobs until ctx is cancelled. Jobs still queued at shutdown
// complete with ErrStopped.
func (w *AsyncWorker) Serve(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = false
	onChange := w.cfg.OnChange
	w.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}

	if watcher, ok := w.cfg.Remote.(Watcher); ok && onChange != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.watch(ctx, watcher, onChange)
		}()
	}

	w.log.Info("engine worker started", zap.Int("concurrency", w.cfg.Concurrency))

	<-ctx.Done()
	wg.Wait()

	w.mu.Lock()
	w.stopped = true
	pending := w.queue
	w.queue = nil
	w.mu.Unlock()

	for _, j := range pending {
		w.fail(j, ErrStopped)
	}

	w.log.Info("engine worker stopped", zap.Int("dropped", len(pending)))
	return ctx.Err()
}

func (w *AsyncWorker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		j, ok := w.next()
		if !ok {
			select {
			case <-w.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		// Only one wake signal is buffered; pass it on while jobs remain.
		w.signal()
		if err := j.ctx.Err(); err != nil {
			w.fail(j, err)
			continue
		}
		runCtx, cancel := joinContext(ctx, j.ctx)
		next := j.run(runCtx)
		cancel()
		w.cfg.Poster.Post(next)
	}
}

// joinContext returns a context carrying the submitter's values that ends
// when either the submitter or the worker is done.
func joinContext(worker, submitter context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(submitter)
	stop := context.AfterFunc(worker, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (w *AsyncWorker) next() (job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return job{}, false
	}
	j := w.queue[0]
	w.queue[0] = job{}
	w.queue = w.queue[1:]
	return j, true
}

func (w *AsyncWorker) signal() {
	w.mu.Lock()
	pending := len(w.queue) > 0
	w.mu.Unlock()
	if !pending {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *AsyncWorker) submit(j job) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.fail(j, ErrStopped)
		return
	}
	w.queue = append(w.queue, j)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *AsyncWorker) fail(j job, err error) {
	metrics.RecordEngineOperation(w.cfg.Name, j.op, 0, err)
	w.cfg.Poster.Post(j.abort(err))
}

func (w *AsyncWorker) watch(ctx context.Context, watcher Watcher, onChange func(context.Context, string)) {
	notify := func(remotePath string) {
		w.cfg.Poster.Post(func(ctx context.Context) {
			onChange(ctx, remotePath)
		})
	}
	if err := watcher.Watch(ctx, notify); err != nil && ctx.Err() == nil {
		w.log.Error("change feed stopped", zap.Error(err))
	}
}

func (w *AsyncWorker) observe(op string, start time.Time, err error) {
	metrics.RecordEngineOperation(w.cfg.Name, op, time.Since(start), err)
	if err != nil {
		w.log.Debug("engine operation failed", logging.Op(op), zap.Error(err))
	}
}

// ListChildren implements Worker.
func (w *AsyncWorker) ListChildren(ctx context.Context, remotePath string, done func([]Entry, error)) {
	w.enqueue(ctx, job{
		op: "list",
		run: func(ctx context.Context) func(context.Context) {
			start := time.Now()
			entries, err := w.cfg.Remote.ListChildren(ctx, remotePath)
			w.observe("list", start, err)
			return func(context.Context) { done(entries, err) }
		},
		abort: func(err error) func(context.Context) {
			return func(context.Context) { done(nil, err) }
		},
	})
}

// Stat implements Worker.
func (w *AsyncWorker) Stat(ctx context.Context, remotePath string, done func(Entry, error)) {
	w.enqueue(ctx, job{
		op: "stat",
		run: func(ctx context.Context) func(context.Context) {
			start := time.Now()
			entry, err := w.cfg.Remote.Stat(ctx, remotePath)
			w.observe("stat", start, err)
			return func(context.Context) { done(entry, err) }
		},
		abort: func(err error) func(context.Context) {
			return func(context.Context) { done(Entry{}, err) }
		},
	})
}

// Download implements Worker. done receives localPath on success.
func (w *AsyncWorker) Download(ctx context.Context, remotePath, localPath string, progress *Progress, done func(string, error)) {
	w.enqueue(ctx, job{
		op: "download",
		run: func(ctx context.Context) func(context.Context) {
			start := time.Now()
			err := transfer(ctx, progress, func(ctx context.Context) error {
				return w.cfg.Remote.Download(ctx, remotePath, localPath, progress)
			})
			w.observe("download", start, err)
			if err != nil {
				return func(context.Context) { done("", err) }
			}
			metrics.RecordTransfer("download", progress.Completed())
			return func(context.Context) { done(localPath, nil) }
		},
		abort: func(err error) func(context.Context) {
			return func(context.Context) { done("", err) }
		},
	})
}

// Upload implements Worker.
func (w *AsyncWorker) Upload(ctx context.Context, remotePath, localPath string, progress *Progress, done func(UploadResult, error)) {
	w.enqueue(ctx, job{
		op: "upload",
		run: func(ctx context.Context) func(context.Context) {
			start := time.Now()
			var result UploadResult
			err := transfer(ctx, progress, func(ctx context.Context) error {
				var err error
				result, err = w.cfg.Remote.Upload(ctx, remotePath, localPath, progress)
				return err
			})
			w.observe("upload", start, err)
			if err == nil {
				metrics.RecordTransfer("upload", result.Size)
			}
			return func(context.Context) { done(result, err) }
		},
		abort: func(err error) func(context.Context) {
			return func(context.Context) { done(UploadResult{}, err) }
		},
	})
}

// Delete implements Worker.
func (w *AsyncWorker) Delete(ctx context.Context, remotePath string, done func(error)) {
	w.enqueue(ctx, job{
		op: "delete",
		run: func(ctx context.Context) func(context.Context) {
			start := time.Now()
			err := w.cfg.Remote.Delete(ctx, remotePath)
			w.observe("delete", start, err)
			return func(context.Context) { done(err) }
		},
		abort: func(err error) func(context.Context) {
			return func(context.Context) { done(err) }
		},
	})
}

// CreateDirectory implements Worker.
func (w *AsyncWorker) CreateDirectory(ctx context.Context, remotePath string, done func(error)) {
	w.enqueue(ctx, job{
		op: "mkdir",
		run: func(ctx context.Context) func(context.Context) {
			start := time.Now()
			err := w.cfg.Remote.CreateDirectory(ctx, remotePath)
			w.observe("mkdir", start, err)
			return func(context.Context) { done(err) }
		},
		abort: func(err error) func(context.Context) {
			return func(context.Context) { done(err) }
		},
	})
}

func (w *AsyncWorker) enqueue(ctx context.Context, j job) {
	if err := ctx.Err(); err != nil {
		w.fail(j, fmt.Errorf("submit %s: %w", j.op, err))
		return
	}
	j.ctx = ctx
	w.submit(j)
}

// transfer runs fn with a context that is cancelled when progress is, and
// reports ErrCancelled for a transfer that failed after cancellation.
func transfer(ctx context.Context, progress *Progress, fn func(ctx context.Context) error) error {
	if progress.Cancelled() {
		return ErrCancelled
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-progress.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := fn(ctx)
	if err != nil && progress.Cancelled() {
		return ErrCancelled
	}
	return err
}
