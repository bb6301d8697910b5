// Package dispatch provides the owning execution context: a single goroutine
// that runs queued tasks one at a time, in arrival order.
//
// Code already running on the loop calls back into it inline; everything else
// is queued. Tasks receive a context that identifies the loop, which is how
// Run tells the two cases apart.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileprovider/internal/logging"
	"github.com/fruitsalade/fileprovider/internal/metrics"
)

var (
	// ErrReentrant is returned by Call when invoked from the loop itself,
	// where waiting would deadlock.
	ErrReentrant = errors.New("dispatch: blocking call from the owning context")

	// ErrStopped is returned by Call when the loop shuts down before the task ran.
	ErrStopped = errors.New("dispatch: loop stopped")
)

type ownerKey struct{}

// Loop is a single-goroutine task queue. It implements suture's Service.
type Loop struct {
	name string

	mu      sync.Mutex
	queue   []func(ctx context.Context)
	serving bool
	stopped chan struct{}
	wake    chan struct{}
}

// New creates a loop. Tasks queue up until Serve runs.
func New(name string) *Loop {
	return &Loop{
		name:    name,
		stopped: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

func (l *Loop) String() string {
	return "dispatch(" + l.name + ")"
}

// Owns reports whether ctx was issued by this loop, meaning the caller is
// running on the owning context.
func (l *Loop) Owns(ctx context.Context) bool {
	owner, _ := ctx.Value(ownerKey{}).(*Loop)
	return owner == l
}

// Run executes fn inline when ctx belongs to the loop; otherwise it queues fn
// and returns immediately.
func (l *Loop) Run(ctx context.Context, fn func(ctx context.Context)) {
	if l.Owns(ctx) {
		fn(ctx)
		return
	}
	l.Post(fn)
}

// Post queues fn unconditionally. Engine completions use it.
func (l *Loop) Post(fn func(ctx context.Context)) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	depth := len(l.queue)
	l.mu.Unlock()

	metrics.SetDispatchQueueDepth(depth)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call queues fn and waits for it to finish. It must not be used from the loop.
func (l *Loop) Call(ctx context.Context, fn func(ctx context.Context)) error {
	if l.Owns(ctx) {
		return ErrReentrant
	}

	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()

	done := make(chan struct{})
	l.Post(func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrStopped
	}
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Serve runs queued tasks until ctx is cancelled. Tasks still queued at that
// point are kept for the next Serve.
func (l *Loop) Serve(ctx context.Context) error {
	l.mu.Lock()
	if l.serving {
		l.mu.Unlock()
		return fmt.Errorf("%s: already serving", l)
	}
	l.serving = true
	select {
	case <-l.stopped:
		l.stopped = make(chan struct{})
	default:
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.serving = false
		close(l.stopped)
		pending := len(l.queue)
		l.mu.Unlock()
		if pending > 0 {
			logging.Warn("dispatch loop stopped with queued tasks",
				zap.String("loop", l.name), zap.Int("pending", pending))
		}
	}()

	loopCtx := context.WithValue(ctx, ownerKey{}, l)
	for {
		fn, ok := l.next()
		if !ok {
			select {
			case <-l.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		l.exec(loopCtx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (l *Loop) next() (func(context.Context), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	metrics.SetDispatchQueueDepth(len(l.queue))
	return fn, true
}

func (l *Loop) exec(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("dispatch task panicked",
				zap.String("loop", l.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn(ctx)
}
