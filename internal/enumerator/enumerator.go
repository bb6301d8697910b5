// Package enumerator answers one host enumeration request for a container:
// it lists the container through the coordinator and reports the items with
// the next anchor. An Enumerator runs once; the host creates a new one per
// request.
package enumerator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fruitsalade/fileprovider/internal/coordinator"
	"github.com/fruitsalade/fileprovider/internal/item"
)

// ErrAlreadyStarted is returned by a second call to Enumerate.
var ErrAlreadyStarted = errors.New("enumerator: already started")

// Lister lists a container. *coordinator.Coordinator implements it.
type Lister interface {
	ListChildren(ctx context.Context, id string, out *coordinator.Listing, done func(), fail func(error))
}

// Observer receives the outcome of an enumeration. DidEnumerate may be called
// before FinishEnumeratingWithError when a listing failed part way through.
// Exactly one of the Finish methods is called.
type Observer interface {
	DidEnumerate(items []item.Item)
	FinishEnumerating(next Anchor)
	FinishEnumeratingWithError(err error)
}

// Enumerator lists one container from a starting anchor.
type Enumerator struct {
	lister    Lister
	container string
	started   atomic.Bool

	mu     sync.Mutex
	anchor Anchor
}

// New creates an enumerator for containerID. An anchor issued for another
// container is treated as the zero anchor.
func New(lister Lister, containerID string, anchor Anchor) *Enumerator {
	if anchor.Container != containerID {
		anchor = Anchor{Container: containerID}
	}
	return &Enumerator{lister: lister, container: containerID, anchor: anchor}
}

// Container returns the enumerated container identifier.
func (e *Enumerator) Container() string {
	return e.container
}

// CurrentAnchor returns the starting anchor, or the anchor reported by a
// successful enumeration.
func (e *Enumerator) CurrentAnchor() Anchor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.anchor
}

// Enumerate starts the listing and reports to obs. It returns
// ErrAlreadyStarted when called more than once.
func (e *Enumerator) Enumerate(ctx context.Context, obs Observer) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	out := &coordinator.Listing{}
	e.lister.ListChildren(ctx, e.container, out,
		func() {
			e.mu.Lock()
			e.anchor = e.anchor.Next()
			next := e.anchor
			e.mu.Unlock()

			if items := out.Items(); len(items) > 0 {
				obs.DidEnumerate(items)
			}
			obs.FinishEnumerating(next)
		},
		func(err error) {
			if items := out.Items(); len(items) > 0 {
				obs.DidEnumerate(items)
			}
			obs.FinishEnumeratingWithError(err)
		})
	return nil
}

// Result is the collected outcome of an enumeration.
type Result struct {
	Items  []item.Item
	Anchor Anchor
	Err    error
}

type collector struct {
	items []item.Item
	done  chan Result
}

func (c *collector) DidEnumerate(items []item.Item) {
	c.items = append(c.items, items...)
}

func (c *collector) FinishEnumerating(next Anchor) {
	c.done <- Result{Items: c.items, Anchor: next}
}

func (c *collector) FinishEnumeratingWithError(err error) {
	c.done <- Result{Items: c.items, Err: err}
}

// Collect runs e and waits for its outcome. Items delivered before a failure
// are included in the result.
func Collect(ctx context.Context, e *Enumerator) (Result, error) {
	c := &collector{done: make(chan Result, 1)}
	if err := e.Enumerate(ctx, c); err != nil {
		return Result{}, err
	}
	select {
	case r := <-c.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
