// Package registry maps account segments to the account record and the
// engine worker that serves it. A Registry is built once at startup and never
// changes afterwards, so lookups need no locking.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fruitsalade/fileprovider/internal/accounts"
	"github.com/fruitsalade/fileprovider/internal/engine"
	"github.com/fruitsalade/fileprovider/internal/identifier"
)

// ErrUnknownAccount is returned for identifiers whose account segment has no
// registered worker.
var ErrUnknownAccount = errors.New("unknown account")

// Binding pairs an account with its worker.
type Binding struct {
	Account accounts.Account
	Worker  engine.Worker
}

// Registry is an immutable account-segment lookup table.
type Registry struct {
	bindings map[string]Binding
	order    []string
}

// New builds a registry. Duplicate segments and bindings without a worker
// are rejected.
func New(bindings []Binding) (*Registry, error) {
	r := &Registry{bindings: make(map[string]Binding, len(bindings))}
	for _, b := range bindings {
		segment := b.Account.Segment()
		if segment == "" {
			return nil, fmt.Errorf("registry: account has no username or hostname")
		}
		if b.Worker == nil {
			return nil, fmt.Errorf("registry: no worker for %s", segment)
		}
		if _, dup := r.bindings[segment]; dup {
			return nil, fmt.Errorf("registry: duplicate account %s", segment)
		}
		r.bindings[segment] = b
		r.order = append(r.order, segment)
	}
	sort.Strings(r.order)
	return r, nil
}

func (r *Registry) lookup(id string) (Binding, error) {
	parsed, err := identifier.Parse(id)
	if err != nil {
		return Binding{}, err
	}
	b, ok := r.bindings[parsed.Account]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrUnknownAccount, parsed.Account)
	}
	return b, nil
}

// WorkerFor returns the worker serving the account named by id.
func (r *Registry) WorkerFor(id string) (engine.Worker, error) {
	b, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return b.Worker, nil
}

// AccountFor returns the account named by id.
func (r *Registry) AccountFor(id string) (accounts.Account, error) {
	b, err := r.lookup(id)
	if err != nil {
		return accounts.Account{}, err
	}
	return b.Account, nil
}

// Accounts returns every registered account ordered by segment.
func (r *Registry) Accounts() []accounts.Account {
	list := make([]accounts.Account, 0, len(r.order))
	for _, segment := range r.order {
		list = append(list, r.bindings[segment].Account)
	}
	return list
}

// Workers returns every registered worker ordered by account segment.
func (r *Registry) Workers() []engine.Worker {
	list := make([]engine.Worker, 0, len(r.order))
	for _, segment := range r.order {
		list = append(list, r.bindings[segment].Worker)
	}
	return list
}

// Len returns the number of registered accounts.
func (r *Registry) Len() int {
	return len(r.order)
}
