package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/fruitsalade/fileprovider/internal/engine"
	"github.com/fruitsalade/fileprovider/internal/identifier"
	"github.com/fruitsalade/fileprovider/internal/registry"
)

var (
	// ErrIsContainer is returned when a content operation targets a container.
	ErrIsContainer = errors.New("identifier names a container")

	// ErrNotContainer is returned when a listing targets a file.
	ErrNotContainer = errors.New("identifier does not name a container")

	// ErrInvalidName is returned for entry names that cannot form a single
	// identifier segment.
	ErrInvalidName = errors.New("invalid entry name")

	// ErrReadOnly is returned when deleting the root or an account root.
	ErrReadOnly = errors.New("item cannot be modified")

	// ErrClosed is returned for operations started after Close.
	ErrClosed = errors.New("coordinator closed")
)

// Kind classifies a failure for the host.
type Kind int

const (
	// KindEngine covers network and remote failures reported by a worker.
	KindEngine Kind = iota
	// KindIdentity covers malformed identifiers and unknown accounts. These
	// fail before any engine call.
	KindIdentity
	// KindConsistency means a cached item no longer exists remotely; the
	// cache entry has been removed.
	KindConsistency
	// KindCancelled means the caller cancelled the operation.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindEngine:
		return "engine"
	case KindIdentity:
		return "identity"
	case KindConsistency:
		return "consistency"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// OpError is the error passed to every failure continuation.
type OpError struct {
	Op   string
	ID   string
	Kind Kind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.ID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err.
func KindOf(err error) Kind {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, identifier.ErrMalformed),
		errors.Is(err, registry.ErrUnknownAccount),
		errors.Is(err, ErrIsContainer),
		errors.Is(err, ErrNotContainer),
		errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrReadOnly):
		return KindIdentity
	case errors.Is(err, engine.ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, engine.ErrNotFound):
		return KindConsistency
	default:
		return KindEngine
	}
}

func opError(op, id string, err error) *OpError {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr
	}
	return &OpError{Op: op, ID: id, Kind: classify(err), Err: err}
}
