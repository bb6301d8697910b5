// Package engine defines the contract between the bridge and the remote-sync
// engine, and the per-account worker that runs engine calls off the owning
// context.
package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is reported when the remote path does not exist.
	ErrNotFound = errors.New("remote item not found")

	// ErrCancelled is reported when a transfer was cancelled through its Progress.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrStopped is reported for jobs submitted after the worker shut down.
	ErrStopped = errors.New("worker stopped")
)

// Entry is one remote filesystem entry as reported by the engine.
type Entry struct {
	Name        string    `json:"name"`
	IsContainer bool      `json:"is_dir"`
	Size        int64     `json:"size"`
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"mtime"`
}

// UploadResult describes remote content after a successful upload.
type UploadResult struct {
	Version    string    `json:"version"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"mtime"`
}

// Remote performs blocking I/O against one account's server.
type Remote interface {
	ListChildren(ctx context.Context, remotePath string) ([]Entry, error)
	Stat(ctx context.Context, remotePath string) (Entry, error)
	Download(ctx context.Context, remotePath, localPath string, progress *Progress) error
	Upload(ctx context.Context, remotePath, localPath string, progress *Progress) (UploadResult, error)
	Delete(ctx context.Context, remotePath string) error
	CreateDirectory(ctx context.Context, remotePath string) error
}

// Watcher is implemented by remotes that can report remote changes. notify
// receives remote paths; Watch blocks until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, notify func(remotePath string)) error
}

// Worker is the asynchronous, per-account handle into the engine. Every
// completion callback is delivered on the owning context.
type Worker interface {
	ListChildren(ctx context.Context, remotePath string, done func([]Entry, error))
	Stat(ctx context.Context, remotePath string, done func(Entry, error))
	Download(ctx context.Context, remotePath, localPath string, progress *Progress, done func(string, error))
	Upload(ctx context.Context, remotePath, localPath string, progress *Progress, done func(UploadResult, error))
	Delete(ctx context.Context, remotePath string, done func(error))
	CreateDirectory(ctx context.Context, remotePath string, done func(error))
}

// Poster marshals a completion onto the owning context.
type Poster interface {
	Post(fn func(ctx context.Context))
}
