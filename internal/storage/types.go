package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config controls storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ActionEntry records one performed (or attempted) write action.
// Keep it compact and schema-stable.
type ActionEntry struct {
	At     time.Time
	Kind   string // create | update | delete
	Uri    string // AT-URI of the affected record, when applicable
	Points int    // points charged to the budget
	OK     bool
	Error  string
}

// Store is the minimal persistence API used by the executor.
type Store interface {
	AppendAction(ctx context.Context, e ActionEntry) error

	// PutReplied marks a mention URI as answered until the given time.
	PutReplied(ctx context.Context, uri string, until time.Time) error
	// WasReplied reports whether a mention URI was already answered
	// (and the marker has not expired).
	WasReplied(ctx context.Context, uri string) (bool, error)

	// PostsBefore returns AT-URIs of successful creates older than cutoff,
	// oldest first, for the prune job.
	PostsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	Close() error
}
