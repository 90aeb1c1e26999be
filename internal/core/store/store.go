// Package store defines the replicated table contract shared by every
// backend: an eventually consistent key-value table with a change feed that
// can be resumed from an opaque marker.
package store

import (
	"context"
)

// ResumeMarker is an opaque cursor into a table's change log. A watch opened
// with a marker delivers exactly the changes committed after that point.
// Markers are only meaningful to the backend that issued them.
type ResumeMarker []byte

// ChangeKind classifies a change feed event.
type ChangeKind uint8

const (
	PutChange ChangeKind = iota
	DeleteChange
)

func (k ChangeKind) String() string {
	switch k {
	case PutChange:
		return "put"
	case DeleteChange:
		return "delete"
	default:
		return "unknown"
	}
}

// ChangeEvent is a single entry of a table's change feed. Value is nil for
// deletes. FromRemote reports whether the change originated on a peer rather
// than through this handle's own writes.
type ChangeEvent struct {
	Table      string
	Row        string
	Kind       ChangeKind
	Value      []byte
	FromRemote bool
	Resume     ResumeMarker

	// Origin identifies the writer that committed the change, when the
	// backend was asked to track it (see WithOrigin). The gateway uses it
	// to set FromRemote on the events it forwards.
	Origin string
}

// KeyValue is one row of a scan or snapshot result.
type KeyValue struct {
	Key   string
	Value []byte
}

// Table is a handle to one replicated key-value table.
//
// Operations never span multiple keys atomically. Writes are resolved
// last-writer-wins across peers; conflict detection is deliberately absent.
type Table interface {
	// Name returns the table name within its store.
	Name() string

	// Put writes value under key, creating or replacing the row.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the row's value, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the row. Deleting a missing row is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns the rows whose keys fall in [start, end), in key order.
	// An empty end means "to the end of the table".
	Scan(ctx context.Context, start, end string) ([]KeyValue, error)

	// Snapshot returns all rows in key order together with a resume marker
	// that corresponds exactly to the scanned state: a watch opened at the
	// marker neither misses nor repeats any change visible in the scan.
	Snapshot(ctx context.Context) ([]KeyValue, ResumeMarker, error)

	// Watch opens the table's change feed from the given marker. A nil
	// marker starts at the beginning of the retained log. The returned
	// channel delivers events in store-assigned commit order and is closed
	// when ctx is cancelled or the feed fails.
	Watch(ctx context.Context, from ResumeMarker) (<-chan ChangeEvent, error)
}

// Store is a set of named tables backed by one storage engine.
type Store interface {
	// Table returns the handle for the named table, creating it on first use.
	Table(name string) Table

	// Close releases the store. Open watches are terminated.
	Close() error
}
