// Package mirror keeps in-memory, incrementally updated copies of replicated
// tables. A List is populated by a consistent snapshot and then kept current
// by a Watcher tailing the table's change feed from the snapshot's resume
// marker, the classic "catch up, then tail" pattern. The list raises
// positional change notifications to at most one listener.
package mirror

import "errors"

var (
	// ErrListenerSet reports a second SetListener call without clearing
	// the first listener.
	ErrListenerSet = errors.New("mirror: listener already set")

	// ErrDiscarded reports use of a list after Discard.
	ErrDiscarded = errors.New("mirror: list discarded")
)

// Listener receives positional change notifications from a List. All
// callbacks are delivered on the list's single apply goroutine, in the order
// the corresponding changes arrived on the watch stream.
type Listener interface {
	ItemInserted(position int)
	ItemChanged(position int)
	ItemRemoved(position int)
}

// DecodeFunc decodes one stored value into an entity.
type DecodeFunc[E any] func([]byte) (E, error)

// IDFunc extracts an entity's identity, which equals its row key.
type IDFunc[E any] func(E) string
