package mirror

import (
	"context"
	"sync"

	"github.com/pagesync/pagesync/internal/core/observability/log"
	"github.com/pagesync/pagesync/internal/core/store"
)

// List is a mirrored list: an ordered in-memory copy of one table, seeded by
// a snapshot and kept current by a change feed watcher. Items keep snapshot
// scan order; new rows are appended in commit order.
//
// Accessors are safe from any goroutine. Mutations and listener callbacks
// happen only on the watcher's goroutine.
type List[E any] struct {
	id     IDFunc[E]
	logger log.Log

	mu        sync.RWMutex
	items     []E
	listener  Listener
	err       error
	discarded bool

	watcher *Watcher[E]
}

var _ Sink[struct{}] = (*List[struct{}])(nil)

// Open snapshots the table and starts tailing its change feed. The list owns
// the watch; Discard releases it. Tables here are human-collaboration scale,
// so id lookup stays linear.
func Open[E any](ctx context.Context, table store.Table, decode DecodeFunc[E], id IDFunc[E], logger log.Log) (*List[E], error) {
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.With(log.String("table", table.Name()))

	items, marker, err := NewSnapshotReader[E](decode, logger).Read(ctx, table)
	if err != nil {
		return nil, err
	}

	l := &List[E]{
		id:      id,
		logger:  logger,
		items:   items,
		watcher: NewWatcher[E](table, decode, logger),
	}

	if err := l.watcher.Start(ctx, marker, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Count returns the number of mirrored items.
func (l *List[E]) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// ItemAt returns the item at the given 0-based position. Positions follow
// snapshot order plus append order of later inserts; an out-of-range
// position panics, as with any slice index.
func (l *List[E]) ItemAt(position int) E {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.items[position]
}

// ItemByID returns the item with the given id and true, or a zero value and
// false if no such item is mirrored.
func (l *List[E]) ItemByID(id string) (E, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, item := range l.items {
		if l.id(item) == id {
			return item, true
		}
	}
	var zero E
	return zero, false
}

// SetListener subscribes l's single listener slot. Setting a second listener
// without clearing the first (SetListener(nil)) is a programming error and
// returns ErrListenerSet.
func (l *List[E]) SetListener(listener Listener) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.discarded {
		return ErrDiscarded
	}
	if l.listener != nil && listener != nil {
		return ErrListenerSet
	}
	l.listener = listener
	return nil
}

// Err reports why this list's feed stopped: store.ErrWatchCanceled after
// Discard, the watch failure otherwise, nil while the feed is live. A list
// whose Err is non-nil no longer updates; the owner must open a new list to
// resume mirroring.
func (l *List[E]) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Discard cancels the underlying watch and stops all notifications. It is
// idempotent.
func (l *List[E]) Discard() {
	l.mu.Lock()
	if l.discarded {
		l.mu.Unlock()
		return
	}
	l.discarded = true
	l.listener = nil
	if l.err == nil {
		l.err = store.ErrWatchCanceled
	}
	l.mu.Unlock()

	l.logger.Debug("discarding mirrored list, cancelling watch")
	l.watcher.Cancel()
}

// ApplyPut implements Sink. A put for a known row replaces it in place and
// raises ItemChanged; a new row is appended and raises ItemInserted.
func (l *List[E]) ApplyPut(row string, item E) {
	l.mu.Lock()
	if l.discarded {
		l.mu.Unlock()
		return
	}

	for i := range l.items {
		if l.id(l.items[i]) == row {
			l.items[i] = item
			listener := l.listener
			l.mu.Unlock()
			if listener != nil {
				listener.ItemChanged(i)
			}
			return
		}
	}

	l.items = append(l.items, item)
	position := len(l.items) - 1
	listener := l.listener
	l.mu.Unlock()
	if listener != nil {
		listener.ItemInserted(position)
	}
}

// ApplyDelete implements Sink. It removes the first item whose id matches
// the row and raises ItemRemoved. A delete with no matching item is logged
// and otherwise ignored.
func (l *List[E]) ApplyDelete(row string) {
	l.mu.Lock()
	if l.discarded {
		l.mu.Unlock()
		return
	}

	for i := range l.items {
		if l.id(l.items[i]) == row {
			l.items = append(l.items[:i], l.items[i+1:]...)
			listener := l.listener
			l.mu.Unlock()
			if listener != nil {
				listener.ItemRemoved(i)
			}
			return
		}
	}
	l.mu.Unlock()

	l.logger.Warn("delete event with no matching item", log.String("row", row))
}

// WatchFailed implements Sink. A feed that was already discarded keeps its
// cancellation error.
func (l *List[E]) WatchFailed(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
}
