// Package memory provides an in-process store backend. Every table keeps its
// rows in a map and its full change history in an append-only log; watches
// are cursors into that log. It backs unit tests and single-process use, and
// is the reference behavior for the other backends.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pagesync/pagesync/internal/core/observability/log"
	"github.com/pagesync/pagesync/internal/core/store"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory multi-table store.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
	closed bool
	logger log.Log
}

// New creates an empty store. A nil logger is replaced with a no-op one.
func New(logger log.Log) *Store {
	if logger == nil {
		logger = log.Nop()
	}
	return &Store{
		tables: make(map[string]*table),
		logger: logger,
	}
}

// Table returns the named table, creating it on first use.
func (s *Store) Table(name string) store.Table {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		t = newTable(name, s.logger.With(log.String("table", name)))
		s.tables[name] = t
	}
	return t
}

// Close terminates the store and every open watch.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for _, t := range s.tables {
		t.close()
	}
	return nil
}

type table struct {
	name   string
	logger log.Log

	mu      sync.Mutex
	cond    *sync.Cond
	rows    map[string][]byte
	changes []store.ChangeEvent // commit log; seq of changes[i] is i+1
	closed  bool
}

func newTable(name string, logger log.Log) *table {
	t := &table{
		name:   name,
		logger: logger,
		rows:   make(map[string][]byte),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *table) Name() string {
	return t.name
}

func (t *table) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return store.ErrClosed
	}

	v := make([]byte, len(value))
	copy(v, value)
	t.rows[key] = v
	t.appendLocked(store.ChangeEvent{
		Table:      t.name,
		Row:        key,
		Kind:       store.PutChange,
		Value:      v,
		FromRemote: false,
		Origin:     store.OriginFromContext(ctx),
	})
	return nil
}

func (t *table) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, store.ErrClosed
	}
	v, ok := t.rows[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *table) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return store.ErrClosed
	}
	if _, ok := t.rows[key]; !ok {
		// Deleting a missing row is a non-fatal no-op.
		t.logger.Debug("delete of missing row", log.String("row", key))
		return nil
	}
	delete(t.rows, key)
	t.appendLocked(store.ChangeEvent{
		Table:  t.name,
		Row:    key,
		Kind:   store.DeleteChange,
		Origin: store.OriginFromContext(ctx),
	})
	return nil
}

func (t *table) Scan(ctx context.Context, start, end string) ([]store.KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, store.ErrClosed
	}
	return t.scanLocked(start, end), nil
}

func (t *table) Snapshot(ctx context.Context) ([]store.KeyValue, store.ResumeMarker, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, nil, store.ErrClosed
	}

	// Rows and marker are read under one critical section, so the marker
	// corresponds exactly to the scanned state.
	items := t.scanLocked("", "")
	marker := store.MarkerFromSeq(uint64(len(t.changes)))
	return items, marker, nil
}

func (t *table) Watch(ctx context.Context, from store.ResumeMarker) (<-chan store.ChangeEvent, error) {
	seq, err := store.SeqFromMarker(from)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, store.ErrClosed
	}
	if seq > uint64(len(t.changes)) {
		t.mu.Unlock()
		return nil, store.ErrBadResumeMarker
	}
	t.mu.Unlock()

	// Wake the log cursor when the watch context ends.
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})

	ch := make(chan store.ChangeEvent, 16)
	go func() {
		defer close(ch)
		defer stop()

		next := int(seq)
		for {
			t.mu.Lock()
			for next >= len(t.changes) && !t.closed && ctx.Err() == nil {
				t.cond.Wait()
			}
			if t.closed || ctx.Err() != nil {
				t.mu.Unlock()
				return
			}
			ev := t.changes[next]
			t.mu.Unlock()
			next++

			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// appendLocked assigns the next commit sequence and wakes watchers.
func (t *table) appendLocked(ev store.ChangeEvent) {
	ev.Resume = store.MarkerFromSeq(uint64(len(t.changes) + 1))
	t.changes = append(t.changes, ev)
	t.cond.Broadcast()
}

func (t *table) scanLocked(start, end string) []store.KeyValue {
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		if k < start {
			continue
		}
		if end != "" && k >= end {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]store.KeyValue, 0, len(keys))
	for _, k := range keys {
		v := t.rows[k]
		out := make([]byte, len(v))
		copy(out, v)
		items = append(items, store.KeyValue{Key: k, Value: out})
	}
	return items
}

func (t *table) close() {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
}
