package mirror

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pagesync/pagesync/internal/core/observability/log"
	"github.com/pagesync/pagesync/internal/core/store"
)

// WatcherState is the lifecycle of a change feed watcher.
type WatcherState uint32

const (
	WatcherIdle WatcherState = iota
	WatcherWatching
	WatcherCancelled
	WatcherFailed
)

func (s WatcherState) String() string {
	switch s {
	case WatcherIdle:
		return "idle"
	case WatcherWatching:
		return "watching"
	case WatcherCancelled:
		return "cancelled"
	case WatcherFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sink receives the classified events of one table's change feed. All calls
// are made from the watcher's single goroutine, so ordering within one
// stream is preserved end to end.
type Sink[E any] interface {
	// ApplyPut applies a put of item under row.
	ApplyPut(row string, item E)

	// ApplyDelete applies a delete of row.
	ApplyDelete(row string)

	// WatchFailed reports that the feed terminated for a reason other than
	// cancellation. The watcher does not reconnect; the owner must create
	// a new one if it wants to resume.
	WatchFailed(err error)
}

// Watcher tails one table's change feed from a resume marker and routes each
// event to a Sink. A decode failure drops the single offending event and the
// stream continues.
type Watcher[E any] struct {
	table  store.Table
	decode DecodeFunc[E]
	logger log.Log

	state  atomic.Uint32
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewWatcher[E any](table store.Table, decode DecodeFunc[E], logger log.Log) *Watcher[E] {
	if logger == nil {
		logger = log.Nop()
	}
	return &Watcher[E]{
		table:  table,
		decode: decode,
		logger: logger.With(log.String("table", table.Name())),
		done:   make(chan struct{}),
	}
}

// State returns the watcher's current lifecycle state.
func (w *Watcher[E]) State() WatcherState {
	return WatcherState(w.state.Load())
}

// Start opens the feed at from and begins routing events to sink on a
// dedicated goroutine. It may be called once.
func (w *Watcher[E]) Start(ctx context.Context, from store.ResumeMarker, sink Sink[E]) error {
	ctx, cancel := context.WithCancel(ctx)

	ch, err := w.table.Watch(ctx, from)
	if err != nil {
		cancel()
		w.state.Store(uint32(WatcherFailed))
		return err
	}

	w.cancel = cancel
	w.state.Store(uint32(WatcherWatching))
	w.logger.Debug("watching for changes")

	go w.run(ctx, ch, sink)
	return nil
}

// Cancel stops the watch promptly. An event whose delivery already started
// completes; no further events are routed. Safe to call more than once.
func (w *Watcher[E]) Cancel() {
	w.once.Do(func() {
		if w.cancel != nil {
			w.state.Store(uint32(WatcherCancelled))
			w.cancel()
		}
	})
}

// Done is closed when the watcher's goroutine has exited.
func (w *Watcher[E]) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher[E]) run(ctx context.Context, ch <-chan store.ChangeEvent, sink Sink[E]) {
	defer close(w.done)

	for ev := range ch {
		if ctx.Err() != nil {
			return
		}

		switch ev.Kind {
		case store.PutChange:
			item, err := w.decode(ev.Value)
			if err != nil {
				derr := &store.DecodeError{Table: ev.Table, Row: ev.Row, Err: err}
				w.logger.Warn("dropping undecodable change event", log.Error(derr))
				continue
			}
			sink.ApplyPut(ev.Row, item)

		case store.DeleteChange:
			sink.ApplyDelete(ev.Row)

		default:
			w.logger.Warn("unknown change kind", log.String("row", ev.Row))
		}
	}

	// The channel closed under us. Cancellation is the expected way for a
	// watch to end; anything else is a feed failure the owner must know
	// about. There is deliberately no automatic reconnect.
	if ctx.Err() != nil {
		w.state.Store(uint32(WatcherCancelled))
		return
	}
	w.state.Store(uint32(WatcherFailed))
	w.logger.Error("watch stream terminated", log.Error(store.ErrUnavailable))
	sink.WatchFailed(store.ErrUnavailable)
}
