package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagesync/pagesync/internal/core/store"
)

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	defer s.Close()
	tbl := s.Table("files")

	require.NoError(t, tbl.Put(ctx, "a", []byte("one")))

	got, err := tbl.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)

	_, err = tbl.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, tbl.Delete(ctx, "a"))
	_, err = tbl.Get(ctx, "a")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Deleting a missing row is not an error.
	require.NoError(t, tbl.Delete(ctx, "a"))
}

func TestScanRange(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	defer s.Close()
	tbl := s.Table("files")

	for _, k := range []string{"c", "a", "b", "d"} {
		require.NoError(t, tbl.Put(ctx, k, []byte(k)))
	}

	rows, err := tbl.Scan(ctx, "b", "d")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "b", rows[0].Key)
	require.Equal(t, "c", rows[1].Key)

	// Empty end scans to the end of the table.
	rows, err = tbl.Scan(ctx, "c", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "c", rows[0].Key)
	require.Equal(t, "d", rows[1].Key)
}

func TestSnapshotMarkerIsExact(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	defer s.Close()
	tbl := s.Table("files")

	require.NoError(t, tbl.Put(ctx, "a", []byte("1")))
	require.NoError(t, tbl.Put(ctx, "b", []byte("2")))

	rows, marker, err := tbl.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// A write after the snapshot must be the first event delivered when
	// resuming from the snapshot's marker.
	require.NoError(t, tbl.Put(ctx, "c", []byte("3")))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := tbl.Watch(ctx, marker)
	require.NoError(t, err)

	ev := recvEvent(t, events)
	require.Equal(t, "c", ev.Row)
	require.Equal(t, store.PutChange, ev.Kind)
}

func TestWatchDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(nil)
	defer s.Close()
	tbl := s.Table("files")

	events, err := tbl.Watch(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, tbl.Put(ctx, "a", []byte("1")))
	require.NoError(t, tbl.Put(ctx, "a", []byte("2")))
	require.NoError(t, tbl.Delete(ctx, "a"))

	ev := recvEvent(t, events)
	require.Equal(t, store.PutChange, ev.Kind)
	require.Equal(t, []byte("1"), ev.Value)

	ev = recvEvent(t, events)
	require.Equal(t, store.PutChange, ev.Kind)
	require.Equal(t, []byte("2"), ev.Value)

	ev = recvEvent(t, events)
	require.Equal(t, store.DeleteChange, ev.Kind)
	require.Equal(t, "a", ev.Row)
}

func TestWatchResumeReplaysRetainedLog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(nil)
	defer s.Close()
	tbl := s.Table("files")

	require.NoError(t, tbl.Put(ctx, "a", []byte("1")))
	require.NoError(t, tbl.Put(ctx, "b", []byte("2")))

	// A nil marker starts from the beginning of the log.
	events, err := tbl.Watch(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, "a", recvEvent(t, events).Row)
	require.Equal(t, "b", recvEvent(t, events).Row)
}

func TestWatchRejectsFutureMarker(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	defer s.Close()
	tbl := s.Table("files")

	_, err := tbl.Watch(ctx, store.MarkerFromSeq(42))
	require.ErrorIs(t, err, store.ErrBadResumeMarker)

	_, err = tbl.Watch(ctx, []byte("bogus"))
	require.ErrorIs(t, err, store.ErrBadResumeMarker)
}

func TestWatchCancelClosesChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(nil)
	defer s.Close()
	tbl := s.Table("files")

	events, err := tbl.Watch(ctx, nil)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-events:
		require.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestWatchCarriesOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(nil)
	defer s.Close()
	tbl := s.Table("files")

	events, err := tbl.Watch(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, tbl.Put(store.WithOrigin(ctx, "tablet"), "a", []byte("1")))
	require.Equal(t, "tablet", recvEvent(t, events).Origin)
}

func TestTablesAreIndependent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(nil)
	defer s.Close()

	events, err := s.Table("files").Watch(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, s.Table("devices").Put(ctx, "d1", []byte("x")))
	require.NoError(t, s.Table("files").Put(ctx, "f1", []byte("y")))

	require.Equal(t, "f1", recvEvent(t, events).Row)
}

func recvEvent(t *testing.T, events <-chan store.ChangeEvent) store.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("watch channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return store.ChangeEvent{}
}
