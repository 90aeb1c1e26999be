package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagesync/pagesync/internal/core/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	tbl := s.Table("files")

	require.NoError(t, tbl.Put(ctx, "a", []byte("one")))
	require.NoError(t, tbl.Put(ctx, "a", []byte("two")))

	got, err := tbl.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), got)

	_, err = tbl.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, tbl.Delete(ctx, "a"))
	_, err = tbl.Get(ctx, "a")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, tbl.Delete(ctx, "a"))
}

func TestScanRange(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	tbl := s.Table("files")

	for _, k := range []string{"c", "a", "b", "d"} {
		require.NoError(t, tbl.Put(ctx, k, []byte(k)))
	}

	rows, err := tbl.Scan(ctx, "b", "d")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "b", rows[0].Key)
	require.Equal(t, "c", rows[1].Key)

	rows, err = tbl.Scan(ctx, "c", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "d", rows[1].Key)
}

func TestSnapshotThenWatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	tbl := s.Table("files")

	require.NoError(t, tbl.Put(ctx, "a", []byte("1")))
	require.NoError(t, tbl.Put(ctx, "b", []byte("2")))

	rows, marker, err := tbl.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, tbl.Put(ctx, "c", []byte("3")))

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := tbl.Watch(watchCtx, marker)
	require.NoError(t, err)

	ev := recvEvent(t, events)
	require.Equal(t, "c", ev.Row)
	require.Equal(t, store.PutChange, ev.Kind)
}

func TestWatchSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	tbl := s.Table("files")
	require.NoError(t, tbl.Put(ctx, "a", []byte("1")))

	_, marker, err := tbl.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// The changelog is persistent, so a marker taken before a restart
	// still resumes.
	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	tbl = s.Table("files")
	require.NoError(t, tbl.Put(ctx, "b", []byte("2")))

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := tbl.Watch(watchCtx, marker)
	require.NoError(t, err)
	require.Equal(t, "b", recvEvent(t, events).Row)
}

func TestWatchRejectsFutureMarker(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	tbl := s.Table("files")

	_, err := tbl.Watch(ctx, store.MarkerFromSeq(42))
	require.ErrorIs(t, err, store.ErrBadResumeMarker)
}

func TestWatchCancelClosesChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := openTestStore(t)
	tbl := s.Table("files")

	events, err := tbl.Watch(ctx, nil)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-events:
		require.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestWatchFiltersTables(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := openTestStore(t)

	events, err := s.Table("files").Watch(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, s.Table("devices").Put(ctx, "d1", []byte("x")))
	require.NoError(t, s.Table("files").Put(ctx, "f1", []byte("y")))

	require.Equal(t, "f1", recvEvent(t, events).Row)
}

func TestWatchCarriesOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := openTestStore(t)
	tbl := s.Table("files")

	events, err := tbl.Watch(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, tbl.Put(store.WithOrigin(ctx, "phone"), "a", []byte("1")))
	require.Equal(t, "phone", recvEvent(t, events).Origin)
}

func recvEvent(t *testing.T, events <-chan store.ChangeEvent) store.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("watch channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return store.ChangeEvent{}
}
