package gateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagesync/pagesync/internal/core/store"
	"github.com/pagesync/pagesync/internal/core/store/memory"
	"github.com/pagesync/pagesync/internal/core/store/remote"
	"github.com/pagesync/pagesync/internal/core/transport/websocket"
)

const testSecret = "shared-secret"

func startGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	backend := memory.New(nil)
	gw := New(backend, testSecret, nil)
	t.Cleanup(func() {
		_ = gw.Close()
		_ = backend.Close()
	})

	require.NoError(t, gw.Listen(websocket.New(nil), "127.0.0.1:0"))
	addrs := gw.Addrs()
	require.Len(t, addrs, 1)
	return gw, addrs[0]
}

func dialClient(t *testing.T, addr, device string) *remote.Client {
	t.Helper()
	c, err := remote.Dial(context.Background(), websocket.New(nil), addr, device, testSecret, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRejectsBadSecret(t *testing.T) {
	_, addr := startGateway(t)

	_, err := remote.Dial(context.Background(), websocket.New(nil), addr, "phone", "wrong", nil)
	require.ErrorIs(t, err, store.ErrPermissionDenied)
}

func TestRemoteCRUD(t *testing.T) {
	ctx := context.Background()
	_, addr := startGateway(t)
	c := dialClient(t, addr, "phone")
	tbl := c.Table("files")

	require.NoError(t, tbl.Put(ctx, "a", []byte("one")))
	require.NoError(t, tbl.Put(ctx, "b", []byte("two")))

	got, err := tbl.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)

	_, err = tbl.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	rows, err := tbl.Scan(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "a", rows[0].Key)

	require.NoError(t, tbl.Delete(ctx, "a"))
	_, err = tbl.Get(ctx, "a")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSnapshotThenWatchAcrossClients(t *testing.T) {
	ctx := context.Background()
	_, addr := startGateway(t)
	phone := dialClient(t, addr, "phone")
	tablet := dialClient(t, addr, "tablet")

	phoneTbl := phone.Table("deviceSets")
	require.NoError(t, phoneTbl.Put(ctx, "set-1", []byte("v1")))

	rows, marker, err := phoneTbl.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := phoneTbl.Watch(watchCtx, marker)
	require.NoError(t, err)

	// A write by another device arrives flagged as remote; our own echo
	// does not.
	require.NoError(t, tablet.Table("deviceSets").Put(ctx, "set-1", []byte("v2")))
	ev := recvEvent(t, events)
	require.Equal(t, "set-1", ev.Row)
	require.Equal(t, []byte("v2"), ev.Value)
	require.True(t, ev.FromRemote)

	require.NoError(t, phoneTbl.Put(ctx, "set-1", []byte("v3")))
	ev = recvEvent(t, events)
	require.Equal(t, []byte("v3"), ev.Value)
	require.False(t, ev.FromRemote)
}

func TestWatchResumeRejectsFutureMarker(t *testing.T) {
	ctx := context.Background()
	_, addr := startGateway(t)
	c := dialClient(t, addr, "phone")

	_, err := c.Table("files").Watch(ctx, store.MarkerFromSeq(99))
	require.ErrorIs(t, err, store.ErrBadResumeMarker)
}

func TestWatchCancelClosesChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, addr := startGateway(t)
	c := dialClient(t, addr, "phone")

	events, err := c.Table("files").Watch(ctx, nil)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-events:
		require.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestCancelUnblocksUndrainedWatch(t *testing.T) {
	ctx := context.Background()
	_, addr := startGateway(t)
	watcher := dialClient(t, addr, "phone")
	writer := dialClient(t, addr, "tablet")

	watchCtx, cancel := context.WithCancel(ctx)
	events, err := watcher.Table("files").Watch(watchCtx, nil)
	require.NoError(t, err)

	// Push well past the watch channel buffer without draining it, so the
	// read loop ends up parked on a full stream.
	files := writer.Table("files")
	for i := 0; i < 48; i++ {
		require.NoError(t, files.Put(ctx, fmt.Sprintf("file-%02d", i), []byte("v")))
	}

	cancel()

	// The connection must stay usable even though the watch was never
	// drained: calls on it still complete and the channel closes.
	got := make(chan error, 1)
	go func() {
		_, err := watcher.Table("files").Get(ctx, "file-00")
		got <- err
	}()
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call stalled behind cancelled watch")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed after cancel")
		}
	}
}

func TestClientCloseEndsWatch(t *testing.T) {
	ctx := context.Background()
	_, addr := startGateway(t)
	c := dialClient(t, addr, "phone")

	events, err := c.Table("files").Watch(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	select {
	case _, ok := <-events:
		require.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after client close")
	}
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
