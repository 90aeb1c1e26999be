package remote

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/pagesync/pagesync/internal/core/observability/log"
	"github.com/pagesync/pagesync/internal/core/store"
	"github.com/pagesync/pagesync/internal/core/transport"
)

var _ store.Store = (*Client)(nil)

// Client is a store.Store backed by a gateway connection. All table
// operations are forwarded over the wire; watch streams multiplex over
// the same connection.
type Client struct {
	conn   transport.Conn
	logger log.Log

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *Response
	watches map[uint64]*watchState
	closed  bool
	readErr error

	done chan struct{}
}

type watchState struct {
	mu         sync.Mutex
	events     chan store.ChangeEvent
	done       chan struct{}
	closed     bool
	delivering bool
}

// deliver hands the event to the consumer. The send is not made under the
// mutex: a consumer that stopped draining must not wedge the shared read
// loop, so the send races against the watch's done signal instead.
func (w *watchState) deliver(ev store.ChangeEvent) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.delivering = true
	w.mu.Unlock()

	select {
	case w.events <- ev:
	case <-w.done:
	}

	w.mu.Lock()
	w.delivering = false
	if w.closed {
		close(w.events)
	}
	w.mu.Unlock()
}

// close unblocks any in-flight deliver via done. The events channel is
// closed by whichever side observes the closed flag last, so a pending
// send never lands on a closed channel.
func (w *watchState) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.done)
	if !w.delivering {
		close(w.events)
	}
}

// Dial connects to a gateway at addr, authenticates with the shared
// secret, and identifies itself as device for origin tagging.
func Dial(ctx context.Context, t transport.Transport, addr, device, secret string, logger log.Log) (*Client, error) {
	if logger == nil {
		logger = log.Nop()
	}
	conn, err := t.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:    conn,
		logger:  logger.With(log.String("component", "remote-store")),
		pending: make(map[uint64]chan *Response),
		watches: make(map[uint64]*watchState),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	resp, err := c.call(ctx, &Request{Op: OpHello, Device: device, Secret: secret})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := CodeToError(resp.Code, resp.Error); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.logger.Info("connected to gateway", log.String("addr", addr), log.String("device", device))
	return c, nil
}

// Table returns a handle for the named table. Tables are created by the
// gateway on first use.
func (c *Client) Table(name string) store.Table {
	return &remoteTable{client: c, name: name}
}

// Close tears down the connection. Outstanding calls fail and watch
// channels close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	req.ID = c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, store.ErrClosed
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.failure()
		}
		return resp, nil
	case <-c.done:
		return nil, c.failure()
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) send(req *Request) error {
	frame, err := EncodeFrame(req)
	if err != nil {
		return errors.Wrap(err, "failed to encode request")
	}
	return c.conn.Send(frame)
}

func (c *Client) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return store.ErrClosed
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		frame, err := c.conn.Receive()
		if err != nil {
			c.fail(err)
			return
		}
		var resp Response
		if err := DecodeFrame(frame, &resp); err != nil {
			c.logger.Warn("dropping malformed frame", log.Error(err))
			continue
		}
		if resp.Watch != 0 {
			c.dispatchWatch(&resp)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *Client) dispatchWatch(resp *Response) {
	c.mu.Lock()
	w, ok := c.watches[resp.Watch]
	if resp.WatchDone {
		delete(c.watches, resp.Watch)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if resp.WatchDone {
		w.close()
		return
	}
	if resp.Event == nil {
		return
	}
	ev := resp.Event
	w.deliver(store.ChangeEvent{
		Table:      ev.Table,
		Row:        ev.Row,
		Kind:       ev.Kind,
		Value:      ev.Value,
		FromRemote: ev.FromRemote,
		Resume:     ev.Resume,
	})
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.readErr = err
	if !c.closed {
		c.logger.Warn("gateway connection lost", log.Error(err))
	}
	pending := c.pending
	watches := c.watches
	c.pending = make(map[uint64]chan *Response)
	c.watches = make(map[uint64]*watchState)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, w := range watches {
		w.close()
	}
}

var _ store.Table = (*remoteTable)(nil)

type remoteTable struct {
	client *Client
	name   string
}

func (t *remoteTable) Name() string { return t.name }

func (t *remoteTable) Put(ctx context.Context, key string, value []byte) error {
	resp, err := t.client.call(ctx, &Request{Op: OpPut, Table: t.name, Key: key, Value: value})
	if err != nil {
		return err
	}
	return CodeToError(resp.Code, resp.Error)
}

func (t *remoteTable) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := t.client.call(ctx, &Request{Op: OpGet, Table: t.name, Key: key})
	if err != nil {
		return nil, err
	}
	if err := CodeToError(resp.Code, resp.Error); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (t *remoteTable) Delete(ctx context.Context, key string) error {
	resp, err := t.client.call(ctx, &Request{Op: OpDelete, Table: t.name, Key: key})
	if err != nil {
		return err
	}
	return CodeToError(resp.Code, resp.Error)
}

func (t *remoteTable) Scan(ctx context.Context, start, end string) ([]store.KeyValue, error) {
	resp, err := t.client.call(ctx, &Request{Op: OpScan, Table: t.name, Start: start, End: end})
	if err != nil {
		return nil, err
	}
	if err := CodeToError(resp.Code, resp.Error); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func (t *remoteTable) Snapshot(ctx context.Context) ([]store.KeyValue, store.ResumeMarker, error) {
	resp, err := t.client.call(ctx, &Request{Op: OpSnapshot, Table: t.name})
	if err != nil {
		return nil, nil, err
	}
	if err := CodeToError(resp.Code, resp.Error); err != nil {
		return nil, nil, err
	}
	return resp.Rows, resp.Resume, nil
}

func (t *remoteTable) Watch(ctx context.Context, from store.ResumeMarker) (<-chan store.ChangeEvent, error) {
	c := t.client
	req := &Request{Op: OpWatch, Table: t.name, Resume: from}
	req.ID = c.nextID.Add(1)

	w := &watchState{
		events: make(chan store.ChangeEvent, 16),
		done:   make(chan struct{}),
	}
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, store.ErrClosed
	}
	c.pending[req.ID] = ch
	// The watch shares its request id so pushed events can find it.
	c.watches[req.ID] = w
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		delete(c.watches, req.ID)
		c.mu.Unlock()
	}

	if err := c.send(req); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			cleanup()
			return nil, c.failure()
		}
		if err := CodeToError(resp.Code, resp.Error); err != nil {
			cleanup()
			return nil, err
		}
	case <-c.done:
		cleanup()
		return nil, c.failure()
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.send(&Request{ID: c.nextID.Add(1), Op: OpCancel, Watch: req.ID})
		c.mu.Lock()
		delete(c.watches, req.ID)
		c.mu.Unlock()
		w.close()
	})
	go func() {
		<-c.done
		stop()
		c.mu.Lock()
		delete(c.watches, req.ID)
		c.mu.Unlock()
		w.close()
	}()

	return w.events, nil
}
