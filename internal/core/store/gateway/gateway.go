// Package gateway exposes a backend store to remote devices over one or
// more transports. Every accepted connection must authenticate with the
// shared secret before any table operation is served.
package gateway

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pagesync/pagesync/internal/core/observability/log"
	"github.com/pagesync/pagesync/internal/core/store"
	"github.com/pagesync/pagesync/internal/core/store/remote"
	"github.com/pagesync/pagesync/internal/core/transport"
)

// Gateway accepts connections from transports and serves the wire
// protocol against its backend store.
type Gateway struct {
	backend store.Store
	secret  string
	logger  log.Log

	mu        sync.Mutex
	listeners []transport.Listener
	conns     map[transport.Conn]struct{}
	closed    bool

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a gateway for backend. An empty secret disables
// authentication checks.
func New(backend store.Store, secret string, logger log.Log) *Gateway {
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Gateway{
		backend: backend,
		secret:  secret,
		conns:   make(map[transport.Conn]struct{}),
		logger:  logger.With(log.String("component", "gateway")),
		group:   group,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen binds addr on the given transport and starts accepting
// connections.
func (g *Gateway) Listen(t transport.Transport, addr string) error {
	ln, err := t.Listen(g.ctx, addr)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = ln.Close()
		return store.ErrClosed
	}
	g.listeners = append(g.listeners, ln)
	g.mu.Unlock()

	g.logger.Info("serving store",
		log.String("transport", t.Name()),
		log.String("addr", ln.Addr()))

	g.group.Go(func() error {
		return g.acceptLoop(ln)
	})
	return nil
}

// Addrs returns the bound addresses of all active listeners.
func (g *Gateway) Addrs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	addrs := make([]string, 0, len(g.listeners))
	for _, ln := range g.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Wait blocks until the gateway shuts down.
func (g *Gateway) Wait() error {
	return g.group.Wait()
}

// Close stops all listeners and terminates active connections.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	listeners := g.listeners
	conns := make([]transport.Conn, 0, len(g.conns))
	for conn := range g.conns {
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	g.cancel()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	_ = g.group.Wait()
	return nil
}

func (g *Gateway) acceptLoop(ln transport.Listener) error {
	for {
		conn, err := ln.Accept(g.ctx)
		if err != nil {
			if g.ctx.Err() != nil {
				return nil
			}
			g.logger.Warn("accept failed", log.Error(err))
			return nil
		}
		g.group.Go(func() error {
			g.handle(conn)
			return nil
		})
	}
}

func (g *Gateway) handle(conn transport.Conn) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = conn.Close()
		return
	}
	g.conns[conn] = struct{}{}
	g.mu.Unlock()

	s := newSession(g, conn)
	defer func() {
		s.teardown()
		g.mu.Lock()
		delete(g.conns, conn)
		g.mu.Unlock()
	}()
	s.serve(g.ctx)
}

// session is the per-connection protocol state.
type session struct {
	gw     *Gateway
	conn   transport.Conn
	logger log.Log

	// origin identifies this connection's writes so its own changes can
	// be told apart from remote ones when forwarding watch events.
	origin string

	mu      sync.Mutex
	watches map[uint64]context.CancelFunc
}

func newSession(g *Gateway, conn transport.Conn) *session {
	return &session{
		gw:      g,
		conn:    conn,
		logger:  g.logger.With(log.String("remote", conn.RemoteAddr())),
		watches: make(map[uint64]context.CancelFunc),
	}
}

func (s *session) teardown() {
	s.mu.Lock()
	watches := s.watches
	s.watches = nil
	s.mu.Unlock()
	for _, cancel := range watches {
		cancel()
	}
	_ = s.conn.Close()
}

func (s *session) serve(ctx context.Context) {
	if !s.handshake() {
		return
	}
	for {
		frame, err := s.conn.Receive()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("connection closed", log.Error(err))
			}
			return
		}
		var req remote.Request
		if err := remote.DecodeFrame(frame, &req); err != nil {
			s.logger.Warn("dropping malformed request", log.Error(err))
			continue
		}
		s.dispatch(ctx, &req)
	}
}

// handshake reads the hello frame and verifies the shared secret.
func (s *session) handshake() bool {
	frame, err := s.conn.Receive()
	if err != nil {
		return false
	}
	var req remote.Request
	if err := remote.DecodeFrame(frame, &req); err != nil || req.Op != remote.OpHello {
		s.logger.Warn("rejecting connection without hello")
		return false
	}
	if s.gw.secret != "" && req.Secret != s.gw.secret {
		s.logger.Warn("rejecting connection with bad secret",
			log.String("device", req.Device))
		s.respondErr(req.ID, store.ErrPermissionDenied)
		return false
	}

	s.origin = req.Device
	if s.origin == "" {
		s.origin = s.conn.RemoteAddr()
	}
	s.logger.Info("device connected", log.String("device", s.origin))
	s.respond(&remote.Response{ID: req.ID})
	return true
}

func (s *session) dispatch(ctx context.Context, req *remote.Request) {
	ctx = store.WithOrigin(ctx, s.origin)

	if req.Op == remote.OpCancel {
		s.cancelWatch(req.Watch)
		return
	}
	table := s.gw.backend.Table(req.Table)

	switch req.Op {
	case remote.OpPut:
		s.respondErr(req.ID, table.Put(ctx, req.Key, req.Value))
	case remote.OpGet:
		value, err := table.Get(ctx, req.Key)
		if err != nil {
			s.respondErr(req.ID, err)
			return
		}
		s.respond(&remote.Response{ID: req.ID, Value: value})
	case remote.OpDelete:
		s.respondErr(req.ID, table.Delete(ctx, req.Key))
	case remote.OpScan:
		rows, err := table.Scan(ctx, req.Start, req.End)
		if err != nil {
			s.respondErr(req.ID, err)
			return
		}
		s.respond(&remote.Response{ID: req.ID, Rows: rows})
	case remote.OpSnapshot:
		rows, marker, err := table.Snapshot(ctx)
		if err != nil {
			s.respondErr(req.ID, err)
			return
		}
		s.respond(&remote.Response{ID: req.ID, Rows: rows, Resume: marker})
	case remote.OpWatch:
		s.startWatch(ctx, req, table)
	default:
		s.logger.Warn("unknown operation", log.String("op", req.Op))
		s.respondErr(req.ID, store.ErrUnavailable)
	}
}

func (s *session) startWatch(ctx context.Context, req *remote.Request, table store.Table) {
	watchCtx, cancel := context.WithCancel(ctx)

	events, err := table.Watch(watchCtx, req.Resume)
	if err != nil {
		cancel()
		s.respondErr(req.ID, err)
		return
	}

	s.mu.Lock()
	if s.watches == nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.watches[req.ID] = cancel
	s.mu.Unlock()

	s.respond(&remote.Response{ID: req.ID})

	go func() {
		defer cancel()
		for ev := range events {
			s.respond(&remote.Response{
				Watch: req.ID,
				Event: &remote.WatchEvent{
					Table:      ev.Table,
					Row:        ev.Row,
					Kind:       ev.Kind,
					Value:      ev.Value,
					FromRemote: ev.Origin != s.origin,
					Resume:     ev.Resume,
				},
			})
		}
		s.respond(&remote.Response{Watch: req.ID, WatchDone: true})
		s.mu.Lock()
		delete(s.watches, req.ID)
		s.mu.Unlock()
	}()
}

func (s *session) cancelWatch(id uint64) {
	s.mu.Lock()
	cancel, ok := s.watches[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *session) respond(resp *remote.Response) {
	frame, err := remote.EncodeFrame(resp)
	if err != nil {
		s.logger.Error("failed to encode response", log.Error(err))
		return
	}
	if err := s.conn.Send(frame); err != nil {
		s.logger.Debug("failed to send response", log.Error(err))
	}
}

func (s *session) respondErr(id uint64, err error) {
	resp := &remote.Response{ID: id, Code: remote.ErrorToCode(err)}
	if err != nil {
		resp.Error = err.Error()
	}
	s.respond(resp)
}
