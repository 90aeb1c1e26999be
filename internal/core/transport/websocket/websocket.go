// Package websocket provides the websocket transport. Messages map 1:1 onto
// binary websocket frames.
package websocket

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/pagesync/pagesync/internal/core/observability/log"
	"github.com/pagesync/pagesync/internal/core/transport"
)

// Path is the HTTP endpoint the store gateway serves websocket upgrades on.
const Path = "/store"

const (
	defaultWriteTimeout = 10 * time.Second
	handshakeTimeout    = 10 * time.Second
)

var _ transport.Transport = (*Transport)(nil)

// Transport implements transport.Transport over websocket.
type Transport struct {
	logger log.Log
}

func New(logger log.Log) *Transport {
	if logger == nil {
		logger = log.Nop()
	}
	return &Transport{logger: logger.With(log.String("transport", "websocket"))}
}

func (t *Transport) Name() string { return "websocket" }

// Listen serves websocket upgrades on addr and hands accepted connections to
// the listener.
func (t *Transport) Listen(ctx context.Context, addr string) (transport.Listener, error) {
	netListener, err := net.Listen("tcp", addr)
	if err != nil {
		t.logger.Error("failed to listen", log.String("addr", addr), log.Error(err))
		return nil, errors.Wrap(err, transport.ErrListenFailed.Error())
	}

	l := &listener{
		addr:   netListener.Addr().String(),
		conns:  make(chan transport.Conn, 16),
		closed: make(chan struct{}),
		logger: t.logger,
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		// The gateway authenticates at the hello frame, not at upgrade.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.logger.Warn("websocket upgrade failed", log.Error(err))
			return
		}
		select {
		case l.conns <- newConn(wsConn):
		case <-l.closed:
			_ = wsConn.Close()
		}
	})

	l.server = &http.Server{Handler: mux}
	go func() {
		if err := l.server.Serve(netListener); err != nil && err != http.ErrServerClosed {
			t.logger.Error("websocket server stopped", log.Error(err))
		}
	}()

	t.logger.Info("websocket listener ready", log.String("addr", l.addr))
	return l, nil
}

// Dial connects to a gateway's websocket endpoint.
func (t *Transport) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	url := "ws://" + addr + Path
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		t.logger.Error("failed to dial", log.String("url", url), log.Error(err))
		return nil, errors.Wrap(err, transport.ErrDialFailed.Error())
	}
	t.logger.Debug("websocket connection established", log.String("addr", addr))
	return newConn(wsConn), nil
}

type listener struct {
	addr   string
	server *http.Server
	conns  chan transport.Conn
	closed chan struct{}
	once   sync.Once
	logger log.Log
}

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.server.Close()
	})
	return err
}

func (l *listener) Addr() string { return l.addr }

var _ transport.Conn = (*conn)(nil)

type conn struct {
	ws     *websocket.Conn
	closed int32

	// Write mutex to ensure thread-safe writes
	writeMu sync.Mutex
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

func (c *conn) Send(data []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return transport.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

func (c *conn) Receive() ([]byte, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, transport.ErrClosed
	}

	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read message")
	}
	if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
		return nil, errors.New("unsupported message type")
	}
	return data, nil
}

func (c *conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.ws.Close()
}

func (c *conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
