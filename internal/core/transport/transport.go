// Package transport abstracts the message-oriented connections the store
// gateway and its remote clients speak over. Two implementations exist:
// websocket and QUIC. Framing is the transport's concern; the payload is an
// opaque byte slice per message.
package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("transport: connection closed")
	ErrListenFailed = errors.New("transport: listen failed")
	ErrDialFailed   = errors.New("transport: dial failed")
)

// Conn is a reliable, ordered, bidirectional message connection.
type Conn interface {
	// Send writes one message. Safe for concurrent use.
	Send(data []byte) error

	// Receive reads the next message. Only one goroutine may call it.
	Receive() ([]byte, error)

	// Close tears the connection down. Pending Receive calls fail.
	Close() error

	// RemoteAddr describes the peer, for logging.
	RemoteAddr() string
}

// Listener accepts inbound connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
}

// Transport creates listeners and outbound connections.
type Transport interface {
	Name() string
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
}
