// Package quic provides the QUIC transport. Each connection uses one
// bidirectional stream carrying length-prefixed frames.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/pagesync/pagesync/internal/core/observability/log"
	"github.com/pagesync/pagesync/internal/core/transport"
)

const (
	alpnProtocol = "pagesync-store"

	maxFrameSize   = 64 * 1024 * 1024
	idleTimeout    = 30 * time.Second
	keepAlive      = 15 * time.Second
	writeTimeout   = 10 * time.Second
	handshakeIdleT = 10 * time.Second
)

var _ transport.Transport = (*Transport)(nil)

// Transport implements transport.Transport over QUIC.
type Transport struct {
	tlsConfig *tls.Config
	logger    log.Log
}

// New creates a QUIC transport. A nil server TLS config gets a self-signed
// development certificate; clients then skip verification.
func New(tlsConfig *tls.Config, logger log.Log) (*Transport, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if tlsConfig == nil {
		var err error
		tlsConfig, err = GenerateSelfSignedTLS()
		if err != nil {
			return nil, err
		}
	}
	return &Transport{
		tlsConfig: tlsConfig,
		logger:    logger.With(log.String("transport", "quic")),
	}, nil
}

func (t *Transport) Name() string { return "quic" }

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       idleTimeout,
		KeepAlivePeriod:      keepAlive,
		HandshakeIdleTimeout: handshakeIdleT,
	}
}

// Listen creates a QUIC listener on addr.
func (t *Transport) Listen(ctx context.Context, addr string) (transport.Listener, error) {
	ln, err := quic.ListenAddr(addr, t.tlsConfig, t.quicConfig())
	if err != nil {
		t.logger.Error("failed to listen", log.String("addr", addr), log.Error(err))
		return nil, errors.Wrap(err, transport.ErrListenFailed.Error())
	}
	t.logger.Info("quic listener ready", log.String("addr", ln.Addr().String()))
	return &listener{ln: ln, logger: t.logger}, nil
}

// Dial connects to a QUIC gateway and opens the connection's single
// bidirectional frame stream.
func (t *Transport) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true, // self-signed development certificates
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}

	qc, err := quic.DialAddr(ctx, addr, tlsConf, t.quicConfig())
	if err != nil {
		t.logger.Error("failed to dial", log.String("addr", addr), log.Error(err))
		return nil, errors.Wrap(err, transport.ErrDialFailed.Error())
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "no stream")
		return nil, errors.Wrap(err, transport.ErrDialFailed.Error())
	}

	t.logger.Debug("quic connection established", log.String("addr", addr))
	return newConn(qc, stream), nil
}

type listener struct {
	ln     *quic.Listener
	logger log.Log
}

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	qc, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}

	// The stream exists once the client has sent its first frame.
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "no stream")
		return nil, err
	}
	return newConn(qc, stream), nil
}

func (l *listener) Close() error { return l.ln.Close() }

func (l *listener) Addr() string { return l.ln.Addr().String() }

var _ transport.Conn = (*conn)(nil)

type conn struct {
	qc     quic.Connection
	stream quic.Stream

	// Write mutex to ensure thread-safe writes
	writeMu sync.Mutex
}

func newConn(qc quic.Connection, stream quic.Stream) *conn {
	return &conn{qc: qc, stream: stream}
}

// Send writes one frame: a 4-byte big-endian length followed by the payload.
func (c *conn) Send(data []byte) error {
	if len(data) > maxFrameSize {
		return errors.New("frame too large")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.stream.SetWriteDeadline(time.Now().Add(writeTimeout))

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := c.stream.Write(header[:]); err != nil {
		return errors.Wrap(err, "failed to write frame header")
	}
	if _, err := c.stream.Write(data); err != nil {
		return errors.Wrap(err, "failed to write frame payload")
	}
	return nil
}

func (c *conn) Receive() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.stream, header[:]); err != nil {
		return nil, errors.Wrap(err, "failed to read frame header")
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, errors.New("frame too large")
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(c.stream, data); err != nil {
		return nil, errors.Wrap(err, "failed to read frame payload")
	}
	return data, nil
}

func (c *conn) Close() error {
	_ = c.stream.Close()
	return c.qc.CloseWithError(0, "closed")
}

func (c *conn) RemoteAddr() string {
	return c.qc.RemoteAddr().String()
}

// GenerateSelfSignedTLS generates a self-signed TLS certificate for development
func GenerateSelfSignedTLS() (*tls.Config, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"pagesync"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}

	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privateKey,
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
