// Package network provides the QUIC transport between query-tier
// processes: ed25519-pinned self-signed TLS, length-prefixed frames,
// and one bidirectional stream per call.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Shardveil/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "shardveil/1"
)

// Conn is one QUIC connection to a remote process.
type Conn struct {
	conn    *quic.Conn        // conn is the underlying QUIC connection
	peerKey ed25519.PublicKey // peerKey is the remote's certificate key
}

// PeerKey returns the remote's ed25519 certificate key.
func (c *Conn) PeerKey() ed25519.PublicKey {
	return c.peerKey
}

// OpenStream opens a bidirectional stream for one call.
func (c *Conn) OpenStream(ctx context.Context) (*quic.Stream, error) {
	return c.conn.OpenStreamSync(ctx)
}

// AcceptStream accepts the next incoming stream.
func (c *Conn) AcceptStream(ctx context.Context) (*quic.Stream, error) {
	return c.conn.AcceptStream(ctx)
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.CloseWithError(0, "closed")
}

// newTLSConfig builds the pinned-key TLS configuration shared by both
// roles.
func newTLSConfig(key ed25519.PrivateKey) (*tls.Config, error) {
	cert, err := generateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // the public key is verified manually
		NextProtos:         []string{alpnProtocol},
	}, nil
}

// newQUICConfig builds the QUIC configuration shared by both roles.
func newQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// Dial connects to a remote listener. The caller's key signs the client
// certificate; an ephemeral key is fine for pure clients.
func Dial(ctx context.Context, addr string, key ed25519.PrivateKey) (*Conn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	tlsConfig, err := newTLSConfig(key)
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, newQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	peerKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "bad certificate")
		return nil, fmt.Errorf("verify peer certificate: %w", err)
	}

	return &Conn{conn: conn, peerKey: peerKey}, nil
}

// Handler serves one accepted connection. It runs on its own goroutine
// and returns when the connection is done.
type Handler func(ctx context.Context, conn *Conn)

// Listener accepts connections and dispatches them to a handler.
type Listener struct {
	listener *quic.Listener     // listener is the QUIC listener
	handler  Handler            // handler serves accepted connections
	ctx      context.Context    // ctx is canceled on Close
	cancel   context.CancelFunc // cancel cancels ctx
	wg       sync.WaitGroup     // wg waits for connection goroutines
}

// Listen starts accepting connections on addr.
func Listen(addr string, key ed25519.PrivateKey, handler Handler) (*Listener, error) {
	tlsConfig, err := newTLSConfig(key)
	if err != nil {
		return nil, err
	}

	ql, err := quic.ListenAddr(addr, tlsConfig, newQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &Listener{
		listener: ql,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
	}

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

// Addr returns the listener's address.
func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}

// Close stops accepting and waits for in-flight connections.
func (l *Listener) Close() error {
	l.cancel()
	err := l.listener.Close()
	l.wg.Wait()

	return err
}

// acceptLoop accepts connections until the listener closes.
func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}

			logger.Warn("accept failed", "error", err)
			continue
		}

		peerKey, err := extractPublicKey(conn.ConnectionState().TLS)
		if err != nil {
			logger.Warn("rejecting connection with bad certificate", "error", err)
			conn.CloseWithError(1, "bad certificate")
			continue
		}

		wrapped := &Conn{conn: conn, peerKey: peerKey}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer wrapped.Close()

			l.handler(l.ctx, wrapped)
		}()
	}
}
