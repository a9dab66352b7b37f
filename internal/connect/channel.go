package connect

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"

	"Shardveil/internal/attest"
	"Shardveil/internal/network"
	"Shardveil/internal/wire"
)

// DefaultMaxResponseBytes is the response size limit negotiated when the
// caller does not override it.
const DefaultMaxResponseBytes = 4 << 20

// Channel is an attested connection to one remote endpoint. It dials and
// attests lazily on the first call and stays up until invalidated. A
// mutex serializes calls: the session cipher's counter nonces require
// requests and responses to stay in lockstep.
type Channel struct {
	addr             string
	verifier         *attest.Verifier
	dialKey          ed25519.PrivateKey // dialKey signs the client certificate
	maxResponseBytes uint32

	mu   sync.Mutex
	conn *network.Conn
	sess *attest.Session
}

// NewChannel creates a channel to addr. The verifier decides which
// remote identities are acceptable.
func NewChannel(addr string, verifier *attest.Verifier) (*Channel, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, &EndpointError{Addr: addr, Err: err}
	}

	_, dialKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dial key: %w", err)
	}

	return &Channel{
		addr:             addr,
		verifier:         verifier,
		dialKey:          dialKey,
		maxResponseBytes: DefaultMaxResponseBytes,
	}, nil
}

// Addr returns the remote address.
func (c *Channel) Addr() string {
	return c.addr
}

// SetMaxResponseBytes overrides the response size limit negotiated on
// the next session.
func (c *Channel) SetMaxResponseBytes(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxResponseBytes = n
}

// Invalidate drops the current connection and session. The next call
// re-dials and re-attests.
func (c *Channel) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.drop()
}

// Close releases the channel.
func (c *Channel) Close() error {
	c.Invalidate()
	return nil
}

// drop closes the connection if any. Caller holds the mutex.
func (c *Channel) drop() {
	if c.conn != nil {
		c.conn.Close()
	}

	c.conn = nil
	c.sess = nil
}

// Call sends one sealed request and returns the response body. Errors
// are classified for ShouldRetry and ShouldReattest.
func (c *Channel) Call(ctx context.Context, method wire.Method, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		if err := c.establish(ctx); err != nil {
			c.drop()
			return nil, err
		}
	}

	resp, err := c.roundTrip(ctx, method, body)
	if err != nil {
		c.drop()
		return nil, err
	}

	return resp, nil
}

// establish dials the endpoint and runs the attestation handshake on
// the first stream. Caller holds the mutex.
func (c *Channel) establish(ctx context.Context) error {
	conn, err := network.Dial(ctx, c.addr, c.dialKey)
	if err != nil {
		return &TransportError{Code: transportCode(ctx), Err: err}
	}

	req, kex, err := c.verifier.NewRequest(c.maxResponseBytes)
	if err != nil {
		conn.Close()
		return &SessionError{Err: err}
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		conn.Close()
		return &TransportError{Code: transportCode(ctx), Err: err}
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	reqBytes, err := wire.Marshal(req)
	if err != nil {
		conn.Close()
		return &SessionError{Err: err}
	}

	if err := network.WriteFrame(stream, reqBytes); err != nil {
		conn.Close()
		return &TransportError{Code: transportCode(ctx), Err: err}
	}

	respBytes, err := network.ReadFrame(stream)
	if err != nil {
		conn.Close()
		return &TransportError{Code: transportCode(ctx), Err: err}
	}

	var resp wire.AttestResponse
	if err := wire.Unmarshal(respBytes, &resp); err != nil {
		conn.Close()
		return &DecodeError{Err: err}
	}

	sess, err := c.verifier.Verify(req, kex, &resp)
	if err != nil {
		conn.Close()
		return classifyHandshake(err)
	}

	c.conn = conn
	c.sess = sess

	return nil
}

// roundTrip runs one sealed request/response exchange. Caller holds the
// mutex and an established session.
func (c *Channel) roundTrip(ctx context.Context, method wire.Method, body []byte) ([]byte, error) {
	reqBytes, err := wire.Marshal(&wire.Request{Method: method, Body: body})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	stream, err := c.conn.OpenStream(ctx)
	if err != nil {
		return nil, &TransportError{Code: transportCode(ctx), Err: err}
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	if err := network.WriteFrame(stream, c.sess.Seal(reqBytes)); err != nil {
		return nil, &TransportError{Code: transportCode(ctx), Err: err}
	}

	sealed, err := network.ReadFrame(stream)
	if err != nil {
		return nil, &TransportError{Code: transportCode(ctx), Err: err}
	}

	plain, err := c.sess.Open(sealed)
	if err != nil {
		return nil, err // attest.CipherError
	}

	var resp wire.Response
	if err := wire.Unmarshal(plain, &resp); err != nil {
		return nil, &DecodeError{Err: err}
	}

	switch resp.Status {
	case wire.StatusOK:
		return resp.Body, nil
	case wire.StatusResourceExhausted:
		return nil, &TransportError{
			Code: TransportResourceExhausted,
			Err:  fmt.Errorf("remote: %s", resp.Message),
		}
	case wire.StatusInvalidRequest:
		return nil, fmt.Errorf("remote rejected request: %s", resp.Message)
	default:
		return nil, &TransportError{
			Code: TransportFailed,
			Err:  fmt.Errorf("remote: %s", resp.Message),
		}
	}
}

// classifyHandshake maps verification failures onto the taxonomy.
func classifyHandshake(err error) error {
	var evidence *attest.EvidenceError
	if errors.As(err, &evidence) {
		return &SessionError{EvidenceRejected: true, Err: err}
	}

	var mismatch *attest.ChainMismatchError
	if errors.As(err, &mismatch) {
		return &IdentityMismatchError{Message: mismatch.Message}
	}

	return &SessionError{Err: err}
}

// transportCode distinguishes deadline expiry from other I/O failures.
func transportCode(ctx context.Context) TransportCode {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return TransportDeadline
	}

	return TransportFailed
}
