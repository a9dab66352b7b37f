package router

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sync/errgroup"

	"Shardveil/internal/attest"
	"Shardveil/internal/connect"
	"Shardveil/internal/logger"
	"Shardveil/internal/network"
	"Shardveil/internal/sharding"
	"Shardveil/internal/wire"
)

// Config configures a router server.
type Config struct {
	Addr     string             // Addr is the attested listen address
	Identity ed25519.PrivateKey // Identity signs measurement reports
	ChainID  string             // ChainID is the chain this deployment serves

	// StoreVerifier decides which store shards the router will talk to.
	StoreVerifier *attest.Verifier
	Retry         connect.RetryConfig
	QueryTimeout  time.Duration // QueryTimeout bounds one shard fan-out
}

// Server is the query router.
type Server struct {
	config    Config
	directory *sharding.Directory
	responder *attest.Responder
	listener  *network.Listener

	mu      sync.Mutex
	clients map[string]*connect.RetryingClient // clients are cached per store address
}

// NewServer starts a router over the given shard directory.
func NewServer(config Config, directory *sharding.Directory) (*Server, error) {
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 10 * time.Second
	}

	s := &Server{
		config:    config,
		directory: directory,
		responder: attest.NewResponder(config.Identity, config.ChainID),
		clients:   make(map[string]*connect.RetryingClient),
	}

	listener, err := network.Listen(config.Addr, config.Identity, s.handleConn)
	if err != nil {
		return nil, err
	}
	s.listener = listener

	logger.Info("router started", "addr", listener.Addr())

	return s, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.listener.Addr()
}

// Close stops the server and its store clients.
func (s *Server) Close() error {
	err := s.listener.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, client := range s.clients {
		client.Close()
	}
	s.clients = make(map[string]*connect.RetryingClient)

	return err
}

// clientFor returns the cached client for a store address, creating it
// on first use.
func (s *Server) clientFor(addr string) (*connect.RetryingClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if client, ok := s.clients[addr]; ok {
		return client, nil
	}

	channel, err := connect.NewChannel(addr, s.config.StoreVerifier)
	if err != nil {
		return nil, err
	}

	client := connect.NewRetryingClient(channel, s.config.Retry)
	s.clients[addr] = client

	return client, nil
}

// handleConn serves one client connection: an attestation handshake on
// the first stream, then sealed calls. Streams are served sequentially
// to keep the session's counter nonces in lockstep.
func (s *Server) handleConn(ctx context.Context, conn *network.Conn) {
	sess, err := s.handshake(ctx, conn)
	if err != nil {
		logger.Debug("handshake failed", "error", err)
		return
	}
	if sess == nil {
		return
	}

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		if err := s.serveStream(ctx, stream, sess); err != nil {
			logger.Debug("stream failed", "error", err)
			stream.Close()
			return
		}

		stream.Close()
	}
}

// handshake runs the attestation exchange on the connection's first
// stream. A nil session with nil error means the request was rejected.
func (s *Server) handshake(ctx context.Context, conn *network.Conn) (*attest.Session, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	raw, err := network.ReadFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}

	var req wire.AttestRequest
	if err := wire.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}

	resp, sess, err := s.responder.Respond(&req)
	if err != nil {
		return nil, err
	}

	respBytes, err := wire.Marshal(resp)
	if err != nil {
		return nil, err
	}

	if err := network.WriteFrame(stream, respBytes); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	return sess, nil
}

// serveStream handles one sealed call.
func (s *Server) serveStream(ctx context.Context, stream *quic.Stream, sess *attest.Session) error {
	sealed, err := network.ReadFrame(stream)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	plain, err := sess.Open(sealed)
	if err != nil {
		return err
	}

	var req wire.Request
	if err := wire.Unmarshal(plain, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	resp := s.dispatch(ctx, &req)

	respBytes, err := wire.Marshal(resp)
	if err != nil {
		return err
	}

	// The size limit is checked before sealing: the counter nonce must
	// only advance for frames that are actually sent.
	if limit := sess.MaxResponseBytes(); limit > 0 && uint64(len(respBytes)+chacha20poly1305.Overhead) > uint64(limit) {
		respBytes, err = wire.Marshal(&wire.Response{
			Status:  wire.StatusResourceExhausted,
			Message: fmt.Sprintf("response of %d bytes exceeds session limit %d", len(respBytes), limit),
		})
		if err != nil {
			return err
		}
	}

	return network.WriteFrame(stream, sess.Seal(respBytes))
}

// dispatch routes one call to its handler.
func (s *Server) dispatch(ctx context.Context, req *wire.Request) *wire.Response {
	switch req.Method {
	case wire.MethodCheckKeyImages:
		return s.checkKeyImages(ctx, req.Body)
	default:
		return &wire.Response{
			Status:  wire.StatusInvalidRequest,
			Message: fmt.Sprintf("unknown method %d", req.Method),
		}
	}
}

// checkKeyImages fans one spend-status query out to every shard and
// merges the answers. Any shard failure fails the query: a partial
// answer could report a spent image as unspent.
func (s *Server) checkKeyImages(ctx context.Context, body []byte) *wire.Response {
	var req wire.CheckKeyImagesRequest
	if err := wire.Unmarshal(body, &req); err != nil {
		return &wire.Response{
			Status:  wire.StatusInvalidRequest,
			Message: fmt.Sprintf("decode body: %v", err),
		}
	}

	snapshot := s.directory.Snapshot()
	endpoints := dedupeByAddr(snapshot.Endpoints())
	if len(endpoints) == 0 {
		return &wire.Response{Status: wire.StatusInternal, Message: "no store shards available"}
	}

	responses, err := s.queryShards(ctx, endpoints, body)
	if err != nil {
		logger.Warn("shard query failed", "error", err)
		return &wire.Response{Status: wire.StatusInternal, Message: err.Error()}
	}

	merged, err := mergeResponses(req.KeyImages, responses)
	if err != nil {
		logger.Warn("shard merge failed", "error", err)
		return &wire.Response{Status: wire.StatusInternal, Message: err.Error()}
	}

	if gaps := snapshot.Gaps(merged.NumBlocks); len(gaps) > 0 {
		return &wire.Response{
			Status:  wire.StatusInternal,
			Message: fmt.Sprintf("shard coverage gap at %v", gaps[0]),
		}
	}

	respBody, err := wire.Marshal(merged)
	if err != nil {
		return &wire.Response{
			Status:  wire.StatusInternal,
			Message: fmt.Sprintf("encode response: %v", err),
		}
	}

	return &wire.Response{Status: wire.StatusOK, Body: respBody}
}

// queryShards runs the fan-out and collects every shard's answer.
func (s *Server) queryShards(ctx context.Context, endpoints []sharding.Endpoint, body []byte) ([]*wire.CheckKeyImagesResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	responses := make([]*wire.CheckKeyImagesResponse, len(endpoints))
	g, ctx := errgroup.WithContext(ctx)

	for i, endpoint := range endpoints {
		g.Go(func() error {
			client, err := s.clientFor(endpoint.Addr)
			if err != nil {
				return fmt.Errorf("shard %s: %w", endpoint.Addr, err)
			}

			err = client.Do(ctx, func(ctx context.Context) error {
				raw, err := client.Channel().Call(ctx, wire.MethodCheckKeyImages, body)
				if err != nil {
					return err
				}

				resp := new(wire.CheckKeyImagesResponse)
				if err := wire.Unmarshal(raw, resp); err != nil {
					return &connect.DecodeError{Err: err}
				}

				responses[i] = resp
				return nil
			})
			if err != nil {
				return fmt.Errorf("shard %s: %w", endpoint.Addr, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return responses, nil
}

// dedupeByAddr drops duplicate endpoints that share an address.
func dedupeByAddr(endpoints []sharding.Endpoint) []sharding.Endpoint {
	seen := make(map[string]bool, len(endpoints))
	out := make([]sharding.Endpoint, 0, len(endpoints))

	for _, e := range endpoints {
		if seen[e.Addr] {
			continue
		}

		seen[e.Addr] = true
		out = append(out, e)
	}

	return out
}
