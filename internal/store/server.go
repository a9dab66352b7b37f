// Package store implements the shard server: it answers attested
// key-image queries for the block range it owns, backed by the ledger,
// the fixed-capacity lookup table, and the watcher timestamp resolver.
package store

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/crypto/chacha20poly1305"

	"Shardveil/internal/attest"
	"Shardveil/internal/ledger"
	"Shardveil/internal/logger"
	"Shardveil/internal/network"
	"Shardveil/internal/omap"
	"Shardveil/internal/sharding"
	"Shardveil/internal/watcher"
	"Shardveil/internal/wire"
)

// Config configures a shard server.
type Config struct {
	Addr           string             // Addr is the attested listen address
	Identity       ed25519.PrivateKey // Identity signs measurement reports
	ChainID        string             // ChainID is the chain this deployment serves
	Shard          sharding.BlockRange
	TableCapacity  uint64        // TableCapacity sizes the key-image table
	FollowInterval time.Duration // FollowInterval paces ledger follow-up
}

// Server is one key-image store shard.
type Server struct {
	config    Config
	ledger    *ledger.Ledger
	resolver  *watcher.Resolver
	table     *omap.Table
	responder *attest.Responder
	listener  *network.Listener

	mu            sync.Mutex
	loadedThrough uint64 // loadedThrough is the next block to load into the table

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer loads the shard's key images, starts the listener, and
// begins following the ledger for new blocks.
func NewServer(config Config, lgr *ledger.Ledger, resolver *watcher.Resolver) (*Server, error) {
	if config.FollowInterval <= 0 {
		config.FollowInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:        config,
		ledger:        lgr,
		resolver:      resolver,
		table:         omap.New(config.TableCapacity),
		responder:     attest.NewResponder(config.Identity, config.ChainID),
		loadedThrough: config.Shard.Start,
		ctx:           ctx,
		cancel:        cancel,
	}

	if err := s.loadNewBlocks(); err != nil {
		cancel()
		return nil, fmt.Errorf("load shard key images: %w", err)
	}

	listener, err := network.Listen(config.Addr, config.Identity, s.handleConn)
	if err != nil {
		cancel()
		return nil, err
	}
	s.listener = listener

	s.wg.Add(1)
	go s.followLoop()

	logger.Info("store shard started",
		"addr", listener.Addr(), "shard", config.Shard, "images", s.table.Len())

	return s, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.listener.Addr()
}

// Shard returns the block range this server owns.
func (s *Server) Shard() sharding.BlockRange {
	return s.config.Shard
}

// Close stops the server.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()

	return err
}

// followLoop keeps the table in sync with the ledger.
func (s *Server) followLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FollowInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.loadNewBlocks(); err != nil {
				logger.Warn("ledger follow failed", "error", err)
			}
		}
	}
}

// loadNewBlocks adds key images from newly appended blocks in the
// shard's range to the table.
func (s *Server) loadNewBlocks() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.ledger.NumBlocks()
	if end > s.config.Shard.End {
		end = s.config.Shard.End
	}
	if end <= s.loadedThrough {
		return nil
	}

	err := s.ledger.KeyImagesInRange(s.loadedThrough, end, func(img wire.KeyImage, blockIndex uint64) error {
		return s.table.Add(img, blockIndex)
	})
	if err != nil {
		return err
	}

	s.loadedThrough = end

	return nil
}

// handleConn serves one client connection: an attestation handshake on
// the first stream, then sealed calls. Streams are served sequentially;
// the session's counter nonces require requests and responses to stay
// in lockstep.
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

		if err := s.serveStream(stream, sess); err != nil {
			logger.Debug("stream failed", "error", err)
			stream.Close()
			return
		}

		stream.Close()
	}
}

// handshake runs the attestation exchange on the connection's first
// stream. A nil session with nil error means the request was answered
// with a rejection and the connection should close.
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
func (s *Server) serveStream(stream *quic.Stream, sess *attest.Session) error {
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

	resp := s.dispatch(&req)

	respBytes, err := wire.Marshal(resp)
	if err != nil {
		return err
	}

	// Check the negotiated size limit before sealing: the counter nonce
	// must only advance for frames that are actually sent.
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
func (s *Server) dispatch(req *wire.Request) *wire.Response {
	switch req.Method {
	case wire.MethodCheckKeyImages:
		return s.checkKeyImages(req.Body)
	default:
		return &wire.Response{
			Status:  wire.StatusInvalidRequest,
			Message: fmt.Sprintf("unknown method %d", req.Method),
		}
	}
}

// checkKeyImages answers one spend-status query.
func (s *Server) checkKeyImages(body []byte) *wire.Response {
	var req wire.CheckKeyImagesRequest
	if err := wire.Unmarshal(body, &req); err != nil {
		return &wire.Response{
			Status:  wire.StatusInvalidRequest,
			Message: fmt.Sprintf("decode body: %v", err),
		}
	}

	resp := &wire.CheckKeyImagesResponse{
		NumBlocks:        s.ledger.NumBlocks(),
		GlobalTxOutCount: s.ledger.NumTxOuts(),
		Results:          make([]wire.KeyImageResult, 0, len(req.KeyImages)),
	}

	for _, img := range req.KeyImages {
		resp.Results = append(resp.Results, s.checkOne(img))
	}

	body, err := wire.Marshal(resp)
	if err != nil {
		return &wire.Response{
			Status:  wire.StatusInternal,
			Message: fmt.Sprintf("encode response: %v", err),
		}
	}

	return &wire.Response{Status: wire.StatusOK, Body: body}
}

// checkOne resolves the spend status of a single image. Unspent images
// report the max-timestamp sentinel with a found code; the timestamp
// resolver only runs for images this shard saw spent.
func (s *Server) checkOne(img wire.KeyImage) wire.KeyImageResult {
	block, found := s.table.Check(img)
	if !found {
		return wire.KeyImageResult{
			KeyImage:            img,
			Code:                wire.KeyImageNotSpent,
			Timestamp:           wire.MaxTimestamp,
			TimestampResultCode: wire.TimestampFound,
		}
	}

	ts, tsCode := s.resolver.Resolve(block)

	return wire.KeyImageResult{
		KeyImage:            img,
		SpentAt:             block,
		Code:                wire.KeyImageSpent,
		Timestamp:           ts,
		TimestampResultCode: tsCode,
	}
}
