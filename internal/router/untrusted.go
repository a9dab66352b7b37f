package router

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"Shardveil/internal/ledger"
	"Shardveil/internal/logger"
	"Shardveil/internal/watcher"
	"Shardveil/internal/wire"
)

const (
	// maxRequestSize is the maximum JSON request body size.
	maxRequestSize = 1 << 20 // 1 MB

	// maxBlocksPerRequest caps one block-range read.
	maxBlocksPerRequest = 1000

	// maxLookupsPerRequest caps one tx-out or proof lookup batch.
	maxLookupsPerRequest = 1000
)

// UntrustedServer is the plaintext HTTP read path: block and tx-out
// data that carries no privacy requirement. Key-image queries never go
// through here.
type UntrustedServer struct {
	addr     string
	ledger   *ledger.Ledger
	watcher  *watcher.Store
	resolver *watcher.Resolver
	encoder  *zstd.Encoder
	server   *http.Server
}

// NewUntrustedServer creates the HTTP read server. The watcher store is
// optional; without one, block timestamps report unavailable.
func NewUntrustedServer(addr string, lgr *ledger.Ledger, w *watcher.Store) (*UntrustedServer, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	s := &UntrustedServer{
		addr:    addr,
		ledger:  lgr,
		watcher: w,
		encoder: encoder,
	}
	if w != nil {
		s.resolver = watcher.NewResolver(w)
	}

	return s, nil
}

// Start starts the HTTP server in a goroutine.
func (s *UntrustedServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /blocks", s.handleBlocks)
	mux.HandleFunc("POST /txouts", s.handleTxOuts)
	mux.HandleFunc("POST /proofs", s.handleProofs)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("untrusted read api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *UntrustedServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// --- request/response shapes ---

// BlocksRequest asks for a contiguous block range.
type BlocksRequest struct {
	Start uint64 `json:"start"`
	Count uint32 `json:"count"`
}

// TxOutRecord is one output in JSON form.
type TxOutRecord struct {
	PublicKey   string `json:"publicKey"`
	Data        string `json:"data"`
	BlockIndex  uint64 `json:"blockIndex"`
	GlobalIndex uint64 `json:"globalIndex"`
}

// BlockRecord is one block with its outputs and signing timestamp.
type BlockRecord struct {
	Index               uint64                   `json:"index"`
	TxOutStart          uint64                   `json:"txOutStart"`
	Outputs             []TxOutRecord            `json:"outputs"`
	KeyImages           []string                 `json:"keyImages"`
	Timestamp           uint64                   `json:"timestamp"`
	TimestampResultCode wire.TimestampResultCode `json:"timestampResultCode"`
}

// BlocksResponse is the block-range answer.
type BlocksResponse struct {
	NumBlocks uint64        `json:"numBlocks"`
	Blocks    []BlockRecord `json:"blocks"`
}

// TxOutsRequest asks whether outputs with the given public keys exist.
type TxOutsRequest struct {
	PublicKeys []string `json:"publicKeys"`
}

// TxOutResult is the per-key answer.
type TxOutResult struct {
	PublicKey string               `json:"publicKey"`
	Code      wire.TxOutResultCode `json:"code"`
	TxOut     *TxOutRecord         `json:"txOut,omitempty"`
}

// TxOutsResponse is the existence-lookup answer.
type TxOutsResponse struct {
	NumBlocks        uint64        `json:"numBlocks"`
	GlobalTxOutCount uint64        `json:"globalTxOutCount"`
	Results          []TxOutResult `json:"results"`
}

// ProofsRequest asks for membership proofs by global index. TreeSize of
// zero means the current output count.
type ProofsRequest struct {
	Indexes  []uint64 `json:"indexes"`
	TreeSize uint64   `json:"treeSize"`
}

// ProofRecord is one membership proof in JSON form. An index outside
// the tree is absent data, not an error: the record carries a not-found
// code and no siblings.
type ProofRecord struct {
	Index    uint64               `json:"index"`
	Code     wire.TxOutResultCode `json:"code"`
	TreeSize uint64               `json:"treeSize"`
	Siblings []string             `json:"siblings,omitempty"`
}

// ProofsResponse is the proof-lookup answer.
type ProofsResponse struct {
	Proofs []ProofRecord `json:"proofs"`
}

// --- handlers ---

// handleBlocks handles POST /blocks requests.
func (s *UntrustedServer) handleBlocks(w http.ResponseWriter, r *http.Request) {
	var req BlocksRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if req.Count == 0 || req.Count > maxBlocksPerRequest {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("count must be in [1,%d]", maxBlocksPerRequest))
		return
	}

	resp := BlocksResponse{NumBlocks: s.ledger.NumBlocks(), Blocks: []BlockRecord{}}

	end := req.Start + uint64(req.Count)
	if end > resp.NumBlocks {
		end = resp.NumBlocks
	}

	for index := req.Start; index < end; index++ {
		block, err := s.ledger.GetBlock(index)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("read block %d", index))
			return
		}

		outputs, err := s.ledger.BlockOutputs(block)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("read outputs of block %d", index))
			return
		}

		ts, tsCode := s.blockTimestamp(index)

		record := BlockRecord{
			Index:               block.Index,
			TxOutStart:          block.TxOutStart,
			Outputs:             make([]TxOutRecord, 0, len(outputs)),
			KeyImages:           make([]string, 0, len(block.KeyImages)),
			Timestamp:           ts,
			TimestampResultCode: tsCode,
		}
		for i := range outputs {
			record.Outputs = append(record.Outputs, txOutRecord(&outputs[i]))
		}
		for _, img := range block.KeyImages {
			record.KeyImages = append(record.KeyImages, hex.EncodeToString(img[:]))
		}

		resp.Blocks = append(resp.Blocks, record)
	}

	s.writeJSON(w, r, http.StatusOK, resp)
}

// handleTxOuts handles POST /txouts requests.
func (s *UntrustedServer) handleTxOuts(w http.ResponseWriter, r *http.Request) {
	var req TxOutsRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if len(req.PublicKeys) > maxLookupsPerRequest {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("at most %d keys per request", maxLookupsPerRequest))
		return
	}

	resp := TxOutsResponse{
		NumBlocks:        s.ledger.NumBlocks(),
		GlobalTxOutCount: s.ledger.NumTxOuts(),
		Results:          make([]TxOutResult, 0, len(req.PublicKeys)),
	}

	for _, keyHex := range req.PublicKeys {
		resp.Results = append(resp.Results, s.lookupTxOut(keyHex))
	}

	s.writeJSON(w, r, http.StatusOK, resp)
}

// lookupTxOut resolves one public key to its output, if any.
func (s *UntrustedServer) lookupTxOut(keyHex string) TxOutResult {
	result := TxOutResult{PublicKey: keyHex}

	raw, err := hex.DecodeString(keyHex)
	if err != nil || len(raw) != 32 {
		result.Code = wire.TxOutNotFound
		return result
	}

	var pubKey [32]byte
	copy(pubKey[:], raw)

	txOut, err := s.ledger.TxOutByPubKey(pubKey)
	switch {
	case err == nil:
		record := txOutRecord(txOut)
		result.Code = wire.TxOutFound
		result.TxOut = &record
	case err == ledger.ErrNotFound:
		result.Code = wire.TxOutNotFound
	default:
		logger.Warn("tx out lookup failed", "error", err)
		result.Code = wire.TxOutDatabaseError
	}

	return result
}

// handleProofs handles POST /proofs requests.
func (s *UntrustedServer) handleProofs(w http.ResponseWriter, r *http.Request) {
	var req ProofsRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if len(req.Indexes) == 0 || len(req.Indexes) > maxLookupsPerRequest {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("indexes must have [1,%d] entries", maxLookupsPerRequest))
		return
	}

	resp := ProofsResponse{Proofs: make([]ProofRecord, 0, len(req.Indexes))}

	for _, index := range req.Indexes {
		resp.Proofs = append(resp.Proofs, s.lookupProof(index, req.TreeSize))
	}

	s.writeJSON(w, r, http.StatusOK, resp)
}

// lookupProof builds the proof record for one global index.
func (s *UntrustedServer) lookupProof(index, treeSize uint64) ProofRecord {
	proof, err := s.ledger.MembershipProof(index, treeSize)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrNotFound):
		return ProofRecord{Index: index, Code: wire.TxOutNotFound}
	default:
		logger.Warn("proof lookup failed", "index", index, "error", err)
		return ProofRecord{Index: index, Code: wire.TxOutDatabaseError}
	}

	record := ProofRecord{
		Index:    proof.Index,
		Code:     wire.TxOutFound,
		TreeSize: proof.TreeSize,
		Siblings: make([]string, 0, len(proof.Siblings)),
	}
	for _, sibling := range proof.Siblings {
		record.Siblings = append(record.Siblings, hex.EncodeToString(sibling))
	}

	return record
}

// handleHealth handles GET /health requests.
func (s *UntrustedServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *UntrustedServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"numBlocks":        s.ledger.NumBlocks(),
		"globalTxOutCount": s.ledger.NumTxOuts(),
	}
	if s.watcher != nil {
		status["watcherSyncHeights"] = s.watcher.SyncHeights()
	}

	s.writeJSON(w, r, http.StatusOK, status)
}

// blockTimestamp resolves a block's signing timestamp, if a watcher is
// configured.
func (s *UntrustedServer) blockTimestamp(index uint64) (uint64, wire.TimestampResultCode) {
	if s.resolver == nil {
		return wire.MaxTimestamp, wire.TimestampUnavailable
	}

	return s.resolver.Resolve(index)
}

// txOutRecord converts a stored output to its JSON form.
func txOutRecord(txOut *ledger.TxOut) TxOutRecord {
	return TxOutRecord{
		PublicKey:   hex.EncodeToString(txOut.PublicKey[:]),
		Data:        hex.EncodeToString(txOut.Data),
		BlockIndex:  txOut.BlockIndex,
		GlobalIndex: txOut.GlobalIndex,
	}
}

// decodeRequest reads a JSON request body. A false return means the
// error response was already written.
func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return false
	}

	return true
}

// writeJSON writes a JSON response, zstd-compressed when the client
// accepts it.
func (s *UntrustedServer) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode response")
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if strings.Contains(r.Header.Get("Accept-Encoding"), "zstd") {
		w.Header().Set("Content-Encoding", "zstd")
		body = s.encoder.EncodeAll(body, nil)
	}

	w.WriteHeader(status)
	w.Write(body)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
