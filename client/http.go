package client

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/zstd"

	"Shardveil/internal/ledger"
	"Shardveil/internal/router"
)

// HTTPClient reads block and tx-out data over the untrusted HTTP path.
type HTTPClient struct {
	addr    string        // addr is the router's HTTP address (e.g. "127.0.0.1:8080")
	decoder *zstd.Decoder // decoder decompresses zstd responses
}

// NewHTTPClient creates a reader for the untrusted API at addr.
func NewHTTPClient(addr string) (*HTTPClient, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder:\n%w", err)
	}

	return &HTTPClient{addr: addr, decoder: decoder}, nil
}

// GetBlocks fetches count blocks starting at index start.
func (c *HTTPClient) GetBlocks(start uint64, count uint32) (*router.BlocksResponse, error) {
	req := router.BlocksRequest{Start: start, Count: count}

	resp := new(router.BlocksResponse)
	if err := c.postJSON("/blocks", req, resp); err != nil {
		return nil, fmt.Errorf("get blocks:\n%w", err)
	}

	return resp, nil
}

// GetTxOuts looks up outputs by their one-time public keys.
func (c *HTTPClient) GetTxOuts(pubKeys [][32]byte) (*router.TxOutsResponse, error) {
	req := router.TxOutsRequest{PublicKeys: make([]string, 0, len(pubKeys))}
	for _, key := range pubKeys {
		req.PublicKeys = append(req.PublicKeys, hex.EncodeToString(key[:]))
	}

	resp := new(router.TxOutsResponse)
	if err := c.postJSON("/txouts", req, resp); err != nil {
		return nil, fmt.Errorf("get tx outs:\n%w", err)
	}

	return resp, nil
}

// GetProofs fetches membership proofs for the given global indexes
// against the tree over the first treeSize outputs. A treeSize of zero
// means the server's current output count.
func (c *HTTPClient) GetProofs(indexes []uint64, treeSize uint64) (*router.ProofsResponse, error) {
	req := router.ProofsRequest{Indexes: indexes, TreeSize: treeSize}

	resp := new(router.ProofsResponse)
	if err := c.postJSON("/proofs", req, resp); err != nil {
		return nil, fmt.Errorf("get proofs:\n%w", err)
	}

	return resp, nil
}

// Status fetches the router's untrusted status document.
func (c *HTTPClient) Status() (map[string]any, error) {
	resp, err := http.Get("http://" + c.addr + "/status")
	if err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get status: status %d", resp.StatusCode)
	}

	status := make(map[string]any)
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status:\n%w", err)
	}

	return status, nil
}

// VerifyProof recomputes the root a proof implies for an output record.
// The caller compares the result against a root it already trusts; the
// server's word is never taken for membership.
func VerifyProof(record *router.TxOutRecord, proof *router.ProofRecord) ([32]byte, error) {
	keyBytes, err := hex.DecodeString(record.PublicKey)
	if err != nil || len(keyBytes) != 32 {
		return [32]byte{}, fmt.Errorf("invalid public key: %q", record.PublicKey)
	}

	data, err := hex.DecodeString(record.Data)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid data hex:\n%w", err)
	}

	txOut := &ledger.TxOut{Data: data}
	copy(txOut.PublicKey[:], keyBytes)

	membership := &ledger.MembershipProof{
		Index:    proof.Index,
		TreeSize: proof.TreeSize,
		Siblings: make([][]byte, 0, len(proof.Siblings)),
	}
	for _, sibling := range proof.Siblings {
		raw, err := hex.DecodeString(sibling)
		if err != nil {
			return [32]byte{}, fmt.Errorf("invalid sibling hex:\n%w", err)
		}
		membership.Siblings = append(membership.Siblings, raw)
	}

	return ledger.ImpliedRoot(ledger.TxOutHash(txOut), membership)
}

// postJSON performs a POST with a JSON body and decodes the response,
// requesting zstd compression.
func (c *HTTPClient) postJSON(path string, body any, result any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	url := "http://" + c.addr + path

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "zstd")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response:\n%w", err)
	}

	if resp.Header.Get("Content-Encoding") == "zstd" {
		raw, err = c.decoder.DecodeAll(raw, nil)
		if err != nil {
			return fmt.Errorf("decompress response:\n%w", err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: status %d: %s", url, resp.StatusCode, raw)
	}

	return json.NewDecoder(bytes.NewReader(raw)).Decode(result)
}
