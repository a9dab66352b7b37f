// Package attest implements the session handshake between a client and
// an attested endpoint: the endpoint produces a signed measurement
// report, the client verifies it against an allowlist, and both sides
// derive an authenticated cipher for the session.
//
// The report plays the role of remote-attestation evidence: it binds the
// endpoint's signing identity and chain ID into a single measurement the
// client can pin. The hardware quote machinery of a production enclave
// is an external capability; this layer defines only the contract the
// query tier needs from it.
package attest

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"Shardveil/internal/wire"
)

// NonceSize is the handshake nonce size in bytes.
const NonceSize = 32

// measurementDomain separates measurement hashing from other blake3 uses.
var measurementDomain = []byte("shardveil-measurement-v1")

// transcriptDomain separates handshake transcript hashing.
var transcriptDomain = []byte("shardveil-handshake-v1")

// Measurement identifies an acceptable endpoint: the blake3 hash of its
// signing key and chain ID.
type Measurement [32]byte

// String returns the full hex form.
func (m Measurement) String() string {
	return hex.EncodeToString(m[:])
}

// MeasurementOf computes the measurement for a signing key and chain ID.
func MeasurementOf(signerKey ed25519.PublicKey, chainID string) Measurement {
	h := blake3.New()
	h.Write(measurementDomain)
	h.Write(signerKey)
	h.Write([]byte(chainID))

	var m Measurement
	h.Sum(m[:0])

	return m
}

// ParseMeasurement decodes a 64-character hex measurement.
func ParseMeasurement(s string) (Measurement, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return Measurement{}, fmt.Errorf("invalid measurement %q", s)
	}

	var m Measurement
	copy(m[:], raw)

	return m, nil
}

// EvidenceError means the endpoint's report did not pass verification
// policy. Retrying cannot change the remote identity.
type EvidenceError struct {
	Reason string
}

func (e *EvidenceError) Error() string {
	return fmt.Sprintf("attestation evidence rejected: %s", e.Reason)
}

// ChainMismatchError means client and endpoint serve different chains.
type ChainMismatchError struct {
	Message string
}

func (e *ChainMismatchError) Error() string {
	return e.Message
}

// transcript hashes the full handshake exchange for signing.
func transcript(req *wire.AttestRequest, signerKey ed25519.PublicKey, chainID string, serverKex, serverNonce []byte) []byte {
	h := blake3.New()
	h.Write(transcriptDomain)
	h.Write(req.KexPub)
	h.Write(req.Nonce)
	h.Write(signerKey)
	h.Write([]byte(chainID))
	h.Write(serverKex)
	h.Write(serverNonce)

	return h.Sum(nil)
}

// Responder is the server half of the handshake.
type Responder struct {
	identity ed25519.PrivateKey // identity signs measurement reports
	chainID  string             // chainID is the chain this deployment serves
}

// NewResponder creates a responder for the given identity and chain.
func NewResponder(identity ed25519.PrivateKey, chainID string) *Responder {
	return &Responder{identity: identity, chainID: chainID}
}

// Respond handles one AttestRequest. On success it returns the response
// and the established session; on chain mismatch it returns a response
// the caller should still send, with a nil session.
func (r *Responder) Respond(req *wire.AttestRequest) (*wire.AttestResponse, *Session, error) {
	if req.ChainID != r.chainID {
		return &wire.AttestResponse{
			Status:  wire.HandshakeChainMismatch,
			Message: fmt.Sprintf("chain id mismatch, expected '%s'", r.chainID),
		}, nil, nil
	}

	clientPub, err := ecdh.X25519().NewPublicKey(req.KexPub)
	if err != nil {
		return &wire.AttestResponse{
			Status:  wire.HandshakeRejected,
			Message: "malformed key exchange public key",
		}, nil, nil
	}

	kex, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key exchange key: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	shared, err := kex.ECDH(clientPub)
	if err != nil {
		return nil, nil, fmt.Errorf("key exchange: %w", err)
	}

	signerKey := r.identity.Public().(ed25519.PublicKey)
	serverKex := kex.PublicKey().Bytes()
	sig := ed25519.Sign(r.identity, transcript(req, signerKey, r.chainID, serverKex, nonce))

	sess, err := newSession(shared, req.Nonce, nonce, false)
	if err != nil {
		return nil, nil, err
	}
	sess.maxResponseBytes = req.MaxResponseBytes

	return &wire.AttestResponse{
		Status:    wire.HandshakeOK,
		SignerKey: signerKey,
		ChainID:   r.chainID,
		KexPub:    serverKex,
		Nonce:     nonce,
		Signature: sig,
	}, sess, nil
}

// Verifier is the client half of the handshake.
type Verifier struct {
	chainID string        // chainID is the chain the client expects
	allowed []Measurement // allowed is the measurement allowlist
}

// NewVerifier creates a verifier that accepts endpoints whose
// measurement is in the allowlist.
func NewVerifier(chainID string, allowed []Measurement) *Verifier {
	return &Verifier{chainID: chainID, allowed: append([]Measurement{}, allowed...)}
}

// ChainID returns the chain the verifier expects.
func (v *Verifier) ChainID() string {
	return v.chainID
}

// NewRequest builds a fresh AttestRequest and the ephemeral key that
// must be passed to Verify.
func (v *Verifier) NewRequest(maxResponseBytes uint32) (*wire.AttestRequest, *ecdh.PrivateKey, error) {
	kex, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key exchange key: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return &wire.AttestRequest{
		ChainID:          v.chainID,
		KexPub:           kex.PublicKey().Bytes(),
		Nonce:            nonce,
		MaxResponseBytes: maxResponseBytes,
	}, kex, nil
}

// Verify checks the endpoint's report and derives the session.
func (v *Verifier) Verify(req *wire.AttestRequest, kex *ecdh.PrivateKey, resp *wire.AttestResponse) (*Session, error) {
	switch resp.Status {
	case wire.HandshakeOK:
	case wire.HandshakeChainMismatch:
		return nil, &ChainMismatchError{Message: resp.Message}
	default:
		return nil, fmt.Errorf("handshake rejected: %s", resp.Message)
	}

	if len(resp.SignerKey) != ed25519.PublicKeySize {
		return nil, &EvidenceError{Reason: "malformed signer key"}
	}

	signerKey := ed25519.PublicKey(resp.SignerKey)
	if !ed25519.Verify(signerKey, transcript(req, signerKey, resp.ChainID, resp.KexPub, resp.Nonce), resp.Signature) {
		return nil, &EvidenceError{Reason: "report signature invalid"}
	}

	measurement := MeasurementOf(signerKey, resp.ChainID)
	if !v.allowedMeasurement(measurement) {
		return nil, &EvidenceError{Reason: fmt.Sprintf("measurement %s not in allowlist", measurement)}
	}

	if resp.ChainID != v.chainID {
		return nil, &ChainMismatchError{
			Message: fmt.Sprintf("chain id mismatch, expected '%s'", v.chainID),
		}
	}

	serverPub, err := ecdh.X25519().NewPublicKey(resp.KexPub)
	if err != nil {
		return nil, &EvidenceError{Reason: "malformed key exchange public key"}
	}

	shared, err := kex.ECDH(serverPub)
	if err != nil {
		return nil, fmt.Errorf("key exchange: %w", err)
	}

	return newSession(shared, req.Nonce, resp.Nonce, true)
}

// allowedMeasurement reports whether m is in the allowlist.
func (v *Verifier) allowedMeasurement(m Measurement) bool {
	for _, a := range v.allowed {
		if a == m {
			return true
		}
	}

	return false
}
