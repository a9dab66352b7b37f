package wire

// Attestation handshake messages. The handshake runs in plaintext on the
// first stream of a connection; everything after it is sealed by the
// negotiated session cipher.

// HandshakeStatus is the server's verdict on a session request.
type HandshakeStatus uint32

const (
	HandshakeOK HandshakeStatus = 0
	// HandshakeChainMismatch means the client named a different chain
	// than the one this deployment serves. Permanent for this pairing.
	HandshakeChainMismatch HandshakeStatus = 1
	HandshakeRejected      HandshakeStatus = 2
)

// AttestRequest opens an attested session.
type AttestRequest struct {
	ChainID string `cramberry:"1"`
	// KexPub is the client's ephemeral X25519 public key.
	KexPub []byte `cramberry:"2"`
	Nonce  []byte `cramberry:"3"`
	// MaxResponseBytes is the largest sealed response the client will
	// accept on this session. Zero means the server default.
	MaxResponseBytes uint32 `cramberry:"4"`
}

// AttestResponse carries the server's evidence report.
type AttestResponse struct {
	Status  HandshakeStatus `cramberry:"1"`
	Message string          `cramberry:"2"`
	// SignerKey is the server's ed25519 identity key.
	SignerKey []byte `cramberry:"3"`
	ChainID   string `cramberry:"4"`
	// KexPub is the server's ephemeral X25519 public key.
	KexPub []byte `cramberry:"5"`
	Nonce  []byte `cramberry:"6"`
	// Signature is an ed25519 signature over the handshake transcript.
	Signature []byte `cramberry:"7"`
}
