package attest

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// Key-derivation contexts for the two cipher directions.
const (
	deriveClientToServer = "shardveil 2025-06 session c2s"
	deriveServerToClient = "shardveil 2025-06 session s2c"
)

// CipherError means a sealed message failed to authenticate or decrypt.
// The session key state is no longer trustworthy.
type CipherError struct {
	Err error
}

func (e *CipherError) Error() string {
	return fmt.Sprintf("session cipher: %v", e.Err)
}

func (e *CipherError) Unwrap() error {
	return e.Err
}

// Session is the authenticated cipher established by the handshake.
// Each direction uses its own key and a counter nonce; a mutex
// serializes counter use so a session is safe for concurrent calls.
type Session struct {
	mu               sync.Mutex
	send             aeadState
	recv             aeadState
	maxResponseBytes uint32
}

// aeadState is one direction's cipher and nonce counter.
type aeadState struct {
	aead    cipher.AEAD
	counter uint64
}

// newSession derives the two directional keys from the shared secret
// and handshake nonces. client selects which direction this side sends on.
func newSession(shared, clientNonce, serverNonce []byte, client bool) (*Session, error) {
	material := make([]byte, 0, len(shared)+len(clientNonce)+len(serverNonce))
	material = append(material, shared...)
	material = append(material, clientNonce...)
	material = append(material, serverNonce...)

	var c2s, s2c [chacha20poly1305.KeySize]byte
	blake3.DeriveKey(deriveClientToServer, material, c2s[:])
	blake3.DeriveKey(deriveServerToClient, material, s2c[:])

	c2sAEAD, err := chacha20poly1305.New(c2s[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	s2cAEAD, err := chacha20poly1305.New(s2c[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	s := &Session{}
	if client {
		s.send = aeadState{aead: c2sAEAD}
		s.recv = aeadState{aead: s2cAEAD}
	} else {
		s.send = aeadState{aead: s2cAEAD}
		s.recv = aeadState{aead: c2sAEAD}
	}

	return s, nil
}

// MaxResponseBytes returns the client-negotiated response size limit.
// Zero means no limit was requested.
func (s *Session) MaxResponseBytes() uint32 {
	return s.maxResponseBytes
}

// Seal encrypts and authenticates a message for the peer.
func (s *Session) Seal(plaintext []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce := counterNonce(s.send.counter)
	s.send.counter++

	return s.send.aead.Seal(nil, nonce, plaintext, nil)
}

// Open authenticates and decrypts a message from the peer.
func (s *Session) Open(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce := counterNonce(s.recv.counter)

	plaintext, err := s.recv.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &CipherError{Err: err}
	}

	s.recv.counter++

	return plaintext, nil
}

// counterNonce encodes a message counter as an AEAD nonce.
func counterNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[:8], counter)

	return nonce
}
