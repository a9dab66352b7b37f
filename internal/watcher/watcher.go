// Package watcher stores independently observed block signatures and
// resolves block indices to wall-clock signing timestamps.
//
// Each configured source is an observer that signs blocks it has seen
// with a BLS key and reports how far it has synced. The query tier only
// reads; ingestion is an external pipeline.
package watcher

import (
	"encoding/binary"
	"fmt"
	"sync"

	blst "github.com/supranational/blst/bindings/go"

	"Shardveil/internal/storage"
	"Shardveil/internal/wire"
)

const (
	// BLSPublicKeySize is the size of a compressed BLS public key.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a compressed BLS signature.
	BLSSignatureSize = 96
)

// blsDST is the domain separation tag for block signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// Storage key prefixes.
var (
	prefixSignature  = []byte("s:") // prefixSignature + source + ":" + 8-byte BE index
	prefixLastSynced = []byte("l:") // prefixLastSynced + source
)

// SignedBlockTimestamp is one observer's signature over one block.
type SignedBlockTimestamp struct {
	// BlockID is the hash of the signed block.
	BlockID []byte `cramberry:"1"`
	// SignerKey is the observer's compressed BLS public key.
	SignerKey []byte `cramberry:"2"`
	// Signature is the compressed BLS signature over BlockID.
	Signature []byte `cramberry:"3"`
	// SignedAt is the observer's wall-clock time, seconds since epoch.
	SignedAt uint64 `cramberry:"4"`
}

// Store is the pebble-backed signature store.
type Store struct {
	db      *storage.Store
	sources []string // sources are the configured observer URLs

	mu sync.RWMutex // mu protects lastSynced
	// lastSynced caches each source's reported sync height
	// (blocks [0, lastSynced] have been examined by the source).
	lastSynced map[string]uint64
}

// Open opens a watcher store at the given path for the given sources.
func Open(path string, sources []string) (*Store, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("watcher needs at least one source")
	}

	db, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open watcher db: %w", err)
	}

	s := &Store{
		db:         db,
		sources:    append([]string{}, sources...),
		lastSynced: make(map[string]uint64, len(sources)),
	}

	for _, src := range sources {
		raw, err := db.Get(lastSyncedKey(src))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("read sync height for %s: %w", src, err)
		}
		if len(raw) == 8 {
			s.lastSynced[src] = binary.BigEndian.Uint64(raw)
		}
	}

	return s, nil
}

// Close closes the underlying store.
func (s *Store) Close() error {
	return s.db.Close()
}

// ConfigURLs returns the configured observer sources.
func (s *Store) ConfigURLs() []string {
	return append([]string{}, s.sources...)
}

// AddBlockSignature records one observer's signature for a block.
// The BLS signature is verified against the record's signer key before
// it is stored; a bad signature is rejected.
func (s *Store) AddBlockSignature(source string, blockIndex uint64, sig SignedBlockTimestamp) error {
	if !s.knownSource(source) {
		return fmt.Errorf("unknown source %q", source)
	}

	if !VerifySignature(sig.Signature, sig.BlockID, sig.SignerKey) {
		return fmt.Errorf("invalid block signature from %s for block %d", source, blockIndex)
	}

	rec, err := wire.Marshal(&sig)
	if err != nil {
		return fmt.Errorf("encode signature: %w", err)
	}

	if err := s.db.Set(signatureKey(source, blockIndex), rec); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}

	// A signature implies the source has seen this block.
	return s.UpdateLastSynced(source, blockIndex)
}

// UpdateLastSynced records that the source has examined blocks up to and
// including blockIndex. Heights never move backwards.
func (s *Store) UpdateLastSynced(source string, blockIndex uint64) error {
	if !s.knownSource(source) {
		return fmt.Errorf("unknown source %q", source)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if blockIndex <= s.lastSynced[source] && s.lastSynced[source] != 0 {
		return nil
	}

	if err := s.db.Set(lastSyncedKey(source), be64(blockIndex)); err != nil {
		return fmt.Errorf("write sync height: %w", err)
	}

	s.lastSynced[source] = blockIndex

	return nil
}

// SignaturesFor returns all recorded signatures for a block index.
func (s *Store) SignaturesFor(blockIndex uint64) ([]SignedBlockTimestamp, error) {
	sigs := make([]SignedBlockTimestamp, 0, len(s.sources))

	for _, src := range s.sources {
		raw, err := s.db.Get(signatureKey(src, blockIndex))
		if err != nil {
			return nil, fmt.Errorf("read signature from %s: %w", src, err)
		}
		if raw == nil {
			continue
		}

		var sig SignedBlockTimestamp
		if err := wire.Unmarshal(raw, &sig); err != nil {
			return nil, fmt.Errorf("decode signature from %s: %w", src, err)
		}

		sigs = append(sigs, sig)
	}

	return sigs, nil
}

// SyncHeights returns each configured source's last-synced block index.
// A source that has never reported is at height zero: it has examined
// nothing yet.
func (s *Store) SyncHeights() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]uint64, len(s.sources))
	for _, src := range s.sources {
		out[src] = s.lastSynced[src]
	}

	return out
}

// knownSource reports whether source was configured at open.
func (s *Store) knownSource(source string) bool {
	for _, src := range s.sources {
		if src == source {
			return true
		}
	}

	return false
}

// signatureKey builds the storage key for one (source, block) signature.
func signatureKey(source string, blockIndex uint64) []byte {
	key := append(append([]byte{}, prefixSignature...), source...)
	key = append(key, ':')

	return append(key, be64(blockIndex)...)
}

// lastSyncedKey builds the storage key for a source's sync height.
func lastSyncedKey(source string) []byte {
	return append(append([]byte{}, prefixLastSynced...), source...)
}

// be64 encodes v as 8 big-endian bytes.
func be64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)

	return buf[:]
}

// --- BLS helpers ---

// SigningKey is an observer's BLS key pair.
type SigningKey struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// NewSigningKey creates a BLS key pair from a seed of at least 32 bytes.
func NewSigningKey(seed []byte) (*SigningKey, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &SigningKey{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign creates a BLS signature over the message.
func (k *SigningKey) Sign(message []byte) []byte {
	sig := new(blst.P2Affine).Sign(k.secret, message, blsDST)
	return sig.Compress()
}

// PublicKeyBytes returns the compressed public key bytes.
func (k *SigningKey) PublicKeyBytes() []byte {
	return k.public.Compress()
}

// VerifySignature checks a BLS signature against a message and public key.
func VerifySignature(signature, message, publicKey []byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKey) != BLSPublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}
