package watcher

import (
	"bytes"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, sources ...string) *Store {
	t.Helper()

	if len(sources) == 0 {
		sources = []string{"https://observer-a.test"}
	}

	s, err := Open(filepath.Join(t.TempDir(), "watcher"), sources)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func newTestSigner(t *testing.T, b byte) *SigningKey {
	t.Helper()

	seed := bytes.Repeat([]byte{b}, 32)

	key, err := NewSigningKey(seed)
	if err != nil {
		t.Fatalf("NewSigningKey: %v", err)
	}

	return key
}

// signedTimestamp builds a valid signature record for a block.
func signedTimestamp(key *SigningKey, blockID []byte, signedAt uint64) SignedBlockTimestamp {
	return SignedBlockTimestamp{
		BlockID:   blockID,
		SignerKey: key.PublicKeyBytes(),
		Signature: key.Sign(blockID),
		SignedAt:  signedAt,
	}
}

func TestSignAndVerify(t *testing.T) {
	key := newTestSigner(t, 1)
	msg := []byte("block-id")

	sig := key.Sign(msg)
	if len(sig) != BLSSignatureSize {
		t.Fatalf("signature size = %d", len(sig))
	}

	if !VerifySignature(sig, msg, key.PublicKeyBytes()) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(sig, []byte("other"), key.PublicKeyBytes()) {
		t.Error("signature verified against wrong message")
	}

	other := newTestSigner(t, 2)
	if VerifySignature(sig, msg, other.PublicKeyBytes()) {
		t.Error("signature verified against wrong key")
	}
}

func TestAddBlockSignature(t *testing.T) {
	s := newTestStore(t)
	key := newTestSigner(t, 1)

	sig := signedTimestamp(key, []byte("block-3"), 1700000000)
	if err := s.AddBlockSignature("https://observer-a.test", 3, sig); err != nil {
		t.Fatalf("AddBlockSignature: %v", err)
	}

	sigs, err := s.SignaturesFor(3)
	if err != nil {
		t.Fatalf("SignaturesFor: %v", err)
	}
	if len(sigs) != 1 || sigs[0].SignedAt != 1700000000 {
		t.Errorf("sigs = %+v", sigs)
	}

	// A signature implies the source has seen the block.
	if h := s.SyncHeights()["https://observer-a.test"]; h != 3 {
		t.Errorf("sync height = %d, want 3", h)
	}
}

func TestAddBlockSignatureRejectsBadSignature(t *testing.T) {
	s := newTestStore(t)
	key := newTestSigner(t, 1)

	sig := signedTimestamp(key, []byte("block-3"), 1700000000)
	sig.Signature[0] ^= 1

	if err := s.AddBlockSignature("https://observer-a.test", 3, sig); err == nil {
		t.Fatal("forged signature accepted")
	}
}

func TestAddBlockSignatureRejectsUnknownSource(t *testing.T) {
	s := newTestStore(t)
	key := newTestSigner(t, 1)

	sig := signedTimestamp(key, []byte("block-3"), 1700000000)
	if err := s.AddBlockSignature("https://stranger.test", 3, sig); err == nil {
		t.Fatal("unknown source accepted")
	}
}

func TestSyncHeightsMonotonic(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpdateLastSynced("https://observer-a.test", 10); err != nil {
		t.Fatalf("UpdateLastSynced: %v", err)
	}
	if err := s.UpdateLastSynced("https://observer-a.test", 5); err != nil {
		t.Fatalf("UpdateLastSynced: %v", err)
	}

	if h := s.SyncHeights()["https://observer-a.test"]; h != 10 {
		t.Errorf("sync height = %d, want 10", h)
	}
}

func TestSyncHeightsIncludesSilentSources(t *testing.T) {
	s := newTestStore(t, "https://observer-a.test", "https://observer-b.test")

	if err := s.UpdateLastSynced("https://observer-a.test", 10); err != nil {
		t.Fatalf("UpdateLastSynced: %v", err)
	}

	heights := s.SyncHeights()
	if h, ok := heights["https://observer-b.test"]; !ok || h != 0 {
		t.Errorf("silent source height = %d (present %v), want 0", h, ok)
	}
	if heights["https://observer-a.test"] != 10 {
		t.Errorf("reporting source height = %d, want 10", heights["https://observer-a.test"])
	}
}

func TestReopenKeepsState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "watcher")
	sources := []string{"https://observer-a.test"}
	key := newTestSigner(t, 1)

	s, err := Open(dir, sources)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.AddBlockSignature(sources[0], 3, signedTimestamp(key, []byte("block-3"), 42)); err != nil {
		t.Fatalf("AddBlockSignature: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, sources)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	sigs, err := reopened.SignaturesFor(3)
	if err != nil {
		t.Fatalf("SignaturesFor: %v", err)
	}
	if len(sigs) != 1 || sigs[0].SignedAt != 42 {
		t.Errorf("sigs = %+v", sigs)
	}
	if h := reopened.SyncHeights()[sources[0]]; h != 3 {
		t.Errorf("sync height = %d, want 3", h)
	}
}
