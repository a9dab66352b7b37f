package watcher

import (
	"testing"

	"Shardveil/internal/wire"
)

const (
	sourceA = "https://observer-a.test"
	sourceB = "https://observer-b.test"
)

func TestResolveOriginBlock(t *testing.T) {
	s := newTestStore(t, sourceA)
	r := NewResolver(s)

	ts, code := r.Resolve(0)
	if code != wire.BlockIndexOutOfBounds {
		t.Errorf("code = %d, want BlockIndexOutOfBounds", code)
	}
	if ts != wire.MaxTimestamp {
		t.Errorf("ts = %d, want sentinel", ts)
	}
}

func TestResolveBeyondSyncHeight(t *testing.T) {
	s := newTestStore(t, sourceA)
	r := NewResolver(s)

	if err := s.UpdateLastSynced(sourceA, 5); err != nil {
		t.Fatalf("UpdateLastSynced: %v", err)
	}

	ts, code := r.Resolve(6)
	if code != wire.BlockIndexOutOfBounds {
		t.Errorf("code = %d, want BlockIndexOutOfBounds", code)
	}
	if ts != wire.MaxTimestamp {
		t.Errorf("ts = %d, want sentinel", ts)
	}
}

func TestResolveFindsEarliestTimestamp(t *testing.T) {
	s := newTestStore(t, sourceA, sourceB)
	r := NewResolver(s)

	keyA := newTestSigner(t, 1)
	keyB := newTestSigner(t, 2)

	if err := s.AddBlockSignature(sourceA, 3, signedTimestamp(keyA, []byte("block-3"), 200)); err != nil {
		t.Fatalf("AddBlockSignature: %v", err)
	}
	if err := s.AddBlockSignature(sourceB, 3, signedTimestamp(keyB, []byte("block-3"), 100)); err != nil {
		t.Fatalf("AddBlockSignature: %v", err)
	}

	ts, code := r.Resolve(3)
	if code != wire.TimestampFound {
		t.Fatalf("code = %d, want TimestampFound", code)
	}
	if ts != 100 {
		t.Errorf("ts = %d, want earliest 100", ts)
	}
}

func TestResolveWatcherBehind(t *testing.T) {
	s := newTestStore(t, sourceA, sourceB)
	r := NewResolver(s)

	// Observer A has synced past block 3 without signing it; observer B
	// is still behind, so a signature may yet arrive.
	if err := s.UpdateLastSynced(sourceA, 10); err != nil {
		t.Fatalf("UpdateLastSynced: %v", err)
	}
	if err := s.UpdateLastSynced(sourceB, 2); err != nil {
		t.Fatalf("UpdateLastSynced: %v", err)
	}

	_, code := r.Resolve(3)
	if code != wire.WatcherBehind {
		t.Errorf("code = %d, want WatcherBehind", code)
	}
}

func TestResolveBehindWhenSourceNeverReported(t *testing.T) {
	s := newTestStore(t, sourceA, sourceB)
	r := NewResolver(s)

	// Observer B has never reported a sync height; it may still sign
	// block 3, so its absence is not permanent.
	if err := s.UpdateLastSynced(sourceA, 10); err != nil {
		t.Fatalf("UpdateLastSynced: %v", err)
	}

	_, code := r.Resolve(3)
	if code != wire.WatcherBehind {
		t.Errorf("code = %d, want WatcherBehind", code)
	}
}

func TestResolveUnavailable(t *testing.T) {
	s := newTestStore(t, sourceA, sourceB)
	r := NewResolver(s)

	// Every observer has synced past block 3 and none signed it.
	if err := s.UpdateLastSynced(sourceA, 10); err != nil {
		t.Fatalf("UpdateLastSynced: %v", err)
	}
	if err := s.UpdateLastSynced(sourceB, 10); err != nil {
		t.Fatalf("UpdateLastSynced: %v", err)
	}

	_, code := r.Resolve(3)
	if code != wire.TimestampUnavailable {
		t.Errorf("code = %d, want TimestampUnavailable", code)
	}
}
