package watcher

import (
	"Shardveil/internal/logger"
	"Shardveil/internal/wire"
)

// Resolver maps a block index to the best-known signing timestamp and a
// result code. The earliest recorded timestamp among observers wins: it
// is the most conservative estimate of when the block became final.
type Resolver struct {
	store *Store
}

// NewResolver creates a resolver over the given signature store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the timestamp and result code for a block index.
//
// The origin block has no signer, and indices past every observer's sync
// height are unknowable yet; both report BlockIndexOutOfBounds with the
// max-timestamp sentinel. When no signature exists, the result
// distinguishes a possibly temporary absence (some observer still behind
// this index: WatcherBehind) from a permanent one (every observer synced
// past it without signing: Unavailable).
func (r *Resolver) Resolve(blockIndex uint64) (uint64, wire.TimestampResultCode) {
	if blockIndex == 0 {
		return wire.MaxTimestamp, wire.BlockIndexOutOfBounds
	}

	heights := r.store.SyncHeights()

	maxSynced := uint64(0)
	minSynced := wire.MaxTimestamp
	for _, h := range heights {
		if h > maxSynced {
			maxSynced = h
		}
		if h < minSynced {
			minSynced = h
		}
	}

	if blockIndex > maxSynced {
		return wire.MaxTimestamp, wire.BlockIndexOutOfBounds
	}

	sigs, err := r.store.SignaturesFor(blockIndex)
	if err != nil {
		logger.Warn("signature lookup failed", "block", blockIndex, "error", err)
		return wire.MaxTimestamp, wire.WatcherDatabaseError
	}

	if len(sigs) > 0 {
		earliest := sigs[0].SignedAt
		for _, sig := range sigs[1:] {
			if sig.SignedAt < earliest {
				earliest = sig.SignedAt
			}
		}

		return earliest, wire.TimestampFound
	}

	if minSynced < blockIndex {
		return wire.MaxTimestamp, wire.WatcherBehind
	}

	return wire.MaxTimestamp, wire.TimestampUnavailable
}
