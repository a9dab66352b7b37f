// Package omap provides the fixed-capacity key-image lookup table a
// store server queries on behalf of clients.
//
// The table stands in for the attested oblivious map: capacity is fixed
// at construction and every lookup touches the same fixed number of
// slots regardless of whether or where the key is found, so the slot
// access count never depends on the queried image. The stronger
// memory-access-pattern guarantees of the production enclave structure
// are assumed from the collaborator, not re-derived here.
package omap

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/zeebo/blake3"

	"Shardveil/internal/wire"
)

// probeCount is the fixed number of slots examined per operation.
const probeCount = 16

// ErrFull is returned when no free slot exists in the probe sequence.
// The table must be sized for the expected key-image population.
var ErrFull = errors.New("omap: table full")

// slot is one table entry.
type slot struct {
	used  bool
	img   wire.KeyImage
	block uint64
}

// Table is the fixed-capacity key-image table.
type Table struct {
	mu    sync.RWMutex
	slots []slot
	mask  uint64 // mask is len(slots)-1; len is a power of two
	count uint64
}

// New creates a table with at least the given capacity, rounded up to a
// power of two.
func New(capacity uint64) *Table {
	size := uint64(probeCount)
	for size < capacity {
		size *= 2
	}

	return &Table{
		slots: make([]slot, size),
		mask:  size - 1,
	}
}

// Len returns the number of stored key images.
func (t *Table) Len() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.count
}

// Capacity returns the number of slots.
func (t *Table) Capacity() uint64 {
	return uint64(len(t.slots))
}

// Add records that img was spent at blockIndex. Re-adding an image keeps
// the first recorded block: a key image is consumed exactly once.
func (t *Table) Add(img wire.KeyImage, blockIndex uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	base := probeBase(img)
	free := -1

	for i := 0; i < probeCount; i++ {
		idx := (base + uint64(i)*uint64(i)) & t.mask
		s := &t.slots[idx]

		if s.used && s.img == img {
			return nil
		}
		if !s.used && free < 0 {
			free = int(idx)
		}
	}

	if free < 0 {
		return ErrFull
	}

	t.slots[free] = slot{used: true, img: img, block: blockIndex}
	t.count++

	return nil
}

// Check reports whether img was spent and, if so, at which block. All
// probe slots are examined on every call; there is no early exit and no
// branching on the image value before the probe sequence completes.
func (t *Table) Check(img wire.KeyImage) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	base := probeBase(img)

	var (
		found bool
		block uint64
	)

	for i := 0; i < probeCount; i++ {
		idx := (base + uint64(i)*uint64(i)) & t.mask
		s := &t.slots[idx]

		hit := s.used && s.img == img
		if hit {
			found = true
			block = s.block
		}
	}

	return block, found
}

// probeBase derives the probe origin for an image.
func probeBase(img wire.KeyImage) uint64 {
	sum := blake3.Sum256(img[:])
	return binary.LittleEndian.Uint64(sum[:8])
}
