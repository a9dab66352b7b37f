// Package sharding maps block ranges onto store shards: a fixed-width
// epoch strategy decides which blocks a shard owns, and a directory
// tracks which endpoints currently serve which ranges.
package sharding

import "fmt"

// BlockRange is a half-open range of block indexes [Start, End).
type BlockRange struct {
	Start uint64 `cramberry:"1"`
	End   uint64 `cramberry:"2"`
}

// Contains reports whether idx falls inside the range.
func (r BlockRange) Contains(idx uint64) bool {
	return idx >= r.Start && idx < r.End
}

// Overlaps reports whether the two ranges share any block.
func (r BlockRange) Overlaps(o BlockRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Len returns the number of blocks in the range.
func (r BlockRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}

	return r.End - r.Start
}

func (r BlockRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// EpochStrategy assigns blocks to shards in fixed-width epochs: epoch e
// owns blocks [e*Width, (e+1)*Width). Width must be positive; callers
// validate it when parsing configuration.
type EpochStrategy struct {
	Width uint64 // Width is the number of blocks per epoch, at least 1
}

// EpochFor returns the epoch owning a block index.
func (s EpochStrategy) EpochFor(idx uint64) uint64 {
	return idx / s.Width
}

// RangeFor returns the block range owned by an epoch.
func (s EpochStrategy) RangeFor(epoch uint64) BlockRange {
	return BlockRange{Start: epoch * s.Width, End: (epoch + 1) * s.Width}
}

// EpochsCovering returns the epochs needed to cover blocks [0, height).
func (s EpochStrategy) EpochsCovering(height uint64) []uint64 {
	if height == 0 {
		return nil
	}

	last := s.EpochFor(height - 1)
	epochs := make([]uint64, 0, last+1)
	for e := uint64(0); e <= last; e++ {
		epochs = append(epochs, e)
	}

	return epochs
}
