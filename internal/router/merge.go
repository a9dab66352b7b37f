// Package router implements the client-facing query front end: it fans
// attested key-image queries out to every store shard, merges the
// per-shard answers, and serves the untrusted HTTP read path.
package router

import (
	"fmt"

	"Shardveil/internal/wire"
)

// mergeResponses combines per-shard answers into one client answer.
//
// A key image is spent if any shard saw it spent; when shards disagree
// on the block (overlapping ranges), the earliest spend wins. NumBlocks
// and GlobalTxOutCount take the highest view across shards. Merging is
// strict: a shard-level error result fails the whole query rather than
// risk reporting a spent image as unspent.
func mergeResponses(images []wire.KeyImage, shardResponses []*wire.CheckKeyImagesResponse) (*wire.CheckKeyImagesResponse, error) {
	merged := &wire.CheckKeyImagesResponse{
		Results: make([]wire.KeyImageResult, 0, len(images)),
	}

	best := make(map[wire.KeyImage]wire.KeyImageResult, len(images))

	for _, resp := range shardResponses {
		if resp.NumBlocks > merged.NumBlocks {
			merged.NumBlocks = resp.NumBlocks
		}
		if resp.GlobalTxOutCount > merged.GlobalTxOutCount {
			merged.GlobalTxOutCount = resp.GlobalTxOutCount
		}

		for _, result := range resp.Results {
			switch result.Code {
			case wire.KeyImageSpent, wire.KeyImageNotSpent:
			default:
				return nil, fmt.Errorf("shard reported error for key image %s", result.KeyImage)
			}

			current, seen := best[result.KeyImage]
			if !seen || betterResult(result, current) {
				best[result.KeyImage] = result
			}
		}
	}

	for _, img := range images {
		result, seen := best[img]
		if !seen {
			return nil, fmt.Errorf("no shard answered for key image %s", img)
		}

		merged.Results = append(merged.Results, result)
	}

	return merged, nil
}

// betterResult reports whether a should replace b in the merge: a spent
// report beats an unspent one, and an earlier spend beats a later one.
func betterResult(a, b wire.KeyImageResult) bool {
	if a.Code == wire.KeyImageSpent && b.Code != wire.KeyImageSpent {
		return true
	}
	if a.Code != wire.KeyImageSpent {
		return false
	}

	return a.SpentAt < b.SpentAt
}
