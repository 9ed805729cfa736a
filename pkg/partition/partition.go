// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package partition splits an object of known size into contiguous byte
// ranges.
package partition

import "github.com/LeeDigitalWorks/s3fanout/pkg/types"

// DefaultChunkSize is 512 KiB.
const DefaultChunkSize int64 = 512 * 1024

// Count returns the number of ranges Partition produces.
func Count(total, chunkSize int64) int {
	if total <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((total + chunkSize - 1) / chunkSize)
}

// Partition returns ceil(total/chunkSize) half-open ranges that cover
// [0, total) exactly once, in ascending order. Every range is at most
// chunkSize bytes and only the last one may be shorter. A non-positive total
// or chunk size yields no ranges.
func Partition(total, chunkSize int64) []types.ByteRange {
	n := Count(total, chunkSize)
	if n == 0 {
		return nil
	}

	ranges := make([]types.ByteRange, 0, n)
	for start := int64(0); start < total; {
		end := start + min(chunkSize, total-start)
		ranges = append(ranges, types.ByteRange{Start: start, End: end})
		start = end
	}
	return ranges
}
