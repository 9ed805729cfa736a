// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package partition

import (
	"testing"

	"github.com/LeeDigitalWorks/s3fanout/pkg/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		total     int64
		chunkSize int64
		expected  []types.ByteRange
	}{
		{
			name:      "empty object",
			total:     0,
			chunkSize: 10,
			expected:  nil,
		},
		{
			name:      "negative size",
			total:     -1,
			chunkSize: 10,
			expected:  nil,
		},
		{
			name:      "zero chunk size",
			total:     100,
			chunkSize: 0,
			expected:  nil,
		},
		{
			name:      "exact single chunk",
			total:     10,
			chunkSize: 10,
			expected:  []types.ByteRange{{Start: 0, End: 10}},
		},
		{
			name:      "chunk larger than object",
			total:     10,
			chunkSize: 1 << 20,
			expected:  []types.ByteRange{{Start: 0, End: 10}},
		},
		{
			name:      "one byte over",
			total:     11,
			chunkSize: 10,
			expected:  []types.ByteRange{{Start: 0, End: 10}, {Start: 10, End: 11}},
		},
		{
			name:      "exact multiple",
			total:     30,
			chunkSize: 10,
			expected:  []types.ByteRange{{Start: 0, End: 10}, {Start: 10, End: 20}, {Start: 20, End: 30}},
		},
		{
			name:      "reference run",
			total:     1_500_000,
			chunkSize: 524_288,
			expected: []types.ByteRange{
				{Start: 0, End: 524_288},
				{Start: 524_288, End: 1_048_576},
				{Start: 1_048_576, End: 1_500_000},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Partition(tt.total, tt.chunkSize)
			if diff := cmp.Diff(tt.expected, got); diff != "" {
				t.Errorf("Partition(%d, %d) mismatch (-want +got):\n%s", tt.total, tt.chunkSize, diff)
			}
			assert.Equal(t, len(tt.expected), Count(tt.total, tt.chunkSize))
		})
	}
}

func TestPartition_Coverage(t *testing.T) {
	t.Parallel()

	sizes := []int64{1, 2, 7, 99, 100, 101, 4095, 4096, 4097, 1_000_003}
	chunks := []int64{1, 3, 64, 100, 4096, 524_288}

	for _, total := range sizes {
		for _, chunk := range chunks {
			ranges := Partition(total, chunk)
			require.NotEmpty(t, ranges, "total=%d chunk=%d", total, chunk)

			// Contiguous, non-overlapping, bounded by chunk size.
			var next int64
			for i, r := range ranges {
				assert.True(t, r.Valid(), "range %d invalid: %s", i, r)
				assert.Equal(t, next, r.Start, "gap or overlap at range %d (total=%d chunk=%d)", i, total, chunk)
				assert.LessOrEqual(t, r.Len(), chunk)
				next = r.End
			}
			assert.Equal(t, total, ranges[len(ranges)-1].End)
			assert.Equal(t, int((total+chunk-1)/chunk), len(ranges))
		}
	}
}

func TestByteRange_InclusiveEnd(t *testing.T) {
	t.Parallel()

	ranges := Partition(25, 10)
	require.Len(t, ranges, 3)
	assert.Equal(t, int64(9), ranges[0].InclusiveEnd())
	assert.Equal(t, int64(19), ranges[1].InclusiveEnd())
	assert.Equal(t, int64(24), ranges[2].InclusiveEnd())
	assert.Equal(t, int64(5), ranges[2].Len())
}
