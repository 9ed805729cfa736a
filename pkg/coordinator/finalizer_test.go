// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/LeeDigitalWorks/s3fanout/pkg/process"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulti(t *testing.T) {
	t.Parallel()

	var calls []string
	record := func(name string, err error) Finalizer {
		return FinalizerFunc(func(context.Context, types.RunOutcome) error {
			calls = append(calls, name)
			return err
		})
	}

	err := Multi(
		record("a", nil),
		nil,
		record("b", errors.New("b failed")),
		record("c", errors.New("c failed")),
	).Finalize(context.Background(), types.RunOutcome{RunID: "r"})

	assert.Equal(t, []string{"a", "b", "c"}, calls)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b failed")
	assert.Contains(t, err.Error(), "c failed")

	assert.NoError(t, Multi(record("d", nil)).Finalize(context.Background(), types.RunOutcome{}))
}

func TestLogFinalizer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := LogFinalizer{Merger: process.IDRange{}}

	ok := types.RunOutcome{
		RunID:     "r",
		Locator:   largeLoc,
		Size:      largeSize,
		Chunks:    2,
		Succeeded: 2,
		Results: []types.ChunkResult{
			{Index: 0, Status: types.ChunkOK, Summary: json.RawMessage(`{"rows":1,"min_id":1,"max_id":1}`)},
			{Index: 1, Status: types.ChunkOK, Summary: json.RawMessage(`{"rows":1,"min_id":2,"max_id":2}`)},
		},
	}
	assert.NoError(t, f.Finalize(ctx, ok))

	// A summary that cannot be merged is logged, not retried.
	broken := ok
	broken.Results = []types.ChunkResult{{Index: 0, Status: types.ChunkOK, Summary: json.RawMessage(`[]`)}}
	assert.NoError(t, f.Finalize(ctx, broken))

	failed := types.RunOutcome{RunID: "r", Failed: true, Err: types.ErrProbe}
	assert.NoError(t, f.Finalize(ctx, failed))
}

func TestSummariesSkipsFailedChunks(t *testing.T) {
	t.Parallel()

	outcome := types.RunOutcome{
		Succeeded: 1,
		Results: []types.ChunkResult{
			{Status: types.ChunkOK, Summary: json.RawMessage(`{"rows":5}`)},
			{Status: types.ChunkTransportFailed, Summary: json.RawMessage(`{"rows":0}`)},
			{Status: types.ChunkProcessingFailed},
		},
	}
	got := summaries(outcome)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"rows":5}`, string(got[0]))
}
