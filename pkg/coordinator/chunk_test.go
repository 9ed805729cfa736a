// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/LeeDigitalWorks/s3fanout/pkg/fetch"
	"github.com/LeeDigitalWorks/s3fanout/pkg/objectstore"
	"github.com/LeeDigitalWorks/s3fanout/pkg/process"
	"github.com/LeeDigitalWorks/s3fanout/pkg/taskqueue"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallUnit(mode types.FetchMode) types.ChunkUnit {
	return types.ChunkUnit{
		RunID:     "run-chunk",
		Index:     0,
		Locator:   smallLoc,
		Range:     types.ByteRange{Start: 0, End: int64(len(smallCSV))},
		Header:    "id,name,age",
		Delimiter: ',',
		Mode:      mode,
	}
}

func newChunkHandler(t *testing.T, store objectstore.Store) (*ChunkHandler, string) {
	t.Helper()
	dir := t.TempDir()
	return &ChunkHandler{Fetcher: fetch.NewFetcher(store, dir), Processor: process.IDRange{}}, dir
}

func assertNoScratch(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestChunkHandler_Modes(t *testing.T) {
	t.Parallel()

	for _, mode := range []types.FetchMode{types.FetchStream, types.FetchMaterialize} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()
			h, dir := newChunkHandler(t, newStore(t))

			result := h.Process(context.Background(), smallUnit(mode))
			require.True(t, result.OK(), result.Error)
			assert.Equal(t, smallUnit(mode).Range, result.Range)

			sum := decodeIDs(t, result.Summary)
			assert.Equal(t, int64(3), sum.Rows)
			assert.Equal(t, int64(1), *sum.MinID)
			assert.Equal(t, int64(3), *sum.MaxID)
			assertNoScratch(t, dir)
		})
	}
}

func TestChunkHandler_RepeatedRunIsIdempotent(t *testing.T) {
	t.Parallel()
	h, dir := newChunkHandler(t, newStore(t))
	unit := types.ChunkUnit{
		RunID:     "run-repeat",
		Index:     1,
		Locator:   largeLoc,
		Range:     types.ByteRange{Start: 524_288, End: 1_048_576},
		Header:    "id,name,age",
		Delimiter: ',',
		Mode:      types.FetchMaterialize,
	}

	first := h.Process(context.Background(), unit)
	require.True(t, first.OK(), first.Error)
	assertNoScratch(t, dir)

	second := h.Process(context.Background(), unit)
	require.True(t, second.OK(), second.Error)
	assertNoScratch(t, dir)

	assert.JSONEq(t, string(first.Summary), string(second.Summary))
}

func TestChunkHandler_TransportFailure(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	store.SelectHook = func(objectstore.SelectRequest) error {
		return errors.New("503 slow down")
	}
	h, dir := newChunkHandler(t, store)

	result := h.Process(context.Background(), smallUnit(types.FetchMaterialize))
	assert.Equal(t, types.ChunkTransportFailed, result.Status)
	assert.Contains(t, result.Error, "503 slow down")
	assert.JSONEq(t, `{"rows":0}`, string(result.Summary))
	assertNoScratch(t, dir)
}

func TestChunkHandler_ProcessingFailure(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	loc := types.ObjectLocator{Bucket: "datasets", Key: "bad-ids.csv"}
	data := "id,name\n1,ada\nnot-a-number,grace\n"
	store.Put(loc, []byte(data))

	for _, mode := range []types.FetchMode{types.FetchStream, types.FetchMaterialize} {
		t.Run(string(mode), func(t *testing.T) {
			h, dir := newChunkHandler(t, store)
			unit := types.ChunkUnit{
				RunID:   "run-bad",
				Locator: loc,
				Range:   types.ByteRange{Start: 0, End: int64(len(data))},
				Header:  "id,name",
				Mode:    mode,
			}

			result := h.Process(context.Background(), unit)
			assert.Equal(t, types.ChunkProcessingFailed, result.Status)
			assert.Contains(t, result.Error, "not-a-number")
			assert.Empty(t, result.Summary)
			assertNoScratch(t, dir)
		})
	}
}

func TestChunkHandler_Handle(t *testing.T) {
	t.Parallel()
	h, _ := newChunkHandler(t, newStore(t))
	assert.Equal(t, taskqueue.TaskTypeChunk, h.Type())

	task, err := taskqueue.NewTask(ChunkTaskID("run-chunk", 0), taskqueue.TaskTypeChunk, smallUnit(types.FetchStream))
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), task))

	var result types.ChunkResult
	require.NoError(t, json.Unmarshal(task.Result, &result))
	assert.Equal(t, types.ChunkOK, result.Status)
	assert.Equal(t, int64(3), decodeIDs(t, result.Summary).Rows)
}

func TestChunkHandler_HandleContainsTransportFailure(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	store.SelectHook = func(objectstore.SelectRequest) error {
		return errors.New("connection refused")
	}
	h, _ := newChunkHandler(t, store)

	task, err := taskqueue.NewTask(ChunkTaskID("run-chunk", 0), taskqueue.TaskTypeChunk, smallUnit(types.FetchStream))
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), task), "contained failures complete the task")

	var result types.ChunkResult
	require.NoError(t, json.Unmarshal(task.Result, &result))
	assert.Equal(t, types.ChunkTransportFailed, result.Status)
}

func TestChunkHandler_HandleRetriesOnCancel(t *testing.T) {
	t.Parallel()
	h, _ := newChunkHandler(t, newStore(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task, err := taskqueue.NewTask(ChunkTaskID("run-chunk", 0), taskqueue.TaskTypeChunk, smallUnit(types.FetchMaterialize))
	require.NoError(t, err)
	assert.ErrorIs(t, h.Handle(ctx, task), context.Canceled)
	assert.Empty(t, task.Result)
}
