// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LeeDigitalWorks/s3fanout/pkg/fetch"
	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/process"
	"github.com/LeeDigitalWorks/s3fanout/pkg/taskqueue"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"
)

var _ taskqueue.Handler = (*ChunkHandler)(nil)

// ChunkHandler fetches and processes one chunk unit.
//
// Transport and processing failures are contained: they are recorded on the
// ChunkResult and the task completes, so the group still reaches its
// barrier. Only cancellation is returned to the worker for a retry.
type ChunkHandler struct {
	Fetcher   *fetch.Fetcher
	Processor process.Processor
}

func (h *ChunkHandler) Type() taskqueue.TaskType {
	return taskqueue.TaskTypeChunk
}

func (h *ChunkHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	unit, err := taskqueue.UnmarshalPayload[types.ChunkUnit](task.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", taskqueue.ErrInvalidPayload, err)
	}
	ctx = logger.WithRun(ctx, unit.RunID)

	result := h.Process(ctx, unit)
	if err := ctx.Err(); err != nil && !result.OK() {
		return err
	}
	ChunksTotal.WithLabelValues(string(result.Status)).Inc()

	task.Result, err = json.Marshal(result)
	return err
}

// Process fetches unit in its mode and runs the processor over the rows.
// Calling it twice for the same unit yields the same result and leaves no
// scratch file behind.
func (h *ChunkHandler) Process(ctx context.Context, unit types.ChunkUnit) types.ChunkResult {
	result := types.ChunkResult{Index: unit.Index, Range: unit.Range, Status: types.ChunkOK}

	var (
		summary json.RawMessage
		err     error
	)
	switch unit.Mode {
	case types.FetchStream:
		summary, err = h.stream(ctx, unit)
	default:
		summary, err = h.materialize(ctx, unit)
	}

	switch {
	case err == nil:
		result.Summary = summary
	case fetch.IsTransport(err):
		result.Status = types.ChunkTransportFailed
		result.Error = err.Error()
		// A failed fetch is an empty chunk to the processor.
		if empty, perr := h.Processor.Process(ctx, process.Empty()); perr == nil {
			result.Summary = empty
		}
	default:
		result.Status = types.ChunkProcessingFailed
		result.Error = err.Error()
	}

	if !result.OK() {
		logger.Ctx(ctx).Warn().
			Str("key", unit.Locator.Key).
			Int("index", unit.Index).
			Int64("range_start", unit.Range.Start).
			Int64("range_end", unit.Range.End).
			Str("status", string(result.Status)).
			Str("error", result.Error).
			Msg("coordinator: chunk failed")
	}
	return result
}

func (h *ChunkHandler) stream(ctx context.Context, unit types.ChunkUnit) (json.RawMessage, error) {
	rows, err := h.Fetcher.Stream(ctx, unit)
	if err != nil {
		return nil, err
	}
	summary, err := h.Processor.Process(ctx, rows)
	if err != nil && !errors.Is(err, types.ErrProcessing) {
		err = fmt.Errorf("%w: %w", types.ErrProcessing, err)
	}
	return summary, err
}

func (h *ChunkHandler) materialize(ctx context.Context, unit types.ChunkUnit) (json.RawMessage, error) {
	path, err := h.Fetcher.Materialize(ctx, unit)
	if err != nil {
		if fetch.IsTransport(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", types.ErrProcessing, err)
	}
	summary, err := process.RunFile(ctx, h.Processor, path, unit.Delimiter)
	if err != nil && !errors.Is(err, types.ErrProcessing) {
		err = fmt.Errorf("%w: %w", types.ErrProcessing, err)
	}
	return summary, err
}
