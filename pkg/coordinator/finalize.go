// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/partition"
	"github.com/LeeDigitalWorks/s3fanout/pkg/taskqueue"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"

	"github.com/hashicorp/go-multierror"
)

var _ taskqueue.Handler = (*FinalizeHandler)(nil)

// FinalizeHandler runs the barrier callback of a run: it collects the chunk
// arrivals, builds the RunOutcome and hands it to the Finalizer.
type FinalizeHandler struct {
	Barrier   taskqueue.Barrier
	Finalizer Finalizer
}

func (h *FinalizeHandler) Type() taskqueue.TaskType {
	return taskqueue.TaskTypeFinalize
}

func (h *FinalizeHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	payload, err := taskqueue.UnmarshalPayload[FinalizePayload](task.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", taskqueue.ErrInvalidPayload, err)
	}
	ctx = logger.WithRun(ctx, payload.RunID)
	log := logger.Ctx(ctx)

	groupID := payload.GroupID
	if groupID == "" {
		groupID = GroupID(payload.RunID)
	}

	arrivals, err := h.Barrier.Arrivals(ctx, groupID)
	if errors.Is(err, taskqueue.ErrGroupNotFound) {
		// Forgotten by an earlier delivery of this callback.
		log.Warn().Str("group_id", groupID).Msg("coordinator: group already finalized")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read arrivals: %w", err)
	}

	outcome := BuildOutcome(payload, arrivals)

	finalizer := h.Finalizer
	if finalizer == nil {
		finalizer = LogFinalizer{}
	}
	if err := finalize(ctx, finalizer, outcome); err != nil {
		return fmt.Errorf("finalize run %s: %w", payload.RunID, err)
	}

	if err := h.Barrier.Forget(ctx, groupID); err != nil {
		log.Warn().Err(err).Str("group_id", groupID).Msg("coordinator: failed to forget group")
	}

	task.Result, err = json.Marshal(outcome)
	return err
}

// BuildOutcome aggregates the arrivals of a run's chunk group.
//
// A chunk that completed carries its ChunkResult. A chunk that exhausted its
// retries arrives without one and is reported as task_failed. The run itself
// only fails when no chunk succeeded; otherwise a failed chunk makes the
// outcome Partial.
func BuildOutcome(payload FinalizePayload, arrivals []taskqueue.Arrival) types.RunOutcome {
	ranges := partition.Partition(payload.Size, payload.ChunkSize)

	outcome := types.RunOutcome{
		RunID:      payload.RunID,
		Locator:    payload.Locator,
		State:      types.StateCompleted,
		Size:       payload.Size,
		Chunks:     len(ranges),
		Results:    make([]types.ChunkResult, 0, len(arrivals)),
		StartedAt:  payload.StartedAt,
		FinishedAt: time.Now(),
	}
	if outcome.Chunks == 0 {
		outcome.Chunks = len(arrivals)
	}

	var errs *multierror.Error
	for _, a := range arrivals {
		idx, ok := chunkIndex(a.TaskID)
		if !ok {
			idx = -1
		}

		var result types.ChunkResult
		switch {
		case !a.Succeeded:
			result = types.ChunkResult{Index: idx, Status: types.ChunkTaskFailed, Error: a.Error}
		case len(a.Result) == 0:
			result = types.ChunkResult{Index: idx, Status: types.ChunkOK}
		default:
			if err := json.Unmarshal(a.Result, &result); err != nil {
				result = types.ChunkResult{
					Index:  idx,
					Status: types.ChunkProcessingFailed,
					Error:  fmt.Sprintf("decode chunk result: %v", err),
				}
			}
		}
		if idx >= 0 && idx < len(ranges) {
			result.Index = idx
			result.Range = ranges[idx]
		}

		if result.OK() {
			outcome.Succeeded++
		} else {
			if result.Status == types.ChunkTaskFailed {
				ChunksTotal.WithLabelValues(string(result.Status)).Inc()
			}
			errs = multierror.Append(errs, fmt.Errorf("chunk %d %s: %s", result.Index, result.Status, result.Error))
		}
		outcome.Results = append(outcome.Results, result)
	}

	if err := errs.ErrorOrNil(); err != nil {
		outcome.Err = err
	}
	outcome.Failed = outcome.Chunks > 0 && outcome.Succeeded == 0
	return outcome
}
