// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/LeeDigitalWorks/s3fanout/pkg/taskqueue"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"
)

// Submit enqueues a run task for req and returns its run ID without waiting
// for any work. Submitting a request whose run ID is already queued is not
// an error.
func Submit(ctx context.Context, q taskqueue.Queue, req types.RunRequest) (string, error) {
	if err := req.Locator.Validate(); err != nil {
		return "", err
	}
	if req.RunID == "" {
		req.RunID = NewRunID()
	}

	task, err := taskqueue.NewTask(RunTaskID(req.RunID), taskqueue.TaskTypeRun, req)
	if err != nil {
		return "", fmt.Errorf("build run task: %w", err)
	}
	task.Priority = taskqueue.PriorityHigh

	if err := q.Enqueue(ctx, task); err != nil && !errors.Is(err, taskqueue.ErrTaskExists) {
		return "", fmt.Errorf("enqueue run %s: %w", req.RunID, err)
	}
	return req.RunID, nil
}
