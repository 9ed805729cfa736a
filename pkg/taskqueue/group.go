// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
)

// SubmitGroup registers a barrier group for tasks and enqueues them. The
// group is registered before any member is enqueued, so a member that
// finishes immediately always finds its group.
//
// Task IDs must be set and stable: resubmitting the same group after a crash
// re-registers it and skips members that are already queued. An empty group
// enqueues the callback directly.
func SubmitGroup(ctx context.Context, q Queue, b Barrier, groupID string, tasks []*Task, callback *Task) error {
	if len(tasks) == 0 {
		if callback == nil {
			return nil
		}
		if err := q.Enqueue(ctx, callback); err != nil && !errors.Is(err, ErrTaskExists) {
			return fmt.Errorf("enqueue callback: %w", err)
		}
		return nil
	}

	members := make([]string, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: group member %d has no ID", ErrInvalidPayload, i)
		}
		t.GroupID = groupID
		members[i] = t.ID
	}

	if err := b.Register(ctx, GroupSpec{ID: groupID, Members: members, Callback: callback}); err != nil {
		return fmt.Errorf("register group: %w", err)
	}

	skipped := 0
	for _, t := range tasks {
		err := q.Enqueue(ctx, t)
		if errors.Is(err, ErrTaskExists) {
			skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", t.ID, err)
		}
		TasksEnqueuedTotal.WithLabelValues(string(t.Type)).Inc()
	}

	logger.Debug().
		Str("group_id", groupID).
		Int("tasks", len(tasks)).
		Int("skipped", skipped).
		Msg("taskqueue: submitted group")
	return nil
}
