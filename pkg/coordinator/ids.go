// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Task and group IDs derive from the run ID only, so a redelivered run task
// produces the same IDs and resubmission is a no-op.

// NewRunID returns a fresh run ID.
func NewRunID() string {
	return uuid.NewString()
}

func RunTaskID(runID string) string {
	return runID + "/run"
}

// RunIDFromTask recovers the run ID from a RunTaskID. Any other ID is used
// as the run ID unchanged.
func RunIDFromTask(taskID string) string {
	return strings.TrimSuffix(taskID, "/run")
}

func GroupID(runID string) string {
	return "run:" + runID
}

func ChunkTaskID(runID string, index int) string {
	return fmt.Sprintf("%s/chunk-%06d", runID, index)
}

func FinalizeTaskID(runID string) string {
	return runID + "/finalize"
}

// chunkIndex recovers the chunk index from a ChunkTaskID.
func chunkIndex(taskID string) (int, bool) {
	i := strings.LastIndex(taskID, "/chunk-")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(taskID[i+len("/chunk-"):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
