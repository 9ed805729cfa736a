// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
)

var (
	ErrGroupNotFound = errors.New("group not found")
	ErrNotMember     = errors.New("task is not a member of the group")
	ErrGroupMismatch = errors.New("group already registered with different members")
)

// GroupSpec describes a set of tasks that complete together.
type GroupSpec struct {
	ID      string
	Members []string

	// Callback is enqueued once every member has arrived, whether the
	// members succeeded or not.
	Callback *Task
}

// Arrival records a member task reaching a terminal state.
type Arrival struct {
	TaskID    string          `json:"task_id"`
	Succeeded bool            `json:"succeeded"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Barrier observes joint completion of a group of tasks.
//
// Arrivals are keyed by task ID, so a member delivered more than once counts
// once. Once every member has arrived, Arrive returns the callback task to
// each caller, including members that arrive again after a redelivery. The
// callback ID is fixed, so callers enqueue it and treat ErrTaskExists as
// success: the queue holds a single copy however many arrivals return it.
type Barrier interface {
	// Register creates the group. Registering the same group again is a
	// no-op; registering it with a different member set returns
	// ErrGroupMismatch.
	Register(ctx context.Context, group GroupSpec) error

	// Arrive records an arrival and returns the callback if the group is
	// complete.
	Arrive(ctx context.Context, groupID string, arrival Arrival) (*Task, error)

	// Arrivals returns the recorded arrivals ordered by task ID.
	Arrivals(ctx context.Context, groupID string) ([]Arrival, error)

	// Forget deletes the group.
	Forget(ctx context.Context, groupID string) error
}

// memberSet returns the sorted unique members of a group.
func memberSet(members []string) []string {
	m := slices.Clone(members)
	slices.Sort(m)
	return slices.Compact(m)
}

func sortArrivals(arrivals []Arrival) {
	slices.SortFunc(arrivals, func(a, b Arrival) int {
		return strings.Compare(a.TaskID, b.TaskID)
	})
}
