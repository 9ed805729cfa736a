// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskqueue provides a durable task queue and a group barrier used to
// fan a run out into chunk tasks and fan the results back in.
//
// Supported queue backends:
//   - Database (MySQL or PostgreSQL)
//   - In-memory, for tests and single-process runs
//
// Supported barrier backends:
//   - Redis
//   - In-memory
package taskqueue

import (
	"encoding/json"
	"time"
)

// Default configuration values
const (
	DefaultPollInterval      = time.Second
	DefaultConcurrency       = 5
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultMaxRetries        = 3
	DefaultTaskTimeout       = 10 * time.Minute
)

// TaskType identifies the type of task for routing to handlers.
type TaskType string

// Fan-out task types
const (
	TaskTypeRun      TaskType = "fanout_run"      // validate, probe, partition, dispatch
	TaskTypeChunk    TaskType = "fanout_chunk"    // fetch and process one byte range
	TaskTypeFinalize TaskType = "fanout_finalize" // group barrier callback
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"     // Waiting to be picked up
	StatusRunning    TaskStatus = "running"     // Currently being processed
	StatusCompleted  TaskStatus = "completed"   // Successfully finished
	StatusFailed     TaskStatus = "failed"      // Failed, may retry
	StatusDeadLetter TaskStatus = "dead_letter" // Failed permanently
	StatusCancelled  TaskStatus = "cancelled"   // Cancelled by user/system
)

// Terminal reports whether the task will not run again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeadLetter, StatusCancelled:
		return true
	}
	return false
}

// TaskPriority allows urgent tasks to be processed first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 0
	PriorityNormal TaskPriority = 5
	PriorityHigh   TaskPriority = 10
	PriorityUrgent TaskPriority = 20
)

// Task represents a unit of work to be processed.
type Task struct {
	// Identification
	ID       string       `json:"id" db:"id"`
	Type     TaskType     `json:"type" db:"type"`
	Status   TaskStatus   `json:"status" db:"status"`
	Priority TaskPriority `json:"priority" db:"priority"`

	// GroupID names the barrier this task reports to when it reaches a
	// terminal state. Empty for ungrouped tasks.
	GroupID string `json:"group_id,omitempty" db:"group_id"`

	// Payload - JSON encoded task-specific data
	Payload json.RawMessage `json:"payload" db:"payload"`

	// Result is set by the handler and stored on completion.
	Result json.RawMessage `json:"result,omitempty" db:"result"`

	// Scheduling
	ScheduledAt time.Time  `json:"scheduled_at" db:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// Retry handling
	Attempts   int       `json:"attempts" db:"attempts"`
	MaxRetries int       `json:"max_retries" db:"max_retries"`
	RetryAfter time.Time `json:"retry_after,omitempty" db:"retry_after"`

	// Error tracking
	LastError string `json:"last_error,omitempty" db:"last_error"`

	// Metadata
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	WorkerID  string    `json:"worker_id,omitempty" db:"worker_id"`
}

// TaskFilter for querying tasks.
type TaskFilter struct {
	Type    TaskType   `json:"type,omitempty"`
	Status  TaskStatus `json:"status,omitempty"`
	GroupID string     `json:"group_id,omitempty"`
	Limit   int        `json:"limit,omitempty"`
	Offset  int        `json:"offset,omitempty"`
}

// QueueStats provides queue metrics.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"dead_letter"`

	// By type
	ByType map[TaskType]int64 `json:"by_type"`

	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// NewTask builds a pending task with a JSON payload.
func NewTask(id string, taskType TaskType, payload any) (*Task, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:       id,
		Type:     taskType,
		Priority: PriorityNormal,
		Payload:  raw,
	}, nil
}

// MarshalPayload is a helper to marshal a payload struct to JSON.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// UnmarshalPayload is a helper to unmarshal a JSON payload.
func UnmarshalPayload[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}
