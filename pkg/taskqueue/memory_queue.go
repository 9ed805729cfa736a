// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface verification
var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is an in-memory implementation of Queue for tests and
// single-process runs. Tasks are not persisted.
type MemoryQueue struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool

	visibilityTimeout time.Duration
	retryBackoff      time.Duration
}

// MemoryQueueOption configures a MemoryQueue.
type MemoryQueueOption func(*MemoryQueue)

// WithVisibilityTimeout sets how long a running task may go without a
// heartbeat before it is handed to another worker.
func WithVisibilityTimeout(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) { q.visibilityTimeout = d }
}

// WithRetryBackoff sets the base of the exponential retry backoff.
func WithRetryBackoff(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) { q.retryBackoff = d }
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue(opts ...MemoryQueueOption) *MemoryQueue {
	q := &MemoryQueue{
		tasks:             make(map[string]*Task),
		visibilityTimeout: DefaultVisibilityTimeout,
		retryBackoff:      time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func cloneTask(t *Task) *Task {
	c := *t
	c.Payload = bytes.Clone(t.Payload)
	c.Result = bytes.Clone(t.Result)
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if _, exists := q.tasks[task.ID]; exists {
		return ErrTaskExists
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = DefaultMaxRetries
	}
	now := time.Now()
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	q.tasks[task.ID] = cloneTask(task)
	return nil
}

func (q *MemoryQueue) available(task *Task, now time.Time) bool {
	switch task.Status {
	case StatusPending:
		if task.ScheduledAt.After(now) {
			return false
		}
		return task.RetryAfter.IsZero() || !task.RetryAfter.After(now)
	case StatusRunning:
		// Worker stopped heartbeating; redeliver.
		return q.visibilityTimeout > 0 && now.Sub(task.UpdatedAt) > q.visibilityTimeout
	}
	return false
}

func (q *MemoryQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	now := time.Now()
	var best *Task

	for _, task := range q.tasks {
		if !q.available(task, now) {
			continue
		}
		if len(taskTypes) > 0 && !slices.Contains(taskTypes, task.Type) {
			continue
		}

		// Pick highest priority, oldest first
		if best == nil || task.Priority > best.Priority ||
			(task.Priority == best.Priority && task.ScheduledAt.Before(best.ScheduledAt)) {
			best = task
		}
	}

	if best == nil {
		return nil, nil
	}

	best.Status = StatusRunning
	best.WorkerID = workerID
	startTime := now
	best.StartedAt = &startTime
	best.UpdatedAt = now

	return cloneTask(best), nil
}

func (q *MemoryQueue) Complete(ctx context.Context, taskID string, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now()
	task.Status = StatusCompleted
	task.Result = bytes.Clone(result)
	task.CompletedAt = &now
	task.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, taskID string, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now()
	task.Attempts++
	task.LastError = err.Error()
	task.UpdatedAt = now

	if task.Attempts >= task.MaxRetries {
		task.Status = StatusDeadLetter
		task.CompletedAt = &now
	} else {
		// Exponential backoff: base, 2*base, 4*base...
		backoff := q.retryBackoff * time.Duration(1<<(task.Attempts-1))
		task.RetryAfter = now.Add(backoff)
		task.Status = StatusPending
		task.WorkerID = ""
	}

	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now()
	task.Status = StatusCancelled
	task.CompletedAt = &now
	task.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Heartbeat(ctx context.Context, taskID string, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	if task.WorkerID != workerID || task.Status != StatusRunning {
		return ErrTaskNotFound
	}

	task.UpdatedAt = time.Now()
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

func (q *MemoryQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result []*Task
	for _, task := range q.tasks {
		if filter.Type != "" && task.Type != filter.Type {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.GroupID != "" && task.GroupID != filter.GroupID {
			continue
		}
		result = append(result, cloneTask(task))
	}
	slices.SortFunc(result, func(a, b *Task) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	if filter.Offset > 0 {
		result = result[min(filter.Offset, len(result)):]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (*QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &QueueStats{
		ByType: make(map[TaskType]int64),
	}

	var oldestPending *time.Time

	for _, task := range q.tasks {
		switch task.Status {
		case StatusPending:
			stats.Pending++
			if oldestPending == nil || task.ScheduledAt.Before(*oldestPending) {
				t := task.ScheduledAt
				oldestPending = &t
			}
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusDeadLetter:
			stats.DeadLetter++
		}

		stats.ByType[task.Type]++
	}

	stats.OldestPending = oldestPending
	return stats, nil
}

func (q *MemoryQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	count := 0

	for id, task := range q.tasks {
		if task.Status == StatusCompleted || task.Status == StatusCancelled {
			if task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
				delete(q.tasks, id)
				count++
			}
		}
	}

	return count, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
