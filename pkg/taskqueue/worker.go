// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/utils"
)

const (
	// DefaultHeartbeatInterval keeps running tasks well inside the
	// visibility timeout.
	DefaultHeartbeatInterval = DefaultVisibilityTimeout / 5

	pollJitter    = 0.2
	settleTimeout = 30 * time.Second

	deadLetterArrivals       = 3
	deadLetterArrivalBackoff = 100 * time.Millisecond
)

// ErrTaskPanicked wraps a panic recovered from a handler.
var ErrTaskPanicked = errors.New("task handler panicked")

// Worker polls the queue and executes tasks. When a grouped task reaches a
// terminal state (completed, or dead-lettered after its last retry) the
// worker reports it to the barrier and enqueues the group callback once the
// group is complete. A completed member whose callback could not be queued
// is failed and retried, so the callback survives queue errors and crashes.
type Worker struct {
	id       string
	queue    Queue
	barrier  Barrier
	handlers map[TaskType]Handler

	pollInterval      time.Duration
	concurrency       int
	taskTimeout       time.Duration
	heartbeatInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WorkerConfig configures the task worker.
type WorkerConfig struct {
	ID      string
	Queue   Queue
	Barrier Barrier // Optional. Required for grouped tasks.

	PollInterval      time.Duration
	Concurrency       int
	TaskTimeout       time.Duration // Per-task deadline passed to handlers.
	HeartbeatInterval time.Duration
}

// NewWorker creates a new task worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	return &Worker{
		id:                cfg.ID,
		queue:             cfg.Queue,
		barrier:           cfg.Barrier,
		handlers:          make(map[TaskType]Handler),
		pollInterval:      cfg.PollInterval,
		concurrency:       cfg.Concurrency,
		taskTimeout:       cfg.TaskTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		stopCh:            make(chan struct{}),
	}
}

// RegisterHandler registers a handler for a task type.
func (w *Worker) RegisterHandler(h Handler) {
	if h == nil {
		return
	}
	w.handlers[h.Type()] = h
	logger.Debug().
		Str("type", string(h.Type())).
		Msg("taskqueue: registered handler")
}

// Start begins processing tasks.
func (w *Worker) Start(ctx context.Context) {
	types := w.HandlerTypes()
	if len(types) == 0 {
		logger.Warn().Msg("taskqueue: worker started with no handlers")
		return
	}

	logger.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.concurrency).
		Int("handlers", len(types)).
		Dur("task_timeout", w.taskTimeout).
		Msg("taskqueue: worker starting")

	for range w.concurrency {
		w.wg.Add(1)
		go w.work(ctx, types)
	}
}

// Stop gracefully shuts down the worker, waiting for running tasks.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	logger.Info().Str("worker_id", w.id).Msg("taskqueue: worker stopped")
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-w.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *Worker) work(ctx context.Context, types []TaskType) {
	defer w.wg.Done()

	timer := time.NewTimer(utils.JitterUp(w.pollInterval, pollJitter))
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			// Drain available work before sleeping again.
			for !w.stopping(ctx) && w.processOne(ctx, types) {
			}
			timer.Reset(utils.JitterUp(w.pollInterval, pollJitter))
		}
	}
}

// processOne runs at most one task and reports whether one was dequeued.
func (w *Worker) processOne(ctx context.Context, types []TaskType) bool {
	task, err := w.queue.Dequeue(ctx, w.id, types...)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			DequeueErrors.Inc()
			logger.Error().Err(err).Msg("taskqueue: dequeue failed")
		}
		return false
	}
	if task == nil {
		return false
	}

	WorkerActive.Inc()
	defer WorkerActive.Dec()

	// Settling the task must survive worker shutdown.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	handler, ok := w.handlers[task.Type]
	if !ok {
		logger.Error().
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Msg("taskqueue: no handler for task type")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "no_handler").Inc()
		w.fail(settleCtx, task, errors.New("no handler registered"))
		return true
	}

	logger.Debug().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Int("attempt", task.Attempts).
		Msg("taskqueue: processing task")

	start := time.Now()
	err = w.run(ctx, handler, task)
	TaskProcessingDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Warn().
			Err(err).
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Int("attempt", task.Attempts).
			Msg("taskqueue: task failed")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "failed").Inc()
		w.fail(settleCtx, task, err)
	} else {
		logger.Debug().
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Msg("taskqueue: task completed")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "completed").Inc()
		w.complete(settleCtx, task)
	}
	return true
}

// run calls the handler under the task deadline, heartbeating while it runs.
func (w *Worker) run(ctx context.Context, h Handler, task *Task) (err error) {
	taskCtx, cancel := context.WithTimeout(ctx, w.taskTimeout)
	defer cancel()

	stop := w.heartbeat(taskCtx, task.ID)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			TaskPanics.WithLabelValues(string(task.Type)).Inc()
			logger.Error().
				Str("task_id", task.ID).
				Str("type", string(task.Type)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("taskqueue: handler panicked")
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()

	return h.Handle(taskCtx, task)
}

func (w *Worker) heartbeat(ctx context.Context, taskID string) (stop func()) {
	if w.heartbeatInterval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(ctx, taskID, w.id); err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).Str("task_id", taskID).Msg("taskqueue: heartbeat failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) complete(ctx context.Context, task *Task) {
	if task.GroupID != "" && w.barrier != nil {
		arrival := Arrival{TaskID: task.ID, Succeeded: true, Result: task.Result}
		err := w.arrive(ctx, task, arrival)
		switch {
		case errors.Is(err, ErrGroupNotFound):
			// Finalized and forgotten before this redelivery arrived.
			logger.Warn().
				Str("task_id", task.ID).
				Str("group_id", task.GroupID).
				Msg("taskqueue: group already finalized")
		case err != nil:
			// Unrecorded arrival or lost callback: retry the task so the
			// group can still finish.
			w.fail(ctx, task, fmt.Errorf("report to group %s: %w", task.GroupID, err))
			return
		}
	}

	if err := w.queue.Complete(ctx, task.ID, task.Result); err != nil {
		logger.Error().Err(err).Str("task_id", task.ID).Msg("taskqueue: failed to mark task completed")
	}
}

func (w *Worker) fail(ctx context.Context, task *Task, cause error) {
	if err := w.queue.Fail(ctx, task.ID, cause); err != nil {
		logger.Error().Err(err).Str("task_id", task.ID).Msg("taskqueue: failed to mark task failed")
		return
	}

	updated, err := w.queue.Get(ctx, task.ID)
	if err != nil {
		logger.Error().Err(err).Str("task_id", task.ID).Msg("taskqueue: failed to reload task")
		return
	}
	if updated.Status != StatusDeadLetter {
		TaskRetries.WithLabelValues(string(task.Type)).Inc()
		return
	}

	TasksProcessedTotal.WithLabelValues(string(task.Type), "dead_letter").Inc()
	logger.Error().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Int("attempts", updated.Attempts).
		Str("last_error", updated.LastError).
		Msg("taskqueue: task moved to dead letter")

	if task.GroupID != "" && w.barrier != nil {
		// A dead-lettered task never runs again, so this is the group's only
		// chance to hear from it.
		arrival := Arrival{TaskID: task.ID, Succeeded: false, Error: cause.Error()}
		err := w.arrive(ctx, task, arrival)
		for attempt := 1; err != nil && !errors.Is(err, ErrGroupNotFound) && attempt < deadLetterArrivals; attempt++ {
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(time.Duration(attempt) * deadLetterArrivalBackoff):
				err = w.arrive(ctx, task, arrival)
			}
		}
		if err != nil {
			logger.Error().
				Err(err).
				Str("task_id", task.ID).
				Str("group_id", task.GroupID).
				Msg("taskqueue: failed to report dead-lettered task to group")
		}
	}
}

// arrive reports a member to its group and enqueues the group callback when
// the group is complete. An error means the arrival may not be recorded or
// the callback may not be queued; the caller must report the member again.
func (w *Worker) arrive(ctx context.Context, task *Task, arrival Arrival) error {
	callback, err := w.barrier.Arrive(ctx, task.GroupID, arrival)
	if err != nil {
		BarrierArrivalsTotal.WithLabelValues("error").Inc()
		return err
	}
	if arrival.Succeeded {
		BarrierArrivalsTotal.WithLabelValues("succeeded").Inc()
	} else {
		BarrierArrivalsTotal.WithLabelValues("failed").Inc()
	}
	if callback == nil {
		return nil
	}

	err = w.queue.Enqueue(ctx, callback)
	if errors.Is(err, ErrTaskExists) {
		return nil
	}
	if err != nil {
		logger.Error().
			Err(err).
			Str("group_id", task.GroupID).
			Str("callback_id", callback.ID).
			Msg("taskqueue: failed to enqueue group callback")
		return fmt.Errorf("enqueue callback %s: %w", callback.ID, err)
	}
	BarrierFiredTotal.Inc()
	TasksEnqueuedTotal.WithLabelValues(string(callback.Type)).Inc()

	logger.Info().
		Str("group_id", task.GroupID).
		Str("callback_id", callback.ID).
		Msg("taskqueue: group complete")
	return nil
}

// Queue returns the underlying queue (for testing/metrics).
func (w *Worker) Queue() Queue {
	return w.queue
}

// HandlerTypes returns the task types this worker handles.
func (w *Worker) HandlerTypes() []TaskType {
	types := make([]TaskType, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	return types
}
