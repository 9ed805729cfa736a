// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator drives a partitioned run: it validates the header,
// probes the object size, splits the object into byte ranges and dispatches
// one chunk task per range as a barrier group. The barrier callback hands
// the aggregated outcome to a Finalizer.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/LeeDigitalWorks/s3fanout/pkg/header"
	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/objectstore"
	"github.com/LeeDigitalWorks/s3fanout/pkg/partition"
	"github.com/LeeDigitalWorks/s3fanout/pkg/taskqueue"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"

	"github.com/dustin/go-humanize"
	"github.com/getsentry/sentry-go"
)

// Compile-time interface verification
var _ taskqueue.Handler = (*Coordinator)(nil)

// Config wires a Coordinator. Every dependency is explicit; nothing is read
// from the environment.
type Config struct {
	Store     objectstore.Store
	Validator *header.Validator // Defaults to a validator over Store.
	Queue     taskqueue.Queue
	Barrier   taskqueue.Barrier
	Finalizer Finalizer // Called directly when a run aborts before dispatch.

	// ChunkSize is used when a request does not set one.
	ChunkSize int64
	// ChunkMaxRetries bounds substrate retries of each chunk task.
	ChunkMaxRetries int
	// DefaultMode is used when a request does not set a fetch mode.
	DefaultMode types.FetchMode
}

// Coordinator runs the validate, probe, partition and dispatch steps of a
// run. It never waits for chunks to finish.
type Coordinator struct {
	store     objectstore.Store
	validator *header.Validator
	queue     taskqueue.Queue
	barrier   taskqueue.Barrier
	finalizer Finalizer

	chunkSize       int64
	chunkMaxRetries int
	defaultMode     types.FetchMode
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Validator == nil {
		cfg.Validator = header.NewValidator(cfg.Store, header.DefaultScanBytes)
	}
	if cfg.Finalizer == nil {
		cfg.Finalizer = LogFinalizer{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = partition.DefaultChunkSize
	}
	if cfg.ChunkMaxRetries <= 0 {
		cfg.ChunkMaxRetries = taskqueue.DefaultMaxRetries
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = types.FetchMaterialize
	}
	return &Coordinator{
		store:           cfg.Store,
		validator:       cfg.Validator,
		queue:           cfg.Queue,
		barrier:         cfg.Barrier,
		finalizer:       cfg.Finalizer,
		chunkSize:       cfg.ChunkSize,
		chunkMaxRetries: cfg.ChunkMaxRetries,
		defaultMode:     cfg.DefaultMode,
	}
}

// Dispatch is what Run reports back to its caller.
type Dispatch struct {
	RunID   string              `json:"run_id"`
	GroupID string              `json:"group_id,omitempty"`
	Locator types.ObjectLocator `json:"locator"`
	State   types.RunState      `json:"state"`
	Size    int64               `json:"size"`
	Chunks  int                 `json:"chunks"`
	Err     error               `json:"-"`

	Ranges []types.ByteRange `json:"-"`
}

// Aborted reports whether the run ended before dispatch. The finalizer has
// already seen the failed outcome.
func (d Dispatch) Aborted() bool {
	return d.State == types.StateCompleted
}

// FinalizePayload is the payload of the barrier callback task.
type FinalizePayload struct {
	RunID     string              `json:"run_id"`
	GroupID   string              `json:"group_id"`
	Locator   types.ObjectLocator `json:"locator"`
	Size      int64               `json:"size"`
	ChunkSize int64               `json:"chunk_size"`
	StartedAt time.Time           `json:"started_at"`
}

func (c *Coordinator) normalize(req types.RunRequest) types.RunRequest {
	if req.RunID == "" {
		req.RunID = NewRunID()
	}
	if req.Delimiter == 0 {
		req.Delimiter = types.DefaultDelimiter
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = c.chunkSize
	}
	if req.Mode == "" {
		req.Mode = c.defaultMode
	}
	return req
}

// Run validates, probes, partitions and dispatches req. It returns once the
// chunk tasks are queued. Validation and probe failures, and any panic
// before dispatch, end the run: the finalizer is called with the failed
// outcome and the returned Dispatch is Aborted. A non-nil Err on a
// Dispatch that is not Aborted means submission failed and may be retried.
func (c *Coordinator) Run(ctx context.Context, req types.RunRequest) (d Dispatch) {
	started := time.Now()
	req = c.normalize(req)
	ctx = logger.WithRun(ctx, req.RunID)
	log := logger.Ctx(ctx)

	d = Dispatch{RunID: req.RunID, Locator: req.Locator, State: types.StateValidating}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		sentry.CurrentHub().Recover(r)
		log.Error().
			Str("key", req.Locator.Key).
			Str("state", string(d.State)).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("coordinator: fault")
		RunsTotal.WithLabelValues("fault").Inc()

		fault := fmt.Errorf("%w: %v", types.ErrCoordinatorFault, r)
		if d.State == types.StateDispatched || d.State == types.StateAwaitingBarrier {
			// The group owns the run now; its callback reports the outcome.
			d.Err = fault
			return
		}
		d = c.abort(ctx, d, started, fault)
	}()

	if err := req.Locator.Validate(); err != nil {
		RunsTotal.WithLabelValues("validation_failed").Inc()
		return c.abort(ctx, d, started, fmt.Errorf("%w: %w", types.ErrValidation, err))
	}

	ok, hdr := c.validator.Validate(ctx, req.Locator, req.HeaderSpec())
	if !ok {
		RunsTotal.WithLabelValues("validation_failed").Inc()
		err := fmt.Errorf("%w: %s lacks required columns %v", types.ErrValidation, req.Locator, req.RequiredColumns)
		if hdr == "" {
			err = fmt.Errorf("%w: no header row read from %s", types.ErrValidation, req.Locator)
		}
		return c.abort(ctx, d, started, err)
	}

	d.State = types.StateProbing
	size := objectstore.SizeOf(ctx, c.store, req.Locator)
	d.Size = size
	if size <= 0 {
		RunsTotal.WithLabelValues("probe_failed").Inc()
		return c.abort(ctx, d, started, fmt.Errorf("%w: %s", types.ErrProbe, req.Locator))
	}

	d.State = types.StatePartitioning
	d.Ranges = partition.Partition(size, req.ChunkSize)
	d.Chunks = len(d.Ranges)
	d.GroupID = GroupID(req.RunID)

	tasks := make([]*taskqueue.Task, len(d.Ranges))
	for i, rng := range d.Ranges {
		unit := types.ChunkUnit{
			RunID:     req.RunID,
			Index:     i,
			Locator:   req.Locator,
			Range:     rng,
			Header:    hdr,
			Delimiter: req.Delimiter,
			Mode:      req.Mode,
		}
		task, err := taskqueue.NewTask(ChunkTaskID(req.RunID, i), taskqueue.TaskTypeChunk, unit)
		if err != nil {
			d.Err = fmt.Errorf("build chunk task %d: %w", i, err)
			return d
		}
		task.MaxRetries = c.chunkMaxRetries
		tasks[i] = task
	}

	callback, err := taskqueue.NewTask(FinalizeTaskID(req.RunID), taskqueue.TaskTypeFinalize, FinalizePayload{
		RunID:     req.RunID,
		GroupID:   d.GroupID,
		Locator:   req.Locator,
		Size:      size,
		ChunkSize: req.ChunkSize,
		StartedAt: started,
	})
	if err != nil {
		d.Err = fmt.Errorf("build finalize task: %w", err)
		return d
	}
	callback.Priority = taskqueue.PriorityHigh

	if err := taskqueue.SubmitGroup(ctx, c.queue, c.barrier, d.GroupID, tasks, callback); err != nil {
		RunsTotal.WithLabelValues("submit_error").Inc()
		log.Error().Err(err).Str("key", req.Locator.Key).Msg("coordinator: dispatch failed")
		d.Err = err
		return d
	}
	d.State = types.StateDispatched

	RunsTotal.WithLabelValues("dispatched").Inc()
	ChunksPerRun.Observe(float64(d.Chunks))
	log.Info().
		Str("bucket", req.Locator.Bucket).
		Str("key", req.Locator.Key).
		Str("size", humanize.IBytes(uint64(size))).
		Int64("chunk_size", req.ChunkSize).
		Int("chunks", d.Chunks).
		Str("mode", string(req.Mode)).
		Msg("coordinator: dispatched")

	d.State = types.StateAwaitingBarrier
	return d
}

// abort completes a run that never dispatched and reports it to the
// finalizer.
func (c *Coordinator) abort(ctx context.Context, d Dispatch, started time.Time, cause error) Dispatch {
	failedAt := d.State
	d.State = types.StateCompleted
	d.Err = cause

	logger.Ctx(ctx).Warn().
		Err(cause).
		Str("bucket", d.Locator.Bucket).
		Str("key", d.Locator.Key).
		Str("failed_in", string(failedAt)).
		Msg("coordinator: run aborted")

	outcome := types.RunOutcome{
		RunID:      d.RunID,
		Locator:    d.Locator,
		State:      types.StateCompleted,
		Failed:     true,
		Size:       d.Size,
		Err:        cause,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if err := finalize(ctx, c.finalizer, outcome); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("coordinator: finalizer failed for aborted run")
	}
	return d
}

// finalize calls f and converts a panic into an error.
func finalize(ctx context.Context, f Finalizer, outcome types.RunOutcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			err = fmt.Errorf("%w: finalizer panicked: %v", types.ErrCoordinatorFault, r)
		}
	}()

	result := "succeeded"
	switch {
	case outcome.Failed:
		result = "failed"
	case outcome.Partial():
		result = "partial"
	}
	FinalizedTotal.WithLabelValues(result).Inc()
	return f.Finalize(ctx, outcome)
}

func (c *Coordinator) Type() taskqueue.TaskType {
	return taskqueue.TaskTypeRun
}

// Handle runs the RunRequest carried by a run task. Aborted runs complete
// the task; only submission errors are returned for a retry.
func (c *Coordinator) Handle(ctx context.Context, task *taskqueue.Task) error {
	req, err := taskqueue.UnmarshalPayload[types.RunRequest](task.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", taskqueue.ErrInvalidPayload, err)
	}
	if req.RunID == "" {
		// Redeliveries must reuse the same run ID, or each would dispatch
		// its own group.
		if task.ID == "" {
			return fmt.Errorf("%w: run task has no ID and no run_id", taskqueue.ErrInvalidPayload)
		}
		req.RunID = RunIDFromTask(task.ID)
	}

	d := c.Run(ctx, req)
	if d.Err != nil && !d.Aborted() && !errors.Is(d.Err, types.ErrCoordinatorFault) {
		return d.Err
	}

	task.Result, err = json.Marshal(d)
	return err
}
