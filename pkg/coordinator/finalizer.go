// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"encoding/json"

	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/process"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
)

// Finalizer receives the outcome of a run once every dispatched chunk has
// reported, or once the run aborted before dispatch.
//
// Delivery follows the task substrate: a finalize task that fails is retried,
// so a Finalizer may observe the same run more than once.
type Finalizer interface {
	Finalize(ctx context.Context, outcome types.RunOutcome) error
}

// FinalizerFunc adapts a function to the Finalizer interface.
type FinalizerFunc func(ctx context.Context, outcome types.RunOutcome) error

func (f FinalizerFunc) Finalize(ctx context.Context, outcome types.RunOutcome) error {
	return f(ctx, outcome)
}

// Multi calls every finalizer in order and combines their errors.
func Multi(finalizers ...Finalizer) Finalizer {
	return FinalizerFunc(func(ctx context.Context, outcome types.RunOutcome) error {
		var result *multierror.Error
		for _, f := range finalizers {
			if f == nil {
				continue
			}
			if err := f.Finalize(ctx, outcome); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	})
}

// LogFinalizer logs the outcome and, when Merger is set, the merged summary
// of the successful chunks.
type LogFinalizer struct {
	Merger process.Merger
}

func (l LogFinalizer) Finalize(ctx context.Context, outcome types.RunOutcome) error {
	log := logger.Ctx(ctx)

	evt := log.Info()
	switch {
	case outcome.Failed:
		evt = log.Error()
	case outcome.Partial():
		evt = log.Warn()
	}
	evt = evt.
		Str("run_id", outcome.RunID).
		Str("bucket", outcome.Locator.Bucket).
		Str("key", outcome.Locator.Key).
		Str("size", humanize.IBytes(uint64(max(outcome.Size, 0)))).
		Int("chunks", outcome.Chunks).
		Int("succeeded", outcome.Succeeded).
		Int("failed", outcome.FailedChunks()).
		Bool("partial", outcome.Partial()).
		Dur("elapsed", outcome.FinishedAt.Sub(outcome.StartedAt))
	if outcome.Err != nil {
		evt = evt.AnErr("run_error", outcome.Err)
	}

	if l.Merger != nil && outcome.Succeeded > 0 {
		if merged, err := l.Merger.Merge(summaries(outcome)...); err != nil {
			evt = evt.AnErr("merge_error", err)
		} else {
			evt = evt.RawJSON("summary", merged)
		}
	}
	evt.Msg("coordinator: run finished")
	return nil
}

// summaries returns the summaries of the successful chunks.
func summaries(outcome types.RunOutcome) []json.RawMessage {
	out := make([]json.RawMessage, 0, outcome.Succeeded)
	for _, r := range outcome.Results {
		if r.OK() && len(r.Summary) > 0 {
			out = append(out, r.Summary)
		}
	}
	return out
}

// Merged merges the summaries of the successful chunks of outcome.
func Merged(m process.Merger, outcome types.RunOutcome) (json.RawMessage, error) {
	return m.Merge(summaries(outcome)...)
}
