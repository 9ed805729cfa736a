// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/LeeDigitalWorks/s3fanout/pkg/coordinator"
	"github.com/LeeDigitalWorks/s3fanout/pkg/header"
	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/objectstore"
	"github.com/LeeDigitalWorks/s3fanout/pkg/process"
	"github.com/LeeDigitalWorks/s3fanout/pkg/taskqueue"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"
	"github.com/LeeDigitalWorks/s3fanout/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a partitioned job in this process",
	Long: `Run validation, partitioning, chunk processing and finalization in a
single process on the in-memory queue and barrier, then print the outcome.
With --source_file the object is read from a local file instead of S3.`,
	Run: runLocalCommand,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	addRunFlags(f)
	addS3Flags(f)
	f.String("source_file", "", "Serve the object from this local file instead of S3")
	f.Int("concurrency", taskqueue.DefaultConcurrency, "Number of chunks processed in parallel")
	f.String("scratch_dir", "", "Directory for materialized chunk files (defaults to the system temp dir)")
	f.Int("chunk_max_retries", taskqueue.DefaultMaxRetries, "Attempts per chunk task before it is dead-lettered")
	f.String("id_column", process.DefaultIDColumn, "Column aggregated by the id range processor")
	f.Duration("timeout", time.Hour, "Give up waiting for the run after this long")

	viper.BindPFlags(f)
}

// LocalResult is what `run` prints.
type LocalResult struct {
	types.RunOutcome
	Error   string          `json:"error,omitempty"`
	Summary json.RawMessage `json:"summary,omitempty"`
}

func runLocalCommand(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("s3fanout", false)
	f := NewFlagLoader(cmd)

	req, err := loadRunRequest(f)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid run request")
	}
	opts := WorkerOpts{
		Concurrency:     f.Int("concurrency"),
		ScratchDir:      f.String("scratch_dir"),
		ChunkMaxRetries: f.Int("chunk_max_retries"),
		IDColumn:        f.String("id_column"),
		PollInterval:    10 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.Duration("timeout"))
	defer cancel()

	var store objectstore.Store
	if path := f.String("source_file"); path != "" {
		data, err := os.ReadFile(utils.ResolvePath(path))
		if err != nil {
			logger.Fatal().Err(err).Str("source_file", path).Msg("failed to read source file")
		}
		mem := objectstore.NewMemoryStore()
		mem.Put(req.Locator, data)
		store = mem
	} else {
		s3store, pool, err := openStore(ctx, loadS3Opts(f))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create S3 client")
		}
		defer pool.Close()
		store = s3store
	}

	result, err := RunLocal(ctx, store, req, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("run did not finish")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(result)
	if result.Failed {
		os.Exit(1)
	}
}

// RunLocal runs req to completion on an in-memory queue and barrier and
// returns the finalized outcome with the merged summary.
func RunLocal(ctx context.Context, store objectstore.Store, req types.RunRequest, opts WorkerOpts) (*LocalResult, error) {
	scratch, err := utils.EnsureScratchDir(opts.ScratchDir)
	if err != nil {
		return nil, err
	}
	if opts.HeaderScanBytes <= 0 {
		opts.HeaderScanBytes = header.DefaultScanBytes
	}

	queue := taskqueue.NewMemoryQueue(taskqueue.WithRetryBackoff(100 * time.Millisecond))
	defer queue.Close()
	barrier := taskqueue.NewMemoryBarrier()

	merger := process.IDRange{Column: opts.IDColumn}
	done := make(chan types.RunOutcome, 1)
	finalizer := coordinator.Multi(
		coordinator.LogFinalizer{Merger: merger},
		coordinator.FinalizerFunc(func(_ context.Context, outcome types.RunOutcome) error {
			select {
			case done <- outcome:
			default:
			}
			return nil
		}),
	)

	worker := taskqueue.NewWorker(taskqueue.WorkerConfig{
		ID:           "local",
		Queue:        queue,
		Barrier:      barrier,
		PollInterval: opts.PollInterval,
		Concurrency:  opts.Concurrency,
		TaskTimeout:  opts.TaskTimeout,
	})
	for _, h := range buildHandlers(store, queue, barrier, scratch, opts, finalizer) {
		worker.RegisterHandler(h)
	}

	workerCtx, stop := context.WithCancel(ctx)
	worker.Start(workerCtx)
	defer func() {
		stop()
		worker.Stop()
	}()

	if _, err := coordinator.Submit(ctx, queue, req); err != nil {
		return nil, err
	}

	select {
	case outcome := <-done:
		result := &LocalResult{RunOutcome: outcome}
		if outcome.Err != nil {
			result.Error = outcome.Err.Error()
		}
		if outcome.Succeeded > 0 {
			summary, err := coordinator.Merged(merger, outcome)
			if err != nil {
				return nil, fmt.Errorf("merge summaries: %w", err)
			}
			result.Summary = summary
		}
		return result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for run: %w", ctx.Err())
	}
}
