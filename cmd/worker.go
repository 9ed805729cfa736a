// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/LeeDigitalWorks/s3fanout/pkg/coordinator"
	"github.com/LeeDigitalWorks/s3fanout/pkg/debug"
	"github.com/LeeDigitalWorks/s3fanout/pkg/fetch"
	"github.com/LeeDigitalWorks/s3fanout/pkg/header"
	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/objectstore"
	"github.com/LeeDigitalWorks/s3fanout/pkg/process"
	"github.com/LeeDigitalWorks/s3fanout/pkg/taskqueue"
	"github.com/LeeDigitalWorks/s3fanout/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// WorkerOpts configures the worker process.
type WorkerOpts struct {
	IP        string
	DebugPort int

	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	TaskTimeout       time.Duration
	HeartbeatInterval time.Duration

	ScratchDir      string
	ChunkSize       int64
	ChunkMaxRetries int
	HeaderScanBytes int64
	IDColumn        string

	Queue   QueueOpts
	Barrier BarrierOpts
	S3      S3Opts
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a task worker",
	Long: `Start an s3fanout worker that executes:
- run tasks: header validation, size probe, partitioning and dispatch
- chunk tasks: range query and processing of one byte range
- finalize tasks: aggregation of a run once every chunk has reported`,
	Run: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	f := workerCmd.Flags()
	f.String("ip", "0.0.0.0", "IP address the debug server binds to")
	f.Int("debug_port", 8095, "Debug HTTP port (metrics, health, pprof)")
	f.String("worker_id", "", "Worker ID (defaults to the hostname)")
	f.Int("concurrency", taskqueue.DefaultConcurrency, "Number of tasks run in parallel")
	f.Duration("poll_interval", taskqueue.DefaultPollInterval, "Queue poll interval")
	f.Duration("task_timeout", taskqueue.DefaultTaskTimeout, "Deadline of a single task")
	f.Duration("heartbeat_interval", taskqueue.DefaultHeartbeatInterval, "Heartbeat interval of running tasks")
	f.String("scratch_dir", "", "Directory for materialized chunk files (defaults to the system temp dir)")
	f.Int64("default_chunk_size", 0, "Chunk size for requests that do not set one (0 uses 512KiB)")
	f.Int("chunk_max_retries", taskqueue.DefaultMaxRetries, "Attempts per chunk task before it is dead-lettered")
	f.Int64("header_scan_bytes", header.DefaultScanBytes, "Bytes scanned to find the header row")
	f.String("id_column", process.DefaultIDColumn, "Column aggregated by the id range processor")

	addQueueFlags(f)
	addBarrierFlags(f)
	addS3Flags(f)

	viper.BindPFlags(f)
}

func runWorker(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("s3fanout", false)
	opts := loadWorkerOpts(cmd)

	debug.SetNotReady()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scratch, err := utils.EnsureScratchDir(opts.ScratchDir)
	if err != nil {
		logger.Fatal().Err(err).Str("scratch_dir", opts.ScratchDir).Msg("scratch directory is not usable")
	}

	queue, err := openQueue(ctx, opts.Queue)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", opts.Queue.Backend).Msg("failed to open task queue")
	}
	defer queue.Close()
	if opts.Queue.Backend == "memory" || opts.Queue.Backend == "" {
		logger.Warn().Msg("memory queue only sees tasks submitted in this process")
	}

	barrier, closeBarrier, err := openBarrier(opts.Barrier)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", opts.Barrier.Backend).Msg("failed to open barrier")
	}
	defer closeBarrier()

	store, pool, err := openStore(ctx, opts.S3)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create S3 client")
	}
	defer pool.Close()

	worker := taskqueue.NewWorker(taskqueue.WorkerConfig{
		ID:                opts.WorkerID,
		Queue:             queue,
		Barrier:           barrier,
		PollInterval:      opts.PollInterval,
		Concurrency:       opts.Concurrency,
		TaskTimeout:       opts.TaskTimeout,
		HeartbeatInterval: opts.HeartbeatInterval,
	})
	merger := process.IDRange{Column: opts.IDColumn}
	for _, h := range buildHandlers(store, queue, barrier, scratch, opts, coordinator.LogFinalizer{Merger: merger}) {
		worker.RegisterHandler(h)
	}
	worker.Start(ctx)

	mux := debug.GetMux()
	registerTaskDebugHandlers(mux, queue)
	debugServer := startHTTPServer(mux, opts.IP, opts.DebugPort)

	debug.SetReady()
	logger.Info().
		Str("worker_id", opts.WorkerID).
		Int("concurrency", opts.Concurrency).
		Str("scratch_dir", scratch).
		Str("queue", opts.Queue.Backend).
		Str("barrier", opts.Barrier.Backend).
		Msg("worker started")

	waitForShutdown()

	logger.Info().Msg("shutting down worker")
	debug.SetNotReady()
	cancel()
	worker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	debugServer.Shutdown(shutdownCtx)
}

// buildHandlers wires the run, chunk and finalize handlers over one store.
func buildHandlers(store objectstore.Store, queue taskqueue.Queue, barrier taskqueue.Barrier, scratch string, opts WorkerOpts, finalizer coordinator.Finalizer) []taskqueue.Handler {
	processor := process.IDRange{Column: opts.IDColumn}
	return []taskqueue.Handler{
		coordinator.New(coordinator.Config{
			Store:           store,
			Validator:       header.NewValidator(store, opts.HeaderScanBytes),
			Queue:           queue,
			Barrier:         barrier,
			Finalizer:       finalizer,
			ChunkSize:       opts.ChunkSize,
			ChunkMaxRetries: opts.ChunkMaxRetries,
		}),
		&coordinator.ChunkHandler{
			Fetcher:   fetch.NewFetcher(store, scratch),
			Processor: processor,
		},
		&coordinator.FinalizeHandler{
			Barrier:   barrier,
			Finalizer: finalizer,
		},
	}
}

func registerTaskDebugHandlers(mux *http.ServeMux, queue taskqueue.Queue) {
	mux.HandleFunc("/debug/tasks/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		stats, err := queue.Stats(r.Context())
		if err != nil {
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(stats)
	})

	mux.HandleFunc("/debug/tasks/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		filter := taskqueue.TaskFilter{
			Status:  taskqueue.TaskStatus(r.URL.Query().Get("status")),
			Type:    taskqueue.TaskType(r.URL.Query().Get("type")),
			GroupID: r.URL.Query().Get("group_id"),
			Limit:   100,
		}
		tasks, err := queue.List(r.Context(), filter)
		if err != nil {
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"count": len(tasks),
			"tasks": tasks,
		})
	})
}

func loadWorkerOpts(cmd *cobra.Command) WorkerOpts {
	f := NewFlagLoader(cmd)

	workerID := f.String("worker_id")
	if workerID == "" {
		workerID, _ = os.Hostname()
	}

	return WorkerOpts{
		IP:                f.String("ip"),
		DebugPort:         f.Int("debug_port"),
		WorkerID:          workerID,
		Concurrency:       f.Int("concurrency"),
		PollInterval:      f.Duration("poll_interval"),
		TaskTimeout:       f.Duration("task_timeout"),
		HeartbeatInterval: f.Duration("heartbeat_interval"),
		ScratchDir:        f.String("scratch_dir"),
		ChunkSize:         f.Int64("default_chunk_size"),
		ChunkMaxRetries:   f.Int("chunk_max_retries"),
		HeaderScanBytes:   f.Int64("header_scan_bytes"),
		IDColumn:          f.String("id_column"),
		Queue:             loadQueueOpts(f),
		Barrier:           loadBarrierOpts(f),
		S3:                loadS3Opts(f),
	}
}
