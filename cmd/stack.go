// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/objectstore"
	"github.com/LeeDigitalWorks/s3fanout/pkg/s3client"
	"github.com/LeeDigitalWorks/s3fanout/pkg/taskqueue"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"
	"github.com/LeeDigitalWorks/s3fanout/pkg/utils"

	"github.com/spf13/pflag"
)

// QueueOpts selects and configures the task queue backend.
type QueueOpts struct {
	Backend           string // memory, mysql, postgres
	DSN               string
	Table             string
	MaxOpenConns      int
	MaxIdleConns      int
	VisibilityTimeout time.Duration
	Migrate           bool
}

// BarrierOpts selects and configures the group barrier backend.
type BarrierOpts struct {
	Backend       string // memory, redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	KeyTTL        time.Duration
}

// S3Opts configures the object store client.
type S3Opts struct {
	Endpoint          string
	Region            string
	AccessKeyID       string
	SecretAccessKey   string
	PathStyle         bool
	MaxAttempts       int
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

func addQueueFlags(f *pflag.FlagSet) {
	f.String("queue_backend", "memory", "Task queue backend (memory, mysql, postgres)")
	f.String("queue_dsn", "", "Database connection string for the mysql/postgres queue")
	f.String("queue_table", "fanout_tasks", "Task table name")
	f.Int("queue_max_open_conns", 25, "Maximum open database connections")
	f.Int("queue_max_idle_conns", 5, "Maximum idle database connections")
	f.Duration("queue_visibility_timeout", taskqueue.DefaultVisibilityTimeout, "How long a claimed task stays invisible without a heartbeat")
	f.Bool("queue_migrate", true, "Create the task table if it does not exist")
}

func addBarrierFlags(f *pflag.FlagSet) {
	f.String("barrier_backend", "memory", "Group barrier backend (memory, redis)")
	f.String("redis_addr", "localhost:6379", "Redis address for the barrier")
	f.String("redis_password", "", "Redis password")
	f.Int("redis_db", 0, "Redis database number")
	f.Int("redis_pool_size", 10, "Redis connection pool size")
	f.Duration("barrier_ttl", 24*time.Hour, "Lifetime of barrier state in Redis")
}

func addS3Flags(f *pflag.FlagSet) {
	f.String("s3_endpoint", "", "S3 endpoint URL (empty uses AWS)")
	f.String("s3_region", "us-east-1", "S3 region")
	f.String("s3_access_key_id", "", "S3 access key (empty uses the default credential chain)")
	f.String("s3_secret_access_key", "", "S3 secret key (use env var S3_SECRET_ACCESS_KEY)")
	f.Bool("s3_path_style", false, "Use path-style addressing")
	f.Int("s3_max_attempts", 0, "Override the SDK retry attempts")
	f.Duration("s3_timeout", 5*time.Minute, "Timeout of a single S3 request")
	f.Float64("s3_requests_per_second", 0, "Client-side request rate limit (0 disables)")
	f.Int("s3_burst", 0, "Request burst allowed by the rate limit")
}

func addRunFlags(f *pflag.FlagSet) {
	f.String("run_id", "", "Run ID (generated when empty)")
	f.String("bucket", "", "Bucket of the source object")
	f.String("key", "", "Key of the source object")
	f.StringSlice("columns", []string{"id"}, "Columns the header must contain")
	f.String("delimiter", ",", `Field delimiter (single character, or "tab")`)
	f.Int64("chunk_size", 0, "Bytes per chunk (0 uses the default of 512KiB)")
	f.String("mode", string(types.FetchMaterialize), "Chunk fetch mode (materialize, stream)")
}

func loadQueueOpts(f *FlagLoader) QueueOpts {
	return QueueOpts{
		Backend:           f.String("queue_backend"),
		DSN:               f.String("queue_dsn"),
		Table:             f.String("queue_table"),
		MaxOpenConns:      f.Int("queue_max_open_conns"),
		MaxIdleConns:      f.Int("queue_max_idle_conns"),
		VisibilityTimeout: f.Duration("queue_visibility_timeout"),
		Migrate:           f.Bool("queue_migrate"),
	}
}

func loadBarrierOpts(f *FlagLoader) BarrierOpts {
	return BarrierOpts{
		Backend:       f.String("barrier_backend"),
		RedisAddr:     f.String("redis_addr"),
		RedisPassword: f.String("redis_password"),
		RedisDB:       f.Int("redis_db"),
		RedisPoolSize: f.Int("redis_pool_size"),
		KeyTTL:        f.Duration("barrier_ttl"),
	}
}

func loadS3Opts(f *FlagLoader) S3Opts {
	return S3Opts{
		Endpoint:          f.String("s3_endpoint"),
		Region:            f.String("s3_region"),
		AccessKeyID:       f.String("s3_access_key_id"),
		SecretAccessKey:   f.String("s3_secret_access_key"),
		PathStyle:         f.Bool("s3_path_style"),
		MaxAttempts:       f.Int("s3_max_attempts"),
		Timeout:           f.Duration("s3_timeout"),
		RequestsPerSecond: f.Float64("s3_requests_per_second"),
		Burst:             f.Int("s3_burst"),
	}
}

// loadRunRequest builds a RunRequest from the run flags.
func loadRunRequest(f *FlagLoader) (types.RunRequest, error) {
	delim, err := types.ParseDelimiter(f.String("delimiter"))
	if err != nil {
		return types.RunRequest{}, err
	}
	mode, err := types.ParseFetchMode(f.String("mode"))
	if err != nil {
		return types.RunRequest{}, err
	}
	req := types.RunRequest{
		RunID:           f.String("run_id"),
		Locator:         types.ObjectLocator{Bucket: f.String("bucket"), Key: f.String("key")},
		Delimiter:       delim,
		RequiredColumns: f.StringSlice("columns"),
		ChunkSize:       f.Int64("chunk_size"),
		Mode:            mode,
	}
	if req.ChunkSize < 0 {
		return types.RunRequest{}, fmt.Errorf("chunk_size must not be negative")
	}
	return req, req.Locator.Validate()
}

// openQueue opens the configured queue. The memory queue only lives as long
// as the process.
func openQueue(ctx context.Context, opts QueueOpts) (taskqueue.Queue, error) {
	switch opts.Backend {
	case "", "memory":
		var qopts []taskqueue.MemoryQueueOption
		if opts.VisibilityTimeout > 0 {
			qopts = append(qopts, taskqueue.WithVisibilityTimeout(opts.VisibilityTimeout))
		}
		return taskqueue.NewMemoryQueue(qopts...), nil
	case string(taskqueue.DriverMySQL), string(taskqueue.DriverPostgres):
	default:
		return nil, fmt.Errorf("unknown queue backend %q", opts.Backend)
	}

	driver := taskqueue.Driver(opts.Backend)
	db, err := taskqueue.OpenDB(ctx, taskqueue.DBConfig{
		Driver:          driver,
		DSN:             opts.DSN,
		MaxOpenConns:    opts.MaxOpenConns,
		MaxIdleConns:    opts.MaxIdleConns,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewDBQueue(taskqueue.DBQueueConfig{
		DB:                db,
		Driver:            driver,
		TableName:         opts.Table,
		VisibilityTimeout: opts.VisibilityTimeout,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if opts.Migrate {
		if err := q.Migrate(ctx); err != nil {
			q.Close()
			return nil, fmt.Errorf("migrate task table: %w", err)
		}
	}

	logger.Info().
		Str("driver", string(driver)).
		Str("table", opts.Table).
		Msg("task queue connected")
	return q, nil
}

// openBarrier opens the configured barrier. close is never nil.
func openBarrier(opts BarrierOpts) (b taskqueue.Barrier, close func() error, err error) {
	switch opts.Backend {
	case "", "memory":
		return taskqueue.NewMemoryBarrier(), func() error { return nil }, nil
	case "redis":
		rb, err := taskqueue.NewRedisBarrier(taskqueue.RedisBarrierConfig{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			PoolSize: opts.RedisPoolSize,
			KeyTTL:   opts.KeyTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("redis_addr", opts.RedisAddr).Msg("barrier connected to redis")
		return rb, rb.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown barrier backend %q", opts.Backend)
	}
}

// openStore creates an S3-backed store. The returned pool owns the HTTP
// connections and must be closed by the caller.
func openStore(ctx context.Context, opts S3Opts) (*objectstore.S3Store, *s3client.Pool, error) {
	pool := s3client.NewPool(opts.Timeout, 0)
	client, err := pool.GetClient(ctx, &s3client.Config{
		Endpoint:        opts.Endpoint,
		Region:          opts.Region,
		AccessKeyID:     opts.AccessKeyID,
		SecretAccessKey: opts.SecretAccessKey,
		PathStyle:       opts.PathStyle,
		MaxAttempts:     opts.MaxAttempts,
	})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	store := objectstore.NewS3Store(objectstore.S3StoreConfig{
		Client:            client,
		RequestsPerSecond: opts.RequestsPerSecond,
		Burst:             opts.Burst,
	})
	return store, pool, nil
}

func startHTTPServer(handler http.Handler, ip string, port int) *http.Server {
	listener, err := utils.NewListener(utils.JoinHostPort(ip, port), 0)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{Handler: handler}
	go func() {
		logger.Info().Str("http_addr", utils.JoinHostPort(ip, port)).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
}
