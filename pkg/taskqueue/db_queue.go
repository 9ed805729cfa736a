// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// maxDeadlockRetries is the maximum number of retry attempts for deadlock errors
	maxDeadlockRetries = 3
	// baseDeadlockBackoff is the base backoff duration for deadlock retries
	baseDeadlockBackoff = 10 * time.Millisecond
)

// Driver identifies a database driver type for the task queue.
type Driver string

const (
	// DriverMySQL uses MySQL/MariaDB/Vitess with ? placeholders
	DriverMySQL Driver = "mysql"
	// DriverPostgres uses PostgreSQL/CockroachDB with $N placeholders
	DriverPostgres Driver = "postgres"
)

// Compile-time interface verification
var _ Queue = (*DBQueue)(nil)

// DBQueue is a database-backed implementation of Queue shared by every
// worker process. Concurrent workers claim tasks with FOR UPDATE SKIP LOCKED.
type DBQueue struct {
	db                *sql.DB
	tableName         string
	visibilityTimeout time.Duration // How long a task can be "running" without a heartbeat
	retryBackoff      time.Duration
	driver            Driver
}

// DBQueueConfig configures the database queue.
type DBQueueConfig struct {
	DB                *sql.DB
	Driver            Driver        // Database driver (mysql, postgres). Defaults to mysql.
	TableName         string        // Defaults to "fanout_tasks"
	VisibilityTimeout time.Duration // Defaults to DefaultVisibilityTimeout
	RetryBackoff      time.Duration // Base of the exponential retry backoff. Defaults to 1s.
}

// NewDBQueue creates a new database-backed queue.
func NewDBQueue(cfg DBQueueConfig) (*DBQueue, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = "fanout_tasks"
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverMySQL
	}

	return &DBQueue{
		db:                cfg.DB,
		tableName:         cfg.TableName,
		visibilityTimeout: cfg.VisibilityTimeout,
		retryBackoff:      cfg.RetryBackoff,
		driver:            cfg.Driver,
	}, nil
}

// Migrate creates the task table and its indexes if they do not exist.
func (q *DBQueue) Migrate(ctx context.Context) error {
	stmts, err := schemaStatements(q.driver, q.tableName)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", q.tableName, err)
		}
	}
	return nil
}

// rebind converts MySQL-style ? placeholders to PostgreSQL-style $N placeholders
// if the driver is PostgreSQL. For MySQL, it returns the query unchanged.
func (q *DBQueue) rebind(query string) string {
	if q.driver != DriverPostgres {
		return query
	}

	var result strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&result, "$%d", n)
			n++
		} else {
			result.WriteByte(query[i])
		}
	}
	return result.String()
}

const taskColumns = `id, type, status, priority, group_id, payload, result, scheduled_at,
	started_at, completed_at, attempts, max_retries, retry_after, last_error,
	created_at, updated_at, heartbeat_at, worker_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var payload string
	var groupID, result, lastError, workerID sql.NullString
	var startedAt, completedAt, retryAfter, heartbeatAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.Type, &task.Status, &task.Priority, &groupID, &payload, &result,
		&task.ScheduledAt, &startedAt, &completedAt, &task.Attempts, &task.MaxRetries,
		&retryAfter, &lastError, &task.CreatedAt, &task.UpdatedAt, &heartbeatAt, &workerID,
	)
	if err != nil {
		return nil, err
	}

	task.Payload = json.RawMessage(payload)
	task.GroupID = groupID.String
	if result.Valid {
		task.Result = json.RawMessage(result.String)
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if retryAfter.Valid {
		task.RetryAfter = retryAfter.Time
	}
	task.LastError = lastError.String
	task.WorkerID = workerID.String
	return &task, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (q *DBQueue) Enqueue(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
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

	query := q.rebind(fmt.Sprintf(`
		INSERT INTO %s (id, type, status, priority, group_id, payload, scheduled_at,
			attempts, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.tableName))

	_, err := q.db.ExecContext(ctx, query,
		task.ID, task.Type, task.Status, task.Priority, nullString(task.GroupID),
		string(task.Payload), task.ScheduledAt, task.Attempts, task.MaxRetries,
		task.CreatedAt, task.UpdatedAt,
	)
	if isDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	return err
}

// retryOnDeadlock runs fn up to maxDeadlockRetries times while it fails with
// a deadlock, backing off with jitter: 10-20ms, 20-40ms, 40-80ms.
func retryOnDeadlock(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := range maxDeadlockRetries {
		err := fn()
		if err == nil || !isDeadlockError(err) {
			return err
		}
		lastErr = err
		DeadlockRetries.Inc()

		backoff := baseDeadlockBackoff * time.Duration(1<<attempt)
		jitter := time.Duration(rand.Int64N(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return lastErr
}

func (q *DBQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	var task *Task
	err := retryOnDeadlock(ctx, func() error {
		var err error
		task, err = q.dequeueOnce(ctx, workerID, taskTypes...)
		return err
	})
	return task, err
}

func (q *DBQueue) dequeueOnce(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	staleThreshold := now.Add(-q.visibilityTimeout)

	typeFilter := ""
	args := []any{now, now, staleThreshold}
	if len(taskTypes) > 0 {
		typeFilter = " AND type IN (?" + strings.Repeat(",?", len(taskTypes)-1) + ")"
		for _, t := range taskTypes {
			args = append(args, string(t))
		}
	}

	// Highest priority, oldest first. Running tasks whose worker stopped
	// heartbeating are reclaimed.
	selectQuery := q.rebind(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE (
			(status = 'pending' AND scheduled_at <= ? AND (retry_after IS NULL OR retry_after <= ?))
			OR
			(status = 'running' AND heartbeat_at < ?)
		)
		%s
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, taskColumns, q.tableName, typeFilter))

	task, err := scanTask(tx.QueryRowContext(ctx, selectQuery, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// A reclaimed task used up an attempt.
	attempts := task.Attempts
	if task.Status == StatusRunning {
		attempts++
	}

	updateQuery := q.rebind(fmt.Sprintf(`
		UPDATE %s SET status = 'running', started_at = ?, heartbeat_at = ?,
			worker_id = ?, attempts = ?, updated_at = ?
		WHERE id = ?
	`, q.tableName))

	if _, err = tx.ExecContext(ctx, updateQuery, now, now, workerID, attempts, now, task.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task.Status = StatusRunning
	task.StartedAt = &now
	task.WorkerID = workerID
	task.Attempts = attempts
	task.UpdatedAt = now

	return task, nil
}

func (q *DBQueue) Complete(ctx context.Context, taskID string, result json.RawMessage) error {
	now := time.Now()
	query := q.rebind(fmt.Sprintf(`
		UPDATE %s SET status = 'completed', result = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, q.tableName))

	res, err := q.db.ExecContext(ctx, query, nullString(string(result)), now, now, taskID)
	if err != nil {
		return err
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (q *DBQueue) Fail(ctx context.Context, taskID string, taskErr error) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now()
	task.Attempts++
	task.LastError = taskErr.Error()
	task.UpdatedAt = now

	var retryAfter, completedAt *time.Time
	if task.Attempts >= task.MaxRetries {
		task.Status = StatusDeadLetter
		completedAt = &now
	} else {
		backoff := q.retryBackoff * time.Duration(1<<(task.Attempts-1))
		ra := now.Add(backoff)
		retryAfter = &ra
		task.Status = StatusPending
		task.WorkerID = ""
	}

	query := q.rebind(fmt.Sprintf(`
		UPDATE %s SET status = ?, attempts = ?, last_error = ?,
			retry_after = ?, completed_at = ?, worker_id = ?, updated_at = ?
		WHERE id = ?
	`, q.tableName))

	_, err = q.db.ExecContext(ctx, query,
		task.Status, task.Attempts, task.LastError,
		retryAfter, completedAt, nullString(task.WorkerID), task.UpdatedAt, taskID,
	)
	return err
}

func (q *DBQueue) Cancel(ctx context.Context, taskID string) error {
	now := time.Now()
	query := q.rebind(fmt.Sprintf(`
		UPDATE %s SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ?
	`, q.tableName))

	result, err := q.db.ExecContext(ctx, query, now, now, taskID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (q *DBQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	query := q.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, taskColumns, q.tableName))

	task, err := scanTask(q.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (q *DBQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1", taskColumns, q.tableName)
	args := []any{}

	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.GroupID != "" {
		query += " AND group_id = ?"
		args = append(args, filter.GroupID)
	}

	query += " ORDER BY created_at ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := q.db.QueryContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (q *DBQueue) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{
		ByType: make(map[TaskType]int64),
	}

	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT status, COUNT(*) FROM %s GROUP BY status`, q.tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch TaskStatus(status) {
		case StatusPending:
			stats.Pending = count
		case StatusRunning:
			stats.Running = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusDeadLetter:
			stats.DeadLetter = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := q.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT type, COUNT(*) FROM %s WHERE status = 'pending' GROUP BY type`, q.tableName))
	if err != nil {
		return nil, err
	}
	defer typeRows.Close()

	for typeRows.Next() {
		var taskType string
		var count int64
		if err := typeRows.Scan(&taskType, &count); err != nil {
			return nil, err
		}
		stats.ByType[TaskType(taskType)] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullTime
	err = q.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT MIN(scheduled_at) FROM %s WHERE status = 'pending'`, q.tableName)).Scan(&oldest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if oldest.Valid {
		stats.OldestPending = &oldest.Time
	}

	return stats, nil
}

func (q *DBQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	query := q.rebind(fmt.Sprintf(`
		DELETE FROM %s
		WHERE status IN ('completed', 'cancelled')
		AND completed_at < ?
	`, q.tableName))

	result, err := q.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Heartbeat extends the visibility timeout for a running task.
// Uses deadlock retry to ensure heartbeat succeeds even under contention.
func (q *DBQueue) Heartbeat(ctx context.Context, taskID string, workerID string) error {
	return retryOnDeadlock(ctx, func() error {
		return q.heartbeatOnce(ctx, taskID, workerID)
	})
}

func (q *DBQueue) heartbeatOnce(ctx context.Context, taskID string, workerID string) error {
	now := time.Now()
	query := q.rebind(fmt.Sprintf(`
		UPDATE %s SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'running'
	`, q.tableName))

	result, err := q.db.ExecContext(ctx, query, now, now, taskID, workerID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// VisibilityTimeout returns the configured visibility timeout.
func (q *DBQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTimeout
}

func (q *DBQueue) Close() error {
	// DB connection is managed externally
	return nil
}
