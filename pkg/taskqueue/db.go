// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// DBConfig configures the database connection used by DBQueue.
type DBConfig struct {
	Driver          Driver
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenDB opens and pings a database for the queue.
func OpenDB(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	driverName := "mysql"
	switch cfg.Driver {
	case DriverMySQL, "":
	case DriverPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// schemaStatements returns the DDL for driver with the table name filled in.
func schemaStatements(driver Driver, table string) ([]string, error) {
	name := "schema/mysql.sql"
	if driver == DriverPostgres {
		name = "schema/postgres.sql"
	}
	content, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}

	var stmts []string
	for _, stmt := range strings.Split(strings.ReplaceAll(string(content), "{{table}}", table), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts, nil
}

// isDeadlockError checks if the error is a database deadlock error.
// Supports both MySQL (Error 1213) and PostgreSQL (40P01).
func isDeadlockError(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1213 {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40P01" {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "Error 1213") || strings.Contains(errStr, "Deadlock") {
		return true
	}
	if strings.Contains(errStr, "40P01") || strings.Contains(errStr, "deadlock detected") {
		return true
	}
	return false
}

// isDuplicateKeyError reports a primary key conflict on insert.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Error 1062") || strings.Contains(errStr, "23505")
}
