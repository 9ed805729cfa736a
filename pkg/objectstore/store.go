// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package objectstore is the client side of the store query contract: a
// metadata probe for object size and a range query that returns decoded
// records for a byte interval of a delimited-text object.
package objectstore

import (
	"context"
	"errors"
	"io"

	"github.com/LeeDigitalWorks/s3fanout/pkg/types"
)

var (
	ErrNoSuchKey    = errors.New("no such key")
	ErrNoSuchBucket = errors.New("no such bucket")
)

// HeaderInfo controls how the store treats the first line of the object.
type HeaderInfo string

const (
	// HeaderNone returns the first line as an ordinary record.
	HeaderNone HeaderInfo = "NONE"
	// HeaderIgnore drops the first line of the object.
	HeaderIgnore HeaderInfo = "IGNORE"
	// HeaderUse drops the first line and names output columns after it.
	HeaderUse HeaderInfo = "USE"
)

// OutputFormat selects the shape of range query output.
type OutputFormat string

const (
	// OutputJSON emits one JSON object per record, newline separated.
	OutputJSON OutputFormat = "JSON"
	// OutputCSV emits delimited text using the input delimiter.
	OutputCSV OutputFormat = "CSV"
)

// SelectRequest describes one range query.
type SelectRequest struct {
	Locator types.ObjectLocator
	// Range limits the scan to records that start inside it. Nil scans the
	// whole object.
	Range      *types.ByteRange
	Delimiter  rune
	HeaderInfo HeaderInfo
	Output     OutputFormat
	// Limit caps the number of returned records; zero means no limit.
	Limit int
}

// Store is an S3-compatible object store that supports range queries.
type Store interface {
	// Head returns the object size in bytes.
	Head(ctx context.Context, loc types.ObjectLocator) (int64, error)

	// Select runs a range query. The returned reader yields the raw output
	// records; closing it releases the underlying response.
	Select(ctx context.Context, req SelectRequest) (io.ReadCloser, error)
}
