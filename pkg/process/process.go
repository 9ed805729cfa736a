// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package process turns the rows of one chunk into an application summary.
package process

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"
)

// Processor consumes the rows of one chunk. Rows arrive in no particular
// order. A nil rows sequence is an empty chunk.
type Processor interface {
	Process(ctx context.Context, rows iter.Seq2[types.Row, error]) (json.RawMessage, error)
}

// Merger combines the summaries of many chunks into one.
type Merger interface {
	Merge(summaries ...json.RawMessage) (json.RawMessage, error)
}

// Empty is a row sequence with no rows.
func Empty() iter.Seq2[types.Row, error] {
	return func(func(types.Row, error) bool) {}
}

// RunFile processes a materialized chunk file and removes it, whether or not
// processing succeeds. An empty path or missing file is an empty chunk.
func RunFile(ctx context.Context, p Processor, path string, delim rune) (json.RawMessage, error) {
	if path == "" {
		return p.Process(ctx, Empty())
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str("path", path).Msg("process: failed to remove scratch file")
		}
	}()

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return p.Process(ctx, Empty())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", types.ErrProcessing, path, err)
	}
	defer file.Close()

	return p.Process(ctx, ReadRows(ctx, file, delim))
}

// ReadRows decodes delimited text whose first record is the header.
func ReadRows(ctx context.Context, r io.Reader, delim rune) iter.Seq2[types.Row, error] {
	if delim == 0 {
		delim = types.DefaultDelimiter
	}
	return func(yield func(types.Row, error) bool) {
		cr := csv.NewReader(r)
		cr.Comma = delim
		cr.FieldsPerRecord = -1
		cr.ReuseRecord = true

		columns, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(nil, fmt.Errorf("%w: read header: %w", types.ErrProcessing, err))
			return
		}
		columns = append([]string(nil), columns...)

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			record, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("%w: %w", types.ErrProcessing, err))
				return
			}

			row := make(types.Row, len(columns))
			for i, v := range record {
				if i < len(columns) {
					row[columns[i]] = v
				}
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}
