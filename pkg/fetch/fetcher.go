// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetch pulls one byte range of a delimited object out of the store,
// either as decoded rows in memory or as a standalone scratch file.
package fetch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/LeeDigitalWorks/s3fanout/pkg/header"
	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/objectstore"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Fetcher issues range queries for chunk units. The store never interprets
// the header: every query uses HeaderIgnore and column names come from the
// unit's validated header.
type Fetcher struct {
	store      objectstore.Store
	scratchDir string
}

// NewFetcher creates a fetcher writing scratch files under scratchDir. An
// empty scratchDir uses os.TempDir().
func NewFetcher(store objectstore.Store, scratchDir string) *Fetcher {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Fetcher{store: store, scratchDir: scratchDir}
}

// ScratchDir returns the directory scratch files are written to.
func (f *Fetcher) ScratchDir() string {
	return f.scratchDir
}

// Stream runs a JSON range query and returns the decoded rows. The returned
// error is non-nil only for transport failures and wraps types.ErrTransport;
// malformed records surface through the iterator as types.ErrProcessing.
func (f *Fetcher) Stream(ctx context.Context, unit types.ChunkUnit) (iter.Seq2[types.Row, error], error) {
	buf, err := f.query(ctx, unit, objectstore.OutputJSON)
	if err != nil {
		return nil, err
	}
	BytesTotal.WithLabelValues(string(types.FetchStream)).Add(float64(len(buf)))

	columns := header.Columns(unit.Header, unit.Delimiter)
	return decodeRecords(buf, columns), nil
}

func (f *Fetcher) query(ctx context.Context, unit types.ChunkUnit, out objectstore.OutputFormat) ([]byte, error) {
	rng := unit.Range
	rc, err := f.store.Select(ctx, objectstore.SelectRequest{
		Locator:    unit.Locator,
		Range:      &rng,
		Delimiter:  unit.Delimiter,
		HeaderInfo: objectstore.HeaderIgnore,
		Output:     out,
	})
	if err != nil {
		return nil, f.transportError(unit, err)
	}
	defer rc.Close()

	buf, err := io.ReadAll(rc)
	if err != nil {
		return nil, f.transportError(unit, err)
	}
	return buf, nil
}

// Materialize runs a CSV range query and writes the validated header, a line
// break, and the returned records to the unit's scratch file. On error no
// file is left behind and the path is empty.
func (f *Fetcher) Materialize(ctx context.Context, unit types.ChunkUnit) (path string, err error) {
	rng := unit.Range
	rc, err := f.store.Select(ctx, objectstore.SelectRequest{
		Locator:    unit.Locator,
		Range:      &rng,
		Delimiter:  unit.Delimiter,
		HeaderInfo: objectstore.HeaderIgnore,
		Output:     objectstore.OutputCSV,
	})
	if err != nil {
		return "", f.transportError(unit, err)
	}
	defer rc.Close()

	path = ScratchName(f.scratchDir, unit.Locator.Key, unit.Range.Start)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(path)
			path = ""
		}
	}()

	w := bufio.NewWriter(file)
	if _, err = w.WriteString(strings.TrimRight(unit.Header, "\r\n") + "\n"); err != nil {
		return "", fmt.Errorf("write header: %w", err)
	}
	n, err := io.Copy(w, rc)
	if err != nil {
		return "", f.transportError(unit, err)
	}
	if err = w.Flush(); err != nil {
		return "", fmt.Errorf("flush scratch file: %w", err)
	}
	if err = file.Close(); err != nil {
		return "", fmt.Errorf("close scratch file: %w", err)
	}
	BytesTotal.WithLabelValues(string(types.FetchMaterialize)).Add(float64(n))

	logger.Debug().
		Str("run_id", unit.RunID).
		Str("path", path).
		Int64("bytes", n).
		Msg("fetch: materialized chunk")
	return path, nil
}

func (f *Fetcher) transportError(unit types.ChunkUnit, err error) error {
	logRange(logger.Error(), unit).
		Err(err).
		Msg("fetch: range query failed")
	return fmt.Errorf("%w: %s %s: %w", types.ErrTransport, unit.Locator, unit.Range, err)
}

func logRange(evt *zerolog.Event, unit types.ChunkUnit) *zerolog.Event {
	return evt.
		Str("run_id", unit.RunID).
		Str("bucket", unit.Locator.Bucket).
		Str("key", unit.Locator.Key).
		Int64("range_start", unit.Range.Start).
		Int64("range_end", unit.Range.End)
}

// ScratchName returns the scratch file path for the chunk of key starting at
// start. The name depends only on its inputs, so a redelivered chunk task
// overwrites its own earlier file and never collides with a sibling.
func ScratchName(dir, key string, start int64) string {
	base := filepath.Base(key)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == "/" {
		base = "chunk"
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%016x-%020d.csv", base, xxhash.Sum64String(key), start))
}

// decodeRecords yields one Row per JSON line. Positional keys "_N" are
// mapped onto columns; positions past the header keep their "_N" name.
func decodeRecords(buf []byte, columns []string) iter.Seq2[types.Row, error] {
	return func(yield func(types.Row, error) bool) {
		for len(buf) > 0 {
			line := buf
			if i := bytes.IndexByte(buf, '\n'); i >= 0 {
				line, buf = buf[:i], buf[i+1:]
			} else {
				buf = nil
			}
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			if !gjson.ValidBytes(line) {
				yield(nil, fmt.Errorf("%w: malformed record %q", types.ErrProcessing, line))
				return
			}
			row := make(types.Row, len(columns))
			gjson.ParseBytes(line).ForEach(func(k, v gjson.Result) bool {
				row[columnName(k.String(), columns)] = v.String()
				return true
			})
			if !yield(row, nil) {
				return
			}
		}
	}
}

func columnName(key string, columns []string) string {
	pos, ok := strings.CutPrefix(key, "_")
	if !ok {
		return key
	}
	n, err := strconv.Atoi(pos)
	if err != nil || n < 1 || n > len(columns) {
		return key
	}
	return columns[n-1]
}

// IsTransport reports whether err came from the store rather than from
// local file handling.
func IsTransport(err error) bool {
	return errors.Is(err, types.ErrTransport)
}
