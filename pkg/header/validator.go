// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package header checks that a delimited object carries the columns a run
// needs before any chunk work is dispatched.
package header

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"slices"
	"strings"

	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/objectstore"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"
)

// DefaultScanBytes bounds the scan range used to read the header row.
const DefaultScanBytes = 64 * 1024

// Validator reads the first row of an object and compares it against a
// HeaderSpec.
type Validator struct {
	store     objectstore.Store
	scanBytes int64
}

// NewValidator creates a validator. scanBytes <= 0 uses DefaultScanBytes.
func NewValidator(store objectstore.Store, scanBytes int64) *Validator {
	if scanBytes <= 0 {
		scanBytes = DefaultScanBytes
	}
	return &Validator{store: store, scanBytes: scanBytes}
}

// Validate returns true and the header row when every required column is
// present. On a mismatch it returns false with the header row. The row keeps
// its quoting, so Columns recovers exactly the parsed columns. Transport
// errors and empty objects return false and "".
func (v *Validator) Validate(ctx context.Context, loc types.ObjectLocator, spec types.HeaderSpec) (bool, string) {
	delim := spec.Delimiter
	if delim == 0 {
		delim = types.DefaultDelimiter
	}

	columns, err := v.readHeader(ctx, loc, delim)
	if err != nil {
		logger.Error().
			Err(err).
			Str("bucket", loc.Bucket).
			Str("key", loc.Key).
			Msg("header: failed to read header row")
		return false, ""
	}
	if len(columns) == 0 {
		logger.Warn().
			Str("bucket", loc.Bucket).
			Str("key", loc.Key).
			Msg("header: object is empty")
		return false, ""
	}

	joined, err := JoinRow(columns, delim)
	if err != nil {
		logger.Error().
			Err(err).
			Str("bucket", loc.Bucket).
			Str("key", loc.Key).
			Msg("header: failed to encode header row")
		return false, ""
	}
	if missing := Missing(spec.Columns, columns); len(missing) > 0 {
		logger.Warn().
			Str("bucket", loc.Bucket).
			Str("key", loc.Key).
			Strs("missing", missing).
			Str("header", joined).
			Msg("header: required columns missing")
		return false, joined
	}

	logger.Debug().
		Str("bucket", loc.Bucket).
		Str("key", loc.Key).
		Str("header", joined).
		Msg("header: validated")
	return true, joined
}

func (v *Validator) readHeader(ctx context.Context, loc types.ObjectLocator, delim rune) ([]string, error) {
	rc, err := v.store.Select(ctx, objectstore.SelectRequest{
		Locator:    loc,
		Range:      &types.ByteRange{Start: 0, End: v.scanBytes},
		Delimiter:  delim,
		HeaderInfo: objectstore.HeaderNone,
		Output:     objectstore.OutputCSV,
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	line, err := bufio.NewReader(rc).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return ParseRow(line, delim)
}

// ParseRow splits one delimited row into fields and strips the trailing line
// break from the last field. An empty row yields no fields.
func ParseRow(row string, delim rune) ([]string, error) {
	row = strings.TrimRight(row, "\r\n")
	if row == "" {
		return nil, nil
	}

	r := csv.NewReader(strings.NewReader(row))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	fields, err := r.Read()
	if err != nil {
		return nil, err
	}
	fields[len(fields)-1] = strings.TrimRight(fields[len(fields)-1], "\r\n")
	return fields, nil
}

// JoinRow encodes fields as one delimited row without a line break, quoting
// fields that contain the delimiter, quotes or leading space.
func JoinRow(fields []string, delim rune) (string, error) {
	if delim == 0 {
		delim = types.DefaultDelimiter
	}
	var b strings.Builder
	w := csv.NewWriter(&b)
	w.Comma = delim
	if err := w.Write(fields); err != nil {
		return "", err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return strings.TrimRight(b.String(), "\r\n"), nil
}

// Missing returns the sorted required columns absent from parsed.
func Missing(required, parsed []string) []string {
	have := make(map[string]struct{}, len(parsed))
	for _, c := range parsed {
		have[c] = struct{}{}
	}

	var missing []string
	for _, c := range required {
		if _, ok := have[c]; !ok {
			missing = append(missing, c)
		}
	}
	slices.Sort(missing)
	return slices.Compact(missing)
}

// Columns splits a validated header string into column names.
func Columns(validated string, delim rune) []string {
	if delim == 0 {
		delim = types.DefaultDelimiter
	}
	cols, err := ParseRow(validated, delim)
	if err != nil {
		return types.SplitHeader(validated, delim)
	}
	return cols
}
