// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"strings"
)

// ObjectLocator identifies the source object for a whole run.
type ObjectLocator struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (l ObjectLocator) String() string {
	return l.Bucket + "/" + l.Key
}

// Validate checks that both bucket and key are set.
func (l ObjectLocator) Validate() error {
	if l.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidLocator)
	}
	if l.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidLocator)
	}
	return nil
}

// ByteRange is a half-open byte interval [Start, End) of the source object.
// Every range produced for a run satisfies 0 <= Start < End <= ObjectSize.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

// InclusiveEnd returns the last byte offset covered by the range, which is
// how S3 expresses ScanRange.End.
func (r ByteRange) InclusiveEnd() int64 {
	return r.End - 1
}

// Valid reports whether the range is non-empty and non-negative.
func (r ByteRange) Valid() bool {
	return r.Start >= 0 && r.Start < r.End
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// HeaderSpec lists the columns a file must contain and the delimiter that
// separates fields. Column order is not significant.
type HeaderSpec struct {
	Columns   []string `json:"columns"`
	Delimiter rune     `json:"delimiter"`
}

// DefaultDelimiter is used when no delimiter is configured.
const DefaultDelimiter = ','

// ParseDelimiter converts a configuration string into a delimiter rune.
// Accepts a single character or the escapes "\t" and "tab".
func ParseDelimiter(s string) (rune, error) {
	switch s {
	case "":
		return DefaultDelimiter, nil
	case `\t`, "tab":
		return '\t', nil
	}
	r := []rune(s)
	if len(r) != 1 || r[0] == '\n' || r[0] == '\r' {
		return 0, fmt.Errorf("invalid delimiter %q: must be a single character", s)
	}
	return r[0], nil
}

// SplitHeader splits a validated header row into column names.
func SplitHeader(header string, delim rune) []string {
	if header == "" {
		return nil
	}
	return strings.Split(header, string(delim))
}
