// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/LeeDigitalWorks/s3fanout/pkg/types"
)

// Compile-time interface verification
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for testing and local runs.
//
// Range queries follow S3 Select scan-range rules: a record is returned when
// its first byte lies inside the range, even if the record itself extends past
// the end of the range. Records are separated by '\n'; quoted record
// delimiters are not supported.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[types.ObjectLocator][]byte

	// HeadHook and SelectHook, when set, run before each request and can
	// inject failures.
	HeadHook   func(loc types.ObjectLocator) error
	SelectHook func(req SelectRequest) error

	heads   atomic.Int64
	selects atomic.Int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[types.ObjectLocator][]byte),
	}
}

// Put stores an object, replacing any previous content.
func (m *MemoryStore) Put(loc types.ObjectLocator, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[loc] = bytes.Clone(data)
}

// Heads returns the number of Head calls served.
func (m *MemoryStore) Heads() int64 {
	return m.heads.Load()
}

// Selects returns the number of Select calls served.
func (m *MemoryStore) Selects() int64 {
	return m.selects.Load()
}

func (m *MemoryStore) get(loc types.ObjectLocator) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[loc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchKey, loc)
	}
	return data, nil
}

func (m *MemoryStore) Head(ctx context.Context, loc types.ObjectLocator) (int64, error) {
	m.heads.Add(1)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.HeadHook != nil {
		if err := m.HeadHook(loc); err != nil {
			return 0, err
		}
	}
	data, err := m.get(loc)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (m *MemoryStore) Select(ctx context.Context, req SelectRequest) (io.ReadCloser, error) {
	m.selects.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.SelectHook != nil {
		if err := m.SelectHook(req); err != nil {
			return nil, err
		}
	}
	data, err := m.get(req.Locator)
	if err != nil {
		return nil, err
	}

	out, err := EvaluateSelect(data, req)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(out)), nil
}

// EvaluateSelect runs a range query against raw object bytes and returns the
// encoded output records.
func EvaluateSelect(data []byte, req SelectRequest) ([]byte, error) {
	delim := req.Delimiter
	if delim == 0 {
		delim = types.DefaultDelimiter
	}

	first, last := int64(0), int64(len(data))-1
	if req.Range != nil {
		first = req.Range.Start
		last = min(req.Range.InclusiveEnd(), last)
	}

	var header []string
	var buf bytes.Buffer
	csvOut := csv.NewWriter(&buf)
	csvOut.Comma = delim

	emitted := 0
	for offset := int64(0); offset < int64(len(data)); {
		line, next := readLine(data, offset)
		start := offset
		offset = next

		if start == 0 && req.HeaderInfo != HeaderNone {
			if req.HeaderInfo == HeaderUse {
				fields, err := splitRecord(line, delim)
				if err != nil {
					return nil, err
				}
				header = fields
			}
			continue
		}
		if start < first {
			continue
		}
		if start > last {
			break
		}
		if len(line) == 0 {
			continue
		}

		fields, err := splitRecord(line, delim)
		if err != nil {
			return nil, fmt.Errorf("record at offset %d: %w", start, err)
		}

		if req.Output == OutputJSON {
			obj := make(map[string]string, len(fields))
			for i, f := range fields {
				name := "_" + strconv.Itoa(i+1)
				if i < len(header) {
					name = header[i]
				}
				obj[name] = f
			}
			b, err := json.Marshal(obj)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
			buf.WriteByte('\n')
		} else {
			if err := csvOut.Write(fields); err != nil {
				return nil, err
			}
			csvOut.Flush()
		}

		emitted++
		if req.Limit > 0 && emitted >= req.Limit {
			break
		}
	}
	csvOut.Flush()
	if err := csvOut.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readLine returns the record starting at offset without its '\n' and the
// offset of the following record.
func readLine(data []byte, offset int64) ([]byte, int64) {
	idx := bytes.IndexByte(data[offset:], '\n')
	if idx < 0 {
		return data[offset:], int64(len(data))
	}
	return data[offset : offset+int64(idx)], offset + int64(idx) + 1
}

func splitRecord(line []byte, delim rune) ([]string, error) {
	r := csv.NewReader(strings.NewReader(string(line)))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	fields, err := r.Read()
	if err == io.EOF {
		return []string{""}, nil
	}
	return fields, err
}
