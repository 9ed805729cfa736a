// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/LeeDigitalWorks/s3fanout/pkg/types"
)

// DefaultIDColumn is the column IDRange reads when none is configured.
const DefaultIDColumn = "id"

// IDSummary is the summary produced by IDRange.
type IDSummary struct {
	Rows  int64  `json:"rows"`
	MinID *int64 `json:"min_id,omitempty"`
	MaxID *int64 `json:"max_id,omitempty"`
}

func (s *IDSummary) add(id int64) {
	s.Rows++
	if s.MinID == nil || id < *s.MinID {
		s.MinID = &id
	}
	if s.MaxID == nil || id > *s.MaxID {
		s.MaxID = &id
	}
}

func (s *IDSummary) merge(o IDSummary) {
	s.Rows += o.Rows
	if o.MinID != nil && (s.MinID == nil || *o.MinID < *s.MinID) {
		v := *o.MinID
		s.MinID = &v
	}
	if o.MaxID != nil && (s.MaxID == nil || *o.MaxID > *s.MaxID) {
		v := *o.MaxID
		s.MaxID = &v
	}
}

// IDRange reports the row count and the smallest and largest integer id of
// a chunk.
type IDRange struct {
	Column string
}

var (
	_ Processor = IDRange{}
	_ Merger    = IDRange{}
)

func (p IDRange) column() string {
	if p.Column == "" {
		return DefaultIDColumn
	}
	return p.Column
}

func (p IDRange) Process(ctx context.Context, rows iter.Seq2[types.Row, error]) (json.RawMessage, error) {
	var sum IDSummary
	if rows != nil {
		col := p.column()
		for row, err := range rows {
			if err != nil {
				if !errors.Is(err, types.ErrProcessing) && ctx.Err() == nil {
					err = fmt.Errorf("%w: %w", types.ErrProcessing, err)
				}
				return nil, err
			}
			raw, ok := row[col]
			if !ok {
				return nil, fmt.Errorf("%w: row has no %q column", types.ErrProcessing, col)
			}
			id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s %q is not an integer", types.ErrProcessing, col, raw)
			}
			sum.add(id)
		}
	}
	return json.Marshal(sum)
}

// Merge combines IDRange summaries. Empty entries are skipped.
func (IDRange) Merge(summaries ...json.RawMessage) (json.RawMessage, error) {
	var total IDSummary
	for _, raw := range summaries {
		if len(raw) == 0 {
			continue
		}
		var s IDSummary
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		total.merge(s)
	}
	return json.Marshal(total)
}
