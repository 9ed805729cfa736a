// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"

	"github.com/LeeDigitalWorks/s3fanout/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowsOf(rows ...types.Row) iter.Seq2[types.Row, error] {
	return func(yield func(types.Row, error) bool) {
		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func TestIDRange_Process(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rows iter.Seq2[types.Row, error]
		want string
	}{
		{"nil stream", nil, `{"rows":0}`},
		{"empty stream", Empty(), `{"rows":0}`},
		{"unordered ids", rowsOf(
			types.Row{"id": "5"}, types.Row{"id": " -2 "}, types.Row{"id": "9"},
		), `{"rows":3,"min_id":-2,"max_id":9}`},
		{"single row", rowsOf(types.Row{"id": "42", "name": "x"}), `{"rows":1,"min_id":42,"max_id":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := IDRange{}.Process(context.Background(), tt.rows)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestIDRange_ProcessErrors(t *testing.T) {
	t.Parallel()

	_, err := IDRange{}.Process(context.Background(), rowsOf(types.Row{"id": "abc"}))
	assert.ErrorIs(t, err, types.ErrProcessing)

	_, err = IDRange{}.Process(context.Background(), rowsOf(types.Row{"name": "x"}))
	assert.ErrorIs(t, err, types.ErrProcessing)

	failing := func(yield func(types.Row, error) bool) {
		yield(nil, errors.New("bad quote"))
	}
	_, err = IDRange{}.Process(context.Background(), failing)
	assert.ErrorIs(t, err, types.ErrProcessing)
}

func TestIDRange_CustomColumn(t *testing.T) {
	t.Parallel()

	got, err := IDRange{Column: "user_id"}.Process(context.Background(), rowsOf(types.Row{"user_id": "3"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":1,"min_id":3,"max_id":3}`, string(got))
}

func TestIDRange_Merge(t *testing.T) {
	t.Parallel()

	got, err := IDRange{}.Merge(
		json.RawMessage(`{"rows":2,"min_id":10,"max_id":20}`),
		nil,
		json.RawMessage(`{"rows":0}`),
		json.RawMessage(`{"rows":1,"min_id":-1,"max_id":5}`),
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":3,"min_id":-1,"max_id":20}`, string(got))

	got, err = IDRange{}.Merge()
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":0}`, string(got))

	_, err = IDRange{}.Merge(json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestReadRows(t *testing.T) {
	t.Parallel()

	var rows []types.Row
	for row, err := range ReadRows(context.Background(), stringsReader("id\tname\n1\tann\n2\t\"b\tc\"\n"), '\t') {
		require.NoError(t, err)
		rows = append(rows, row)
	}
	assert.Equal(t, []types.Row{
		{"id": "1", "name": "ann"},
		{"id": "2", "name": "b\tc"},
	}, rows)

	n := 0
	for range ReadRows(context.Background(), stringsReader(""), ',') {
		n++
	}
	assert.Zero(t, n)
}
