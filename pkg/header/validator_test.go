// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package header

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/LeeDigitalWorks/s3fanout/pkg/objectstore"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loc = types.ObjectLocator{Bucket: "data", Key: "people.csv"}

// fixedStore answers every Select with the same bytes.
type fixedStore struct {
	body string
	err  error
	last objectstore.SelectRequest
}

func (f *fixedStore) Head(context.Context, types.ObjectLocator) (int64, error) {
	return int64(len(f.body)), f.err
}

func (f *fixedStore) Select(_ context.Context, req objectstore.SelectRequest) (io.ReadCloser, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestValidate_StripsLineBreak(t *testing.T) {
	t.Parallel()

	store := &fixedStore{body: "id,name,age\r\n"}
	v := NewValidator(store, 0)

	ok, header := v.Validate(context.Background(), loc, types.HeaderSpec{
		Columns:   []string{"id", "name"},
		Delimiter: ',',
	})
	assert.True(t, ok)
	assert.Equal(t, "id,name,age", header)

	assert.Equal(t, objectstore.HeaderNone, store.last.HeaderInfo)
	assert.Equal(t, objectstore.OutputCSV, store.last.Output)
	assert.Equal(t, 1, store.last.Limit)
	require.NotNil(t, store.last.Range)
	assert.Equal(t, types.ByteRange{Start: 0, End: DefaultScanBytes}, *store.last.Range)
}

func TestValidate_MissingColumn(t *testing.T) {
	t.Parallel()

	v := NewValidator(&fixedStore{body: "name,age"}, 0)

	ok, header := v.Validate(context.Background(), loc, types.HeaderSpec{
		Columns:   []string{"id", "name"},
		Delimiter: ',',
	})
	assert.False(t, ok)
	assert.Equal(t, "name,age", header)
}

func TestValidate_TransportError(t *testing.T) {
	t.Parallel()

	v := NewValidator(&fixedStore{err: errors.New("connection refused")}, 0)

	ok, header := v.Validate(context.Background(), loc, types.HeaderSpec{Columns: []string{"id"}})
	assert.False(t, ok)
	assert.Empty(t, header)
}

func TestValidate_EmptyObject(t *testing.T) {
	t.Parallel()

	v := NewValidator(&fixedStore{}, 0)

	ok, header := v.Validate(context.Background(), loc, types.HeaderSpec{Columns: []string{"id"}})
	assert.False(t, ok)
	assert.Empty(t, header)
}

func TestValidate_MemoryStore(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemoryStore()
	store.Put(loc, []byte("age\tid\tname\n30\t1\tann\n"))
	v := NewValidator(store, 16)

	ok, header := v.Validate(context.Background(), loc, types.HeaderSpec{
		Columns:   []string{"name", "id"},
		Delimiter: '\t',
	})
	assert.True(t, ok)
	assert.Equal(t, "age\tid\tname", header)

	ok, _ = v.Validate(context.Background(), types.ObjectLocator{Bucket: "data", Key: "nope"}, types.HeaderSpec{Columns: []string{"id"}})
	assert.False(t, ok)
}

func TestMissing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		required []string
		parsed   []string
		want     []string
	}{
		{"none required", nil, []string{"a"}, nil},
		{"all present", []string{"b", "a"}, []string{"a", "b", "c"}, nil},
		{"sorted and deduplicated", []string{"z", "id", "z"}, []string{"name"}, []string{"id", "z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Missing(tt.required, tt.parsed))
		})
	}
}

func TestColumns(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"id", "name"}, Columns("id,name", 0))
	assert.Equal(t, []string{"id", "full,name"}, Columns(`id,"full,name"`, ','))
	assert.Nil(t, Columns("", ','))
}

func TestValidate_QuotedHeaderKeepsColumns(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemoryStore()
	store.Put(loc, []byte("\"city, state\",id,name\n\"Austin, TX\",7,x\n"))
	v := NewValidator(store, 0)

	ok, header := v.Validate(context.Background(), loc, types.HeaderSpec{
		Columns:   []string{"id", "city, state"},
		Delimiter: ',',
	})
	require.True(t, ok)
	assert.Equal(t, `"city, state",id,name`, header)
	assert.Equal(t, []string{"city, state", "id", "name"}, Columns(header, ','))
}

func TestJoinRow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		fields []string
		delim  rune
		want   string
	}{
		{"plain", []string{"id", "name"}, ',', "id,name"},
		{"default delimiter", []string{"id", "name"}, 0, "id,name"},
		{"delimiter inside field", []string{"city, state", "id"}, ',', `"city, state",id`},
		{"quote inside field", []string{`say "hi"`, "id"}, ',', `"say ""hi""",id`},
		{"tab delimited", []string{"a,b", "id"}, '\t', "a,b\tid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := JoinRow(tt.fields, tt.delim)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.fields, Columns(got, tt.delim))
		})
	}
}
