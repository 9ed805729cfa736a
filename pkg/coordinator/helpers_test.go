// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/LeeDigitalWorks/s3fanout/pkg/objectstore"
	"github.com/LeeDigitalWorks/s3fanout/pkg/process"
	"github.com/LeeDigitalWorks/s3fanout/pkg/taskqueue"
	"github.com/LeeDigitalWorks/s3fanout/pkg/types"

	"github.com/stretchr/testify/require"
)

const (
	largeSize  = 1_500_000
	largeChunk = 524_288

	// "id,name,age\n" followed by 21-byte rows fills largeSize exactly.
	largeHeader = "id,name,age\n"
	largeRows   = (largeSize - len(largeHeader)) / 21
)

var (
	largeLoc = types.ObjectLocator{Bucket: "datasets", Key: "people/large.csv"}
	smallLoc = types.ObjectLocator{Bucket: "datasets", Key: "people/small.csv"}
)

// largeCSV returns a largeSize-byte object with ids 1..largeRows.
func largeCSV(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Grow(largeSize)
	buf.WriteString(largeHeader)
	for id := 1; id <= largeRows; id++ {
		fmt.Fprintf(&buf, "%08d,abcdefgh,30\n", id)
	}
	require.Equal(t, largeSize, buf.Len())
	return buf.Bytes()
}

const smallCSV = "id,name,age\n1,ada,36\n2,grace,45\n3,linus,28\n"

func newStore(t *testing.T) *objectstore.MemoryStore {
	t.Helper()
	store := objectstore.NewMemoryStore()
	store.Put(largeLoc, largeCSV(t))
	store.Put(smallLoc, []byte(smallCSV))
	return store
}

// recorder is a Finalizer that keeps every outcome it sees.
type recorder struct {
	mu       sync.Mutex
	outcomes []types.RunOutcome
	done     chan types.RunOutcome
	err      error
}

func newRecorder() *recorder {
	return &recorder{done: make(chan types.RunOutcome, 16)}
}

func (r *recorder) Finalize(_ context.Context, outcome types.RunOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.outcomes = append(r.outcomes, outcome)
	r.done <- outcome
	return nil
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

func (r *recorder) only(t *testing.T) types.RunOutcome {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.outcomes, 1)
	return r.outcomes[0]
}

type fixture struct {
	store     *objectstore.MemoryStore
	queue     *taskqueue.MemoryQueue
	barrier   *taskqueue.MemoryBarrier
	finalizer *recorder
	coord     *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     newStore(t),
		queue:     taskqueue.NewMemoryQueue(),
		barrier:   taskqueue.NewMemoryBarrier(),
		finalizer: newRecorder(),
	}
	t.Cleanup(func() { f.queue.Close() })
	f.coord = New(Config{
		Store:     f.store,
		Queue:     f.queue,
		Barrier:   f.barrier,
		Finalizer: f.finalizer,
		ChunkSize: largeChunk,
	})
	return f
}

func (f *fixture) tasks(t *testing.T, taskType taskqueue.TaskType) []*taskqueue.Task {
	t.Helper()
	tasks, err := f.queue.List(context.Background(), taskqueue.TaskFilter{Type: taskType})
	require.NoError(t, err)
	return tasks
}

func (f *fixture) allTasks(t *testing.T) []*taskqueue.Task {
	t.Helper()
	tasks, err := f.queue.List(context.Background(), taskqueue.TaskFilter{})
	require.NoError(t, err)
	return tasks
}

func decodeIDs(t *testing.T, raw json.RawMessage) process.IDSummary {
	t.Helper()
	var s process.IDSummary
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

// failingQueue rejects every enqueue.
type failingQueue struct {
	*taskqueue.MemoryQueue
}

func (failingQueue) Enqueue(context.Context, *taskqueue.Task) error {
	return fmt.Errorf("queue unavailable")
}
