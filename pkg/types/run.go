// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// FetchMode selects how a chunk is pulled from the store.
type FetchMode string

const (
	// FetchStream decodes JSON records straight into memory.
	FetchStream FetchMode = "stream"
	// FetchMaterialize writes CSV output to a scratch file prefixed with the
	// validated header so the chunk is a standalone delimited file.
	FetchMaterialize FetchMode = "materialize"
)

// ParseFetchMode validates a configured fetch mode.
func ParseFetchMode(s string) (FetchMode, error) {
	switch FetchMode(s) {
	case "":
		return FetchMaterialize, nil
	case FetchStream, FetchMaterialize:
		return FetchMode(s), nil
	}
	return "", fmt.Errorf("unknown fetch mode %q (expected %q or %q)", s, FetchStream, FetchMaterialize)
}

// Row is one decoded record keyed by header column name.
type Row map[string]string

// RunRequest is the payload that starts a partitioned run.
type RunRequest struct {
	RunID           string        `json:"run_id"`
	Locator         ObjectLocator `json:"locator"`
	Delimiter       rune          `json:"delimiter"`
	RequiredColumns []string      `json:"required_columns"`
	ChunkSize       int64         `json:"chunk_size"`
	Mode            FetchMode     `json:"mode"`
}

// HeaderSpec returns the header requirements of the run.
func (r RunRequest) HeaderSpec() HeaderSpec {
	return HeaderSpec{Columns: r.RequiredColumns, Delimiter: r.Delimiter}
}

// ChunkUnit is the payload of one chunk task. It is owned by the task it is
// dispatched to.
type ChunkUnit struct {
	RunID     string        `json:"run_id"`
	Index     int           `json:"index"`
	Locator   ObjectLocator `json:"locator"`
	Range     ByteRange     `json:"range"`
	Header    string        `json:"header"`
	Delimiter rune          `json:"delimiter"`
	Mode      FetchMode     `json:"mode"`
}

// ChunkStatus is the outcome class of one chunk.
type ChunkStatus string

const (
	ChunkOK               ChunkStatus = "ok"
	ChunkTransportFailed  ChunkStatus = "transport_failed"
	ChunkProcessingFailed ChunkStatus = "processing_failed"
	ChunkTaskFailed       ChunkStatus = "task_failed" // dead-lettered by the substrate
)

// ChunkResult is the per-chunk outcome reported through the barrier.
type ChunkResult struct {
	Index   int             `json:"index"`
	Range   ByteRange       `json:"range"`
	Status  ChunkStatus     `json:"status"`
	Summary json.RawMessage `json:"summary,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// OK reports whether the chunk produced a summary.
func (c ChunkResult) OK() bool {
	return c.Status == ChunkOK
}

// RunState is the coordinator state of a run.
type RunState string

const (
	StateValidating      RunState = "validating"
	StateProbing         RunState = "probing"
	StatePartitioning    RunState = "partitioning"
	StateDispatched      RunState = "dispatched"
	StateAwaitingBarrier RunState = "awaiting_barrier"
	StateCompleted       RunState = "completed"
)

// RunOutcome is the aggregate state of a partitioned run as seen by the
// finalizer.
type RunOutcome struct {
	RunID     string        `json:"run_id"`
	Locator   ObjectLocator `json:"locator"`
	State     RunState      `json:"state"`
	Failed    bool          `json:"failed"`
	Size      int64         `json:"size"`
	Chunks    int           `json:"chunks"`
	Succeeded int           `json:"succeeded"`
	Results   []ChunkResult `json:"results,omitempty"`
	Err       error         `json:"-"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// FailedChunks returns the number of chunks that did not produce a summary.
func (o RunOutcome) FailedChunks() int {
	return o.Chunks - o.Succeeded
}

// Partial reports whether the run dispatched chunks but some of them failed.
func (o RunOutcome) Partial() bool {
	return !o.Failed && o.Chunks > 0 && o.Succeeded < o.Chunks
}
