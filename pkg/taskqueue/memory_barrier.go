// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Compile-time interface verification
var _ Barrier = (*MemoryBarrier)(nil)

type memoryGroup struct {
	members  []string
	callback *Task
	arrivals map[string]Arrival
}

// MemoryBarrier is an in-process Barrier.
type MemoryBarrier struct {
	mu     sync.Mutex
	groups map[string]*memoryGroup
}

// NewMemoryBarrier creates an empty barrier.
func NewMemoryBarrier() *MemoryBarrier {
	return &MemoryBarrier{groups: make(map[string]*memoryGroup)}
}

func (b *MemoryBarrier) Register(ctx context.Context, group GroupSpec) error {
	members := memberSet(group.Members)

	b.mu.Lock()
	defer b.mu.Unlock()

	if g, ok := b.groups[group.ID]; ok {
		if !slices.Equal(g.members, members) {
			return fmt.Errorf("%w: %s", ErrGroupMismatch, group.ID)
		}
		return nil
	}

	var callback *Task
	if group.Callback != nil {
		callback = cloneTask(group.Callback)
	}
	b.groups[group.ID] = &memoryGroup{
		members:  members,
		callback: callback,
		arrivals: make(map[string]Arrival, len(members)),
	}
	return nil
}

func (b *MemoryBarrier) Arrive(ctx context.Context, groupID string, arrival Arrival) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	if _, found := slices.BinarySearch(g.members, arrival.TaskID); !found {
		return nil, fmt.Errorf("%w: %s not in %s", ErrNotMember, arrival.TaskID, groupID)
	}

	g.arrivals[arrival.TaskID] = arrival
	if g.callback == nil || len(g.arrivals) < len(g.members) {
		return nil, nil
	}
	return cloneTask(g.callback), nil
}

func (b *MemoryBarrier) Arrivals(ctx context.Context, groupID string) ([]Arrival, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	out := make([]Arrival, 0, len(g.arrivals))
	for _, a := range g.arrivals {
		out = append(out, a)
	}
	sortArrivals(out)
	return out, nil
}

func (b *MemoryBarrier) Forget(ctx context.Context, groupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.groups, groupID)
	return nil
}
