// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return s, client
}

func testCallback(groupID string) *Task {
	return &Task{
		ID:      groupID + "/finalize",
		Type:    TaskTypeFinalize,
		Payload: json.RawMessage(`{"run_id":"` + groupID + `"}`),
	}
}

type barrierFactory func(t *testing.T) Barrier

func barrierBackends() map[string]barrierFactory {
	return map[string]barrierFactory{
		"memory": func(t *testing.T) Barrier { return NewMemoryBarrier() },
		"redis": func(t *testing.T) Barrier {
			_, client := setupTestRedis(t)
			return NewRedisBarrierWithClient(client, DefaultRedisBarrierConfig())
		},
	}
}

func TestBarrier_FiresOnLastArrival(t *testing.T) {
	for name, newBarrier := range barrierBackends() {
		t.Run(name, func(t *testing.T) {
			b := newBarrier(t)
			ctx := context.Background()

			require.NoError(t, b.Register(ctx, GroupSpec{
				ID:       "g1",
				Members:  []string{"c", "a", "b"},
				Callback: testCallback("g1"),
			}))

			cb, err := b.Arrive(ctx, "g1", Arrival{TaskID: "a", Succeeded: true, Result: json.RawMessage(`{"rows":1}`)})
			require.NoError(t, err)
			assert.Nil(t, cb)

			cb, err = b.Arrive(ctx, "g1", Arrival{TaskID: "b", Succeeded: false, Error: "boom"})
			require.NoError(t, err)
			assert.Nil(t, cb)

			cb, err = b.Arrive(ctx, "g1", Arrival{TaskID: "c", Succeeded: true})
			require.NoError(t, err)
			require.NotNil(t, cb)
			assert.Equal(t, "g1/finalize", cb.ID)
			assert.Equal(t, TaskTypeFinalize, cb.Type)
			assert.JSONEq(t, `{"run_id":"g1"}`, string(cb.Payload))

			arrivals, err := b.Arrivals(ctx, "g1")
			require.NoError(t, err)
			require.Len(t, arrivals, 3)
			assert.Equal(t, "a", arrivals[0].TaskID)
			assert.JSONEq(t, `{"rows":1}`, string(arrivals[0].Result))
			assert.Equal(t, "b", arrivals[1].TaskID)
			assert.False(t, arrivals[1].Succeeded)
			assert.Equal(t, "boom", arrivals[1].Error)
			assert.Equal(t, "c", arrivals[2].TaskID)
		})
	}
}

func TestBarrier_DuplicateArrivalsCountOnce(t *testing.T) {
	for name, newBarrier := range barrierBackends() {
		t.Run(name, func(t *testing.T) {
			b := newBarrier(t)
			ctx := context.Background()

			require.NoError(t, b.Register(ctx, GroupSpec{
				ID:       "g1",
				Members:  []string{"a", "b"},
				Callback: testCallback("g1"),
			}))

			// A redelivered member arrives twice before the group completes.
			for range 2 {
				cb, err := b.Arrive(ctx, "g1", Arrival{TaskID: "a", Succeeded: true})
				require.NoError(t, err)
				assert.Nil(t, cb)
			}

			cb, err := b.Arrive(ctx, "g1", Arrival{TaskID: "b", Succeeded: true})
			require.NoError(t, err)
			require.NotNil(t, cb)

			arrivals, err := b.Arrivals(ctx, "g1")
			require.NoError(t, err)
			assert.Len(t, arrivals, 2)
		})
	}
}

func TestBarrier_CompleteGroupReturnsCallbackAgain(t *testing.T) {
	for name, newBarrier := range barrierBackends() {
		t.Run(name, func(t *testing.T) {
			b := newBarrier(t)
			ctx := context.Background()

			require.NoError(t, b.Register(ctx, GroupSpec{
				ID:       "g1",
				Members:  []string{"a", "b"},
				Callback: testCallback("g1"),
			}))
			_, err := b.Arrive(ctx, "g1", Arrival{TaskID: "a", Succeeded: true})
			require.NoError(t, err)
			first, err := b.Arrive(ctx, "g1", Arrival{TaskID: "b", Succeeded: true})
			require.NoError(t, err)
			require.NotNil(t, first)

			// A member retried after its callback failed to enqueue gets the
			// same callback back.
			for _, id := range []string{"b", "a"} {
				cb, err := b.Arrive(ctx, "g1", Arrival{TaskID: id, Succeeded: true})
				require.NoError(t, err)
				require.NotNil(t, cb, id)
				assert.Equal(t, first.ID, cb.ID)
				assert.JSONEq(t, string(first.Payload), string(cb.Payload))
			}

			arrivals, err := b.Arrivals(ctx, "g1")
			require.NoError(t, err)
			assert.Len(t, arrivals, 2)
		})
	}
}

func TestBarrier_ConcurrentArrivalsQueueOneCallback(t *testing.T) {
	for name, newBarrier := range barrierBackends() {
		t.Run(name, func(t *testing.T) {
			b := newBarrier(t)
			q := NewMemoryQueue()
			defer q.Close()
			ctx := context.Background()

			const members = 20
			ids := make([]string, members)
			for i := range ids {
				ids[i] = fmt.Sprintf("chunk-%02d", i)
			}
			require.NoError(t, b.Register(ctx, GroupSpec{ID: "g1", Members: ids, Callback: testCallback("g1")}))

			var queued atomic.Int32
			var wg sync.WaitGroup
			for _, id := range ids {
				// Every member is delivered twice.
				for range 2 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						cb, err := b.Arrive(ctx, "g1", Arrival{TaskID: id, Succeeded: true})
						assert.NoError(t, err)
						if cb == nil {
							return
						}
						err = q.Enqueue(ctx, cb)
						if err == nil {
							queued.Add(1)
							return
						}
						assert.ErrorIs(t, err, ErrTaskExists)
					}()
				}
			}
			wg.Wait()

			assert.Equal(t, int32(1), queued.Load())
			tasks, err := q.List(ctx, TaskFilter{Type: TaskTypeFinalize})
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Equal(t, "g1/finalize", tasks[0].ID)
		})
	}
}

func TestBarrier_Errors(t *testing.T) {
	for name, newBarrier := range barrierBackends() {
		t.Run(name, func(t *testing.T) {
			b := newBarrier(t)
			ctx := context.Background()

			_, err := b.Arrive(ctx, "missing", Arrival{TaskID: "a"})
			assert.ErrorIs(t, err, ErrGroupNotFound)

			_, err = b.Arrivals(ctx, "missing")
			assert.ErrorIs(t, err, ErrGroupNotFound)

			require.NoError(t, b.Register(ctx, GroupSpec{ID: "g1", Members: []string{"a", "b"}}))

			_, err = b.Arrive(ctx, "g1", Arrival{TaskID: "z"})
			assert.ErrorIs(t, err, ErrNotMember)

			// Re-registering with the same members is idempotent.
			require.NoError(t, b.Register(ctx, GroupSpec{ID: "g1", Members: []string{"b", "a", "a"}}))

			err = b.Register(ctx, GroupSpec{ID: "g1", Members: []string{"a", "c"}})
			assert.ErrorIs(t, err, ErrGroupMismatch)

			err = b.Register(ctx, GroupSpec{ID: "g1", Members: []string{"a"}})
			assert.ErrorIs(t, err, ErrGroupMismatch)
		})
	}
}

func TestBarrier_NoCallback(t *testing.T) {
	for name, newBarrier := range barrierBackends() {
		t.Run(name, func(t *testing.T) {
			b := newBarrier(t)
			ctx := context.Background()

			require.NoError(t, b.Register(ctx, GroupSpec{ID: "g1", Members: []string{"a"}}))
			cb, err := b.Arrive(ctx, "g1", Arrival{TaskID: "a", Succeeded: true})
			require.NoError(t, err)
			assert.Nil(t, cb)
		})
	}
}

func TestBarrier_Forget(t *testing.T) {
	for name, newBarrier := range barrierBackends() {
		t.Run(name, func(t *testing.T) {
			b := newBarrier(t)
			ctx := context.Background()

			require.NoError(t, b.Register(ctx, GroupSpec{ID: "g1", Members: []string{"a"}}))
			_, err := b.Arrive(ctx, "g1", Arrival{TaskID: "a", Succeeded: true})
			require.NoError(t, err)

			require.NoError(t, b.Forget(ctx, "g1"))
			require.NoError(t, b.Forget(ctx, "g1"), "forget is idempotent")

			_, err = b.Arrivals(ctx, "g1")
			assert.ErrorIs(t, err, ErrGroupNotFound)
		})
	}
}

func TestRedisBarrier_KeysExpire(t *testing.T) {
	s, client := setupTestRedis(t)
	cfg := DefaultRedisBarrierConfig()
	cfg.KeyTTL = time.Hour
	b := NewRedisBarrierWithClient(client, cfg)
	ctx := context.Background()

	require.NoError(t, b.Register(ctx, GroupSpec{ID: "g1", Members: []string{"a", "b"}}))
	_, err := b.Arrive(ctx, "g1", Arrival{TaskID: "a", Succeeded: true})
	require.NoError(t, err)

	keys := b.keys("g1")
	assert.Equal(t, "s3fanout:barrier:{g1}:meta", keys[0])
	for _, k := range keys {
		assert.True(t, s.Exists(k), k)
		assert.Equal(t, time.Hour, s.TTL(k), k)
	}

	// Abandoned groups disappear once the TTL passes.
	s.FastForward(2 * time.Hour)
	_, err = b.Arrivals(ctx, "g1")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestRedisBarrier_ArrivalRefreshesTTL(t *testing.T) {
	s, client := setupTestRedis(t)
	cfg := DefaultRedisBarrierConfig()
	cfg.KeyTTL = time.Hour
	b := NewRedisBarrierWithClient(client, cfg)
	ctx := context.Background()

	require.NoError(t, b.Register(ctx, GroupSpec{ID: "g1", Members: []string{"a", "b"}, Callback: testCallback("g1")}))

	// The run outlives KeyTTL but keeps arriving within it.
	s.FastForward(45 * time.Minute)
	_, err := b.Arrive(ctx, "g1", Arrival{TaskID: "a", Succeeded: true})
	require.NoError(t, err)
	for _, k := range b.keys("g1") {
		assert.Equal(t, time.Hour, s.TTL(k), k)
	}

	s.FastForward(45 * time.Minute)
	cb, err := b.Arrive(ctx, "g1", Arrival{TaskID: "b", Succeeded: true})
	require.NoError(t, err)
	require.NotNil(t, cb)
	assert.Equal(t, "g1/finalize", cb.ID)

	arrivals, err := b.Arrivals(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, arrivals, 2)
}

func TestRedisBarrier_Defaults(t *testing.T) {
	_, client := setupTestRedis(t)
	b := NewRedisBarrierWithClient(client, RedisBarrierConfig{})
	assert.Equal(t, "s3fanout:barrier:", b.config.KeyPrefix)
	assert.Equal(t, 24*time.Hour, b.config.KeyTTL)
}

func TestNewRedisBarrier_ConnectionFailure(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	_, err := NewRedisBarrier(RedisBarrierConfig{Addr: addr})
	assert.ErrorContains(t, err, "redis connection failed")
}
