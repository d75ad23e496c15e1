package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_DispatchNonBlocking(t *testing.T) {
	pool := New(2, 10)
	pool.Start(context.Background())
	defer pool.Stop()

	start := time.Now()
	ok := pool.TryDispatch(Job{
		Key: "item-1",
		Handler: func(ctx context.Context) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	})
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

// Jobs for the same key run on one worker, in order.
func TestPool_SameKeySequential(t *testing.T) {
	pool := New(4, 100)
	pool.Start(context.Background())

	var mu sync.Mutex
	var results []int
	for i := 1; i <= 5; i++ {
		val := i
		require.True(t, pool.TryDispatch(Job{
			Key: "item-1",
			Handler: func(ctx context.Context) error {
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				results = append(results, val)
				mu.Unlock()
				return nil
			},
		}))
	}

	pool.Stop()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, results)
}

func TestPool_RespectsMaxWorkers(t *testing.T) {
	const maxWorkers = 3
	pool := New(maxWorkers, 100)
	pool.Start(context.Background())

	var active, maxActive int32
	for i := 0; i < 12; i++ {
		pool.TryDispatch(Job{
			Key: fmt.Sprintf("item-%d", i),
			Handler: func(ctx context.Context) error {
				cur := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if cur <= m || atomic.CompareAndSwapInt32(&maxActive, m, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			},
		})
	}

	pool.Stop()
	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(maxWorkers))
}

func TestPool_StopDrainsQueuedJobs(t *testing.T) {
	pool := New(1, 10)
	pool.Start(context.Background())

	var completed int32
	for i := 0; i < 5; i++ {
		require.True(t, pool.TryDispatch(Job{
			Key: "same",
			Handler: func(ctx context.Context) error {
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&completed, 1)
				return nil
			},
		}))
	}

	pool.Stop()
	assert.Equal(t, int32(5), atomic.LoadInt32(&completed))

	assert.False(t, pool.TryDispatch(Job{Key: "late", Handler: func(context.Context) error { return nil }}))
	assert.Equal(t, int64(1), pool.Stats().TotalDropped)
}

func TestPool_FullQueueDrops(t *testing.T) {
	pool := New(1, 1)
	pool.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, pool.TryDispatch(Job{Key: "a", Handler: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	require.True(t, pool.TryDispatch(Job{Key: "b", Handler: func(context.Context) error { return nil }}))
	assert.False(t, pool.TryDispatch(Job{Key: "c", Handler: func(context.Context) error { return nil }}))

	close(release)
	pool.Stop()

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.TotalDropped)
	assert.Equal(t, int64(2), stats.TotalProcessed)
}

func TestPool_ErrorsAndPanicsAreCounted(t *testing.T) {
	pool := New(2, 10)
	pool.Start(context.Background())

	pool.TryDispatch(Job{Key: "err", Handler: func(context.Context) error { return errors.New("boom") }})
	pool.TryDispatch(Job{Key: "panic", Handler: func(context.Context) error { panic("kaboom") }})
	pool.TryDispatch(Job{Key: "ok", Handler: func(context.Context) error { return nil }})

	pool.Stop()

	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.TotalProcessed)
	assert.Equal(t, int64(2), stats.TotalErrors)
	assert.Empty(t, stats.ActiveKeys)
}

func TestPool_ConsistentHashing(t *testing.T) {
	pool := New(4, 10)

	s1 := pool.shardFor("item-123")
	assert.Equal(t, s1, pool.shardFor("item-123"))
	assert.GreaterOrEqual(t, s1, 0)
	assert.Less(t, s1, 4)

	counts := map[int]int{}
	for i := 0; i < 400; i++ {
		counts[pool.shardFor(fmt.Sprintf("item-%d", i))]++
	}
	for shard, n := range counts {
		assert.Greater(t, n, 60, "shard %d", shard)
		assert.Less(t, n, 140, "shard %d", shard)
	}
}

func TestPool_DispatchBeforeStartDrops(t *testing.T) {
	pool := New(1, 1)
	assert.False(t, pool.TryDispatch(Job{Key: "x", Handler: func(context.Context) error { return nil }}))
	pool.Stop()
}
