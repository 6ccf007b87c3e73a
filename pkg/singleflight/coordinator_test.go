package singleflight

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dnsrelay/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_ExactlyOneUpstreamCallUnderConcurrency(t *testing.T) {
	reg := metrics.New()
	c := New(reg)

	var calls int32
	release := make(chan struct{})
	factory := func() (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "answer", nil
	}

	const callers = 20
	var wg sync.WaitGroup
	leaders := make([]bool, callers)
	futures := make([]*Future, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, isLeader := c.GetOrCreate("example.com:1:1", factory)
			futures[i] = f
			leaders[i] = isLeader
		}(i)
	}
	wg.Wait()

	leaderCount := 0
	for _, l := range leaders {
		if l {
			leaderCount++
		}
	}
	assert.Equal(t, 1, leaderCount, "exactly one caller should be the leader")

	close(release)

	for _, f := range futures {
		val, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "answer", val)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "factory must run exactly once")
	assert.Equal(t, int64(callers-1), reg.Get(metrics.SingleflightDedupTotal))
}

func TestCoordinator_SequentialCallsAfterCompletionAreNotFollowers(t *testing.T) {
	c := New(metrics.New())

	f1, leader1 := c.GetOrCreate("k", func() (any, error) { return 1, nil })
	_, _ = f1.Wait(context.Background())

	f2, leader2 := c.GetOrCreate("k", func() (any, error) { return 2, nil })
	val, err := f2.Wait(context.Background())

	require.NoError(t, err)
	assert.True(t, leader1)
	assert.True(t, leader2, "a new call after the previous one completed is a fresh leader")
	assert.Equal(t, 2, val)
}

func TestCoordinator_WaitForDoesNotCancelUnderlyingWork(t *testing.T) {
	c := New(metrics.New())
	done := make(chan struct{})

	f, isLeader := c.GetOrCreate("slow-key", func() (any, error) {
		time.Sleep(30 * time.Millisecond)
		close(done)
		return "value", nil
	})
	require.True(t, isLeader)

	_, timedOut := f.WaitFor(5 * time.Millisecond)
	assert.True(t, timedOut, "the watchdog should give up long before the factory finishes")

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("factory goroutine should have kept running after the watchdog timed out")
	}

	assert.False(t, c.InFlight("slow-key"), "the key should be cleared once the factory actually completes")
}

func TestCoordinator_PropagatesFactoryError(t *testing.T) {
	c := New(metrics.New())
	wantErr := assertError("upstream unreachable")

	f, _ := c.GetOrCreate("k", func() (any, error) { return nil, wantErr })
	_, err := f.Wait(context.Background())
	assert.Equal(t, wantErr, err)
}

type assertError string

func (e assertError) Error() string { return string(e) }
