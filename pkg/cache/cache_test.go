package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/aggregate"
)

func snapshotWith(count int) *aggregate.Snapshot {
	return &aggregate.Snapshot{Success: true, ProcessCount: count, GeneratedAt: time.Now()}
}

func TestFirstGetBlocksOnRefresh(t *testing.T) {
	var calls atomic.Int32
	c := New(func(context.Context) (*aggregate.Snapshot, error) {
		calls.Add(1)
		return snapshotWith(1), nil
	}, time.Minute, zaptest.NewLogger(t))
	defer c.Close(time.Second)

	snap, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ProcessCount)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrentFirstGetsCoalesce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := New(func(context.Context) (*aggregate.Snapshot, error) {
		calls.Add(1)
		<-release
		return snapshotWith(1), nil
	}, time.Minute, zaptest.NewLogger(t))
	defer c.Close(time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := c.Get(context.Background())
			assert.NoError(t, err)
			assert.NotNil(t, snap)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestFreshSnapshotServedWithoutRefresh(t *testing.T) {
	var calls atomic.Int32
	c := New(func(context.Context) (*aggregate.Snapshot, error) {
		return snapshotWith(int(calls.Add(1))), nil
	}, time.Minute, zaptest.NewLogger(t))
	defer c.Close(time.Second)

	first, err := c.Get(context.Background())
	require.NoError(t, err)
	second, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStaleWhileRefresh(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := New(func(context.Context) (*aggregate.Snapshot, error) {
		n := calls.Add(1)
		if n > 1 {
			<-release
		}
		return snapshotWith(int(n)), nil
	}, 30*time.Millisecond, zaptest.NewLogger(t))
	defer c.Close(time.Second)

	first, err := c.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.ProcessCount)

	// let the TTL expire; concurrent scrapes must get the previous
	// snapshot while exactly one refresh runs
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		snap, err := c.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, snap.ProcessCount)
	}
	// the refresh runs on its own goroutine; wait for it to start, then
	// check that only one was started
	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())

	close(release)
	require.Eventually(t, func() bool {
		snap := c.Current()
		return snap != nil && snap.ProcessCount == 2
	}, time.Second, 5*time.Millisecond)
}

func TestFailedRefreshKeepsPrevious(t *testing.T) {
	var calls atomic.Int32
	c := New(func(context.Context) (*aggregate.Snapshot, error) {
		if calls.Add(1) > 1 {
			return nil, errors.New("eperm storm")
		}
		return snapshotWith(1), nil
	}, 10*time.Millisecond, zaptest.NewLogger(t))
	defer c.Close(time.Second)

	first, err := c.Get(context.Background())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	snap, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, snap)

	require.Eventually(t, func() bool {
		return !c.Stats().Updating && calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, c.Stats().UpdateSuccess)
	assert.NotNil(t, c.Current())
}

func TestFirstRefreshFailure(t *testing.T) {
	c := New(func(context.Context) (*aggregate.Snapshot, error) {
		return nil, errors.New("no permission")
	}, time.Minute, zaptest.NewLogger(t))
	defer c.Close(time.Second)

	_, err := c.Get(context.Background())
	assert.Error(t, err)
	assert.False(t, c.Stats().HasCurrent)
}

func TestBackgroundTickRefreshes(t *testing.T) {
	var calls atomic.Int32
	c := New(func(context.Context) (*aggregate.Snapshot, error) {
		return snapshotWith(int(calls.Add(1))), nil
	}, time.Minute, zaptest.NewLogger(t))

	c.StartBackground(20 * time.Millisecond)
	defer c.Close(time.Second)

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	assert.NotNil(t, c.Current())
}

func TestStatsReflectRefresh(t *testing.T) {
	c := New(func(context.Context) (*aggregate.Snapshot, error) {
		return snapshotWith(3), nil
	}, time.Minute, zaptest.NewLogger(t))
	defer c.Close(time.Second)

	st := c.Stats()
	assert.False(t, st.HasCurrent)
	assert.True(t, st.LastRefresh.IsZero())

	_, err := c.Get(context.Background())
	require.NoError(t, err)

	st = c.Stats()
	assert.True(t, st.HasCurrent)
	assert.True(t, st.UpdateSuccess)
	assert.False(t, st.LastRefresh.IsZero())
}
