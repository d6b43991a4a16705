package connmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireAndRelease(t *testing.T) {
	m := New(Config{MaxConnections: 2}, clock.NewMock())
	assert.True(t, m.TryAcquire())
	assert.True(t, m.TryAcquire())
	assert.False(t, m.TryAcquire())
	m.Release()
	assert.True(t, m.TryAcquire())
	assert.Equal(t, 2, m.Stats().Active)
}

func TestQueueIsFIFO(t *testing.T) {
	m := New(Config{MaxConnections: 1}, clock.NewMock())
	require.True(t, m.TryAcquire())

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		m.Queue(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
			m.Release()
		})
	}
	assert.Equal(t, 3, m.Stats().Queued)

	m.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Eventually(t, func() bool { return m.Stats().Active == 0 }, time.Second, time.Millisecond)
}

func TestAcquireCanceledDoesNotLeak(t *testing.T) {
	m := New(Config{MaxConnections: 1}, clock.NewMock())
	require.True(t, m.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Acquire(ctx) }()

	assert.Eventually(t, func() bool { return m.Stats().Queued == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	m.Release()
	assert.Equal(t, 0, m.Stats().Active)
	assert.True(t, m.TryAcquire(), "slot was returned")
}

func TestAcquireWaitsForRelease(t *testing.T) {
	m := New(Config{MaxConnections: 1}, clock.NewMock())
	require.True(t, m.TryAcquire())

	done := make(chan error, 1)
	go func() { done <- m.Acquire(context.Background()) }()
	assert.Eventually(t, func() bool { return m.Stats().Queued == 1 }, time.Second, time.Millisecond)

	m.Release()
	require.NoError(t, <-done)
	assert.Equal(t, 1, m.Stats().Active)
}

func TestBandwidthCeiling(t *testing.T) {
	clk := clock.NewMock()
	m := New(Config{MaxConnections: 1, Window: time.Second}, clk)
	const limit = 1000

	assert.True(t, m.RecordSent(600, limit))
	assert.False(t, m.RecordSent(500, limit), "would exceed the window")
	assert.True(t, m.RecordSent(400, limit))
	assert.False(t, m.RecordSent(1, limit))

	clk.Add(500 * time.Millisecond)
	assert.False(t, m.RecordSent(1, limit), "still inside the window")

	clk.Add(500 * time.Millisecond)
	assert.True(t, m.RecordSent(1000, limit), "window slid past earlier charges")
	assert.EqualValues(t, 1000, m.Stats().BytesOut)

	assert.True(t, m.RecordReceived(5000, 0), "limit 0 is unlimited")
}

func TestBandwidthNeverExceedsLimitInAnyWindow(t *testing.T) {
	clk := clock.NewMock()
	m := New(Config{MaxConnections: 1, Window: time.Second}, clk)
	const limit = 1000

	type charge struct {
		at    time.Duration
		bytes int64
	}
	var accepted []charge
	var elapsed time.Duration
	for i := 0; i < 200; i++ {
		size := int64(50 + (i*37)%300)
		if m.RecordSent(int(size), limit) {
			accepted = append(accepted, charge{elapsed, size})
		}
		clk.Add(37 * time.Millisecond)
		elapsed += 37 * time.Millisecond
	}
	for _, start := range accepted {
		var sum int64
		for _, c := range accepted {
			if c.at >= start.at && c.at < start.at+time.Second {
				sum += c.bytes
			}
		}
		assert.LessOrEqual(t, sum, int64(limit))
	}
}
