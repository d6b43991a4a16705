package peerscore

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestRecordSuccess(t *testing.T) {
	clk := clock.NewMock()
	var s Score

	s.RecordSuccess(100, 10*time.Millisecond, clk.Now())
	assert.EqualValues(t, 1, s.BlocksReceived)
	assert.EqualValues(t, 100, s.BytesReceived)
	assert.EqualValues(t, 10, s.Value)
	assert.InDelta(t, 10000, s.AvgResponseTimeUs, 0.001)

	// EWMA with alpha 0.1
	s.RecordSuccess(100, 20*time.Millisecond, clk.Now())
	assert.InDelta(t, 11000, s.AvgResponseTimeUs, 0.001)
	assert.Equal(t, clk.Now(), s.LastSeen)
}

func TestScoreBounds(t *testing.T) {
	now := clock.NewMock().Now()
	var s Score
	for i := 0; i < 200; i++ {
		s.RecordSuccess(1, time.Millisecond, now)
	}
	assert.EqualValues(t, MaxScore, s.Value)

	for i := 0; i < 200; i++ {
		s.RecordFailure()
	}
	assert.EqualValues(t, MinScore, s.Value)
	assert.EqualValues(t, 200, s.Failures)
}

func TestPerformanceMetricDecays(t *testing.T) {
	clk := clock.NewMock()
	s := Score{Value: 100}
	s.Touch(clk.Now())

	assert.InDelta(t, 100, s.PerformanceMetric(clk.Now()), 0.001)
	clk.Add(time.Hour)
	assert.InDelta(t, 50, s.PerformanceMetric(clk.Now()), 0.001)
	clk.Add(time.Hour)
	assert.InDelta(t, 25, s.PerformanceMetric(clk.Now()), 0.001)
}

func TestBetter(t *testing.T) {
	now := clock.NewMock().Now()
	hi := &Score{Value: 200, LastSeen: now, AvgResponseTimeUs: 900}
	lo := &Score{Value: 100, LastSeen: now, AvgResponseTimeUs: 10}
	assert.True(t, Better(hi, lo, now))
	assert.False(t, Better(lo, hi, now))

	fast := &Score{Value: 100, LastSeen: now, AvgResponseTimeUs: 10}
	slow := &Score{Value: 100, LastSeen: now, AvgResponseTimeUs: 50}
	assert.True(t, Better(fast, slow, now))
}
