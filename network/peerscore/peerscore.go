// Package peerscore tracks per-peer reputation used to rank block providers.
package peerscore

import (
	"math"
	"time"
)

const (
	MaxScore = 1000
	MinScore = -1000

	SuccessReward  = 10
	FailurePenalty = 20

	// LatencyAlpha is the EWMA smoothing factor for response times.
	LatencyAlpha = 0.1
	// HalfLife is the decay half-life of PerformanceMetric since LastSeen.
	HalfLife = time.Hour
)

// Score holds rolling counters and the derived reputation for one peer.
// It is not safe for concurrent use; the peer registry guards it.
type Score struct {
	BlocksReceived    uint64    `json:"blocks_received"`
	BytesReceived     uint64    `json:"bytes_received"`
	Failures          uint64    `json:"failures"`
	AvgResponseTimeUs float64   `json:"avg_response_time_us"`
	LastSeen          time.Time `json:"last_seen"`
	Value             int32     `json:"score"`

	sampled bool
}

// RecordSuccess notes a delivered block of size bytes that took latency.
func (s *Score) RecordSuccess(bytes int, latency time.Duration, now time.Time) {
	us := float64(latency.Microseconds())
	if !s.sampled {
		s.AvgResponseTimeUs = us
		s.sampled = true
	} else {
		s.AvgResponseTimeUs = LatencyAlpha*us + (1-LatencyAlpha)*s.AvgResponseTimeUs
	}
	s.BlocksReceived++
	if bytes > 0 {
		s.BytesReceived += uint64(bytes)
	}
	s.Value = clamp(s.Value + SuccessReward)
	s.LastSeen = now
}

// RecordFailure notes a dont-have, timeout or bad payload.
func (s *Score) RecordFailure() {
	s.Failures++
	s.Value = clamp(s.Value - FailurePenalty)
}

// Touch refreshes LastSeen without changing the score.
func (s *Score) Touch(now time.Time) {
	s.LastSeen = now
}

// PerformanceMetric is Value halved for every HalfLife since LastSeen.
// A peer never seen decays from the zero time, so its metric is ~0.
func (s *Score) PerformanceMetric(now time.Time) float64 {
	if s.LastSeen.IsZero() {
		return 0
	}
	elapsed := now.Sub(s.LastSeen).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return float64(s.Value) * math.Exp2(-elapsed/HalfLife.Seconds())
}

// Better reports whether a ranks ahead of b: higher metric first, then
// lower average latency.
func Better(a, b *Score, now time.Time) bool {
	ma, mb := a.PerformanceMetric(now), b.PerformanceMetric(now)
	if ma != mb {
		return ma > mb
	}
	return a.AvgResponseTimeUs < b.AvgResponseTimeUs
}

func clamp(v int32) int32 {
	if v > MaxScore {
		return MaxScore
	}
	if v < MinScore {
		return MinScore
	}
	return v
}
