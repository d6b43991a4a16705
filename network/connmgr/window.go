package connmgr

import "time"

type sample struct {
	at    time.Time
	bytes int64
}

// slidingWindow keeps every charge made within the trailing window, so the
// bytes inside any window-length interval never exceed the limit in force.
type slidingWindow struct {
	samples []sample
	total   int64
}

func (w *slidingWindow) evict(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.samples) && !w.samples[i].at.After(cutoff) {
		w.total -= w.samples[i].bytes
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

func (w *slidingWindow) record(now time.Time, window time.Duration, bytes, limit int64) bool {
	w.evict(now, window)
	if limit > 0 && w.total+bytes > limit {
		return false
	}
	w.samples = append(w.samples, sample{at: now, bytes: bytes})
	w.total += bytes
	return true
}
