package pipeline

import "time"

// LatencySample accumulates measured capture waits and yields the pacing
// delay for interpolated ticks.
//
// With window == 0 the sample is a running sum over the lifetime of the
// device resources. A positive window keeps only the last window samples.
type LatencySample struct {
	sum    time.Duration
	count  uint64
	window int
	ring   []time.Duration
	next   int
}

// NewLatencySample creates a sample. window <= 0 means unbounded.
func NewLatencySample(window int) *LatencySample {
	l := &LatencySample{}
	if window > 0 {
		l.window = window
		l.ring = make([]time.Duration, 0, window)
	}
	return l
}

// Add folds d into the sample.
func (l *LatencySample) Add(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if l.window == 0 {
		l.sum += d
		l.count++
		return
	}

	if len(l.ring) < l.window {
		l.ring = append(l.ring, d)
		l.sum += d
		l.count++
		return
	}
	l.sum += d - l.ring[l.next]
	l.ring[l.next] = d
	l.next = (l.next + 1) % l.window
}

// Average returns the mean of the retained samples, or 0 with none.
func (l *LatencySample) Average() time.Duration {
	if l.count == 0 {
		return 0
	}
	return l.sum / time.Duration(l.count)
}

// Count returns the number of retained samples.
func (l *LatencySample) Count() uint64 {
	return l.count
}

// Reset clears the sample.
func (l *LatencySample) Reset() {
	l.sum = 0
	l.count = 0
	l.next = 0
	if l.ring != nil {
		l.ring = l.ring[:0]
	}
}
