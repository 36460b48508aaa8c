package pipeline

// Timestamp is the synthetic frame time. Real frames advance by a fixed
// interval; it is not wall-clock time.
type Timestamp float64

// Midpoint returns the timestamp of the frame interpolated between t0 and t1.
func Midpoint(t0, t1 Timestamp) Timestamp {
	return t1 - (t1-t0)/2
}

// timeline issues real-frame timestamps.
type timeline struct {
	interval Timestamp
	frames   uint64
	current  Timestamp
	previous Timestamp
}

func newTimeline(interval float64) timeline {
	if interval <= 0 {
		interval = 1
	}
	return timeline{interval: Timestamp(interval)}
}

// advance records one successful capture. Timestamps are derived from the
// frame count so a constant interval never accumulates rounding error.
func (t *timeline) advance() (prev, curr Timestamp) {
	t.frames++
	t.previous = t.current
	t.current = Timestamp(t.frames) * t.interval
	return t.previous, t.current
}

func (t *timeline) reset() {
	t.frames = 0
	t.current, t.previous = 0, 0
}
