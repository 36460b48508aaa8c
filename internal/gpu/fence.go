package gpu

import (
	"context"
	"sync"
)

// FenceValue is a point on a fence timeline.
type FenceValue uint64

// Fence is a monotonically increasing timeline shared between producers on
// the device. Signal never moves the timeline backwards.
type Fence struct {
	mu        sync.Mutex
	value     FenceValue
	changed   chan struct{}
	abandoned bool
}

func newFence() *Fence {
	return &Fence{changed: make(chan struct{})}
}

// Completed returns the highest value signaled so far.
func (f *Fence) Completed() FenceValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Signal advances the timeline to v. Values at or below the current one are
// ignored.
func (f *Fence) Signal(v FenceValue) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.abandoned || v <= f.value {
		return
	}
	f.value = v
	close(f.changed)
	f.changed = make(chan struct{})
}

// Wait blocks until the timeline reaches v, the context ends, or the fence is
// abandoned by a device loss.
func (f *Fence) Wait(ctx context.Context, v FenceValue) error {
	for {
		f.mu.Lock()
		if f.abandoned {
			f.mu.Unlock()
			return ErrDeviceLost
		}
		if f.value >= v {
			f.mu.Unlock()
			return nil
		}
		ch := f.changed
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (f *Fence) abandon() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.abandoned {
		return
	}
	f.abandoned = true
	close(f.changed)
	f.changed = make(chan struct{})
}
