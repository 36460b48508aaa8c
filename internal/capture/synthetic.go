package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
)

// SyntheticAcquirer produces a moving test pattern at a fixed rate. It needs
// no display and is used for headless runs and tests.
type SyntheticAcquirer struct {
	mu          sync.Mutex
	region      image.Rectangle
	interval    time.Duration
	next        time.Time
	frames      uint64
	outstanding int
	running     bool
}

// NewSyntheticAcquirer creates a width x height pattern source. fps <= 0
// makes every attempt return a new frame immediately.
func NewSyntheticAcquirer(width, height, fps int) *SyntheticAcquirer {
	a := &SyntheticAcquirer{region: image.Rect(0, 0, width, height)}
	if fps > 0 {
		a.interval = time.Second / time.Duration(fps)
	}
	return a
}

// Start initializes the pattern clock
func (a *SyntheticAcquirer) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.region.Empty() {
		return fmt.Errorf("invalid synthetic region %v", a.region)
	}
	a.running = true
	a.next = time.Now()

	logger.WithComponent("capture").Info().
		Int("width", a.region.Dx()).
		Int("height", a.region.Dy()).
		Dur("interval", a.interval).
		Msg("Synthetic capture started")
	return nil
}

// Stop halts the source
func (a *SyntheticAcquirer) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	return nil
}

// Name returns the backend name
func (a *SyntheticAcquirer) Name() string {
	return "synthetic"
}

// Region returns the pattern area
func (a *SyntheticAcquirer) Region() image.Rectangle {
	return a.region
}

// Outstanding returns the number of acquired frames not yet released.
func (a *SyntheticAcquirer) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outstanding
}

// Frames returns the number of frames produced.
func (a *SyntheticAcquirer) Frames() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}

// TryAcquireFrame waits for the next frame time, up to timeout.
func (a *SyntheticAcquirer) TryAcquireFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil, fmt.Errorf("synthetic capture not running")
	}
	if a.outstanding > 0 {
		a.mu.Unlock()
		return nil, fmt.Errorf("previous frame not released")
	}
	wait := time.Until(a.next)
	a.mu.Unlock()

	if a.interval > 0 && wait > 0 {
		if wait > timeout {
			if err := sleepCtx(ctx, timeout); err != nil {
				return nil, err
			}
			return nil, ErrWaitTimeout
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.next = a.next.Add(a.interval)
	if a.next.Before(now) {
		a.next = now.Add(a.interval)
	}
	a.frames++
	a.outstanding++

	img := renderPattern(a.region.Dx(), a.region.Dy(), a.frames)
	return NewFrame(img, gpu.FormatRGBA8, func() {
		a.mu.Lock()
		a.outstanding--
		a.mu.Unlock()
	}), nil
}

// renderPattern draws a gradient that drifts with n plus a bright vertical
// bar sweeping left to right.
func renderPattern(w, h int, n uint64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	barX := int(n*8) % w
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := x * 4
			if x >= barX && x < barX+16 {
				row[i], row[i+1], row[i+2] = 0xff, 0xff, 0xff
			} else {
				row[i] = byte(x + int(n)*4)
				row[i+1] = byte(y)
				row[i+2] = 0x80
			}
			row[i+3] = 0xff
		}
	}
	return img
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
