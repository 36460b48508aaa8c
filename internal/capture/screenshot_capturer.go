package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
	"github.com/cespare/xxhash/v2"
	"github.com/vova616/screenshot"
)

// ScreenshotCapturer grabs the screen through github.com/vova616/screenshot.
// That API has no change notification, so readiness is detected by hashing
// each grab and comparing with the previous one.
type ScreenshotCapturer struct {
	mu       sync.Mutex
	region   image.Rectangle
	lastHash uint64
	hasHash  bool
	acquired bool
	running  bool

	grab func(image.Rectangle) (*image.RGBA, error)
}

// NewScreenshotCapturer creates the backend. An empty region selects the
// whole screen.
func NewScreenshotCapturer(region image.Rectangle) (*ScreenshotCapturer, error) {
	screen, err := screenshot.ScreenRect()
	if err != nil {
		return nil, fmt.Errorf("failed to query screen size: %w", err)
	}
	if region.Empty() {
		region = screen
	}
	if !region.In(screen) {
		return nil, fmt.Errorf("capture region %v outside screen %v", region, screen)
	}
	return &ScreenshotCapturer{
		region: region,
		grab:   screenshot.CaptureRect,
	}, nil
}

// Start marks the backend ready
func (c *ScreenshotCapturer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	c.hasHash = false

	logger.WithComponent("capture").Info().
		Str("region", c.region.String()).
		Msg("Screenshot capture started")
	return nil
}

// Stop halts the backend
func (c *ScreenshotCapturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	return nil
}

// Name returns the backend name
func (c *ScreenshotCapturer) Name() string {
	return "screenshot"
}

// Region returns the captured area
func (c *ScreenshotCapturer) Region() image.Rectangle {
	return c.region
}

// TryAcquireFrame grabs the region until its content differs from the
// previous frame or timeout elapses.
func (c *ScreenshotCapturer) TryAcquireFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, fmt.Errorf("screenshot capturer not running")
	}
	if c.acquired {
		c.mu.Unlock()
		return nil, fmt.Errorf("previous frame not released")
	}
	c.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := c.grab(c.region)
		if err != nil {
			return nil, fmt.Errorf("failed to capture screen: %w", err)
		}
		sum := xxhash.Sum64(img.Pix)

		c.mu.Lock()
		changed := !c.hasHash || sum != c.lastHash
		if changed {
			c.lastHash, c.hasHash = sum, true
			c.acquired = true
		}
		c.mu.Unlock()

		if changed {
			return NewFrame(img, gpu.FormatRGBA8, func() {
				c.mu.Lock()
				c.acquired = false
				c.mu.Unlock()
			}), nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrWaitTimeout
		}
	}
}
