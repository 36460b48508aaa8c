package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/capture/pipewire"
	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
)

// frameStream is the part of pipewire.Stream the capturer needs.
type frameStream interface {
	Next(ctx context.Context, timeout time.Duration, after uint64) (*image.RGBA, uint64, error)
}

// PipeWireCapturer captures a monitor shared through the xdg-desktop-portal
// ScreenCast interface. Regions are relative to the shared monitor.
type PipeWireCapturer struct {
	mu          sync.Mutex
	region      image.Rectangle
	embedCursor bool
	running     bool
	acquired    bool
	lastSeq     uint64

	stream frameStream
	close  func() error

	// open starts a session; tests replace it.
	open              func() (frameStream, func() error, error)
	firstFrameTimeout time.Duration
}

// NewPipeWireCapturer creates the backend. An empty region selects the
// whole monitor once the first frame reveals its size.
func NewPipeWireCapturer(region image.Rectangle, embedCursor bool) *PipeWireCapturer {
	c := &PipeWireCapturer{
		region:            region,
		embedCursor:       embedCursor,
		firstFrameTimeout: 5 * time.Second,
	}
	c.open = c.openPortal
	return c
}

func (c *PipeWireCapturer) openPortal() (frameStream, func() error, error) {
	portal, err := pipewire.NewPortal(c.embedCursor)
	if err != nil {
		return nil, nil, err
	}
	if err := portal.StartScreenCast(); err != nil {
		portal.Close()
		return nil, nil, fmt.Errorf("failed to start screen cast: %w", err)
	}

	stream := pipewire.NewStream(portal.NodeID())
	if err := stream.Start(); err != nil {
		portal.Close()
		return nil, nil, err
	}
	return stream, func() error {
		return errors.Join(stream.Stop(), portal.Close())
	}, nil
}

// Start opens the portal session and waits for the first frame
func (c *PipeWireCapturer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("pipewire capturer already running")
	}

	stream, closeFn, err := c.open()
	if err != nil {
		return err
	}

	first, _, err := stream.Next(context.Background(), c.firstFrameTimeout, 0)
	if err != nil {
		closeFn()
		return fmt.Errorf("no frame from pipewire stream: %w", err)
	}
	monitor := first.Bounds()
	if c.region.Empty() {
		c.region = monitor
	}
	if !c.region.In(monitor) {
		closeFn()
		return fmt.Errorf("capture region %v outside shared monitor %v", c.region, monitor)
	}

	c.stream = stream
	c.close = closeFn
	c.running = true
	c.lastSeq = 0

	logger.WithComponent("capture").Info().
		Str("region", c.region.String()).
		Str("monitor", monitor.String()).
		Msg("PipeWire capture started")
	return nil
}

// Stop ends the session
func (c *PipeWireCapturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	c.stream = nil
	if c.close != nil {
		return c.close()
	}
	return nil
}

// Name returns the backend name
func (c *PipeWireCapturer) Name() string {
	return "pipewire"
}

// Region returns the captured area of the shared monitor
func (c *PipeWireCapturer) Region() image.Rectangle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region
}

// TryAcquireFrame waits for a stream frame newer than the last one returned.
func (c *PipeWireCapturer) TryAcquireFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, fmt.Errorf("pipewire capturer not running")
	}
	if c.acquired {
		c.mu.Unlock()
		return nil, fmt.Errorf("previous frame not released")
	}
	stream, after, region := c.stream, c.lastSeq, c.region
	c.mu.Unlock()

	img, seq, err := stream.Next(ctx, timeout, after)
	if errors.Is(err, pipewire.ErrNoFrame) {
		return nil, ErrWaitTimeout
	}
	if err != nil {
		return nil, err
	}
	if !region.In(img.Bounds()) {
		return nil, fmt.Errorf("shared monitor shrank to %v, region %v", img.Bounds(), region)
	}

	c.mu.Lock()
	c.lastSeq = seq
	c.acquired = true
	c.mu.Unlock()

	return NewFrame(cropRGBA(img, region), gpu.FormatRGBA8, func() {
		c.mu.Lock()
		c.acquired = false
		c.mu.Unlock()
	}), nil
}

// cropRGBA returns r of img, sharing pixels when r covers all of img.
func cropRGBA(img *image.RGBA, r image.Rectangle) *image.RGBA {
	if r == img.Bounds() && r.Min == (image.Point{}) {
		return img
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	rowBytes := r.Dx() * 4
	for y := 0; y < r.Dy(); y++ {
		src := img.PixOffset(r.Min.X, r.Min.Y+y)
		copy(out.Pix[y*out.Stride:y*out.Stride+rowBytes], img.Pix[src:src+rowBytes])
	}
	return out
}
