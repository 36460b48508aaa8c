package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
)

// ErrWaitTimeout is returned by TryAcquireFrame when no new desktop content
// appeared within the timeout.
var ErrWaitTimeout = errors.New("capture wait timeout")

// Acquirer defines the interface for desktop capture backends
type Acquirer interface {
	// Start initializes the backend and any required resources
	Start() error

	// Stop releases resources and stops any background processes
	Stop() error

	// TryAcquireFrame waits up to timeout for new content and returns it.
	// Returns ErrWaitTimeout when nothing changed. The returned frame must
	// be released exactly once before the next call.
	TryAcquireFrame(ctx context.Context, timeout time.Duration) (*Frame, error)

	// Region returns the captured area in desktop coordinates
	Region() image.Rectangle

	// Name returns a human-readable name for this backend
	Name() string
}

// Frame is an acquired desktop image. Image is only valid until Release.
type Frame struct {
	Image  *image.RGBA
	Format gpu.Format

	once    sync.Once
	release func()
}

// NewFrame wraps img. release (optional) runs once on Release.
func NewFrame(img *image.RGBA, format gpu.Format, release func()) *Frame {
	return &Frame{Image: img, Format: format, release: release}
}

// Release hands the frame back to its backend. Calling it again is a no-op.
func (f *Frame) Release() {
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
		f.Image = nil
	})
}
