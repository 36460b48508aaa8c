package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
)

// Result is the outcome of one capture attempt.
type Result int

const (
	// Captured means a new frame was copied into the ring.
	Captured Result = iota
	// NotReady means no new content yet; the caller retries.
	NotReady
	// Failed means the attempt produced no frame. The tick degrades.
	Failed
)

func (r Result) String() string {
	switch r {
	case Captured:
		return "captured"
	case NotReady:
		return "not-ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Slots is the part of the surface ring a capture writes into.
// NextCaptureSlot peeks at the slot the next AcquireCaptureSlot returns for
// writing; it holds the frame before the previous one and is free.
type Slots interface {
	NextCaptureSlot() *gpu.Surface
	AcquireCaptureSlot() (write, read *gpu.Surface)
}

// Source pulls frames from an Acquirer and normalizes them into ring slots.
type Source struct {
	acquirer Acquirer
	device   *gpu.Device
}

// NewSource creates a capture source.
func NewSource(acquirer Acquirer, device *gpu.Device) *Source {
	return &Source{acquirer: acquirer, device: device}
}

// Acquirer returns the underlying backend.
func (s *Source) Acquirer() Acquirer {
	return s.acquirer
}

// TryCapture makes one acquisition attempt. Backend failures are logged and
// reported as Failed; only device loss and context errors are returned.
// The ring is advanced only after the copy has executed.
func (s *Source) TryCapture(ctx context.Context, timeout time.Duration, slots Slots) (Result, error) {
	log := logger.WithComponent("capture")

	frame, err := s.acquirer.TryAcquireFrame(ctx, timeout)
	switch {
	case err == nil:
	case errors.Is(err, ErrWaitTimeout):
		return NotReady, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Failed, err
	default:
		log.Warn().Err(err).Str("backend", s.acquirer.Name()).Msg("Frame acquisition failed")
		return Failed, nil
	}
	defer frame.Release()

	if frame.Image == nil {
		log.Warn().Str("backend", s.acquirer.Name()).Msg("Backend returned an empty frame")
		return Failed, nil
	}

	q := s.device.Queue()
	write := slots.NextCaptureSlot()
	img, format := frame.Image, frame.Format
	if err := q.Submit(func() error {
		return gpu.Normalize(write, img, format)
	}); err != nil {
		return Failed, fmt.Errorf("failed to submit capture copy: %w", err)
	}

	// The frame goes back to the backend once the copy has executed.
	if err := q.Flush(ctx); err != nil {
		if errors.Is(err, gpu.ErrDeviceLost) || ctx.Err() != nil {
			return Failed, err
		}
		log.Warn().Err(err).Msg("Capture copy failed")
		return Failed, nil
	}
	slots.AcquireCaptureSlot()
	return Captured, nil
}
