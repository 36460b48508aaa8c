package interp

import (
	"context"
	"fmt"

	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
)

// RepeatEngine copies whichever source is temporally closer to the
// destination and always reports a repetition. It stands in when no real
// engine is wanted and keeps the full fence protocol.
type RepeatEngine struct {
	device *gpu.Device
}

// NewRepeatEngine creates a repeat engine.
func NewRepeatEngine(device *gpu.Device) *RepeatEngine {
	return &RepeatEngine{device: device}
}

// Name returns the engine name
func (e *RepeatEngine) Name() string {
	return EngineRepeat
}

// Interpolate copies the nearer source into Destination.
func (e *RepeatEngine) Interpolate(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	src := req.SourceB
	if blendWeight(req.TimestampA, req.TimestampB, req.DestinationTimestamp) < 0.5 {
		src = req.SourceA
	}

	if err := run(ctx, e.device, req, func() error {
		return gpu.Copy(req.Destination, src)
	}); err != nil {
		return Result{}, fmt.Errorf("repeat interpolation failed: %w", err)
	}
	return Result{Repeated: true}, nil
}
