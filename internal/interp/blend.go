package interp

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
)

// BlendEngine synthesizes the destination as a per-pixel linear blend of the
// two sources, weighted by where the destination timestamp falls between
// them. Identical inputs are reported as a repetition.
type BlendEngine struct {
	device *gpu.Device
}

// NewBlendEngine creates a blend engine.
func NewBlendEngine(device *gpu.Device) *BlendEngine {
	return &BlendEngine{device: device}
}

// Name returns the engine name
func (e *BlendEngine) Name() string {
	return EngineBlend
}

// Interpolate blends SourceA and SourceB into Destination.
func (e *BlendEngine) Interpolate(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	w := blendWeight(req.TimestampA, req.TimestampB, req.DestinationTimestamp)
	var repeated bool

	err := run(ctx, e.device, req, func() error {
		a, b, dst := req.SourceA.Image(), req.SourceB.Image(), req.Destination.Image()
		if a == nil || b == nil || dst == nil {
			return fmt.Errorf("blend: %w", gpu.ErrDeviceLost)
		}
		if bytes.Equal(a.Pix, b.Pix) {
			repeated = true
			copy(dst.Pix, b.Pix)
			return nil
		}
		blendPix(dst.Pix, a.Pix, b.Pix, w)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("blend interpolation failed: %w", err)
	}

	if repeated {
		logger.WithComponent("interp").Debug().
			Float64("timestamp", req.DestinationTimestamp).
			Msg("Inputs identical, frame repeated")
	}
	return Result{Repeated: repeated}, nil
}

// blendWeight is the position of tDst in [tA, tB], clamped to [0, 1].
func blendWeight(tA, tB, tDst float64) float64 {
	if tB == tA {
		return 1
	}
	w := (tDst - tA) / (tB - tA)
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

func blendPix(dst, a, b []byte, w float64) {
	// 8.8 fixed point
	wb := uint32(w*256 + 0.5)
	wa := 256 - wb
	for i := range dst {
		dst[i] = byte((uint32(a[i])*wa + uint32(b[i])*wb + 128) >> 8)
	}
}
