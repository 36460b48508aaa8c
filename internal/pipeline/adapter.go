package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/interp"
)

// InterpolationResult describes the frame written to the interpolated slot.
type InterpolationResult struct {
	Timestamp Timestamp
	Repeated  bool
}

// InterpolationAdapter hands frame pairs to the engine with their temporal
// metadata and fence values.
type InterpolationAdapter struct {
	provider interp.Provider
	timeout  time.Duration

	dst   *gpu.Surface
	fence *gpu.Fence
}

// NewInterpolationAdapter wraps provider. A positive timeout bounds each call.
func NewInterpolationAdapter(provider interp.Provider, timeout time.Duration) *InterpolationAdapter {
	return &InterpolationAdapter{provider: provider, timeout: timeout}
}

// Bind points the adapter at the destination slot and the shared fence. It
// must be called again after every resource rebuild.
func (a *InterpolationAdapter) Bind(dst *gpu.Surface, fence *gpu.Fence) {
	a.dst = dst
	a.fence = fence
}

// Engine returns the engine name.
func (a *InterpolationAdapter) Engine() string {
	return a.provider.Name()
}

// Interpolate synthesizes the frame halfway between oldFrame and newFrame
// into the bound destination. The engine waits for the fence to reach wait
// and signals signal when done.
//
// A timeout of the call itself is reported as interp.ErrEngine; cancellation
// of ctx and device loss are returned as is.
func (a *InterpolationAdapter) Interpolate(ctx context.Context, oldFrame, newFrame *gpu.Surface, oldTS, newTS Timestamp, wait, signal gpu.FenceValue) (InterpolationResult, error) {
	if a.dst == nil || a.fence == nil {
		return InterpolationResult{}, fmt.Errorf("interpolation adapter is not bound: %w", gpu.ErrDeviceLost)
	}

	ts := Midpoint(oldTS, newTS)
	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	res, err := a.provider.Interpolate(callCtx, interp.Request{
		SourceA:              oldFrame,
		SourceB:              newFrame,
		TimestampA:           float64(oldTS),
		TimestampB:           float64(newTS),
		Fence:                a.fence,
		WaitValue:            wait,
		SignalValue:          signal,
		Destination:          a.dst,
		DestinationTimestamp: float64(ts),
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return InterpolationResult{}, fmt.Errorf("%w: %s exceeded %s", interp.ErrEngine, a.provider.Name(), a.timeout)
		}
		return InterpolationResult{}, err
	}
	return InterpolationResult{Timestamp: ts, Repeated: res.Repeated}, nil
}
