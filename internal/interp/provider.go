package interp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
)

// ErrEngine wraps every failure reported by an engine for a single call.
// Callers treat it as recoverable.
var ErrEngine = errors.New("interpolation engine error")

// Request is one interpolation call. SourceA is the older frame.
type Request struct {
	SourceA    *gpu.Surface
	SourceB    *gpu.Surface
	TimestampA float64
	TimestampB float64

	// The engine orders its work after Fence reaches WaitValue and signals
	// SignalValue once Destination is written.
	Fence       *gpu.Fence
	WaitValue   gpu.FenceValue
	SignalValue gpu.FenceValue

	Destination          *gpu.Surface
	DestinationTimestamp float64
}

// Result of a successful call.
type Result struct {
	// Repeated is set when the engine copied an input instead of producing
	// a distinct frame.
	Repeated bool
}

// Provider is an interpolation engine. Interpolate blocks until the
// destination is complete or ctx is done.
type Provider interface {
	Interpolate(ctx context.Context, req Request) (Result, error)
	Name() string
}

// Engine names accepted by New.
const (
	EngineBlend  = "blend"
	EngineRepeat = "repeat"
)

// New creates the named engine on device.
func New(name string, device *gpu.Device) (Provider, error) {
	switch strings.ToLower(name) {
	case EngineBlend, "":
		return NewBlendEngine(device), nil
	case EngineRepeat:
		return NewRepeatEngine(device), nil
	default:
		return nil, fmt.Errorf("unknown interpolation engine %q (available: %s, %s)", name, EngineBlend, EngineRepeat)
	}
}

func validate(req Request) error {
	if req.SourceA == nil || req.SourceB == nil || req.Destination == nil {
		return fmt.Errorf("%w: missing surface", ErrEngine)
	}
	if req.Fence == nil {
		return fmt.Errorf("%w: missing fence", ErrEngine)
	}
	if req.SignalValue <= req.WaitValue {
		return fmt.Errorf("%w: signal value %d must be greater than wait value %d", ErrEngine, req.SignalValue, req.WaitValue)
	}
	for _, s := range []*gpu.Surface{req.SourceA, req.SourceB} {
		if s.Width() != req.Destination.Width() || s.Height() != req.Destination.Height() {
			return fmt.Errorf("%w: source %s does not match destination %s", ErrEngine, s, req.Destination)
		}
	}
	return nil
}

// run submits work between the fence wait and signal, then blocks until the
// signal value is reached and reports the first command error.
func run(ctx context.Context, device *gpu.Device, req Request, work gpu.Command) error {
	q := device.Queue()
	if err := q.Wait(req.Fence, req.WaitValue); err != nil {
		return err
	}
	if err := q.Submit(work); err != nil {
		return err
	}
	if err := q.Signal(req.Fence, req.SignalValue); err != nil {
		return err
	}
	if err := req.Fence.Wait(ctx, req.SignalValue); err != nil {
		return err
	}
	if err := q.Flush(ctx); err != nil {
		if errors.Is(err, gpu.ErrDeviceLost) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return nil
}
