package pipeline

import (
	"fmt"

	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
)

// Initial alternation state after every (re)build.
const (
	initialCurrIndex = 1
	initialLastIndex = 0
)

// SurfaceRing owns the fixed set of pipeline surfaces: two real-frame slots,
// the interpolated slot, the last-displayed slot and the composite target.
//
// The ring does no locking. A slot is never read and written concurrently
// because the scheduler sequences every tick on a single goroutine.
type SurfaceRing struct {
	device *gpu.Device

	real          [2]*gpu.Surface
	interpolated  *gpu.Surface
	lastDisplayed *gpu.Surface
	composite     *gpu.Surface

	currIndex int
	lastIndex int
	captures  uint64
}

// NewSurfaceRing allocates every slot. Frame slots are frameW x frameH
// (working capture size); the composite target is outW x outH.
func NewSurfaceRing(device *gpu.Device, frameW, frameH, outW, outH int) (*SurfaceRing, error) {
	r := &SurfaceRing{
		device:    device,
		currIndex: initialCurrIndex,
		lastIndex: initialLastIndex,
	}

	frameUsage := gpu.UsageRenderTarget | gpu.UsageShaderResource
	var err error
	for i := range r.real {
		if r.real[i], err = device.CreateSurface(frameW, frameH, gpu.FormatRGBA8, frameUsage|gpu.UsageCaptureSource); err != nil {
			r.Release()
			return nil, fmt.Errorf("failed to create real frame slot %d: %w", i, err)
		}
	}
	if r.interpolated, err = device.CreateSurface(frameW, frameH, gpu.FormatRGBA8, frameUsage); err != nil {
		r.Release()
		return nil, fmt.Errorf("failed to create interpolated slot: %w", err)
	}
	if r.lastDisplayed, err = device.CreateSurface(frameW, frameH, gpu.FormatRGBA8, frameUsage); err != nil {
		r.Release()
		return nil, fmt.Errorf("failed to create last-displayed slot: %w", err)
	}
	if r.composite, err = device.CreateSurface(outW, outH, gpu.FormatRGBA8, gpu.UsageRenderTarget); err != nil {
		r.Release()
		return nil, fmt.Errorf("failed to create composite target: %w", err)
	}
	return r, nil
}

// AcquireCaptureSlot flips the alternation index and returns the slot to
// capture into and the slot holding the previous real frame.
func (r *SurfaceRing) AcquireCaptureSlot() (write, read *gpu.Surface) {
	r.currIndex, r.lastIndex = r.lastIndex, r.currIndex
	r.captures++
	return r.real[r.currIndex], r.real[r.lastIndex]
}

// NextCaptureSlot returns the slot the next AcquireCaptureSlot hands out for
// writing, without advancing.
func (r *SurfaceRing) NextCaptureSlot() *gpu.Surface { return r.real[r.lastIndex] }

// Current returns the most recently captured real frame.
func (r *SurfaceRing) Current() *gpu.Surface { return r.real[r.currIndex] }

// Previous returns the real frame captured before Current.
func (r *SurfaceRing) Previous() *gpu.Surface { return r.real[r.lastIndex] }

// InterpolatedSlot returns the surface the engine writes into.
func (r *SurfaceRing) InterpolatedSlot() *gpu.Surface { return r.interpolated }

// LastDisplayedSlot holds a copy of the real frame currently on display.
func (r *SurfaceRing) LastDisplayedSlot() *gpu.Surface { return r.lastDisplayed }

// CompositeTarget returns the output-sized surface the presenter draws into.
func (r *SurfaceRing) CompositeTarget() *gpu.Surface { return r.composite }

// Index returns the current alternation index.
func (r *SurfaceRing) Index() int { return r.currIndex }

// CaptureCount returns the number of successful captures since the ring was built.
func (r *SurfaceRing) CaptureCount() uint64 { return r.captures }

// FrameSize returns the working size of the frame slots.
func (r *SurfaceRing) FrameSize() (int, int) {
	return r.real[0].Width(), r.real[0].Height()
}

// ResizeComposite replaces the composite target with one of outW x outH.
// Frame slots and alternation state are untouched.
func (r *SurfaceRing) ResizeComposite(outW, outH int) error {
	composite, err := r.device.CreateSurface(outW, outH, gpu.FormatRGBA8, gpu.UsageRenderTarget)
	if err != nil {
		return fmt.Errorf("failed to create composite target: %w", err)
	}
	r.device.DestroySurface(r.composite)
	r.composite = composite
	return nil
}

// Release destroys every surface. Safe to call more than once and on a
// partially built ring.
func (r *SurfaceRing) Release() {
	for i := range r.real {
		r.device.DestroySurface(r.real[i])
		r.real[i] = nil
	}
	r.device.DestroySurface(r.interpolated)
	r.device.DestroySurface(r.lastDisplayed)
	r.device.DestroySurface(r.composite)
	r.interpolated, r.lastDisplayed, r.composite = nil, nil, nil
}
