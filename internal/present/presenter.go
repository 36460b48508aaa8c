package present

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
	"github.com/bryanchriswhite/FrameDoubler/internal/output"
	"github.com/bryanchriswhite/FrameDoubler/internal/overlay"
)

// Options configures a Presenter.
type Options struct {
	// Region is the captured area in desktop coordinates.
	Region image.Rectangle
	// ResFactor is the downscale applied by the capture copy.
	ResFactor int
	// FrameWidth and FrameHeight are the working frame size.
	FrameWidth, FrameHeight int

	Pointer PointerSource // nil disables cursor tracking
	Cursor  *image.RGBA   // nil disables the cursor sprite
	Overlay *overlay.Manager
	Output  output.Output
}

// Presenter composites a frame, the cursor and the HUD into the composite
// target and hands the result to the output.
type Presenter struct {
	device *gpu.Device
	opts   Options

	outW, outH int
	layout     Layout
	cursor     CursorState
	background color.RGBA
	presented  uint64
}

// NewPresenter creates a presenter for an output of outW x outH.
func NewPresenter(device *gpu.Device, opts Options, outW, outH int) (*Presenter, error) {
	if opts.ResFactor < 1 {
		opts.ResFactor = 1
	}
	p := &Presenter{
		device:     device,
		opts:       opts,
		background: color.RGBA{A: 0xff},
	}
	if err := p.Resize(outW, outH); err != nil {
		return nil, err
	}
	return p, nil
}

// Resize recomputes the letterbox for a new output size.
func (p *Presenter) Resize(outW, outH int) error {
	l, err := ComputeLayout(p.opts.FrameWidth, p.opts.FrameHeight, outW, outH)
	if err != nil {
		return err
	}
	p.outW, p.outH = outW, outH
	p.layout = l

	logger.WithComponent("presenter").Info().
		Int("output_width", outW).
		Int("output_height", outH).
		Str("layout", l.String()).
		Msg("Layout updated")
	return nil
}

// Layout returns the current letterbox mapping.
func (p *Presenter) Layout() Layout {
	return p.layout
}

// OutputSize returns the current output size.
func (p *Presenter) OutputSize() (int, int) {
	return p.outW, p.outH
}

// Cursor returns the last observed cursor state.
func (p *Presenter) Cursor() CursorState {
	return p.cursor
}

// Presented returns the number of completed presents.
func (p *Presenter) Presented() uint64 {
	return p.presented
}

// UpdateCursor polls the pointer source.
func (p *Presenter) UpdateCursor() {
	if p.opts.Pointer == nil {
		p.cursor.Visible = false
		return
	}
	x, y, ok := p.opts.Pointer.Pointer()
	p.cursor = CursorState{X: x, Y: y, Visible: ok}
}

// CursorPosition maps the cursor into output coordinates. ok is false when
// the cursor is hidden or outside the captured region.
func (p *Presenter) CursorPosition() (x, y float64, ok bool) {
	c := p.cursor
	if !c.Visible || !image.Pt(c.X, c.Y).In(p.opts.Region) {
		return 0, 0, false
	}
	rf := float64(p.opts.ResFactor)
	fx := float64(c.X-p.opts.Region.Min.X) / rf
	fy := float64(c.Y-p.opts.Region.Min.Y) / rf
	x, y = p.layout.Map(fx, fy)
	return x, y, true
}

// CursorScale is the sprite scale. Sprites are authored at desktop
// resolution, so the capture downscale is divided back out.
func (p *Presenter) CursorScale() float64 {
	return p.layout.Scale() / float64(p.opts.ResFactor)
}

// Present composites src into target and writes the result to the output.
// When fence is non-nil the work is ordered after the fence reaches wait.
// It returns once the output has received the frame.
func (p *Presenter) Present(ctx context.Context, target, src *gpu.Surface, fence *gpu.Fence, wait gpu.FenceValue) error {
	if target.Width() != p.outW || target.Height() != p.outH {
		return fmt.Errorf("composite target %s does not match output %dx%d", target, p.outW, p.outH)
	}

	p.UpdateCursor()
	cx, cy, drawCursor := p.CursorPosition()
	drawCursor = drawCursor && p.opts.Cursor != nil
	layout := p.layout
	cursorScale := p.CursorScale()
	sprite := p.opts.Cursor
	hud := p.opts.Overlay
	out := p.opts.Output

	q := p.device.Queue()
	if fence != nil {
		if err := q.Wait(fence, wait); err != nil {
			return err
		}
	}
	err := q.Submit(func() error {
		if err := gpu.Clear(target, p.background); err != nil {
			return err
		}
		if src.Released() {
			return fmt.Errorf("present %s: %w", src, gpu.ErrDeviceLost)
		}
		if err := gpu.Blit(target, src.Image(), layout.OffsetX, layout.OffsetY, layout.Scale()); err != nil {
			return err
		}
		if drawCursor {
			if err := gpu.Blit(target, sprite, cx, cy, cursorScale); err != nil {
				return err
			}
		}
		if hud != nil {
			if err := hud.Render(target.Image()); err != nil {
				return err
			}
		}
		if out != nil && out.IsRunning() {
			if err := out.WriteFrame(target.Image()); err != nil {
				return fmt.Errorf("%s: %w", out.Name(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := q.Flush(ctx); err != nil {
		return fmt.Errorf("present failed: %w", err)
	}
	p.presented++
	return nil
}
