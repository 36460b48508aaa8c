package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/config"
	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
	"github.com/rs/zerolog"
)

func init() {
	logger.SetOutput(io.Discard, zerolog.Disabled)
}

// testSlots is a two-slot ring.
type testSlots struct {
	real     [2]*gpu.Surface
	curr     int
	acquired int
}

func newTestSlots(t *testing.T, d *gpu.Device, w, h int) *testSlots {
	t.Helper()
	s := &testSlots{curr: 1}
	for i := range s.real {
		surf, err := d.CreateSurface(w, h, gpu.FormatRGBA8, gpu.UsageRenderTarget|gpu.UsageCaptureSource)
		if err != nil {
			t.Fatal(err)
		}
		s.real[i] = surf
	}
	return s
}

func (s *testSlots) NextCaptureSlot() *gpu.Surface { return s.real[1-s.curr] }

func (s *testSlots) AcquireCaptureSlot() (write, read *gpu.Surface) {
	s.curr = 1 - s.curr
	s.acquired++
	return s.real[s.curr], s.real[1-s.curr]
}

// scriptedAcquirer returns errs in order; a nil entry yields a frame.
type scriptedAcquirer struct {
	errs     []error
	calls    int
	released int
}

func (a *scriptedAcquirer) Start() error            { return nil }
func (a *scriptedAcquirer) Stop() error             { return nil }
func (a *scriptedAcquirer) Name() string            { return "scripted" }
func (a *scriptedAcquirer) Region() image.Rectangle { return image.Rect(0, 0, 4, 4) }

func (a *scriptedAcquirer) TryAcquireFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	i := a.calls
	a.calls++
	if i < len(a.errs) && a.errs[i] != nil {
		return nil, a.errs[i]
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for p := 0; p < len(img.Pix); p += 4 {
		img.Pix[p], img.Pix[p+3] = 0x40, 0xff
	}
	return NewFrame(img, gpu.FormatRGBA8, func() { a.released++ }), nil
}

func TestTryCaptureResults(t *testing.T) {
	d := gpu.NewDevice()
	defer d.Close()
	slots := newTestSlots(t, d, 2, 2)

	acq := &scriptedAcquirer{errs: []error{ErrWaitTimeout, errors.New("access lost"), nil}}
	src := NewSource(acq, d)
	ctx := context.Background()

	want := []Result{NotReady, Failed, Captured}
	for i, w := range want {
		got, err := src.TryCapture(ctx, time.Millisecond, slots)
		if err != nil {
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
		if got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i, w, got)
		}
	}

	if slots.acquired != 1 {
		t.Fatalf("ring should advance once, advanced %d times", slots.acquired)
	}
	if acq.released != 1 {
		t.Fatalf("expected 1 released frame, got %d", acq.released)
	}

	// The captured frame was downscaled into the written slot.
	var px color.RGBA
	q := d.Queue()
	_ = q.Submit(func() error {
		px = slots.real[slots.curr].Image().RGBAAt(0, 0)
		return nil
	})
	if err := q.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if px.R != 0x40 || px.A != 0xff {
		t.Fatalf("unexpected captured pixel %v", px)
	}
}

func TestTryCaptureReleasesFrameOnDeviceLoss(t *testing.T) {
	d := gpu.NewDevice()
	slots := newTestSlots(t, d, 2, 2)
	acq := &scriptedAcquirer{}
	src := NewSource(acq, d)

	d.Close()
	res, err := src.TryCapture(context.Background(), time.Millisecond, slots)
	if !errors.Is(err, gpu.ErrDeviceLost) {
		t.Fatalf("expected ErrDeviceLost, got %v", err)
	}
	if res != Failed {
		t.Fatalf("expected Failed, got %s", res)
	}
	if acq.released != 1 {
		t.Fatal("frame must be released on the error path")
	}
	if slots.acquired != 0 {
		t.Fatal("ring must not advance on failure")
	}
}

func TestTryCapturePropagatesCancellation(t *testing.T) {
	d := gpu.NewDevice()
	defer d.Close()
	slots := newTestSlots(t, d, 2, 2)

	acq := &scriptedAcquirer{errs: []error{context.Canceled}}
	res, err := NewSource(acq, d).TryCapture(context.Background(), time.Millisecond, slots)
	if !errors.Is(err, context.Canceled) || res != Failed {
		t.Fatalf("expected Failed/canceled, got %s/%v", res, err)
	}
}

func TestSyntheticAcquirer(t *testing.T) {
	a := NewSyntheticAcquirer(32, 16, 0)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	f, err := a.TryAcquireFrame(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if f.Image.Bounds().Dx() != 32 || f.Image.Bounds().Dy() != 16 {
		t.Fatalf("unexpected frame size %v", f.Image.Bounds())
	}
	if _, err := a.TryAcquireFrame(context.Background(), time.Millisecond); err == nil {
		t.Fatal("expected error while previous frame is outstanding")
	}

	f.Release()
	f.Release()
	if a.Outstanding() != 0 {
		t.Fatalf("expected no outstanding frames, got %d", a.Outstanding())
	}
	if f.Image != nil {
		t.Fatal("released frame should drop its image")
	}
}

func TestSyntheticAcquirerPacesFrames(t *testing.T) {
	a := NewSyntheticAcquirer(8, 8, 10)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	f, err := a.TryAcquireFrame(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("first frame should be immediate: %v", err)
	}
	f.Release()

	if _, err := a.TryAcquireFrame(context.Background(), time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout before the next frame is due, got %v", err)
	}
}

func TestScreenshotCapturerDetectsChange(t *testing.T) {
	frames := []uint8{1, 1, 2}
	i := 0
	c := &ScreenshotCapturer{
		region: image.Rect(0, 0, 2, 2),
		grab: func(r image.Rectangle) (*image.RGBA, error) {
			img := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
			img.Pix[0] = frames[i%len(frames)]
			i++
			return img, nil
		},
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	f, err := c.TryAcquireFrame(ctx, 0)
	if err != nil {
		t.Fatalf("first grab should be new content: %v", err)
	}
	f.Release()

	if _, err := c.TryAcquireFrame(ctx, 0); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("unchanged content should time out, got %v", err)
	}

	f, err = c.TryAcquireFrame(ctx, 0)
	if err != nil {
		t.Fatalf("changed content should be captured: %v", err)
	}
	f.Release()
}

func TestNewBackend(t *testing.T) {
	cfg := config.Defaults().Capture
	cfg.Backend = config.BackendSynthetic
	cfg.SyntheticWidth, cfg.SyntheticHeight = 64, 32

	acq, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer acq.Stop()
	if acq.Name() != "synthetic" || acq.Region().Dx() != 64 {
		t.Fatalf("unexpected backend %s %v", acq.Name(), acq.Region())
	}

	cfg.Backend = "dxgi"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
