package pipeline

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/capture"
	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/interp"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// step scripts one TryAcquireFrame call. A nil err yields a frame.
type step struct {
	err   error
	spend time.Duration
}

// solidAcquirer hands out solid frames whose red channel is 10 * n for the
// n-th frame, or a constant value when fixed is set.
type solidAcquirer struct {
	w, h   int
	clock  *fakeClock
	fixed  uint8
	mu     sync.Mutex
	script []step
	frames int
}

func (a *solidAcquirer) Start() error { return nil }
func (a *solidAcquirer) Stop() error  { return nil }
func (a *solidAcquirer) Name() string { return "solid" }
func (a *solidAcquirer) Region() image.Rectangle {
	return image.Rect(0, 0, a.w, a.h)
}

func (a *solidAcquirer) TryAcquireFrame(ctx context.Context, timeout time.Duration) (*capture.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	var s step
	if len(a.script) > 0 {
		s = a.script[0]
		a.script = a.script[1:]
	}
	a.mu.Unlock()

	if a.clock != nil && s.spend > 0 {
		a.clock.Advance(s.spend)
	}
	if s.err != nil {
		return nil, s.err
	}

	a.mu.Lock()
	a.frames++
	v := uint8(10 * a.frames)
	if a.fixed != 0 {
		v = a.fixed
	}
	a.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, a.w, a.h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = v
		img.Pix[i+3] = 0xff
	}
	return capture.NewFrame(img, gpu.FormatRGBA8, nil), nil
}

// recordingPresenter records the red value of every presented slot.
type recordingPresenter struct {
	device *gpu.Device
	values []uint8
	waits  []gpu.FenceValue
	err    error
}

func (r *recordingPresenter) Present(ctx context.Context, target, src *gpu.Surface, fence *gpu.Fence, wait gpu.FenceValue) error {
	if r.err != nil {
		return r.err
	}
	if fence != nil {
		if err := fence.Wait(ctx, wait); err != nil {
			return err
		}
		r.waits = append(r.waits, wait)
	}
	if err := r.device.Queue().Flush(ctx); err != nil {
		return err
	}
	if src.Released() {
		return gpu.ErrDeviceLost
	}
	r.values = append(r.values, src.Image().Pix[0])
	return nil
}

// failingProvider signals the fence like a real engine and then fails.
type failingProvider struct{}

func (failingProvider) Name() string { return "failing" }
func (failingProvider) Interpolate(ctx context.Context, req interp.Request) (interp.Result, error) {
	req.Fence.Signal(req.SignalValue)
	return interp.Result{}, interp.ErrEngine
}

// silentFailProvider fails its first fails calls without touching the fence,
// the way an engine that rejects a request up front does. Later calls go to
// next.
type silentFailProvider struct {
	fails int
	calls int
	next  interp.Provider
}

func (p *silentFailProvider) Name() string { return "silent-fail" }
func (p *silentFailProvider) Interpolate(ctx context.Context, req interp.Request) (interp.Result, error) {
	p.calls++
	if p.calls <= p.fails {
		return interp.Result{}, interp.ErrEngine
	}
	return p.next.Interpolate(ctx, req)
}

type testScheduler struct {
	*Scheduler
	device    *gpu.Device
	presenter *recordingPresenter
	frames    []PresentedFrame
	sleeps    []time.Duration
}

func newTestScheduler(t *testing.T, acq capture.Acquirer, provider interp.Provider, opts SchedulerOptions) *testScheduler {
	t.Helper()

	device := gpu.NewDevice()
	t.Cleanup(device.Close)

	w, h := acq.Region().Dx(), acq.Region().Dy()
	ring, err := NewSurfaceRing(device, w, h, w*2, h*2)
	if err != nil {
		t.Fatal(err)
	}
	fence, err := device.CreateFence()
	if err != nil {
		t.Fatal(err)
	}
	if provider == nil {
		provider = interp.NewBlendEngine(device)
	}

	ts := &testScheduler{device: device, presenter: &recordingPresenter{device: device}}
	opts.OnPresent = func(f PresentedFrame) { ts.frames = append(ts.frames, f) }
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error {
			ts.sleeps = append(ts.sleeps, d)
			return ctx.Err()
		}
	}
	ts.Scheduler = NewScheduler(device, capture.NewSource(acq, device), NewInterpolationAdapter(provider, 0), ts.presenter, opts)
	ts.Bind(ring, fence)
	return ts
}

func (ts *testScheduler) tickN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := ts.Tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
	}
}
