package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/config"
	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/interp"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Capture.ResFactor = 1
	cfg.Output.Width = 64
	cfg.Output.Height = 48
	cfg.Pipeline.StatsIntervalSec = 0
	return cfg
}

func TestPipelineDeviceLossRoundTrip(t *testing.T) {
	p, err := New(Options{Config: testConfig(), Acquirer: &solidAcquirer{w: 32, h: 24}})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := p.Scheduler().Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	s := p.Scheduler()
	if s.Fences().WaitValue() == 0 || s.Latency().Count() == 0 || s.Ring().CaptureCount() == 0 {
		t.Fatal("expected some pipeline state before the reset")
	}
	gen := p.Device().Generation()
	oldRing := s.Ring()
	oldComposite := oldRing.CompositeTarget()

	if err := p.resetDevice(); err != nil {
		t.Fatal(err)
	}

	ring := s.Ring()
	if ring == oldRing {
		t.Fatal("ring should be rebuilt")
	}
	if !oldComposite.Released() {
		t.Fatal("old surfaces should be released")
	}
	if ring.Index() != initialCurrIndex || ring.CaptureCount() != 0 {
		t.Fatalf("ring not reset: index=%d captures=%d", ring.Index(), ring.CaptureCount())
	}
	if s.Fences().WaitValue() != 0 || s.Latency().Count() != 0 || s.State() != WarmingUp {
		t.Fatal("fence, latency and state should restart")
	}
	if w, h := ring.FrameSize(); w != 32 || h != 24 {
		t.Fatalf("frame size changed to %dx%d", w, h)
	}
	if c := ring.CompositeTarget(); c.Width() != 64 || c.Height() != 48 {
		t.Fatalf("composite size changed to %s", c)
	}
	if p.Device().Generation() != gen+1 {
		t.Fatal("device generation should advance")
	}
	if p.Device().LiveSurfaces() != 5 {
		t.Fatalf("expected exactly the ring's 5 surfaces, got %d", p.Device().LiveSurfaces())
	}
	if p.Stats().DeviceResets != 1 {
		t.Fatal("reset should be counted")
	}

	for i := 0; i < 3; i++ {
		if err := s.Tick(ctx); err != nil {
			t.Fatalf("tick after reset: %v", err)
		}
	}
	if s.Fences().WaitValue() != 1 {
		t.Fatalf("fence should count from zero again, got %d", s.Fences().WaitValue())
	}
}

func TestPipelineRunAppliesControls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var p *Pipeline
	var presents atomic.Int32
	onPresent := func(PresentedFrame) {
		switch presents.Add(1) {
		case 3:
			if err := p.OnOutputSizeChanged(80, 48); err != nil {
				t.Error(err)
			}
		case 6:
			if err := p.ResetDevice(); err != nil {
				t.Error(err)
			}
		case 20:
			cancel()
		}
	}

	var err error
	p, err = New(Options{Config: testConfig(), Acquirer: &solidAcquirer{w: 32, h: 24}, OnPresent: onPresent})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	l := p.Layout()
	if l.Scale() != 2 || l.OffsetX != 8 || l.OffsetY != 0 {
		t.Fatalf("resize not applied, layout %s", l)
	}
	if c := p.Scheduler().Ring().CompositeTarget(); c.Width() != 80 || c.Height() != 48 {
		t.Fatalf("composite should follow the output size, got %s", c)
	}

	st := p.Stats()
	if st.DeviceResets != 1 {
		t.Fatalf("expected one device reset, got %d", st.DeviceResets)
	}
	if st.Presented < 20 || st.Engine != interp.EngineBlend || st.Backend != "solid" {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestPipelineRejectsBadInput(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.Engine = "optical-flow"
	if _, err := New(Options{Config: cfg, Acquirer: &solidAcquirer{w: 8, h: 8}}); err == nil {
		t.Fatal("unknown engine should fail")
	}

	cfg = testConfig()
	cfg.Capture.ResFactor = 16
	if _, err := New(Options{Config: cfg, Acquirer: &solidAcquirer{w: 8, h: 8}}); err == nil {
		t.Fatal("a region smaller than the resolution factor should fail")
	}

	p, err := New(Options{Config: testConfig(), Acquirer: &solidAcquirer{w: 8, h: 8}})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.OnOutputSizeChanged(0, 10); err == nil {
		t.Fatal("zero output size should be rejected")
	}
}

func TestPipelineResFactorDownscales(t *testing.T) {
	cfg := testConfig()
	cfg.Capture.ResFactor = 2
	p, err := New(Options{Config: cfg, Acquirer: &solidAcquirer{w: 64, h: 48}})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if w, h := p.FrameSize(); w != 32 || h != 24 {
		t.Fatalf("frame size = %dx%d, want 32x24", w, h)
	}
	if l := p.Layout(); l.Scale() != 2 {
		t.Fatalf("layout scale = %v, want 2", l.Scale())
	}
}

func TestAdapterTimeoutIsEngineError(t *testing.T) {
	device := gpu.NewDevice()
	defer device.Close()

	a := NewInterpolationAdapter(stallingProvider{}, time.Millisecond)
	if _, err := a.Interpolate(context.Background(), nil, nil, 0, 1, 0, 1); !errors.Is(err, gpu.ErrDeviceLost) {
		t.Fatalf("unbound adapter should report device loss, got %v", err)
	}

	dst, _ := device.CreateSurface(2, 2, gpu.FormatRGBA8, gpu.UsageRenderTarget)
	fence, _ := device.CreateFence()
	a.Bind(dst, fence)

	_, err := a.Interpolate(context.Background(), dst, dst, 0, 1, 0, 1)
	if !errors.Is(err, interp.ErrEngine) {
		t.Fatalf("timeout should be an engine error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Interpolate(ctx, dst, dst, 0, 1, 1, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("caller cancellation should pass through, got %v", err)
	}
}

func TestStatsHUDLines(t *testing.T) {
	lines := Stats{Engine: "blend", FPS: 119.6, Presented: 12345, AverageDelay: 8 * time.Millisecond}.HUDLines()
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"blend 119.6 fps", "delay 8ms", "frames 12,345"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("HUD lines %q missing %q", joined, want)
		}
	}
}

type stallingProvider struct{}

func (stallingProvider) Name() string { return "stalling" }
func (stallingProvider) Interpolate(ctx context.Context, req interp.Request) (interp.Result, error) {
	<-ctx.Done()
	return interp.Result{}, ctx.Err()
}
