package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/capture"
	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/interp"
)

func TestSchedulerAlternatesAndPresentsInOrder(t *testing.T) {
	acq := &solidAcquirer{w: 4, h: 4}
	ts := newTestScheduler(t, acq, nil, SchedulerOptions{FrameInterval: 1})

	wantStates := []State{DisplayReal, DisplayInterpolated, DisplayReal, DisplayInterpolated, DisplayReal, DisplayInterpolated, DisplayReal, DisplayInterpolated, DisplayReal}
	if ts.State() != WarmingUp {
		t.Fatalf("fresh scheduler should be warming up, got %s", ts.State())
	}
	for i, want := range wantStates {
		ts.tickN(t, 1)
		if ts.State() != want {
			t.Fatalf("after tick %d state = %s, want %s", i+1, ts.State(), want)
		}
	}

	wantKinds := []FrameKind{FrameReal, FrameReal, FrameInterpolated, FrameReal, FrameInterpolated, FrameReal, FrameInterpolated, FrameReal, FrameInterpolated}
	wantTS := []Timestamp{1, 1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5}
	wantValues := []uint8{10, 10, 15, 20, 25, 30, 35, 40, 45}

	if len(ts.frames) != len(wantKinds) {
		t.Fatalf("expected %d presents, got %d", len(wantKinds), len(ts.frames))
	}
	for i := range wantKinds {
		f := ts.frames[i]
		if f.Kind != wantKinds[i] || f.Timestamp != wantTS[i] {
			t.Errorf("present %d = %s@%v, want %s@%v", i, f.Kind, f.Timestamp, wantKinds[i], wantTS[i])
		}
		if i > 0 && f.Timestamp < ts.frames[i-1].Timestamp {
			t.Errorf("present %d went back in time", i)
		}
		if got := ts.presenter.values[i]; got != wantValues[i] {
			t.Errorf("present %d showed %d, want %d", i, got, wantValues[i])
		}
	}

	// One fence increment per interpolation call (ticks 2, 4, 6, 8).
	if got := ts.Fences().WaitValue(); got != 4 {
		t.Fatalf("fence value = %d, want 4", got)
	}
	for i, w := range ts.presenter.waits {
		if w != gpu.FenceValue(i+1) {
			t.Fatalf("interpolated present %d waited on %d, want %d", i, w, i+1)
		}
	}
	if ts.Ring().CaptureCount() != 5 {
		t.Fatalf("expected 5 captures, got %d", ts.Ring().CaptureCount())
	}
}

func TestSchedulerPacesWithAverageLatency(t *testing.T) {
	clock := newFakeClock()
	acq := &solidAcquirer{w: 4, h: 4, clock: clock, script: []step{
		{spend: 10 * time.Millisecond},
		{spend: 12 * time.Millisecond},
		{spend: 8 * time.Millisecond},
	}}
	ts := newTestScheduler(t, acq, nil, SchedulerOptions{Now: clock.Now})

	ts.tickN(t, 5)

	want := []time.Duration{11 * time.Millisecond, 10 * time.Millisecond}
	if len(ts.sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), ts.sleeps)
	}
	for i := range want {
		if ts.sleeps[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, ts.sleeps[i], want[i])
		}
	}
	if ts.Latency().Average() != 10*time.Millisecond {
		t.Fatalf("average = %v, want 10ms", ts.Latency().Average())
	}
}

func TestSchedulerCaptureFailureDoesNotAdvance(t *testing.T) {
	acq := &solidAcquirer{w: 4, h: 4, script: []step{
		{},
		{err: errors.New("backend gone")},
	}}
	ts := newTestScheduler(t, acq, nil, SchedulerOptions{})

	ts.tickN(t, 1)
	index := ts.Ring().Index()

	ts.tickN(t, 2)
	if ts.Ring().Index() != index || ts.Ring().CaptureCount() != 1 {
		t.Fatal("a failed capture must not advance the ring")
	}
	if ts.Fences().WaitValue() != 0 {
		t.Fatal("no interpolation should run without a new frame")
	}
	if ts.frames[1].Kind != FrameFallback || ts.frames[2].Kind != FrameFallback {
		t.Fatalf("expected two fallback presents, got %s and %s", ts.frames[1].Kind, ts.frames[2].Kind)
	}
	if ts.presenter.values[1] != 10 || ts.presenter.values[2] != 10 {
		t.Fatalf("fallback should show the last real frame, got %v", ts.presenter.values)
	}

	ts.tickN(t, 2)
	if got := ts.presenter.values[3:]; got[0] != 10 || got[1] != 15 {
		t.Fatalf("pipeline should resume interpolating, got %v", got)
	}
	if ts.stats.captureFailures.Load() != 1 || ts.stats.fallbacks.Load() != 1 {
		t.Fatalf("unexpected counters: failures=%d fallbacks=%d", ts.stats.captureFailures.Load(), ts.stats.fallbacks.Load())
	}
}

func TestSchedulerCaptureDeadline(t *testing.T) {
	clock := newFakeClock()
	acq := &solidAcquirer{w: 4, h: 4, clock: clock, script: []step{
		{},
		{err: capture.ErrWaitTimeout, spend: 5 * time.Millisecond},
		{err: capture.ErrWaitTimeout, spend: 5 * time.Millisecond},
		{err: capture.ErrWaitTimeout, spend: 5 * time.Millisecond},
		{err: capture.ErrWaitTimeout, spend: 5 * time.Millisecond},
	}}
	ts := newTestScheduler(t, acq, nil, SchedulerOptions{Now: clock.Now, CaptureDeadline: 12 * time.Millisecond})

	ts.tickN(t, 2)
	if ts.stats.captureDeadlines.Load() != 1 {
		t.Fatalf("expected the deadline to expire once, got %d", ts.stats.captureDeadlines.Load())
	}
	if ts.Ring().CaptureCount() != 1 {
		t.Fatal("expired capture should not advance the ring")
	}
	if ts.Latency().Count() != 1 {
		t.Fatal("only successful captures are sampled")
	}

	// One timeout left in the script, then a frame.
	ts.tickN(t, 2)
	if ts.Ring().CaptureCount() != 2 {
		t.Fatalf("expected recovery after a single timeout, captures=%d", ts.Ring().CaptureCount())
	}
}

func TestSchedulerPresentsRepeatedFrames(t *testing.T) {
	acq := &solidAcquirer{w: 4, h: 4, fixed: 77}
	ts := newTestScheduler(t, acq, nil, SchedulerOptions{})

	ts.tickN(t, 3)
	last := ts.frames[2]
	if last.Kind != FrameInterpolated || !last.Repeated {
		t.Fatalf("expected a repeated interpolated frame, got %+v", last)
	}
	if ts.presenter.values[2] != 77 {
		t.Fatalf("repeated frame should still be presented, got %d", ts.presenter.values[2])
	}
	if ts.stats.repeats.Load() != 1 || ts.stats.fallbacks.Load() != 0 {
		t.Fatal("repetition is advisory and must not count as a fallback")
	}
}

func TestSchedulerEngineErrorFallsBack(t *testing.T) {
	acq := &solidAcquirer{w: 4, h: 4}
	ts := newTestScheduler(t, acq, failingProvider{}, SchedulerOptions{})

	ts.tickN(t, 5)
	for _, i := range []int{2, 4} {
		if ts.frames[i].Kind != FrameFallback {
			t.Fatalf("present %d should fall back, got %s", i, ts.frames[i].Kind)
		}
	}
	if got := ts.presenter.values; got[2] != 10 || got[4] != 20 {
		t.Fatalf("fallbacks should show the last real frame, got %v", got)
	}
	if ts.stats.engineErrors.Load() != 2 {
		t.Fatalf("expected 2 engine errors, got %d", ts.stats.engineErrors.Load())
	}
	if ts.Fences().WaitValue() != 2 {
		t.Fatal("failed calls still consume a fence value")
	}
}

func TestSchedulerRecoversFromUnsignaledEngineError(t *testing.T) {
	acq := &solidAcquirer{w: 4, h: 4}
	provider := &silentFailProvider{fails: 1}
	ts := newTestScheduler(t, acq, provider, SchedulerOptions{FrameInterval: 1})
	provider.next = interp.NewBlendEngine(ts.device)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 9; i++ {
		if err := ts.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
	}

	if ts.frames[2].Kind != FrameFallback {
		t.Fatalf("present 2 should fall back, got %s", ts.frames[2].Kind)
	}
	wantValues := map[int]uint8{2: 10, 4: 25, 6: 35, 8: 45}
	for i, want := range wantValues {
		if got := ts.presenter.values[i]; got != want {
			t.Errorf("present %d showed %d, want %d", i, got, want)
		}
	}
	for _, i := range []int{4, 6, 8} {
		if ts.frames[i].Kind != FrameInterpolated {
			t.Errorf("present %d should be interpolated, got %s", i, ts.frames[i].Kind)
		}
	}
	if ts.stats.engineErrors.Load() != 1 {
		t.Fatalf("expected 1 engine error, got %d", ts.stats.engineErrors.Load())
	}
	if got := ts.fence.Completed(); got != 4 {
		t.Fatalf("fence completed = %d, want 4", got)
	}
}

func TestSchedulerCancelledDuringPacing(t *testing.T) {
	acq := &solidAcquirer{w: 4, h: 4}
	ts := newTestScheduler(t, acq, nil, SchedulerOptions{Sleep: sleepContext})
	ts.tickN(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ts.Tick(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ts.State() != DisplayInterpolated {
		t.Fatal("a cancelled tick should not change state")
	}
}

func TestSchedulerReportsDeviceLoss(t *testing.T) {
	acq := &solidAcquirer{w: 4, h: 4}
	ts := newTestScheduler(t, acq, nil, SchedulerOptions{})
	ts.presenter.err = gpu.ErrDeviceLost

	if err := ts.Tick(context.Background()); !errors.Is(err, gpu.ErrDeviceLost) {
		t.Fatalf("expected device loss, got %v", err)
	}

	ts.Unbind()
	if err := ts.Tick(context.Background()); !errors.Is(err, gpu.ErrDeviceLost) {
		t.Fatalf("unbound scheduler should report device loss, got %v", err)
	}
}
