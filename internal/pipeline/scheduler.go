package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/capture"
	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
	"github.com/rs/zerolog"
)

// State is the scheduler's position in the real/interpolated alternation.
type State int32

const (
	// WarmingUp captures the first real frame without interpolating.
	WarmingUp State = iota
	DisplayReal
	DisplayInterpolated
)

func (s State) String() string {
	switch s {
	case WarmingUp:
		return "warming_up"
	case DisplayReal:
		return "display_real"
	case DisplayInterpolated:
		return "display_interpolated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FrameKind says what a tick presented.
type FrameKind int

const (
	FrameReal FrameKind = iota
	FrameInterpolated
	// FrameFallback is the last real frame shown again in place of a
	// missing interpolated or captured one.
	FrameFallback
)

func (k FrameKind) String() string {
	switch k {
	case FrameReal:
		return "real"
	case FrameInterpolated:
		return "interpolated"
	case FrameFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// PresentedFrame records one present.
type PresentedFrame struct {
	Kind      FrameKind
	Timestamp Timestamp
	Repeated  bool
}

// Presenter composites a slot into the target and delivers it. When fence is
// non-nil the work is ordered after the fence reaches wait.
type Presenter interface {
	Present(ctx context.Context, target, src *gpu.Surface, fence *gpu.Fence, wait gpu.FenceValue) error
}

// SchedulerOptions tune a Scheduler. Zero values select real time.
type SchedulerOptions struct {
	PollTimeout     time.Duration
	CaptureDeadline time.Duration
	FrameInterval   float64
	LatencyWindow   int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	// OnPresent is called after every successful present.
	OnPresent func(PresentedFrame)
}

// Scheduler drives the tick state machine. It is not safe for concurrent
// use; Run in Pipeline owns it.
type Scheduler struct {
	device    *gpu.Device
	source    *capture.Source
	adapter   *InterpolationAdapter
	presenter Presenter
	opts      SchedulerOptions

	ring     *SurfaceRing
	fence    *gpu.Fence
	fences   FenceCoordinator
	timeline timeline
	latency  *LatencySample

	state       State
	interpValid bool
	interpFrame PresentedFrame
	shownTS     Timestamp // timestamp of the frame in the last-displayed slot

	stats *counters
	log   *zerolog.Logger
}

// NewScheduler creates a scheduler. Bind must be called before the first
// tick.
func NewScheduler(device *gpu.Device, source *capture.Source, adapter *InterpolationAdapter, presenter Presenter, opts SchedulerOptions) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Millisecond
	}
	return &Scheduler{
		device:    device,
		source:    source,
		adapter:   adapter,
		presenter: presenter,
		opts:      opts,
		timeline:  newTimeline(opts.FrameInterval),
		latency:   NewLatencySample(opts.LatencyWindow),
		stats:     &counters{},
		log:       logger.WithComponent("scheduler"),
	}
}

// Bind installs freshly built resources and resets every piece of state tied
// to them: ring indices, fence counter, timestamps and the latency sample.
func (s *Scheduler) Bind(ring *SurfaceRing, fence *gpu.Fence) {
	s.ring = ring
	s.fence = fence
	s.fences.Reset()
	s.timeline.reset()
	s.latency.Reset()
	s.state = WarmingUp
	s.interpValid = false
	s.interpFrame = PresentedFrame{}
	s.shownTS = 0
	s.adapter.Bind(ring.InterpolatedSlot(), fence)

	s.stats.state.Store(int32(s.state))
	s.stats.fenceValue.Store(0)
	s.stats.avgDelay.Store(0)
	s.stats.ringIndex.Store(int64(ring.Index()))
}

// Unbind drops references to released resources.
func (s *Scheduler) Unbind() {
	s.ring = nil
	s.fence = nil
	s.adapter.Bind(nil, nil)
}

// State returns the state the next tick runs in.
func (s *Scheduler) State() State { return s.state }

// Ring returns the bound surface ring.
func (s *Scheduler) Ring() *SurfaceRing { return s.ring }

// Fences returns the fence bookkeeping.
func (s *Scheduler) Fences() *FenceCoordinator { return &s.fences }

// Latency returns the capture latency sample.
func (s *Scheduler) Latency() *LatencySample { return s.latency }

// Tick runs one display interval. Recoverable problems are absorbed; the
// returned error is a context error or wraps gpu.ErrDeviceLost.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.ring == nil {
		return fmt.Errorf("scheduler has no resources: %w", gpu.ErrDeviceLost)
	}

	var err error
	switch s.state {
	case WarmingUp:
		var captured bool
		captured, err = s.realTick(ctx, false)
		if err == nil && captured {
			s.state = DisplayReal
		}
	case DisplayReal:
		_, err = s.realTick(ctx, true)
		if err == nil {
			s.state = DisplayInterpolated
		}
	case DisplayInterpolated:
		err = s.interpolatedTick(ctx)
		if err == nil {
			s.state = DisplayReal
		}
	}
	if err != nil {
		return err
	}

	s.stats.ticks.Add(1)
	s.stats.state.Store(int32(s.state))
	return nil
}

// realTick captures a new frame, prepares the interpolated frame ahead of
// its display and presents the previous real frame. With interpolate false
// (warm-up) the newly captured frame is presented directly.
func (s *Scheduler) realTick(ctx context.Context, interpolate bool) (bool, error) {
	s.stats.realTicks.Add(1)

	res, waited, err := s.capture(ctx)
	if err != nil {
		return false, err
	}

	if res != capture.Captured {
		// No ring advance and nothing new to interpolate from.
		s.interpValid = false
		if err := s.present(ctx, s.ring.LastDisplayedSlot(), nil, 0, PresentedFrame{Kind: FrameFallback, Timestamp: s.shownTS}); err != nil {
			return false, err
		}
		return false, nil
	}

	s.latency.Add(waited)
	s.stats.captures.Add(1)
	s.stats.avgDelay.Store(int64(s.latency.Average()))
	s.stats.ringIndex.Store(int64(s.ring.Index()))
	prevTS, currTS := s.timeline.advance()

	shown, shownTS := s.ring.Previous(), prevTS
	if !interpolate {
		shown, shownTS = s.ring.Current(), currTS
	}
	if err := s.copyToLastDisplayed(ctx, shown); err != nil {
		return true, err
	}
	s.shownTS = shownTS

	if interpolate {
		if err := s.interpolate(ctx, prevTS, currTS); err != nil {
			return true, err
		}
	}

	if err := s.present(ctx, s.ring.LastDisplayedSlot(), nil, 0, PresentedFrame{Kind: FrameReal, Timestamp: s.shownTS}); err != nil {
		return true, err
	}
	return true, nil
}

// capture polls the source until a frame lands, the backend fails, the
// capture deadline expires or ctx ends.
func (s *Scheduler) capture(ctx context.Context) (capture.Result, time.Duration, error) {
	start := s.opts.Now()
	for {
		res, err := s.source.TryCapture(ctx, s.opts.PollTimeout, s.ring)
		if err != nil {
			return capture.Failed, 0, err
		}

		switch res {
		case capture.Captured:
			return res, s.opts.Now().Sub(start), nil
		case capture.Failed:
			s.stats.captureFailures.Add(1)
			return res, 0, nil
		}

		if err := ctx.Err(); err != nil {
			return capture.Failed, 0, err
		}
		if d := s.opts.CaptureDeadline; d > 0 && s.opts.Now().Sub(start) >= d {
			s.stats.captureDeadlines.Add(1)
			s.log.Debug().Dur("deadline", d).Msg("No new frame before capture deadline")
			return capture.NotReady, 0, nil
		}
	}
}

func (s *Scheduler) copyToLastDisplayed(ctx context.Context, src *gpu.Surface) error {
	dst := s.ring.LastDisplayedSlot()
	q := s.device.Queue()
	if err := q.Submit(func() error { return gpu.Copy(dst, src) }); err != nil {
		return err
	}
	if err := q.Flush(ctx); err != nil {
		return fmt.Errorf("failed to copy last displayed frame: %w", err)
	}
	return nil
}

func (s *Scheduler) interpolate(ctx context.Context, prevTS, currTS Timestamp) error {
	wait := s.fences.WaitValue()
	signal := s.fences.NextSignal()
	s.stats.fenceValue.Store(uint64(signal))

	res, err := s.adapter.Interpolate(ctx, s.ring.Previous(), s.ring.Current(), prevTS, currTS, wait, signal)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, gpu.ErrDeviceLost) {
			return err
		}
		if err := s.retireSignal(ctx, signal); err != nil {
			return err
		}
		s.interpValid = false
		s.stats.engineErrors.Add(1)
		s.log.Warn().Err(err).Str("engine", s.adapter.Engine()).Msg("Interpolation failed, falling back to the last real frame")
		return nil
	}

	if res.Repeated {
		s.stats.repeats.Add(1)
		s.log.Debug().Float64("timestamp", float64(res.Timestamp)).Msg("Engine repeated a frame")
	}
	s.interpValid = true
	s.interpFrame = PresentedFrame{Kind: FrameInterpolated, Timestamp: res.Timestamp, Repeated: res.Repeated}
	return nil
}

// retireSignal makes sure v is reached after a failed call, so the next
// engine call never waits on a value nobody signals. The signal is queued
// behind whatever work the engine did submit.
func (s *Scheduler) retireSignal(ctx context.Context, v gpu.FenceValue) error {
	if s.fence.Completed() >= v {
		return nil
	}
	q := s.device.Queue()
	if err := q.Signal(s.fence, v); err != nil {
		return err
	}
	if err := q.Flush(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, gpu.ErrDeviceLost) {
			return err
		}
		s.log.Debug().Err(err).Msg("Queue error after failed interpolation")
	}
	return nil
}

// interpolatedTick paces against the measured capture latency and presents
// the frame prepared during the previous real tick.
func (s *Scheduler) interpolatedTick(ctx context.Context) error {
	s.stats.interpTicks.Add(1)

	if err := s.opts.Sleep(ctx, s.latency.Average()); err != nil {
		return err
	}

	if !s.interpValid {
		s.stats.fallbacks.Add(1)
		return s.present(ctx, s.ring.LastDisplayedSlot(), nil, 0, PresentedFrame{Kind: FrameFallback, Timestamp: s.shownTS})
	}
	return s.present(ctx, s.ring.InterpolatedSlot(), s.fence, s.fences.WaitValue(), s.interpFrame)
}

func (s *Scheduler) present(ctx context.Context, src *gpu.Surface, fence *gpu.Fence, wait gpu.FenceValue, frame PresentedFrame) error {
	err := s.presenter.Present(ctx, s.ring.CompositeTarget(), src, fence, wait)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, gpu.ErrDeviceLost) {
			return err
		}
		s.stats.presentErrors.Add(1)
		s.log.Warn().Err(err).Str("kind", frame.Kind.String()).Msg("Present failed")
		return nil
	}

	s.stats.presented.Add(1)
	s.stats.lastTS.Store(math.Float64bits(float64(frame.Timestamp)))
	if s.opts.OnPresent != nil {
		s.opts.OnPresent(frame)
	}
	if e := s.log.Trace(); e.Enabled() {
		e.Str("kind", frame.Kind.String()).Float64("timestamp", float64(frame.Timestamp)).Msg("Presented")
	}
	return nil
}

// sleepContext sleeps for d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
