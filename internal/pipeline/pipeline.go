package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/capture"
	"github.com/bryanchriswhite/FrameDoubler/internal/config"
	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/interp"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
	"github.com/bryanchriswhite/FrameDoubler/internal/output"
	"github.com/bryanchriswhite/FrameDoubler/internal/overlay"
	"github.com/bryanchriswhite/FrameDoubler/internal/present"
	"github.com/rs/zerolog"
)

// Options wires a Pipeline. Acquirer must already be started.
type Options struct {
	Config   *config.Config
	Acquirer capture.Acquirer
	Output   output.Output
	Overlay  *overlay.Manager
	Pointer  present.PointerSource
	Cursor   *image.RGBA

	// Provider overrides the engine named in the config.
	Provider interp.Provider

	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
	OnPresent func(PresentedFrame)
}

type controlKind int

const (
	controlResize controlKind = iota
	controlDeviceReset
)

type control struct {
	kind          controlKind
	width, height int
}

// Pipeline owns the device, its resources and the tick loop. Resources are
// rebuilt through the device lifecycle callbacks.
type Pipeline struct {
	cfg       *config.Config
	device    *gpu.Device
	acquirer  capture.Acquirer
	source    *capture.Source
	provider  interp.Provider
	presenter *present.Presenter
	scheduler *Scheduler

	frameW, frameH int
	outW, outH     int

	control    chan control
	rebuildErr error

	layoutMu sync.RWMutex
	layout   present.Layout

	closeOnce sync.Once
	started   time.Time
	now       func() time.Time
	log       *zerolog.Logger
}

// New builds the device, the surface ring and every pipeline stage.
func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("pipeline config is required")
	}
	if opts.Acquirer == nil {
		return nil, fmt.Errorf("capture backend is required")
	}
	cfg := opts.Config
	if opts.Now == nil {
		opts.Now = time.Now
	}

	region := opts.Acquirer.Region()
	resFactor := cfg.Capture.ResFactor
	if resFactor < 1 {
		resFactor = 1
	}
	frameW, frameH := region.Dx()/resFactor, region.Dy()/resFactor
	if frameW < 1 || frameH < 1 {
		return nil, fmt.Errorf("capture region %v is too small for resolution factor %d", region, resFactor)
	}

	device := gpu.NewDevice()

	provider := opts.Provider
	if provider == nil {
		var err error
		if provider, err = interp.New(cfg.Pipeline.Engine, device); err != nil {
			device.Close()
			return nil, err
		}
	}

	presenter, err := present.NewPresenter(device, present.Options{
		Region:      region,
		ResFactor:   resFactor,
		FrameWidth:  frameW,
		FrameHeight: frameH,
		Pointer:     opts.Pointer,
		Cursor:      opts.Cursor,
		Overlay:     opts.Overlay,
		Output:      opts.Output,
	}, cfg.Output.Width, cfg.Output.Height)
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("failed to create presenter: %w", err)
	}

	source := capture.NewSource(opts.Acquirer, device)
	adapter := NewInterpolationAdapter(provider, cfg.Pipeline.InterpTimeout())

	p := &Pipeline{
		cfg:       cfg,
		device:    device,
		acquirer:  opts.Acquirer,
		source:    source,
		provider:  provider,
		presenter: presenter,
		frameW:    frameW,
		frameH:    frameH,
		outW:      cfg.Output.Width,
		outH:      cfg.Output.Height,
		control:   make(chan control, 8),
		layout:    presenter.Layout(),
		started:   opts.Now(),
		now:       opts.Now,
		log:       logger.WithComponent("pipeline"),
	}
	p.scheduler = NewScheduler(device, source, adapter, presenter, SchedulerOptions{
		PollTimeout:     cfg.Capture.PollTimeout(),
		CaptureDeadline: cfg.Pipeline.CaptureDeadline(),
		FrameInterval:   cfg.Pipeline.FrameInterval,
		LatencyWindow:   cfg.Pipeline.LatencyWindow,
		Now:             opts.Now,
		Sleep:           opts.Sleep,
		OnPresent:       opts.OnPresent,
	})

	device.RegisterDeviceNotify(p)
	p.OnDeviceRestored()
	if p.rebuildErr != nil {
		device.Close()
		return nil, p.rebuildErr
	}

	p.log.Info().
		Str("backend", opts.Acquirer.Name()).
		Str("engine", provider.Name()).
		Str("region", region.String()).
		Int("frame_width", frameW).
		Int("frame_height", frameH).
		Int("output_width", p.outW).
		Int("output_height", p.outH).
		Str("layout", presenter.Layout().String()).
		Msg("Pipeline ready")
	return p, nil
}

// OnDeviceLost releases every device resource.
func (p *Pipeline) OnDeviceLost() {
	if ring := p.scheduler.Ring(); ring != nil {
		ring.Release()
	}
	if p.scheduler.fence != nil {
		p.device.DestroyFence(p.scheduler.fence)
	}
	p.scheduler.Unbind()
	p.log.Warn().Msg("Device resources released")
}

// OnDeviceRestored rebuilds the ring and fence with the current sizes.
// Ring indices, fence counter, timestamps and latency restart from their
// initial values.
func (p *Pipeline) OnDeviceRestored() {
	p.rebuildErr = nil

	ring, err := NewSurfaceRing(p.device, p.frameW, p.frameH, p.outW, p.outH)
	if err != nil {
		p.rebuildErr = fmt.Errorf("failed to build surface ring: %w", err)
		return
	}
	fence, err := p.device.CreateFence()
	if err != nil {
		ring.Release()
		p.rebuildErr = fmt.Errorf("failed to create fence: %w", err)
		return
	}
	p.scheduler.Bind(ring, fence)

	p.log.Debug().Uint64("generation", p.device.Generation()).Msg("Device resources built")
}

// OnOutputSizeChanged requests a new output size. It is applied between
// ticks and may be called from any goroutine.
func (p *Pipeline) OnOutputSizeChanged(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid output size %dx%d", width, height)
	}
	return p.request(control{kind: controlResize, width: width, height: height})
}

// ResetDevice requests a full device lost/restored cycle.
func (p *Pipeline) ResetDevice() error {
	return p.request(control{kind: controlDeviceReset})
}

func (p *Pipeline) request(c control) error {
	select {
	case p.control <- c:
		return nil
	default:
		return fmt.Errorf("pipeline control queue is full")
	}
}

// Run ticks until ctx is cancelled. Device loss triggers a rebuild and the
// loop continues; any other error ends it.
func (p *Pipeline) Run(ctx context.Context) error {
	statsEvery := p.cfg.Pipeline.StatsInterval()
	lastStats := p.now()

	p.log.Info().Msg("Pipeline running")
	for {
		if err := ctx.Err(); err != nil {
			p.log.Info().Msg("Pipeline stopping")
			return nil
		}

		if err := p.applyControls(); err != nil {
			return err
		}

		err := p.scheduler.Tick(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			p.log.Info().Msg("Pipeline stopping")
			return nil
		case errors.Is(err, gpu.ErrDeviceLost):
			p.log.Warn().Err(err).Msg("Device lost during tick")
			if err := p.resetDevice(); err != nil {
				return err
			}
		default:
			return err
		}

		if statsEvery > 0 {
			if now := p.now(); now.Sub(lastStats) >= statsEvery {
				lastStats = now
				p.logStats()
			}
		}
	}
}

func (p *Pipeline) applyControls() error {
	for {
		select {
		case c := <-p.control:
			var err error
			switch c.kind {
			case controlResize:
				err = p.resize(c.width, c.height)
				if err != nil {
					p.log.Warn().Err(err).Msg("Resize rejected")
					err = nil
				}
			case controlDeviceReset:
				err = p.resetDevice()
			}
			if err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (p *Pipeline) resize(width, height int) error {
	if width == p.outW && height == p.outH {
		return nil
	}
	if err := p.presenter.Resize(width, height); err != nil {
		return err
	}
	if ring := p.scheduler.Ring(); ring != nil {
		if err := ring.ResizeComposite(width, height); err != nil {
			_ = p.presenter.Resize(p.outW, p.outH)
			return err
		}
	}
	p.outW, p.outH = width, height

	p.layoutMu.Lock()
	p.layout = p.presenter.Layout()
	p.layoutMu.Unlock()
	return nil
}

func (p *Pipeline) resetDevice() error {
	p.scheduler.stats.deviceResets.Add(1)
	if err := p.device.HandleDeviceLost(); err != nil {
		return fmt.Errorf("device reset failed: %w", err)
	}
	if p.rebuildErr != nil {
		return p.rebuildErr
	}
	return nil
}

func (p *Pipeline) logStats() {
	s := p.Stats()
	p.log.Info().
		Str("state", s.State).
		Float64("fps", s.FPS).
		Dur("avg_delay", s.AverageDelay).
		Uint64("presented", s.Presented).
		Uint64("captures", s.Captures).
		Uint64("repeats", s.Repeats).
		Uint64("fallbacks", s.Fallbacks).
		Uint64("engine_errors", s.EngineErrors).
		Msg("Pipeline stats")
}

// Stats returns a snapshot of the pipeline counters. Safe for concurrent use.
func (p *Pipeline) Stats() Stats {
	c := p.scheduler.stats
	s := Stats{
		State:             State(c.state.Load()).String(),
		Engine:            p.provider.Name(),
		Backend:           p.acquirer.Name(),
		Ticks:             c.ticks.Load(),
		RealTicks:         c.realTicks.Load(),
		InterpolatedTicks: c.interpTicks.Load(),
		Captures:          c.captures.Load(),
		CaptureFailures:   c.captureFailures.Load(),
		CaptureDeadlines:  c.captureDeadlines.Load(),
		Repeats:           c.repeats.Load(),
		EngineErrors:      c.engineErrors.Load(),
		Fallbacks:         c.fallbacks.Load(),
		PresentErrors:     c.presentErrors.Load(),
		Presented:         c.presented.Load(),
		DeviceResets:      c.deviceResets.Load(),
		AverageDelay:      time.Duration(c.avgDelay.Load()),
		FenceValue:        c.fenceValue.Load(),
		RingIndex:         int(c.ringIndex.Load()),
		LastTimestamp:     math.Float64frombits(c.lastTS.Load()),
	}
	s.Uptime = p.now().Sub(p.started)
	if secs := s.Uptime.Seconds(); secs > 0 {
		s.FPS = float64(s.Presented) / secs
	}
	return s
}

// Scheduler exposes the tick state machine.
func (p *Pipeline) Scheduler() *Scheduler { return p.scheduler }

// Device returns the pipeline's device.
func (p *Pipeline) Device() *gpu.Device { return p.device }

// FrameSize returns the working frame size.
func (p *Pipeline) FrameSize() (int, int) { return p.frameW, p.frameH }

// Layout returns the current letterbox mapping. Safe for concurrent use.
func (p *Pipeline) Layout() present.Layout {
	p.layoutMu.RLock()
	defer p.layoutMu.RUnlock()
	return p.layout
}

// Close releases device resources. Run must have returned.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		if ring := p.scheduler.Ring(); ring != nil {
			ring.Release()
		}
		if p.scheduler.fence != nil {
			p.device.DestroyFence(p.scheduler.fence)
		}
		p.scheduler.Unbind()
		p.device.Close()
		p.log.Info().Msg("Pipeline closed")
	})
}
