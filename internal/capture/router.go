package capture

import (
	"fmt"

	"github.com/bryanchriswhite/FrameDoubler/internal/config"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
)

// New creates and starts the configured backend. The x11 backend falls back
// to screenshot when no X server is reachable.
func New(cfg config.CaptureConfig) (Acquirer, error) {
	log := logger.WithComponent("capture-router")

	var acq Acquirer
	switch cfg.Backend {
	case config.BackendX11:
		x11, err := NewX11Capturer(cfg.Region.Rect())
		if err != nil {
			log.Warn().Err(err).Msg("X11 capturer not available, falling back to screenshot")
			sc, serr := NewScreenshotCapturer(cfg.Region.Rect())
			if serr != nil {
				return nil, fmt.Errorf("no capture backend available: x11: %v, screenshot: %w", err, serr)
			}
			acq = sc
		} else {
			acq = x11
		}
	case config.BackendScreenshot:
		sc, err := NewScreenshotCapturer(cfg.Region.Rect())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize screenshot capturer: %w", err)
		}
		acq = sc
	case config.BackendPipeWire:
		acq = NewPipeWireCapturer(cfg.Region.Rect(), cfg.EmbedCursor)
	case config.BackendSynthetic:
		acq = NewSyntheticAcquirer(cfg.SyntheticWidth, cfg.SyntheticHeight, cfg.SyntheticFPS)
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Backend)
	}

	if err := acq.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s capturer: %w", acq.Name(), err)
	}

	log.Info().
		Str("backend", acq.Name()).
		Str("region", acq.Region().String()).
		Msg("Capture backend initialized")
	return acq, nil
}
