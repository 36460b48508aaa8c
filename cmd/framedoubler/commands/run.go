package commands

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/api"
	"github.com/bryanchriswhite/FrameDoubler/internal/capture"
	"github.com/bryanchriswhite/FrameDoubler/internal/config"
	"github.com/bryanchriswhite/FrameDoubler/internal/inhibit"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
	"github.com/bryanchriswhite/FrameDoubler/internal/output"
	"github.com/bryanchriswhite/FrameDoubler/internal/overlay"
	"github.com/bryanchriswhite/FrameDoubler/internal/pipeline"
	"github.com/bryanchriswhite/FrameDoubler/internal/present"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start capturing and presenting at double rate",
	Long: `Start the capture, interpolation and presentation pipeline.

Every captured frame is followed by an interpolated frame halfway between it
and the previous capture. Frames go to the MJPEG stream and, when enabled, a
native X11 window. The HTTP API reports pipeline stats and accepts resize and
device reset requests.`,
	Example: `  # Run with the configured backend and engine
  framedoubler run

  # Try the pipeline without a display server
  framedoubler run --backend synthetic

  # Present into a 2560x1440 target with frame repetition only
  framedoubler run --output 2560x1440 --engine repeat

  # Run without the HTTP API
  framedoubler run --port 0`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("backend", "", "capture backend (x11, screenshot, synthetic)")
	runCmd.Flags().String("engine", "", "interpolation engine (blend, repeat)")
	runCmd.Flags().String("output", "", "output size as WIDTHxHEIGHT")

	viper.BindPFlag("capture.backend", runCmd.Flags().Lookup("backend"))
	viper.BindPFlag("pipeline.engine", runCmd.Flags().Lookup("engine"))
	viper.BindPFlag("output.size", runCmd.Flags().Lookup("output"))
}

func parseSize(s string) (int, int, error) {
	var w, h int
	if _, err := fmt.Sscanf(s, "%dx%d", &w, &h); err != nil {
		return 0, 0, fmt.Errorf("invalid size %q (use WIDTHxHEIGHT): %w", s, err)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q", s)
	}
	return w, h, nil
}

// applyOverrides copies flags the user set onto the loaded configuration.
func applyOverrides(configMgr *config.Manager) error {
	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port >= 0 {
			configMgr.SetPort(port)
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			configMgr.SetLogLevel(level)
		}
	}
	if viper.IsSet("capture.backend") {
		if backend := viper.GetString("capture.backend"); backend != "" {
			configMgr.SetBackend(backend)
		}
	}
	if viper.IsSet("pipeline.engine") {
		if engine := viper.GetString("pipeline.engine"); engine != "" {
			configMgr.SetEngine(engine)
		}
	}
	if viper.IsSet("output.size") {
		if size := viper.GetString("output.size"); size != "" {
			w, h, err := parseSize(size)
			if err != nil {
				return err
			}
			configMgr.SetOutputSize(w, h)
		}
	}
	return configMgr.Get().Validate()
}

func runRun(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}
	if err := applyOverrides(configMgr); err != nil {
		return err
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, true)
	log := logger.WithComponent("run")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	acq, err := capture.New(cfg.Capture)
	if err != nil {
		return err
	}
	defer acq.Stop()

	var pointer present.PointerSource
	var cursor *image.RGBA
	if cfg.Presenter.Cursor {
		if ps, ok := acq.(present.PointerSource); ok {
			pointer = ps
		} else {
			log.Info().Str("backend", acq.Name()).Msg("Backend cannot track the pointer, cursor disabled")
		}
		if cursor, err = present.LoadCursor(cfg.Presenter.CursorImage); err != nil {
			log.Warn().Err(err).Msg("Failed to load cursor image, using the built-in cursor")
			cursor = present.DefaultCursor()
		}
	}

	outCfg := output.Config{
		Width:   cfg.Output.Width,
		Height:  cfg.Output.Height,
		FPS:     cfg.Output.FPS,
		Quality: cfg.Output.JPEGQuality,
	}
	var outputs []output.Output
	var mjpeg *output.MJPEGOutput
	if cfg.Output.MJPEG {
		mjpeg = output.NewMJPEGOutput(outCfg)
		outputs = append(outputs, mjpeg)
	}
	var window *output.X11WindowOutput
	if cfg.Output.X11Window {
		if window, err = output.NewX11WindowOutput(outCfg); err != nil {
			log.Warn().Err(err).Msg("X11 window output not available")
			window = nil
		} else {
			outputs = append(outputs, window)
		}
	}
	outs := output.NewMulti(outputs...)

	var hud *overlay.Manager
	var p *pipeline.Pipeline
	if cfg.Presenter.HUD {
		hud = overlay.NewManager()
		text := overlay.NewTextWidget("stats", 10, 10, 0.9)
		text.SetProvider(func() []string {
			return p.Stats().HUDLines()
		})
		if err := hud.AddWidget(text); err != nil {
			return err
		}
	}

	p, err = pipeline.New(pipeline.Options{
		Config:   cfg,
		Acquirer: acq,
		Output:   outs,
		Overlay:  hud,
		Pointer:  pointer,
		Cursor:   cursor,
	})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer p.Close()

	if window != nil {
		window.OnResize(func(width, height int) {
			if err := p.OnOutputSizeChanged(width, height); err != nil {
				log.Warn().Err(err).Msg("Ignoring window resize")
			}
		})
	}

	if err := outs.Start(); err != nil {
		return fmt.Errorf("failed to start outputs: %w", err)
	}
	defer outs.Stop()

	if cfg.InhibitScreensaver {
		if inh, err := inhibit.Connect(); err != nil {
			log.Warn().Err(err).Msg("Screensaver inhibition not available")
		} else if err := inh.Inhibit("framedoubler", "Presenting captured frames"); err != nil {
			log.Warn().Err(err).Msg("Screensaver inhibition failed")
			inh.Release()
		} else {
			defer inh.Release()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})

	if cfg.ServerPort > 0 {
		server := api.NewServer(p, configMgr, mjpeg)
		g.Go(func() error {
			return server.Start(cfg.ServerPort)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		log.Info().Msgf("API: http://localhost:%d/api", cfg.ServerPort)
		if mjpeg != nil {
			log.Info().Msgf("Stream viewer: http://localhost:%d/", cfg.ServerPort)
		}
	} else {
		log.Info().Msg("API server disabled")
	}

	log.Info().Str("outputs", outs.Name()).Msg("FrameDoubler is running, press Ctrl+C to stop")

	err = g.Wait()
	log.Info().Msg("Shutting down gracefully...")
	return err
}
