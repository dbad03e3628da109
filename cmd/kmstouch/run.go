package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kmstouch/internal/config"
	"kmstouch/internal/diag"
	"kmstouch/internal/errors"
	"kmstouch/internal/evdev"
	"kmstouch/internal/frame"
	"kmstouch/internal/kms"
	"kmstouch/internal/metrics"
	"kmstouch/internal/mirror"
)

var runCfg = config.Default()

func init() {
	runCfg.BindFlags(runCmd.Flags())
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the touch paint demo on the panel",
	Long: `run takes over the display, reads the touch panel and runs the touch paint
demo until interrupted. Configuration comes from --config (YAML), then
KMSTOUCH_* environment variables, then flags.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		run(func() error { return runFunc(cmd, &runCfg) })
	},
}

// memory display size for headless runs
const (
	memoryWidth   = 800
	memoryHeight  = 480
	memoryRefresh = 60
)

func runFunc(cmd *cobra.Command, cfg *config.Config) error {
	if err := config.Resolve(cfg, cmd.Flags()); err != nil {
		return err
	}
	logger := newLogger(cfg.Debug || debugFlag)

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
	}

	dev, err := openDisplay(cfg.Card)
	if err != nil {
		diag.NewLogSink(logger, time.Second, 5).Fatal("open display", err)
		return err
	}
	sinks, mir := newSinks(cfg, logger, dev.Name())

	ctrl := kms.NewController(dev, kms.Options{
		Buffers:     cfg.Buffers,
		FlipTimeout: cfg.FlipTimeout,
		ModePolicy:  cfg.Policy(),
		Sink:        sinks,
		Logger:      logger,
	})
	if err := ctrl.Initialize(); err != nil {
		_ = dev.Close()
		return err
	}
	defer func() { diag.IsErr(logger, slog.LevelWarn, ctrl.Close()) }()
	mode := ctrl.Mode()
	if mir != nil {
		mir.SetScreen(mode.Width, mode.Height)
	}

	src, synthetic, err := openInput(cfg, mode, sinks, logger)
	if err != nil {
		sinks.Fatal("open input", err)
		return err
	}
	if src != nil {
		defer src.Close()
	}

	var ui frame.UIContext = newPaintUI()
	if mir != nil {
		paint := ui
		ui = frame.UIFunc(func(ctx context.Context, in frame.Input) (frame.Output, error) {
			mir.Touch(in.Events)
			return paint.Run(ctx, in)
		})
	}
	orch := frame.New(src, ctrl, ui, newSoftRaster(), frame.Options{
		FrameInterval: cfg.FrameInterval,
		Sink:          sinks,
		Logger:        logger,
		Metrics:       m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return orch.Run(gctx)
	})
	if m != nil {
		g.Go(func() error { return m.Serve(gctx, cfg.MetricsAddr) })
	}
	if mir != nil {
		g.Go(func() error { return mir.Run(gctx) })
	}
	if synthetic != nil {
		g.Go(func() error { return scribble(gctx, synthetic, mode.Width, mode.Height) })
	}
	diag.Log(logger, slog.LevelInfo, 2, "running", "mode", mode.String(), "interval", orch.Interval())

	err = g.Wait()
	st := orch.Stats()
	diag.Log(logger, slog.LevelInfo, 2, "stopped",
		"ticks", st.Ticks, "presented", st.Presented, "events", st.Events, "skipped", st.Skipped)
	return err
}

// newSinks builds the complete diagnostic fan-out. Components copy the
// Multi they are given, so it must be complete before the first of them is
// built.
func newSinks(cfg *config.Config, logger *slog.Logger, device string) (diag.Multi, *mirror.Mirror) {
	sinks := diag.Multi{diag.NewLogSink(logger, time.Second, 5)}
	if cfg.MirrorURL == "" {
		return sinks, nil
	}
	mir := mirror.New(cfg.MirrorURL, mirror.Options{Device: device, Logger: logger})
	return append(sinks, mir), mir
}

func openDisplay(card string) (kms.Device, error) {
	switch card {
	case config.CardMemory:
		return kms.NewMemoryDevice(memoryWidth, memoryHeight, memoryRefresh), nil
	case "":
		p, err := kms.FindCard()
		if err != nil {
			return nil, err
		}
		card = p
	}
	return kms.OpenDRM(card)
}

// openInput returns a nil source, and no error, when the touch device is
// missing and that is allowed.
func openInput(cfg *config.Config, mode kms.DisplayMode, sink diag.Sink, logger *slog.Logger) (evdev.Source, *evdev.SyntheticSource, error) {
	cal, err := cfg.TouchCalibration()
	if err != nil {
		return nil, nil, err
	}
	proto, err := cfg.TouchProtocol()
	if err != nil {
		return nil, nil, err
	}

	if cfg.Input == config.InputSynthetic {
		c := evdev.Identity()
		if cal != nil {
			c = *cal
		}
		src := evdev.NewSyntheticSource(evdev.NewDecoder(evdev.DefaultSlots, c, evdev.ProtocolMT, sink))
		return src, src, nil
	}

	path, err := evdev.FindTouchscreen(cfg.Input)
	if err == nil {
		var src *evdev.KernelSource
		src, err = evdev.OpenKernelSource(path, evdev.KernelOptions{
			Calibration:  cal,
			ScreenWidth:  mode.Width,
			ScreenHeight: mode.Height,
			Grab:         cfg.Grab,
			Protocol:     proto,
			RecordSize:   cfg.RecordSize,
			Sink:         sink,
			Logger:       logger,
			DumpEvents:   cfg.DumpEvents,
		})
		if err == nil {
			return src, nil, nil
		}
	}
	if cfg.AllowMissingInput && (errors.Is(err, evdev.ErrNoTouchDevice) || errors.Is(err, evdev.ErrDeviceOpen)) {
		diag.Log(logger, slog.LevelWarn, 2, "no touch input, running without pointers", "err", err)
		return nil, nil, nil
	}
	return nil, nil, err
}
