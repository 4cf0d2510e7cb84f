package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/moodlens/internal/capture"
	"github.com/andresmejia3/moodlens/internal/detection"
	"github.com/andresmejia3/moodlens/internal/display"
	"github.com/andresmejia3/moodlens/internal/emotion"
	"github.com/andresmejia3/moodlens/internal/render"
	"github.com/andresmejia3/moodlens/internal/server"
	"github.com/andresmejia3/moodlens/internal/snapshot"
	"github.com/andresmejia3/moodlens/internal/utils"
	"github.com/andresmejia3/moodlens/internal/worker"
	"github.com/go-playground/validator/v10"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// Options holds the configuration shared by serve and detect
type Options struct {
	Addr            string  `validate:"required,hostname_port"`
	Device          string  `validate:"required"`
	Format          string  `validate:"omitempty,oneof=v4l2 avfoundation dshow"`
	FPS             float64 `validate:"gte=0,lte=120"`
	Loop            bool
	Interval        time.Duration `validate:"gte=10ms"`
	Locale          string        `validate:"required"`
	Python          string        `validate:"required"`
	DetectorScript  string        `validate:"required"`
	DetectorTimeout time.Duration `validate:"gte=0"`
	OpenTimeout     time.Duration `validate:"gt=0"`
	InputSize       int           `validate:"gte=0,lte=4096"`
	SnapshotRevert  time.Duration `validate:"gt=0"`
}

var serveOpts Options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the camera viewer in the browser",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context(), serveOpts)
	},
}

func init() {
	addDetectorFlags(serveCmd, &serveOpts)
	serveCmd.Flags().StringVarP(&serveOpts.Addr, "addr", "a", "127.0.0.1:8080", "Address the viewer listens on")
	serveCmd.Flags().StringVarP(&serveOpts.Device, "device", "d", "/dev/video0", "Capture device (or a video file with --loop)")
	serveCmd.Flags().StringVarP(&serveOpts.Format, "format", "f", "", "ffmpeg input format: v4l2, avfoundation, dshow (empty lets ffmpeg probe)")
	serveCmd.Flags().Float64Var(&serveOpts.FPS, "fps", 0, "Requested capture frame rate (0 keeps the device default)")
	serveCmd.Flags().BoolVar(&serveOpts.Loop, "loop", false, "Loop a video file forever instead of reading a webcam")
	serveCmd.Flags().DurationVarP(&serveOpts.Interval, "interval", "i", detection.DefaultPeriod, "Time between detection passes")
	serveCmd.Flags().DurationVar(&serveOpts.OpenTimeout, "open-timeout", 10*time.Second, "How long to wait for the first camera frame")
	serveCmd.Flags().DurationVar(&serveOpts.SnapshotRevert, "snapshot-status", snapshot.DefaultRevert, "How long the snapshot confirmation stays in the status line")
	rootCmd.AddCommand(serveCmd)
}

// addDetectorFlags registers the flags every command that spawns the model needs.
func addDetectorFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().StringVarP(&opts.Locale, "locale", "l", "en", fmt.Sprintf("UI language %v", emotion.Locales()))
	cmd.Flags().StringVar(&opts.Python, "python", "python3", "Python interpreter for the detector")
	cmd.Flags().StringVar(&opts.DetectorScript, "detector-script", "python/detector.py", "Path to the expression detector script")
	cmd.Flags().DurationVar(&opts.DetectorTimeout, "detector-timeout", 5*time.Second, "Per-frame detector deadline (0 disables)")
	cmd.Flags().IntVar(&opts.InputSize, "input-size", 640, "Longest image side the model sees (0 sends frames untouched)")
}

var validate = validator.New()

// validateServeFlags ensures all CLI arguments are valid before starting heavy processes.
func validateServeFlags(opts *Options) error {
	if err := validate.Struct(opts); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid %s: %v fails %q", f.Field(), f.Value(), f.ActualTag())
		}
		return err
	}
	return validateDetector(opts)
}

// validateDetector covers what detect shares with serve.
func validateDetector(opts *Options) error {
	if _, err := emotion.For(opts.Locale); err != nil {
		return err
	}
	info, err := os.Stat(opts.DetectorScript)
	if err != nil {
		return fmt.Errorf("detector script: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("detector script %s is a directory", opts.DetectorScript)
	}
	if opts.DetectorTimeout < 0 {
		return fmt.Errorf("detector-timeout must be >= 0, got %s", opts.DetectorTimeout)
	}
	return nil
}

func runServe(ctx context.Context, opts Options) error {
	if err := validateServeFlags(&opts); err != nil {
		utils.ShowError("Invalid flags", err, nil)
		return err
	}
	vocab, _ := emotion.For(opts.Locale)

	d := display.New(vocab.Messages.Loading, render.Idle(vocab))
	cam := &capture.FFmpegCamera{OpenTimeout: opts.OpenTimeout, Log: log}
	ctrl := capture.NewController(cam, capture.Constraints{
		Device: opts.Device,
		Format: opts.Format,
		FPS:    opts.FPS,
		Loop:   opts.Loop,
	}, d, vocab, log)

	fmt.Fprintln(os.Stderr, "🚀 Starting expression engine...")
	w, err := worker.NewPythonWorker(ctx, 0, worker.Config{
		Python:      opts.Python,
		Script:      opts.DetectorScript,
		InputSize:   opts.InputSize,
		ReadTimeout: opts.DetectorTimeout,
	})
	if err != nil {
		utils.ShowError("Failed to start expression engine", err, nil)
		return err
	}
	defer w.Close()

	loop := detection.NewLoop(w, ctrl, d, vocab, opts.Interval, log)
	ctrl.Attach(loop)
	snaps := snapshot.NewManager(ctrl, d, vocab, opts.SnapshotRevert, log)

	srv, err := server.New(
		server.WithLogger(log),
		server.WithController(ctrl),
		server.WithDisplay(d),
		server.WithSnapshots(snaps),
	)
	if err != nil {
		return err
	}

	listenErr := make(chan error, 1)
	go func() { listenErr <- srv.Listen(opts.Addr) }()
	fmt.Fprintf(os.Stderr, "🌐 Viewer at http://%s\n", opts.Addr)

	// The page is already up and shows the loading status meanwhile.
	if err := waitForModels(ctx, w); err != nil {
		ctrl.SetReady(err)
		if ctx.Err() == nil {
			// DRAIN: reap the process so its stderr is complete
			w.Close()
			utils.ShowError("Model load failed", err, w.Cmd)
			fmt.Fprintln(os.Stderr, "⚠️  The viewer stays up to show the error. Restart once the detector is fixed.")
		}
	} else {
		ctrl.SetReady(nil)
		fmt.Fprintln(os.Stderr, "✅ Models loaded. Press Ctrl+C to quit.")
	}

	select {
	case <-ctx.Done():
	case err := <-listenErr:
		if err != nil {
			ctrl.Stop()
			utils.ShowError("Viewer server failed", err, nil)
			return err
		}
	}

	fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	ctrl.Stop()
	if err := srv.Shutdown(5 * time.Second); err != nil {
		log.WithError(err).Warn("Viewer did not shut down cleanly")
	}
	loop.Wait()
	passes, skipped := loop.Stats()
	fmt.Fprintf(os.Stderr, "🏁 Done. %d detection passes, %d ticks skipped while busy, %d snapshots.\n", passes, skipped, len(snaps.List()))
	return nil
}

// waitForModels shows a spinner on stderr until the detector handshake arrives.
func waitForModels(ctx context.Context, w *worker.PythonWorker) error {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🧠 Loading expression models"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				bar.Add(1)
			}
		}
	}()

	err := w.WaitReady(ctx)
	close(done)
	bar.Finish()
	return err
}
