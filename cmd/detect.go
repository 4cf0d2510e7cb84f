package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/moodlens/internal/emotion"
	"github.com/andresmejia3/moodlens/internal/render"
	"github.com/andresmejia3/moodlens/internal/snapshot"
	"github.com/andresmejia3/moodlens/internal/types"
	"github.com/andresmejia3/moodlens/internal/utils"
	"github.com/andresmejia3/moodlens/internal/worker"
	"github.com/spf13/cobra"
)

var (
	detectOpts Options
	annotate   string
)

var detectCmd = &cobra.Command{
	Use:   "detect <image_path>",
	Short: "Analyze the expressions in a single image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDetect(cmd.Context(), args[0], detectOpts)
	},
}

func init() {
	addDetectorFlags(detectCmd, &detectOpts)
	detectCmd.Flags().StringVarP(&annotate, "annotate", "o", "", "Write the image with face boxes to this PNG file")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(ctx context.Context, imagePath string, opts Options) error {
	if err := validateDetector(&opts); err != nil {
		utils.ShowError("Invalid flags", err, nil)
		return err
	}
	vocab, _ := emotion.For(opts.Locale)

	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(imgData))
	if err != nil {
		utils.ShowError("Unsupported image", err, nil)
		return err
	}

	// The first pass also warms the model up
	timeout := opts.DetectorTimeout
	if timeout > 0 {
		timeout = max(timeout, 60*time.Second)
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting expression engine...")
	w, err := worker.NewPythonWorker(ctx, 0, worker.Config{
		Python:      opts.Python,
		Script:      opts.DetectorScript,
		InputSize:   opts.InputSize,
		ReadTimeout: timeout,
	})
	if err != nil {
		utils.ShowError("Failed to start expression engine", err, nil)
		return err
	}
	defer w.Close()

	if err := waitForModels(ctx, w); err != nil {
		// DRAIN: reap the process before reading its stderr; the deferred Close is a no-op then
		w.Close()
		utils.ShowError("Model load failed", err, w.Cmd)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing expressions...")
	frame := types.Frame{Seq: 1, Timestamp: time.Now(), Width: cfg.Width, Height: cfg.Height, Data: imgData}
	pass, err := w.Detect(ctx, frame)
	if err != nil {
		// DRAIN
		w.Close()
		utils.ShowError("Expression analysis failed", err, w.Cmd)
		return err
	}

	scene := render.Build(pass, image.Pt(cfg.Width, cfg.Height), vocab)
	printScene(os.Stdout, scene, vocab)

	if annotate != "" {
		if err := writeAnnotated(annotate, imgData, scene); err != nil {
			utils.ShowError("Failed to write annotated image", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🖼️  Annotated image written to %s\n", annotate)
	}
	return nil
}

// printScene writes one row per face followed by the panel breakdown.
func printScene(out io.Writer, scene render.Scene, v *emotion.Vocabulary) {
	if len(scene.Faces) == 0 {
		fmt.Fprintf(out, "❌ %s\n", scene.Panel.Message)
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tEMOTION\tCONFIDENCE\tBOX")
	fmt.Fprintln(w, "----\t-------\t----------\t---")
	for i, f := range scene.Faces {
		fmt.Fprintf(w, "%d\t%s %s\t%d%%\t%.0f,%.0f %.0fx%.0f\n",
			i+1, f.Glyph, f.Name, f.Percent, f.Box.X, f.Box.Y, f.Box.Width, f.Box.Height)
	}
	w.Flush()

	if len(scene.Faces) > 1 {
		fmt.Fprintf(out, "\n⚠️  Multiple faces detected (%d). The breakdown shows face %d.\n", len(scene.Faces), len(scene.Faces))
	}
	fmt.Fprintf(out, "\n%s\n", v.Messages.AllEmotions)
	w = tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	for _, e := range scene.Panel.Breakdown {
		fmt.Fprintf(w, "  %s %s\t%d%%\n", e.Glyph, e.Name, e.Percent)
	}
	w.Flush()
}

func writeAnnotated(path string, imgData []byte, scene render.Scene) error {
	img, err := snapshot.Composite(imgData, scene)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
