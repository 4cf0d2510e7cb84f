package cmd

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/moodlens/internal/emotion"
	"github.com/andresmejia3/moodlens/internal/render"
	"github.com/andresmejia3/moodlens/internal/types"
)

func TestPrintScene(t *testing.T) {
	v := emotion.Default()

	tests := []struct {
		name string
		pass types.DetectionPass
		want []string
	}{
		{
			name: "No faces",
			pass: types.DetectionPass{Width: 100, Height: 100},
			want: []string{v.Messages.NoFace},
		},
		{
			name: "One face",
			pass: types.DetectionPass{Width: 100, Height: 100, Faces: []types.Detection{{
				Box:         types.Box{X: 10, Y: 20, Width: 30, Height: 40},
				Expressions: map[string]float64{"happy": 0.8, "sad": 0.2},
			}}},
			want: []string{"FACE", "😄 Happy", "80%", "10,20 30x40", v.Messages.AllEmotions, "😢 Sad", "20%"},
		},
		{
			name: "Two faces",
			pass: types.DetectionPass{Width: 100, Height: 100, Faces: []types.Detection{
				{Box: types.Box{Width: 10, Height: 10}, Expressions: map[string]float64{"angry": 0.9}},
				{Box: types.Box{Width: 10, Height: 10}, Expressions: map[string]float64{"fearful": 0.7}},
			}},
			want: []string{"Multiple faces detected (2)", "😠 Angry", "😨 Fearful"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			printScene(&out, render.Build(tt.pass, image.Pt(100, 100), v), v)
			for _, w := range tt.want {
				if !strings.Contains(out.String(), w) {
					t.Errorf("Output missing %q:\n%s", w, out.String())
				}
			}
		})
	}
}

func TestPrintDevices(t *testing.T) {
	var out bytes.Buffer
	printDevices(&out, nil)
	if !strings.Contains(out.String(), "No capture devices") {
		t.Errorf("Unexpected output for no devices: %q", out.String())
	}

	out.Reset()
	printDevices(&out, []string{"/dev/video0", "/dev/video2"})
	if !strings.Contains(out.String(), "/dev/video0") || !strings.Contains(out.String(), "/dev/video2") {
		t.Errorf("Devices missing from output: %q", out.String())
	}
}

func TestWriteAnnotated(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 40, 40))
	var in bytes.Buffer
	if err := png.Encode(&in, src); err != nil {
		t.Fatal(err)
	}
	scene := render.Scene{Boxes: []render.Rect{{X: 5, Y: 5, Width: 20, Height: 20}}}

	path := filepath.Join(t.TempDir(), "out.png")
	if err := writeAnnotated(path, in.Bytes(), scene); err != nil {
		t.Fatalf("writeAnnotated() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if got := color.RGBAModel.Convert(img.At(5, 15)).(color.RGBA); got != render.StrokeColor {
		t.Errorf("Expected stroke at box edge, got %v", got)
	}
}
