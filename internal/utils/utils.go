package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (ffmpeg / Python logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// LastLine returns the last non-empty line the process wrote to stderr.
// ffmpeg puts the human-readable reason ("Permission denied", "No such file") there.
func (s *SafeCommand) LastLine() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(s.Stderr.String()), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// ShowError prints a formatted error box and dumps child process logs if a SafeCommand is provided.
// Unlike a hard exit it leaves the decision to the caller, so deferred cleanup (camera, worker) still runs.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 MOODLENS ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Camera Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// CaptureArgs describes what ffmpeg should open.
type CaptureArgs struct {
	Device string  // e.g. /dev/video0, "0" for avfoundation, or a file/URL
	Format string  // ffmpeg input format: v4l2, avfoundation, dshow; empty lets ffmpeg probe
	FPS    float64 // requested capture rate; 0 keeps the device default
	Loop   bool    // loop a file input forever (demo / testing without a webcam)
}

// NewFFmpegCaptureCmd creates the capture pipe
// It configures FFmpeg to output MJPEG frames to Stdout so SplitJpeg can cut them apart.
func NewFFmpegCaptureCmd(ctx context.Context, a CaptureArgs) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if a.Format != "" {
		args = append(args, "-f", a.Format)
	}
	if a.FPS > 0 && a.Format != "" {
		args = append(args, "-framerate", strconv.FormatFloat(a.FPS, 'f', -1, 64))
	}
	if a.Loop {
		args = append(args, "-re", "-stream_loop", "-1")
	}
	args = append(args, "-i", a.Device, "-an")
	if a.FPS > 0 {
		args = append(args, "-r", strconv.FormatFloat(a.FPS, 'f', -1, 64))
	}
	// -q:v 5 keeps frames small enough for the MJPEG preview and the model pipe
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
	return NewSafeCommand(ctx, "ffmpeg", args...)
}

// ListVideoDevices returns the V4L2 capture nodes present on this machine.
func ListVideoDevices() ([]string, error) {
	devices, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Slice(devices, func(i, j int) bool {
		ni, _ := strconv.Atoi(strings.TrimPrefix(devices[i], "/dev/video"))
		nj, _ := strconv.Atoi(strings.TrimPrefix(devices[j], "/dev/video"))
		return ni < nj
	})
	return devices, nil
}
