package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/andresmejia3/moodlens/internal/types"
	"github.com/andresmejia3/moodlens/internal/utils"
	"github.com/sirupsen/logrus"
)

const megabyte = 1024 * 1024

// Constraints describe the stream being requested. Video only; the user-facing
// camera is whatever Device points at.
type Constraints struct {
	Device string
	Format string
	FPS    float64
	Loop   bool
}

// Camera hands out live streams.
type Camera interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a live frame source.
//
// Latest never blocks and returns the newest frame; Size is the native
// resolution; Close releases the device and is safe to call more than once.
type Stream interface {
	Latest() (types.Frame, bool)
	Size() image.Point
	Close() error
}

// FFmpegCamera opens webcams (or looping files) through an ffmpeg MJPEG pipe.
type FFmpegCamera struct {
	// OpenTimeout bounds the wait for the first frame.
	OpenTimeout time.Duration
	Log         *logrus.Logger
}

// Open starts ffmpeg and waits for the first frame, which fixes the native
// resolution. A missing device or denied permission makes ffmpeg exit; its
// last stderr line becomes the error.
func (c *FFmpegCamera) Open(ctx context.Context, cons Constraints) (Stream, error) {
	timeout := c.OpenTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := utils.NewFFmpegCaptureCmd(procCtx, utils.CaptureArgs{
		Device: cons.Device,
		Format: cons.Format,
		FPS:    cons.FPS,
		Loop:   cons.Loop,
	})
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &ffmpegStream{
		cmd:    cmd,
		cancel: cancel,
		first:  make(chan struct{}),
		done:   make(chan struct{}),
		log:    c.Log,
	}
	go s.read(bufio.NewScanner(out))

	select {
	case <-s.first:
		return s, nil
	case <-s.done:
		// Wait (inside Close) finishes copying stderr, read the reason after it
		s.Close()
		reason := cmd.LastLine()
		if reason == "" {
			reason = "capture process exited before the first frame"
		}
		return nil, errors.New(reason)
	case <-time.After(timeout):
		s.Close()
		return nil, fmt.Errorf("no frame from %s after %s", cons.Device, timeout)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

type ffmpegStream struct {
	cmd    *utils.SafeCommand
	cancel context.CancelFunc
	first  chan struct{}
	done   chan struct{}
	log    *logrus.Logger

	mu     sync.Mutex
	latest types.Frame
	have   bool
	size   image.Point

	closeOnce sync.Once
	closeErr  error
}

func (s *ffmpegStream) read(scanner *bufio.Scanner) {
	defer close(s.done)
	scanner.Buffer(make([]byte, megabyte), 16*megabyte)
	scanner.Split(utils.SplitJpeg)

	var seq uint64
	for scanner.Scan() {
		data := append([]byte(nil), scanner.Bytes()...)
		seq++

		s.mu.Lock()
		if !s.have {
			cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
			if err != nil {
				s.mu.Unlock()
				continue
			}
			s.size = image.Pt(cfg.Width, cfg.Height)
		}
		s.latest = types.Frame{
			Seq:       seq,
			Timestamp: time.Now(),
			Width:     s.size.X,
			Height:    s.size.Y,
			Data:      data,
		}
		first := !s.have
		s.have = true
		s.mu.Unlock()

		if first {
			close(s.first)
		}
	}
	if err := scanner.Err(); err != nil && s.log != nil {
		s.log.WithError(err).Warn("Frame scanner failed")
	}
}

func (s *ffmpegStream) Latest() (types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.have
}

func (s *ffmpegStream) Size() image.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Close stops ffmpeg, which releases the device, and reaps the process.
func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		if err := s.cmd.Wait(); err != nil && !isKilled(err) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

func isKilled(err error) bool {
	return err != nil && (errors.Is(err, context.Canceled) || err.Error() == "signal: killed")
}
