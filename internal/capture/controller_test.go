package capture

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/moodlens/internal/display"
	"github.com/andresmejia3/moodlens/internal/emotion"
	"github.com/andresmejia3/moodlens/internal/render"
	"github.com/andresmejia3/moodlens/internal/types"
	"github.com/sirupsen/logrus"
)

type fakeStream struct {
	size   image.Point
	closed atomic.Int32
}

func (s *fakeStream) Latest() (types.Frame, bool) {
	return types.Frame{Seq: 1, Width: s.size.X, Height: s.size.Y}, true
}
func (s *fakeStream) Size() image.Point { return s.size }
func (s *fakeStream) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeCamera struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
	// gate, when set, holds Open until it is closed
	gate chan struct{}
	// gates hold successive Opens, one each, ahead of gate
	gates []chan struct{}
	calls atomic.Int32
}

func (c *fakeCamera) Open(ctx context.Context, _ Constraints) (Stream, error) {
	c.mu.Lock()
	var g chan struct{}
	if len(c.gates) > 0 {
		g, c.gates = c.gates[0], c.gates[1:]
	}
	c.mu.Unlock()
	c.calls.Add(1)
	if g != nil {
		<-g
	}
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return nil, c.err
	}
	s := &fakeStream{size: image.Pt(640, 480)}
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

type fakeRunner struct {
	runs, halts int
}

func (r *fakeRunner) Run(*Session) { r.runs++ }
func (r *fakeRunner) Halt()        { r.halts++ }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestController(cam Camera) (*Controller, *display.Display, *fakeRunner) {
	v := emotion.Default()
	d := display.New(v.Messages.Loading, render.Idle(v))
	c := NewController(cam, Constraints{Device: "/dev/video0"}, d, v, quietLogger())
	r := &fakeRunner{}
	c.Attach(r)
	return c, d, r
}

func TestStartBeforeReady(t *testing.T) {
	c, d, _ := newTestController(&fakeCamera{})

	if err := c.Start(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady, got %v", err)
	}
	if d.State().Controls.Start {
		t.Error("Start must stay disabled while loading")
	}
}

func TestSetReady(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantPhase display.Phase
		wantStart bool
	}{
		{"Loaded", nil, display.PhaseIdle, true},
		{"Failed", errors.New("weights missing"), display.PhaseFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, d, _ := newTestController(&fakeCamera{})
			c.SetReady(tt.err)

			s := d.State()
			if s.Phase != tt.wantPhase {
				t.Errorf("Expected phase %s, got %s", tt.wantPhase, s.Phase)
			}
			if s.Controls.Start != tt.wantStart {
				t.Errorf("Expected start enabled=%v, got %v", tt.wantStart, s.Controls.Start)
			}
			if tt.err != nil && s.Status != emotion.Default().Messages.LoadError+tt.err.Error() {
				t.Errorf("Unexpected status %q", s.Status)
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	cam := &fakeCamera{}
	c, d, r := newTestController(cam)
	c.SetReady(nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s := d.State()
	if s.Phase != display.PhaseRunning || !s.Controls.Stop || !s.Controls.Snapshot || s.Controls.Start {
		t.Errorf("Unexpected running state: %+v", s)
	}
	if s.Surface != (display.Surface{Width: 640, Height: 480}) {
		t.Errorf("Expected surface sized to stream, got %+v", s.Surface)
	}
	if r.runs != 1 {
		t.Errorf("Expected loop started once, got %d", r.runs)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	sess := c.Session()
	c.Stop()
	c.Stop()

	if n := cam.streams[0].closed.Load(); n != 1 {
		t.Errorf("Expected stream released exactly once, got %d", n)
	}
	if c.Session() != nil || c.Active(sess) {
		t.Error("Expected no active session after stop")
	}
	s = d.State()
	if s.Phase != display.PhaseIdle || !s.Controls.Start || s.Controls.Stop {
		t.Errorf("Unexpected stopped state: %+v", s)
	}
	if s.Scene.Panel.Message != emotion.Default().Messages.IdleResult || len(s.Scene.Boxes) != 0 {
		t.Errorf("Expected cleared scene, got %+v", s.Scene)
	}
	if r.halts != 1 {
		t.Errorf("Expected loop halted once, got %d", r.halts)
	}
}

func TestStopWithoutStart(t *testing.T) {
	c, d, _ := newTestController(&fakeCamera{})
	c.SetReady(nil)

	// Must be a no-op apart from the status line
	c.Stop()
	if s := d.State(); s.Phase != display.PhaseIdle || !s.Controls.Start {
		t.Errorf("Unexpected state after stop: %+v", s)
	}
}

func TestStartCameraError(t *testing.T) {
	c, d, r := newTestController(&fakeCamera{err: errors.New("Permission denied")})
	c.SetReady(nil)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Expected an error")
	}
	s := d.State()
	if s.Phase != display.PhaseIdle || !s.Controls.Start {
		t.Errorf("Expected idle with start enabled, got %+v", s)
	}
	if want := emotion.Default().Messages.CameraError + "Permission denied"; s.Status != want {
		t.Errorf("Expected status %q, got %q", want, s.Status)
	}
	if r.runs != 0 {
		t.Error("Loop must not start without a camera")
	}
}

func TestStopDuringStart(t *testing.T) {
	cam := &fakeCamera{gate: make(chan struct{})}
	c, d, r := newTestController(cam)
	c.SetReady(nil)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	deadline := time.After(time.Second)
	for d.State().Phase != display.PhaseStarting {
		select {
		case <-deadline:
			t.Fatal("Start never reached the starting phase")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	c.Stop()
	close(cam.gate)

	if err := <-done; !errors.Is(err, ErrAborted) {
		t.Errorf("Expected ErrAborted, got %v", err)
	}
	if c.Session() != nil {
		t.Error("Expected no session after an aborted start")
	}
	if n := cam.streams[0].closed.Load(); n != 1 {
		t.Errorf("Expected late stream released once, got %d", n)
	}
	if r.runs != 0 {
		t.Error("Loop must not start after an aborted start")
	}
}

func waitCalls(t *testing.T, cam *fakeCamera, want int32) {
	t.Helper()
	deadline := time.After(time.Second)
	for cam.calls.Load() < want {
		select {
		case <-deadline:
			t.Fatalf("Expected %d opens, got %d", want, cam.calls.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestRestartWhileStoppedOpenPending(t *testing.T) {
	first, second := make(chan struct{}), make(chan struct{})
	cam := &fakeCamera{gates: []chan struct{}{first, second}}
	c, d, r := newTestController(cam)
	c.SetReady(nil)

	doneA := make(chan error, 1)
	go func() { doneA <- c.Start(context.Background()) }()
	waitCalls(t, cam, 1)
	c.Stop()

	doneB := make(chan error, 1)
	go func() { doneB <- c.Start(context.Background()) }()
	waitCalls(t, cam, 2)

	// The stopped attempt returns while the retry is still opening
	close(first)
	if err := <-doneA; !errors.Is(err, ErrAborted) {
		t.Errorf("First start: expected ErrAborted, got %v", err)
	}
	s := d.State()
	if s.Phase != display.PhaseStarting || s.Controls.Start {
		t.Errorf("Retry state overwritten by stale attempt: phase=%s start=%v status=%q", s.Phase, s.Controls.Start, s.Status)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Third start while retry opens: expected ErrAlreadyRunning, got %v", err)
	}

	close(second)
	if err := <-doneB; err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if c.Session() == nil || d.State().Phase != display.PhaseRunning {
		t.Errorf("Expected retry running, got phase %s", d.State().Phase)
	}
	if r.runs != 1 {
		t.Errorf("Expected loop started once, got %d", r.runs)
	}

	cam.mu.Lock()
	defer cam.mu.Unlock()
	if len(cam.streams) != 2 {
		t.Fatalf("Expected two opens, got %d", len(cam.streams))
	}
	if n := cam.streams[0].closed.Load(); n != 1 {
		t.Errorf("Expected stale stream released once, got %d", n)
	}
	if n := cam.streams[1].closed.Load(); n != 0 {
		t.Errorf("Live stream must stay open, closed %d times", n)
	}
}

func TestGuard(t *testing.T) {
	c, _, _ := newTestController(&fakeCamera{})
	c.SetReady(nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess := c.Session()

	ran := c.Guard(sess, func() {})
	if !ran {
		t.Error("Expected guard to run for the live session")
	}

	c.Stop()
	if c.Guard(sess, func() { t.Error("Guarded work ran after stop") }) {
		t.Error("Expected guard to refuse a dead session")
	}
	if c.Guard(nil, func() {}) {
		t.Error("Expected guard to refuse a nil session")
	}
}

func TestSessionDominant(t *testing.T) {
	s := newSession(&fakeStream{})
	if s.Dominant() != emotion.Neutral {
		t.Errorf("Expected neutral default, got %s", s.Dominant())
	}
	s.SetDominant(emotion.Happy)
	if s.Dominant() != emotion.Happy {
		t.Errorf("Expected happy, got %s", s.Dominant())
	}
	if s.ID == "" {
		t.Error("Expected session ID")
	}
}
