package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/andresmejia3/moodlens/internal/display"
	"github.com/andresmejia3/moodlens/internal/emotion"
	"github.com/andresmejia3/moodlens/internal/render"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotReady       = errors.New("models are not loaded")
	ErrAlreadyRunning = errors.New("camera is already running")
	ErrAborted        = errors.New("camera start was cancelled")
)

// Session is one period of camera activity. It is created by a successful
// Start and dies on Stop; nothing outlives it.
type Session struct {
	ID        string
	StartedAt time.Time

	stream Stream

	mu       sync.Mutex
	dominant emotion.Label
}

func newSession(s Stream) *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		stream:    s,
		dominant:  emotion.Neutral,
	}
}

func (s *Session) Stream() Stream { return s.stream }

// Dominant is the last dominant label the loop saw for this session.
func (s *Session) Dominant() emotion.Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dominant
}

func (s *Session) SetDominant(l emotion.Label) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dominant = l
}

// Runner is the detection loop as seen by the controller.
// Run and Halt are called with the controller lock held and must not block.
type Runner interface {
	Run(s *Session)
	Halt()
}

type phase int

const (
	loading phase = iota
	failed
	idle
	starting
	running
)

// Controller owns the camera and the single active session.
type Controller struct {
	camera  Camera
	cons    Constraints
	display *display.Display
	vocab   *emotion.Vocabulary
	log     *logrus.Logger

	mu         sync.Mutex
	phase      phase
	session    *Session
	runner     Runner
	abortStart context.CancelFunc
	// startSeq identifies the attempt that owns the starting phase
	startSeq uint64
}

func NewController(cam Camera, cons Constraints, d *display.Display, v *emotion.Vocabulary, log *logrus.Logger) *Controller {
	return &Controller{
		camera:  cam,
		cons:    cons,
		display: d,
		vocab:   v,
		log:     log,
		phase:   loading,
	}
}

// Attach wires the detection loop. Must happen before SetReady.
func (c *Controller) Attach(r Runner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runner = r
}

// SetReady ends the loading phase. A model error is final: start stays disabled.
func (c *Controller) SetReady(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != loading {
		return
	}
	msgs := c.vocab.Messages
	if err != nil {
		c.phase = failed
		c.display.SetPhase(display.PhaseFailed, msgs.LoadError+err.Error(), display.Controls{})
		c.log.WithError(err).Error("Model load failed")
		return
	}
	c.phase = idle
	c.display.SetPhase(display.PhaseIdle, msgs.Ready, idleControls)
}

// Snapshot stays clickable while idle; Take answers with a hint instead.
var (
	idleControls    = display.Controls{Start: true, Snapshot: true}
	runningControls = display.Controls{Stop: true, Snapshot: true}
)

// Start opens the camera and starts the detection loop. The open itself runs
// without the lock so Stop stays responsive; Stop during the open aborts it.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.phase {
	case loading, failed:
		c.mu.Unlock()
		return ErrNotReady
	case starting, running:
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	openCtx, abort := context.WithCancel(ctx)
	c.startSeq++
	attempt := c.startSeq
	c.abortStart = abort
	c.phase = starting
	c.display.SetPhase(display.PhaseStarting, c.vocab.Messages.Starting, display.Controls{})
	c.mu.Unlock()

	stream, err := c.camera.Open(openCtx, c.cons)

	c.mu.Lock()
	defer c.mu.Unlock()
	aborted := openCtx.Err() != nil
	abort()

	// A stopped attempt may return after a newer one began; it must leave
	// the newer attempt's state alone.
	owner := c.phase == starting && c.startSeq == attempt
	if owner {
		c.abortStart = nil
	}
	if err == nil && (aborted || !owner) {
		stream.Close()
		err = ErrAborted
	}
	if err != nil {
		if owner {
			c.phase = idle
			c.display.SetPhase(display.PhaseIdle, c.vocab.Messages.CameraError+err.Error(), idleControls)
		}
		c.log.WithError(err).WithField("device", c.cons.Device).Warn("Camera start failed")
		return err
	}

	sess := newSession(stream)
	c.session = sess
	c.phase = running
	c.display.SetSurface(stream.Size())
	c.display.SetScene(render.Idle(c.vocab))
	c.display.SetPhase(display.PhaseRunning, c.vocab.Messages.Running, runningControls)
	if c.runner != nil {
		c.runner.Run(sess)
	}
	c.log.WithFields(logrus.Fields{"session": sess.ID, "size": stream.Size()}).Info("Camera started")
	return nil
}

// Stop releases the camera, halts the loop and resets the surfaces.
// Safe to call at any time and any number of times.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == loading || c.phase == failed {
		return
	}
	if c.abortStart != nil {
		c.abortStart()
		c.abortStart = nil
	}
	if sess := c.session; sess != nil {
		c.session = nil
		if c.runner != nil {
			c.runner.Halt()
		}
		if err := sess.stream.Close(); err != nil {
			c.log.WithError(err).WithField("session", sess.ID).Warn("Camera did not close cleanly")
		}
		c.log.WithFields(logrus.Fields{
			"session":  sess.ID,
			"duration": time.Since(sess.StartedAt).Round(time.Millisecond),
		}).Info("Camera stopped")
	}

	c.phase = idle
	c.display.SetScene(render.Idle(c.vocab))
	c.display.SetSurface(image.Point{})
	c.display.SetPhase(display.PhaseIdle, c.vocab.Messages.Stopped, idleControls)
}

// Session returns the active session, nil when the camera is off.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Active reports whether s is still the live session.
func (c *Controller) Active(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s != nil && c.session == s
}

// Guard runs fn while s is still the live session, holding the controller lock
// so Stop cannot interleave. It reports whether fn ran.
func (c *Controller) Guard(s *Session, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == nil || c.session != s {
		return false
	}
	fn()
	return true
}
