// Package detection runs the periodic analysis of the live stream.
package detection

import (
	"context"
	"sync"
	"time"

	"github.com/andresmejia3/moodlens/internal/capture"
	"github.com/andresmejia3/moodlens/internal/display"
	"github.com/andresmejia3/moodlens/internal/emotion"
	"github.com/andresmejia3/moodlens/internal/render"
	"github.com/andresmejia3/moodlens/internal/types"
	"github.com/sirupsen/logrus"
)

// DefaultPeriod is the tick interval of the loop.
const DefaultPeriod = 100 * time.Millisecond

// Detector runs face and expression detection on one frame.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) (types.DetectionPass, error)
}

// Loop analyzes the newest frame of the active session every period and
// publishes the resulting scene.
//
// A pass runs on the loop goroutine, so at most one is in flight. Ticks that
// fire while a pass is running are dropped by the ticker and counted as skipped.
type Loop struct {
	detector Detector
	ctrl     *capture.Controller
	display  *display.Display
	vocab    *emotion.Vocabulary
	period   time.Duration
	log      *logrus.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	seq     uint64
	passes  uint64
	skipped uint64
}

func NewLoop(det Detector, ctrl *capture.Controller, d *display.Display, v *emotion.Vocabulary, period time.Duration, log *logrus.Logger) *Loop {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Loop{
		detector: det,
		ctrl:     ctrl,
		display:  d,
		vocab:    v,
		period:   period,
		log:      log,
	}
}

// Run starts ticking for sess. A loop already running for an older session is halted first.
func (l *Loop) Run(sess *capture.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	go l.run(ctx, sess, done)
}

// Halt stops ticking without waiting for an in-flight pass. Its result is
// discarded because the session is no longer active.
func (l *Loop) Halt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// Running reports whether a ticker is live.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Wait blocks until the last started loop goroutine has exited.
func (l *Loop) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stats returns the number of completed passes and of skipped ticks.
func (l *Loop) Stats() (passes, skipped uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.passes, l.skipped
}

func (l *Loop) run(ctx context.Context, sess *capture.Session, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	log := l.log.WithField("session", sess.ID)
	log.Debug("Detection loop started")
	defer log.Debug("Detection loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		started := time.Now()
		if !l.tick(ctx, sess, log) {
			l.finish(done)
			return
		}
		// Ticks dropped by the ticker while the pass ran.
		if missed := uint64(time.Since(started) / l.period); missed > 0 {
			l.mu.Lock()
			l.skipped += missed
			l.mu.Unlock()
		}
	}
}

// finish marks the loop idle after its session ended, unless a newer Run
// already replaced this goroutine.
func (l *Loop) finish(done chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == done && l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// tick runs one pass. It returns false when the loop should end.
func (l *Loop) tick(ctx context.Context, sess *capture.Session, log *logrus.Entry) bool {
	if !l.ctrl.Active(sess) {
		return false
	}
	frame, ok := sess.Stream().Latest()
	if !ok {
		return true
	}

	// Halt must not abort the pass: the worker would be killed mid-reply.
	// The worker's own read timeout bounds it instead.
	pass, err := l.detector.Detect(context.WithoutCancel(ctx), frame)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.WithError(err).Warn("Detection pass failed")
		return true
	}

	scene := render.Build(pass, l.display.SurfaceSize(), l.vocab)

	l.mu.Lock()
	l.seq++
	scene.Seq = l.seq
	l.passes++
	l.mu.Unlock()

	// Stop may have landed while the pass ran; the guard drops the result then.
	return l.ctrl.Guard(sess, func() {
		if label, ok := scene.Dominant(); ok {
			sess.SetDominant(label)
		}
		l.display.SetScene(scene)
	})
}
