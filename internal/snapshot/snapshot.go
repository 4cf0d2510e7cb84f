// Package snapshot captures the current frame with its overlay into an
// in-memory gallery.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"sync"
	"time"

	"github.com/andresmejia3/moodlens/internal/capture"
	"github.com/andresmejia3/moodlens/internal/display"
	"github.com/andresmejia3/moodlens/internal/emotion"
	"github.com/andresmejia3/moodlens/internal/render"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultRevert is how long the "snapshot taken" status stays up.
const DefaultRevert = 2 * time.Second

var (
	ErrNotRunning = errors.New("camera is not running")
	ErrNoFrame    = errors.New("no frame received yet")
	ErrNotFound   = errors.New("snapshot not found")
)

// Record is one gallery entry. Records are never mutated after Take returns them.
type Record struct {
	ID      string
	Label   emotion.Label
	Glyph   string
	TakenAt time.Time
	Width   int
	Height  int
	PNG     []byte
}

type Manager struct {
	ctrl    *capture.Controller
	display *display.Display
	vocab   *emotion.Vocabulary
	revert  time.Duration
	log     *logrus.Logger

	// URLPrefix is joined with the record ID to form the gallery image URL.
	URLPrefix string

	mu      sync.RWMutex
	records []*Record
	byID    map[string]*Record
}

func NewManager(ctrl *capture.Controller, d *display.Display, v *emotion.Vocabulary, revert time.Duration, log *logrus.Logger) *Manager {
	if revert <= 0 {
		revert = DefaultRevert
	}
	return &Manager{
		ctrl:      ctrl,
		display:   d,
		vocab:     v,
		revert:    revert,
		log:       log,
		URLPrefix: "/api/snapshots/",
		byID:      make(map[string]*Record),
	}
}

// Take composites the newest frame and the current overlay into a PNG and
// appends it to the gallery.
func (m *Manager) Take() (*Record, error) {
	sess := m.ctrl.Session()
	if sess == nil {
		m.display.SetStatus(m.vocab.Messages.SnapshotNeedsCamera)
		return nil, ErrNotRunning
	}
	frame, ok := sess.Stream().Latest()
	if !ok {
		m.display.SetStatus(m.vocab.Messages.SnapshotNoFrame)
		return nil, ErrNoFrame
	}

	img, err := Composite(frame.Data, m.display.Scene())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	label := sess.Dominant()
	rec := &Record{
		ID:      uuid.NewString(),
		Label:   label,
		Glyph:   m.vocab.Glyph(label),
		TakenAt: time.Now(),
		Width:   img.Bounds().Dx(),
		Height:  img.Bounds().Dy(),
		PNG:     buf.Bytes(),
	}

	published := m.ctrl.Guard(sess, func() {
		m.mu.Lock()
		m.records = append(m.records, rec)
		m.byID[rec.ID] = rec
		m.mu.Unlock()

		m.display.AddSnapshot(display.GalleryItem{
			ID:      rec.ID,
			URL:     m.URLPrefix + rec.ID,
			Glyph:   rec.Glyph,
			Label:   string(rec.Label),
			TakenAt: rec.TakenAt,
		})
		m.display.SetStatus(m.vocab.Messages.SnapshotTaken)
	})
	if !published {
		// Stopped while encoding.
		return nil, ErrNotRunning
	}

	m.log.WithFields(logrus.Fields{
		"snapshot": rec.ID,
		"session":  sess.ID,
		"label":    rec.Label,
		"bytes":    len(rec.PNG),
	}).Info("Snapshot taken")

	time.AfterFunc(m.revert, func() {
		m.ctrl.Guard(sess, func() {
			m.display.SetStatus(m.vocab.Messages.Running)
		})
	})
	return rec, nil
}

// Get returns a record by ID.
func (m *Manager) Get(id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// List returns the records in capture order.
func (m *Manager) List() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Record(nil), m.records...)
}

// Composite decodes a frame (JPEG from the camera, PNG accepted too) at native
// size and paints the scene's boxes over it.
func Composite(frame []byte, scene render.Scene) (*image.RGBA, error) {
	src, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	render.Paint(scene, dst)
	return dst, nil
}
