// Package display holds what the viewer page shows: the status line, which
// controls are enabled, the current overlay scene and the snapshot gallery.
//
// Every change publishes a full copy of the state. Subscribers get a one-slot
// mailbox that always holds the newest state; a slow page skips intermediate
// states instead of blocking the detection loop.
package display

import (
	"image"
	"sync"
	"time"

	"github.com/andresmejia3/moodlens/internal/render"
)

// Phase is the lifecycle phase shown to the user.
type Phase string

const (
	PhaseLoading  Phase = "loading"
	PhaseFailed   Phase = "failed"
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
)

// Controls is the enablement of the three buttons.
type Controls struct {
	Start    bool `json:"start"`
	Stop     bool `json:"stop"`
	Snapshot bool `json:"snapshot"`
}

// Surface is the drawing surface size, set from the stream's native resolution.
type Surface struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// GalleryItem is the display side of a snapshot record.
type GalleryItem struct {
	ID      string    `json:"id"`
	URL     string    `json:"url"`
	Glyph   string    `json:"glyph"`
	Label   string    `json:"label"`
	TakenAt time.Time `json:"taken_at"`
}

// State is a point-in-time copy of everything on screen.
type State struct {
	Version  uint64        `json:"version"`
	Phase    Phase         `json:"phase"`
	Status   string        `json:"status"`
	Controls Controls      `json:"controls"`
	Surface  Surface       `json:"surface"`
	Scene    render.Scene  `json:"scene"`
	Gallery  []GalleryItem `json:"gallery"`
}

type Display struct {
	mu     sync.Mutex
	state  State
	subs   map[int]chan State
	nextID int
}

// New returns a display in the loading phase with every control disabled.
func New(status string, scene render.Scene) *Display {
	return &Display{
		state: State{
			Phase:  PhaseLoading,
			Status: status,
			Scene:  scene,
		},
		subs: make(map[int]chan State),
	}
}

// State returns a copy of the current state.
func (d *Display) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.copyLocked()
}

// Scene returns the scene currently drawn.
func (d *Display) Scene() render.Scene {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Scene
}

// SurfaceSize returns the drawing surface dimensions.
func (d *Display) SurfaceSize() image.Point {
	d.mu.Lock()
	defer d.mu.Unlock()
	return image.Pt(d.state.Surface.Width, d.state.Surface.Height)
}

func (d *Display) SetStatus(status string) {
	d.update(func(s *State) { s.Status = status })
}

// SetPhase moves to a new phase with its status line and control enablement in one publish.
func (d *Display) SetPhase(p Phase, status string, c Controls) {
	d.update(func(s *State) {
		s.Phase = p
		s.Status = status
		s.Controls = c
	})
}

// SetSurface sizes the drawing surface.
func (d *Display) SetSurface(size image.Point) {
	d.update(func(s *State) { s.Surface = Surface{Width: size.X, Height: size.Y} })
}

// SetScene replaces the overlay and result panel.
func (d *Display) SetScene(scene render.Scene) {
	d.update(func(s *State) { s.Scene = scene })
}

// AddSnapshot appends to the gallery.
func (d *Display) AddSnapshot(item GalleryItem) {
	d.update(func(s *State) { s.Gallery = append(s.Gallery, item) })
}

func (d *Display) update(fn func(*State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.state)
	d.state.Version++
	snap := d.copyLocked()
	for _, ch := range d.subs {
		offer(ch, snap)
	}
}

// Subscribe returns a channel that receives the current state right away and
// every later state. cancel closes the channel.
func (d *Display) Subscribe() (<-chan State, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	ch := make(chan State, 1)
	ch <- d.copyLocked()
	d.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// offer replaces whatever is waiting in the mailbox with s. Callers hold d.mu,
// which makes this the only sender.
func offer(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- s
}

func (d *Display) copyLocked() State {
	s := d.state
	s.Gallery = append([]GalleryItem(nil), d.state.Gallery...)
	return s
}
