// Package render turns a detection pass into the overlay the viewer shows:
// face boxes, emoji markers and the result panel.
//
// Build is pure. The caller replaces the whole previous Scene with the new one,
// so nothing from an earlier tick survives.
package render

import (
	"image"
	"image/color"

	"github.com/andresmejia3/moodlens/internal/emotion"
	"github.com/andresmejia3/moodlens/internal/types"
)

const (
	// Marker placement relative to the face box, in surface pixels.
	MarkerHalfWidth = 20
	MarkerLift      = 50

	StrokeWidth = 2
)

// StrokeColor is royal blue, #4169e1.
var StrokeColor = color.RGBA{R: 0x41, G: 0x69, B: 0xe1, A: 0xff}

// Rect is a face box scaled to the drawing surface.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Marker is the emoji element floating above a face.
type Marker struct {
	Glyph string        `json:"glyph"`
	Label emotion.Label `json:"label"`
	X     float64       `json:"x"`
	Y     float64       `json:"y"`
}

// Entry is one row of the panel breakdown.
type Entry struct {
	Label   emotion.Label `json:"label"`
	Name    string        `json:"name"`
	Glyph   string        `json:"glyph"`
	Percent int           `json:"percent"`
}

// Face is the per-face summary. Scenes keep all of them even though the panel shows one.
type Face struct {
	Box      Rect          `json:"box"`
	Dominant emotion.Label `json:"dominant"`
	Name     string        `json:"name"`
	Glyph    string        `json:"glyph"`
	Percent  int           `json:"percent"`
}

// Panel is the result surface. Message is set when there is nothing to break down.
type Panel struct {
	Message   string  `json:"message,omitempty"`
	Headline  *Entry  `json:"headline,omitempty"`
	Title     string  `json:"title,omitempty"`
	Breakdown []Entry `json:"breakdown,omitempty"`
}

// Scene is everything drawn for one tick.
type Scene struct {
	Seq     uint64   `json:"seq"`
	Boxes   []Rect   `json:"boxes"`
	Markers []Marker `json:"markers"`
	Faces   []Face   `json:"faces"`
	Panel   Panel    `json:"panel"`
}

// Idle is the cleared scene shown while the camera is off.
func Idle(v *emotion.Vocabulary) Scene {
	return Scene{Panel: Panel{Message: v.Messages.IdleResult}}
}

// Dominant returns the dominant label of the last face, the one the panel shows.
func (s Scene) Dominant() (emotion.Label, bool) {
	if len(s.Faces) == 0 {
		return "", false
	}
	return s.Faces[len(s.Faces)-1].Dominant, true
}

// Build maps a detection pass onto a surface of the given size.
func Build(pass types.DetectionPass, surface image.Point, v *emotion.Vocabulary) Scene {
	if len(pass.Faces) == 0 {
		return Scene{Panel: Panel{Message: v.Messages.NoFace}}
	}

	sx, sy := scale(pass, surface)
	scene := Scene{
		Boxes:   make([]Rect, 0, len(pass.Faces)),
		Markers: make([]Marker, 0, len(pass.Faces)),
		Faces:   make([]Face, 0, len(pass.Faces)),
	}

	for _, det := range pass.Faces {
		box := Rect{
			X:      det.Box.X * sx,
			Y:      det.Box.Y * sy,
			Width:  det.Box.Width * sx,
			Height: det.Box.Height * sy,
		}
		scores := emotion.FromMap(det.Expressions)
		label, p := emotion.Dominant(scores)

		scene.Boxes = append(scene.Boxes, box)
		scene.Markers = append(scene.Markers, Marker{
			Glyph: v.Glyph(label),
			Label: label,
			X:     box.X + box.Width/2 - MarkerHalfWidth,
			Y:     box.Y - MarkerLift,
		})
		scene.Faces = append(scene.Faces, Face{
			Box:      box,
			Dominant: label,
			Name:     v.Name(label),
			Glyph:    v.Glyph(label),
			Percent:  emotion.Percent(p),
		})

		// One panel, overwritten by each face: the last face processed wins.
		scene.Panel = panelFor(label, p, scores, v)
	}
	return scene
}

func panelFor(label emotion.Label, p float64, scores emotion.Scores, v *emotion.Vocabulary) Panel {
	panel := Panel{
		Headline: &Entry{
			Label:   label,
			Name:    v.Name(label),
			Glyph:   v.Glyph(label),
			Percent: emotion.Percent(p),
		},
		Title: v.Messages.AllEmotions,
	}
	for _, l := range emotion.Labels() {
		panel.Breakdown = append(panel.Breakdown, Entry{
			Label:   l,
			Name:    v.Name(l),
			Glyph:   v.Glyph(l),
			Percent: emotion.Percent(scores[l]),
		})
	}
	return panel
}

// scale converts model coordinates to surface coordinates.
func scale(pass types.DetectionPass, surface image.Point) (float64, float64) {
	if pass.Width <= 0 || pass.Height <= 0 || surface.X <= 0 || surface.Y <= 0 {
		return 1, 1
	}
	return float64(surface.X) / float64(pass.Width), float64(surface.Y) / float64(pass.Height)
}
