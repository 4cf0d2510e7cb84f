package server

import (
	"embed"
	"errors"
	"io/fs"
	"path"

	"github.com/andresmejia3/moodlens/internal/capture"
	"github.com/andresmejia3/moodlens/internal/display"
	"github.com/andresmejia3/moodlens/internal/snapshot"
	"github.com/gofiber/fiber/v2"
)

//go:embed web
var webFS embed.FS

func (s *Server) index(c *fiber.Ctx) error {
	page, err := webFS.ReadFile("web/index.html")
	if err != nil {
		return err
	}
	c.Type("html", "utf-8")
	return c.Send(page)
}

func (s *Server) static(c *fiber.Ctx) error {
	name := path.Clean("/" + c.Params("*"))
	data, err := fs.ReadFile(webFS, "web/static"+name)
	if err != nil {
		return fiber.ErrNotFound
	}
	c.Type(path.Ext(name))
	return c.Send(data)
}

func (s *Server) getState(c *fiber.Ctx) error {
	return c.JSON(s.display.State())
}

func (s *Server) startCamera(c *fiber.Ctx) error {
	if err := s.ctrl.Start(c.UserContext()); err != nil {
		status := fiber.StatusConflict
		if !errors.Is(err, capture.ErrNotReady) && !errors.Is(err, capture.ErrAlreadyRunning) {
			s.log.WithField("request_id", getRequestID(c)).WithError(err).Warn("Camera start refused")
		}
		return c.Status(status).JSON(fiber.Map{
			"error": err.Error(),
			"state": s.display.State(),
		})
	}
	return c.JSON(s.display.State())
}

// stopCamera also serves the page's unload beacon.
func (s *Server) stopCamera(c *fiber.Ctx) error {
	s.ctrl.Stop()
	return c.JSON(s.display.State())
}

func (s *Server) takeSnapshot(c *fiber.Ctx) error {
	rec, err := s.snapshots.Take()
	if errors.Is(err, snapshot.ErrNotRunning) || errors.Is(err, snapshot.ErrNoFrame) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
			"state": s.display.State(),
		})
	}
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(s.galleryItem(rec))
}

func (s *Server) listSnapshots(c *fiber.Ctx) error {
	recs := s.snapshots.List()
	items := make([]display.GalleryItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, s.galleryItem(rec))
	}
	return c.JSON(items)
}

func (s *Server) getSnapshot(c *fiber.Ctx) error {
	rec, err := s.snapshots.Get(c.Params("id"))
	if errors.Is(err, snapshot.ErrNotFound) {
		return fiber.ErrNotFound
	}
	if err != nil {
		return err
	}
	c.Type("png")
	c.Set(fiber.HeaderContentDisposition, `inline; filename="moodlens-`+rec.ID+`.png"`)
	return c.Send(rec.PNG)
}

func (s *Server) galleryItem(rec *snapshot.Record) display.GalleryItem {
	return display.GalleryItem{
		ID:      rec.ID,
		URL:     s.snapshots.URLPrefix + rec.ID,
		Glyph:   rec.Glyph,
		Label:   string(rec.Label),
		TakenAt: rec.TakenAt,
	}
}
