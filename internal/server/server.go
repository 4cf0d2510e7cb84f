// Package server exposes the viewer to a local browser: the page, a JSON API
// for the controls, the live MJPEG view and a WebSocket pushing display state.
package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/moodlens/internal/capture"
	"github.com/andresmejia3/moodlens/internal/display"
	"github.com/andresmejia3/moodlens/internal/snapshot"
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

// DefaultFrameInterval paces the MJPEG view.
const DefaultFrameInterval = 40 * time.Millisecond

type ServerOption func(*Server) error

type Server struct {
	engine    *fiber.App
	log       *logrus.Logger
	ctrl      *capture.Controller
	display   *display.Display
	snapshots *snapshot.Manager

	frameInterval time.Duration

	done     chan struct{}
	doneOnce sync.Once
}

func NewFiber() *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               "moodlens",
		BodyLimit:             1024 * 1024,
		StrictRouting:         true,
		CaseSensitive:         true,
		DisableStartupMessage: true,
		JSONEncoder:           jsoniter.Marshal,
		JSONDecoder:           jsoniter.Unmarshal,
		ErrorHandler:          errorHandler,
	})
}

// New applies the options and registers every route.
func New(options ...ServerOption) (*Server, error) {
	s := &Server{
		frameInterval: DefaultFrameInterval,
		done:          make(chan struct{}),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if s.engine == nil {
		s.engine = NewFiber()
	}
	if s.log == nil {
		return nil, errors.New("logger is required")
	}
	if s.ctrl == nil || s.display == nil || s.snapshots == nil {
		return nil, errors.New("controller, display and snapshots are required")
	}

	s.routes()
	return s, nil
}

func WithFiber(app *fiber.App) ServerOption {
	return func(s *Server) error {
		s.engine = app
		return nil
	}
}

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithController(ctrl *capture.Controller) ServerOption {
	return func(s *Server) error {
		s.ctrl = ctrl
		return nil
	}
}

func WithDisplay(d *display.Display) ServerOption {
	return func(s *Server) error {
		s.display = d
		return nil
	}
}

func WithSnapshots(m *snapshot.Manager) ServerOption {
	return func(s *Server) error {
		s.snapshots = m
		return nil
	}
}

func WithFrameInterval(d time.Duration) ServerOption {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("frame interval must be positive, got %s", d)
		}
		s.frameInterval = d
		return nil
	}
}

func (s *Server) App() *fiber.App { return s.engine }

func (s *Server) routes() {
	s.engine.Use(requestID(), s.requestLogger())

	s.engine.Get("/", s.index)
	s.engine.Get("/static/*", s.static)

	api := s.engine.Group("/api")
	api.Get("/state", s.getState)
	api.Post("/camera/start", s.startCamera)
	api.Post("/camera/stop", s.stopCamera)
	api.Post("/snapshots", s.takeSnapshot)
	api.Get("/snapshots", s.listSnapshots)
	api.Get("/snapshots/:id", s.getSnapshot)

	s.engine.Get("/stream.mjpg", s.streamMJPEG)

	s.engine.Use("/ws", wsUpgradeOnly)
	s.engine.Get("/ws", s.stateSocket())
}

// Listen serves until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.WithField("addr", addr).Info("Viewer listening")
	return s.engine.Listen(addr)
}

// Shutdown ends the long-lived streams and closes the listener.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.doneOnce.Do(func() { close(s.done) })
	return s.engine.ShutdownWithTimeout(timeout)
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
