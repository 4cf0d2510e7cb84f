package server

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const RequestIDKey = "X-Request-ID"

func requestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(RequestIDKey)
		if id == "" {
			id = uuid.NewString()
		}
		c.Locals(RequestIDKey, id)
		c.Set(RequestIDKey, id)
		return c.Next()
	}
}

func getRequestID(c *fiber.Ctx) string {
	id, ok := c.Locals(RequestIDKey).(string)
	if !ok || id == "" {
		return "unknown"
	}
	return id
}

func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// Let the error handler set the final status before logging.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				return herr
			}
			err = nil
		}

		// Static assets and the long-lived streams are noise at info level.
		path := c.Path()
		quiet := strings.HasPrefix(path, "/static/") || path == "/stream.mjpg" || path == "/ws"

		status := c.Response().StatusCode()
		entry := s.log.WithFields(logrus.Fields{
			"request_id": getRequestID(c),
			"method":     c.Method(),
			"path":       path,
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
		})
		switch {
		case status >= 500:
			entry.Error("Server error")
		case status >= 400:
			entry.Warn("Client error")
		case quiet:
			entry.Debug("Success")
		default:
			entry.Info("Success")
		}
		return err
	}
}

func wsUpgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}
