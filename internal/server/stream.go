package server

import (
	"bufio"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	jsoniter "github.com/json-iterator/go"
)

const (
	mjpegBoundary = "moodlensframe"
	wsWriteWait   = 10 * time.Second
)

// streamMJPEG sends the session's newest frames as multipart/x-mixed-replace.
// The response ends when the session does.
func (s *Server) streamMJPEG(c *fiber.Ctx) error {
	sess := s.ctrl.Session()
	if sess == nil {
		return fiber.NewError(fiber.StatusConflict, "camera is not running")
	}

	c.Set(fiber.HeaderContentType, "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Set(fiber.HeaderCacheControl, "no-cache, no-store")

	interval := s.frameInterval
	done := s.done
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last uint64
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			if !s.ctrl.Active(sess) {
				return
			}
			frame, ok := sess.Stream().Latest()
			if !ok || frame.Seq == last {
				continue
			}
			last = frame.Seq

			fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(frame.Data))
			w.Write(frame.Data)
			w.WriteString("\r\n")
			if err := w.Flush(); err != nil {
				// Viewer went away.
				return
			}
		}
	})
	return nil
}

// stateSocket pushes every published display state to the page.
func (s *Server) stateSocket() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		log := s.log.WithField("remote", c.RemoteAddr().String())
		log.Debug("Viewer connected")
		defer log.Debug("Viewer disconnected")

		states, cancel := s.display.Subscribe()
		defer cancel()

		// The page never sends anything meaningful; reading only notices the close.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						log.WithError(err).Warn("Viewer socket error")
					}
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case <-s.done:
				c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				msg, err := jsoniter.Marshal(st)
				if err != nil {
					log.WithError(err).Error("Failed to encode state")
					continue
				}
				if err := c.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	})
}
