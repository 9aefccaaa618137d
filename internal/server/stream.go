package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"inferbench/internal/logging"
)

const (
	keepAliveInterval = 30 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
)

// handleJobSocket streams a job's messages over a websocket until the job
// finishes or the client goes away.
func (s *Server) handleJobSocket(c *gin.Context) {
	jobID := c.Param("id")
	updates, stop, err := s.jobs.Subscribe(jobID)
	if err != nil {
		s.respondJobError(c, err)
		return
	}
	defer stop()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.WarnWithContext(&logging.LogContext{JobID: jobID}, "Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// The read loop only services control frames and notices disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			s.logger.DebugWithContext(&logging.LogContext{JobID: jobID}, "Websocket client disconnected")
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-updates:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.DebugWithContext(&logging.LogContext{JobID: jobID}, "Websocket write failed: %v", err)
				return
			}
		}
	}
}

// handleJobStream streams a job's messages as server-sent events, with a
// keep-alive ping every 30 seconds.
func (s *Server) handleJobStream(c *gin.Context) {
	jobID := c.Param("id")
	updates, stop, err := s.jobs.Subscribe(jobID)
	if err != nil {
		s.respondJobError(c, err)
		return
	}
	defer stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			s.logger.DebugWithContext(&logging.LogContext{JobID: jobID}, "SSE connection closed for job")
			return false
		case <-ticker.C:
			c.SSEvent(MessageTypePing, newMessage(MessageTypePing, jobID, nil))
			return true
		case msg, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent(msg.Type, msg)
			return !msg.Terminal()
		}
	})
}

func (s *Server) respondJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrJobNotFound):
		respondError(c, http.StatusNotFound, fmt.Sprintf("job %s not found", c.Param("id")))
	case errors.Is(err, ErrJobFinished):
		respondError(c, http.StatusConflict, err.Error())
	case errors.Is(err, ErrQueueFull):
		respondError(c, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, err.Error())
	}
}

func respondError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
		Code:    code,
	})
}
