package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type realtimeEventPayload struct {
	ScheduleID int64  `json:"scheduleId,omitempty"`
	Timestamp  string `json:"timestamp"`
	Source     string `json:"source"`
}

// handleEvents streams change notifications as server-sent events. A
// heartbeat is sent on connect and then every h.heartbeat.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload())
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				ScheduleID: message.ScheduleID,
				Timestamp:  message.Timestamp.UTC().Format(time.RFC3339Nano),
				Source:     realtimeSourceBackend,
			})
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload())
			return true
		}
	})
}

func heartbeatPayload() realtimeEventPayload {
	return realtimeEventPayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    realtimeSourceBackend,
	}
}
