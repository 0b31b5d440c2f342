package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"deploy-restart-agent/internal/notification"
)

// StreamEvents handles GET /api/restart/events as a server-sent event
// stream of show, dismiss and status events.
func (h *Handler) StreamEvents(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}

	events, release := h.hub.Subscribe()
	defer release()

	if h.restart != nil {
		if s := h.restart.LatestStatus(); s != nil {
			c.SSEvent(notification.EventStatus, h.statusResponse(s))
			c.Writer.Flush()
		}
	}

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-events:
			if !ok {
				return false
			}
			switch e.Type {
			case notification.EventStatus:
				c.SSEvent(e.Type, h.statusResponse(e.Status))
			case notification.EventShow:
				c.SSEvent(e.Type, e.Notification)
			default:
				c.SSEvent(e.Type, gin.H{})
			}
			return true
		}
	})
}
