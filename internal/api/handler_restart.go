package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"deploy-restart-agent/internal/remote"
	"deploy-restart-agent/internal/restart"
	"deploy-restart-agent/internal/service"
)

// restartStatusResponse is the snapshot plus its derived predicates, so
// clients never recompute them.
type restartStatusResponse struct {
	User                       string          `json:"user"`
	Status                     *restart.Status `json:"status"`
	Busy                       bool            `json:"busy"`
	ServerRestarting           bool            `json:"server_restarting"`
	RejectedButStillRestarting bool            `json:"rejected_but_still_restarting"`
	PendingOverActiveRestart   bool            `json:"pending_over_active_restart"`
	TimeRemaining              int64           `json:"time_remaining"`
	Elapsed                    string          `json:"elapsed"`
}

func (h *Handler) statusResponse(s *restart.Status) restartStatusResponse {
	resp := restartStatusResponse{User: h.restart.User(), Status: s}
	if s == nil {
		return resp
	}
	resp.Busy = s.IsBusy()
	resp.ServerRestarting = s.IsServerRestarting()
	resp.RejectedButStillRestarting = s.IsRejectedButStillRestarting()
	resp.PendingOverActiveRestart = s.IsPendingOverActiveRestart()
	resp.TimeRemaining = s.TimeRemaining(h.clock.Now())
	resp.Elapsed = h.restart.FormattedElapsedTime()
	return resp
}

// GetRestartStatus handles GET /api/restart/status.
func (h *Handler) GetRestartStatus(c *gin.Context) {
	if h.restart == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "restart service unavailable"})
		return
	}
	c.JSON(http.StatusOK, h.statusResponse(h.restart.LatestStatus()))
}

type restartRequest struct {
	Project string `json:"project" binding:"required"`
}

// PostRestartRequest handles POST /api/restart/request.
func (h *Handler) PostRestartRequest(c *gin.Context) {
	if h.restart == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "restart service unavailable"})
		return
	}
	var req restartRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Project) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project is required"})
		return
	}

	s, err := h.restart.RequestRestart(c.Request.Context(), req.Project)
	if err != nil {
		h.restartError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.statusResponse(s))
}

// PostRestartReject handles POST /api/restart/reject.
func (h *Handler) PostRestartReject(c *gin.Context) {
	if h.restart == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "restart service unavailable"})
		return
	}
	s, err := h.restart.RejectRestart(c.Request.Context())
	if err != nil {
		h.restartError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.statusResponse(s))
}

// restartError maps protocol failures to HTTP statuses: script refusals are
// conflicts, a missing session is unavailability, the rest are upstream errors.
func (h *Handler) restartError(c *gin.Context, err error) {
	var remoteErr *restart.RemoteError
	switch {
	case errors.As(err, &remoteErr):
		c.JSON(http.StatusConflict, gin.H{"error": remoteErr.Message})
	case errors.Is(err, service.ErrNotInitialized), errors.Is(err, remote.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.log.Warnf("Restart operation failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
