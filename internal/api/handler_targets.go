package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// TargetResponse is a deployment target without credentials.
type TargetResponse struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	ScriptPath string `json:"script_path"`
}

// GetTargets handles GET /api/targets.
func (h *Handler) GetTargets(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}

	targets, err := h.store.ListTargets(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve targets"})
		return
	}

	resp := make([]TargetResponse, 0, len(targets))
	for _, t := range targets {
		resp = append(resp, TargetResponse{
			Name:       t.Name,
			Host:       t.Host,
			Port:       t.Port,
			User:       t.User,
			ScriptPath: t.ScriptPath,
		})
	}
	c.JSON(http.StatusOK, resp)
}
