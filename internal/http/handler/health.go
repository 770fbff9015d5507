package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Probe reports whether the process is ready to serve and the state of each
// component behind it.
type Probe interface {
	Ready() bool
	Components() map[string]string
}

type HealthHandler struct {
	probe Probe
}

// NewHealthHandler builds the health endpoints. A nil probe is always ready.
func NewHealthHandler(probe Probe) *HealthHandler {
	return &HealthHandler{probe: probe}
}

func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	if h.probe == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	components := h.probe.Components()
	if !h.probe.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "components": components})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "components": components})
}
