package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"robot-gateway-go/internal/logging"
)

// loopTimeout bounds how long a request waits for the node's event loop.
const loopTimeout = 2 * time.Second

// SystemHandler handles system-related endpoints
type SystemHandler struct {
	NodeID    string
	backend   Backend
	startedAt time.Time
}

func NewSystemHandler(nodeID string, backend Backend) *SystemHandler {
	return &SystemHandler{
		NodeID:    nodeID,
		backend:   backend,
		startedAt: time.Now(),
	}
}

// @Summary Get system stats
// @Description Process metrics and the node's protocol counters
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /system/stats [get]
func (h *SystemHandler) GetStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), loopTimeout)
	defer cancel()

	node, err := h.backend.Stats(ctx)
	if err != nil {
		logging.Warn(c).Err(err).Msg("Node stats unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": err.Error()})
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats": gin.H{
			"node_id":        h.NodeID,
			"kind":           h.backend.Kind(),
			"uptime_seconds": time.Since(h.startedAt).Seconds(),
			"memory_mb":      m.Alloc / 1024 / 1024,
			"cpu_cores":      runtime.NumCPU(),
			"goroutines":     runtime.NumGoroutine(),
			"go_version":     runtime.Version(),
		},
		"node":      node,
		"timestamp": time.Now().Unix(),
	})
}
