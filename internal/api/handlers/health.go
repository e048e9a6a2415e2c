package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	NodeID  string
	Version string
	backend Backend
}

func NewHealthHandler(nodeID, version string, backend Backend) *HealthHandler {
	return &HealthHandler{NodeID: nodeID, Version: version, backend: backend}
}

type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
	NodeID string `json:"node_id" example:"gateway-1"`
	Kind   string `json:"kind" example:"camera-gateway"`
}

type NodeInfoResponse struct {
	NodeID    string   `json:"node_id" example:"gateway-1"`
	Kind      string   `json:"kind" example:"camera-gateway"`
	Status    string   `json:"status" example:"running"`
	Version   string   `json:"version" example:"1.0.0"`
	Endpoints []string `json:"endpoints"`
}

// @Summary Health check
// @Description Reports whether the node's UDP socket is bound and serving
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	resp := HealthResponse{
		Status: "healthy",
		NodeID: h.NodeID,
		Kind:   h.backend.Kind(),
	}
	if !h.backend.Ready() {
		resp.Status = "starting"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary Node information
// @Description Basic node information and the endpoints it serves
// @Tags health
// @Produce json
// @Success 200 {object} NodeInfoResponse
// @Router / [get]
func (h *HealthHandler) NodeInfo(c *gin.Context) {
	endpoints := []string{"/health", "/system/stats", "/docs/index.html"}
	if h.backend.Kind() == "camera-gateway" {
		endpoints = append(endpoints, "/cameras", "/cameras/{id}/frame", "/cameras/{id}/stream", "/sessions")
	}
	if _, ok := h.backend.(RelayBackend); ok {
		endpoints = append(endpoints, "/relay/clients")
	}

	c.JSON(http.StatusOK, NodeInfoResponse{
		NodeID:    h.NodeID,
		Kind:      h.backend.Kind(),
		Status:    "running",
		Version:   h.Version,
		Endpoints: endpoints,
	})
}
