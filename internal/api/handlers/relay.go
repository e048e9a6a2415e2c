package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"robot-gateway-go/internal/relay"
)

type RelayHandler struct {
	backend RelayBackend
}

func NewRelayHandler(backend RelayBackend) *RelayHandler {
	return &RelayHandler{backend: backend}
}

type RelayClientsResponse struct {
	Success bool           `json:"success"`
	Clients []relay.Client `json:"clients"`
}

// @Summary List relay clients
// @Description Learned source ids and the address last seen for each
// @Tags relay
// @Produce json
// @Success 200 {object} RelayClientsResponse
// @Failure 503 {object} map[string]interface{}
// @Router /relay/clients [get]
func (h *RelayHandler) ListClients(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), loopTimeout)
	defer cancel()

	clients, err := h.backend.Clients(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, RelayClientsResponse{Success: true, Clients: clients})
}
