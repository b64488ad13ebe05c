package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type HealthResponse struct {
	Message string `json:"message"`
	ChainID string `json:"chainId"`
	// PriceCached is false until the first oracle reading is stored
	PriceCached bool `json:"priceCached"`
}

// HealthCheck godoc
// @Summary Health check endpoint
// @Description Liveness plus whether a price has been cached yet
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *PaymasterHandler) HealthCheck(c *gin.Context) {
	_, err := h.paymaster.Price()
	c.JSON(http.StatusOK, HealthResponse{
		Message:     "ok",
		ChainID:     h.chainID.String(),
		PriceCached: err == nil,
	})
}
