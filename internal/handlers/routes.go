package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SignalPath is the polling relay endpoint
const SignalPath = "/api/signal"

// Register mounts every route on router
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		// Polling relay
		apiGroup.POST("/signal", h.Publish)
		apiGroup.GET("/signal", h.Fetch)

		// Room management
		apiGroup.POST("/rooms", h.CreateRoom)
		apiGroup.GET("/rooms/:roomId", h.GetRoom)
		apiGroup.DELETE("/rooms/:roomId", h.DeleteRoom)
	}

	// WebSocket push variant of the relay
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal/:roomId", h.HandleSignaling)
	}
}
