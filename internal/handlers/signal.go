package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/livecall/internal/callerr"
	"github.com/mossy-p/livecall/internal/models"
	"github.com/mossy-p/livecall/internal/relay"
	"github.com/mossy-p/livecall/internal/signaling"
)

// Handler exposes the relay over HTTP and WebSocket
type Handler struct {
	service   *relay.Service
	push      *signaling.Client // Server-side watcher feeding WebSocket clients
	publicURL string
	logger    *slog.Logger
}

// NewHandler creates the HTTP binding for service
func NewHandler(service *relay.Service, push *signaling.Client, publicURL string, logger *slog.Logger) *Handler {
	return &Handler{service: service, push: push, publicURL: publicURL, logger: logger}
}

// fetchQuery is the query string of a poll
type fetchQuery struct {
	RoomID             string `form:"roomId"`
	Role               string `form:"role"`
	PeerID             string `form:"peerId"`
	LastCandidateIndex int    `form:"lastCandidateIndex"`
}

// Publish stores an offer, answer or candidate
func (h *Handler) Publish(c *gin.Context) {
	var req models.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.service.Publish(c.Request.Context(), req); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.PublishResponse{Success: true})
}

// Fetch returns the counterpart's state for a poll
func (h *Handler) Fetch(c *gin.Context) {
	var query fetchQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	role := models.Role(query.Role)
	result, err := h.service.Fetch(c.Request.Context(), models.FetchRequest{
		RoomID:             query.RoomID,
		Role:               role,
		PeerID:             query.PeerID,
		LastCandidateIndex: query.LastCandidateIndex,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	if role == models.RoleHost {
		c.JSON(http.StatusOK, result.HostResponse())
		return
	}
	c.JSON(http.StatusOK, result.GuestResponse())
}

// respondError maps the error taxonomy onto status codes
func (h *Handler) respondError(c *gin.Context, err error) {
	if errors.Is(err, callerr.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error("signaling request failed",
		"path", c.FullPath(),
		"error", err,
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Signaling unavailable"})
}
