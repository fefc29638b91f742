package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/livecall/internal/joinlink"
	"github.com/mossy-p/livecall/internal/models"
)

// maxCodeAttempts bounds how often CreateRoom retries on a live code
const maxCodeAttempts = 5

// createRoomRequest carries the optional join-link fields
type createRoomRequest struct {
	Name      string `json:"name"`
	GuestLang string `json:"guestLang"`
}

// CreateRoom reserves an unused room code and returns a shareable join link
func (h *Handler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := joinlink.NewRoomCode()
		if err != nil {
			h.respondError(c, err)
			return
		}

		_, live, err := h.service.Room(c.Request.Context(), code)
		if err != nil {
			h.respondError(c, err)
			return
		}
		if live {
			continue
		}

		h.logger.Info("room code issued", "room", code)
		c.JSON(http.StatusCreated, models.CreateRoomResponse{
			RoomID:  code,
			JoinURL: joinlink.Build(h.publicURL, code, req.Name, req.GuestLang),
		})
		return
	}

	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to allocate a room code"})
}

// GetRoom reports who is present in a room
func (h *Handler) GetRoom(c *gin.Context) {
	info, found, err := h.service.Room(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// DeleteRoom closes a room when its host ends the call
func (h *Handler) DeleteRoom(c *gin.Context) {
	if err := h.service.Leave(c.Request.Context(), c.Param("roomId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}
