package http

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/domain"
	"wireline/internal/presence"
)

// PresenceHandlers implements the Presence service contract (spec.md §6.1
// / §4.5): status updates, bulk lookup, heartbeat, and typing indicators.
type PresenceHandlers struct {
	registry *presence.Registry
}

func NewPresenceHandlers(registry *presence.Registry) *PresenceHandlers {
	return &PresenceHandlers{registry: registry}
}

type updateStatusRequest struct {
	Status     int    `json:"status"`
	CustomText string `json:"custom_text"`
}

func (h *PresenceHandlers) UpdateStatus(c *gin.Context) {
	userID, _, err := currentUser(c)
	if err != nil {
		fail(c, err)
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindErr(err))
		return
	}
	if err := h.registry.UpdateStatus(c.Request.Context(), userID, domain.PresenceStatus(req.Status), req.CustomText); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"updated": true})
}

func (h *PresenceHandlers) GetStatus(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		fail(c, apperr.New(apperr.InvalidRequest, "malformed user id"))
		return
	}
	p, err := h.registry.GetStatus(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"presence": p})
}

type bulkStatusRequest struct {
	UserIDs []uuid.UUID `json:"user_ids" binding:"required"`
}

func (h *PresenceHandlers) GetBulkStatus(c *gin.Context) {
	var req bulkStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindErr(err))
		return
	}
	presences, err := h.registry.GetBulkStatus(c.Request.Context(), req.UserIDs)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"presence": presences})
}

func (h *PresenceHandlers) UpdateLastSeen(c *gin.Context) {
	userID, _, err := currentUser(c)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.registry.UpdateLastSeen(c.Request.Context(), userID); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"updated": true})
}

type setTypingRequest struct {
	ToUserID uuid.UUID `json:"to_user_id" binding:"required"`
	IsTyping bool      `json:"is_typing"`
}

func (h *PresenceHandlers) SetTyping(c *gin.Context) {
	userID, _, err := currentUser(c)
	if err != nil {
		fail(c, err)
		return
	}
	var req setTypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindErr(err))
		return
	}
	if err := h.registry.SetTyping(c.Request.Context(), userID, req.ToUserID, req.IsTyping); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"updated": true})
}
