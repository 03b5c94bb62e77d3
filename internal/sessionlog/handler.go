package sessionlog

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-webinar/liveroom/internal/models"
	"github.com/aura-webinar/liveroom/pkg/response"
)

// Lister is the read side the handler needs.
type Lister interface {
	ListByRoom(ctx context.Context, roomID uuid.UUID, limit int) ([]models.SessionRecord, error)
}

// Handler handles GET /api/live/room/:roomId/sessions.
type Handler struct {
	repo Lister
}

// NewHandler creates a session record handler.
func NewHandler(repo Lister) *Handler {
	return &Handler{repo: repo}
}

// ListByRoom returns the audit trail of a room (owner/admin, enforced by route middleware).
func (h *Handler) ListByRoom(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("roomId"))
	if err != nil {
		response.BadRequest(c, "invalid room id")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	list, err := h.repo.ListByRoom(c.Request.Context(), roomID, limit)
	if err != nil {
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, gin.H{"sessions": list})
}
