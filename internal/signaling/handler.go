package signaling

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/liveroom/pkg/response"
)

// Handler exposes presence and signaling statistics over REST.
type Handler struct {
	coord *Coordinator
}

// NewHandler creates a signaling stats handler.
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

// RoomUsers handles GET /api/live/room/:roomId/users (cluster-wide presence list).
func (h *Handler) RoomUsers(c *gin.Context) {
	users, err := h.coord.RoomUsers(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		response.ServiceUnavailable(c, "presence unavailable")
		return
	}
	response.OK(c, gin.H{"users": users, "count": len(users)})
}

// RoomStats handles GET /api/live/room/:roomId/webrtc-stats.
func (h *Handler) RoomStats(c *gin.Context) {
	stats, err := h.coord.RoomStats(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		response.ServiceUnavailable(c, "presence unavailable")
		return
	}
	response.OK(c, stats)
}

// NodeStats handles GET /api/live/signaling/stats.
func (h *Handler) NodeStats(c *gin.Context) {
	response.OK(c, h.coord.Stats())
}
