package rooms

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-webinar/liveroom/internal/middleware"
	"github.com/aura-webinar/liveroom/pkg/response"
)

// CreateRequest is the body for POST /api/live/room/create.
type CreateRequest struct {
	Title       string  `json:"title" binding:"required"`
	Description string  `json:"description"`
	CourseID    *string `json:"course_id"`
	ScheduledAt *string `json:"scheduled_at"` // RFC3339
	Password    string  `json:"password"`
	ChatEnabled *bool   `json:"chat_enabled"`
}

// JoinRequest is the optional body for POST /api/live/room/:roomId/join.
type JoinRequest struct {
	Password string `json:"password"`
}

// Handler handles room HTTP endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a room handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func actor(c *gin.Context) Actor {
	return Actor{UserID: middleware.UserID(c), Role: middleware.UserRole(c)}
}

func roomID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("roomId"))
	if err != nil {
		response.BadRequest(c, "invalid room id")
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps service errors onto the response envelope.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "room not found")
	case errors.Is(err, ErrForbidden):
		response.Forbidden(c, "only the room owner can do this")
	case errors.Is(err, ErrConflict):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrNotLive):
		response.Conflict(c, "room is not live")
	case errors.Is(err, ErrWrongPassword):
		response.Forbidden(c, "wrong room password")
	case errors.Is(err, ErrInvalidInput):
		response.BadRequest(c, err.Error())
	default:
		_ = c.Error(err)
		response.Internal(c, "internal error")
	}
}

// Create handles POST /api/live/room/create (teacher or admin).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	in := CreateInput{
		Title:       req.Title,
		Description: req.Description,
		CourseID:    req.CourseID,
		Password:    req.Password,
		ChatEnabled: req.ChatEnabled,
	}
	if req.ScheduledAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			response.BadRequest(c, "invalid scheduled_at")
			return
		}
		in.ScheduledAt = &t
	}
	rm, err := h.svc.CreateRoom(c.Request.Context(), actor(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, rm)
}

// Start handles POST /api/live/room/:roomId/start.
func (h *Handler) Start(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	rm, err := h.svc.StartLive(c.Request.Context(), id, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, rm)
}

// Stop handles POST /api/live/room/:roomId/stop.
func (h *Handler) Stop(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	rm, err := h.svc.StopLive(c.Request.Context(), id, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, rm)
}

// Get handles GET /api/live/room/:roomId.
func (h *Handler) Get(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	rm, err := h.svc.GetRoom(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, rm)
}

// ListLive handles GET /api/live/room/live.
func (h *Handler) ListLive(c *gin.Context) {
	list, err := h.svc.ListLive(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, gin.H{"rooms": list})
}

// ListMine handles GET /api/live/room/mine.
func (h *Handler) ListMine(c *gin.Context) {
	list, err := h.svc.ListMine(c.Request.Context(), actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, gin.H{"rooms": list})
}

// Join handles POST /api/live/room/:roomId/join and returns the playback endpoint.
func (h *Handler) Join(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	var req JoinRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	res, err := h.svc.JoinRoom(c.Request.Context(), id, actor(c), req.Password, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, res)
}

// Leave handles POST /api/live/room/:roomId/leave.
func (h *Handler) Leave(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	if err := h.svc.LeaveRoom(c.Request.Context(), id, actor(c)); err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, gin.H{"left": true})
}

// Stats handles GET /api/live/room/:roomId/stats.
func (h *Handler) Stats(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	stats, err := h.svc.Stats(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, stats)
}

// RequireOwner allows the request only for the owner of :roomId or an admin.
// Call after JWT.
func RequireOwner(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := roomID(c)
		if !ok {
			c.Abort()
			return
		}
		if _, err := svc.owned(c.Request.Context(), id, actor(c)); err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}
