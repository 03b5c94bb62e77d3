package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomStatus is the lifecycle state of a live room.
type RoomStatus string

const (
	RoomStatusScheduled RoomStatus = "scheduled"
	RoomStatusLive      RoomStatus = "live"
	RoomStatusEnded     RoomStatus = "ended"
)

// CanTransition reports whether a room may move from s to next.
// Only scheduled -> live -> ended is allowed.
func (s RoomStatus) CanTransition(next RoomStatus) bool {
	switch s {
	case RoomStatusScheduled:
		return next == RoomStatusLive
	case RoomStatusLive:
		return next == RoomStatusEnded
	}
	return false
}

// Room is a live classroom session with one presenter and many viewers.
type Room struct {
	ID             uuid.UUID  `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	OwnerID        string     `json:"owner_id"`
	CourseID       *string    `json:"course_id,omitempty"`
	Status         RoomStatus `json:"status"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	CurrentViewers int        `json:"current_viewers"`
	TotalViewers   int        `json:"total_viewers"`
	PeakViewers    int        `json:"peak_viewers"`
	StreamKey      string     `json:"-"`
	StreamURL      string     `json:"stream_url,omitempty"`
	PlayURL        string     `json:"play_url"`
	ChatEnabled    bool       `json:"chat_enabled"`
	HasPassword    bool       `json:"has_password"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
