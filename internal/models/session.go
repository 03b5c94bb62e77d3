package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the state of a session record.
type SessionStatus string

const (
	SessionConnected    SessionStatus = "connected"
	SessionDisconnected SessionStatus = "disconnected"
	// SessionExpired marks a record closed by the sweeper after its connection missed the heartbeat window.
	SessionExpired SessionStatus = "expired"
)

// PlaybackHandlePrefix marks records opened by a REST playback join. They have
// no heartbeat, so only an explicit leave or the room ending closes them.
const PlaybackHandlePrefix = "play-"

// NewPlaybackHandle returns a fresh handle for a playback session record.
func NewPlaybackHandle() string {
	return PlaybackHandlePrefix + uuid.NewString()
}

// IsPlaybackHandle reports whether handleID belongs to a playback session.
func IsPlaybackHandle(handleID string) bool {
	return strings.HasPrefix(handleID, PlaybackHandlePrefix)
}

// SessionRecord is the audit row for one connection's lifetime in a room.
type SessionRecord struct {
	ID              uuid.UUID     `json:"id"`
	RoomID          uuid.UUID     `json:"room_id"`
	UserID          string        `json:"user_id"`
	Role            string        `json:"role"`
	HandleID        string        `json:"handle_id"`
	Status          SessionStatus `json:"status"`
	ConnectedAt     time.Time     `json:"connected_at"`
	LastSeenAt      time.Time     `json:"last_seen_at"`
	DisconnectedAt  *time.Time    `json:"disconnected_at,omitempty"`
	DurationSeconds int64         `json:"duration_seconds"`
	ClientIP        string        `json:"client_ip,omitempty"`
	UserAgent       string        `json:"user_agent,omitempty"`
}

// RoomViewStats aggregates session records for one room.
type RoomViewStats struct {
	UniqueViewers      int     `json:"unique_viewers"`
	TotalSessions      int     `json:"total_sessions"`
	OpenSessions       int     `json:"open_sessions"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	MaxDurationSeconds int64   `json:"max_duration_seconds"`
}
