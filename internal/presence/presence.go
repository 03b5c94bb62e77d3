// Package presence keeps the cluster-visible list of who is in which room.
//
// Entries are written by the signaling coordinator that physically holds the
// connection and read by any process for stats and reporting. Nothing here is
// ever used to deliver a frame: an entry names a connection on some node, it is
// not a handle to it.
package presence

import (
	"context"
	"time"
)

// Entry is one member's presence in a room. At most one exists per (room, user).
type Entry struct {
	RoomID   string            `json:"roomId"`
	UserID   string            `json:"userId"`
	HandleID string            `json:"handleId"`
	NodeID   string            `json:"nodeId"`
	Role     string            `json:"role,omitempty"`
	JoinedAt time.Time         `json:"joinedAt"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Store is a shared TTL-backed presence store. Writes are per member so
// concurrent writers for different users of one room never clobber each other.
type Store interface {
	// Put upserts the entry for (RoomID, UserID) and refreshes the room TTL.
	Put(ctx context.Context, e Entry) error
	// Remove deletes the user's entry. When handleID is non-empty the entry is
	// only removed if it still belongs to that handle. Reports whether a field was deleted.
	Remove(ctx context.Context, roomID, userID, handleID string) (bool, error)
	// Members lists current entries of a room.
	Members(ctx context.Context, roomID string) ([]Entry, error)
	// Count returns the number of entries in a room.
	Count(ctx context.Context, roomID string) (int, error)
	// Touch refreshes the room TTL without writing.
	Touch(ctx context.Context, roomID string) error
}
