package sessionlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/liveroom/internal/models"
)

const recordColumns = `id, room_id, user_id, role, handle_id, status, connected_at, last_seen_at,
	disconnected_at, duration_seconds, client_ip, user_agent`

// Repository handles live_sessions, the audit trail of room connections.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session record repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordJoin inserts an open record for a connection handle. A repeated join
// of the same handle in the same room only refreshes last_seen_at.
func (r *Repository) RecordJoin(ctx context.Context, rec *models.SessionRecord) error {
	const q = `INSERT INTO live_sessions (room_id, user_id, role, handle_id, status, client_ip, user_agent)
		VALUES ($1, $2, $3, $4, 'connected', $5, $6)
		ON CONFLICT (room_id, handle_id) DO UPDATE SET last_seen_at = NOW()
		RETURNING id, status, connected_at, last_seen_at`
	err := r.pool.QueryRow(ctx, q, rec.RoomID, rec.UserID, rec.Role, rec.HandleID, rec.ClientIP, rec.UserAgent).
		Scan(&rec.ID, &rec.Status, &rec.ConnectedAt, &rec.LastSeenAt)
	if err != nil {
		return fmt.Errorf("record join: %w", err)
	}
	return nil
}

// RecordLeave closes the open record of a handle, computing the duration from
// the stored connect time. Closing an already closed record is a no-op.
func (r *Repository) RecordLeave(ctx context.Context, roomID uuid.UUID, handleID string) (bool, error) {
	const q = `UPDATE live_sessions SET status = 'disconnected', disconnected_at = NOW(), last_seen_at = NOW(),
		duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - connected_at))::BIGINT)
		WHERE room_id = $1 AND handle_id = $2 AND status = 'connected'`
	tag, err := r.pool.Exec(ctx, q, roomID, handleID)
	if err != nil {
		return false, fmt.Errorf("record leave: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordPlaybackLeave closes the most recent open playback record of a user
// in a room. WebSocket records are left to their own connection.
func (r *Repository) RecordPlaybackLeave(ctx context.Context, roomID uuid.UUID, userID string) (bool, error) {
	const q = `UPDATE live_sessions s SET status = 'disconnected', disconnected_at = NOW(), last_seen_at = NOW(),
		duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - s.connected_at))::BIGINT)
		FROM (SELECT id FROM live_sessions WHERE room_id = $1 AND user_id = $2 AND status = 'connected'
			AND handle_id LIKE $3 ORDER BY connected_at DESC LIMIT 1) AS sub
		WHERE s.id = sub.id`
	tag, err := r.pool.Exec(ctx, q, roomID, userID, playbackHandlePattern)
	if err != nil {
		return false, fmt.Errorf("record playback leave: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CloseOpenByRoom closes every open record of a room, used when the room ends.
func (r *Repository) CloseOpenByRoom(ctx context.Context, roomID uuid.UUID) (int64, error) {
	const q = `UPDATE live_sessions SET status = 'disconnected', disconnected_at = NOW(), last_seen_at = NOW(),
		duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - connected_at))::BIGINT)
		WHERE room_id = $1 AND status = 'connected'`
	tag, err := r.pool.Exec(ctx, q, roomID)
	if err != nil {
		return 0, fmt.Errorf("close open sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TouchHandles marks the open records of live handles as seen now.
func (r *Repository) TouchHandles(ctx context.Context, handleIDs []string) (int64, error) {
	if len(handleIDs) == 0 {
		return 0, nil
	}
	const q = `UPDATE live_sessions SET last_seen_at = NOW() WHERE status = 'connected' AND handle_id = ANY($1)`
	tag, err := r.pool.Exec(ctx, q, handleIDs)
	if err != nil {
		return 0, fmt.Errorf("touch sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// cleanupExpiredSQL expires heartbeat-tracked records only. Playback records
// ($2 matches their handles) are never touched, so they stay open until left.
const cleanupExpiredSQL = `WITH expired AS (
		UPDATE live_sessions SET status = 'expired', disconnected_at = last_seen_at,
			duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM (last_seen_at - connected_at))::BIGINT)
		WHERE status = 'connected' AND last_seen_at < $1 AND handle_id NOT LIKE $2
		RETURNING room_id
	)
	SELECT DISTINCT room_id FROM expired`

// playbackHandlePattern is the LIKE pattern of playback handles.
var playbackHandlePattern = models.PlaybackHandlePrefix + "%"

// CleanupExpired closes open connection records not seen since before and
// returns the affected rooms. The duration stops at the last time the
// connection was seen.
func (r *Repository) CleanupExpired(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, cleanupExpiredSQL, before, playbackHandlePattern)
	if err != nil {
		return nil, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	defer rows.Close()
	var rooms []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		rooms = append(rooms, id)
	}
	return rooms, rows.Err()
}

// ListByRoom returns the newest records of a room.
func (r *Repository) ListByRoom(ctx context.Context, roomID uuid.UUID, limit int) ([]models.SessionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM live_sessions WHERE room_id = $1 ORDER BY connected_at DESC LIMIT $2`,
		roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]models.SessionRecord, error) {
	list := []models.SessionRecord{}
	for rows.Next() {
		var s models.SessionRecord
		if err := rows.Scan(&s.ID, &s.RoomID, &s.UserID, &s.Role, &s.HandleID, &s.Status, &s.ConnectedAt, &s.LastSeenAt,
			&s.DisconnectedAt, &s.DurationSeconds, &s.ClientIP, &s.UserAgent); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// ListAllByRoom returns every record of a room, oldest first, for archiving.
func (r *Repository) ListAllByRoom(ctx context.Context, roomID uuid.UUID) ([]models.SessionRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM live_sessions WHERE room_id = $1 ORDER BY connected_at ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list room sessions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ViewStats aggregates a room's records: distinct viewers, sessions and closed-session durations.
func (r *Repository) ViewStats(ctx context.Context, roomID uuid.UUID) (*models.RoomViewStats, error) {
	const q = `SELECT COUNT(DISTINCT user_id), COUNT(*),
		COUNT(*) FILTER (WHERE status = 'connected'),
		COALESCE(AVG(duration_seconds) FILTER (WHERE status <> 'connected'), 0)::FLOAT8,
		COALESCE(MAX(duration_seconds), 0)
		FROM live_sessions WHERE room_id = $1`
	var s models.RoomViewStats
	err := r.pool.QueryRow(ctx, q, roomID).Scan(&s.UniqueViewers, &s.TotalSessions, &s.OpenSessions, &s.AvgDurationSeconds, &s.MaxDurationSeconds)
	if err != nil {
		return nil, fmt.Errorf("view stats: %w", err)
	}
	return &s, nil
}
