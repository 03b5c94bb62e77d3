package rooms

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/liveroom/internal/models"
)

const roomColumns = `id, title, description, owner_id, course_id, status, scheduled_at, started_at, ended_at,
	current_viewers, total_viewers, peak_viewers, stream_key, stream_url, play_url, chat_enabled,
	password_hash IS NOT NULL, created_at, updated_at`

// Repository handles live_rooms persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a room repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanRoom(row pgx.Row) (*models.Room, error) {
	var rm models.Room
	err := row.Scan(&rm.ID, &rm.Title, &rm.Description, &rm.OwnerID, &rm.CourseID, &rm.Status,
		&rm.ScheduledAt, &rm.StartedAt, &rm.EndedAt, &rm.CurrentViewers, &rm.TotalViewers, &rm.PeakViewers,
		&rm.StreamKey, &rm.StreamURL, &rm.PlayURL, &rm.ChatEnabled, &rm.HasPassword, &rm.CreatedAt, &rm.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rm, nil
}

// Create inserts a new room. passwordHash is nil for open rooms.
func (r *Repository) Create(ctx context.Context, rm *models.Room, passwordHash *string) error {
	const q = `INSERT INTO live_rooms (title, description, owner_id, course_id, status, scheduled_at,
			stream_key, stream_url, play_url, chat_enabled, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, rm.Title, rm.Description, rm.OwnerID, rm.CourseID, rm.Status, rm.ScheduledAt,
		rm.StreamKey, rm.StreamURL, rm.PlayURL, rm.ChatEnabled, passwordHash).
		Scan(&rm.ID, &rm.CreatedAt, &rm.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	rm.HasPassword = passwordHash != nil
	return nil
}

// GetByID returns a room or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	q := `SELECT ` + roomColumns + ` FROM live_rooms WHERE id = $1`
	rm, err := scanRoom(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	return rm, nil
}

// ListLive returns rooms currently live, most recently started first.
func (r *Repository) ListLive(ctx context.Context) ([]models.Room, error) {
	q := `SELECT ` + roomColumns + ` FROM live_rooms WHERE status = 'live' ORDER BY started_at DESC`
	return r.list(ctx, q)
}

// ListByOwner returns the rooms a user created.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]models.Room, error) {
	q := `SELECT ` + roomColumns + ` FROM live_rooms WHERE owner_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, q, ownerID)
}

func (r *Repository) list(ctx context.Context, q string, args ...interface{}) ([]models.Room, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	list := []models.Room{}
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		list = append(list, *rm)
	}
	return list, rows.Err()
}

// Transition moves a room from one status to another in a single conditional
// update. It reports false when the room was not in the from status.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from, to models.RoomStatus) (bool, error) {
	const q = `UPDATE live_rooms SET status = $3::TEXT,
			started_at = CASE WHEN $3::TEXT = 'live' THEN NOW() ELSE started_at END,
			ended_at = CASE WHEN $3::TEXT = 'ended' THEN NOW() ELSE ended_at END,
			current_viewers = CASE WHEN $3::TEXT = 'ended' THEN 0 ELSE current_viewers END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`
	tag, err := r.pool.Exec(ctx, q, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("transition room: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateViewerCounts sets the current count and bumps total by newViewers.
// current is clamped at zero and peak only grows. Ended rooms are left alone.
func (r *Repository) UpdateViewerCounts(ctx context.Context, id uuid.UUID, current, newViewers int) error {
	const q = `UPDATE live_rooms SET current_viewers = GREATEST(0, $2::INT),
			total_viewers = total_viewers + GREATEST(0, $3::INT),
			peak_viewers = GREATEST(peak_viewers, $2::INT),
			updated_at = NOW()
		WHERE id = $1 AND status <> 'ended'`
	if _, err := r.pool.Exec(ctx, q, id, current, newViewers); err != nil {
		return fmt.Errorf("update viewer counts: %w", err)
	}
	return nil
}

// PasswordHash returns the bcrypt hash of a room password, "" for open rooms.
func (r *Repository) PasswordHash(ctx context.Context, id uuid.UUID) (string, error) {
	const q = `SELECT COALESCE(password_hash, '') FROM live_rooms WHERE id = $1`
	var hash string
	err := r.pool.QueryRow(ctx, q, id).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("room password: %w", err)
	}
	return hash, nil
}
