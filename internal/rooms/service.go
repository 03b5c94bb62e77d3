// Package rooms manages live room lifecycle and viewer accounting on top of
// the relational store.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/liveroom/internal/auth"
	"github.com/aura-webinar/liveroom/internal/models"
	"github.com/aura-webinar/liveroom/pkg/queue"
	"github.com/aura-webinar/liveroom/pkg/utils"
)

var (
	ErrNotFound      = errors.New("room not found")
	ErrConflict      = errors.New("room status does not allow this action")
	ErrForbidden     = errors.New("not the room owner")
	ErrWrongPassword = errors.New("wrong room password")
	ErrNotLive       = errors.New("room is not live")
	ErrInvalidInput  = errors.New("invalid room input")
)

const playbackRole = "viewer"

// RoomStore is the room persistence the service needs.
type RoomStore interface {
	Create(ctx context.Context, rm *models.Room, passwordHash *string) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Room, error)
	ListLive(ctx context.Context) ([]models.Room, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Room, error)
	Transition(ctx context.Context, id uuid.UUID, from, to models.RoomStatus) (bool, error)
	UpdateViewerCounts(ctx context.Context, id uuid.UUID, current, newViewers int) error
	PasswordHash(ctx context.Context, id uuid.UUID) (string, error)
}

// SessionStore is the session record persistence the service needs.
type SessionStore interface {
	RecordJoin(ctx context.Context, rec *models.SessionRecord) error
	RecordLeave(ctx context.Context, roomID uuid.UUID, handleID string) (bool, error)
	RecordPlaybackLeave(ctx context.Context, roomID uuid.UUID, userID string) (bool, error)
	CloseOpenByRoom(ctx context.Context, roomID uuid.UUID) (int64, error)
	ViewStats(ctx context.Context, roomID uuid.UUID) (*models.RoomViewStats, error)
}

// PresenceCounter reads cluster-wide member counts.
type PresenceCounter interface {
	Count(ctx context.Context, roomID string) (int, error)
}

// RoomCloser ends a room on every signaling node.
type RoomCloser interface {
	CloseRoomCluster(ctx context.Context, roomID string)
}

// Archiver schedules the export of a room's session records.
type Archiver interface {
	EnqueueSessionArchive(ctx context.Context, payload queue.SessionArchivePayload) error
}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID string
	Role   string
}

func (a Actor) isAdmin() bool { return a.Role == auth.RoleAdmin }

// Config holds the media endpoints rooms are created with.
type Config struct {
	StreamURLBase string
	PlayURLBase   string
}

// Service implements room lifecycle operations.
type Service struct {
	rooms    RoomStore
	sessions SessionStore
	presence PresenceCounter
	closer   RoomCloser
	archiver Archiver
	cfg      Config
	logger   *zap.Logger
}

// NewService creates a room service. closer and archiver may be nil.
func NewService(rooms RoomStore, sessions SessionStore, presence PresenceCounter, closer RoomCloser, archiver Archiver, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{rooms: rooms, sessions: sessions, presence: presence, closer: closer, archiver: archiver, cfg: cfg, logger: logger}
}

// CreateInput is the data needed to create a room.
type CreateInput struct {
	Title       string
	Description string
	CourseID    *string
	ScheduledAt *time.Time
	Password    string
	ChatEnabled *bool
}

// CreateRoom creates a scheduled room owned by the actor.
func (s *Service) CreateRoom(ctx context.Context, actor Actor, in CreateInput) (*models.Room, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	key, err := utils.RandomKey(16)
	if err != nil {
		return nil, fmt.Errorf("stream key: %w", err)
	}
	rm := &models.Room{
		Title:       title,
		Description: in.Description,
		OwnerID:     actor.UserID,
		CourseID:    in.CourseID,
		Status:      models.RoomStatusScheduled,
		ScheduledAt: in.ScheduledAt,
		StreamKey:   key,
		StreamURL:   s.cfg.StreamURLBase + key,
		PlayURL:     s.cfg.PlayURLBase + key + ".m3u8",
		ChatEnabled: in.ChatEnabled == nil || *in.ChatEnabled,
	}
	hash, err := utils.HashRoomPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash room password: %w", err)
	}
	if err := s.rooms.Create(ctx, rm, hash); err != nil {
		return nil, err
	}
	s.logger.Info("room created", zap.String("room_id", rm.ID.String()), zap.String("user_id", actor.UserID))
	return rm, nil
}

// owned loads a room and checks that the actor may manage it.
func (s *Service) owned(ctx context.Context, id uuid.UUID, actor Actor) (*models.Room, error) {
	rm, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rm.OwnerID != actor.UserID && !actor.isAdmin() {
		return nil, ErrForbidden
	}
	return rm, nil
}

// checkTransition rejects early what the conditional update would reject anyway.
func (s *Service) checkTransition(ctx context.Context, id uuid.UUID, actor Actor, to models.RoomStatus) error {
	rm, err := s.owned(ctx, id, actor)
	if err != nil {
		return err
	}
	if !rm.Status.CanTransition(to) {
		return ErrConflict
	}
	return nil
}

// StartLive moves a scheduled room to live.
func (s *Service) StartLive(ctx context.Context, id uuid.UUID, actor Actor) (*models.Room, error) {
	if err := s.checkTransition(ctx, id, actor, models.RoomStatusLive); err != nil {
		return nil, err
	}
	ok, err := s.rooms.Transition(ctx, id, models.RoomStatusScheduled, models.RoomStatusLive)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	s.logger.Info("room started", zap.String("room_id", id.String()), zap.String("user_id", actor.UserID))
	return s.rooms.GetByID(ctx, id)
}

// StopLive ends a live room, closes its open session records, disconnects
// every member and schedules the session archive.
func (s *Service) StopLive(ctx context.Context, id uuid.UUID, actor Actor) (*models.Room, error) {
	if err := s.checkTransition(ctx, id, actor, models.RoomStatusEnded); err != nil {
		return nil, err
	}
	ok, err := s.rooms.Transition(ctx, id, models.RoomStatusLive, models.RoomStatusEnded)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	if n, err := s.sessions.CloseOpenByRoom(ctx, id); err != nil {
		s.logger.Warn("close open sessions", zap.String("room_id", id.String()), zap.Error(err))
	} else {
		s.logger.Debug("closed open sessions", zap.String("room_id", id.String()), zap.Int64("count", n))
	}
	if s.closer != nil {
		s.closer.CloseRoomCluster(ctx, id.String())
	}
	if s.archiver != nil {
		payload := queue.SessionArchivePayload{RoomID: id, EndedAt: time.Now().UTC()}
		if err := s.archiver.EnqueueSessionArchive(ctx, payload); err != nil {
			s.logger.Warn("enqueue session archive", zap.String("room_id", id.String()), zap.Error(err))
		}
	}
	s.logger.Info("room stopped", zap.String("room_id", id.String()), zap.String("user_id", actor.UserID))
	return s.rooms.GetByID(ctx, id)
}

// withPresence overwrites the stored current count with the live presence count.
func (s *Service) withPresence(ctx context.Context, rm *models.Room) {
	if rm.Status != models.RoomStatusLive {
		return
	}
	n, err := s.presence.Count(ctx, rm.ID.String())
	if err != nil {
		s.logger.Warn("presence count", zap.String("room_id", rm.ID.String()), zap.Error(err))
		return
	}
	rm.CurrentViewers = n
}

// GetRoom returns a room with its live viewer count.
func (s *Service) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	rm, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.withPresence(ctx, rm)
	return rm, nil
}

// ListLive returns live rooms with their live viewer counts.
func (s *Service) ListLive(ctx context.Context) ([]models.Room, error) {
	list, err := s.rooms.ListLive(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		s.withPresence(ctx, &list[i])
	}
	return list, nil
}

// ListMine returns the rooms the actor created, live ones with their live viewer counts.
func (s *Service) ListMine(ctx context.Context, actor Actor) ([]models.Room, error) {
	list, err := s.rooms.ListByOwner(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		s.withPresence(ctx, &list[i])
	}
	return list, nil
}

// Joinable reports whether a room accepts real-time connections.
func (s *Service) Joinable(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	rm, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rm.Status != models.RoomStatusLive {
		return nil, ErrNotLive
	}
	return rm, nil
}

// JoinResult is returned by a playback join.
type JoinResult struct {
	PlayURL   string    `json:"playUrl"`
	SessionID uuid.UUID `json:"sessionId"`
}

// JoinRoom registers a playback viewer of a live room and returns where to play from.
func (s *Service) JoinRoom(ctx context.Context, id uuid.UUID, actor Actor, password, clientIP, userAgent string) (*JoinResult, error) {
	rm, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rm.Status != models.RoomStatusLive {
		return nil, ErrNotLive
	}
	if rm.HasPassword && rm.OwnerID != actor.UserID {
		hash, err := s.rooms.PasswordHash(ctx, id)
		if err != nil {
			return nil, err
		}
		if !utils.RoomPasswordMatches(password, hash) {
			return nil, ErrWrongPassword
		}
	}

	rec := &models.SessionRecord{
		RoomID:    id,
		UserID:    actor.UserID,
		Role:      playbackRole,
		HandleID:  models.NewPlaybackHandle(),
		ClientIP:  clientIP,
		UserAgent: userAgent,
	}
	if err := s.sessions.RecordJoin(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.rooms.UpdateViewerCounts(ctx, id, rm.CurrentViewers, 1); err != nil {
		s.logger.Warn("update viewer counts", zap.String("room_id", id.String()), zap.Error(err))
	}
	return &JoinResult{PlayURL: rm.PlayURL, SessionID: rec.ID}, nil
}

// LeaveRoom closes the caller's most recent open session record. Leaving twice is fine.
func (s *Service) LeaveRoom(ctx context.Context, id uuid.UUID, actor Actor) error {
	if _, err := s.rooms.GetByID(ctx, id); err != nil {
		return err
	}
	_, err := s.sessions.RecordPlaybackLeave(ctx, id, actor.UserID)
	return err
}

// RoomStats is the statistics view of one room.
type RoomStats struct {
	RoomID         uuid.UUID             `json:"room_id"`
	Status         models.RoomStatus     `json:"status"`
	CurrentViewers int                   `json:"current_viewers"`
	TotalViewers   int                   `json:"total_viewers"`
	PeakViewers    int                   `json:"peak_viewers"`
	OnlineNow      int                   `json:"online_now"`
	Sessions       *models.RoomViewStats `json:"sessions"`
}

// Stats returns room counters, session aggregates and the live presence count.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*RoomStats, error) {
	rm, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats := &RoomStats{
		RoomID:         rm.ID,
		Status:         rm.Status,
		CurrentViewers: rm.CurrentViewers,
		TotalViewers:   rm.TotalViewers,
		PeakViewers:    rm.PeakViewers,
	}
	if n, err := s.presence.Count(ctx, id.String()); err == nil {
		stats.OnlineNow = n
	} else {
		s.logger.Warn("presence count", zap.String("room_id", id.String()), zap.Error(err))
	}
	views, err := s.sessions.ViewStats(ctx, id)
	if err != nil {
		return nil, err
	}
	stats.Sessions = views
	return stats, nil
}
