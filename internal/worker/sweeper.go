// Package worker holds the background loops: the session sweeper that runs
// inside every server node and the archive processor run by cmd/worker.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionReaper is the session record store as seen by the sweeper.
type SessionReaper interface {
	TouchHandles(ctx context.Context, handleIDs []string) (int64, error)
	CleanupExpired(ctx context.Context, before time.Time) ([]uuid.UUID, error)
}

// HandleSource lists the connection handles this node currently holds in rooms.
type HandleSource interface {
	LocalHandles() []string
}

// ViewerCounter updates the room counters.
type ViewerCounter interface {
	UpdateViewerCounts(ctx context.Context, id uuid.UUID, current, newViewers int) error
}

// PresenceCounter reads cluster-wide member counts.
type PresenceCounter interface {
	Count(ctx context.Context, roomID string) (int, error)
}

// SessionSweeper closes session records whose connection vanished without a
// clean release, e.g. a node that crashed. Each node keeps its own live
// handles fresh, so a record only ages out when no node still holds it.
type SessionSweeper struct {
	sessions SessionReaper
	handles  HandleSource
	rooms    ViewerCounter
	presence PresenceCounter
	interval time.Duration
	expiry   time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewSessionSweeper creates a sweeper. expiry should exceed interval by a wide margin.
func NewSessionSweeper(sessions SessionReaper, handles HandleSource, rooms ViewerCounter, presence PresenceCounter, interval, expiry time.Duration, logger *zap.Logger) *SessionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionSweeper{
		sessions: sessions,
		handles:  handles,
		rooms:    rooms,
		presence: presence,
		interval: interval,
		expiry:   expiry,
		now:      time.Now,
		logger:   logger,
	}
}

// Run sweeps every interval until ctx is done.
func (s *SessionSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("session sweeper started", zap.Duration("interval", s.interval), zap.Duration("expiry", s.expiry))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session sweeper stopping")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many rooms had records expired.
func (s *SessionSweeper) Sweep(ctx context.Context) int {
	if handles := s.handles.LocalHandles(); len(handles) > 0 {
		if _, err := s.sessions.TouchHandles(ctx, handles); err != nil {
			s.logger.Warn("touch sessions", zap.Error(err))
		}
	}

	rooms, err := s.sessions.CleanupExpired(ctx, s.now().Add(-s.expiry))
	if err != nil {
		s.logger.Warn("cleanup expired sessions", zap.Error(err))
		return 0
	}
	for _, id := range rooms {
		current, err := s.presence.Count(ctx, id.String())
		if err != nil {
			s.logger.Warn("presence count", zap.String("room_id", id.String()), zap.Error(err))
			continue
		}
		if err := s.rooms.UpdateViewerCounts(ctx, id, current, 0); err != nil {
			s.logger.Warn("update viewer counts", zap.String("room_id", id.String()), zap.Error(err))
		}
	}
	if len(rooms) > 0 {
		s.logger.Info("expired stale sessions", zap.Int("rooms", len(rooms)))
	}
	return len(rooms)
}
