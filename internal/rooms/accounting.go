package rooms

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/liveroom/internal/models"
	"github.com/aura-webinar/liveroom/internal/signaling"
)

const drainTimeout = 5 * time.Second

// ViewerCounter is the part of RoomStore accounting writes to.
type ViewerCounter interface {
	UpdateViewerCounts(ctx context.Context, id uuid.UUID, current, newViewers int) error
}

type memberChange struct {
	joined bool
	ev     signaling.MemberEvent
}

// Accounting turns membership changes into session records and viewer
// counters. The coordinator calls it inline, so events are queued and written
// by Run; a full queue drops the event with a warning rather than stall a join.
type Accounting struct {
	rooms    ViewerCounter
	sessions SessionStore
	presence PresenceCounter
	events   chan memberChange
	logger   *zap.Logger
}

// NewAccounting creates the viewer accounting observer.
func NewAccounting(rooms ViewerCounter, sessions SessionStore, presence PresenceCounter, buffer int, logger *zap.Logger) *Accounting {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Accounting{
		rooms:    rooms,
		sessions: sessions,
		presence: presence,
		events:   make(chan memberChange, buffer),
		logger:   logger,
	}
}

// MemberJoined implements signaling.MembershipObserver.
func (a *Accounting) MemberJoined(ev signaling.MemberEvent) {
	a.enqueue(memberChange{joined: true, ev: ev})
}

// MemberLeft implements signaling.MembershipObserver.
func (a *Accounting) MemberLeft(ev signaling.MemberEvent) {
	a.enqueue(memberChange{ev: ev})
}

func (a *Accounting) enqueue(ch memberChange) {
	select {
	case a.events <- ch:
	default:
		a.logger.Warn("accounting queue full, dropping membership change",
			zap.String("room_id", ch.ev.RoomID), zap.String("user_id", ch.ev.UserID), zap.Bool("joined", ch.joined))
	}
}

// Run applies queued changes until ctx is done, then drains what is left.
func (a *Accounting) Run(ctx context.Context) error {
	for {
		select {
		case ch := <-a.events:
			a.apply(ctx, ch)
		case <-ctx.Done():
			a.drain()
			return nil
		}
	}
}

func (a *Accounting) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ch := <-a.events:
			a.apply(ctx, ch)
		default:
			return
		}
	}
}

func (a *Accounting) apply(ctx context.Context, ch memberChange) {
	ev := ch.ev
	roomID, err := uuid.Parse(ev.RoomID)
	if err != nil {
		a.logger.Debug("skip accounting for non-uuid room", zap.String("room_id", ev.RoomID))
		return
	}
	log := a.logger.With(zap.String("room_id", ev.RoomID), zap.String("user_id", ev.UserID), zap.String("handle_id", string(ev.HandleID)))

	newViewers := 0
	if ch.joined {
		if ev.Replaced != "" {
			if _, err := a.sessions.RecordLeave(ctx, roomID, string(ev.Replaced)); err != nil {
				log.Warn("close replaced session", zap.Error(err))
			}
		}
		rec := &models.SessionRecord{
			RoomID:    roomID,
			UserID:    ev.UserID,
			Role:      ev.Role,
			HandleID:  string(ev.HandleID),
			ClientIP:  ev.Meta["client_ip"],
			UserAgent: ev.Meta["user_agent"],
		}
		if err := a.sessions.RecordJoin(ctx, rec); err != nil {
			log.Warn("record session join", zap.Error(err))
		}
		if !ev.Rejoin {
			newViewers = 1
		}
	} else {
		if _, err := a.sessions.RecordLeave(ctx, roomID, string(ev.HandleID)); err != nil {
			log.Warn("record session leave", zap.Error(err))
		}
	}

	current, err := a.presence.Count(ctx, ev.RoomID)
	if err != nil {
		log.Warn("presence count", zap.Error(err))
		return
	}
	if err := a.rooms.UpdateViewerCounts(ctx, roomID, current, newViewers); err != nil {
		log.Warn("update viewer counts", zap.Error(err))
	}
}
