package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/liveroom/internal/models"
	"github.com/aura-webinar/liveroom/pkg/queue"
)

// fakeRooms mirrors the SQL semantics of Repository in memory.
type fakeRooms struct {
	mu     sync.Mutex
	rooms  map[uuid.UUID]*models.Room
	hashes map[uuid.UUID]string
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{rooms: map[uuid.UUID]*models.Room{}, hashes: map[uuid.UUID]string{}}
}

func (f *fakeRooms) Create(_ context.Context, rm *models.Room, hash *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rm.ID = uuid.New()
	rm.CreatedAt = time.Now()
	rm.UpdatedAt = rm.CreatedAt
	rm.HasPassword = hash != nil
	if hash != nil {
		f.hashes[rm.ID] = *hash
	}
	cp := *rm
	f.rooms[rm.ID] = &cp
	return nil
}

func (f *fakeRooms) GetByID(_ context.Context, id uuid.UUID) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rm, ok := f.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rm
	return &cp, nil
}

func (f *fakeRooms) ListLive(_ context.Context) ([]models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := []models.Room{}
	for _, rm := range f.rooms {
		if rm.Status == models.RoomStatusLive {
			list = append(list, *rm)
		}
	}
	return list, nil
}

func (f *fakeRooms) ListByOwner(_ context.Context, ownerID string) ([]models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := []models.Room{}
	for _, rm := range f.rooms {
		if rm.OwnerID == ownerID {
			list = append(list, *rm)
		}
	}
	return list, nil
}

func (f *fakeRooms) Transition(_ context.Context, id uuid.UUID, from, to models.RoomStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rm, ok := f.rooms[id]
	if !ok || rm.Status != from {
		return false, nil
	}
	now := time.Now()
	rm.Status = to
	switch to {
	case models.RoomStatusLive:
		rm.StartedAt = &now
	case models.RoomStatusEnded:
		rm.EndedAt = &now
		rm.CurrentViewers = 0
	}
	return true, nil
}

func (f *fakeRooms) UpdateViewerCounts(_ context.Context, id uuid.UUID, current, newViewers int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rm, ok := f.rooms[id]
	if !ok || rm.Status == models.RoomStatusEnded {
		return nil
	}
	rm.CurrentViewers = max(0, current)
	rm.TotalViewers += max(0, newViewers)
	rm.PeakViewers = max(rm.PeakViewers, current)
	return nil
}

func (f *fakeRooms) PasswordHash(_ context.Context, id uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[id]; !ok {
		return "", ErrNotFound
	}
	return f.hashes[id], nil
}

func (f *fakeRooms) get(id uuid.UUID) models.Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rooms[id]
}

type fakeSessions struct {
	mu           sync.Mutex
	open         map[string]*models.SessionRecord // by handle
	history      []models.SessionRecord
	joins        int
	closedByRoom int64
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{open: map[string]*models.SessionRecord{}}
}

func (f *fakeSessions) RecordJoin(_ context.Context, rec *models.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[rec.HandleID]; !ok {
		f.joins++
	}
	rec.ID = uuid.New()
	rec.Status = models.SessionConnected
	f.open[rec.HandleID] = rec
	f.history = append(f.history, *rec)
	return nil
}

func (f *fakeSessions) ListByRoom(_ context.Context, roomID uuid.UUID, limit int) ([]models.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := []models.SessionRecord{}
	for _, rec := range f.history {
		if rec.RoomID == roomID && len(list) < limit {
			list = append(list, rec)
		}
	}
	return list, nil
}

func (f *fakeSessions) RecordLeave(_ context.Context, _ uuid.UUID, handleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.open[handleID]
	delete(f.open, handleID)
	return ok, nil
}

func (f *fakeSessions) RecordPlaybackLeave(_ context.Context, roomID uuid.UUID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h, rec := range f.open {
		if rec.RoomID == roomID && rec.UserID == userID && models.IsPlaybackHandle(h) {
			delete(f.open, h)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSessions) CloseOpenByRoom(_ context.Context, roomID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for h, rec := range f.open {
		if rec.RoomID == roomID {
			delete(f.open, h)
			n++
		}
	}
	f.closedByRoom += n
	return n, nil
}

func (f *fakeSessions) ViewStats(_ context.Context, _ uuid.UUID) (*models.RoomViewStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &models.RoomViewStats{TotalSessions: f.joins, OpenSessions: len(f.open)}, nil
}

func (f *fakeSessions) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

type fixedCount int

func (n fixedCount) Count(context.Context, string) (int, error) { return int(n), nil }

type fakeCloser struct{ rooms []string }

func (f *fakeCloser) CloseRoomCluster(_ context.Context, roomID string) {
	f.rooms = append(f.rooms, roomID)
}

type fakeArchiver struct{ payloads []queue.SessionArchivePayload }

func (f *fakeArchiver) EnqueueSessionArchive(_ context.Context, p queue.SessionArchivePayload) error {
	f.payloads = append(f.payloads, p)
	return nil
}
