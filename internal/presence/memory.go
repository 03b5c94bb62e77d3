package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same TTL semantics as RedisStore.
// Several coordinators may share one MemoryStore to stand in for a shared cache.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	members   map[string]Entry
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory store. now may be nil to use time.Now.
func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{ttl: ttl, now: now, rooms: make(map[string]*memoryRoom)}
}

// room returns the live room, dropping it first if its TTL passed. Caller holds mu.
func (s *MemoryStore) room(roomID string) *memoryRoom {
	r := s.rooms[roomID]
	if r != nil && !s.now().Before(r.expiresAt) {
		delete(s.rooms, roomID)
		return nil
	}
	return r
}

func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(e.RoomID)
	if r == nil {
		r = &memoryRoom{members: make(map[string]Entry)}
		s.rooms[e.RoomID] = r
	}
	r.members[e.UserID] = e
	r.expiresAt = s.now().Add(s.ttl)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, roomID, userID, handleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	if r == nil {
		return false, nil
	}
	e, ok := r.members[userID]
	if !ok || (handleID != "" && e.HandleID != handleID) {
		return false, nil
	}
	delete(r.members, userID)
	if len(r.members) == 0 {
		delete(s.rooms, roomID)
	}
	return true, nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	if r == nil {
		return []Entry{}, nil
	}
	entries := make([]Entry, 0, len(r.members))
	for _, e := range r.members {
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

func (s *MemoryStore) Count(_ context.Context, roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.room(roomID); r != nil {
		return len(r.members), nil
	}
	return 0, nil
}

func (s *MemoryStore) Touch(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.room(roomID); r != nil {
		r.expiresAt = s.now().Add(s.ttl)
	}
	return nil
}
