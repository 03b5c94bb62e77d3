package rooms

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/aura-webinar/liveroom/internal/auth"
	"github.com/aura-webinar/liveroom/internal/models"
)

type serviceFixture struct {
	svc      *Service
	rooms    *fakeRooms
	sessions *fakeSessions
	closer   *fakeCloser
	archiver *fakeArchiver
}

func newFixture(online int) *serviceFixture {
	f := &serviceFixture{
		rooms:    newFakeRooms(),
		sessions: newFakeSessions(),
		closer:   &fakeCloser{},
		archiver: &fakeArchiver{},
	}
	f.svc = NewService(f.rooms, f.sessions, fixedCount(online), f.closer, f.archiver, Config{
		StreamURLBase: "rtmp://media/live/",
		PlayURLBase:   "https://media/hls/",
	}, nil)
	return f
}

var teacher = Actor{UserID: "t1", Role: auth.RoleTeacher}

func TestCreateRoom(t *testing.T) {
	f := newFixture(0)
	rm, err := f.svc.CreateRoom(context.Background(), teacher, CreateInput{Title: "  Algebra  "})
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if rm.Status != models.RoomStatusScheduled || rm.Title != "Algebra" || rm.OwnerID != "t1" {
		t.Errorf("room = %+v", rm)
	}
	if rm.CurrentViewers != 0 || rm.TotalViewers != 0 || rm.PeakViewers != 0 {
		t.Errorf("counters not zero: %+v", rm)
	}
	if !strings.HasPrefix(rm.StreamURL, "rtmp://media/live/") || !strings.HasSuffix(rm.PlayURL, rm.StreamKey+".m3u8") {
		t.Errorf("urls = %s %s", rm.StreamURL, rm.PlayURL)
	}
	if !rm.ChatEnabled || rm.HasPassword {
		t.Errorf("defaults = chat %v password %v", rm.ChatEnabled, rm.HasPassword)
	}

	if _, err := f.svc.CreateRoom(context.Background(), teacher, CreateInput{Title: " "}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty title err = %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	rm, _ := f.svc.CreateRoom(ctx, teacher, CreateInput{Title: "r"})

	if _, err := f.svc.StopLive(ctx, rm.ID, teacher); !errors.Is(err, ErrConflict) {
		t.Fatalf("stop scheduled err = %v, want ErrConflict", err)
	}
	if got := f.rooms.get(rm.ID); got.Status != models.RoomStatusScheduled || got.EndedAt != nil {
		t.Fatalf("rejected stop mutated room: %+v", got)
	}
	if len(f.closer.rooms) != 0 || len(f.archiver.payloads) != 0 {
		t.Error("rejected stop had side effects")
	}

	live, err := f.svc.StartLive(ctx, rm.ID, teacher)
	if err != nil || live.Status != models.RoomStatusLive || live.StartedAt == nil {
		t.Fatalf("StartLive() = %+v, %v", live, err)
	}
	if _, err := f.svc.StartLive(ctx, rm.ID, teacher); !errors.Is(err, ErrConflict) {
		t.Errorf("second start err = %v", err)
	}

	_ = f.sessions.RecordJoin(ctx, &models.SessionRecord{RoomID: rm.ID, UserID: "s1", HandleID: "h1"})
	ended, err := f.svc.StopLive(ctx, rm.ID, teacher)
	if err != nil || ended.Status != models.RoomStatusEnded {
		t.Fatalf("StopLive() = %+v, %v", ended, err)
	}
	if f.sessions.openCount() != 0 {
		t.Error("open sessions survived stop")
	}
	if len(f.closer.rooms) != 1 || f.closer.rooms[0] != rm.ID.String() {
		t.Errorf("closer calls = %v", f.closer.rooms)
	}
	if len(f.archiver.payloads) != 1 || f.archiver.payloads[0].RoomID != rm.ID {
		t.Errorf("archive jobs = %v", f.archiver.payloads)
	}

	if _, err := f.svc.StartLive(ctx, rm.ID, teacher); !errors.Is(err, ErrConflict) {
		t.Errorf("restart ended err = %v", err)
	}
	if _, err := f.svc.StopLive(ctx, rm.ID, teacher); !errors.Is(err, ErrConflict) {
		t.Errorf("stop ended err = %v", err)
	}
}

func TestOwnership(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	rm, _ := f.svc.CreateRoom(ctx, teacher, CreateInput{Title: "r"})

	if _, err := f.svc.StartLive(ctx, rm.ID, Actor{UserID: "t2", Role: auth.RoleTeacher}); !errors.Is(err, ErrForbidden) {
		t.Errorf("other teacher err = %v", err)
	}
	if _, err := f.svc.StartLive(ctx, rm.ID, Actor{UserID: "root", Role: auth.RoleAdmin}); err != nil {
		t.Errorf("admin err = %v", err)
	}
	if _, err := f.svc.StartLive(ctx, uuid.New(), teacher); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing room err = %v", err)
	}

	mine, err := f.svc.ListMine(ctx, teacher)
	if err != nil || len(mine) != 1 || mine[0].ID != rm.ID {
		t.Errorf("ListMine() = %+v, %v", mine, err)
	}
	if other, _ := f.svc.ListMine(ctx, Actor{UserID: "t2", Role: auth.RoleTeacher}); len(other) != 0 {
		t.Errorf("ListMine(t2) = %+v", other)
	}
}

func TestJoinAndLeaveRoom(t *testing.T) {
	f := newFixture(3)
	ctx := context.Background()
	rm, _ := f.svc.CreateRoom(ctx, teacher, CreateInput{Title: "r", Password: "s3cret"})
	student := Actor{UserID: "s1", Role: auth.RoleStudent}

	if _, err := f.svc.JoinRoom(ctx, rm.ID, student, "s3cret", "", ""); !errors.Is(err, ErrNotLive) {
		t.Errorf("join scheduled err = %v", err)
	}
	_, _ = f.svc.StartLive(ctx, rm.ID, teacher)

	if _, err := f.svc.JoinRoom(ctx, rm.ID, student, "nope", "", ""); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("wrong password err = %v", err)
	}
	res, err := f.svc.JoinRoom(ctx, rm.ID, student, "s3cret", "10.0.0.1", "test")
	if err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	if res.PlayURL != rm.PlayURL || res.SessionID == uuid.Nil {
		t.Errorf("join result = %+v", res)
	}
	if got := f.rooms.get(rm.ID); got.TotalViewers != 1 {
		t.Errorf("total = %d, want 1", got.TotalViewers)
	}

	if err := f.svc.LeaveRoom(ctx, rm.ID, student); err != nil {
		t.Errorf("LeaveRoom() error = %v", err)
	}
	if err := f.svc.LeaveRoom(ctx, rm.ID, student); err != nil {
		t.Errorf("second LeaveRoom() error = %v", err)
	}
	if f.sessions.openCount() != 0 {
		t.Error("playback session still open")
	}

	got, _ := f.svc.GetRoom(ctx, rm.ID)
	if got.CurrentViewers != 3 {
		t.Errorf("current = %d, want presence count 3", got.CurrentViewers)
	}
	stats, err := f.svc.Stats(ctx, rm.ID)
	if err != nil || stats.OnlineNow != 3 || stats.Sessions.TotalSessions != 1 {
		t.Errorf("Stats() = %+v, %v", stats, err)
	}
	live, _ := f.svc.ListLive(ctx)
	if len(live) != 1 || live[0].CurrentViewers != 3 {
		t.Errorf("ListLive() = %+v", live)
	}
}

func TestLeaveRoomClosesOnlyPlayback(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	rm, _ := f.svc.CreateRoom(ctx, teacher, CreateInput{Title: "r"})
	_, _ = f.svc.StartLive(ctx, rm.ID, teacher)
	student := Actor{UserID: "s1", Role: auth.RoleStudent}

	_ = f.sessions.RecordJoin(ctx, &models.SessionRecord{RoomID: rm.ID, UserID: "s1", HandleID: "ws-1"})
	res, err := f.svc.JoinRoom(ctx, rm.ID, student, "", "", "")
	if err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	if f.sessions.openCount() != 2 {
		t.Fatalf("open = %d, want 2", f.sessions.openCount())
	}

	if err := f.svc.LeaveRoom(ctx, rm.ID, student); err != nil {
		t.Fatalf("LeaveRoom() error = %v", err)
	}
	f.sessions.mu.Lock()
	_, wsOpen := f.sessions.open["ws-1"]
	var playOpen bool
	for h, rec := range f.sessions.open {
		if rec.ID == res.SessionID || models.IsPlaybackHandle(h) {
			playOpen = true
		}
	}
	f.sessions.mu.Unlock()
	if !wsOpen || playOpen {
		t.Errorf("after leave: websocket open = %v, playback open = %v", wsOpen, playOpen)
	}
}

func TestJoinable(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	off := false
	rm, _ := f.svc.CreateRoom(ctx, teacher, CreateInput{Title: "r", ChatEnabled: &off})

	if _, err := f.svc.Joinable(ctx, rm.ID); !errors.Is(err, ErrNotLive) {
		t.Errorf("scheduled err = %v, want ErrNotLive", err)
	}
	if _, err := f.svc.Joinable(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
	_, _ = f.svc.StartLive(ctx, rm.ID, teacher)
	got, err := f.svc.Joinable(ctx, rm.ID)
	if err != nil || got.ChatEnabled {
		t.Errorf("Joinable() = %+v, %v; want chat disabled", got, err)
	}
}
