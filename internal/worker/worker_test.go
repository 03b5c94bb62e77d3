package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/liveroom/internal/models"
	"github.com/aura-webinar/liveroom/pkg/queue"
)

type fakeReaper struct {
	touched [][]string
	before  time.Time
	rooms   []uuid.UUID
	err     error
}

func (f *fakeReaper) TouchHandles(_ context.Context, handles []string) (int64, error) {
	f.touched = append(f.touched, handles)
	return int64(len(handles)), nil
}

func (f *fakeReaper) CleanupExpired(_ context.Context, before time.Time) ([]uuid.UUID, error) {
	f.before = before
	return f.rooms, f.err
}

type handleList []string

func (h handleList) LocalHandles() []string { return h }

type counterCall struct {
	id         uuid.UUID
	current    int
	newViewers int
}

type fakeCounter struct{ calls []counterCall }

func (f *fakeCounter) UpdateViewerCounts(_ context.Context, id uuid.UUID, current, newViewers int) error {
	f.calls = append(f.calls, counterCall{id, current, newViewers})
	return nil
}

type presenceCounts map[string]int

func (p presenceCounts) Count(_ context.Context, roomID string) (int, error) { return p[roomID], nil }

func TestSweep(t *testing.T) {
	room := uuid.New()
	reaper := &fakeReaper{rooms: []uuid.UUID{room}}
	counter := &fakeCounter{}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	s := NewSessionSweeper(reaper, handleList{"h1", "h2"}, counter, presenceCounts{room.String(): 4}, time.Minute, 3*time.Minute, nil)
	s.now = func() time.Time { return now }

	if n := s.Sweep(context.Background()); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if len(reaper.touched) != 1 || len(reaper.touched[0]) != 2 {
		t.Errorf("touched = %v", reaper.touched)
	}
	if !reaper.before.Equal(now.Add(-3 * time.Minute)) {
		t.Errorf("cutoff = %v", reaper.before)
	}
	if len(counter.calls) != 1 || counter.calls[0] != (counterCall{room, 4, 0}) {
		t.Errorf("counter calls = %+v", counter.calls)
	}
}

func TestSweepSurvivesErrors(t *testing.T) {
	reaper := &fakeReaper{err: errors.New("db down")}
	counter := &fakeCounter{}
	s := NewSessionSweeper(reaper, handleList{}, counter, presenceCounts{}, time.Minute, time.Minute, nil)
	if n := s.Sweep(context.Background()); n != 0 {
		t.Errorf("Sweep() = %d", n)
	}
	if len(reaper.touched) != 0 {
		t.Error("touched with no local handles")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != nil {
		t.Errorf("Run() = %v", err)
	}
}

type fakeSource struct {
	records map[uuid.UUID][]models.SessionRecord
	err     error
}

func (f *fakeSource) ListAllByRoom(_ context.Context, roomID uuid.UUID) ([]models.SessionRecord, error) {
	return f.records[roomID], f.err
}

type upload struct {
	bucket, key, contentType string
	body                     []byte
	length                   int64
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	err     error
}

func (f *fakeUploader) ArchiveBucket() string { return "archive" }

func (f *fakeUploader) Upload(_ context.Context, bucket, key, contentType string, body io.Reader, n int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	raw, _ := io.ReadAll(body)
	f.uploads = append(f.uploads, upload{bucket, key, contentType, raw, n})
	return "https://archive/" + key, nil
}

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []*queue.Job
	retried []*queue.Job
}

func (q *fakeQueue) Dequeue(ctx context.Context, _ time.Duration, _ ...string) (*queue.Job, error) {
	q.mu.Lock()
	if len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		return job, nil
	}
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (q *fakeQueue) Retry(_ context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Attempt++
	q.retried = append(q.retried, job)
	return nil
}

func archiveJob(t *testing.T, room uuid.UUID) *queue.Job {
	t.Helper()
	body, _ := json.Marshal(queue.SessionArchivePayload{RoomID: room, EndedAt: time.Now()})
	return &queue.Job{ID: "job-1", Type: queue.JobTypeSessionArchive, Queue: queue.QueueSessionArchive, Payload: body}
}

func TestArchiveProcess(t *testing.T) {
	room := uuid.New()
	src := &fakeSource{records: map[uuid.UUID][]models.SessionRecord{room: {
		{RoomID: room, UserID: "a", Status: models.SessionDisconnected, DurationSeconds: 30},
		{RoomID: room, UserID: "b", Status: models.SessionExpired, DurationSeconds: 12},
	}}}
	up := &fakeUploader{}
	p := NewArchiveProcessor(src, up, &fakeQueue{}, nil)

	if err := p.Process(context.Background(), archiveJob(t, room)); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(up.uploads) != 1 {
		t.Fatalf("uploads = %d", len(up.uploads))
	}
	u := up.uploads[0]
	if u.bucket != "archive" || u.key != "sessions/"+room.String()+"/job-1.jsonl" || u.length != int64(len(u.body)) {
		t.Errorf("upload = %s %s %d/%d", u.bucket, u.key, u.length, len(u.body))
	}
	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(u.body))
	for sc.Scan() {
		var rec models.SessionRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}

	if err := p.Process(context.Background(), &queue.Job{Type: "other"}); err == nil {
		t.Error("unknown job type accepted")
	}
	if err := p.Process(context.Background(), archiveJob(t, uuid.New())); err != nil {
		t.Errorf("empty room err = %v", err)
	}
	if len(up.uploads) != 1 {
		t.Error("empty room produced an upload")
	}
}

func TestArchiveRunRetriesFailures(t *testing.T) {
	room := uuid.New()
	src := &fakeSource{records: map[uuid.UUID][]models.SessionRecord{room: {{RoomID: room, UserID: "a"}}}}
	up := &fakeUploader{err: errors.New("s3 down")}
	q := &fakeQueue{jobs: []*queue.Job{archiveJob(t, room)}}
	p := NewArchiveProcessor(src, up, q, nil)
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		n := len(q.retried)
		q.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.retried) != 1 || q.retried[0].Attempt != 1 {
		t.Errorf("retried = %+v", q.retried)
	}
}
