package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/liveroom/internal/models"
	"github.com/aura-webinar/liveroom/pkg/queue"
	"github.com/aura-webinar/liveroom/pkg/storage"
)

const dequeueTimeout = 5 * time.Second

// JobQueue is the queue side of the archive worker.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration, queues ...string) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// SessionSource lists the records of a room.
type SessionSource interface {
	ListAllByRoom(ctx context.Context, roomID uuid.UUID) ([]models.SessionRecord, error)
}

// Uploader stores archive objects.
type Uploader interface {
	ArchiveBucket() string
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// ArchiveProcessor exports the session records of ended rooms to object storage.
type ArchiveProcessor struct {
	sessions SessionSource
	store    Uploader
	queue    JobQueue
	backoff  time.Duration
	logger   *zap.Logger
}

// NewArchiveProcessor creates a session archive processor.
func NewArchiveProcessor(sessions SessionSource, store Uploader, q JobQueue, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{sessions: sessions, store: store, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one session archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.SessionArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	records, err := p.sessions.ListAllByRoom(ctx, payload.RoomID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(records) == 0 {
		p.logger.Info("no sessions to archive", zap.String("room_id", payload.RoomID.String()))
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
	}

	key := storage.SessionArchiveKey(payload.RoomID.String(), job.ID)
	url, err := p.store.Upload(ctx, p.store.ArchiveBucket(), key, storage.ContentTypeJSONLines, &buf, int64(buf.Len()))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("session archive uploaded",
		zap.String("room_id", payload.RoomID.String()),
		zap.Int("sessions", len(records)),
		zap.String("s3_key", key),
		zap.String("url", url))
	return nil
}

// Run dequeues and processes jobs until ctx is done. Failed jobs are retried
// through the queue, which moves them to the DLQ after MaxRetries.
func (p *ArchiveProcessor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			p.logger.Info("archive worker stopping")
			return nil
		}

		job, err := p.queue.Dequeue(ctx, dequeueTimeout, queue.QueueSessionArchive)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.wait(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.wait(ctx)
		}
	}
}

func (p *ArchiveProcessor) wait(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
