package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lessonlink/presenter-sync/internal/sessions"
	"github.com/lessonlink/presenter-sync/pkg/queue"
	"github.com/lessonlink/presenter-sync/pkg/storage"
)

const (
	enqueueTimeout = 5 * time.Second
	// DefaultListLimit caps GET /archive/:code.
	DefaultListLimit = 20
)

// Store persists archive records.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	ListByCode(ctx context.Context, code string, limit int) ([]Record, error)
}

// ContentStore holds lesson content blobs.
type ContentStore interface {
	PutArchive(ctx context.Context, key, content string) (string, error)
	PresignedDownloadURL(ctx context.Context, key string) (string, error)
}

// Enqueuer queues archive jobs.
type Enqueuer interface {
	EnqueueArchive(ctx context.Context, payload queue.ArchivePayload) error
}

// Recorder turns registry close notifications into archive jobs.
type Recorder struct {
	queue  Enqueuer
	logger *zap.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(q Enqueuer, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{queue: q, logger: logger}
}

// SessionClosed is a sessions.ClosedHandler. Sessions that never carried content or commands are skipped.
func (r *Recorder) SessionClosed(sum sessions.Summary) {
	if sum.Slides == "" && sum.TotalSlides == 0 && sum.CommandsTotal == 0 {
		r.logger.Debug("skipping empty session archive", zap.String("session_code", sum.Code))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	err := r.queue.EnqueueArchive(ctx, queue.ArchivePayload{
		SessionID:     sum.SessionID,
		Code:          sum.Code,
		CreatedAt:     sum.CreatedAt,
		EndedAt:       sum.EndedAt,
		CurrentSlide:  sum.CurrentSlide,
		TotalSlides:   sum.TotalSlides,
		Slides:        sum.Slides,
		PeakDevices:   sum.PeakDevices,
		CommandsTotal: sum.CommandsTotal,
		Reason:        sum.Reason,
	})
	if err != nil {
		r.logger.Error("enqueue archive failed", zap.String("session_code", sum.Code), zap.Error(err))
	}
}

// Processor executes archive jobs: content to S3 (when configured), summary to Postgres.
type Processor struct {
	store   Store
	content ContentStore
	logger  *zap.Logger
	now     func() time.Time
}

// NewProcessor creates an archive processor. content may be nil, in which case only summaries are kept.
func NewProcessor(store Store, content ContentStore, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, content: content, logger: logger, now: time.Now}
}

// Process executes one archive job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchiveSession {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	rec := &Record{
		ID:            uuid.New(),
		SessionID:     payload.SessionID,
		Code:          payload.Code,
		CreatedAt:     payload.CreatedAt,
		EndedAt:       payload.EndedAt,
		CurrentSlide:  payload.CurrentSlide,
		TotalSlides:   payload.TotalSlides,
		PeakDevices:   payload.PeakDevices,
		CommandsTotal: payload.CommandsTotal,
		Reason:        payload.Reason,
		ArchivedAt:    p.now(),
	}
	if payload.Slides != "" && p.content != nil {
		key := storage.ArchiveKey(payload.Code, payload.SessionID.String())
		if _, err := p.content.PutArchive(ctx, key, payload.Slides); err != nil {
			return fmt.Errorf("store content: %w", err)
		}
		rec.ContentKey = &key
		rec.ContentBytes = int64(len(payload.Slides))
	}
	if err := p.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	p.logger.Info("session archived",
		zap.String("session_code", rec.Code),
		zap.String("session_id", rec.SessionID.String()),
		zap.String("reason", rec.Reason),
		zap.Bool("content", rec.ContentKey != nil),
	)
	return nil
}

// Lister serves archived runs with temporary content links.
type Lister struct {
	store   Store
	content ContentStore
	logger  *zap.Logger
}

// NewLister creates a lister. content may be nil.
func NewLister(store Store, content ContentStore, logger *zap.Logger) *Lister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lister{store: store, content: content, logger: logger}
}

// List returns the most recent archived runs of code.
func (l *Lister) List(ctx context.Context, code string) ([]Entry, error) {
	records, err := l.store.ListByCode(ctx, code, DefaultListLimit)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		e := Entry{Record: rec}
		if rec.ContentKey != nil && l.content != nil {
			url, err := l.content.PresignedDownloadURL(ctx, *rec.ContentKey)
			if err != nil {
				l.logger.Warn("presign archive content", zap.String("key", *rec.ContentKey), zap.Error(err))
			} else {
				e.ContentURL = url
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
