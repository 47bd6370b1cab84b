package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lessonlink/presenter-sync/pkg/metrics"
	"github.com/lessonlink/presenter-sync/pkg/queue"
)

// Source yields jobs and takes failed ones back.
type Source interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Processor executes one job.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
}

// Runner drives the archive worker loop: dequeue, process, retry on error.
type Runner struct {
	source    Source
	processor Processor
	logger    *zap.Logger
	backoff   time.Duration
}

// NewRunner creates a worker loop. backoff <= 0 uses queue.RetryBackoff.
func NewRunner(source Source, processor Processor, backoff time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backoff <= 0 {
		backoff = queue.RetryBackoff
	}
	return &Runner{source: source, processor: processor, logger: logger, backoff: backoff}
}

// Run processes jobs until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := r.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Warn("dequeue error", zap.Error(err))
			r.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		r.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := r.processor.Process(ctx, job); err != nil {
			r.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			metrics.ArchiveJobs.WithLabelValues("failed").Inc()
			if reErr := r.source.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				r.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			r.sleep(ctx)
			continue
		}
		metrics.ArchiveJobs.WithLabelValues("archived").Inc()
	}
}

func (r *Runner) sleep(ctx context.Context) {
	t := time.NewTimer(r.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
