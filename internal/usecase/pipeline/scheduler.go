package pipeline

import (
	"context"
	"log/slog"
	"time"

	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/domain/job"
	"leadflow/internal/errs"
	"leadflow/internal/ports"
)

const defaultScheduleInterval = time.Minute

// DecayScheduler enqueues the daily decay job once the configured UTC hour
// has passed. The job id is fixed per day, so every tick after the first is
// a no-op.
type DecayScheduler struct {
	queue    ports.JobQueue
	hourUTC  int
	interval time.Duration
	now      func() time.Time
}

func NewDecayScheduler(queue ports.JobQueue, hourUTC int, interval time.Duration) *DecayScheduler {
	if hourUTC < 0 || hourUTC > 23 {
		hourUTC = 0
	}
	if interval <= 0 {
		interval = defaultScheduleInterval
	}
	return &DecayScheduler{queue: queue, hourUTC: hourUTC, interval: interval, now: time.Now}
}

// Tick enqueues today's decay job when it is due. added is false before the
// hour or when the job already exists.
func (s *DecayScheduler) Tick(ctx context.Context) (jobID string, added bool, err error) {
	now := s.now().UTC()
	if now.Hour() < s.hourUTC {
		return "", false, nil
	}
	return s.queue.Add(ctx, job.QueueDecay, []byte(`{}`), ports.EnqueueOptions{JobID: job.DecayJobID(now)})
}

func (s *DecayScheduler) Run(ctx context.Context) error {
	logCtx := logging.WithComponent(ctx, "usecase.pipeline.scheduler")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		id, added, err := s.Tick(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			logging.Warn(logCtx, "schedule decay failed", slog.Any("err", errs.Loggable(err)))
		case added:
			logging.Info(logCtx, "decay job scheduled", slog.String("job_id", id))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
