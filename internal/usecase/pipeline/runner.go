package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/domain/job"
	"leadflow/internal/errs"
	"leadflow/internal/ports"
)

const (
	OutcomeCompleted     = "completed"
	OutcomeUnrecoverable = "unrecoverable"
	OutcomeRetried       = "retried"
	OutcomeDead          = "dead"
	OutcomeStale         = "stale"

	defaultReserveTimeout = 5 * time.Second
	defaultSweepInterval  = time.Second
	defaultLeaseGrace     = 30 * time.Second
	settleTimeout         = 10 * time.Second
	maxRetryDelay         = 10 * time.Minute
)

type RunnerOptions struct {
	// ReserveTimeout bounds one blocking reserve so shutdown is noticed.
	ReserveTimeout time.Duration
	// SweepInterval is how often delayed jobs are promoted and expired
	// leases requeued.
	SweepInterval time.Duration
	// LeaseGrace is added to the queue timeout to form the lease.
	LeaseGrace time.Duration
}

// Runner drives worker pools over the job queues. Each queue gets
// Spec.Concurrency workers; a sweeper promotes due retries and re-delivers
// jobs whose worker died.
type Runner struct {
	queue    ports.JobQueue
	specs    map[job.QueueName]job.Spec
	handlers map[job.QueueName]Handler
	audit    ports.AuditRepository
	metrics  ports.JobMetrics
	opts     RunnerOptions
	now      func() time.Time
}

func NewRunner(queue ports.JobQueue, specs map[job.QueueName]job.Spec, handlers map[job.QueueName]Handler, audit ports.AuditRepository, metrics ports.JobMetrics, opts RunnerOptions) *Runner {
	if specs == nil {
		specs = job.DefaultSpecs()
	}
	if opts.ReserveTimeout <= 0 {
		opts.ReserveTimeout = defaultReserveTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.LeaseGrace <= 0 {
		opts.LeaseGrace = defaultLeaseGrace
	}
	return &Runner{
		queue:    queue,
		specs:    specs,
		handlers: handlers,
		audit:    audit,
		metrics:  metrics,
		opts:     opts,
		now:      time.Now,
	}
}

func (r *Runner) spec(queue job.QueueName) job.Spec {
	spec, ok := r.specs[queue]
	if !ok {
		spec = job.DefaultSpecs()[queue]
	}
	if spec.Name == "" {
		spec.Name = queue
	}
	if spec.Concurrency <= 0 {
		spec.Concurrency = 1
	}
	if spec.Timeout <= 0 {
		spec.Timeout = time.Minute
	}
	return spec
}

// Run blocks until ctx is cancelled. With no queues given every queue that
// has a handler is served. Jobs in flight at cancellation run to completion
// within their queue timeout.
func (r *Runner) Run(ctx context.Context, queues ...job.QueueName) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if len(queues) == 0 {
		for _, q := range job.AllQueues {
			if _, ok := r.handlers[q]; ok {
				queues = append(queues, q)
			}
		}
	}
	if len(queues) == 0 {
		return errors.New("no queue to serve")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		handler, ok := r.handlers[q]
		if !ok {
			return fmt.Errorf("no handler for queue %q", q)
		}
		spec := r.spec(q)
		logging.Info(logging.WithComponent(ctx, "usecase.pipeline.runner"), "starting workers",
			slog.String("queue", string(q)),
			slog.Int("concurrency", spec.Concurrency),
		)
		for i := 0; i < spec.Concurrency; i++ {
			g.Go(func() error {
				r.work(gctx, spec, handler)
				return nil
			})
		}
	}
	g.Go(func() error {
		r.sweep(gctx, queues)
		return nil
	})
	return g.Wait()
}

// RunOnce reserves and processes at most one job of queue. It reports
// whether a job was processed.
func (r *Runner) RunOnce(ctx context.Context, queue job.QueueName) (bool, error) {
	handler, ok := r.handlers[queue]
	if !ok {
		return false, fmt.Errorf("no handler for queue %q", queue)
	}
	spec := r.spec(queue)
	j, found, err := r.queue.Reserve(ctx, queue, spec.Timeout+r.opts.LeaseGrace, r.opts.ReserveTimeout)
	if err != nil || !found {
		return false, err
	}
	r.process(ctx, spec, handler, j)
	return true, nil
}

func (r *Runner) work(ctx context.Context, spec job.Spec, handler Handler) {
	logCtx := logging.WithAttrs(ctx,
		slog.String("component", "usecase.pipeline.runner"),
		slog.String("queue", string(spec.Name)),
	)
	for ctx.Err() == nil {
		j, found, err := r.queue.Reserve(ctx, spec.Name, spec.Timeout+r.opts.LeaseGrace, r.opts.ReserveTimeout)
		if err != nil {
			logging.Warn(logCtx, "reserve job failed", slog.Any("err", errs.Loggable(err)))
			select {
			case <-ctx.Done():
			case <-time.After(r.opts.ReserveTimeout):
			}
			continue
		}
		if !found {
			continue
		}
		r.process(ctx, spec, handler, j)
	}
}

// process runs the handler detached from the worker's cancellation, so a
// shutdown lets the job finish within its timeout instead of leaving a
// half-written batch for the lease sweeper.
func (r *Runner) process(ctx context.Context, spec job.Spec, handler Handler, j ports.Job) {
	started := r.now()
	base := logging.WithAttrs(context.WithoutCancel(ctx),
		slog.String("component", "usecase.pipeline.runner"),
		slog.String("queue", string(spec.Name)),
		slog.String("job_id", j.ID),
		slog.Int("attempt", j.AttemptsMade),
	)

	jobCtx, cancel := context.WithTimeout(base, spec.Timeout)
	err := invoke(jobCtx, handler, j)
	cancel()

	settleCtx, cancelSettle := context.WithTimeout(base, settleTimeout)
	defer cancelSettle()
	outcome := r.settle(settleCtx, spec, j, err)

	elapsed := r.now().Sub(started)
	if r.metrics != nil {
		r.metrics.ObserveJob(spec.Name, outcome, elapsed)
	}
	logging.Debug(base, "job settled", slog.String("outcome", outcome), slog.Duration("elapsed", elapsed))
}

func invoke(ctx context.Context, handler Handler, j ports.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.WithStack(fmt.Errorf("job handler panicked: %v", rec))
		}
	}()
	return handler(ctx, j)
}

func (r *Runner) settle(ctx context.Context, spec job.Spec, j ports.Job, err error) string {
	if err == nil {
		if !r.settled(ctx, "complete", r.queue.Complete(ctx, j)) {
			return OutcomeStale
		}
		return OutcomeCompleted
	}

	if errs.IsUnrecoverable(err) {
		logging.Warn(ctx, "job failed permanently", slog.Any("err", errs.Loggable(err)))
		if !r.settled(ctx, "complete", r.queue.Complete(ctx, j)) {
			return OutcomeStale
		}
		kind := ports.AuditJobUnrecoverable
		if errors.Is(err, job.ErrInvalidPayload) {
			kind = ports.AuditMalformedPayload
		}
		r.appendAudit(ctx, kind, j, err)
		return OutcomeUnrecoverable
	}

	if job.FailureOutcome(j.AttemptsMade, j.MaxAttempts).Next == job.StateDead {
		logging.Error(ctx, "job exhausted its attempts", slog.Any("err", errs.Loggable(err)))
		if !r.settled(ctx, "bury", r.queue.Bury(ctx, j, err.Error())) {
			return OutcomeStale
		}
		r.appendAudit(ctx, ports.AuditJobDead, j, err)
		return OutcomeDead
	}

	delay := RetryDelay(spec.InitialBackoff, j.AttemptsMade)
	logging.Warn(ctx, "job failed, retry scheduled",
		slog.Duration("delay", delay),
		slog.Any("err", errs.Loggable(err)),
	)
	if !r.settled(ctx, "retry", r.queue.Retry(ctx, j, delay, err.Error())) {
		return OutcomeStale
	}
	return OutcomeRetried
}

// settled logs a failed queue write. It reports false when the attempt lost
// its lease, in which case the result is dropped and the live attempt settles
// the job.
func (r *Runner) settled(ctx context.Context, op string, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ports.ErrLeaseLost) {
		logging.Warn(ctx, "job lease lost, result dropped", slog.String("op", op), slog.Any("err", errs.Loggable(err)))
		return false
	}
	logging.Error(ctx, op+" job failed", slog.Any("err", errs.Loggable(err)))
	return true
}

// RetryDelay is the exponential backoff after the attemptsMade-th failure:
// initial, 2x initial, 4x initial ... capped at ten minutes.
func RetryDelay(initial time.Duration, attemptsMade int) time.Duration {
	if initial <= 0 {
		initial = backoff.DefaultInitialInterval
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxRetryDelay,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attemptsMade; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (r *Runner) appendAudit(ctx context.Context, kind ports.AuditKind, j ports.Job, cause error) {
	if r.audit == nil {
		return
	}
	if err := r.audit.AppendAudit(ctx, ports.AuditEventCreate{
		TenantID: gjson.GetBytes(j.Data, "tenantId").String(),
		Kind:     kind,
		Queue:    string(j.Queue),
		JobID:    j.ID,
		Detail:   cause.Error(),
	}); err != nil {
		logging.Error(ctx, "append audit event failed", slog.Any("err", errs.Loggable(err)))
	}
}

func (r *Runner) sweep(ctx context.Context, queues []job.QueueName) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		r.SweepOnce(ctx, queues...)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce promotes due delayed jobs and requeues jobs whose lease expired.
func (r *Runner) SweepOnce(ctx context.Context, queues ...job.QueueName) {
	logCtx := logging.WithComponent(ctx, "usecase.pipeline.sweeper")
	now := r.now()
	for _, q := range queues {
		if _, err := r.queue.PromoteDue(ctx, q, now); err != nil && ctx.Err() == nil {
			logging.Warn(logCtx, "promote delayed jobs failed", slog.String("queue", string(q)), slog.Any("err", errs.Loggable(err)))
		}
		requeued, err := r.queue.RequeueExpired(ctx, q, now)
		if err != nil && ctx.Err() == nil {
			logging.Warn(logCtx, "requeue expired jobs failed", slog.String("queue", string(q)), slog.Any("err", errs.Loggable(err)))
			continue
		}
		if requeued > 0 {
			logging.Warn(logCtx, "re-delivered jobs with expired lease", slog.String("queue", string(q)), slog.Int("count", requeued))
		}
	}
}
