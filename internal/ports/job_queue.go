package ports

import (
	"context"
	"errors"
	"time"

	"leadflow/internal/domain/job"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost rejects settling a job copy whose lease expired and whose
	// job was re-delivered or already settled.
	ErrLeaseLost = errors.New("job lease lost")
)

type Job struct {
	ID           string
	Queue        job.QueueName
	Data         []byte
	State        job.State
	AttemptsMade int
	MaxAttempts  int
	LastError    string
	EnqueuedAt   time.Time
	LeaseUntil   time.Time
}

type EnqueueOptions struct {
	// JobID fixes the job id. Adding a job whose id was already added is a
	// no-op reported through the added result.
	JobID       string
	Delay       time.Duration
	MaxAttempts int
}

type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Dead      int64 `json:"dead"`
}

// JobQueue is a durable at-least-once job queue.
type JobQueue interface {
	Add(ctx context.Context, queue job.QueueName, data []byte, opts EnqueueOptions) (jobID string, added bool, err error)
	// Reserve blocks up to wait for a job and leases it until lease expires.
	Reserve(ctx context.Context, queue job.QueueName, lease time.Duration, wait time.Duration) (Job, bool, error)
	// Complete, Retry and Bury settle the attempt j was reserved as and fail
	// with ErrLeaseLost once that attempt is no longer the active one.
	Complete(ctx context.Context, j Job) error
	Retry(ctx context.Context, j Job, delay time.Duration, cause string) error
	Bury(ctx context.Context, j Job, cause string) error
	PromoteDue(ctx context.Context, queue job.QueueName, now time.Time) (int, error)
	RequeueExpired(ctx context.Context, queue job.QueueName, now time.Time) (int, error)
	Counts(ctx context.Context, queue job.QueueName) (QueueCounts, error)
}

// JobMetrics observes worker outcomes.
type JobMetrics interface {
	ObserveJob(queue job.QueueName, outcome string, elapsed time.Duration)
}
