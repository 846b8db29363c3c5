package leads

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/errs"
	"leadflow/internal/ports"
)

const (
	defaultStatsTTL        = 5 * time.Minute
	defaultClassifyTimeout = 20 * time.Second
	defaultDecayBatchSize  = 500
)

type Dependencies struct {
	Accounts     ports.AccountRepository
	Posts        ports.PostRepository
	Customers    ports.CustomerRepository
	Interactions ports.InteractionRepository
	UnitOfWork   ports.UnitOfWork
	Cache        ports.Cache
	Classifier   ports.Classifier
	Fetcher      ports.PlatformFetcher
}

type Options struct {
	StatsTTL        time.Duration
	ClassifyTimeout time.Duration
	DecayBatchSize  int
}

// Service owns the engagement write path: identity resolution, ingestion,
// analysis and decay. Every repository call runs inside a tenant or system
// transaction from the unit of work.
type Service struct {
	accounts     ports.AccountRepository
	posts        ports.PostRepository
	customers    ports.CustomerRepository
	interactions ports.InteractionRepository
	uow          ports.UnitOfWork
	cache        ports.Cache
	classifier   ports.Classifier
	fetcher      ports.PlatformFetcher

	statsTTL        time.Duration
	classifyTimeout time.Duration
	decayBatchSize  int
	now             func() time.Time
}

func NewService(deps Dependencies, opts Options) *Service {
	s := &Service{
		accounts:        deps.Accounts,
		posts:           deps.Posts,
		customers:       deps.Customers,
		interactions:    deps.Interactions,
		uow:             deps.UnitOfWork,
		cache:           deps.Cache,
		classifier:      deps.Classifier,
		fetcher:         deps.Fetcher,
		statsTTL:        opts.StatsTTL,
		classifyTimeout: opts.ClassifyTimeout,
		decayBatchSize:  opts.DecayBatchSize,
		now:             time.Now,
	}
	if s.statsTTL <= 0 {
		s.statsTTL = defaultStatsTTL
	}
	if s.classifyTimeout <= 0 {
		s.classifyTimeout = defaultClassifyTimeout
	}
	if s.decayBatchSize <= 0 {
		s.decayBatchSize = defaultDecayBatchSize
	}
	return s
}

func (s *Service) check(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}
	if s.uow == nil {
		return errors.New("unit of work is required")
	}
	return nil
}

func cacheStatsKey(tenantID string) string {
	return "tenant_stats:" + tenantID
}

func (s *Service) invalidateStats(ctx context.Context, tenantID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cacheStatsKey(tenantID)); err != nil {
		logging.Warn(
			logging.WithComponent(ctx, "usecase.leads"),
			"invalidate tenant stats failed",
			slog.String("tenant_id", tenantID),
			slog.Any("err", errs.Loggable(err)),
		)
	}
}

func (s *Service) nowUTC() time.Time {
	return s.now().UTC()
}
