package bootstrap

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"leadflow/internal/bootstrap/config"
	"leadflow/internal/bootstrap/database"
	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/domain/job"
	cacheinfra "leadflow/internal/infrastructure/cache"
	"leadflow/internal/infrastructure/classifier"
	"leadflow/internal/infrastructure/metrics"
	"leadflow/internal/infrastructure/persistence/gormdb/repository"
	"leadflow/internal/infrastructure/persistence/gormdb/uow"
	"leadflow/internal/infrastructure/platform"
	"leadflow/internal/infrastructure/queue/redisqueue"
	"leadflow/internal/ports"
	"leadflow/internal/usecase/leads"
	"leadflow/internal/usecase/normalize"
	"leadflow/internal/usecase/pipeline"
)

var Module = fx.Options(
	fx.Provide(provideConfig),
	fx.Provide(provideDatabase),
	fx.Provide(provideRedis),
	fx.Provide(provideQueue),
	fx.Provide(func(q *redisqueue.Queue) ports.JobQueue { return q }),
	fx.Provide(
		fx.Annotate(repository.NewAccountRepository, fx.As(new(ports.AccountRepository))),
		fx.Annotate(repository.NewPostRepository, fx.As(new(ports.PostRepository))),
		fx.Annotate(repository.NewCustomerRepository, fx.As(new(ports.CustomerRepository))),
		fx.Annotate(repository.NewInteractionRepository, fx.As(new(ports.InteractionRepository))),
		fx.Annotate(repository.NewAuditRepository, fx.As(new(ports.AuditRepository))),
	),
	fx.Provide(
		fx.Annotate(
			uow.NewUnitOfWork,
			fx.As(new(ports.UnitOfWork)),
		),
	),
	fx.Provide(
		fx.Annotate(
			cacheinfra.NewKVCache,
			fx.As(new(ports.Cache)),
		),
	),
	fx.Provide(provideClassifier),
	fx.Provide(provideFetcher),
	fx.Provide(provideMetrics),
	fx.Provide(normalize.New),
	fx.Provide(provideLeadService),
	fx.Provide(provideRunner),
	fx.Provide(provideScheduler),
	fx.Provide(provideApp),
)

type configParams struct {
	fx.In

	Ctx        context.Context
	ConfigFile string `name:"configFile"`
}

func provideConfig(p configParams) (config.Config, error) {
	ctx := logging.WithAttrs(p.Ctx, slog.String("component", "bootstrap.fx"))
	return config.Load(ctx, p.ConfigFile)
}

func provideDatabase(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (*gorm.DB, error) {
	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.fx"))

	db, err := database.Open(logCtx, cfg.Database)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})

	return db, nil
}

// provideRedis sizes the pool for one blocking reserve per worker plus
// headroom for enqueues and the sweeper.
func provideRedis(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	workers := cfg.Pipeline.Webhook.Concurrency + cfg.Pipeline.Ingestion.Concurrency +
		cfg.Pipeline.Analysis.Concurrency + cfg.Pipeline.Decay.Concurrency
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: workers + 10,
	})
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return client.Close()
		},
	})
	return client
}

func provideQueue(client *redis.Client, cfg config.Config) *redisqueue.Queue {
	return redisqueue.New(client, cfg.Redis.KeyPrefix, QueueSpecs(cfg.Pipeline))
}

// QueueSpecs overlays configured queue policies on the built-in defaults.
func QueueSpecs(cfg config.PipelineConfig) map[job.QueueName]job.Spec {
	specs := job.DefaultSpecs()
	overlay := func(name job.QueueName, q config.QueueConfig) {
		s := specs[name]
		if q.Attempts > 0 {
			s.Attempts = q.Attempts
		}
		if q.Backoff > 0 {
			s.InitialBackoff = q.Backoff
		}
		if q.Concurrency > 0 {
			s.Concurrency = q.Concurrency
		}
		if q.Timeout > 0 {
			s.Timeout = q.Timeout
		}
		if q.KeepCompleted > 0 {
			s.KeepCompleted = q.KeepCompleted
		}
		if q.KeepDead > 0 {
			s.KeepDead = q.KeepDead
		}
		specs[name] = s
	}
	overlay(job.QueueWebhook, cfg.Webhook)
	overlay(job.QueueIngestion, cfg.Ingestion)
	overlay(job.QueueAnalysis, cfg.Analysis)
	overlay(job.QueueDecay, cfg.Decay)
	return specs
}

func provideClassifier(ctx context.Context, cfg config.Config) (ports.Classifier, error) {
	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.fx"))

	var inner ports.Classifier = classifier.Keyword{}
	provider := strings.ToLower(strings.TrimSpace(cfg.Classifier.Provider))
	switch {
	case provider == "openai" && strings.TrimSpace(cfg.Classifier.APIKey) != "":
		c, err := classifier.NewOpenAI(classifier.OpenAIConfig{
			APIKey:  cfg.Classifier.APIKey,
			BaseURL: cfg.Classifier.BaseURL,
			Model:   cfg.Classifier.Model,
		})
		if err != nil {
			return nil, err
		}
		inner = c
	case provider == "openai":
		logging.Warn(logCtx, "classifier api key missing, falling back to keyword classifier")
	}
	return classifier.WithTimeout(inner, cfg.Classifier.Timeout), nil
}

func provideFetcher(cfg config.Config) ports.PlatformFetcher {
	return platform.NewGraphFetcher(platform.GraphConfig{
		BaseURL:       cfg.Platform.GraphBaseURL,
		AccessToken:   cfg.Platform.AccessToken,
		RatePerSecond: cfg.Platform.RatePerSecond,
		Burst:         cfg.Platform.Burst,
		Timeout:       cfg.Platform.Timeout,
	})
}

func provideMetrics(queue ports.JobQueue) *metrics.Metrics {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RegisterQueueDepth(reg, func(q job.QueueName) (ports.QueueCounts, error) {
		return queue.Counts(context.Background(), q)
	})
	return m
}

type leadParams struct {
	fx.In

	Config       config.Config
	Accounts     ports.AccountRepository
	Posts        ports.PostRepository
	Customers    ports.CustomerRepository
	Interactions ports.InteractionRepository
	UnitOfWork   ports.UnitOfWork
	Cache        ports.Cache
	Classifier   ports.Classifier
	Fetcher      ports.PlatformFetcher
}

func provideLeadService(p leadParams) *leads.Service {
	return leads.NewService(leads.Dependencies{
		Accounts:     p.Accounts,
		Posts:        p.Posts,
		Customers:    p.Customers,
		Interactions: p.Interactions,
		UnitOfWork:   p.UnitOfWork,
		Cache:        p.Cache,
		Classifier:   p.Classifier,
		Fetcher:      p.Fetcher,
	}, leads.Options{
		ClassifyTimeout: p.Config.Classifier.Timeout,
		DecayBatchSize:  p.Config.Pipeline.DecayBatchSize,
	})
}

func provideRunner(cfg config.Config, svc *leads.Service, normalizer *normalize.Normalizer, queue ports.JobQueue, audit ports.AuditRepository, m *metrics.Metrics) *pipeline.Runner {
	handlers := pipeline.NewHandlers(svc, normalizer, queue, audit)
	return pipeline.NewRunner(queue, QueueSpecs(cfg.Pipeline), handlers.ByQueue(), audit, m, pipeline.RunnerOptions{
		ReserveTimeout: cfg.Pipeline.ReserveTimeout,
		SweepInterval:  cfg.Pipeline.SweepInterval,
	})
}

func provideScheduler(cfg config.Config, queue ports.JobQueue) *pipeline.DecayScheduler {
	return pipeline.NewDecayScheduler(queue, cfg.Pipeline.DecayHourUTC, 0)
}

type appParams struct {
	fx.In

	Config    config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	Queue     *redisqueue.Queue
	Leads     *leads.Service
	Runner    *pipeline.Runner
	Scheduler *pipeline.DecayScheduler
	Metrics   *metrics.Metrics
}

func provideApp(p appParams) *App {
	return &App{
		Config:    p.Config,
		DB:        p.DB,
		Redis:     p.Redis,
		Queue:     p.Queue,
		Leads:     p.Leads,
		Runner:    p.Runner,
		Scheduler: p.Scheduler,
		Metrics:   p.Metrics,
	}
}
