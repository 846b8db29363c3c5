package bootstrap

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"leadflow/internal/bootstrap/config"
	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/errs"
	"leadflow/internal/infrastructure/metrics"
	"leadflow/internal/infrastructure/persistence/gormdb"
	"leadflow/internal/infrastructure/queue/redisqueue"
	"leadflow/internal/usecase/leads"
	"leadflow/internal/usecase/pipeline"
)

// App is everything a command needs, assembled by Module.
type App struct {
	Config    config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	Queue     *redisqueue.Queue
	Leads     *leads.Service
	Runner    *pipeline.Runner
	Scheduler *pipeline.DecayScheduler
	Metrics   *metrics.Metrics
}

func (a *App) InitSchema(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.app"))
	logging.Info(logCtx, "start schema migration", slog.String("dialect", a.DB.Dialector.Name()))

	if err := gormdb.Migrate(ctx, a.DB); err != nil {
		return errs.Wrap(err, "migrate schema")
	}

	logging.Info(logCtx, "schema migration completed")
	return nil
}
