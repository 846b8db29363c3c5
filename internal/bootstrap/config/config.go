package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/errs"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Platform   PlatformConfig   `mapstructure:"platform"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type HTTPConfig struct {
	Addr        string `mapstructure:"addr"`
	VerifyToken string `mapstructure:"verify_token"`
	AppSecret   string `mapstructure:"app_secret"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	MaxBodySize int64  `mapstructure:"max_body_size"`
}

type QueueConfig struct {
	Attempts      int           `mapstructure:"attempts"`
	Backoff       time.Duration `mapstructure:"backoff"`
	Concurrency   int           `mapstructure:"concurrency"`
	Timeout       time.Duration `mapstructure:"timeout"`
	KeepCompleted int           `mapstructure:"keep_completed"`
	KeepDead      int           `mapstructure:"keep_dead"`
}

type PipelineConfig struct {
	ReserveTimeout time.Duration `mapstructure:"reserve_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	Webhook        QueueConfig   `mapstructure:"webhook"`
	Ingestion      QueueConfig   `mapstructure:"ingestion"`
	Analysis       QueueConfig   `mapstructure:"analysis"`
	Decay          QueueConfig   `mapstructure:"decay"`
	DecayHourUTC   int           `mapstructure:"decay_hour_utc"`
	DecayBatchSize int           `mapstructure:"decay_batch_size"`
}

type ClassifierConfig struct {
	Provider string        `mapstructure:"provider"`
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type PlatformConfig struct {
	GraphBaseURL  string        `mapstructure:"graph_base_url"`
	AccessToken   string        `mapstructure:"access_token"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

func Load(ctx context.Context, configFile string) (Config, error) {
	if ctx == nil {
		return Config{}, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return Config{}, errs.Wrap(err, "check context")
	}

	logCtx := logging.WithComponent(ctx, "bootstrap.config")

	// A missing .env is the normal case outside local development.
	if err := godotenv.Load(); err == nil {
		logging.Info(logCtx, "loaded .env file")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile == "" && errors.As(err, &notFound) {
			logging.Warn(logCtx, "config file not found, fallback to defaults and env")
		} else {
			return Config{}, errs.Wrap(err, "read config")
		}
	} else {
		logging.Info(logCtx, "using config file", slog.String("path", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errs.Wrap(err, "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	logging.Info(
		logCtx,
		"config loaded",
		slog.String("app", cfg.App.Name),
		slog.String("env", cfg.App.Env),
		slog.String("database_driver", cfg.Database.Driver),
		slog.String("redis_addr", cfg.Redis.Addr),
	)

	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn is required")
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("redis.addr is required")
	}
	if c.Pipeline.DecayHourUTC < 0 || c.Pipeline.DecayHourUTC > 23 {
		return fmt.Errorf("pipeline.decay_hour_utc must be within 0..23, got %d", c.Pipeline.DecayHourUTC)
	}
	if c.Pipeline.DecayBatchSize <= 0 {
		return errors.New("pipeline.decay_batch_size must be positive")
	}
	for name, q := range map[string]QueueConfig{
		"webhook":   c.Pipeline.Webhook,
		"ingestion": c.Pipeline.Ingestion,
		"analysis":  c.Pipeline.Analysis,
		"decay":     c.Pipeline.Decay,
	} {
		if q.Attempts <= 0 {
			return fmt.Errorf("pipeline.%s.attempts must be positive", name)
		}
		if q.Concurrency <= 0 {
			return fmt.Errorf("pipeline.%s.concurrency must be positive", name)
		}
	}
	if c.Pipeline.Decay.Concurrency != 1 {
		return errors.New("pipeline.decay.concurrency must be 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "leadflow")
	v.SetDefault("app.env", "local")

	v.SetDefault("log.format", "text")
	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", ".state/leadflow.sqlite")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "leadflow")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.max_body_size", 1<<20)

	v.SetDefault("pipeline.reserve_timeout", "2s")
	v.SetDefault("pipeline.sweep_interval", "1s")
	setQueueDefaults(v, "webhook", 5, time.Second, 10, time.Minute)
	setQueueDefaults(v, "ingestion", 3, 2*time.Second, 5, 2*time.Minute)
	setQueueDefaults(v, "analysis", 3, 2*time.Second, 5, time.Minute)
	setQueueDefaults(v, "decay", 3, 30*time.Second, 1, 30*time.Minute)
	v.SetDefault("pipeline.decay_hour_utc", 3)
	v.SetDefault("pipeline.decay_batch_size", 500)

	v.SetDefault("classifier.provider", "openai")
	v.SetDefault("classifier.model", "gpt-4o-mini")
	v.SetDefault("classifier.timeout", "20s")

	v.SetDefault("platform.graph_base_url", "https://graph.facebook.com/v19.0")
	v.SetDefault("platform.rate_per_second", 2.0)
	v.SetDefault("platform.burst", 2)
	v.SetDefault("platform.timeout", "15s")
}

func setQueueDefaults(v *viper.Viper, name string, attempts int, backoff time.Duration, concurrency int, timeout time.Duration) {
	prefix := "pipeline." + name + "."
	v.SetDefault(prefix+"attempts", attempts)
	v.SetDefault(prefix+"backoff", backoff)
	v.SetDefault(prefix+"concurrency", concurrency)
	v.SetDefault(prefix+"timeout", timeout)
	v.SetDefault(prefix+"keep_completed", 100)
	v.SetDefault(prefix+"keep_dead", 500)
}
