// Package config loads the service configuration of the leanflow binary
// from a YAML file, the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/i2y/leanflow"
)

// EnvPrefix prefixes every environment variable, e.g. LEANFLOW_DATABASE_URL.
const EnvPrefix = "LEANFLOW"

// Config holds the configuration of the service.
type Config struct {
	Database struct {
		URL         string `mapstructure:"url"`
		AutoMigrate bool   `mapstructure:"auto_migrate"`
	} `mapstructure:"database"`
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Outbox struct {
		Enabled   bool          `mapstructure:"enabled"`
		BrokerURL string        `mapstructure:"broker_url"`
		Source    string        `mapstructure:"source"`
		Interval  time.Duration `mapstructure:"interval"`
		BatchSize int           `mapstructure:"batch_size"`
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"outbox"`
	Sweep struct {
		Enabled          bool          `mapstructure:"enabled"`
		Interval         time.Duration `mapstructure:"interval"`
		BatchSize        int           `mapstructure:"batch_size"`
		Concurrency      int           `mapstructure:"concurrency"`
		HistoryRetention time.Duration `mapstructure:"history_retention"`
	} `mapstructure:"sweep"`
	Engine struct {
		StepLimit       int `mapstructure:"step_limit"`
		ConflictRetry   int `mapstructure:"conflict_retry"`
		HistoryQueue    int `mapstructure:"history_queue"`
		DefinitionCache int `mapstructure:"definition_cache"`
	} `mapstructure:"engine"`
	Tracing struct {
		Endpoint string `mapstructure:"endpoint"`
		Insecure bool   `mapstructure:"insecure"`
	} `mapstructure:"tracing"`
	ServiceName string `mapstructure:"service_name"`
	WorkerID    string `mapstructure:"worker_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "leanflow")
	v.SetDefault("database.url", "leanflow.db")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("outbox.enabled", false)
	v.SetDefault("outbox.source", "leanflow")
	v.SetDefault("outbox.interval", time.Second)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.retention", 7*24*time.Hour)
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval", 10*time.Second)
	v.SetDefault("sweep.batch_size", 100)
	v.SetDefault("sweep.concurrency", 10)
	v.SetDefault("engine.step_limit", 1000)
	v.SetDefault("engine.history_queue", 1024)
	v.SetDefault("engine.definition_cache", 256)
	v.SetDefault("tracing.insecure", true)
}

// Load reads the configuration. A non-empty path names the YAML file,
// otherwise leanflow.yaml is looked up in . and ./config and is optional.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("leanflow")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Logger builds the slog logger described by the log section.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Log.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", c.Log.Format)
	}
}

// Options maps the configuration to App options.
func (c *Config) Options() []leanflow.Option {
	opts := []leanflow.Option{
		leanflow.WithServiceName(c.ServiceName),
		leanflow.WithDatabase(c.Database.URL),
		leanflow.WithAutoMigrate(c.Database.AutoMigrate),
		leanflow.WithShutdownTimeout(c.Server.ShutdownTimeout),
		leanflow.WithOutbox(c.Outbox.Enabled),
		leanflow.WithBackground(c.Sweep.Enabled),
	}
	if c.WorkerID != "" {
		opts = append(opts, leanflow.WithWorkerID(c.WorkerID))
	}
	if c.Outbox.Enabled {
		opts = append(opts,
			leanflow.WithBrokerURL(c.Outbox.BrokerURL),
			leanflow.WithEventSource(c.Outbox.Source),
			leanflow.WithOutboxInterval(c.Outbox.Interval),
			leanflow.WithOutboxBatchSize(c.Outbox.BatchSize),
			leanflow.WithOutboxRetention(c.Outbox.Retention),
		)
	}
	opts = append(opts,
		leanflow.WithSweepInterval(c.Sweep.Interval),
		leanflow.WithSweepBatchSize(c.Sweep.BatchSize),
		leanflow.WithSweepConcurrency(c.Sweep.Concurrency),
		leanflow.WithHistoryRetention(c.Sweep.HistoryRetention),
		leanflow.WithStepLimit(c.Engine.StepLimit),
		leanflow.WithHistoryQueueSize(c.Engine.HistoryQueue),
		leanflow.WithDefinitionCacheSize(c.Engine.DefinitionCache),
	)
	if c.Engine.ConflictRetry > 0 {
		opts = append(opts, leanflow.WithConflictRetry(c.Engine.ConflictRetry))
	}
	return opts
}
