// Package config loads the coldtrace service configuration.
//
// Values come from coldtrace.yaml (or the file named by --config), then
// COLDTRACE_* environment variables, e.g. COLDTRACE_NOTIFY_WEBHOOK_URL.
// A missing file is not an error; defaults apply.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/coldtrace/internal/engine"
	"github.com/roach88/coldtrace/internal/notify"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "COLDTRACE"

// Config is the service configuration.
type Config struct {
	Database     string
	Thresholds   string // CUE threshold file, optional
	Log          LogConfig
	Notify       NotifyConfig
	Engine       EngineConfig
	Reevaluation ReevaluationConfig
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// NotifyConfig selects notification sinks and retry policy.
type NotifyConfig struct {
	JSONLPath   string
	WebhookURL  string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// EngineConfig holds engine behaviour switches.
type EngineConfig struct {
	MergeOpenIncidents bool
}

// ReevaluationConfig holds reevaluation defaults.
type ReevaluationConfig struct {
	BatchSize int
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Database: "coldtrace.db",
		Log:      LogConfig{Level: "info", Format: "text"},
		Notify: NotifyConfig{
			MaxAttempts: notify.DefaultMaxAttempts,
			BaseDelay:   notify.DefaultBaseDelay,
			MaxDelay:    notify.DefaultMaxDelay,
		},
		Reevaluation: ReevaluationConfig{BatchSize: engine.DefaultBatchSize},
	}
}

// Load reads configuration. An empty path searches for coldtrace.yaml in
// the working directory; a non-empty path must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database", cfg.Database)
	v.SetDefault("thresholds", cfg.Thresholds)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("notify.jsonl_path", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.max_attempts", cfg.Notify.MaxAttempts)
	v.SetDefault("notify.base_delay", cfg.Notify.BaseDelay)
	v.SetDefault("notify.max_delay", cfg.Notify.MaxDelay)
	v.SetDefault("engine.merge_open_incidents", false)
	v.SetDefault("reevaluation.batch_size", cfg.Reevaluation.BatchSize)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coldtrace")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg.Database = v.GetString("database")
	cfg.Thresholds = v.GetString("thresholds")
	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.Format = v.GetString("log.format")
	cfg.Notify.JSONLPath = v.GetString("notify.jsonl_path")
	cfg.Notify.WebhookURL = v.GetString("notify.webhook_url")
	cfg.Notify.MaxAttempts = v.GetInt("notify.max_attempts")
	cfg.Notify.BaseDelay = v.GetDuration("notify.base_delay")
	cfg.Notify.MaxDelay = v.GetDuration("notify.max_delay")
	cfg.Engine.MergeOpenIncidents = v.GetBool("engine.merge_open_incidents")
	cfg.Reevaluation.BatchSize = v.GetInt("reevaluation.batch_size")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database must not be empty"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Notify.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("notify.max_attempts must be at least 1, got %d", c.Notify.MaxAttempts))
	}
	if c.Notify.BaseDelay < 0 || c.Notify.MaxDelay < c.Notify.BaseDelay {
		errs = append(errs, fmt.Errorf("notify delays must satisfy 0 <= base_delay <= max_delay"))
	}
	if c.Reevaluation.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("reevaluation.batch_size must be at least 1, got %d", c.Reevaluation.BatchSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: unknown level %q", s)
	}
	return l, nil
}

// EngineOptions returns the engine options this configuration implies.
func (c Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithMergeOpenIncidents(c.Engine.MergeOpenIncidents),
		engine.WithBatchSize(c.Reevaluation.BatchSize),
	}
}

// Sink builds the notification sink. Notifications are always logged;
// the JSONL file and webhook are added when configured.
func (c Config) Sink(logger *slog.Logger) notify.Sink {
	sinks := []notify.Sink{notify.LogSink{Logger: logger}}
	if c.Notify.JSONLPath != "" {
		sinks = append(sinks, notify.NewJSONLSink(c.Notify.JSONLPath))
	}
	if c.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(c.Notify.WebhookURL, nil))
	}
	return notify.NewMultiSink(sinks...)
}

// DispatcherOptions returns the retry policy as dispatcher options.
func (c Config) DispatcherOptions(logger *slog.Logger) []notify.Option {
	return []notify.Option{
		notify.WithRetry(c.Notify.MaxAttempts, c.Notify.BaseDelay, c.Notify.MaxDelay),
		notify.WithLogger(logger),
	}
}
