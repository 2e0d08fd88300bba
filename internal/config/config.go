// Package config loads and validates queue service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Worker  WorkerConfig  `mapstructure:"worker"`
	DB      DBConfig      `mapstructure:"db"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// WorkerConfig holds the scheduler tunables.
type WorkerConfig struct {
	BatchSize int `mapstructure:"batch_size"`
	// PollInterval is the normal sleep between ticks;
	// HighPriorityPollInterval replaces it for the tick after a pending
	// item at or above HighPriorityThreshold was seen.
	PollInterval             time.Duration   `mapstructure:"poll_interval"`
	HighPriorityPollInterval time.Duration   `mapstructure:"high_priority_poll_interval"`
	HighPriorityThreshold    int             `mapstructure:"high_priority_threshold"`
	RetryDelays              []time.Duration `mapstructure:"retry_delays"`
	// StaleCutoff is how long an item may sit in running before startup
	// recovery treats it as orphaned by a crash.
	StaleCutoff time.Duration `mapstructure:"stale_cutoff"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Default returns the built-in configuration. The worker falls back to it
// whenever loading fails, rather than refusing to start.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			BatchSize:                5,
			PollInterval:             30 * time.Second,
			HighPriorityPollInterval: 5 * time.Second,
			HighPriorityThreshold:    200,
			RetryDelays:              []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second},
			StaleCutoff:              time.Hour,
		},
		DB: DBConfig{
			MaxConns: 8,
			MinConns: 2,
		},
		Metrics: MetricsConfig{Port: 9090},
		Logging: LoggingConfig{Development: false},
	}
}

// Load builds a Config from disk/environment. The config file is optional;
// defaults are always registered first.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("worker.batch_size", def.Worker.BatchSize)
	v.SetDefault("worker.poll_interval", def.Worker.PollInterval)
	v.SetDefault("worker.high_priority_poll_interval", def.Worker.HighPriorityPollInterval)
	v.SetDefault("worker.high_priority_threshold", def.Worker.HighPriorityThreshold)
	v.SetDefault("worker.retry_delays", def.Worker.RetryDelays)
	v.SetDefault("worker.stale_cutoff", def.Worker.StaleCutoff)
	v.SetDefault("db.max_conns", def.DB.MaxConns)
	v.SetDefault("db.min_conns", def.DB.MinConns)
	v.SetDefault("metrics.port", def.Metrics.Port)
	v.SetDefault("logging.development", def.Logging.Development)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0")
	}
	if c.Worker.HighPriorityPollInterval <= 0 {
		return fmt.Errorf("worker.high_priority_poll_interval must be > 0")
	}
	if len(c.Worker.RetryDelays) == 0 {
		return fmt.Errorf("worker.retry_delays must not be empty")
	}
	for _, d := range c.Worker.RetryDelays {
		if d <= 0 {
			return fmt.Errorf("worker.retry_delays entries must be > 0")
		}
	}
	if c.Worker.StaleCutoff <= 0 {
		return fmt.Errorf("worker.stale_cutoff must be > 0")
	}
	return nil
}
