package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full control-plane configuration. It is loaded once at
// startup and treated as immutable afterwards.
type Config struct {
	ListenAddr string         `mapstructure:"listen_addr"`
	Database   DatabaseConfig `mapstructure:"database"`
	Redis      RedisConfig    `mapstructure:"redis"`
	Engine     *EngineConfig  `mapstructure:"engine"`
}

// DatabaseConfig holds rollout-store connection settings.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig holds event-bus connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load reads configuration from an optional file plus SIGNALBEAM_*
// environment variables, falling back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:signalbeam.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	def := DefaultEngineConfig()
	v.SetDefault("engine.tick_interval", def.TickInterval)
	v.SetDefault("engine.tick_deadline", def.TickDeadline)
	v.SetDefault("engine.max_assignment_retries", def.MaxAssignmentRetries)
	v.SetDefault("engine.heartbeat_deadline", def.HeartbeatDeadline)
	v.SetDefault("engine.default_failure_threshold", def.DefaultFailureThreshold)
	v.SetDefault("engine.stall_alert_after", def.StallAlertAfter)
	v.SetDefault("engine.max_tick_conflict_retries", def.MaxTickConflictRetries)
	v.SetDefault("engine.outbox_relay_interval", def.OutboxRelayInterval)

	v.SetEnvPrefix("SIGNALBEAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Engine == nil {
		cfg.Engine = DefaultEngineConfig()
	}
	return &cfg, nil
}

// EngineConfig holds configuration for the rollout engine.
type EngineConfig struct {
	// TickInterval is how often each tenant's rollouts are reconciled
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// TickDeadline bounds a single reconcile tick; a tick past the
	// deadline is aborted and rescheduled without advancing state
	TickDeadline time.Duration `mapstructure:"tick_deadline"`

	// MaxAssignmentRetries caps per-device retry attempts before an
	// assignment becomes terminally failed
	MaxAssignmentRetries int `mapstructure:"max_assignment_retries"`

	// HeartbeatDeadline fails a reconciling assignment whose device
	// has gone silent for this long
	HeartbeatDeadline time.Duration `mapstructure:"heartbeat_deadline"`

	// DefaultFailureThreshold applies when a rollout is created
	// without an explicit threshold
	DefaultFailureThreshold float64 `mapstructure:"default_failure_threshold"`

	// StallAlertAfter raises a warning alert when a phase stays
	// in progress past this duration
	StallAlertAfter time.Duration `mapstructure:"stall_alert_after"`

	// MaxTickConflictRetries bounds OCC retry loops per tick
	MaxTickConflictRetries int `mapstructure:"max_tick_conflict_retries"`

	// OutboxRelayInterval is how often the relay drains unpublished
	// outbox rows to the bus
	OutboxRelayInterval time.Duration `mapstructure:"outbox_relay_interval"`
}

// DefaultEngineConfig returns production default settings
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		TickInterval:            30 * time.Second,
		TickDeadline:            30 * time.Second,
		MaxAssignmentRetries:    3,
		HeartbeatDeadline:       15 * time.Minute,
		DefaultFailureThreshold: 0.05,
		StallAlertAfter:         24 * time.Hour,
		MaxTickConflictRetries:  5,
		OutboxRelayInterval:     time.Second,
	}
}

// TestEngineConfig returns test-optimized settings
func TestEngineConfig() *EngineConfig {
	return &EngineConfig{
		TickInterval:            10 * time.Millisecond,
		TickDeadline:            5 * time.Second,
		MaxAssignmentRetries:    3,
		HeartbeatDeadline:       time.Minute,
		DefaultFailureThreshold: 0.05,
		StallAlertAfter:         time.Hour,
		MaxTickConflictRetries:  5,
		OutboxRelayInterval:     10 * time.Millisecond,
	}
}
