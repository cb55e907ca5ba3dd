package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DefaultCleanupEntityTypes are swept for deletions after every completed sync.
var DefaultCleanupEntityTypes = []string{"companies", "identities", "groups", "devices", "policies", "licenses"}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "mspsync.db")

	v.SetDefault("scheduler.poll_interval_seconds", 60)
	v.SetDefault("scheduler.default_concurrent_job_limit", 5)
	v.SetDefault("scheduler.retry_backoff_seconds", 60)
	v.SetDefault("scheduler.default_attempts_max", 3)
	v.SetDefault("scheduler.batch_priority_boost", 10)
	v.SetDefault("scheduler.retry_failed_jobs", false)
	v.SetDefault("scheduler.running_timeout_seconds", 1800)

	v.SetDefault("stages.debounce_seconds", 300)
	v.SetDefault("stages.join_timeout_seconds", 300)
	v.SetDefault("stages.join_sweep_interval_seconds", 60)
	v.SetDefault("stages.cleanup_entity_types", DefaultCleanupEntityTypes)

	v.SetDefault("bus.url", "memory://")

	v.SetDefault("integrations.descriptors_path", "integrations.toml")
	v.SetDefault("integrations.watch", true)
	v.SetDefault("integrations.replay_dir", "")
	v.SetDefault("integrations.replay_page_size", 100)
	v.SetDefault("integrations.http_timeout_seconds", 30)
	v.SetDefault("integrations.allow_private_endpoints", false)

	v.SetDefault("shard.self", "")
	v.SetDefault("shard.members", []string{})

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// BindSensitiveEnvVars explicitly binds connection settings to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "MSPSYNC_DATABASE_PATH")
	v.BindEnv("bus.url", "MSPSYNC_BUS_URL")
	v.BindEnv("shard.self", "MSPSYNC_SHARD_SELF")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "mspsync.db"
	}
	return c.Database.Path
}

// PollInterval returns the scheduler tick period
func (c *Config) PollInterval() time.Duration {
	return seconds(c.Scheduler.PollIntervalSeconds, 60)
}

// RetryBackoff returns the delay recorded as nextRetryAt after a failure
func (c *Config) RetryBackoff() time.Duration {
	return seconds(c.Scheduler.RetryBackoffSeconds, 60)
}

// RunningTimeout returns how long a dispatched job may stay running without
// its fetcher reporting back
func (c *Config) RunningTimeout() time.Duration {
	return seconds(c.Scheduler.RunningTimeoutSeconds, 1800)
}

// DebounceWindow returns the worker quiet window
func (c *Config) DebounceWindow() time.Duration {
	return seconds(c.Stages.DebounceSeconds, 300)
}

// JoinTimeout returns how long a linker keeps an incomplete join
func (c *Config) JoinTimeout() time.Duration {
	return seconds(c.Stages.JoinTimeoutSeconds, 300)
}

// JoinSweepInterval returns how often stale joins are discarded
func (c *Config) JoinSweepInterval() time.Duration {
	return seconds(c.Stages.JoinSweepIntervalSeconds, 60)
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

// HTTPTimeout returns the per-request timeout for integration endpoints
func (c *Config) HTTPTimeout() time.Duration {
	return seconds(c.Integrations.HTTPTimeoutSeconds, 30)
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Bus: %s, Scheduler: {PollIntervalSeconds: %d, DefaultConcurrentJobLimit: %d}}",
		c.Database.Path, c.Bus.URL, c.Scheduler.PollIntervalSeconds, c.Scheduler.DefaultConcurrentJobLimit)
}
