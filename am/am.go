package am

// Config represents the mspsync configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Stages       StagesConfig       `mapstructure:"stages"`
	Bus          BusConfig          `mapstructure:"bus"`
	Integrations IntegrationsConfig `mapstructure:"integrations"`
	Shard        ShardConfig        `mapstructure:"shard"`
	Log          LogConfig          `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the job poll loop
type SchedulerConfig struct {
	PollIntervalSeconds       int  `mapstructure:"poll_interval_seconds"`        // How often due jobs are dispatched (default: 60)
	DefaultConcurrentJobLimit int  `mapstructure:"default_concurrent_job_limit"` // Per-tenant running ceiling when the tenant has none (default: 5)
	RetryBackoffSeconds       int  `mapstructure:"retry_backoff_seconds"`        // nextRetryAt offset after a failure (default: 60)
	DefaultAttemptsMax        int  `mapstructure:"default_attempts_max"`         // attemptsMax for newly created jobs (default: 3)
	BatchPriorityBoost        int  `mapstructure:"batch_priority_boost"`         // Added to continuation jobs (default: 10)
	RetryFailedJobs           bool `mapstructure:"retry_failed_jobs"`            // Re-select failed jobs past nextRetryAt (default: false)
	RunningTimeoutSeconds     int  `mapstructure:"running_timeout_seconds"`      // Running jobs older than this are released (default: 1800)
}

// StagesConfig configures the pipeline stage drivers
type StagesConfig struct {
	DebounceSeconds          int      `mapstructure:"debounce_seconds"`            // Worker quiet window (default: 300)
	JoinTimeoutSeconds       int      `mapstructure:"join_timeout_seconds"`        // Linker pending join lifetime (default: 300)
	JoinSweepIntervalSeconds int      `mapstructure:"join_sweep_interval_seconds"` // Linker sweep cadence (default: 60)
	CleanupEntityTypes       []string `mapstructure:"cleanup_entity_types"`        // Types swept after a final batch
}

// BusConfig selects the message bus backend
type BusConfig struct {
	URL string `mapstructure:"url"` // memory:// or nats://host:port
}

// IntegrationsConfig locates integration descriptors and their connectors
type IntegrationsConfig struct {
	DescriptorsPath       string `mapstructure:"descriptors_path"`        // .toml or .yaml file
	Watch                 bool   `mapstructure:"watch"`                   // Reload descriptors on file change
	ReplayDir             string `mapstructure:"replay_dir"`              // <dir>/<slug>/<type>.json fixtures for integrations without an endpoint
	ReplayPageSize        int    `mapstructure:"replay_page_size"`        // Records per replayed page (default: 100)
	HTTPTimeoutSeconds    int    `mapstructure:"http_timeout_seconds"`    // Per page request to an endpoint (default: 30)
	AllowPrivateEndpoints bool   `mapstructure:"allow_private_endpoints"` // Permit loopback and private network endpoints
}

// ShardConfig splits stage buffers across instances
type ShardConfig struct {
	Self    string   `mapstructure:"self"`
	Members []string `mapstructure:"members"` // empty = this instance owns every key
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
