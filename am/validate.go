package am

import (
	"net/url"

	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/logger"
)

// Validate checks that the configuration is valid.
// Zero values fall back to defaults; negative values are rejected.
func (c *Config) Validate() error {
	if c.Scheduler.PollIntervalSeconds < 0 {
		return errors.Newf("scheduler.poll_interval_seconds must be >= 0, got %d", c.Scheduler.PollIntervalSeconds)
	}
	if c.Scheduler.DefaultConcurrentJobLimit < 0 {
		return errors.Newf("scheduler.default_concurrent_job_limit must be >= 0, got %d", c.Scheduler.DefaultConcurrentJobLimit)
	}
	if c.Scheduler.RetryBackoffSeconds < 0 {
		return errors.Newf("scheduler.retry_backoff_seconds must be >= 0, got %d", c.Scheduler.RetryBackoffSeconds)
	}
	if c.Scheduler.DefaultAttemptsMax < 0 {
		return errors.Newf("scheduler.default_attempts_max must be >= 0, got %d", c.Scheduler.DefaultAttemptsMax)
	}
	if c.Scheduler.BatchPriorityBoost < 0 {
		return errors.Newf("scheduler.batch_priority_boost must be >= 0, got %d", c.Scheduler.BatchPriorityBoost)
	}
	if c.Scheduler.RunningTimeoutSeconds < 0 {
		return errors.Newf("scheduler.running_timeout_seconds must be >= 0, got %d", c.Scheduler.RunningTimeoutSeconds)
	}

	if c.Stages.DebounceSeconds < 0 {
		return errors.Newf("stages.debounce_seconds must be >= 0, got %d", c.Stages.DebounceSeconds)
	}
	if c.Stages.JoinTimeoutSeconds < 0 {
		return errors.Newf("stages.join_timeout_seconds must be >= 0, got %d", c.Stages.JoinTimeoutSeconds)
	}
	if c.Stages.JoinSweepIntervalSeconds < 0 {
		return errors.Newf("stages.join_sweep_interval_seconds must be >= 0, got %d", c.Stages.JoinSweepIntervalSeconds)
	}

	if c.Integrations.ReplayPageSize < 0 {
		return errors.Newf("integrations.replay_page_size must be >= 0, got %d", c.Integrations.ReplayPageSize)
	}

	if c.Integrations.HTTPTimeoutSeconds < 0 {
		return errors.Newf("integrations.http_timeout_seconds must be >= 0, got %d", c.Integrations.HTTPTimeoutSeconds)
	}

	if c.Bus.URL != "" {
		u, err := url.Parse(c.Bus.URL)
		if err != nil {
			return errors.Wrapf(err, "bus.url %q is not a URL", c.Bus.URL)
		}
		switch u.Scheme {
		case "memory", "nats":
		default:
			return errors.Newf("bus.url scheme must be memory or nats, got %q", u.Scheme)
		}
	}

	if len(c.Shard.Members) > 0 {
		found := false
		for _, m := range c.Shard.Members {
			if m == c.Shard.Self {
				found = true
				break
			}
		}
		if !found {
			return errors.Newf("shard.self %q must be listed in shard.members", c.Shard.Self)
		}
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(err, "log.level %q", c.Log.Level)
	}

	return nil
}
