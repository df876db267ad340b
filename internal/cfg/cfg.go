package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"
)

// DefaultMaxAlertBytes leaves room for Wazuh alerts with a large full_log.
const DefaultMaxAlertBytes = 10 << 20

// Config adds hush-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	MaxAlertBytes         int64

	WindowSeconds           int
	ArchiveSize             int
	PolicyFile              string
	SnapshotIntervalSeconds int

	SnapshotFile  string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	APIToken        string
	SlackWebhookURL string
	ClaudeAPIKey    string
	ClaudeModel     string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.Int64Var(&c.MaxAlertBytes, "max-alert-bytes", DefaultMaxAlertBytes, "largest accepted API request body in bytes (1024..67108864)")

	fs.IntVar(&c.WindowSeconds, "window-seconds", 300, "correlation window in seconds; repeats closer than this fold into one incident (1..86400)")
	fs.IntVar(&c.ArchiveSize, "archive-size", 1000, "number of closed incidents kept queryable (1..1000000)")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML file with noise rules and risk weights (empty = built-in policy)")
	fs.IntVar(&c.SnapshotIntervalSeconds, "snapshot-interval-seconds", 5, "seconds between state snapshots (1..3600)")

	fs.StringVar(&c.SnapshotFile, "snapshot-file", "", "JSON file for state snapshots")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for state snapshots")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address (host:port) for state snapshots")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number (0..15)")
	fs.StringVar(&c.RedisKey, "redis-key", "hush:snapshot", "Redis key holding the state snapshot")

	fs.StringVar(&c.APIToken, "api-token", "", "token required for analyst actions (empty = actions are open)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for critical escalations")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for analyst briefs (empty = briefs disabled)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model used for analyst briefs")
}

// Window is the correlation window.
func (c *Config) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// SnapshotInterval is the period between snapshot flushes.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.MaxAlertBytes < 1024 || c.MaxAlertBytes > 64<<20 {
		errs = append(errs, fmt.Errorf("invalid MAX_ALERT_BYTES %d (must be 1024..67108864)", c.MaxAlertBytes))
	}

	// Correlation
	if c.WindowSeconds <= 0 || c.WindowSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid WINDOW_SECONDS %d (must be 1..86400)", c.WindowSeconds))
	}
	if c.ArchiveSize <= 0 || c.ArchiveSize > 1_000_000 {
		errs = append(errs, fmt.Errorf("invalid ARCHIVE_SIZE %d (must be 1..1000000)", c.ArchiveSize))
	}
	if c.SnapshotIntervalSeconds <= 0 || c.SnapshotIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid SNAPSHOT_INTERVAL_SECONDS %d (must be 1..3600)", c.SnapshotIntervalSeconds))
	}

	// Redis
	if c.RedisDB < 0 || c.RedisDB > 15 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be 0..15)", c.RedisDB))
	}
	if c.RedisAddr != "" && c.RedisKey == "" {
		errs = append(errs, errors.New("REDIS_KEY is required when REDIS_ADDR is set"))
	}

	// Slack webhook must be an absolute http(s) URL when set
	if c.SlackWebhookURL != "" {
		u, err := url.Parse(c.SlackWebhookURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, errors.New("invalid SLACK_WEBHOOK_URL (must be an http(s) URL)"))
		}
	}

	// Claude model is required once briefs are enabled
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
