package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the ingestion pipeline
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Download DownloadConfig `yaml:"download"`
	Stitch   StitchConfig   `yaml:"stitch"`
	Staging  StagingConfig  `yaml:"staging"`
	Merge    MergeConfig    `yaml:"merge"`
	BulkAPI  BulkAPIConfig  `yaml:"bulk_api"`
	Slack    SlackConfig    `yaml:"slack"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Progress bool           `yaml:"progress"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// DatabaseConfig holds the relational store connection settings
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" (default) or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"` // disable, require, verify-ca, verify-full (default: require)
	Schema   string `yaml:"schema"`   // search_path for the connection; empty keeps the server default
	MaxConns int    `yaml:"max_conns"`
	DataDir  string `yaml:"data_dir"` // sqlite database location
}

// DownloadConfig controls export downloads
type DownloadConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	BackoffMin     time.Duration `yaml:"backoff_min"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	ScratchDir     string        `yaml:"scratch_dir"` // spool files and stitch spill stores
}

// StitchConfig bounds the memory used while grouping children under parents
type StitchConfig struct {
	GroupBudget    int `yaml:"group_budget"`    // children kept in memory per group
	MaxOpenGroups  int `yaml:"max_open_groups"` // headless groups allowed to hold memory
	LookaheadLines int `yaml:"lookahead_lines"` // lines a headless group may wait for its parent
	MaxLineBytes   int `yaml:"max_line_bytes"`
	RecentParents  int `yaml:"recent_parents"` // closed parent ids remembered for late-child detection
}

// StagingConfig controls staging batch sizes and checkpoint cadence
type StagingConfig struct {
	BatchRows       int   `yaml:"batch_rows"`
	BatchBytes      int64 `yaml:"batch_bytes"`
	CheckpointEvery int   `yaml:"checkpoint_every"` // persist a checkpoint every N committed batches
}

// MergeConfig controls the canonical merge
type MergeConfig struct {
	AllowDeletes   bool  `yaml:"allow_deletes"`
	Analyze        bool  `yaml:"analyze"`
	AnalyzeMinRows int64 `yaml:"analyze_min_rows"`
	Reindex        bool  `yaml:"reindex"` // best-effort REINDEX of staging tables after merge
}

// BulkAPIConfig controls the remote bulk-export API client
type BulkAPIConfig struct {
	APIVersion        string        `yaml:"api_version"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxRetries        int           `yaml:"max_retries"`
}

// MetricsConfig controls Prometheus metrics
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Listen    string `yaml:"listen"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" (default) or "json"
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// defaultMemoryBytes is assumed when system memory cannot be determined.
const defaultMemoryBytes = 4 << 30

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, for local
// sqlite runs and tests.
func Default() *Config {
	cfg := &Config{Database: DatabaseConfig{Driver: "sqlite"}}
	cfg.applyDefaults()
	return cfg
}

// DefaultDataDir returns the default data directory for local state.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".shopify-bulk-ingest")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "require"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 8
	}
	if c.Database.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.Database.DataDir = filepath.Join(home, ".shopify-bulk-ingest")
	} else {
		c.Database.DataDir = expandTilde(c.Database.DataDir)
	}

	if c.Download.MaxRetries == 0 {
		c.Download.MaxRetries = 5
	}
	if c.Download.ConnectTimeout == 0 {
		c.Download.ConnectTimeout = 30 * time.Second
	}
	if c.Download.ReadTimeout == 0 {
		c.Download.ReadTimeout = 2 * time.Minute
	}
	if c.Download.BackoffMin == 0 {
		c.Download.BackoffMin = time.Second
	}
	if c.Download.BackoffMax == 0 {
		c.Download.BackoffMax = time.Minute
	}
	if c.Download.ScratchDir == "" {
		c.Download.ScratchDir = filepath.Join(os.TempDir(), "shopify-bulk-ingest")
	} else {
		c.Download.ScratchDir = expandTilde(c.Download.ScratchDir)
	}

	if c.Stitch.GroupBudget == 0 {
		c.Stitch.GroupBudget = 500
	}
	if c.Stitch.MaxOpenGroups == 0 {
		c.Stitch.MaxOpenGroups = 64
	}
	if c.Stitch.LookaheadLines == 0 {
		c.Stitch.LookaheadLines = 100000
	}
	if c.Stitch.MaxLineBytes == 0 {
		c.Stitch.MaxLineBytes = 4 << 20
	}
	if c.Stitch.RecentParents == 0 {
		c.Stitch.RecentParents = 4096
	}

	if c.Staging.BatchRows == 0 {
		c.Staging.BatchRows = 1000
	}
	if c.Staging.BatchBytes == 0 {
		// 1/256 of RAM, clamped to 4MB-64MB
		c.Staging.BatchBytes = systemMemoryBytes() / 256
		if c.Staging.BatchBytes < 4<<20 {
			c.Staging.BatchBytes = 4 << 20
		}
		if c.Staging.BatchBytes > 64<<20 {
			c.Staging.BatchBytes = 64 << 20
		}
	}
	if c.Staging.CheckpointEvery == 0 {
		c.Staging.CheckpointEvery = 1
	}

	if c.Merge.AnalyzeMinRows == 0 {
		c.Merge.AnalyzeMinRows = 10000
	}

	if c.BulkAPI.APIVersion == "" {
		c.BulkAPI.APIVersion = "2024-10"
	}
	if c.BulkAPI.RequestsPerSecond == 0 {
		c.BulkAPI.RequestsPerSecond = 2
	}
	if c.BulkAPI.Burst == 0 {
		c.BulkAPI.Burst = 4
	}
	if c.BulkAPI.Timeout == 0 {
		c.BulkAPI.Timeout = 30 * time.Second
	}
	if c.BulkAPI.PollInterval == 0 {
		c.BulkAPI.PollInterval = 10 * time.Second
	}
	if c.BulkAPI.MaxRetries == 0 {
		c.BulkAPI.MaxRetries = 3
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "shopify_ingest"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9108"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required")
		}
	case "sqlite":
	default:
		return fmt.Errorf("database.driver must be 'postgres' or 'sqlite', got '%s'", c.Database.Driver)
	}

	if c.Database.Schema != "" && !identPattern.MatchString(c.Database.Schema) {
		return fmt.Errorf("database.schema must be a plain identifier, got '%s'", c.Database.Schema)
	}

	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("download.max_retries must be >= 0")
	}
	if c.Download.BackoffMax < c.Download.BackoffMin {
		return fmt.Errorf("download.backoff_max must be >= download.backoff_min")
	}
	if c.Stitch.GroupBudget < 1 {
		return fmt.Errorf("stitch.group_budget must be >= 1")
	}
	if c.Stitch.MaxOpenGroups < 1 {
		return fmt.Errorf("stitch.max_open_groups must be >= 1")
	}
	if c.Staging.BatchRows < 1 {
		return fmt.Errorf("staging.batch_rows must be >= 1")
	}
	if c.Staging.CheckpointEvery < 1 {
		return fmt.Errorf("staging.checkpoint_every must be >= 1")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json'")
	}
	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack.webhook_url is required when slack is enabled")
	}
	return nil
}

// DSN returns the postgres connection string
func (c *Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Database.User, c.Database.Password),
		Host:   fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:   "/" + c.Database.Database,
	}
	q := url.Values{"sslmode": {c.Database.SSLMode}}
	if c.Database.Schema != "" {
		q.Set("search_path", c.Database.Schema)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SQLitePath returns the location of the local sqlite database.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.Database.DataDir, "ingest.db")
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Database.Password != "" {
		sanitized.Database.Password = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
