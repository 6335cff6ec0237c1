// Package config loads the settled daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settled.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	Database      DatabaseConfig   `yaml:"database"`
	Ledger        LedgerConfig     `yaml:"ledger"`
	Queue         QueueConfig      `yaml:"queue"`
	Settlement    SettlementConfig `yaml:"settlement"`
	PriceFeed     PriceFeedConfig  `yaml:"pricefeed"`
	Notify        NotifyConfig     `yaml:"notify"`
	Admin         AdminConfig      `yaml:"admin"`
	Logging       LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// LedgerConfig configures the external ledger gateway.
type LedgerConfig struct {
	Endpoints      []string `yaml:"endpoints"`
	Contract       string   `yaml:"contract"`
	ChainID        int64    `yaml:"chain_id"`
	SignerKey      string   `yaml:"signer_key"`
	SignerKeyEnv   string   `yaml:"signer_key_env"`
	SignerKeyFile  string   `yaml:"signer_key_file"`
	GasLimit       uint64   `yaml:"gas_limit"`
	PollInterval   Duration `yaml:"poll_interval"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	TotalsCacheTTL Duration `yaml:"totals_cache_ttl"`
}

// QueueConfig configures the submission queue.
type QueueConfig struct {
	MaxRetries      int      `yaml:"max_retries"`
	SequenceDelay   Duration `yaml:"sequence_delay"`
	RetryBaseDelay  Duration `yaml:"retry_base_delay"`
	RefreshInterval Duration `yaml:"refresh_interval"`
	RatePerSecond   float64  `yaml:"rate_per_second"`
	Capacity        int      `yaml:"capacity"`
}

// SettlementConfig configures the sweep scheduler and distribution pipeline.
type SettlementConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	BatchSize     int      `yaml:"batch_size"`
	BatchDelay    Duration `yaml:"batch_delay"`
	MaxAttempts   uint64   `yaml:"max_attempts"`
}

// PriceFeedConfig configures the valuation service client.
type PriceFeedConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
}

// NotifyConfig configures the settlement webhook announcer.
type NotifyConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	Secret     string   `yaml:"secret"`
	Timeout    Duration `yaml:"timeout"`
}

// AdminConfig captures security settings for the operator API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := cfg.Ledger.normalise(); err != nil {
		return cfg, fmt.Errorf("ledger signer: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7410"
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = 5
	}
	if cfg.Queue.SequenceDelay.Duration == 0 {
		cfg.Queue.SequenceDelay.Duration = 500 * time.Millisecond
	}
	if cfg.Queue.RetryBaseDelay.Duration == 0 {
		cfg.Queue.RetryBaseDelay.Duration = 250 * time.Millisecond
	}
	if cfg.Queue.RefreshInterval.Duration == 0 {
		cfg.Queue.RefreshInterval.Duration = 5 * time.Minute
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 64
	}
	if cfg.Settlement.SweepInterval.Duration == 0 {
		cfg.Settlement.SweepInterval.Duration = 30 * time.Second
	}
	if cfg.Settlement.BatchSize <= 0 {
		cfg.Settlement.BatchSize = 25
	}
	if cfg.Settlement.BatchDelay.Duration == 0 {
		cfg.Settlement.BatchDelay.Duration = 2 * time.Second
	}
	if cfg.Settlement.MaxAttempts == 0 {
		cfg.Settlement.MaxAttempts = 4
	}
	if cfg.PriceFeed.Timeout.Duration == 0 {
		cfg.PriceFeed.Timeout.Duration = 10 * time.Second
	}
	if cfg.Notify.Timeout.Duration == 0 {
		cfg.Notify.Timeout.Duration = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg Config) error {
	if len(cfg.Ledger.Endpoints) == 0 {
		return fmt.Errorf("ledger endpoints must be configured")
	}
	if strings.TrimSpace(cfg.Ledger.Contract) == "" {
		return fmt.Errorf("ledger contract must be configured")
	}
	if cfg.Ledger.ChainID <= 0 {
		return fmt.Errorf("ledger chain_id must be configured")
	}
	if strings.TrimSpace(cfg.PriceFeed.Endpoint) == "" {
		return fmt.Errorf("pricefeed endpoint must be configured")
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("admin bearer_token must be configured")
	}
	return nil
}

func (d *DatabaseConfig) normalise() error {
	if d == nil {
		return fmt.Errorf("database configuration missing")
	}
	d.DSN = strings.TrimSpace(d.DSN)
	if d.DSN != "" {
		return nil
	}
	env := strings.TrimSpace(d.DSNEnv)
	if env == "" {
		return fmt.Errorf("dsn is required")
	}
	value := strings.TrimSpace(os.Getenv(env))
	if value == "" {
		return fmt.Errorf("dsn_env %s is empty", env)
	}
	d.DSN = value
	return nil
}

func (l *LedgerConfig) normalise() error {
	if l == nil {
		return fmt.Errorf("ledger configuration missing")
	}
	l.SignerKey = strings.TrimSpace(l.SignerKey)
	l.SignerKeyEnv = strings.TrimSpace(l.SignerKeyEnv)
	l.SignerKeyFile = strings.TrimSpace(l.SignerKeyFile)
	if l.SignerKey != "" {
		return nil
	}
	switch {
	case l.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(l.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", l.SignerKeyEnv)
		}
		l.SignerKey = value
	case l.SignerKeyFile != "":
		contents, err := os.ReadFile(l.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		l.SignerKey = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("signer_key is required")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}
