// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Indexing  IndexingConfig  `mapstructure:"indexing"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	VIndex    VIndexConfig    `mapstructure:"vindex"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs crawl admission and the poller.
type SchedulerConfig struct {
	NumCrawls           int    `mapstructure:"num_crawls"`
	CrawlsDir           string `mapstructure:"crawls_dir"`
	VisualDir           string `mapstructure:"visual_dir"`
	PollInitialDelaySec int    `mapstructure:"poll_initial_delay_seconds"`
	PollPeriodSec       int    `mapstructure:"poll_period_seconds"`
}

// IndexingConfig governs the per-collection indexing pipelines.
type IndexingConfig struct {
	BatchSize          int    `mapstructure:"batch_size"`
	Workers            int    `mapstructure:"workers"`
	InFlightMultiplier int    `mapstructure:"in_flight_multiplier"`
	IdlePeriodSec      int    `mapstructure:"idle_period_seconds"`
	StopGraceSec       int    `mapstructure:"stop_grace_seconds"`
	StopKillSec        int    `mapstructure:"stop_kill_seconds"`
	Topic              string `mapstructure:"topic"`
}

// AgentConfig addresses the embedded or remote crawl agents.
type AgentConfig struct {
	Mode               string   `mapstructure:"mode"`
	BaseURL            string   `mapstructure:"base_url"`
	UserAgent          string   `mapstructure:"user_agent"`
	Concurrency        int      `mapstructure:"concurrency"`
	RateLimitPerDomain int      `mapstructure:"rate_limit_per_domain"`
	RequestTimeoutSec  int      `mapstructure:"request_timeout_seconds"`
	MaxDepth           int      `mapstructure:"max_depth"`
	SeedTemplates      []string `mapstructure:"seed_templates"`
}

// FeedsConfig addresses the social stream manager.
type FeedsConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	TimeoutSec int    `mapstructure:"timeout_seconds"`
}

// VIndexConfig addresses the visual feature and similarity index service.
type VIndexConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	TimeoutSec int    `mapstructure:"timeout_seconds"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory
// stores.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
}

// PubSubConfig holds metadata for indexed-media notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MEDIASCOPE")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.num_crawls", 3)
	v.SetDefault("scheduler.crawls_dir", "/var/lib/mediascope/crawls")
	v.SetDefault("scheduler.visual_dir", "/var/lib/mediascope/visual")
	v.SetDefault("scheduler.poll_initial_delay_seconds", 10)
	v.SetDefault("scheduler.poll_period_seconds", 60)
	v.SetDefault("indexing.batch_size", 200)
	v.SetDefault("indexing.workers", 10)
	v.SetDefault("indexing.in_flight_multiplier", 10)
	v.SetDefault("indexing.idle_period_seconds", 30)
	v.SetDefault("indexing.stop_grace_seconds", 60)
	v.SetDefault("indexing.stop_kill_seconds", 60)
	v.SetDefault("agent.mode", "embedded")
	v.SetDefault("agent.user_agent", "mediascope/1.0")
	v.SetDefault("agent.concurrency", 4)
	v.SetDefault("agent.rate_limit_per_domain", 2)
	v.SetDefault("agent.request_timeout_seconds", 20)
	v.SetDefault("agent.max_depth", 2)
	v.SetDefault("feeds.timeout_seconds", 30)
	v.SetDefault("vindex.timeout_seconds", 30)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.NumCrawls <= 0 {
		return fmt.Errorf("scheduler.num_crawls must be > 0")
	}
	if c.Indexing.BatchSize <= 0 {
		return fmt.Errorf("indexing.batch_size must be > 0")
	}
	if c.Indexing.Workers <= 0 {
		return fmt.Errorf("indexing.workers must be > 0")
	}
	if c.Indexing.InFlightMultiplier <= 0 {
		return fmt.Errorf("indexing.in_flight_multiplier must be > 0")
	}
	switch c.Agent.Mode {
	case "embedded":
	case "remote":
		if c.Agent.BaseURL == "" {
			return fmt.Errorf("agent.base_url must be set when agent.mode is remote")
		}
	default:
		return fmt.Errorf("agent.mode must be embedded or remote")
	}
	if c.VIndex.BaseURL == "" {
		return fmt.Errorf("vindex.base_url is required")
	}
	if c.Feeds.BaseURL == "" {
		return fmt.Errorf("feeds.base_url is required")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PollInitialDelay converts the configured seconds into a duration.
func (c SchedulerConfig) PollInitialDelay() time.Duration {
	return time.Duration(c.PollInitialDelaySec) * time.Second
}

// PollPeriod converts the configured seconds into a duration.
func (c SchedulerConfig) PollPeriod() time.Duration {
	return time.Duration(c.PollPeriodSec) * time.Second
}
