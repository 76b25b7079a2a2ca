// Package config loads and validates seedspider configuration via Viper.
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
	Logging   LoggingConfig   `mapstructure:"logging"`
	Run       RunConfig       `mapstructure:"run"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Store     StoreConfig     `mapstructure:"store"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Actions   []ActionConfig  `mapstructure:"actions"`
}

// ServerConfig controls the HTTP control-plane server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RunConfig governs run-wide orchestration behavior.
type RunConfig struct {
	LeaseSeconds      int  `mapstructure:"lease_seconds"`
	DrainGraceSeconds int  `mapstructure:"drain_grace_seconds"`
	RefreshCascade    bool `mapstructure:"refresh_cascade"`
}

// LeaseDuration returns the configured claim lease as a duration.
func (r RunConfig) LeaseDuration() time.Duration {
	return time.Duration(r.LeaseSeconds) * time.Second
}

// DrainGrace returns the shutdown grace window as a duration.
func (r RunConfig) DrainGrace() time.Duration {
	return time.Duration(r.DrainGraceSeconds) * time.Second
}

// PoolConfig sizes the shared worker pool.
type PoolConfig struct {
	Size int `mapstructure:"size"`
}

// StoreConfig selects and configures the work item record store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// RetryAttempts bounds retries of transient store faults before the
	// run escalates them as fatal.
	RetryAttempts int            `mapstructure:"retry_attempts"`
	RetryBaseMs   int            `mapstructure:"retry_base_ms"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
}

// RetryBase returns the first store-retry delay as a duration.
func (s StoreConfig) RetryBase() time.Duration {
	return time.Duration(s.RetryBaseMs) * time.Millisecond
}

// PostgresConfig controls access to the relational record store.
type PostgresConfig struct {
	DSN             string `mapstructure:"dsn"`
	Table           string `mapstructure:"table"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeSec int    `mapstructure:"conn_lifetime_seconds"`
}

// ConnLifetime returns the max connection lifetime as a duration.
func (p PostgresConfig) ConnLifetime() time.Duration {
	return time.Duration(p.ConnLifetimeSec) * time.Second
}

// BlobConfig selects and configures the payload blob store.
type BlobConfig struct {
	Driver  string `mapstructure:"driver"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
}

// PublisherConfig configures outbound event publishing.
type PublisherConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// FetchConfig controls the shared page fetcher.
type FetchConfig struct {
	UserAgent          string   `mapstructure:"user_agent"`
	TimeoutSeconds     int      `mapstructure:"timeout_seconds"`
	DelayMs            int      `mapstructure:"delay_ms"`
	PerHostParallelism int      `mapstructure:"per_host_parallelism"`
	BlockedHosts       []string `mapstructure:"blocked_hosts"`
}

// Timeout returns the page fetch timeout as a duration.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// Delay returns the per-host politeness delay as a duration.
func (f FetchConfig) Delay() time.Duration {
	return time.Duration(f.DelayMs) * time.Millisecond
}

// LinkRuleConfig maps a CSS selector on a fetched page to the action type
// fed by every matched link.
type LinkRuleConfig struct {
	Selector   string `mapstructure:"selector"`
	ActionType string `mapstructure:"action_type"`
}

// ActionConfig declares one crawl action type.
type ActionConfig struct {
	Name             string           `mapstructure:"name"`
	Predecessor      string           `mapstructure:"predecessor"`
	Seeds            []string         `mapstructure:"seeds"`
	Links            []LinkRuleConfig `mapstructure:"links"`
	Concurrency      int              `mapstructure:"concurrency"`
	MaxAttempts      int              `mapstructure:"max_attempts"`
	BackoffInitialMs int              `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int              `mapstructure:"backoff_max_ms"`
	TimeoutSeconds   int              `mapstructure:"timeout_seconds"`
}

// BackoffInitial returns the first retry delay as a duration.
func (a ActionConfig) BackoffInitial() time.Duration {
	return time.Duration(a.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling as a duration.
func (a ActionConfig) BackoffMax() time.Duration {
	return time.Duration(a.BackoffMaxMs) * time.Millisecond
}

// Timeout returns the per-attempt timeout as a duration.
func (a ActionConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEEDSPIDER")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("run.lease_seconds", 300)
	v.SetDefault("run.drain_grace_seconds", 30)
	v.SetDefault("run.refresh_cascade", false)
	v.SetDefault("pool.size", 8)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.retry_attempts", 3)
	v.SetDefault("store.retry_base_ms", 100)
	v.SetDefault("store.postgres.table", "work_items")
	v.SetDefault("store.postgres.max_conns", 8)
	v.SetDefault("store.postgres.min_conns", 1)
	v.SetDefault("store.postgres.conn_lifetime_seconds", 1800)
	v.SetDefault("blob.driver", "memory")
	v.SetDefault("publisher.driver", "none")
	v.SetDefault("fetch.user_agent", "seedspider/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Run.LeaseSeconds <= 0 {
		return fmt.Errorf("run.lease_seconds must be > 0")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when store.driver is postgres")
		}
	default:
		return fmt.Errorf("store.driver must be one of memory, postgres; got %q", c.Store.Driver)
	}

	switch c.Blob.Driver {
	case "memory":
	case "local":
		if c.Blob.BaseDir == "" {
			return fmt.Errorf("blob.base_dir must be set when blob.driver is local")
		}
	case "gcs":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket must be set when blob.driver is gcs")
		}
	default:
		return fmt.Errorf("blob.driver must be one of memory, local, gcs; got %q", c.Blob.Driver)
	}

	switch c.Publisher.Driver {
	case "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set when publisher.driver is pubsub")
		}
	default:
		return fmt.Errorf("publisher.driver must be one of none, memory, pubsub; got %q", c.Publisher.Driver)
	}

	if len(c.Actions) == 0 {
		return fmt.Errorf("at least one action must be declared")
	}
	names := make(map[string]bool, len(c.Actions))
	for _, a := range c.Actions {
		if a.Name == "" {
			return fmt.Errorf("actions[].name is required")
		}
		if names[a.Name] {
			return fmt.Errorf("action %q declared twice", a.Name)
		}
		names[a.Name] = true
		if a.Predecessor == "" && len(a.Seeds) == 0 {
			return fmt.Errorf("action %q has no predecessor and no seeds; it can never receive work", a.Name)
		}
		for _, l := range a.Links {
			if l.Selector == "" || l.ActionType == "" {
				return fmt.Errorf("action %q: links require both selector and action_type", a.Name)
			}
		}
	}
	for _, a := range c.Actions {
		if a.Predecessor != "" && !names[a.Predecessor] {
			return fmt.Errorf("action %q names unknown predecessor %q", a.Name, a.Predecessor)
		}
		for _, l := range a.Links {
			if !names[l.ActionType] {
				return fmt.Errorf("action %q links to unknown action type %q", a.Name, l.ActionType)
			}
		}
	}

	return nil
}
