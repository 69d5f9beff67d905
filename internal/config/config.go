// Package config loads and validates sentinel configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/regwatch/sentinel/internal/sentinel"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Classify  ClassifyConfig  `mapstructure:"classify"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Endpoints []EndpointSeed  `mapstructure:"endpoints"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DiscoveryConfig governs cycle cadence and the item retry budget.
type DiscoveryConfig struct {
	IntervalMinutes    int      `mapstructure:"interval_minutes"`
	MaxAttempts        int      `mapstructure:"max_attempts"`
	CircuitResetHours  int      `mapstructure:"circuit_reset_hours"`
	RetryBatchSize     int      `mapstructure:"retry_batch_size"`
	RedeliverBatchSize int      `mapstructure:"redeliver_batch_size"`
	Blocklist          []string `mapstructure:"blocklist"`
}

// Interval returns the gap between automatic discovery cycles.
func (d DiscoveryConfig) Interval() time.Duration {
	return time.Duration(d.IntervalMinutes) * time.Minute
}

// CircuitResetAge returns the stale-circuit sweep cutoff age.
func (d DiscoveryConfig) CircuitResetAge() time.Duration {
	return time.Duration(d.CircuitResetHours) * time.Hour
}

// RateLimitConfig controls per-domain pacing and the circuit breaker.
type RateLimitConfig struct {
	DelayMs          int `mapstructure:"delay_ms"`
	PerMinute        int `mapstructure:"per_minute"`
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooldownMinutes  int `mapstructure:"cooldown_minutes"`
}

// MinDelay returns the minimum inter-request gap per domain.
func (r RateLimitConfig) MinDelay() time.Duration {
	return time.Duration(r.DelayMs) * time.Millisecond
}

// Cooldown returns how long an open circuit stays open.
func (r RateLimitConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// FetchConfig configures the HTTP fetcher.
type FetchConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// Timeout returns the per-request HTTP timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// ClassifyConfig tunes content classification.
type ClassifyConfig struct {
	MinCharsPerPage int `mapstructure:"min_chars_per_page"`
}

// StorageConfig selects and configures the blob store backend.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"` // memory | local | gcs
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig selects and configures the endpoint/item store backend.
type DBConfig struct {
	Provider string `mapstructure:"provider"` // memory | postgres
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig selects and configures the downstream queues.
type PubSubConfig struct {
	Provider        string `mapstructure:"provider"` // memory | pubsub
	ProjectID       string `mapstructure:"project_id"`
	ExtractionTopic string `mapstructure:"extraction_topic"`
	ImageTopic      string `mapstructure:"image_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// EndpointSeed declares one polled endpoint in the config file. Seeds are
// upserted into the endpoint store at startup.
type EndpointSeed struct {
	ID        string `mapstructure:"id"`
	SourceID  string `mapstructure:"source_id"`
	URL       string `mapstructure:"url"`
	Priority  string `mapstructure:"priority"`
	Frequency string `mapstructure:"frequency"`
}

// Endpoint converts the seed to a core endpoint.
func (e EndpointSeed) Endpoint() sentinel.Endpoint {
	return sentinel.Endpoint{
		ID:        e.ID,
		SourceID:  e.SourceID,
		URL:       e.URL,
		Priority:  sentinel.Priority(e.Priority),
		Frequency: sentinel.Frequency(e.Frequency),
		Active:    true,
	}
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SENTINEL")
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
	v.SetDefault("discovery.interval_minutes", 15)
	v.SetDefault("discovery.max_attempts", 3)
	v.SetDefault("discovery.circuit_reset_hours", 24)
	v.SetDefault("discovery.retry_batch_size", 100)
	v.SetDefault("discovery.redeliver_batch_size", 100)
	v.SetDefault("rate_limit.delay_ms", 2000)
	v.SetDefault("rate_limit.per_minute", 20)
	v.SetDefault("rate_limit.failure_threshold", 5)
	v.SetDefault("rate_limit.cooldown_minutes", 60)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.user_agent", "regwatch-sentinel/1.0")
	v.SetDefault("classify.min_chars_per_page", 50)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("pubsub.provider", "memory")
	v.SetDefault("pubsub.extraction_topic", "sentinel-extraction")
	v.SetDefault("pubsub.image_topic", "sentinel-image-recognition")
	v.SetDefault("logging.development", false)
}

var validPriorities = map[string]struct{}{
	string(sentinel.PriorityCritical): {},
	string(sentinel.PriorityHigh):     {},
	string(sentinel.PriorityMedium):   {},
	string(sentinel.PriorityLow):      {},
}

var validFrequencies = map[string]struct{}{
	string(sentinel.FrequencyEveryRun):    {},
	string(sentinel.FrequencyDaily):       {},
	string(sentinel.FrequencyTwiceWeekly): {},
	string(sentinel.FrequencyWeekly):      {},
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Discovery.IntervalMinutes <= 0 {
		return fmt.Errorf("discovery.interval_minutes must be > 0")
	}
	if c.Discovery.MaxAttempts <= 0 {
		return fmt.Errorf("discovery.max_attempts must be > 0")
	}
	if c.RateLimit.DelayMs < 0 || c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("rate_limit.per_minute must be > 0 and delay_ms >= 0")
	}
	if c.RateLimit.FailureThreshold <= 0 {
		return fmt.Errorf("rate_limit.failure_threshold must be > 0")
	}
	switch c.Storage.Provider {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider must be memory, local, or gcs, got %q", c.Storage.Provider)
	}
	switch c.DB.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres provider")
		}
	default:
		return fmt.Errorf("db.provider must be memory or postgres, got %q", c.DB.Provider)
	}
	switch c.PubSub.Provider {
	case "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set for the pubsub provider")
		}
	default:
		return fmt.Errorf("pubsub.provider must be memory or pubsub, got %q", c.PubSub.Provider)
	}
	for i, seed := range c.Endpoints {
		if seed.ID == "" || seed.URL == "" {
			return fmt.Errorf("endpoints[%d]: id and url are required", i)
		}
		if _, ok := validPriorities[seed.Priority]; !ok {
			return fmt.Errorf("endpoints[%d]: invalid priority %q", i, seed.Priority)
		}
		if _, ok := validFrequencies[seed.Frequency]; !ok {
			return fmt.Errorf("endpoints[%d]: invalid frequency %q", i, seed.Frequency)
		}
	}
	return nil
}
