package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/regwatch/sentinel/internal/sentinel"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
discovery:
  interval_minutes: 30
  max_attempts: 5
  circuit_reset_hours: 48
  blocklist: ["tracker.example"]
rate_limit:
  delay_ms: 500
  per_minute: 40
  failure_threshold: 3
  cooldown_minutes: 15
fetch:
  timeout_seconds: 45
  user_agent: sentinel-test
classify:
  min_chars_per_page: 80
storage:
  provider: gcs
  gcs_bucket: sentinel-raw
db:
  provider: postgres
  dsn: postgres://localhost/sentinel
pubsub:
  provider: pubsub
  project_id: reg-project
  extraction_topic: extract
  image_topic: ocr
logging:
  development: true
endpoints:
  - id: ep-irs-bulletins
    source_id: src-irs
    url: https://irs.example.gov/bulletins
    priority: CRITICAL
    frequency: EVERY_RUN
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Discovery.Interval() != 30*time.Minute {
		t.Fatalf("expected 30m interval, got %v", cfg.Discovery.Interval())
	}
	if cfg.Discovery.CircuitResetAge() != 48*time.Hour {
		t.Fatalf("expected 48h reset age, got %v", cfg.Discovery.CircuitResetAge())
	}
	if cfg.RateLimit.MinDelay() != 500*time.Millisecond {
		t.Fatalf("expected 500ms delay, got %v", cfg.RateLimit.MinDelay())
	}
	if cfg.RateLimit.Cooldown() != 15*time.Minute {
		t.Fatalf("expected 15m cooldown, got %v", cfg.RateLimit.Cooldown())
	}
	if cfg.Fetch.Timeout() != 45*time.Second {
		t.Fatalf("expected 45s timeout, got %v", cfg.Fetch.Timeout())
	}
	if cfg.Classify.MinCharsPerPage != 80 {
		t.Fatalf("expected min chars 80, got %d", cfg.Classify.MinCharsPerPage)
	}
	if len(cfg.Endpoints) != 1 {
		t.Fatalf("expected one endpoint seed, got %d", len(cfg.Endpoints))
	}
	ep := cfg.Endpoints[0].Endpoint()
	if ep.Priority != sentinel.PriorityCritical || ep.Frequency != sentinel.FrequencyEveryRun {
		t.Fatalf("unexpected endpoint seed conversion: %+v", ep)
	}
	if !ep.Active {
		t.Fatal("expected seeded endpoints to be active")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RateLimit.MinDelay() != 2*time.Second {
		t.Fatalf("expected default 2s delay, got %v", cfg.RateLimit.MinDelay())
	}
	if cfg.RateLimit.PerMinute != 20 || cfg.RateLimit.FailureThreshold != 5 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.Cooldown() != time.Hour {
		t.Fatalf("expected default 1h cooldown, got %v", cfg.RateLimit.Cooldown())
	}
	if cfg.Discovery.MaxAttempts != 3 {
		t.Fatalf("expected default 3 attempts, got %d", cfg.Discovery.MaxAttempts)
	}
	if cfg.Classify.MinCharsPerPage != 50 {
		t.Fatalf("expected default 50 chars per page, got %d", cfg.Classify.MinCharsPerPage)
	}
	if cfg.Storage.Provider != "memory" || cfg.DB.Provider != "memory" || cfg.PubSub.Provider != "memory" {
		t.Fatalf("expected memory providers by default: %+v", cfg)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Discovery: DiscoveryConfig{
			IntervalMinutes: 15,
			MaxAttempts:     3,
		},
		RateLimit: RateLimitConfig{
			PerMinute:        20,
			FailureThreshold: 5,
		},
		Storage: StorageConfig{Provider: "memory"},
		DB:      DBConfig{Provider: "memory"},
		PubSub:  PubSubConfig{Provider: "memory"},
	}

	tests := []struct {
		name string
		cfg  func() Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			},
			want: "server.port",
		},
		{
			name: "invalid interval",
			cfg: func() Config {
				c := base
				c.Discovery.IntervalMinutes = 0
				return c
			},
			want: "discovery.interval_minutes",
		},
		{
			name: "invalid per minute",
			cfg: func() Config {
				c := base
				c.RateLimit.PerMinute = 0
				return c
			},
			want: "rate_limit.per_minute",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Storage.Provider = "gcs"
				return c
			},
			want: "storage.gcs_bucket",
		},
		{
			name: "local without dir",
			cfg: func() Config {
				c := base
				c.Storage.Provider = "local"
				return c
			},
			want: "storage.local_dir",
		},
		{
			name: "postgres without dsn",
			cfg: func() Config {
				c := base
				c.DB.Provider = "postgres"
				return c
			},
			want: "db.dsn",
		},
		{
			name: "pubsub without project",
			cfg: func() Config {
				c := base
				c.PubSub.Provider = "pubsub"
				return c
			},
			want: "pubsub.project_id",
		},
		{
			name: "unknown storage provider",
			cfg: func() Config {
				c := base
				c.Storage.Provider = "s3"
				return c
			},
			want: "storage.provider",
		},
		{
			name: "bad endpoint priority",
			cfg: func() Config {
				c := base
				c.Endpoints = []EndpointSeed{{
					ID: "ep-1", URL: "https://x.example.gov",
					Priority: "URGENT", Frequency: "EVERY_RUN",
				}}
				return c
			},
			want: "invalid priority",
		},
		{
			name: "bad endpoint frequency",
			cfg: func() Config {
				c := base
				c.Endpoints = []EndpointSeed{{
					ID: "ep-1", URL: "https://x.example.gov",
					Priority: "HIGH", Frequency: "HOURLY",
				}}
				return c
			},
			want: "invalid frequency",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg().Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
