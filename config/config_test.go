package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTempFile writes content to a file under t.TempDir and returns its path.
func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("DAYFLOW_ENV", "")
	path := writeTempFile(t, "cfg.yml", `dayflow:
  name: "TestApp"
  version: "1.0"
environment: kalshi
orchestrator:
  default:
    max_attempts: 5
    base_delay: 1s
    max_delay: 10s
    backoff_multiplier: 2
    timeout: 30s
  activities:
    health_check:
      max_attempts: 2
shards:
  capacity: 50
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Dayflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Dayflow.Name)
	}
	if cfg.Environment != "kalshi" {
		t.Errorf("unexpected environment: %s", cfg.Environment)
	}
	if cfg.Shards.Capacity != 50 {
		t.Errorf("unexpected capacity: %d", cfg.Shards.Capacity)
	}
	if cfg.Shards.HeadroomThreshold != 0.8 {
		t.Errorf("default headroom threshold not applied: %v", cfg.Shards.HeadroomThreshold)
	}

	hc := cfg.Orchestrator.Policy(ActivityHealthCheck)
	if hc.MaxAttempts != 2 {
		t.Errorf("unexpected health check attempts: %d", hc.MaxAttempts)
	}
	if hc.BaseDelay != time.Second || hc.Timeout != 30*time.Second {
		t.Errorf("health check policy did not inherit defaults: %+v", hc)
	}
	if p := cfg.Orchestrator.Policy(ActivityStartGateway); p.MaxAttempts != 5 {
		t.Errorf("unexpected default attempts: %d", p.MaxAttempts)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("DAYFLOW_ENV", "polymarket")
	t.Setenv("NATS_URL", "nats://broker:4222")
	path := writeTempFile(t, "cfg.yml", `environment: kalshi
journal:
  driver: nats
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Environment != "polymarket" {
		t.Errorf("DAYFLOW_ENV not applied: %s", cfg.Environment)
	}
	if cfg.Journal.URL != "nats://broker:4222" {
		t.Errorf("NATS_URL not applied: %s", cfg.Journal.URL)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Setenv("APP_ENV", "")
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing name", func(c *Config) { c.Dayflow.Name = "" }},
		{"bad environment", func(c *Config) { c.Environment = "Prod Env" }},
		{"nats without url", func(c *Config) { c.Journal.Driver = "nats" }},
		{"unknown cache", func(c *Config) { c.Cache.Driver = "memcached" }},
		{"zero capacity", func(c *Config) { c.Shards.Capacity = 0 }},
		{"threshold above one", func(c *Config) { c.Shards.HeadroomThreshold = 1.5 }},
		{"zero attempts", func(c *Config) { c.Orchestrator.Default.MaxAttempts = 0 }},
		{"max delay below base", func(c *Config) { c.Orchestrator.Default.MaxDelay = time.Millisecond }},
		{"s3 sink disabled", func(c *Config) { c.Gaps.Sink = "s3" }},
	}
	for _, c := range cases {
		cfg := Default()
		c.mutate(&cfg)
		if err := validateConfig(&cfg); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}

	cfg := Default()
	if err := validateConfig(&cfg); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestProductionRequiresDurableJournal(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	cfg := Default()
	if err := validateConfig(&cfg); err == nil {
		t.Fatalf("expected memory journal to be rejected in production")
	}
}

func TestLoadInstruments(t *testing.T) {
	path := writeTempFile(t, "instruments.yml", `instruments:
- BTCUSDT
- ETHUSDT
- " "
- BTCUSDT
- SOLUSDT
`)

	seed, err := LoadInstruments(path)
	if err != nil {
		t.Fatalf("LoadInstruments failed: %v", err)
	}
	want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	if len(seed.Instruments) != len(want) {
		t.Fatalf("expected %d instruments, got %v", len(want), seed.Instruments)
	}
	for i := range want {
		if seed.Instruments[i] != want[i] {
			t.Errorf("instrument %d = %s, want %s", i, seed.Instruments[i], want[i])
		}
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("APP_ENV", "")
	if got := ResolvePath(""); got != DefaultPath {
		t.Errorf("ResolvePath(\"\") = %s, want %s", got, DefaultPath)
	}
	if got := ResolvePath("/etc/dayflow.yml"); got != "/etc/dayflow.yml" {
		t.Errorf("explicit path rewritten: %s", got)
	}
}
