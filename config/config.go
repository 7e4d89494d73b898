package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Activity names used as keys of orchestrator.activities.
const (
	ActivitySyncSecurityMaster = "sync_security_master"
	ActivityStartIngestion     = "start_ingestion"
	ActivityStartArchival      = "start_archival"
	ActivityStartGateway       = "start_gateway"
	ActivityHealthCheck        = "health_check"
	ActivityDrainConnections   = "drain_connections"
	ActivityFlushBuffers       = "flush_buffers"
	ActivityStopIngestion      = "stop_ingestion"
	ActivityVerifyArchive      = "verify_archive"
)

type Config struct {
	Dayflow      DayflowConfig      `yaml:"dayflow"`
	Environment  string             `yaml:"environment"`
	Journal      JournalConfig      `yaml:"journal"`
	Cache        CacheConfig        `yaml:"cache"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Activities   ActivitiesConfig   `yaml:"activities"`
	Shards       ShardsConfig       `yaml:"shards"`
	Gaps         GapsConfig         `yaml:"gaps"`
	Storage      StorageConfig      `yaml:"storage"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Status       StatusConfig       `yaml:"status"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type DayflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// JournalConfig selects the append-only event log. The memory driver keeps
// events in process and is only meant for development.
type JournalConfig struct {
	Driver         string        `yaml:"driver"`
	URL            string        `yaml:"url"`
	Stream         string        `yaml:"stream"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	Replicas       int           `yaml:"replicas"`
	MaxAge         time.Duration `yaml:"max_age"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PageSize       int           `yaml:"page_size"`
}

type CacheConfig struct {
	Driver   string        `yaml:"driver"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type OrchestratorConfig struct {
	WorkflowTimeout time.Duration          `yaml:"workflow_timeout"`
	HealthInterval  time.Duration          `yaml:"health_interval"`
	Default         RetryConfig            `yaml:"default"`
	Activities      map[string]RetryConfig `yaml:"activities"`
}

// RetryConfig is the retry policy of a single activity. Zero fields of a
// per-activity entry inherit from orchestrator.default.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Timeout           time.Duration `yaml:"timeout"`
}

// Policy returns the effective retry policy for the named activity.
func (o OrchestratorConfig) Policy(activity string) RetryConfig {
	p := o.Default
	override, ok := o.Activities[activity]
	if !ok {
		return p
	}
	if override.MaxAttempts > 0 {
		p.MaxAttempts = override.MaxAttempts
	}
	if override.BaseDelay > 0 {
		p.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay > 0 {
		p.MaxDelay = override.MaxDelay
	}
	if override.BackoffMultiplier > 0 {
		p.BackoffMultiplier = override.BackoffMultiplier
	}
	if override.Timeout > 0 {
		p.Timeout = override.Timeout
	}
	return p
}

type ActivitiesConfig struct {
	SecurityMaster ServiceEndpoint      `yaml:"security_master"`
	Ingestion      ServiceEndpoint      `yaml:"ingestion"`
	Archival       ServiceEndpoint      `yaml:"archival"`
	Gateway        ServiceEndpoint      `yaml:"gateway"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServiceEndpoint points at the control API of a remote process. An empty URL
// means the process is not managed and its activities succeed immediately.
type ServiceEndpoint struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type CircuitBreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxRequests int           `yaml:"half_open_max_requests"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ShardsConfig struct {
	Capacity          int             `yaml:"capacity"`
	HeadroomThreshold float64         `yaml:"headroom_threshold"`
	MaxShards         int             `yaml:"max_shards"`
	BatchSize         int             `yaml:"batch_size"`
	FlushInterval     time.Duration   `yaml:"flush_interval"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	Connector         string          `yaml:"connector"`
	URL               string          `yaml:"url"`
	PublishPrefix     string          `yaml:"publish_prefix"`
	InstrumentsFile   string          `yaml:"instruments_file"`
	CDC               ConsumerConfig  `yaml:"cdc"`
}

type ConsumerConfig struct {
	Stream    string        `yaml:"stream"`
	Subject   string        `yaml:"subject"`
	Durable   string        `yaml:"durable"`
	FetchSize int           `yaml:"fetch_size"`
	FetchWait time.Duration `yaml:"fetch_wait"`
}

type GapsConfig struct {
	Feed           string         `yaml:"feed"`
	Streams        []string       `yaml:"streams"`
	ManifestPrefix string         `yaml:"manifest_prefix"`
	Sink           string         `yaml:"sink"`
	Compression    string         `yaml:"compression"`
	StatusInterval time.Duration  `yaml:"status_interval"`
	Consumer       ConsumerConfig `yaml:"consumer"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Local LocalConfig `yaml:"local"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LocalConfig struct {
	Dir string `yaml:"dir"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Path       string           `yaml:"path"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Region    string `yaml:"region"`
}

type StatusConfig struct {
	Addr           string        `yaml:"addr"`
	LogHistory     int           `yaml:"log_history"`
	MetricsHistory int           `yaml:"metrics_history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	HistoryLimit   int           `yaml:"history_limit"`
}

type LoggingConfig struct {
	Level  string                 `yaml:"level"`
	Format string                 `yaml:"format"`
	Output string                 `yaml:"output"`
	MaxAge int                    `yaml:"max_age"`
	Fields map[string]interface{} `yaml:"fields"`
}

// Default returns a configuration that runs entirely in process.
func Default() Config {
	return Config{
		Dayflow:     DayflowConfig{Name: "dayflow", Version: "dev"},
		Environment: "dev",
		Journal: JournalConfig{
			Driver:         "memory",
			Stream:         "DAYFLOW",
			SubjectPrefix:  "dayflow",
			Replicas:       1,
			ConnectTimeout: 5 * time.Second,
			PageSize:       256,
		},
		Cache: CacheConfig{Driver: "memory", Prefix: "dayflow"},
		Orchestrator: OrchestratorConfig{
			WorkflowTimeout: 30 * time.Minute,
			HealthInterval:  30 * time.Second,
			Default: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         30 * time.Second,
				MaxDelay:          5 * time.Minute,
				BackoffMultiplier: 2,
				Timeout:           2 * time.Minute,
			},
		},
		Activities: ActivitiesConfig{
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:    5,
				RecoveryTimeout:     30 * time.Second,
				HalfOpenMaxRequests: 1,
			},
		},
		Shards: ShardsConfig{
			Capacity:          100,
			HeadroomThreshold: 0.8,
			BatchSize:         10,
			FlushInterval:     5 * time.Second,
			RateLimit:         RateLimitConfig{RequestsPerSecond: 5, BurstSize: 10},
			Connector:         "noop",
			PublishPrefix:     "md",
			CDC: ConsumerConfig{
				Stream:    "SECMASTER_CDC",
				Subject:   "cdc.markets.insert",
				Durable:   "dayflow-shards",
				FetchSize: 100,
				FetchWait: 5 * time.Second,
			},
		},
		Gaps: GapsConfig{
			Feed:           "binance",
			ManifestPrefix: "manifests",
			Sink:           "local",
			Compression:    "snappy",
			StatusInterval: 5 * time.Second,
			Consumer: ConsumerConfig{
				Durable:   "dayflow-gaps",
				FetchSize: 500,
				FetchWait: 2 * time.Second,
			},
		},
		Storage: StorageConfig{Local: LocalConfig{Dir: "data"}},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics", CloudWatch: CloudWatchConfig{Namespace: "Dayflow"}},
		Status: StatusConfig{
			Addr:           ":8080",
			LogHistory:     200,
			MetricsHistory: 200,
			SampleInterval: 5 * time.Second,
			HistoryLimit:   7,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("DAYFLOW_ENV"); v != "" {
		config.Environment = strings.TrimSpace(v)
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		config.Journal.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Cache.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Cache.Password = v
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

var environmentNameRegexp = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)

func validateConfig(cfg *Config) error {
	if cfg.Dayflow.Name == "" {
		return fmt.Errorf("dayflow.name is required")
	}
	if cfg.Dayflow.Version == "" {
		return fmt.Errorf("dayflow.version is required")
	}
	if !environmentNameRegexp.MatchString(cfg.Environment) {
		return fmt.Errorf("environment '%s' is invalid", cfg.Environment)
	}

	switch cfg.Journal.Driver {
	case "memory":
	case "nats":
		if cfg.Journal.URL == "" {
			return fmt.Errorf("journal.url is required for the nats driver")
		}
		if cfg.Journal.Stream == "" {
			return fmt.Errorf("journal.stream is required for the nats driver")
		}
	default:
		return fmt.Errorf("journal.driver '%s' is not supported", cfg.Journal.Driver)
	}
	if cfg.Journal.PageSize <= 0 {
		return fmt.Errorf("journal.page_size must be greater than 0")
	}

	switch cfg.Cache.Driver {
	case "memory":
	case "redis":
		if cfg.Cache.Addr == "" {
			return fmt.Errorf("cache.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("cache.driver '%s' is not supported", cfg.Cache.Driver)
	}

	if IsProductionLike(AppEnvironment()) && cfg.Journal.Driver == "memory" {
		return fmt.Errorf("journal.driver memory is not allowed in %s", AppEnvironment())
	}

	if cfg.Orchestrator.WorkflowTimeout <= 0 {
		return fmt.Errorf("orchestrator.workflow_timeout must be greater than 0")
	}
	if err := validateRetry("orchestrator.default", cfg.Orchestrator.Default); err != nil {
		return err
	}
	for name := range cfg.Orchestrator.Activities {
		if err := validateRetry("orchestrator.activities."+name, cfg.Orchestrator.Policy(name)); err != nil {
			return err
		}
	}

	if cfg.Shards.Capacity <= 0 {
		return fmt.Errorf("shards.capacity must be greater than 0")
	}
	if cfg.Shards.HeadroomThreshold <= 0 || cfg.Shards.HeadroomThreshold > 1 {
		return fmt.Errorf("shards.headroom_threshold must be in (0, 1]")
	}
	if cfg.Shards.MaxShards < 0 {
		return fmt.Errorf("shards.max_shards must not be negative")
	}
	if cfg.Shards.BatchSize <= 0 {
		return fmt.Errorf("shards.batch_size must be greater than 0")
	}
	if cfg.Shards.FlushInterval <= 0 {
		return fmt.Errorf("shards.flush_interval must be greater than 0")
	}

	switch cfg.Gaps.Sink {
	case "local":
		if cfg.Storage.Local.Dir == "" {
			return fmt.Errorf("storage.local.dir is required for the local manifest sink")
		}
	case "s3":
		if !cfg.Storage.S3.Enabled {
			return fmt.Errorf("gaps.sink s3 requires storage.s3.enabled")
		}
	default:
		return fmt.Errorf("gaps.sink '%s' is not supported", cfg.Gaps.Sink)
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

func validateRetry(name string, p RetryConfig) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%s.max_attempts must be greater than 0", name)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("%s.base_delay must be greater than 0", name)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("%s.max_delay must not be less than base_delay", name)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("%s.backoff_multiplier must be at least 1", name)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("%s.timeout must be greater than 0", name)
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
