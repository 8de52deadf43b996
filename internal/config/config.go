package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/listing-evidence/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Metadata MetadataConfig `yaml:"metadata" mapstructure:"metadata"`
	Download DownloadConfig `yaml:"download" mapstructure:"download"`
	Browser  BrowserConfig  `yaml:"browser" mapstructure:"browser"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Dedup    DedupConfig    `yaml:"dedup" mapstructure:"dedup"`
	Search   SearchConfig   `yaml:"search" mapstructure:"search"`
	Lease    LeaseConfig    `yaml:"lease" mapstructure:"lease"`
	Cleanup  CleanupConfig  `yaml:"cleanup" mapstructure:"cleanup"`
	Sources  SourcesConfig  `yaml:"sources" mapstructure:"sources"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Monitor  MonitorConfig  `yaml:"monitor" mapstructure:"monitor"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig locates the content-addressed artifact store and its JSON files.
type StoreConfig struct {
	Root         string `yaml:"root" mapstructure:"root"`
	ManifestPath string `yaml:"manifest_path" mapstructure:"manifest_path"`
	StatePath    string `yaml:"state_path" mapstructure:"state_path"`
}

// MetadataConfig selects the metadata persistence backend.
type MetadataConfig struct {
	Driver       string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL  string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns     int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MergeRetries int    `yaml:"merge_retries" mapstructure:"merge_retries"`
}

// RetrySettings is the config-file shape of a resilience.RetryConfig.
type RetrySettings struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// Policy converts the settings into a retry policy.
func (r RetrySettings) Policy() resilience.RetryConfig {
	return resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction)
}

// DownloadConfig configures image fetching and normalization.
type DownloadConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	TimeoutSecs    int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBytes       int64         `yaml:"max_bytes" mapstructure:"max_bytes"`
	MaxPixels      int64         `yaml:"max_pixels" mapstructure:"max_pixels"`
	JPEGQuality    int           `yaml:"jpeg_quality" mapstructure:"jpeg_quality"`
	Background     string        `yaml:"background" mapstructure:"background"`
	UserAgent      string        `yaml:"user_agent" mapstructure:"user_agent"`
	HostRate       float64       `yaml:"host_rate" mapstructure:"host_rate"`
	Retry          RetrySettings `yaml:"retry" mapstructure:"retry"`
}

// BrowserConfig configures stealth browser sessions.
type BrowserConfig struct {
	Headless       bool     `yaml:"headless" mapstructure:"headless"`
	ExecPath       string   `yaml:"exec_path" mapstructure:"exec_path"`
	NavTimeoutSecs int      `yaml:"nav_timeout_secs" mapstructure:"nav_timeout_secs"`
	MinDelayMs     int      `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	MaxDelayMs     int      `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	MaxFrames      int      `yaml:"max_frames" mapstructure:"max_frames"`
	UserAgents     []string `yaml:"user_agents" mapstructure:"user_agents"`
	Proxies        []string `yaml:"proxies" mapstructure:"proxies"`
}

// PipelineConfig configures the coordinator and fallback chain.
type PipelineConfig struct {
	Workers           int           `yaml:"workers" mapstructure:"workers"`
	TargetTimeoutSecs int           `yaml:"target_timeout_secs" mapstructure:"target_timeout_secs"`
	StepTimeoutSecs   int           `yaml:"step_timeout_secs" mapstructure:"step_timeout_secs"`
	StaleAfterMins    int           `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	MinImages         int           `yaml:"min_images" mapstructure:"min_images"`
	CircuitThreshold  int           `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs  int           `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	StepRetry         RetrySettings `yaml:"step_retry" mapstructure:"step_retry"`
}

// DedupConfig configures near-duplicate detection.
type DedupConfig struct {
	Threshold int `yaml:"threshold" mapstructure:"threshold"`
}

// SearchConfig configures the search fallback step.
type SearchConfig struct {
	Key        string  `yaml:"key" mapstructure:"key"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	Confidence float64 `yaml:"confidence" mapstructure:"confidence"`
	MaxResults int     `yaml:"max_results" mapstructure:"max_results"`
}

// LeaseConfig selects how at-most-one in-flight extraction is enforced.
type LeaseConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"`
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisDB   int    `yaml:"redis_db" mapstructure:"redis_db"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
}

// CleanupConfig configures the cache janitor.
type CleanupConfig struct {
	MaxAgeHours int `yaml:"max_age_hours" mapstructure:"max_age_hours"`
}

// SourcesConfig points at the site definition file.
type SourcesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitorConfig controls the background health checker run by serve.
type MonitorConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinFinished          int     `yaml:"min_finished" mapstructure:"min_finished"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TargetTimeout returns the per-target wall-clock budget.
func (p PipelineConfig) TargetTimeout() time.Duration {
	return time.Duration(p.TargetTimeoutSecs) * time.Second
}

// StepTimeout returns the per-step budget.
func (p PipelineConfig) StepTimeout() time.Duration {
	return time.Duration(p.StepTimeoutSecs) * time.Second
}

// StaleAfter returns the in_progress reclamation threshold.
func (p PipelineConfig) StaleAfter() time.Duration {
	return time.Duration(p.StaleAfterMins) * time.Minute
}

// MaxAge returns the janitor's default eviction age.
func (c CleanupConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("EVIDENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.root", "data/images")
	v.SetDefault("store.manifest_path", "data/manifest.json")
	v.SetDefault("store.state_path", "data/extraction_state.json")
	v.SetDefault("metadata.driver", "sqlite")
	v.SetDefault("metadata.database_url", "data/metadata.db")
	v.SetDefault("metadata.max_conns", 10)
	v.SetDefault("metadata.merge_retries", 5)
	v.SetDefault("download.max_concurrency", 5)
	v.SetDefault("download.timeout_secs", 30)
	v.SetDefault("download.max_bytes", 25<<20)
	v.SetDefault("download.max_pixels", 50_000_000)
	v.SetDefault("download.jpeg_quality", 90)
	v.SetDefault("download.background", "#FFFFFF")
	v.SetDefault("download.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("download.host_rate", 4.0)
	v.SetDefault("download.retry.max_attempts", 5)
	v.SetDefault("download.retry.initial_backoff_ms", 500)
	v.SetDefault("download.retry.max_backoff_ms", 30000)
	v.SetDefault("download.retry.multiplier", 2.0)
	v.SetDefault("download.retry.jitter_fraction", 0.25)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout_secs", 45)
	v.SetDefault("browser.min_delay_ms", 800)
	v.SetDefault("browser.max_delay_ms", 2500)
	v.SetDefault("browser.max_frames", 60)
	v.SetDefault("pipeline.workers", 3)
	v.SetDefault("pipeline.target_timeout_secs", 600)
	v.SetDefault("pipeline.step_timeout_secs", 180)
	v.SetDefault("pipeline.stale_after_mins", 15)
	v.SetDefault("pipeline.min_images", 1)
	v.SetDefault("pipeline.circuit_threshold", 5)
	v.SetDefault("pipeline.circuit_reset_secs", 300)
	v.SetDefault("pipeline.step_retry.max_attempts", 3)
	v.SetDefault("pipeline.step_retry.initial_backoff_ms", 2000)
	v.SetDefault("pipeline.step_retry.max_backoff_ms", 20000)
	v.SetDefault("pipeline.step_retry.multiplier", 2.0)
	v.SetDefault("pipeline.step_retry.jitter_fraction", 0.3)
	v.SetDefault("dedup.threshold", 10)
	v.SetDefault("search.base_url", "https://s.jina.ai")
	v.SetDefault("search.confidence", 0.5)
	v.SetDefault("search.max_results", 10)
	v.SetDefault("lease.driver", "local")
	v.SetDefault("lease.redis_addr", "localhost:6379")
	v.SetDefault("lease.prefix", "evidence:lease:")
	v.SetDefault("cleanup.max_age_hours", 24*30)
	v.SetDefault("sources.path", "sources.yaml")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitor.check_interval_secs", 300)
	v.SetDefault("monitor.lookback_window_hours", 24)
	v.SetDefault("monitor.failure_rate_threshold", 0.5)
	v.SetDefault("monitor.min_finished", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Metadata.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown metadata driver %q (valid: sqlite, postgres)", c.Metadata.Driver)
	}
	switch c.Lease.Driver {
	case "local", "redis":
	default:
		return eris.Errorf("config: unknown lease driver %q (valid: local, redis)", c.Lease.Driver)
	}
	if c.Download.MaxConcurrency <= 0 {
		return eris.New("config: download.max_concurrency must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		return eris.New("config: pipeline.workers must be positive")
	}
	if c.Download.JPEGQuality < 1 || c.Download.JPEGQuality > 100 {
		return eris.Errorf("config: download.jpeg_quality %d out of range 1-100", c.Download.JPEGQuality)
	}
	if c.Browser.MinDelayMs > c.Browser.MaxDelayMs {
		return eris.New("config: browser.min_delay_ms exceeds max_delay_ms")
	}
	if c.Download.MaxPixels < 0 {
		return eris.New("config: download.max_pixels must not be negative")
	}
	// A live claim must never look stale: sweep would hand it to another worker.
	if c.Pipeline.StaleAfter() <= c.Pipeline.TargetTimeout() {
		return eris.Errorf("config: pipeline.stale_after_mins (%s) must exceed target_timeout_secs (%s)",
			c.Pipeline.StaleAfter(), c.Pipeline.TargetTimeout())
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
