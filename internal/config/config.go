package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	SourceTypeJSON = "json"
	SourceTypeText = "text"
	SourceTypeHTML = "html"
)

const defaultBatchDelayMs = 50

type Config struct {
	Aggregator AggregatorConfig `json:"aggregator" yaml:"aggregator"`
	Checker    CheckerConfig    `json:"checker" yaml:"checker"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	GeoIP      GeoIPConfig      `json:"geoip" yaml:"geoip"`
}

type AggregatorConfig struct {
	Sources        []Source          `json:"sources" yaml:"sources"`
	UserAgent      string            `json:"user_agent" yaml:"user_agent"`
	Headers        map[string]string `json:"headers" yaml:"headers"`
	FetchTimeoutMs int               `json:"fetch_timeout_ms" yaml:"fetch_timeout_ms"`
	MaxBodyBytes   int64             `json:"max_body_bytes" yaml:"max_body_bytes"`
	// UpstreamProxy routes source fetches through http://, https:// or socks5:// proxy.
	UpstreamProxy string `json:"upstream_proxy" yaml:"upstream_proxy"`
}

// Source is one entry of the static source registry.
// JSON and HTML sources use URL; text sources use URLs, one per declared protocol.
type Source struct {
	Name     string      `json:"name" yaml:"name"`
	Type     string      `json:"type" yaml:"type"`
	Enabled  *bool       `json:"enabled" yaml:"enabled"` // nil means enabled
	URL      string      `json:"url" yaml:"url"`
	URLs     []SourceURL `json:"urls" yaml:"urls"`
	Protocol string      `json:"protocol" yaml:"protocol"`

	// RecordsField is the array field of a JSON source payload (default "data").
	RecordsField string `json:"records_field" yaml:"records_field"`

	// HTML table layout
	RowSelector   string `json:"row_selector" yaml:"row_selector"`
	AddressColumn int    `json:"address_column" yaml:"address_column"`
	PortColumn    int    `json:"port_column" yaml:"port_column"`
	CountryColumn *int   `json:"country_column" yaml:"country_column"`
}

type SourceURL struct {
	URL      string `json:"url" yaml:"url"`
	Protocol string `json:"protocol" yaml:"protocol"`
}

type CheckerConfig struct {
	TimeoutMs     int `json:"timeout_ms" yaml:"timeout_ms"`
	BatchSize     int `json:"batch_size" yaml:"batch_size"`
	BatchDelayMs  int `json:"batch_delay_ms" yaml:"batch_delay_ms"`
	MaxLatencyMs  int `json:"max_latency_ms" yaml:"max_latency_ms"`
	FastLatencyMs int `json:"fast_latency_ms" yaml:"fast_latency_ms"`
	GoodLatencyMs int `json:"good_latency_ms" yaml:"good_latency_ms"`
}

type SchedulerConfig struct {
	RefreshIntervalSeconds int  `json:"refresh_interval_seconds" yaml:"refresh_interval_seconds"`
	CheckIntervalSeconds   int  `json:"check_interval_seconds" yaml:"check_interval_seconds"`
	SkipInitialRefresh     bool `json:"skip_initial_refresh" yaml:"skip_initial_refresh"`
}

type APIConfig struct {
	Addr               string `json:"addr" yaml:"addr"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit" yaml:"enable_ip_rate_limit"`
	StaticDir          string `json:"static_dir" yaml:"static_dir"`
}

type StorageConfig struct {
	Type     string `json:"type" yaml:"type"` // "file", "sqlite", "redis", "none"
	Path     string `json:"path" yaml:"path"` // file path, sqlite path or redis address
	RedisKey string `json:"redis_key" yaml:"redis_key"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "text"
}

type GeoIPConfig struct {
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// Load reads configuration from a JSON or YAML file, picked by extension
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := newConfig()
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration used when no config file exists
func Default() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	return &cfg
}

// newConfig seeds the settings whose zero value is meaningful, so a file can
// still set them to zero explicitly
func newConfig() Config {
	return Config{
		Checker: CheckerConfig{BatchDelayMs: defaultBatchDelayMs},
	}
}

// ApplyEnv overrides a few settings from the environment
func (c *Config) ApplyEnv() {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.API.Addr = ":" + port
	}
	if level := strings.TrimSpace(os.Getenv("LOG_LEVEL")); level != "" {
		c.Logging.Level = level
	}
	if path := strings.TrimSpace(os.Getenv("STORAGE_PATH")); path != "" {
		c.Storage.Path = path
	}
	if db := strings.TrimSpace(os.Getenv("GEOIP_DATABASE")); db != "" {
		c.GeoIP.DatabasePath = db
	}
}

func (c *Config) applyDefaults() {
	if len(c.Aggregator.Sources) == 0 {
		c.Aggregator.Sources = DefaultSources()
	}
	for i := range c.Aggregator.Sources {
		src := &c.Aggregator.Sources[i]
		if src.Type == SourceTypeJSON && src.RecordsField == "" {
			src.RecordsField = "data"
		}
		if src.Type == SourceTypeHTML && src.RowSelector == "" {
			src.RowSelector = "table tbody tr"
			if src.PortColumn == 0 && src.AddressColumn == 0 {
				src.PortColumn = 1
			}
		}
	}
	if c.Aggregator.UserAgent == "" {
		c.Aggregator.UserAgent = "Mozilla/5.0 (compatible; proxy-pool/1.0)"
	}
	if c.Aggregator.FetchTimeoutMs == 0 {
		c.Aggregator.FetchTimeoutMs = 15000
	}
	if c.Aggregator.MaxBodyBytes == 0 {
		c.Aggregator.MaxBodyBytes = 10 * 1024 * 1024
	}
	if c.Checker.TimeoutMs == 0 {
		c.Checker.TimeoutMs = 1500
	}
	if c.Checker.BatchSize == 0 {
		c.Checker.BatchSize = 200
	}
	if c.Checker.MaxLatencyMs == 0 {
		c.Checker.MaxLatencyMs = 3000
	}
	if c.Checker.FastLatencyMs == 0 {
		c.Checker.FastLatencyMs = 500
	}
	if c.Checker.GoodLatencyMs == 0 {
		c.Checker.GoodLatencyMs = 1000
	}
	if c.Scheduler.RefreshIntervalSeconds == 0 {
		c.Scheduler.RefreshIntervalSeconds = 3600
	}
	if c.Scheduler.CheckIntervalSeconds == 0 {
		c.Scheduler.CheckIntervalSeconds = 900
	}
	if c.API.Addr == "" {
		c.API.Addr = ":3000"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 1200
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/proxies.json"
	}
	if c.Storage.RedisKey == "" {
		c.Storage.RedisKey = "proxypool:snapshot"
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "proxypool"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Checker.BatchSize < 1 || c.Checker.BatchSize > 10000 {
		return fmt.Errorf("batch_size must be between 1 and 10000")
	}
	if c.Checker.TimeoutMs < 100 || c.Checker.TimeoutMs > 60000 {
		return fmt.Errorf("timeout_ms must be between 100 and 60000")
	}
	if c.Checker.BatchDelayMs < 0 {
		return fmt.Errorf("batch_delay_ms must not be negative")
	}
	if c.Checker.FastLatencyMs <= 0 || c.Checker.GoodLatencyMs <= c.Checker.FastLatencyMs {
		return fmt.Errorf("latency thresholds must satisfy 0 < fast_latency_ms < good_latency_ms")
	}
	if c.Checker.MaxLatencyMs <= 0 {
		return fmt.Errorf("max_latency_ms must be positive")
	}
	if c.Scheduler.RefreshIntervalSeconds < 1 || c.Scheduler.CheckIntervalSeconds < 1 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	switch c.Storage.Type {
	case "file", "sqlite", "redis", "none":
	default:
		return fmt.Errorf("storage type must be 'file', 'sqlite', 'redis' or 'none'")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}
	return validateSources(c.Aggregator.Sources)
}

func validateSources(sources []Source) error {
	seen := make(map[string]struct{}, len(sources))
	for i, src := range sources {
		if strings.TrimSpace(src.Name) == "" {
			return fmt.Errorf("source %d: name is required", i)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("source %q: duplicate name", src.Name)
		}
		seen[src.Name] = struct{}{}

		switch src.Type {
		case SourceTypeJSON, SourceTypeHTML:
			if src.URL == "" {
				return fmt.Errorf("source %q: url is required", src.Name)
			}
		case SourceTypeText:
			if len(src.URLs) == 0 {
				return fmt.Errorf("source %q: urls are required for text sources", src.Name)
			}
			for _, u := range src.URLs {
				if u.URL == "" {
					return fmt.Errorf("source %q: empty url", src.Name)
				}
			}
		default:
			return fmt.Errorf("source %q: type must be 'json', 'text' or 'html'", src.Name)
		}
	}
	return nil
}

// IsEnabled reports whether the source takes part in refreshes
func (s Source) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// DefaultSources is the built-in source registry
func DefaultSources() []Source {
	return []Source{
		{
			Name:         "FreeProxy",
			Type:         SourceTypeJSON,
			URL:          "https://raw.githubusercontent.com/CharlesPikachu/freeproxy/master/proxies.json",
			RecordsField: "data",
		},
		{
			Name: "OpenProxyList",
			Type: SourceTypeText,
			URLs: []SourceURL{
				{URL: "https://raw.githubusercontent.com/roosterkid/openproxylist/main/HTTPS_RAW.txt", Protocol: "Https"},
				{URL: "https://raw.githubusercontent.com/roosterkid/openproxylist/main/SOCKS4_RAW.txt", Protocol: "Socks4"},
				{URL: "https://raw.githubusercontent.com/roosterkid/openproxylist/main/SOCKS5_RAW.txt", Protocol: "Socks5"},
			},
		},
		{
			Name: "ProxyScraper",
			Type: SourceTypeText,
			URLs: []SourceURL{
				{URL: "https://raw.githubusercontent.com/zebbern/Proxy-Scraper/main/http.txt", Protocol: "Http"},
				{URL: "https://raw.githubusercontent.com/zebbern/Proxy-Scraper/main/socks4.txt", Protocol: "Socks4"},
				{URL: "https://raw.githubusercontent.com/zebbern/Proxy-Scraper/main/socks5.txt", Protocol: "Socks5"},
			},
		},
	}
}
