// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every configuration knob of the pipeline.
type Config struct {
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	DB        DBConfig        `mapstructure:"db"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// CrawlerConfig governs the HTTP client, politeness and catalogue traversal.
type CrawlerConfig struct {
	SeedURL           string        `mapstructure:"seed_url"`
	Category          string        `mapstructure:"category"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Retries           int           `mapstructure:"retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	MaxRedirects      int           `mapstructure:"max_redirects"`
	MaxDepth          int           `mapstructure:"max_depth"`
	AllowlistPrefixes []string      `mapstructure:"allowlist_prefixes"`
	DenyHosts         []string      `mapstructure:"deny_hosts"`
	UserAgent         string        `mapstructure:"user_agent"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
}

// HeadlessConfig configures the browser client.
type HeadlessConfig struct {
	Enabled                  bool          `mapstructure:"enabled"`
	ExecPath                 string        `mapstructure:"exec_path"`
	NavTimeout               time.Duration `mapstructure:"nav_timeout"`
	PostLoadDelay            time.Duration `mapstructure:"post_load_delay"`
	MaxRetries               int           `mapstructure:"max_retries"`
	ClosureBackoffMultiplier float64       `mapstructure:"closure_backoff_multiplier"`
}

// DiscoveryConfig bounds directory expansion.
type DiscoveryConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
	MaxQueue int `mapstructure:"max_queue"`
}

// ChunkingConfig sizes chunks in characters.
type ChunkingConfig struct {
	ChunkSize       int `mapstructure:"chunk_size"`
	ChunkOverlap    int `mapstructure:"chunk_overlap"`
	FallbackSize    int `mapstructure:"fallback_size"`
	FallbackOverlap int `mapstructure:"fallback_overlap"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider        string        `mapstructure:"provider"`
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	Dimensions      int           `mapstructure:"dimensions"`
	BatchSize       int           `mapstructure:"batch_size"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory
// repository.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RetrievalConfig holds retrieval defaults.
type RetrievalConfig struct {
	TopK          int     `mapstructure:"top_k"`
	MinSimilarity float64 `mapstructure:"min_similarity"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig sets the ops listener address.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Embedding providers.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Load builds a Config from an optional file and CATALOGUE_* environment
// variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOGUE")
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
	v.SetDefault("crawler.seed_url", "https://www.canada.ca/en/revenue-agency/services/forms-publications.html")
	v.SetDefault("crawler.category", "publications")
	v.SetDefault("crawler.requests_per_second", 1.0)
	v.SetDefault("crawler.timeout", "30s")
	v.SetDefault("crawler.retries", 3)
	v.SetDefault("crawler.retry_backoff", "1s")
	v.SetDefault("crawler.max_backoff", "30s")
	v.SetDefault("crawler.max_redirects", 5)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.allowlist_prefixes", []string{"https://www.canada.ca/en/revenue-agency/"})
	v.SetDefault("crawler.deny_hosts", []string{})
	v.SetDefault("crawler.user_agent", "catalogue-rag-bot/0.1 (+https://github.com/JakeFAU/catalogue-rag)")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("headless.post_load_delay", "2s")
	v.SetDefault("headless.max_retries", 2)
	v.SetDefault("headless.closure_backoff_multiplier", 2.0)
	v.SetDefault("discovery.max_depth", 2)
	v.SetDefault("discovery.max_queue", 500)
	v.SetDefault("chunking.chunk_size", 1000)
	v.SetDefault("chunking.chunk_overlap", 200)
	v.SetDefault("chunking.fallback_size", 3500)
	v.SetDefault("chunking.fallback_overlap", 400)
	// Empty keys are registered so CATALOGUE_* variables can set them.
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("embedding.provider", ProviderOllama)
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.dimensions", 0)
	v.SetDefault("embedding.batch_size", 100)
	v.SetDefault("embedding.timeout", "60s")
	v.SetDefault("embedding.breaker_failures", 5)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.min_similarity", 0.0)
	v.SetDefault("logging.development", true)
	v.SetDefault("metrics.addr", ":9090")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Crawler.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("crawler.requests_per_second must be > 0"))
	}
	if c.Crawler.Timeout <= 0 {
		errs = append(errs, errors.New("crawler.timeout must be > 0"))
	}
	if c.Crawler.Retries < 0 {
		errs = append(errs, errors.New("crawler.retries must be >= 0"))
	}
	if c.Crawler.MaxRedirects <= 0 {
		errs = append(errs, errors.New("crawler.max_redirects must be > 0"))
	}
	if c.Crawler.SeedURL == "" {
		errs = append(errs, errors.New("crawler.seed_url is required"))
	}
	if c.Headless.Enabled && c.Headless.NavTimeout <= 0 {
		errs = append(errs, errors.New("headless.nav_timeout must be > 0 when headless is enabled"))
	}
	if c.Headless.ClosureBackoffMultiplier < 1 {
		errs = append(errs, errors.New("headless.closure_backoff_multiplier must be >= 1"))
	}
	if c.Chunking.ChunkSize <= 0 {
		errs = append(errs, errors.New("chunking.chunk_size must be > 0"))
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		errs = append(errs, errors.New("chunking.chunk_overlap must be >= 0 and < chunk_size"))
	}
	if c.Chunking.FallbackOverlap >= c.Chunking.FallbackSize {
		errs = append(errs, errors.New("chunking.fallback_overlap must be < fallback_size"))
	}
	switch c.Embedding.Provider {
	case ProviderOllama:
	case ProviderOpenAI:
		if c.Embedding.APIKey == "" {
			errs = append(errs, errors.New("embedding.api_key must be set for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q is not one of openai, ollama", c.Embedding.Provider))
	}
	if c.Embedding.BatchSize <= 0 {
		errs = append(errs, errors.New("embedding.batch_size must be > 0"))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, errors.New("retrieval.top_k must be > 0"))
	}
	return errors.Join(errs...)
}
