// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Output    OutputConfig    `mapstructure:"output"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	LogStream LogStreamConfig `mapstructure:"logstream"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxRuns         int           `mapstructure:"max_runs"`
}

// CrawlConfig holds the fixed job run by the crawl command.
type CrawlConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	CSSSelector  string        `mapstructure:"css_selector"`
	RequiredKeys []string      `mapstructure:"required_keys"`
	MaxPages     int           `mapstructure:"max_pages"`
	PageDelay    time.Duration `mapstructure:"page_delay"`
	SessionID    string        `mapstructure:"session_id"`
}

// ScrapeConfig holds defaults for runs started over HTTP.
type ScrapeConfig struct {
	DefaultMaxPages int           `mapstructure:"default_max_pages"`
	PageDelay       time.Duration `mapstructure:"page_delay"`
	FetchRetries    int           `mapstructure:"fetch_retries"`
	NoResultsMarker string        `mapstructure:"no_results_marker"`
	NameKey         string        `mapstructure:"name_key"`
}

// HeadlessConfig configures the browser fetcher. When disabled pages are
// loaded with the plain HTTP fetcher.
type HeadlessConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxParallel   int           `mapstructure:"max_parallel"`
	NavTimeoutSec int           `mapstructure:"nav_timeout_seconds"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	NoSandbox     bool          `mapstructure:"no_sandbox"`
	WaitSelector  string        `mapstructure:"wait_selector"`
}

// HTTPConfig configures the plain HTTP fetcher.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	// MaxRPS paces page loads per host; zero disables pacing.
	MaxRPS float64 `mapstructure:"max_rps"`
	Burst  int     `mapstructure:"burst"`
}

// LLMConfig selects and configures the extraction model.
type LLMConfig struct {
	Provider        string  `mapstructure:"provider"`
	BaseURL         string  `mapstructure:"base_url"`
	Model           string  `mapstructure:"model"`
	APIKey          string  `mapstructure:"api_key"`
	Temperature     float64 `mapstructure:"temperature"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	MaxContentChars int     `mapstructure:"max_content_chars"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
	MaxRetries      int     `mapstructure:"max_retries"`
}

// OutputConfig controls the CSV export.
type OutputConfig struct {
	CSVPath string `mapstructure:"csv_path"`
}

// StorageConfig picks the blob backend that mirrors CSV exports.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	Endpoint  string `mapstructure:"endpoint"`
}

// DBConfig controls access to the relational database. An empty DSN
// disables venue persistence.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	VenueTable      string        `mapstructure:"venue_table"`
	RunTable        string        `mapstructure:"run_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PubSubConfig holds metadata for run summary notifications. An empty
// topic disables publishing.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LogStreamConfig sizes the live log broker.
type LogStreamConfig struct {
	Backlog int `mapstructure:"backlog"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter"`
	ProjectID   string  `mapstructure:"project_id"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Provider names accepted in llm.provider.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Load builds a Config from .env files, disk and environment. Env vars
// use the VENUE_ prefix with dots replaced by underscores.
func Load(path string) (Config, error) {
	if err := loadEnvFiles(".env.local", ".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("VENUE")
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
	cfg.applyProviderKeys()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadEnvFiles loads each file that exists. Variables already set in the
// environment win.
func loadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_runs", 200)
	v.SetDefault("crawl.base_url", "")
	v.SetDefault("crawl.css_selector", "")
	v.SetDefault("crawl.required_keys", []string{"name", "location", "description"})
	v.SetDefault("crawl.max_pages", 0)
	v.SetDefault("crawl.page_delay", 2*time.Second)
	v.SetDefault("crawl.session_id", "venue_crawl_session")
	v.SetDefault("scrape.default_max_pages", 10)
	v.SetDefault("scrape.page_delay", time.Duration(0))
	v.SetDefault("scrape.fetch_retries", 0)
	v.SetDefault("scrape.no_results_marker", "No Results Found")
	v.SetDefault("scrape.name_key", "name")
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.settle_delay", time.Duration(0))
	v.SetDefault("headless.no_sandbox", false)
	v.SetDefault("headless.wait_selector", "")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "venue-crawler/0.1")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.max_rps", 0.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("llm.provider", ProviderOpenAI)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.max_content_chars", 60000)
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("output.csv_path", "complete_venues.csv")
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.local_dir", "data/exports")
	v.SetDefault("storage.prefix", "exports")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.venue_table", "venues")
	v.SetDefault("db.run_table", "scrape_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.migrate", true)
	v.SetDefault("pubsub.backend", "gcp")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logstream.backlog", 256)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.service_name", "venue-crawler")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// applyProviderKeys falls back to the provider's conventional env var when
// llm.api_key is unset.
func (c *Config) applyProviderKeys() {
	if c.LLM.APIKey != "" {
		return
	}
	switch c.LLM.Provider {
	case ProviderAnthropic:
		c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	default:
		c.LLM.APIKey = os.Getenv("GROQ_API_KEY")
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0")
	}
	if c.Scrape.DefaultMaxPages < 1 {
		return fmt.Errorf("scrape.default_max_pages must be >= 1")
	}
	if c.Scrape.FetchRetries < 0 {
		return fmt.Errorf("scrape.fetch_retries must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("llm.provider must be %q or %q", ProviderOpenAI, ProviderAnthropic)
	}
	if c.Output.CSVPath == "" {
		return fmt.Errorf("output.csv_path must be set")
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
	}
	if c.HTTP.MaxRPS < 0 {
		return fmt.Errorf("http.max_rps must be >= 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.Backend == "gcp" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// HTTPTimeout returns the plain fetcher timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout returns the headless navigation timeout.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// LLMTimeout returns the per-request model timeout.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}
