// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Login      LoginConfig     `mapstructure:"login"`
	Site       SiteConfig      `mapstructure:"site"`
	Store      StoreConfig     `mapstructure:"store"`
	Crawler    CrawlerConfig   `mapstructure:"crawler"`
	Headless   HeadlessConfig  `mapstructure:"headless"`
	Thumbnails ThumbnailConfig `mapstructure:"thumbnails"`
	Challenge  ChallengeConfig `mapstructure:"challenge"`
	Export     ExportConfig    `mapstructure:"export"`
	PubSub     PubSubConfig    `mapstructure:"pubsub"`
	Server     ServerConfig    `mapstructure:"server"`
	Logging    LoggingConfig   `mapstructure:"logging"`
}

// LoginConfig holds the account credentials submitted to the sign-in form.
type LoginConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// SiteConfig locates the order history.
type SiteConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Timezone decides which calendar year is "current".
	Timezone string `mapstructure:"timezone"`
}

// StoreConfig points at the local cache database.
type StoreConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
}

// CrawlerConfig governs the crawl state machine.
type CrawlerConfig struct {
	EarlyExitThreshold int         `mapstructure:"early_exit_threshold"`
	NavigationQPS      float64     `mapstructure:"navigation_qps"`
	NavigationBurst    int         `mapstructure:"navigation_burst"`
	Retry              RetryConfig `mapstructure:"retry"`
}

// RetryConfig holds the per-class attempt budgets and backoff bounds.
type RetryConfig struct {
	Page             int `mapstructure:"page"`
	Login            int `mapstructure:"login"`
	Challenge        int `mapstructure:"challenge"`
	Fetch            int `mapstructure:"fetch"`
	Thumbnail        int `mapstructure:"thumbnail"`
	Category         int `mapstructure:"category"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the chromedp browser session.
type HeadlessConfig struct {
	ExecPath      string `mapstructure:"exec_path"`
	UserDataDir   string `mapstructure:"user_data_dir"`
	Headless      bool   `mapstructure:"headless"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	UserAgent     string `mapstructure:"user_agent"`
}

// ThumbnailConfig controls thumbnail download and storage.
type ThumbnailConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Backend        string `mapstructure:"backend"`
	Dir            string `mapstructure:"dir"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	MinSize        int    `mapstructure:"min_size"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ChallengeConfig controls the human-verification prompt.
type ChallengeConfig struct {
	ImagePath string `mapstructure:"image_path"`
}

// ExportConfig controls the Postgres reporting export.
type ExportConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds metadata for run summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the report API and the metrics listener of runs.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// MetricsPort serves /metrics while a crawl or recovery runs; 0 disables it.
	MetricsPort int `mapstructure:"metrics_port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Thumbnail storage backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORDERHIST")
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
	// Credentials have no default but must be bound so AutomaticEnv sees them on Unmarshal.
	v.SetDefault("login.user", "")
	v.SetDefault("login.password", "")
	v.SetDefault("site.base_url", "https://www.amazon.co.jp")
	v.SetDefault("site.timezone", "Asia/Tokyo")
	v.SetDefault("store.path", "orderhist.db")
	v.SetDefault("store.busy_timeout_ms", 5000)
	v.SetDefault("crawler.early_exit_threshold", 5)
	v.SetDefault("crawler.navigation_qps", 1.0)
	v.SetDefault("crawler.navigation_burst", 1)
	v.SetDefault("crawler.retry.page", 3)
	v.SetDefault("crawler.retry.login", 2)
	v.SetDefault("crawler.retry.challenge", 2)
	v.SetDefault("crawler.retry.fetch", 2)
	v.SetDefault("crawler.retry.thumbnail", 3)
	v.SetDefault("crawler.retry.category", 2)
	v.SetDefault("crawler.retry.backoff_initial_ms", 1000)
	v.SetDefault("crawler.retry.backoff_max_ms", 8000)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.user_data_dir", "")
	v.SetDefault("headless.headless", true)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.user_agent", "")
	v.SetDefault("thumbnails.enabled", true)
	v.SetDefault("thumbnails.backend", BackendLocal)
	v.SetDefault("thumbnails.dir", "thumbnails")
	v.SetDefault("thumbnails.bucket", "")
	v.SetDefault("thumbnails.prefix", "thumbnails")
	v.SetDefault("thumbnails.min_size", 10)
	v.SetDefault("thumbnails.timeout_seconds", 20)
	v.SetDefault("challenge.image_path", "captcha.png")
	v.SetDefault("export.dsn", "")
	v.SetDefault("export.table", "order_records")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9464)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	u, err := url.Parse(c.Site.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site.base_url must be an absolute URL")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		return fmt.Errorf("site.timezone: %w", err)
	}
	if c.Crawler.EarlyExitThreshold < 0 {
		return fmt.Errorf("crawler.early_exit_threshold must be >= 0")
	}
	if c.Crawler.NavigationQPS < 0 {
		return fmt.Errorf("crawler.navigation_qps must be >= 0")
	}
	if c.Headless.NavTimeoutSec <= 0 {
		return fmt.Errorf("headless.nav_timeout_seconds must be > 0")
	}
	if c.Crawler.Retry.BackoffMaxMs < c.Crawler.Retry.BackoffInitialMs {
		return fmt.Errorf("crawler.retry.backoff_max_ms must be >= backoff_initial_ms")
	}
	if c.Thumbnails.Enabled {
		switch c.Thumbnails.Backend {
		case BackendLocal:
			if strings.TrimSpace(c.Thumbnails.Dir) == "" {
				return fmt.Errorf("thumbnails.dir is required for the local backend")
			}
		case BackendGCS:
			if strings.TrimSpace(c.Thumbnails.Bucket) == "" {
				return fmt.Errorf("thumbnails.bucket is required for the gcs backend")
			}
		case BackendMemory:
		default:
			return fmt.Errorf("thumbnails.backend must be one of local, gcs, memory")
		}
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.MetricsPort < 0 {
		return fmt.Errorf("server.metrics_port must be >= 0")
	}
	return nil
}

// ValidateLogin checks that credentials are present. Only commands that open a
// browser session need them.
func (c Config) ValidateLogin() error {
	if c.Login.User == "" || c.Login.Password == "" {
		return fmt.Errorf("login.user and login.password must be set")
	}
	return nil
}

// RetryPolicyConfig converts the retry section into crawler.RetryConfig.
func (c Config) RetryPolicyConfig() crawler.RetryConfig {
	r := c.Crawler.Retry
	return crawler.RetryConfig{
		Budgets: map[crawler.RetryClass]int{
			crawler.RetryPage:      r.Page,
			crawler.RetryLogin:     r.Login,
			crawler.RetryChallenge: r.Challenge,
			crawler.RetryFetch:     r.Fetch,
			crawler.RetryThumbnail: r.Thumbnail,
			crawler.RetryCategory:  r.Category,
		},
		BaseDelay: time.Duration(r.BackoffInitialMs) * time.Millisecond,
		MaxDelay:  time.Duration(r.BackoffMaxMs) * time.Millisecond,
	}
}

// Location returns the site's time zone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NavTimeout returns the per-navigation timeout.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}
