// Package config loads and validates monitor configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultPageURL is the consular service page that links the pickup list.
const DefaultPageURL = "https://belgrad.diplo.de/rs-sr/service/2339474-2339474?openAccordionId=item-2728068-0-panel"

// DefaultLinkLabel is the title attribute of the pickup-list anchor.
const DefaultLinkLabel = "Abholliste/Lista za preuzimanje - Kneza Milosa 75"

// DefaultUserAgent mimics a current desktop browser.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Source    SourceConfig    `mapstructure:"source"`
	Matcher   MatcherConfig   `mapstructure:"matcher"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MonitorConfig names the identifier being watched.
type MonitorConfig struct {
	Target string `mapstructure:"target"`
}

// SourceConfig describes the page that links the document.
type SourceConfig struct {
	PageURL        string            `mapstructure:"page_url"`
	LinkLabel      string            `mapstructure:"link_label"`
	MatchAttribute string            `mapstructure:"match_attribute"`
	LinkAttribute  string            `mapstructure:"link_attribute"`
	UserAgent      string            `mapstructure:"user_agent"`
	Headers        map[string]string `mapstructure:"headers"`
	ScrapeAllowed  bool              `mapstructure:"scrape_allowed"`
	// AllowedHosts limits the hosts ad-hoc resolve and check requests may
	// target. Subdomains of a listed host match. Empty allows any host.
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

// MatcherConfig governs snippet collection.
type MatcherConfig struct {
	MaxContexts int `mapstructure:"max_contexts"`
}

// HTTPConfig configures outbound HTTP behavior.
type HTTPConfig struct {
	TimeoutSeconds int   `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int64 `mapstructure:"max_body_bytes"`
	MaxAttempts    int   `mapstructure:"max_attempts"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// RateLimitConfig bounds outbound requests per host.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// NotifyConfig holds mail delivery settings.
type NotifyConfig struct {
	Recipient string     `mapstructure:"recipient"`
	FromName  string     `mapstructure:"from_name"`
	OnError   bool       `mapstructure:"on_error"`
	SMTP      SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig holds the outbound mail relay settings.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	TLSMode  string `mapstructure:"tls_mode"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StorageConfig selects the result store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// LeaseConfig selects the run lease backend.
type LeaseConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// RedisConfig points at the redis instance used for leases.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// ArchiveConfig controls where fetched documents are archived.
type ArchiveConfig struct {
	Backend   string      `mapstructure:"backend"`
	Prefix    string      `mapstructure:"prefix"`
	GCSBucket string      `mapstructure:"gcs_bucket"`
	Local     LocalConfig `mapstructure:"local"`
}

// LocalConfig configures the filesystem archive.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// ScheduleConfig defines the fixed daily check slots.
type ScheduleConfig struct {
	Hours    []int  `mapstructure:"hours"`
	Timezone string `mapstructure:"timezone"`
	Enabled  bool   `mapstructure:"enabled"`
	PollCron string `mapstructure:"poll_cron"`
}

// TriggerConfig holds the shared secrets guarding trigger endpoints.
type TriggerConfig struct {
	SchedulerSecret string `mapstructure:"scheduler_secret"`
	CronSecret      string `mapstructure:"cron_secret"`
	TrustedHeader   string `mapstructure:"trusted_header"`
	TrustedValue    string `mapstructure:"trusted_value"`
}

// PipelineConfig bounds a single check run.
type PipelineConfig struct {
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// Load builds a Config from an optional .env file, an optional config file, and
// the environment. A missing .env file is not an error.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("MONITOR")
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
	v.SetDefault("server.timeout_seconds", 120)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("monitor.target", "590698")
	v.SetDefault("source.page_url", DefaultPageURL)
	v.SetDefault("source.link_label", DefaultLinkLabel)
	v.SetDefault("source.match_attribute", "title")
	v.SetDefault("source.link_attribute", "href")
	v.SetDefault("source.user_agent", DefaultUserAgent)
	v.SetDefault("source.scrape_allowed", true)
	v.SetDefault("source.allowed_hosts", []string{})
	v.SetDefault("matcher.max_contexts", 10)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_body_bytes", 25<<20)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 2)
	v.SetDefault("notify.from_name", "Pickup Monitor")
	v.SetDefault("notify.on_error", false)
	v.SetDefault("notify.smtp.host", "smtp.gmail.com")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.smtp.tls_mode", "starttls")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("lease.backend", "")
	v.SetDefault("lease.ttl", 5*time.Minute)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "documents")
	v.SetDefault("schedule.hours", []int{8, 12, 16})
	v.SetDefault("schedule.timezone", "Local")
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.poll_cron", "*/10 * * * *")
	// Keys without a meaningful default are still registered so AutomaticEnv can
	// populate them during Unmarshal.
	for _, key := range []string{
		"notify.recipient", "notify.smtp.username", "notify.smtp.password", "notify.smtp.from",
		"pubsub.project_id", "pubsub.topic_name", "db.dsn", "redis.url",
		"archive.gcs_bucket", "archive.local.base_dir",
		"trigger.scheduler_secret", "trigger.cron_secret", "trigger.trusted_header", "trigger.trusted_value",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("pipeline.run_timeout", 3*time.Minute)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Monitor.Target) == "" {
		return fmt.Errorf("monitor.target is required")
	}
	if u, err := url.Parse(c.Source.PageURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("source.page_url must be an absolute URL")
	}
	if c.Source.LinkLabel == "" {
		return fmt.Errorf("source.link_label is required")
	}
	if c.Matcher.MaxContexts < 1 || c.Matcher.MaxContexts > 10 {
		return fmt.Errorf("matcher.max_contexts must be between 1 and 10")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts < 1 {
		return fmt.Errorf("http.max_attempts must be >= 1")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Notify.SMTP.TLSMode {
	case "starttls", "tls", "none":
	default:
		return fmt.Errorf("notify.smtp.tls_mode must be one of starttls, tls, none")
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.LeaseBackend() {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when lease.backend is postgres")
		}
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required when lease.backend is redis")
		}
	default:
		return fmt.Errorf("unknown lease.backend %q", c.Lease.Backend)
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be > 0")
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir is required when archive.backend is local")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	if len(c.Schedule.Hours) == 0 {
		return fmt.Errorf("schedule.hours must not be empty")
	}
	for _, h := range c.Schedule.Hours {
		if h < 0 || h > 23 {
			return fmt.Errorf("schedule.hours entries must be within 0..23, got %d", h)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Pipeline.RunTimeout <= 0 {
		return fmt.Errorf("pipeline.run_timeout must be > 0")
	}
	return nil
}

// LeaseBackend returns the configured lease backend, following the result store
// when none is set explicitly.
func (c Config) LeaseBackend() string {
	if c.Lease.Backend != "" {
		return c.Lease.Backend
	}
	return c.Storage.Backend
}

// Location resolves schedule.timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}

// RequestTimeout converts http.timeout_seconds into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NotifyConfigured reports whether mail credentials and a recipient are present.
func (c Config) NotifyConfigured() bool {
	return c.Notify.SMTP.Username != "" && c.Notify.SMTP.Password != "" && c.Notify.Recipient != ""
}

// SourceHeaders returns the browser-like header set sent to the source page.
func (c Config) SourceHeaders() map[string]string {
	headers := map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9,de;q=0.8",
		"Cache-Control":   "no-cache",
		"Pragma":          "no-cache",
	}
	if u, err := url.Parse(c.Source.PageURL); err == nil && u.Host != "" {
		headers["Referer"] = u.Scheme + "://" + u.Host + "/"
	}
	for k, v := range c.Source.Headers {
		headers[k] = v
	}
	return headers
}
