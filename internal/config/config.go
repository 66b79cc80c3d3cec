package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/trenchcoat/enricher/internal/core"
)

// EnvPrefix namespaces environment overrides, e.g.
// TRENCHCOAT_ENRICHMENT_CONCURRENCY=8
const EnvPrefix = "TRENCHCOAT"

type Config struct {
	Enrichment EnrichmentConfig          `mapstructure:"enrichment"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Cache      CacheConfig               `mapstructure:"cache"`
	Breaker    BreakerConfig             `mapstructure:"breaker"`
	Store      StoreConfig               `mapstructure:"store"`
	Archive    ArchiveConfig             `mapstructure:"archive"`
	Metrics    MetricsConfig             `mapstructure:"metrics"`
	Notify     NotifyConfig              `mapstructure:"notify"`
	Log        LogConfig                 `mapstructure:"log"`
}

// EnrichmentConfig holds fan-out, retry and pacing settings.
type EnrichmentConfig struct {
	Concurrency          int           `mapstructure:"concurrency"`
	BatchLimit           int           `mapstructure:"batch_limit"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	FanoutTimeout        time.Duration `mapstructure:"fanout_timeout"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	MaxRetries           int           `mapstructure:"max_retries"`
	BackoffInitial       time.Duration `mapstructure:"backoff_initial"`
	BackoffMultiplier    float64       `mapstructure:"backoff_multiplier"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	BatchPause           time.Duration `mapstructure:"batch_pause"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
	PriceSpreadThreshold float64       `mapstructure:"price_spread_threshold"`
	TrackedFields        []string      `mapstructure:"tracked_fields"`
}

// ProviderConfig overrides one catalog provider. Zero values keep the
// catalog defaults; Enabled defaults to true when unset.
type ProviderConfig struct {
	Enabled  *bool   `mapstructure:"enabled"`
	APIKey   string  `mapstructure:"api_key"`
	BaseURL  string  `mapstructure:"base_url"`
	Rate     float64 `mapstructure:"rate"`
	Burst    int     `mapstructure:"burst"`
	Priority int     `mapstructure:"priority"`
}

// IsEnabled reports whether the provider should be registered.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type CacheConfig struct {
	Backend  string `mapstructure:"backend"` // "memory" or "redis"
	RedisURL string `mapstructure:"redis_url"`
	MaxItems int    `mapstructure:"max_items"`
}

type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
}

type StoreConfig struct {
	Type       string        `mapstructure:"type"` // "sqlite" or "memory"
	Path       string        `mapstructure:"path"`
	StaleAfter time.Duration `mapstructure:"stale_after"` // 0 never reclaims in_progress tasks
}

type ArchiveConfig struct {
	Type string   `mapstructure:"type"` // "", "localfs" or "s3"
	Path string   `mapstructure:"path"` // For localfs
	S3   S3Config `mapstructure:"s3"`   // For S3
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// NotifyConfig configures the batch completion webhook.
type NotifyConfig struct {
	WebhookURL    string            `mapstructure:"webhook_url"`
	Headers       map[string]string `mapstructure:"headers"`
	OnlyOnFailure bool              `mapstructure:"only_on_failure"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from an optional file, applying defaults and
// environment overrides. providers lists the names whose
// providers.<name>.* keys may be set from the environment alone.
func Load(path string, providers ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Defaults(), providers)

	// Support environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Expand environment variables in string values
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			envKey := strings.TrimSuffix(strings.TrimPrefix(val, "${"), "}")
			v.Set(key, os.Getenv(envKey))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Defaults returns a config with sensible defaults
func Defaults() *Config {
	tracked := make([]string, len(core.CanonicalFields))
	for i, f := range core.CanonicalFields {
		tracked[i] = string(f)
	}

	return &Config{
		Enrichment: EnrichmentConfig{
			Concurrency:          5,
			BatchLimit:           100,
			CacheTTL:             300 * time.Second,
			FanoutTimeout:        30 * time.Second,
			RequestTimeout:       10 * time.Second,
			MaxRetries:           3,
			BackoffInitial:       time.Second,
			BackoffMultiplier:    2,
			BackoffMax:           30 * time.Second,
			BatchPause:           time.Second,
			Cooldown:             60 * time.Second,
			PriceSpreadThreshold: 0.05,
			TrackedFields:        tracked,
		},
		Providers: map[string]ProviderConfig{},
		Cache: CacheConfig{
			Backend:  "memory",
			MaxItems: 10000,
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
		},
		Store: StoreConfig{
			Type:       "sqlite",
			Path:       "trenchcoat.db",
			StaleAfter: 15 * time.Minute,
		},
		Archive: ArchiveConfig{
			Type: "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func setDefaults(v *viper.Viper, d *Config, providers []string) {
	e := d.Enrichment
	v.SetDefault("enrichment.concurrency", e.Concurrency)
	v.SetDefault("enrichment.batch_limit", e.BatchLimit)
	v.SetDefault("enrichment.cache_ttl", e.CacheTTL)
	v.SetDefault("enrichment.fanout_timeout", e.FanoutTimeout)
	v.SetDefault("enrichment.request_timeout", e.RequestTimeout)
	v.SetDefault("enrichment.max_retries", e.MaxRetries)
	v.SetDefault("enrichment.backoff_initial", e.BackoffInitial)
	v.SetDefault("enrichment.backoff_multiplier", e.BackoffMultiplier)
	v.SetDefault("enrichment.backoff_max", e.BackoffMax)
	v.SetDefault("enrichment.batch_pause", e.BatchPause)
	v.SetDefault("enrichment.cooldown", e.Cooldown)
	v.SetDefault("enrichment.price_spread_threshold", e.PriceSpreadThreshold)
	v.SetDefault("enrichment.tracked_fields", e.TrackedFields)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.redis_url", d.Cache.RedisURL)
	v.SetDefault("cache.max_items", d.Cache.MaxItems)

	v.SetDefault("breaker.enabled", d.Breaker.Enabled)
	v.SetDefault("breaker.consecutive_failures", d.Breaker.ConsecutiveFailures)
	v.SetDefault("breaker.open_timeout", d.Breaker.OpenTimeout)

	v.SetDefault("store.type", d.Store.Type)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.stale_after", d.Store.StaleAfter)

	v.SetDefault("archive.type", d.Archive.Type)
	v.SetDefault("archive.path", d.Archive.Path)
	for _, k := range []string{"bucket", "endpoint", "region", "access_key", "secret_key", "prefix"} {
		v.SetDefault("archive.s3."+k, "")
	}

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("notify.webhook_url", d.Notify.WebhookURL)
	v.SetDefault("notify.only_on_failure", d.Notify.OnlyOnFailure)

	v.SetDefault("log.level", d.Log.Level)

	for _, name := range providers {
		v.SetDefault("providers."+name+".api_key", "")
		v.SetDefault("providers."+name+".base_url", "")
	}
}

// Tracked parses the tracked field names.
func (c *Config) Tracked() ([]core.Field, error) {
	fields := make([]core.Field, 0, len(c.Enrichment.TrackedFields))
	seen := make(map[core.Field]bool)
	for _, name := range c.Enrichment.TrackedFields {
		f, err := core.ParseField(strings.TrimSpace(name))
		if err != nil {
			return nil, core.WrapError(core.ErrConfigInvalid, err)
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		fields = append(fields, f)
	}
	return fields, nil
}

// APIKeys returns the configured key per provider, skipping empty ones.
func (c *Config) APIKeys() map[string]string {
	keys := make(map[string]string)
	for name, p := range c.Providers {
		if p.APIKey != "" {
			keys[name] = p.APIKey
		}
	}
	return keys
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	e := c.Enrichment

	if e.Concurrency < 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("concurrency must be at least 1, got %d", e.Concurrency))
	}
	if e.FanoutTimeout <= 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("fanout_timeout must be positive, got %s", e.FanoutTimeout))
	}
	if e.MaxRetries < 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries))
	}
	if e.BackoffMultiplier < 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("backoff_multiplier must be at least 1, got %f", e.BackoffMultiplier))
	}
	if e.BatchPause < 0 || e.Cooldown < 0 || e.CacheTTL < 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("batch_pause, cooldown and cache_ttl cannot be negative"))
	}
	if e.PriceSpreadThreshold <= 0 || e.PriceSpreadThreshold > 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("price_spread_threshold must be in (0, 1], got %f", e.PriceSpreadThreshold))
	}
	tracked, err := c.Tracked()
	if err != nil {
		return err
	}
	if len(tracked) == 0 {
		return core.WrapError(core.ErrConfigMissing, fmt.Errorf("tracked_fields cannot be empty"))
	}

	for name, p := range c.Providers {
		if p.Rate < 0 || p.Burst < 0 {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("provider %s: rate and burst cannot be negative", name))
		}
	}

	switch c.Cache.Backend {
	case "", "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return core.WrapError(core.ErrConfigMissing,
				fmt.Errorf("cache redis_url required when backend is redis"))
		}
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	if c.Store.StaleAfter < 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("store stale_after cannot be negative, got %s", c.Store.StaleAfter))
	}
	switch c.Store.Type {
	case "memory":
	case "", "sqlite":
		if c.Store.Path == "" {
			return core.WrapError(core.ErrConfigMissing,
				fmt.Errorf("store path required for sqlite"))
		}
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown store type %q", c.Store.Type))
	}

	switch c.Archive.Type {
	case "":
	case "localfs":
		if c.Archive.Path == "" {
			return core.WrapError(core.ErrConfigMissing,
				fmt.Errorf("archive path required when type is localfs"))
		}
	case "s3":
		if c.Archive.S3.Bucket == "" {
			return core.WrapError(core.ErrConfigMissing,
				fmt.Errorf("archive s3 bucket required when type is s3"))
		}
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown archive type %q", c.Archive.Type))
	}

	if c.Notify.WebhookURL != "" {
		u, err := url.Parse(c.Notify.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("notify webhook_url must be an http(s) url, got %q", c.Notify.WebhookURL))
		}
	}

	return nil
}
