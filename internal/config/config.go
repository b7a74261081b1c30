// Package config defines the validated configuration consumed by the sync
// engine. Everything arrives through named, typed fields; unknown keys in
// the config file are rejected at load time rather than silently ignored.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// SourceConfig locates the commerce backend and how to authenticate to it.
type SourceConfig struct {
	// BaseURL is the commerce backend host; the REST path (/rest/<store>/V1)
	// is composed from it and the configured store code.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`

	// MediaBaseURL is the public host product image paths are rendered
	// against.
	MediaBaseURL string `mapstructure:"media_base_url" validate:"required,url"`

	// StoreBaseURL is the storefront host product URLs are rendered against.
	StoreBaseURL string `mapstructure:"store_base_url" validate:"required,url"`

	// AuthHeader / AuthToken form the primary Authorization header.
	AuthHeader string `mapstructure:"auth_header" validate:"required"`
	AuthToken  string `mapstructure:"auth_token" validate:"required"`

	// SecretHeader / SecretValue form the deployment-specific second header
	// the backend's WAF expects. Optional.
	SecretHeader string `mapstructure:"secret_header"`
	SecretValue  string `mapstructure:"secret_value"`

	// RateLimitPerMinute caps outbound calls to the backend.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" validate:"min=1"`

	// PageSize is the searchCriteria page size for collection fetches.
	PageSize int `mapstructure:"page_size" validate:"min=1,max=500"`
}

// TargetConfig locates the messaging platform's product API.
type TargetConfig struct {
	BaseURL       string `mapstructure:"base_url" validate:"required,url"`
	ClientID      string `mapstructure:"client_id" validate:"required"`
	ClientSecret  string `mapstructure:"client_secret" validate:"required"`
	AcceptVersion string `mapstructure:"accept_version" validate:"required"`

	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" validate:"min=1"`
}

// WebhookConfig locates the endpoint run notifications are delivered to.
type WebhookConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// SyncConfig tunes the engine itself.
type SyncConfig struct {
	// BatchSize bounds how many records go to the target in one delivery.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`

	// LookbackMinutes is the incremental update-age window: an incremental
	// run covers entities modified within the trailing window.
	LookbackMinutes int `mapstructure:"lookback_minutes" validate:"min=1"`

	// RetryMaxAttempts bounds local retries of transient network failures
	// before a batch or run is escalated to failed.
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts" validate:"min=1"`
	RetryInitialWait time.Duration `mapstructure:"retry_initial_wait" validate:"required"`
	RetryMaxWait     time.Duration `mapstructure:"retry_max_wait" validate:"required"`

	// CallTimeout bounds every individual network call. A timed-out call is
	// treated the same as a transport failure.
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"required"`

	// ExcludedFeatureKeys are stripped from every record's feature map
	// before it leaves the assembler.
	ExcludedFeatureKeys []string `mapstructure:"excluded_feature_keys"`

	// CollectionsCategory is the parent category whose descendants are
	// tagged as collections for target-side grouping.
	CollectionsCategory string `mapstructure:"collections_category" validate:"required"`

	// BrandAttributeCode is the upstream attribute holding the brand.
	BrandAttributeCode string `mapstructure:"brand_attribute_code" validate:"required"`

	// StoreCode / WebsiteCode identify the upstream scope being synced.
	StoreCode   string `mapstructure:"store_code" validate:"required"`
	WebsiteCode string `mapstructure:"website_code" validate:"required"`
}

// Config is the top-level configuration, constructed once at startup and
// passed by reference into the orchestrator.
type Config struct {
	Source  SourceConfig  `mapstructure:"source" validate:"required"`
	Target  TargetConfig  `mapstructure:"target" validate:"required"`
	Webhook WebhookConfig `mapstructure:"webhook" validate:"required"`
	Sync    SyncConfig    `mapstructure:"sync" validate:"required"`
}

// envPrefix namespaces environment overrides, e.g.
// CATALOG_SYNC_TARGET_CLIENT_SECRET overrides target.client_secret.
const envPrefix = "CATALOG_SYNC"

// Load reads the configuration file at path, applies defaults and
// environment overrides, and validates the result. Unknown keys fail the
// load.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Sync.RetryMaxWait < cfg.Sync.RetryInitialWait {
		return nil, fmt.Errorf("invalid config: retry_max_wait %s is below retry_initial_wait %s",
			cfg.Sync.RetryMaxWait, cfg.Sync.RetryInitialWait)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.rate_limit_per_minute", 120)
	v.SetDefault("source.page_size", 100)
	v.SetDefault("target.rate_limit_per_minute", 60)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.lookback_minutes", 150)
	v.SetDefault("sync.retry_max_attempts", 3)
	v.SetDefault("sync.retry_initial_wait", 2*time.Second)
	v.SetDefault("sync.retry_max_wait", 30*time.Second)
	v.SetDefault("sync.call_timeout", 30*time.Second)
	v.SetDefault("sync.store_code", "default")
	v.SetDefault("sync.website_code", "base")
}
