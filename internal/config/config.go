// Package config handles service configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	YouTube   YouTubeConfig   `json:"youtube"`
	AI        AIConfig        `json:"ai"`
	Billing   BillingConfig   `json:"billing,omitempty"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// ServerConfig defines the API listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"`                        // e.g. ":8080"
	TLSCert         string   `json:"tls_cert,omitempty"`
	TLSKey          string   `json:"tls_key,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`   // CORS + WebSocket origins; default ["*"]
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty"`    // max request body size; default 1MB
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"`  // graceful drain; default 30s
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider           string        `json:"provider,omitempty"`             // "builtin" (default) or "supabase"
	JWTSecret          string        `json:"jwt_secret"`
	JWTExpiry          Duration      `json:"jwt_expiry,omitempty"`
	SupabaseProjectURL string        `json:"supabase_project_url,omitempty"` // e.g. "https://abcd1234.supabase.co"
	SupabaseAudience   string        `json:"supabase_audience,omitempty"`    // default "authenticated"
	InitialAdmin       *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin account.
type InitialAdmin struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "replypilot.db" or a postgres:// URL
}

// YouTubeConfig defines YouTube Data API settings.
type YouTubeConfig struct {
	APIKey             string   `json:"api_key"`                        // for read-only comment listing
	OAuthClientID      string   `json:"oauth_client_id,omitempty"`      // for posting replies on behalf of channels
	OAuthClientSecret  string   `json:"oauth_client_secret,omitempty"`
	SyncInterval       Duration `json:"sync_interval,omitempty"`        // default 10m
	SyncConcurrency    int      `json:"sync_concurrency,omitempty"`     // channels synced in parallel; default 4
	MaxCommentsPerSync int      `json:"max_comments_per_sync,omitempty"` // per video; default 200
	RequestsPerSecond  float64  `json:"requests_per_second,omitempty"`  // client-side throttle; default 8
}

// AIConfig defines the LLM settings for sentiment scoring and reply drafting.
type AIConfig struct {
	APIKey      string `json:"api_key"`
	BaseURL     string `json:"base_url,omitempty"` // override for proxies and tests
	Model       string `json:"model,omitempty"`    // default "gpt-4o-mini"
	PromptsPath string `json:"prompts_path,omitempty"` // YAML tone presets; embedded defaults if empty
	MaxBatch    int    `json:"max_batch,omitempty"`    // comments per sentiment call; default 50
}

// BillingConfig defines Stripe billing settings. Disabled by default.
type BillingConfig struct {
	Enabled             bool   `json:"enabled,omitempty"` // false by default
	StripeSecretKey     string `json:"stripe_secret_key,omitempty"`
	StripeWebhookSecret string `json:"stripe_webhook_secret,omitempty"`
	StripePricePro      string `json:"stripe_price_pro,omitempty"` // Stripe price ID for the pro plan
	DefaultPlan         string `json:"default_plan,omitempty"`     // plan when billing is disabled; default "free"
	GraceDays           int    `json:"grace_days,omitempty"`       // past_due grace before dropping to free; default 7
}

// QueueConfig defines the reply posting queue behavior.
type QueueConfig struct {
	PollInterval   Duration `json:"poll_interval,omitempty"`   // default 15s
	BatchSize      int      `json:"batch_size,omitempty"`      // jobs leased per poll; default 10
	MaxAttempts    int      `json:"max_attempts,omitempty"`    // default 5
	InitialBackoff Duration `json:"initial_backoff,omitempty"` // default 30s
	MaxBackoff     Duration `json:"max_backoff,omitempty"`     // default 1h
	LeaseDuration  Duration `json:"lease_duration,omitempty"`  // default 2m
}

// RateLimitConfig defines per-creator API rate limiting settings.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty"` // default 120
	Burst             int `json:"burst,omitempty"`               // default 30
}

// RetentionConfig defines how long bookkeeping rows are kept.
type RetentionConfig struct {
	AuditEvents   Duration `json:"audit_events,omitempty"`   // default 90 days
	WebhookEvents Duration `json:"webhook_events,omitempty"` // default 30 days
	DeadReplyJobs Duration `json:"dead_reply_jobs,omitempty"` // default 30 days
	PurgeInterval Duration `json:"purge_interval,omitempty"` // default 24h
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnvOverrides lets secrets come from the environment so config files
// can be committed without them.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("REPLYPILOT_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("REPLYPILOT_YOUTUBE_API_KEY"); v != "" {
		c.YouTube.APIKey = v
	}
	if v := os.Getenv("REPLYPILOT_OPENAI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("REPLYPILOT_STRIPE_SECRET_KEY"); v != "" {
		c.Billing.StripeSecretKey = v
	}
	if v := os.Getenv("REPLYPILOT_STRIPE_WEBHOOK_SECRET"); v != "" {
		c.Billing.StripeWebhookSecret = v
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "supabase" && c.Auth.SupabaseProjectURL == "" {
		return fmt.Errorf("auth.supabase_project_url is required when provider is supabase")
	}
	if c.Billing.Enabled {
		if c.Billing.StripeSecretKey == "" {
			return fmt.Errorf("billing.stripe_secret_key is required when billing is enabled")
		}
		if c.Billing.StripeWebhookSecret == "" {
			return fmt.Errorf("billing.stripe_webhook_secret is required when billing is enabled")
		}
		if c.Billing.StripePricePro == "" {
			return fmt.Errorf("billing.stripe_price_pro is required when billing is enabled")
		}
	}
	if c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue.max_attempts must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.SupabaseAudience == "" {
		c.Auth.SupabaseAudience = "authenticated"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "replypilot.db"
	}
	if c.YouTube.SyncInterval.Duration == 0 {
		c.YouTube.SyncInterval.Duration = 10 * time.Minute
	}
	if c.YouTube.SyncConcurrency == 0 {
		c.YouTube.SyncConcurrency = 4
	}
	if c.YouTube.MaxCommentsPerSync == 0 {
		c.YouTube.MaxCommentsPerSync = 200
	}
	if c.YouTube.RequestsPerSecond == 0 {
		c.YouTube.RequestsPerSecond = 8
	}
	if c.AI.Model == "" {
		c.AI.Model = "gpt-4o-mini"
	}
	if c.AI.MaxBatch == 0 {
		c.AI.MaxBatch = 50
	}
	if c.Billing.DefaultPlan == "" {
		c.Billing.DefaultPlan = "free"
	}
	if c.Billing.GraceDays == 0 {
		c.Billing.GraceDays = 7
	}
	if c.Queue.PollInterval.Duration == 0 {
		c.Queue.PollInterval.Duration = 15 * time.Second
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.InitialBackoff.Duration == 0 {
		c.Queue.InitialBackoff.Duration = 30 * time.Second
	}
	if c.Queue.MaxBackoff.Duration == 0 {
		c.Queue.MaxBackoff.Duration = time.Hour
	}
	if c.Queue.LeaseDuration.Duration == 0 {
		c.Queue.LeaseDuration.Duration = 2 * time.Minute
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 120
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 30
	}
	if c.Retention.AuditEvents.Duration == 0 {
		c.Retention.AuditEvents.Duration = 90 * 24 * time.Hour
	}
	if c.Retention.WebhookEvents.Duration == 0 {
		c.Retention.WebhookEvents.Duration = 30 * 24 * time.Hour
	}
	if c.Retention.DeadReplyJobs.Duration == 0 {
		c.Retention.DeadReplyJobs.Duration = 30 * 24 * time.Hour
	}
	if c.Retention.PurgeInterval.Duration == 0 {
		c.Retention.PurgeInterval.Duration = 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout.Duration = 30 * time.Second
	}
}
