// Package config defines the process configuration for rotarydesk.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Secret files (_FILE indirection)
//
// A missing required value or invalid format fails startup.
package config

import (
	"time"

	"rotarydesk/internal/types"
)

// SecretString is an alias for types.SecretString so configuration secrets
// are never printed in logs.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"rotarydesk"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Storage       StorageConfig
	Email         EmailConfig
	WhatsApp      WhatsAppConfig
	Notify        NotifyConfig
	Auth          AuthConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Build metadata is injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"8080"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"5m"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds the Postgres connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"5s"`
}

// RedisConfig holds the session store connection.
type RedisConfig struct {
	Addr     string       `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password SecretString `envconfig:"REDIS_PASSWORD"`
	DB       int          `envconfig:"REDIS_DB" default:"0"`
}

// StorageConfig holds the S3-compatible object store (Cloudflare R2) settings.
type StorageConfig struct {
	Endpoint        string       `envconfig:"R2_ENDPOINT" validate:"required"`
	AccessKeyID     string       `envconfig:"R2_ACCESS_KEY_ID" validate:"required"`
	SecretAccessKey SecretString `envconfig:"R2_SECRET_ACCESS_KEY" validate:"required"`
	Bucket          string       `envconfig:"R2_BUCKET" validate:"required"`
	Region          string       `envconfig:"R2_REGION" default:"auto"`
	UseSSL          bool         `envconfig:"R2_USE_SSL" default:"true"`
	TemplateKey     string       `envconfig:"R2_TEMPLATE_KEY" default:"templates/daily.html"`
}

// EmailConfig holds transactional mail settings. The API key and sender are
// deliberately not required at load time: a run without them fails with a
// configuration error before anything is sent, while the rest of the API
// keeps serving.
type EmailConfig struct {
	APIKey         SecretString  `envconfig:"ZEPTO_API_KEY"`
	BaseURL        string        `envconfig:"ZEPTO_BASE_URL" default:"https://api.zeptomail.in" validate:"url"`
	FromAddress    string        `envconfig:"EMAIL_FROM" validate:"omitempty,email"`
	FromName       string        `envconfig:"EMAIL_FROM_NAME" default:"Rotary District 3012"`
	ReplyTo        string        `envconfig:"EMAIL_REPLY_TO" validate:"omitempty,email"`
	TestRecipients []string      `envconfig:"EMAIL_TEST"`
	Timeout        time.Duration `envconfig:"EMAIL_TIMEOUT" default:"30s"`
}

// WhatsAppConfig holds the message relay settings.
type WhatsAppConfig struct {
	RelayURL string        `envconfig:"WHATSAPP_RELAY_URL" default:"http://localhost:3001" validate:"url"`
	APIKey   SecretString  `envconfig:"WHATSAPP_API_KEY"`
	Timeout  time.Duration `envconfig:"WHATSAPP_TIMEOUT" default:"10s"`
}

// NotifyConfig holds the celebration run settings, including the predicate
// switches that call sites historically disagreed on.
type NotifyConfig struct {
	Timezone            string        `envconfig:"NOTIFY_TIMEZONE" default:"Asia/Kolkata"`
	BatchSize           int           `envconfig:"NOTIFY_BATCH_SIZE" default:"400" validate:"min=1,max=500"`
	ChunkDelay          time.Duration `envconfig:"NOTIFY_CHUNK_DELAY" default:"1s"`
	ChunkTimeout        time.Duration `envconfig:"NOTIFY_CHUNK_TIMEOUT" default:"60s"`
	RunTimeout          time.Duration `envconfig:"NOTIFY_RUN_TIMEOUT" default:"30m"`
	RequirePoster       bool          `envconfig:"NOTIFY_REQUIRE_POSTER" default:"false"`
	AnniversaryStrategy string        `envconfig:"NOTIFY_ANNIVERSARY_STRATEGY" default:"primary_only" validate:"oneof=primary_only any_side"`
	AnniversaryDedupe   bool          `envconfig:"NOTIFY_ANNIVERSARY_DEDUPE" default:"true"`
	RosterPageSize      int           `envconfig:"NOTIFY_ROSTER_PAGE_SIZE" default:"1000" validate:"min=1"`
	DefaultAsset        string        `envconfig:"NOTIFY_DEFAULT_ASSET" default:"0.jpg"`
	BannerAsset         string        `envconfig:"NOTIFY_BANNER_ASSET" default:"try.gif"`
	FooterAssets        []string      `envconfig:"NOTIFY_FOOTER_ASSETS" default:"006.jpg,007.jpg,008.jpg,009.jpg"`
	DistrictName        string        `envconfig:"NOTIFY_DISTRICT_NAME" default:"Rotary District 3012"`
	SignedBy            string        `envconfig:"NOTIFY_SIGNED_BY" default:"Team Influencer 2025-26"`
	Signatories         []string      `envconfig:"NOTIFY_SIGNATORIES"`
}

// AuthConfig holds dashboard session and service key settings.
type AuthConfig struct {
	ServiceAPIKey SecretString  `envconfig:"SERVICE_API_KEY" validate:"required,min=16"`
	SessionTTL    time.Duration `envconfig:"SESSION_TTL" default:"24h"`
	SweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"10m"`
	CookieName    string        `envconfig:"SESSION_COOKIE_NAME" default:"session_id"`
	CookieSecure  bool          `envconfig:"SESSION_COOKIE_SECURE" default:"true"`
}

// AWSConfig holds AWS resource identifiers used by the scheduled notifier.
type AWSConfig struct {
	Region            string `envconfig:"AWS_REGION" default:"ap-south-1"`
	FailedRunQueueURL string `envconfig:"SQS_FAILED_RUNS" validate:"omitempty,url"`
	EndpointURL       string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"RotaryDesk"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSecretResolution indicates a failure reading a referenced secret.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure parsing environment values into their
	// target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
