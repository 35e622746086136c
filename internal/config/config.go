package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ReportStoreNone  = "none"
	ReportStoreLocal = "local"
	ReportStoreS3    = "s3"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Remote analysis backend
	BackendBaseURL     string        `mapstructure:"BACKEND_BASE_URL"`
	BackendTokenSecret string        `mapstructure:"BACKEND_TOKEN_SECRET"`
	BackendTokenIssuer string        `mapstructure:"BACKEND_TOKEN_ISSUER"`
	ExtractTimeout     time.Duration `mapstructure:"EXTRACT_TIMEOUT"`
	AnalyzeTimeout     time.Duration `mapstructure:"ANALYZE_TIMEOUT"`
	ChatTimeout        time.Duration `mapstructure:"CHAT_TIMEOUT"`
	ReportTimeout      time.Duration `mapstructure:"REPORT_TIMEOUT"`
	ExplainTimeout     time.Duration `mapstructure:"EXPLAIN_TIMEOUT"`

	// Workflow
	UploadMaxBytes int64  `mapstructure:"UPLOAD_MAX_BYTES"`
	ChatWelcome    string `mapstructure:"CHAT_WELCOME"`

	// Session store (memory when empty)
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// HTTP surface
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	// Report persistence
	ReportStore       string `mapstructure:"REPORT_STORE"`
	ReportDir         string `mapstructure:"REPORT_DIR"`
	S3Bucket          string `mapstructure:"S3_BUCKET"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`
	S3Prefix          string `mapstructure:"S3_PREFIX"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"BACKEND_BASE_URL", "BACKEND_TOKEN_SECRET", "BACKEND_TOKEN_ISSUER",
	"EXTRACT_TIMEOUT", "ANALYZE_TIMEOUT", "CHAT_TIMEOUT", "REPORT_TIMEOUT", "EXPLAIN_TIMEOUT",
	"UPLOAD_MAX_BYTES", "CHAT_WELCOME",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"REPORT_STORE", "REPORT_DIR",
	"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY", "S3_PREFIX",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BACKEND_BASE_URL", "http://localhost:8000/api")
	v.SetDefault("BACKEND_TOKEN_ISSUER", "healthtwin")
	v.SetDefault("EXTRACT_TIMEOUT", "60s")
	v.SetDefault("ANALYZE_TIMEOUT", "30s")
	v.SetDefault("CHAT_TIMEOUT", "60s")
	v.SetDefault("REPORT_TIMEOUT", "60s")
	v.SetDefault("EXPLAIN_TIMEOUT", "60s")
	v.SetDefault("UPLOAD_MAX_BYTES", 10<<20)
	v.SetDefault("CHAT_WELCOME", "Hello! I'm your AI health assistant. Ask me anything about your results.")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "90s")
	v.SetDefault("BODY_LIMIT", "12M")
	v.SetDefault("REPORT_STORE", ReportStoreNone)
	v.SetDefault("REPORT_DIR", "./reports")
	v.SetDefault("S3_PREFIX", "healthtwin/")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = splitAndTrim(cfg.CORSOrigins[0])
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitAndTrim(origins)
		}
	}
	cfg.ReportStore = strings.ToLower(strings.TrimSpace(cfg.ReportStore))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() && cfg.BackendTokenSecret == "" {
		log.Println("WARNING: BACKEND_TOKEN_SECRET is empty; backend requests are sent without a bearer token.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the controller is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesDatabase reports whether sessions are persisted in PostgreSQL.
func (c *Config) UsesDatabase() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

// Validate checks that the configuration can drive the workflow. The backend
// base URL must be an absolute http(s) URL, every per-operation timeout must be
// positive, and the S3 report store needs a bucket and region.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BackendBaseURL)
	if err != nil {
		return fmt.Errorf("BACKEND_BASE_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("BACKEND_BASE_URL must use http or https, got %q", c.BackendBaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("BACKEND_BASE_URL must include a host, got %q", c.BackendBaseURL)
	}

	timeouts := map[string]time.Duration{
		"EXTRACT_TIMEOUT": c.ExtractTimeout,
		"ANALYZE_TIMEOUT": c.AnalyzeTimeout,
		"CHAT_TIMEOUT":    c.ChatTimeout,
		"REPORT_TIMEOUT":  c.ReportTimeout,
		"EXPLAIN_TIMEOUT": c.ExplainTimeout,
	}
	for key, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}

	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive, got %d", c.UploadMaxBytes)
	}

	switch c.ReportStore {
	case "", ReportStoreNone, ReportStoreLocal:
	case ReportStoreS3:
		if c.S3Bucket == "" || c.S3Region == "" {
			return fmt.Errorf("REPORT_STORE=s3 requires S3_BUCKET and S3_REGION")
		}
	default:
		return fmt.Errorf("REPORT_STORE must be \"none\", \"local\", or \"s3\", got %q", c.ReportStore)
	}

	return nil
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
