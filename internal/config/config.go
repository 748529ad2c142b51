package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	Store               string        `mapstructure:"STORE"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir       string        `mapstructure:"MIGRATIONS_DIR"`
	AuthMode            string        `mapstructure:"AUTH_MODE"`
	AuthSigningKey      string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer          string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience        string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL         string        `mapstructure:"AUTH_JWKS_URL"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	PersistenceTimeout  time.Duration `mapstructure:"PERSISTENCE_TIMEOUT"`
	PaymentMaxRetries   int           `mapstructure:"PAYMENT_MAX_RETRIES"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit           string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	RedisPrefix         string        `mapstructure:"REDIS_PREFIX"`
	LockTTL             time.Duration `mapstructure:"LOCK_TTL"`
	AMQPURL             string        `mapstructure:"AMQP_URL"`
	AuditExchange       string        `mapstructure:"AUDIT_EXCHANGE"`
	AuditBuffer         int           `mapstructure:"AUDIT_BUFFER"`
	S3Endpoint          string        `mapstructure:"S3_ENDPOINT"`
	S3AccessKey         string        `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey         string        `mapstructure:"S3_SECRET_KEY"`
	S3Bucket            string        `mapstructure:"S3_BUCKET"`
	S3UseSSL            bool          `mapstructure:"S3_USE_SSL"`
	S3Region            string        `mapstructure:"S3_REGION"`
	ReportURLTTL        time.Duration `mapstructure:"REPORT_URL_TTL"`
	ReportJobTTL        time.Duration `mapstructure:"REPORT_JOB_TTL"`
	ShutdownGracePeriod time.Duration `mapstructure:"SHUTDOWN_GRACE_PERIOD"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MIGRATIONS_DIR", "AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"AUTH_JWKS_URL", "CORS_ORIGINS", "PERSISTENCE_TIMEOUT", "PAYMENT_MAX_RETRIES",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REDIS_URL",
	"REDIS_PREFIX", "LOCK_TTL", "AMQP_URL", "AUDIT_EXCHANGE", "AUDIT_BUFFER",
	"S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_BUCKET", "S3_USE_SSL", "S3_REGION",
	"REPORT_URL_TTL", "REPORT_JOB_TTL", "SHUTDOWN_GRACE_PERIOD",
}

// Load reads .env (when present) and the process environment. The result is
// not validated; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("AUTH_MODE", "") // inferred, see ResolvedAuthMode
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("PERSISTENCE_TIMEOUT", "3s")
	v.SetDefault("PAYMENT_MAX_RETRIES", 5)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REDIS_PREFIX", "clinic")
	v.SetDefault("LOCK_TTL", "5s")
	v.SetDefault("AUDIT_EXCHANGE", "clinic.audit")
	v.SetDefault("AUDIT_BUFFER", 1024)
	v.SetDefault("S3_BUCKET", "clinic-reports")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("REPORT_URL_TTL", "15m")
	v.SetDefault("REPORT_JOB_TTL", "24h")
	v.SetDefault("SHUTDOWN_GRACE_PERIOD", "10s")

	// Unmarshal only sees env vars that are bound explicitly.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise:
//   - ENV=development     -> "development" (unauthenticated requests act as admin)
//   - AUTH_SIGNING_KEY set -> "hs256"
//   - otherwise           -> "jwks"
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthSigningKey != "" {
		return "hs256"
	}
	return "jwks"
}

func (c *Config) Validate() error {
	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE is \"postgres\"")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("STORE=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("STORE must be \"postgres\" or \"memory\", got %q", c.Store)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "hs256":
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters")
		}
	case "jwks":
		if c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWKS_URL is required when AUTH_MODE is \"jwks\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"hs256\" or \"jwks\", got %q", mode)
	}

	if c.PaymentMaxRetries < 1 {
		return fmt.Errorf("PAYMENT_MAX_RETRIES must be at least 1")
	}
	if c.PersistenceTimeout <= 0 {
		return fmt.Errorf("PERSISTENCE_TIMEOUT must be positive")
	}
	if c.RequestTimeout > 0 && c.RequestTimeout <= c.PersistenceTimeout {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must exceed PERSISTENCE_TIMEOUT (%s)", c.RequestTimeout, c.PersistenceTimeout)
	}
	if c.S3Endpoint != "" && (c.S3AccessKey == "" || c.S3SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set")
	}
	return nil
}

// ReportsEnabled reports whether an object store is configured for exports.
func (c *Config) ReportsEnabled() bool {
	return c.S3Endpoint != ""
}
