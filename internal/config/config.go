package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	StoreDriver        string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath         string        `mapstructure:"SQLITE_PATH"`
	PersistenceTimeout time.Duration `mapstructure:"PERSISTENCE_TIMEOUT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ShutdownTimeout    time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	AlertTriageLevels  []string      `mapstructure:"ALERT_TRIAGE_LEVELS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AlertRedisStream   string        `mapstructure:"ALERT_REDIS_STREAM"`
	AlertRedisMaxLen   int64         `mapstructure:"ALERT_REDIS_MAXLEN"`
	MQTTBroker         string        `mapstructure:"MQTT_BROKER"`
	MQTTClientID       string        `mapstructure:"MQTT_CLIENT_ID"`
	MQTTTopic          string        `mapstructure:"MQTT_TOPIC"`
	MQTTQoS            int           `mapstructure:"MQTT_QOS"`
	AlertWebhookURL    string        `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string        `mapstructure:"ALERT_WEBHOOK_SECRET"`
	AlertWebhookRetry  int           `mapstructure:"ALERT_WEBHOOK_RETRIES"`
	SinkTimeout        time.Duration `mapstructure:"ALERT_SINK_TIMEOUT"`
	DispatchWorkers    int           `mapstructure:"DISPATCH_WORKERS"`
	DispatchQueueSize  int           `mapstructure:"DISPATCH_QUEUE_SIZE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS",
	"DB_MIN_CONNS", "SQLITE_PATH", "PERSISTENCE_TIMEOUT", "REQUEST_TIMEOUT",
	"SHUTDOWN_TIMEOUT", "BODY_LIMIT", "CORS_ORIGINS", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"AUTH_SIGNING_KEY", "ALERT_TRIAGE_LEVELS", "REDIS_URL", "ALERT_REDIS_STREAM",
	"ALERT_REDIS_MAXLEN", "MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_TOPIC",
	"MQTT_QOS", "ALERT_WEBHOOK_URL", "ALERT_WEBHOOK_SECRET",
	"ALERT_WEBHOOK_RETRIES", "ALERT_SINK_TIMEOUT", "DISPATCH_WORKERS",
	"DISPATCH_QUEUE_SIZE",
}

// Load reads the environment and an optional .env file. Call Validate
// before using the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SQLITE_PATH", "edtracker.db")
	v.SetDefault("PERSISTENCE_TIMEOUT", "5s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("ALERT_TRIAGE_LEVELS", "CRITICAL")
	v.SetDefault("ALERT_REDIS_STREAM", "ed:alerts")
	v.SetDefault("ALERT_REDIS_MAXLEN", 10000)
	v.SetDefault("MQTT_CLIENT_ID", "ed-tracker")
	v.SetDefault("MQTT_TOPIC", "ed/alerts")
	v.SetDefault("MQTT_QOS", 1)
	v.SetDefault("ALERT_WEBHOOK_RETRIES", 3)
	v.SetDefault("ALERT_SINK_TIMEOUT", "5s")
	v.SetDefault("DISPATCH_WORKERS", 2)
	v.SetDefault("DISPATCH_QUEUE_SIZE", 1024)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.AlertTriageLevels = splitList(cfg.AlertTriageLevels)
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	return cfg, nil
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuthConfigured reports whether any bearer token validation is set up.
func (c *Config) AuthConfigured() bool {
	return c.AuthIssuer != "" || c.AuthJWKSURL != "" || c.AuthSigningKey != ""
}

// Validate checks driver requirements and refuses to run outside
// development without authentication.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are inconsistent", c.DBMinConns, c.DBMaxConns)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER %q is not allowed in production", DriverMemory)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", DriverPostgres, DriverSQLite, DriverMemory, c.StoreDriver)
	}

	if !c.IsDev() && !c.AuthConfigured() {
		return fmt.Errorf(
			"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q; "+
				"refusing to start without authentication", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters in production")
	}

	if c.PersistenceTimeout <= 0 {
		return fmt.Errorf("PERSISTENCE_TIMEOUT must be positive, got %s", c.PersistenceTimeout)
	}
	if c.DispatchWorkers <= 0 {
		return fmt.Errorf("DISPATCH_WORKERS must be positive, got %d", c.DispatchWorkers)
	}
	if c.DispatchQueueSize <= 0 {
		return fmt.Errorf("DISPATCH_QUEUE_SIZE must be positive, got %d", c.DispatchQueueSize)
	}
	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		return fmt.Errorf("MQTT_TOPIC is required when MQTT_BROKER is set")
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS)
	}
	if c.AlertWebhookURL != "" && !strings.HasPrefix(c.AlertWebhookURL, "http") {
		return fmt.Errorf("ALERT_WEBHOOK_URL must be an http(s) URL")
	}
	return nil
}
