package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	platformstrings "careflow/pkg/platform/strings"
)

// Config is the process configuration shared by every careflow service. Each
// subcommand reads only its own section.
type Config struct {
	Env       string
	Log       LogConfig
	Token     TokenConfig
	Gateway   GatewayConfig
	Patients  PatientsConfig
	Billing   BillingConfig
	Analytics AnalyticsConfig
	Kafka     KafkaConfig
	Redis     RedisConfig
}

type LogConfig struct {
	Level  string
	Format string
}

// TokenConfig is read once at startup; the signing key is never mutated afterwards.
type TokenConfig struct {
	Addr       string
	SigningKey string
	TTL        time.Duration
	Issuer     string
	// Users holds "subject:bcrypt-hash:ROLE" entries.
	Users []string
}

type GatewayConfig struct {
	Addr            string
	Routes          string
	RoutesFile      string
	AllowList       []string
	UpstreamTimeout time.Duration
	// RateLimit is requests per RateWindow per client IP; zero disables it.
	RateLimit  int
	RateWindow time.Duration
	// TrustedProxies are CIDRs whose forwarding headers name the client.
	TrustedProxies []string
}

type PatientsConfig struct {
	Addr        string
	DatabaseURL string
	BillingAddr string
	BillingRPC  time.Duration
	LeaseTTL    time.Duration
	Outbox      OutboxConfig
	Reconcile   ReconcileConfig
}

type OutboxConfig struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	LeaseTTL     time.Duration
}

type ReconcileConfig struct {
	Interval    time.Duration
	Grace       time.Duration
	BatchSize   int
	MaxAttempts int
}

type BillingConfig struct {
	GRPCAddr       string
	HTTPAddr       string
	DatabaseURL    string
	SupportedPlans []string
}

type AnalyticsConfig struct {
	Addr  string
	Group string
}

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

var defaults = map[string]any{
	"ENV":                      "development",
	"LOG_LEVEL":                "info",
	"LOG_FORMAT":               "json",
	"TOKEN_ADDR":               ":8081",
	"TOKEN_TTL":                "15m",
	"TOKEN_ISSUER":             "careflow",
	"GATEWAY_ADDR":             ":8080",
	"GATEWAY_ALLOW_LIST":       "/auth/login,/healthz",
	"GATEWAY_UPSTREAM_TIMEOUT": "10s",
	"GATEWAY_RATE_LIMIT":       0,
	"GATEWAY_RATE_WINDOW":      "1m",
	"GATEWAY_TRUSTED_PROXIES":  "",
	"PATIENTS_ADDR":            ":8082",
	"BILLING_GRPC_ADDR":        "localhost:9090",
	"BILLING_RPC_TIMEOUT":      "2s",
	"PATIENTS_LEASE_TTL":       "10s",
	"OUTBOX_MAX_ATTEMPTS":      8,
	"OUTBOX_BASE_BACKOFF":      "500ms",
	"OUTBOX_MAX_BACKOFF":       "1m",
	"OUTBOX_POLL_INTERVAL":     "1s",
	"OUTBOX_BATCH_SIZE":        100,
	"OUTBOX_CONCURRENCY":       8,
	"OUTBOX_LEASE_TTL":         "1m",
	"RECONCILE_INTERVAL":       "30s",
	"RECONCILE_GRACE":          "1m",
	"RECONCILE_BATCH_SIZE":     50,
	"RECONCILE_MAX_ATTEMPTS":   10,
	"BILLING_LISTEN_ADDR":      ":9090",
	"BILLING_HTTP_ADDR":        ":8083",
	"BILLING_SUPPORTED_PLANS":  "standard,premium,medicaid",
	"ANALYTICS_ADDR":           ":8084",
	"ANALYTICS_GROUP":          "analytics",
	"KAFKA_TOPIC":              "patients.events",
	"KAFKA_CLIENT_ID":          "careflow",
	"REDIS_POOL_SIZE":          10,
	"REDIS_MIN_IDLE_CONNS":     2,
	"REDIS_DIAL_TIMEOUT":       "5s",
	"REDIS_READ_TIMEOUT":       "3s",
	"REDIS_WRITE_TIMEOUT":      "3s",
}

// keys without defaults that still need env binding
var bareKeys = []string{
	"TOKEN_SIGNING_KEY", "TOKEN_USERS",
	"GATEWAY_ROUTES", "GATEWAY_ROUTES_FILE",
	"PATIENTS_DATABASE_URL", "BILLING_DATABASE_URL",
	"KAFKA_BROKERS", "REDIS_URL",
}

const envPrefix = "CAREFLOW_"

// Load reads configuration from the environment (optionally CAREFLOW_-prefixed)
// and an optional .env file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")

	for key, val := range defaults {
		v.SetDefault(key, val)
		_ = v.BindEnv(key, envPrefix+key, key)
	}
	for _, key := range bareKeys {
		_ = v.BindEnv(key, envPrefix+key, key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{
		Env: v.GetString("ENV"),
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Token: TokenConfig{
			Addr:       v.GetString("TOKEN_ADDR"),
			SigningKey: v.GetString("TOKEN_SIGNING_KEY"),
			TTL:        v.GetDuration("TOKEN_TTL"),
			Issuer:     v.GetString("TOKEN_ISSUER"),
			Users:      splitList(v.GetString("TOKEN_USERS")),
		},
		Gateway: GatewayConfig{
			Addr:            v.GetString("GATEWAY_ADDR"),
			Routes:          v.GetString("GATEWAY_ROUTES"),
			RoutesFile:      v.GetString("GATEWAY_ROUTES_FILE"),
			AllowList:       splitList(v.GetString("GATEWAY_ALLOW_LIST")),
			UpstreamTimeout: v.GetDuration("GATEWAY_UPSTREAM_TIMEOUT"),
			RateLimit:       v.GetInt("GATEWAY_RATE_LIMIT"),
			RateWindow:      v.GetDuration("GATEWAY_RATE_WINDOW"),
			TrustedProxies:  splitList(v.GetString("GATEWAY_TRUSTED_PROXIES")),
		},
		Patients: PatientsConfig{
			Addr:        v.GetString("PATIENTS_ADDR"),
			DatabaseURL: v.GetString("PATIENTS_DATABASE_URL"),
			BillingAddr: v.GetString("BILLING_GRPC_ADDR"),
			BillingRPC:  v.GetDuration("BILLING_RPC_TIMEOUT"),
			LeaseTTL:    v.GetDuration("PATIENTS_LEASE_TTL"),
			Outbox: OutboxConfig{
				MaxAttempts:  v.GetInt("OUTBOX_MAX_ATTEMPTS"),
				BaseBackoff:  v.GetDuration("OUTBOX_BASE_BACKOFF"),
				MaxBackoff:   v.GetDuration("OUTBOX_MAX_BACKOFF"),
				PollInterval: v.GetDuration("OUTBOX_POLL_INTERVAL"),
				BatchSize:    v.GetInt("OUTBOX_BATCH_SIZE"),
				Concurrency:  v.GetInt("OUTBOX_CONCURRENCY"),
				LeaseTTL:     v.GetDuration("OUTBOX_LEASE_TTL"),
			},
			Reconcile: ReconcileConfig{
				Interval:    v.GetDuration("RECONCILE_INTERVAL"),
				Grace:       v.GetDuration("RECONCILE_GRACE"),
				BatchSize:   v.GetInt("RECONCILE_BATCH_SIZE"),
				MaxAttempts: v.GetInt("RECONCILE_MAX_ATTEMPTS"),
			},
		},
		Billing: BillingConfig{
			GRPCAddr:       v.GetString("BILLING_LISTEN_ADDR"),
			HTTPAddr:       v.GetString("BILLING_HTTP_ADDR"),
			DatabaseURL:    v.GetString("BILLING_DATABASE_URL"),
			SupportedPlans: splitList(v.GetString("BILLING_SUPPORTED_PLANS")),
		},
		Analytics: AnalyticsConfig{
			Addr:  v.GetString("ANALYTICS_ADDR"),
			Group: v.GetString("ANALYTICS_GROUP"),
		},
		Kafka: KafkaConfig{
			Brokers:  splitList(v.GetString("KAFKA_BROKERS")),
			Topic:    v.GetString("KAFKA_TOPIC"),
			ClientID: v.GetString("KAFKA_CLIENT_ID"),
		},
		Redis: RedisConfig{
			URL:          v.GetString("REDIS_URL"),
			PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
			MinIdleConns: v.GetInt("REDIS_MIN_IDLE_CONNS"),
			DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
			ReadTimeout:  v.GetDuration("REDIS_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),
		},
	}

	if cfg.Token.SigningKey == "" && cfg.IsDev() {
		// Use a default for development - must be overridden in production
		cfg.Token.SigningKey = "dev-secret-key-change-in-production"
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ValidateToken checks settings needed by anything that signs or verifies tokens.
func (c *Config) ValidateToken() error {
	if c.Token.SigningKey == "" {
		return fmt.Errorf("TOKEN_SIGNING_KEY is required outside development")
	}
	if !c.IsDev() && len(c.Token.SigningKey) < 32 {
		return fmt.Errorf("TOKEN_SIGNING_KEY must be at least 32 bytes, got %d", len(c.Token.SigningKey))
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	return nil
}

func splitList(s string) []string {
	return platformstrings.SplitList(s, ",")
}
