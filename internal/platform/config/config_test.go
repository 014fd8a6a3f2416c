package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Gateway.Addr)
	assert.Equal(t, []string{"/auth/login", "/healthz"}, cfg.Gateway.AllowList)
	assert.Equal(t, 2*time.Second, cfg.Patients.BillingRPC)
	assert.Equal(t, "patients.events", cfg.Kafka.Topic)
	assert.Equal(t, 8, cfg.Patients.Outbox.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Patients.Outbox.LeaseTTL)
	assert.NotEmpty(t, cfg.Token.SigningKey, "development gets a signing key")
}

func TestLoad_PrefixedAndBareEnv(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("CAREFLOW_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("GATEWAY_ROUTES", "/patients=http://patients:8082")
	t.Setenv("BILLING_RPC_TIMEOUT", "750ms")
	t.Setenv("GATEWAY_ALLOW_LIST", "/healthz, /auth/login,/healthz,")
	t.Setenv("GATEWAY_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "/patients=http://patients:8082", cfg.Gateway.Routes)
	assert.Equal(t, 750*time.Millisecond, cfg.Patients.BillingRPC)
	assert.Equal(t, []string{"/healthz", "/auth/login"}, cfg.Gateway.AllowList)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.1"}, cfg.Gateway.TrustedProxies)
	assert.Empty(t, cfg.Token.SigningKey)
}

func TestValidateToken(t *testing.T) {
	c := &Config{Env: "production", Token: TokenConfig{SigningKey: "short", TTL: time.Minute}}
	assert.Error(t, c.ValidateToken())

	c.Token.SigningKey = "0123456789abcdef0123456789abcdef"
	assert.NoError(t, c.ValidateToken())

	c.Token.TTL = 0
	assert.Error(t, c.ValidateToken())
}
