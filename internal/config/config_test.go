package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "memory://", cfg.StoreDSN)
	assert.Equal(t, 30*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, "BR", cfg.DefaultRegion)
	assert.True(t, cfg.WebhookAllowLegacy)
	assert.False(t, cfg.WebhookRequireSignature)
	assert.True(t, cfg.ArchiveOnDelete)
	assert.Empty(t, cfg.ReconcileTenants)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROVIDER_URL", "http://waha:3000/")
	t.Setenv("PROVIDER_TIMEOUT", "5s")
	t.Setenv("RECONCILE_TENANTS", "t1, t2,,t3")
	t.Setenv("WEBHOOK_REQUIRE_SIGNATURE", "true")
	t.Setenv("DEFAULT_REGION", "us")

	cfg := NewConfig()
	assert.Equal(t, "http://waha:3000", cfg.ProviderURL)
	assert.Equal(t, 5*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, []string{"t1", "t2", "t3"}, cfg.ReconcileTenants)
	assert.True(t, cfg.WebhookRequireSignature)
	assert.Equal(t, "US", cfg.DefaultRegion)
}
