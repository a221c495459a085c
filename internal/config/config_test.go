package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmoradei/portero-cli/api/schemas"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "file", cfg.Store.Type)
	assert.NotEmpty(t, cfg.Store.Dir)
	assert.Equal(t, int64(4), cfg.Engine.BrowserSlots)
	assert.Equal(t, time.Second, cfg.Engine.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Engine.BackoffMax)
	assert.Equal(t, 0.8, cfg.Engine.ResultSuccessThreshold)
	assert.Equal(t, "gemini", cfg.Planner.Provider)
	assert.Equal(t, "abort", cfg.Approval.OnDenial)
	assert.True(t, cfg.Browser.Headless)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := NewDefaultConfig()
		// Defaults use gemini which needs a key; set one so the base passes.
		cfg.Planner.APIKey = "test-key"
		return cfg
	}

	t.Run("defaults with api key are valid", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})

	t.Run("gemini without api key fails", func(t *testing.T) {
		cfg := base()
		cfg.Planner.APIKey = ""
		require.Error(t, cfg.Validate())
	})

	t.Run("rules planner needs no key", func(t *testing.T) {
		cfg := base()
		cfg.Planner.Provider = "rules"
		cfg.Planner.APIKey = ""
		require.NoError(t, cfg.Validate())
	})

	t.Run("postgres store requires url", func(t *testing.T) {
		cfg := base()
		cfg.Store.Type = "postgres"
		require.Error(t, cfg.Validate())
		cfg.Store.DatabaseURL = "postgres://localhost/portero"
		require.NoError(t, cfg.Validate())
	})

	t.Run("unknown store type fails", func(t *testing.T) {
		cfg := base()
		cfg.Store.Type = "etcd"
		require.Error(t, cfg.Validate())
	})

	t.Run("bad denial policy fails", func(t *testing.T) {
		cfg := base()
		cfg.Approval.OnDenial = "shrug"
		require.Error(t, cfg.Validate())
	})

	t.Run("zero browser slots fail", func(t *testing.T) {
		cfg := base()
		cfg.Engine.BrowserSlots = 0
		require.Error(t, cfg.Validate())
	})
}

func TestApprovalConfig_GateTier(t *testing.T) {
	assert.Equal(t, schemas.RiskLow, ApprovalConfig{GateAt: "low"}.GateTier())
	assert.Equal(t, schemas.RiskMedium, ApprovalConfig{GateAt: "medium"}.GateTier())
	assert.Equal(t, schemas.RiskHigh, ApprovalConfig{GateAt: "high"}.GateTier())
	// Unset falls back to medium.
	assert.Equal(t, schemas.RiskMedium, ApprovalConfig{}.GateTier())
}

func TestSetDefaults_Unmarshal(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("store.type", "memory")
	v.Set("approval.on_denial", "replan")

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.True(t, cfg.Approval.ReplanOnDenial())
}
