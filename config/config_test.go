package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/printshop-ledger/ledger"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "CORS_ORIGINS", "DB_PATH", "SEQUENCE_BACKEND", "REDIS_ADDR",
		"REDIS_PASSWORD", "REDIS_DB", "AUDIT_POLICY", "STRICT_OVERPAYMENT",
		"RECONCILE_SCHEDULE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"DEMO_SCENARIOS", "LOG_LEVEL", "LOG_FORMAT", "LOG_OUTPUT",
	} {
		t.Setenv(key, "")
	}
	// Keep any developer .env out of the way.
	t.Chdir(t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, "./data/ledger.db", cfg.DBPath)
	assert.Equal(t, "db", cfg.SequenceBackend)
	assert.Equal(t, ledger.AuditStrict, cfg.AuditPolicy)
	assert.False(t, cfg.StrictOverpayment)
	assert.Empty(t, cfg.ReconcileSchedule)
	assert.Equal(t, 20.0, cfg.RateLimitRPS)
	assert.Equal(t, 40, cfg.RateLimitBurst)
	assert.False(t, cfg.DemoScenarios)

	lc := cfg.LoggerConfig()
	assert.Equal(t, "info", lc.Level)
	assert.Equal(t, "console", lc.Format)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CORS_ORIGINS", "https://counter.example.com, http://localhost:3000 ,")
	t.Setenv("SEQUENCE_BACKEND", "REDIS")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("AUDIT_POLICY", "Best-Effort")
	t.Setenv("STRICT_OVERPAYMENT", "true")
	t.Setenv("RECONCILE_SCHEDULE", "0 2 * * *")
	t.Setenv("RATE_LIMIT_RPS", "0")
	t.Setenv("DEMO_SCENARIOS", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://counter.example.com", "http://localhost:3000"}, cfg.CORSOrigins)
	assert.Equal(t, "redis", cfg.SequenceBackend)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, ledger.AuditBestEffort, cfg.AuditPolicy)
	assert.True(t, cfg.StrictOverpayment)
	assert.Equal(t, "0 2 * * *", cfg.ReconcileSchedule)
	assert.Zero(t, cfg.RateLimitRPS)
	assert.True(t, cfg.DemoScenarios)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"unknown sequence backend", "SEQUENCE_BACKEND", "etcd", "SEQUENCE_BACKEND"},
		{"unknown audit policy", "AUDIT_POLICY", "sometimes", "AUDIT_POLICY"},
		{"bad cron expression", "RECONCILE_SCHEDULE", "every day", "RECONCILE_SCHEDULE"},
		{"negative rate", "RATE_LIMIT_RPS", "-1", "must not be negative"},
		{"non-numeric burst", "RATE_LIMIT_BURST", "lots", "RATE_LIMIT_BURST"},
		{"non-boolean flag", "STRICT_OVERPAYMENT", "maybe", "STRICT_OVERPAYMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
