package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load(nil)

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 12*time.Second, cfg.Ingest.FetchTimeout)
	assert.Equal(t, 3, cfg.Balance.MaxAttempts)
	assert.Zero(t, cfg.Ingest.SyncInterval)
	assert.Equal(t, 50, cfg.Ingest.SyncBatch)
	assert.True(t, cfg.Diagnostics.IgnoreDistinctExternalIDs)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.False(t, cfg.GestaoClick.Enabled())

	wc := cfg.WalletConfig()
	assert.Equal(t, 48*time.Hour, wc.Resolver.Window)
	assert.Equal(t, "10", wc.Diagnostics.OutlierFactor.String())
	assert.Equal(t, 90*24*time.Hour, cfg.IngestConfig().LookbackWindow)
}

func TestLoad_EnvAndFlags(t *testing.T) {
	// GIVEN: Environment variables and one flag
	// WHEN: Loading
	// THEN: Env overrides defaults, the flag overrides env

	t.Chdir(t.TempDir())
	t.Setenv("LEDGER_DATABASE_DRIVER", "postgres")
	t.Setenv("LEDGER_DATABASE_URL", "postgres://localhost/ledger")
	t.Setenv("LEDGER_HTTP_PORT", "9000")
	t.Setenv("LEDGER_NOTIFY_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("LEDGER_INGEST_RETRY_BASE", "5m")
	t.Setenv("LEDGER_INGEST_SYNC_INTERVAL", "30s")

	cfg, err := config.Load([]string{"--http.port", "9100"})

	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTP.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/ledger", cfg.Database.URL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Notify.Kafka.Brokers)
	assert.Equal(t, 5*time.Minute, cfg.Ingest.RetryBase)
	assert.Equal(t, 30*time.Second, cfg.Ingest.SyncInterval)
}

func TestLoad_ConfigFileAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LEDGER_LOG_LEVEL=debug\n"), 0o600))
	file := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(file, []byte("gestaoclick:\n  access_token: a\n  secret_token: s\ningest:\n  default_wallet_id: w-erp\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("LEDGER_LOG_LEVEL") })

	cfg, err := config.Load([]string{"--config", file})

	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.GestaoClick.Enabled())
	assert.Equal(t, "w-erp", cfg.Ingest.DefaultWalletID)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"LEDGER_DATABASE_DRIVER": "mysql"}},
		{"postgres without url", map[string]string{"LEDGER_DATABASE_DRIVER": "postgres"}},
		{"zero attempts", map[string]string{"LEDGER_BALANCE_MAX_ATTEMPTS": "0"}},
		{"retry max below base", map[string]string{"LEDGER_INGEST_RETRY_MAX": "1m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load(nil)
			assert.Error(t, err)
		})
	}
}
