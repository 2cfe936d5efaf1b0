package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kashguard/keyguard/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("KMS_ROOT_PASSPHRASE", "correct horse battery staple")
	t.Setenv("KMS_ROOT_SALT", "0123456789abcdef")
	t.Setenv("KMS_AUDIT_HMAC_SECRET", strings.Repeat("s", 32))
}

func TestDefaultServiceConfigFromEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("KMS_STORAGE_BACKEND", "memory")
	t.Setenv("KMS_HSM_TYPE", "bogus")
	t.Setenv("KMS_ROTATION_TIMEOUT", "45s")
	t.Setenv("SERVER_LOGGER_LEVEL", "warn")
	t.Setenv("PGPORT", "not-a-port")
	t.Setenv("DB_EXTRA_PARAMS", "connect_timeout=5, application_name=keyguard,broken")

	cfg := config.DefaultServiceConfigFromEnv()
	assert.Equal(t, config.StorageMemory, cfg.KMS.StorageBackend)
	assert.Equal(t, config.HSMNone, cfg.KMS.HSMType)
	assert.Equal(t, 45*time.Second, cfg.KMS.RotationTimeout)
	assert.Equal(t, zerolog.WarnLevel, cfg.Logger.Level)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, map[string]string{
		"sslmode":          "disable",
		"connect_timeout":  "5",
		"application_name": "keyguard",
	}, cfg.Database.AdditionalParams)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	setRequired(t)

	tests := []struct {
		name   string
		mutate func(c *config.Server)
		errMsg string
	}{
		{"missing passphrase", func(c *config.Server) { c.KMS.RootPassphrase = "" }, "KMS_ROOT_PASSPHRASE"},
		{"short salt", func(c *config.Server) { c.KMS.RootSalt = "short" }, "KMS_ROOT_SALT"},
		{"short audit secret", func(c *config.Server) { c.Audit.HMACSecret = "x" }, "KMS_AUDIT_HMAC_SECRET"},
		{"unknown backend", func(c *config.Server) { c.KMS.StorageBackend = "redis" }, "storage backend"},
		{"pkcs11 without library", func(c *config.Server) {
			c.KMS.HSMType = config.HSMPKCS11
			c.KMS.HSMLibrary = ""
		}, "KMS_HSM_LIBRARY"},
		{"prefer hsm without provider", func(c *config.Server) { c.KMS.PreferHSM = true }, "KMS_PREFER_HSM"},
		{"zero sweep interval", func(c *config.Server) { c.Scheduler.SweepInterval = 0 }, "SWEEP_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultServiceConfigFromEnv()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad_FileOverlay(t *testing.T) {
	setRequired(t)
	t.Setenv("KMS_ROTATION_MAX_RETRIES", "7")

	path := filepath.Join(t.TempDir(), "keyguard.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[kms]
storage_backend = "memory"
hsm_type = "simulator"
rotation_timeout = "10s"

[logger]
level = "debug"

[scheduler]
sweep_interval = "15m"
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.StorageMemory, cfg.KMS.StorageBackend)
	assert.Equal(t, config.HSMSimulator, cfg.KMS.HSMType)
	assert.Equal(t, 10*time.Second, cfg.KMS.RotationTimeout)
	assert.Equal(t, 7, cfg.KMS.RotationMaxRetries)
	assert.Equal(t, zerolog.DebugLevel, cfg.Logger.Level)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.SweepInterval)
}

func TestLoadFile_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[kms]\nrotation_timout = \"1s\"\n"), 0o600))

	cfg := config.DefaultServiceConfigFromEnv()
	err := config.LoadFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kms.rotation_timout")
}

func TestDatabase_ConnectionString(t *testing.T) {
	db := config.Database{
		Host:             "db",
		Port:             5432,
		Username:         "kg",
		Password:         "p w'd",
		Database:         "keyguard",
		AdditionalParams: map[string]string{"sslmode": "disable", "connect_timeout": "5"},
	}
	assert.Equal(t, `host=db port=5432 user=kg password='p w\'d' dbname=keyguard connect_timeout=5 sslmode=disable`, db.ConnectionString())
	assert.Equal(t, "postgres://kg@db:5432/keyguard", db.Redacted())
}
