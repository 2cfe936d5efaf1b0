package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KMS_STORAGE_BACKEND", "memory")
	t.Setenv("KMS_HSM_TYPE", "simulator")
	t.Setenv("KMS_ROOT_PASSPHRASE", "cli test passphrase")
	t.Setenv("KMS_ROOT_SALT", "0123456789abcdef")
	t.Setenv("KMS_ROOT_KDF_ITERATIONS", "1")
	t.Setenv("KMS_KDF_MEMORY_KIB", "1024")
	t.Setenv("KMS_KDF_THREADS", "1")
	t.Setenv("KMS_AUDIT_HMAC_SECRET", strings.Repeat("c", 32))
	t.Setenv("SERVER_LOGGER_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	jsonOutput = false
	confirmDown = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestKeysCreate(t *testing.T) {
	setTestEnv(t)

	out, err := execute(t, "keys", "create", "--type", "KEK", "--description", "cli", "--json")
	require.NoError(t, err)

	var k storage.KeyMaster
	require.NoError(t, json.Unmarshal([]byte(out), &k))
	assert.Equal(t, storage.KeyTypeKEK, k.KeyType)
	assert.Equal(t, storage.StatusActive, k.Status)
	assert.Equal(t, "cli", k.Description)
	assert.True(t, strings.HasPrefix(k.KeyID, "key-"))
}

func TestKeysListAndSweep(t *testing.T) {
	setTestEnv(t)

	out, err := execute(t, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "KEY ID")

	out, err = execute(t, "keys", "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "evaluated 0, rotated 0")

	out, err = execute(t, "keys", "expire")
	require.NoError(t, err)
	assert.Contains(t, out, "expired 0 keys")
}

func TestKeysRotateUnknownKey(t *testing.T) {
	setTestEnv(t)

	_, err := execute(t, "keys", "rotate", "key-missing", "--reason", "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key not found")
}

func TestAuditVerify(t *testing.T) {
	setTestEnv(t)

	out, err := execute(t, "audit", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "audit chain valid")

	out, err = execute(t, "audit", "log", "--event", "HSM_REGISTERED")
	require.NoError(t, err)
	assert.Contains(t, out, "HSM_REGISTERED")
}

func TestInvalidConfiguration(t *testing.T) {
	setTestEnv(t)
	t.Setenv("KMS_ROOT_PASSPHRASE", "")

	_, err := execute(t, "keys", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KMS_ROOT_PASSPHRASE")
}

func TestMigrateRequiresPostgres(t *testing.T) {
	setTestEnv(t)
	t.Setenv("KMS_ROOT_PASSPHRASE", "")

	// 迁移命令不校验密钥配置
	_, err := execute(t, "migrate", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "require the postgresql storage backend")

	_, err = execute(t, "migrate", "down")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
}
