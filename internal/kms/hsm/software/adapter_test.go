package software_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kashguard/keyguard/internal/kms/hsm"
	"github.com/kashguard/keyguard/internal/kms/hsm/software"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAdapter_RequiresLibrary(t *testing.T) {
	_, err := software.NewAdapter(software.Config{}, nil)
	require.Error(t, err)
}

func TestAdapter_MissingLibrary(t *testing.T) {
	ctx := context.Background()
	a, err := software.NewAdapter(software.Config{
		LibraryPath: filepath.Join(t.TempDir(), "libmissing.so"),
		Slot:        0,
		Pin:         "1234",
	}, nil)
	require.NoError(t, err)

	err = a.Connect(ctx)
	assert.ErrorIs(t, err, hsm.ErrUnavailable)

	_, err = a.GenerateKey(ctx, &hsm.KeySpec{KeyType: hsm.KeyTypeAES256})
	assert.ErrorIs(t, err, hsm.ErrUnavailable)

	health, err := a.HealthStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.HealthUnavailable, health.Status)

	require.NoError(t, a.Disconnect(ctx))

	info := a.Info()
	assert.Equal(t, hsm.ProviderPKCS11, info.ProviderID)
	assert.Equal(t, hsm.ProviderPKCS11, info.ProviderType)
}

// TestAdapter_SoftHSM 需要本地安装并初始化 SoftHSM2
func TestAdapter_SoftHSM(t *testing.T) {
	lib := os.Getenv("KMS_HSM_LIBRARY")
	if lib == "" {
		t.Skip("KMS_HSM_LIBRARY not set")
	}

	ctx := context.Background()
	a, err := software.NewAdapter(software.Config{LibraryPath: lib, Pin: os.Getenv("KMS_HSM_PIN")}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Connect(ctx))
	defer func() { _ = a.Disconnect(ctx) }()

	handle, err := a.GenerateKey(ctx, &hsm.KeySpec{KeyType: hsm.KeyTypeAES256})
	require.NoError(t, err)
	defer func() { _ = a.DeleteKey(ctx, handle) }()

	ct, err := a.Encrypt(ctx, handle, []byte("material"), []byte("aad"))
	require.NoError(t, err)

	pt, err := a.Decrypt(ctx, handle, ct, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("material"), pt)
}
