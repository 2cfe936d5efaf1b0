package simulator_test

import (
	"context"
	"testing"
	"time"

	"github.com/kashguard/keyguard/internal/kms/hsm"
	"github.com/kashguard/keyguard/internal/kms/hsm/simulator"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connected(t *testing.T) simulator.Simulator {
	t.Helper()

	sim := simulator.NewAdapter("sim-test", nil)
	require.NoError(t, sim.Connect(context.Background()))
	return sim
}

func TestSimulator_RoundTrip(t *testing.T) {
	ctx := context.Background()
	sim := connected(t)

	handle, err := sim.GenerateKey(ctx, &hsm.KeySpec{KeyType: hsm.KeyTypeAES256, KeySize: 256})
	require.NoError(t, err)
	assert.Equal(t, 1, sim.KeyCount())

	ct, err := sim.Encrypt(ctx, handle, []byte("wrapped material"), []byte("kek-1:v1"))
	require.NoError(t, err)

	pt, err := sim.Decrypt(ctx, handle, ct, []byte("kek-1:v1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("wrapped material"), pt)

	_, err = sim.Decrypt(ctx, handle, ct, []byte("kek-1:v2"))
	require.Error(t, err)

	ct[len(ct)-1] ^= 0x01
	_, err = sim.Decrypt(ctx, handle, ct, []byte("kek-1:v1"))
	require.Error(t, err)

	require.NoError(t, sim.DeleteKey(ctx, handle))
	_, err = sim.Encrypt(ctx, handle, []byte("x"), nil)
	assert.ErrorIs(t, err, hsm.ErrHandleNotFound)
}

func TestSimulator_Unavailable(t *testing.T) {
	ctx := context.Background()
	sim := connected(t)

	handle, err := sim.GenerateKey(ctx, &hsm.KeySpec{KeyType: hsm.KeyTypeAES256, Label: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", handle)

	sim.SetAvailable(false)

	_, err = sim.GenerateKey(ctx, &hsm.KeySpec{KeyType: hsm.KeyTypeAES256})
	assert.ErrorIs(t, err, hsm.ErrUnavailable)
	_, err = sim.Encrypt(ctx, handle, []byte("x"), nil)
	assert.ErrorIs(t, err, hsm.ErrUnavailable)

	health, err := sim.HealthStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.HealthUnavailable, health.Status)
	assert.Zero(t, health.Score())

	assert.ErrorIs(t, sim.Connect(ctx), hsm.ErrUnavailable)

	sim.SetAvailable(true)
	health, err = sim.HealthStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.HealthHealthy, health.Status)
	assert.InDelta(t, 1, health.Score(), 0)
}

func TestSimulator_RejectsUnsupportedSpec(t *testing.T) {
	sim := connected(t)

	_, err := sim.GenerateKey(context.Background(), &hsm.KeySpec{KeyType: "RSA_2048"})
	assert.ErrorIs(t, err, hsm.ErrUnsupported)
}

func TestSimulator_Info(t *testing.T) {
	sim := simulator.NewAdapter("", nil)
	info := sim.Info()

	assert.Equal(t, hsm.ProviderSimulator, info.ProviderID)
	assert.Equal(t, 256, info.MaxKeySizeBits)

	cfg := info.Configuration(time.Now())
	assert.Equal(t, storage.HealthUnknown, cfg.HealthStatus)
	assert.Equal(t, []string{"AES-256-GCM"}, cfg.SupportedAlgorithms)

	_, err := sim.GenerateKey(context.Background(), &hsm.KeySpec{KeyType: hsm.KeyTypeAES256})
	assert.ErrorIs(t, err, hsm.ErrUnavailable, "not connected yet")
}
