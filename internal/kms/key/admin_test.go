package key_test

import (
	"context"
	"testing"

	"github.com/kashguard/keyguard/internal/kms/audit"
	"github.com/kashguard/keyguard/internal/kms/key"
	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotationPolicies(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	_, err := env.svc.CreateRotationPolicy(ctx, &storage.RotationPolicy{Name: "empty", KeyType: storage.KeyTypeDEK, Enabled: true})
	assert.ErrorIs(t, err, kmserr.ErrValidation)

	created, err := env.svc.CreateRotationPolicy(ctx, &storage.RotationPolicy{
		Name:                 "kek-yearly",
		KeyType:              storage.KeyTypeKEK,
		RotationIntervalDays: 365,
		Enabled:              true,
	})
	require.NoError(t, err)
	assert.Regexp(t, `^pol-`, created.PolicyID)
	assert.Equal(t, epoch, created.CreatedAt)

	_, err = env.svc.CreateRotationPolicy(ctx, created)
	assert.ErrorIs(t, err, kmserr.ErrValidation)

	env.clock.Advance(day)
	update := *created
	update.RotationIntervalDays = 180
	update.AutoRotate = true
	updated, err := env.svc.UpdateRotationPolicy(ctx, &update)
	require.NoError(t, err)
	assert.Equal(t, epoch, updated.CreatedAt)
	assert.Equal(t, epoch.Add(day), updated.UpdatedAt)

	missing := update
	missing.PolicyID = "pol-missing"
	_, err = env.svc.UpdateRotationPolicy(ctx, &missing)
	assert.ErrorIs(t, err, kmserr.ErrValidation)

	policies, err := env.svc.ListRotationPolicies(ctx, &storage.PolicyFilter{KeyType: storage.KeyTypeKEK})
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, 180, policies[0].RotationIntervalDays)
	assert.True(t, policies[0].AutoRotate)

	records, err := env.trail.Query(ctx, &storage.AuditFilter{Category: storage.CategoryCompliance})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, audit.EventPolicyCreated, records[0].EventType)
	assert.Equal(t, audit.EventPolicyUpdated, records[1].EventType)
}

func TestRegisterHSM(t *testing.T) {
	ctx := context.Background()

	t.Run("without provider", func(t *testing.T) {
		env := newEnv(t)
		_, err := env.svc.RegisterHSM(ctx)
		assert.ErrorIs(t, err, kmserr.ErrValidation)

		configs, err := env.svc.HSMHealth(ctx)
		require.NoError(t, err)
		assert.Empty(t, configs)
	})

	t.Run("healthy simulator", func(t *testing.T) {
		env := newEnv(t, withHSM())

		cfg, err := env.svc.RegisterHSM(ctx)
		require.NoError(t, err)
		assert.Equal(t, "sim-test", cfg.ProviderID)
		assert.Equal(t, storage.HealthHealthy, cfg.HealthStatus)
		assert.True(t, cfg.AuditAll)
		assert.False(t, cfg.AllowLocalFallback)

		records, err := env.trail.Query(ctx, &storage.AuditFilter{EventType: audit.EventHSMRegistered})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "healthy", records[0].Details["health"])

		env.hsm.SetAvailable(false)
		configs, err := env.svc.HSMHealth(ctx)
		require.NoError(t, err)
		require.Len(t, configs, 1)
		assert.Equal(t, storage.HealthUnavailable, configs[0].HealthStatus)
		assert.Equal(t, "simulator offline", configs[0].HealthDetail)
	})

	t.Run("offline simulator", func(t *testing.T) {
		env := newEnv(t, withHSM())
		env.hsm.SetAvailable(false)

		_, err := env.svc.RegisterHSM(ctx)
		require.Error(t, err)

		configs, err := env.svc.HSMHealth(ctx)
		require.NoError(t, err)
		require.Len(t, configs, 1)
		assert.Equal(t, storage.HealthUnavailable, configs[0].HealthStatus)

		records, err := env.trail.Query(ctx, &storage.AuditFilter{EventType: audit.EventHSMUnavailable})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, storage.CategorySecurity, records[0].EventCategory)
	})
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	k := env.createKey(t, &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK})

	_, err := env.svc.Encrypt(ctx, &key.EncryptRequest{KeyID: k.KeyID, Plaintext: []byte("x")})
	require.NoError(t, err)

	stats := env.svc.MemoryStats()
	assert.Zero(t, stats.ActiveBuffers)
	assert.Positive(t, stats.TotalAllocated)
	assert.Equal(t, stats.TotalAllocated, stats.TotalCleared)
}
