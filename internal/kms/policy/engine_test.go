package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/kms/policy"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func hour(h int) *int { return &h }

func activeKey(activated time.Time) *storage.KeyMaster {
	return &storage.KeyMaster{
		KeyID:       "key-1",
		KeyType:     storage.KeyTypeDEK,
		Status:      storage.StatusActive,
		CreatedAt:   activated,
		ActivatedAt: &activated,
	}
}

func TestValidatePolicy(t *testing.T) {
	e := policy.NewEngine(storage.NewMemoryStore())

	tests := []struct {
		name string
		p    *storage.RotationPolicy
		ok   bool
	}{
		{"nil", nil, false},
		{"no trigger", &storage.RotationPolicy{KeyType: storage.KeyTypeDEK}, false},
		{"unknown type", &storage.RotationPolicy{KeyType: "FOO", RotationIntervalDays: 30}, false},
		{"negative", &storage.RotationPolicy{KeyType: storage.KeyTypeDEK, RotationIntervalDays: 30, MaxOperations: -1}, false},
		{"half window", &storage.RotationPolicy{KeyType: storage.KeyTypeDEK, RotationIntervalDays: 30, WindowStartHour: hour(2)}, false},
		{"bad hour", &storage.RotationPolicy{KeyType: storage.KeyTypeDEK, MaxOperations: 5, WindowStartHour: hour(2), WindowEndHour: hour(24)}, false},
		{"interval", &storage.RotationPolicy{KeyType: storage.KeyTypeDEK, RotationIntervalDays: 90}, true},
		{"volume with window", &storage.RotationPolicy{KeyType: storage.KeyTypeKEK, MaxDataVolumeMB: 10, WindowStartHour: hour(22), WindowEndHour: hour(4)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.ValidatePolicy(tt.p)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, kmserr.ErrValidation)
		})
	}
}

func TestEvaluate_Interval(t *testing.T) {
	e := policy.NewEngine(storage.NewMemoryStore())
	p := &storage.RotationPolicy{KeyType: storage.KeyTypeDEK, RotationIntervalDays: 30, NotifyDaysBefore: 5, Enabled: true}
	key := activeKey(base)

	d := e.Evaluate(key, p, base.Add(10*24*time.Hour))
	assert.False(t, d.Rotate)
	assert.False(t, d.Due())
	assert.False(t, d.Notify)
	require.NotNil(t, d.DueAt)
	assert.True(t, base.Add(30*24*time.Hour).Equal(*d.DueAt))

	d = e.Evaluate(key, p, base.Add(26*24*time.Hour))
	assert.True(t, d.Notify)
	assert.False(t, d.Rotate)

	d = e.Evaluate(key, p, base.Add(30*24*time.Hour))
	assert.True(t, d.Rotate)
	assert.Equal(t, storage.TriggerScheduled, d.Trigger)

	rotated := base.Add(30 * 24 * time.Hour)
	key.Status = storage.StatusRotated
	key.RotatedAt = &rotated
	d = e.Evaluate(key, p, base.Add(31*24*time.Hour))
	assert.False(t, d.Rotate, "interval restarts at the last rotation")
}

func TestEvaluate_Usage(t *testing.T) {
	e := policy.NewEngine(storage.NewMemoryStore())
	key := activeKey(base)

	p := &storage.RotationPolicy{KeyType: storage.KeyTypeDEK, MaxOperations: 100, Enabled: true}
	key.UsageCount = 99
	assert.False(t, e.Evaluate(key, p, base).Rotate)
	key.UsageCount = 100
	d := e.Evaluate(key, p, base)
	assert.True(t, d.Rotate)
	assert.Equal(t, storage.TriggerUsage, d.Trigger)

	p = &storage.RotationPolicy{KeyType: storage.KeyTypeDEK, MaxDataVolumeMB: 2, Enabled: true}
	key.UsageCount = 0
	key.BytesProcessed = 2<<20 - 1
	assert.False(t, e.Evaluate(key, p, base).Rotate)
	key.BytesProcessed = 2 << 20
	d = e.Evaluate(key, p, base)
	assert.True(t, d.Rotate)
	assert.Equal(t, storage.TriggerUsage, d.Trigger)
}

func TestEvaluate_Window(t *testing.T) {
	e := policy.NewEngine(storage.NewMemoryStore())
	key := activeKey(base)
	key.UsageCount = 10
	p := &storage.RotationPolicy{
		KeyType:         storage.KeyTypeDEK,
		MaxOperations:   10,
		MaxKeyAgeDays:   365,
		WindowStartHour: hour(22),
		WindowEndHour:   hour(4),
		Enabled:         true,
	}

	noon := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	d := e.Evaluate(key, p, noon)
	assert.True(t, d.Due())
	assert.False(t, d.InWindow)
	assert.False(t, d.Rotate)

	for _, h := range []int{22, 23, 0, 3} {
		d = e.Evaluate(key, p, time.Date(2026, 3, 2, h, 30, 0, 0, time.UTC))
		assert.True(t, d.Rotate, "hour %d", h)
	}
	d = e.Evaluate(key, p, time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC))
	assert.False(t, d.Rotate)

	// 合规年龄不受窗口限制
	d = e.Evaluate(key, p, noon.Add(400*24*time.Hour))
	assert.True(t, d.Rotate)
	assert.Equal(t, storage.TriggerCompliance, d.Trigger)
}

func TestEvaluate_Ineligible(t *testing.T) {
	e := policy.NewEngine(storage.NewMemoryStore())
	p := &storage.RotationPolicy{KeyType: storage.KeyTypeDEK, RotationIntervalDays: 1, Enabled: true}
	late := base.Add(48 * time.Hour)

	key := activeKey(base)
	key.Status = storage.StatusRevoked
	assert.False(t, e.Evaluate(key, p, late).Rotate)

	key.Status = storage.StatusActive
	p.Enabled = false
	assert.False(t, e.Evaluate(key, p, late).Rotate)
	assert.False(t, e.Evaluate(key, nil, late).Rotate)
}

func TestLoadPolicy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	e := policy.NewEngine(store)

	_, err := e.LoadPolicy(ctx, storage.KeyTypeDEK)
	assert.ErrorIs(t, err, policy.ErrPolicyNotFound)

	require.NoError(t, store.CreatePolicy(ctx, &storage.RotationPolicy{
		PolicyID: "pol-old", KeyType: storage.KeyTypeDEK, RotationIntervalDays: 90, Enabled: true,
		CreatedAt: base, UpdatedAt: base,
	}))
	require.NoError(t, store.CreatePolicy(ctx, &storage.RotationPolicy{
		PolicyID: "pol-new", KeyType: storage.KeyTypeDEK, RotationIntervalDays: 30, Enabled: true,
		CreatedAt: base, UpdatedAt: base.Add(time.Hour),
	}))
	require.NoError(t, store.CreatePolicy(ctx, &storage.RotationPolicy{
		PolicyID: "pol-off", KeyType: storage.KeyTypeDEK, RotationIntervalDays: 7, Enabled: false,
		CreatedAt: base, UpdatedAt: base.Add(2 * time.Hour),
	}))

	p, err := e.LoadPolicy(ctx, storage.KeyTypeDEK)
	require.NoError(t, err)
	assert.Equal(t, "pol-new", p.PolicyID)

	_, err = e.LoadPolicy(ctx, storage.KeyTypeKEK)
	assert.ErrorIs(t, err, policy.ErrPolicyNotFound)
}
