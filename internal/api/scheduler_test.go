package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/kms/key"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/kashguard/keyguard/internal/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSweep(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		ctx := context.Background()
		clock, ok := s.Clock.(*time2.MockClock)
		require.True(t, ok)

		_, err := s.KeyService.CreateRotationPolicy(ctx, &storage.RotationPolicy{
			Name:                 "dek-weekly",
			KeyType:              storage.KeyTypeDEK,
			RotationIntervalDays: 7,
			AutoRotate:           true,
			Enabled:              true,
		})
		require.NoError(t, err)

		expiresAt := clock.Now().Add(24 * time.Hour)
		rotating, err := s.KeyService.CreateMasterKey(ctx, &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK})
		require.NoError(t, err)
		expiring, err := s.KeyService.CreateMasterKey(ctx, &key.CreateKeyRequest{KeyType: storage.KeyTypeKEK, ExpiresAt: &expiresAt})
		require.NoError(t, err)

		report, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Rotations.Rotated)
		assert.Zero(t, report.Expired)

		clock.Advance(8 * 24 * time.Hour)
		report, err = s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Rotations.Rotated)
		assert.Equal(t, 1, report.Expired)

		got, _, err := s.KeyService.GetKeyByID(ctx, rotating.KeyID)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusRotated, got.Status)
		got, _, err = s.KeyService.GetKeyByID(ctx, expiring.KeyID)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusExpired, got.Status)
	})
}

func TestRunScheduler_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	test.WithTestServer(t, func(s *api.Server) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.RunScheduler(ctx)
		}()

		time.Sleep(30 * time.Millisecond)
		cancel()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	})
}
