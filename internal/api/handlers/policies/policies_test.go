package policies_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/kashguard/keyguard/internal/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetListPolicies(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		ctx := context.Background()
		start, end := 22, 4
		_, err := s.KeyService.CreateRotationPolicy(ctx, &storage.RotationPolicy{
			Name:                 "kek-night",
			KeyType:              storage.KeyTypeKEK,
			RotationIntervalDays: 90,
			WindowStartHour:      &start,
			WindowEndHour:        &end,
			AutoRotate:           true,
			Enabled:              true,
		})
		require.NoError(t, err)
		_, err = s.KeyService.CreateRotationPolicy(ctx, &storage.RotationPolicy{
			Name:          "dek-ops",
			KeyType:       storage.KeyTypeDEK,
			MaxOperations: 1000,
			Enabled:       false,
		})
		require.NoError(t, err)

		res := test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/policies?key_type=KEK", nil, nil)
		require.Equal(t, http.StatusOK, res.Code)
		var got struct {
			Policies []struct {
				Name                 string `json:"name"`
				RotationIntervalDays int    `json:"rotation_interval_days"`
				WindowStartHour      *int   `json:"window_start_hour"`
				WindowEndHour        *int   `json:"window_end_hour"`
				AutoRotate           bool   `json:"auto_rotate"`
			} `json:"policies"`
		}
		test.ParseResponseBody(t, res, &got)
		require.Len(t, got.Policies, 1)
		assert.Equal(t, "kek-night", got.Policies[0].Name)
		assert.Equal(t, 90, got.Policies[0].RotationIntervalDays)
		require.NotNil(t, got.Policies[0].WindowStartHour)
		assert.Equal(t, 22, *got.Policies[0].WindowStartHour)
		assert.Equal(t, 4, *got.Policies[0].WindowEndHour)

		res = test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/policies?enabled=true", nil, nil)
		require.Equal(t, http.StatusOK, res.Code)
		var enabled struct {
			Policies []struct {
				Name string `json:"name"`
			} `json:"policies"`
		}
		test.ParseResponseBody(t, res, &enabled)
		require.Len(t, enabled.Policies, 1)
		assert.Equal(t, "kek-night", enabled.Policies[0].Name)
	})
}
