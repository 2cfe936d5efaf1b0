package audit_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/api/httperrors"
	"github.com/kashguard/keyguard/internal/kms/audit"
	"github.com/kashguard/keyguard/internal/kms/key"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/kashguard/keyguard/internal/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logsResponse struct {
	Events []struct {
		LogID         int64  `json:"log_id"`
		EventType     string `json:"event_type"`
		EventCategory string `json:"event_category"`
		KeyID         string `json:"key_id"`
		LogHash       string `json:"log_hash"`
		PreviousHash  string `json:"previous_hash"`
	} `json:"events"`
	Total int `json:"total"`
}

func TestGetAuditLogs(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		ctx := context.Background()
		k, err := s.KeyService.CreateMasterKey(ctx, &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK})
		require.NoError(t, err)
		_, err = s.KeyService.Encrypt(ctx, &key.EncryptRequest{KeyID: k.KeyID, Plaintext: []byte("a")})
		require.NoError(t, err)

		res := test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/audit/logs?key_id="+k.KeyID+"&event_type="+audit.EventKeyCreated, nil, nil)
		require.Equal(t, http.StatusOK, res.Code)
		var created logsResponse
		test.ParseResponseBody(t, res, &created)
		require.Equal(t, 1, created.Total)
		assert.Equal(t, k.KeyID, created.Events[0].KeyID)
		assert.NotEmpty(t, created.Events[0].LogHash)

		res = test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/audit/logs", nil, nil)
		require.Equal(t, http.StatusOK, res.Code)
		var all logsResponse
		test.ParseResponseBody(t, res, &all)
		require.GreaterOrEqual(t, all.Total, 2)
		for i := 1; i < len(all.Events); i++ {
			assert.Equal(t, all.Events[i-1].LogHash, all.Events[i].PreviousHash)
			assert.Greater(t, all.Events[i].LogID, all.Events[i-1].LogID)
		}

		res = test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/audit/logs?since=yesterday", nil, nil)
		test.RequireHTTPError(t, res, httperrors.NewHTTPError(http.StatusBadRequest, "validation", "the request is invalid"))
	})
}

func TestGetVerifyChain(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := s.KeyService.CreateMasterKey(ctx, &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK})
			require.NoError(t, err)
		}

		res := test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/audit/verify", nil, nil)
		require.Equal(t, http.StatusOK, res.Code)
		var got struct {
			Valid         bool  `json:"valid"`
			Checked       int   `json:"checked"`
			FirstBrokenID int64 `json:"first_broken_id"`
		}
		test.ParseResponseBody(t, res, &got)
		assert.True(t, got.Valid)
		assert.GreaterOrEqual(t, got.Checked, 3)
		assert.Zero(t, got.FirstBrokenID)

		res = test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/audit/verify?from=5&to=2", nil, nil)
		assert.Equal(t, http.StatusBadRequest, res.Code)
	})
}
