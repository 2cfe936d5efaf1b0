package keys_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/api/httperrors"
	"github.com/kashguard/keyguard/internal/kms/key"
	"github.com/kashguard/keyguard/internal/kms/nonce"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/kashguard/keyguard/internal/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listResponse struct {
	Keys []struct {
		KeyID       string `json:"key_id"`
		KeyType     string `json:"key_type"`
		Status      string `json:"status"`
		ParentKeyID string `json:"parent_key_id"`
	} `json:"keys"`
	Total int `json:"total"`
}

func TestGetListKeys(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		ctx := context.Background()
		kek, err := s.KeyService.CreateMasterKey(ctx, &key.CreateKeyRequest{KeyType: storage.KeyTypeKEK})
		require.NoError(t, err)
		dek, err := s.KeyService.CreateMasterKey(ctx, &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK, ParentKeyID: kek.KeyID})
		require.NoError(t, err)

		res := test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/keys", nil, nil)
		require.Equal(t, http.StatusOK, res.Code)
		var all listResponse
		test.ParseResponseBody(t, res, &all)
		assert.Equal(t, 2, all.Total)

		res = test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/keys?parent_key_id="+kek.KeyID, nil, nil)
		require.Equal(t, http.StatusOK, res.Code)
		var children listResponse
		test.ParseResponseBody(t, res, &children)
		require.Len(t, children.Keys, 1)
		assert.Equal(t, dek.KeyID, children.Keys[0].KeyID)
		assert.Equal(t, string(storage.KeyTypeDEK), children.Keys[0].KeyType)
		assert.Equal(t, string(storage.StatusActive), children.Keys[0].Status)

		res = test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/keys?limit=-1", nil, nil)
		test.RequireHTTPError(t, res, httperrors.NewHTTPError(http.StatusBadRequest, "validation", "the request is invalid"))
	})
}

func TestGetKey(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		ctx := context.Background()
		k, err := s.KeyService.CreateMasterKey(ctx, &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK, Description: "orders"})
		require.NoError(t, err)
		_, err = s.KeyService.RotateKey(ctx, k.KeyID, storage.TriggerManual, "inspection test")
		require.NoError(t, err)

		res := test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/keys/"+k.KeyID, nil, nil)
		require.Equal(t, http.StatusOK, res.Code)
		assert.NotContains(t, res.Body.String(), "encrypted_key")
		assert.NotContains(t, res.Body.String(), "EncryptedKey")

		var got struct {
			KeyID          string `json:"key_id"`
			Description    string `json:"description"`
			Status         string `json:"status"`
			CurrentVersion int    `json:"current_version"`
			Versions       []struct {
				Version     int    `json:"version"`
				KeyChecksum string `json:"key_checksum"`
			} `json:"versions"`
		}
		test.ParseResponseBody(t, res, &got)
		assert.Equal(t, k.KeyID, got.KeyID)
		assert.Equal(t, "orders", got.Description)
		assert.Equal(t, string(storage.StatusRotated), got.Status)
		assert.Equal(t, 2, got.CurrentVersion)
		require.Len(t, got.Versions, 2)
		assert.NotEmpty(t, got.Versions[0].KeyChecksum)
	})
}

func TestGetKey_NotFound(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		res := test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/keys/key-missing", nil, nil)
		test.RequireHTTPError(t, res, httperrors.NewHTTPError(http.StatusNotFound, "key_not_found", "key not found"))
		assert.NotContains(t, res.Body.String(), "key-missing")
	})
}

func TestGetNonceStats(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		ctx := context.Background()
		k, err := s.KeyService.CreateMasterKey(ctx, &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK})
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err := s.KeyService.Encrypt(ctx, &key.EncryptRequest{KeyID: k.KeyID, Plaintext: []byte("n")})
			require.NoError(t, err)
		}

		res := test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/keys/"+k.KeyID+"/nonces", nil, nil)
		require.Equal(t, http.StatusOK, res.Code)
		var stats nonce.Stats
		test.ParseResponseBody(t, res, &stats)
		assert.Equal(t, key.VersionScope(k.KeyID, 1), stats.KeyID)
		assert.EqualValues(t, 3, stats.Generated)
		assert.Zero(t, stats.Collisions)

		res = test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/keys/"+k.KeyID+"/nonces?version=9", nil, nil)
		require.Equal(t, http.StatusOK, res.Code)
		var empty nonce.Stats
		test.ParseResponseBody(t, res, &empty)
		assert.Zero(t, empty.Generated)

		res = test.PerformRequest(t, s, http.MethodGet, "/api/v1/inspect/keys/key-missing/nonces", nil, nil)
		assert.Equal(t, http.StatusNotFound, res.Code)
	})
}
