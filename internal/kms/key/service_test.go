package key_test

import (
	"context"
	"testing"
	"time"

	"github.com/kashguard/keyguard/internal/kms/audit"
	"github.com/kashguard/keyguard/internal/kms/encryption"
	"github.com/kashguard/keyguard/internal/kms/key"
	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/kms/securemem"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := key.NewService(key.Config{}, key.Deps{})
	require.Error(t, err)
}

func TestCreateMasterKey_Root(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	k := env.createKey(t, &key.CreateKeyRequest{KeyType: storage.KeyTypeKEK, Description: "tenant root"})
	assert.Regexp(t, `^key-[0-9a-f-]{36}$`, k.KeyID)
	assert.Equal(t, storage.StatusActive, k.Status)
	assert.Equal(t, encryption.AlgorithmAES256GCM, k.Algorithm)
	assert.Equal(t, 256, k.KeySizeBits)
	assert.Equal(t, storage.SecurityLevelStandard, k.SecurityLevel)
	assert.False(t, k.HSMResident)
	require.NotNil(t, k.ActivatedAt)

	versions, err := env.svc.ListVersions(ctx, k.KeyID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	v := versions[0]
	assert.True(t, v.IsCurrent())
	assert.NotEmpty(t, v.EncryptedKey)
	assert.Len(t, v.KeyChecksum, 64)
	assert.Positive(t, v.EntropyScore)

	var meta encryption.Metadata
	require.NoError(t, v.EncryptionMetadata.Unmarshal(&meta))
	assert.Equal(t, key.WrappedByRoot, meta.WrappedBy)
	assert.Empty(t, meta.WrappingKeyID)

	material, err := env.svc.GetKeyMaterial(ctx, k.KeyID, 0)
	require.NoError(t, err)
	assert.Len(t, material, encryption.KeySize)
	assert.True(t, securemem.SecureDelete(material))

	assert.Equal(t, []string{audit.EventKeyCreated, audit.EventKeyActivated, audit.EventKeyAccessed}, env.events(t, k.KeyID))

	res, err := env.trail.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestCreateMasterKey_Validation(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	dek := env.createKey(t, &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK})
	past := epoch.Add(-time.Hour)

	tests := []struct {
		name string
		req  *key.CreateKeyRequest
		kind kmserr.Kind
	}{
		{"nil", nil, kmserr.KindValidation},
		{"unknown type", &key.CreateKeyRequest{KeyType: "RSA"}, kmserr.KindValidation},
		{"algorithm", &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK, Algorithm: "ChaCha20"}, kmserr.KindValidation},
		{"level", &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK, SecurityLevel: "SECRET"}, kmserr.KindValidation},
		{"expiry in past", &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK, ExpiresAt: &past}, kmserr.KindValidation},
		{"negative usage", &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK, MaxUsageCount: -1}, kmserr.KindValidation},
		{"dek cannot wrap", &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK, ParentKeyID: dek.KeyID}, kmserr.KindValidation},
		{"missing parent", &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK, ParentKeyID: "key-missing"}, kmserr.KindKeyNotFound},
		{"hsm without provider", &key.CreateKeyRequest{KeyType: storage.KeyTypeHSM}, kmserr.KindSecurity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateMasterKey(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, kmserr.KindOf(err))
		})
	}
}

func TestKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	k := env.createKey(t, &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK, StartPending: true})
	assert.Equal(t, storage.StatusPending, k.Status)

	_, err := env.svc.Encrypt(ctx, &key.EncryptRequest{KeyID: k.KeyID, Plaintext: []byte("x")})
	assert.ErrorIs(t, err, kmserr.ErrSecurity)

	require.NoError(t, env.svc.ActivateKey(ctx, k.KeyID))
	enc, err := env.svc.Encrypt(ctx, &key.EncryptRequest{KeyID: k.KeyID, Plaintext: []byte("payload")})
	require.NoError(t, err)

	// active 不能直接归档
	err = env.svc.ArchiveKey(ctx, k.KeyID)
	assert.ErrorIs(t, err, kmserr.ErrValidation)

	_, err = env.svc.RotateKey(ctx, k.KeyID, storage.TriggerManual, "before archive")
	require.NoError(t, err)
	require.NoError(t, env.svc.ArchiveKey(ctx, k.KeyID))

	got, found, err := env.svc.GetKeyByID(ctx, k.KeyID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, storage.StatusArchived, got.Status)

	_, err = env.svc.Encrypt(ctx, &key.EncryptRequest{KeyID: k.KeyID, Plaintext: []byte("x")})
	assert.ErrorIs(t, err, kmserr.ErrSecurity)

	dec, err := env.svc.Decrypt(ctx, key.DecryptRequestFromBlob(enc.Blob()))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), dec.Plaintext)

	// 终态不能再变化
	err = env.svc.RevokeKey(ctx, k.KeyID, "too late")
	assert.ErrorIs(t, err, kmserr.ErrValidation)

	_, found, err = env.svc.GetKeyByID(ctx, "key-missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.ErrorIs(t, env.svc.ActivateKey(ctx, "key-missing"), kmserr.ErrKeyNotFound)
}

func TestRevokeKey(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	kek := env.createKey(t, &key.CreateKeyRequest{KeyType: storage.KeyTypeKEK})
	dek := env.createKey(t, &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK, ParentKeyID: kek.KeyID})

	enc, err := env.svc.Encrypt(ctx, &key.EncryptRequest{KeyID: dek.KeyID, Plaintext: []byte("secret")})
	require.NoError(t, err)

	require.NoError(t, env.svc.RevokeKey(ctx, kek.KeyID, "compromised"))

	// 父密钥吊销后子密钥无法解包
	_, err = env.svc.Decrypt(ctx, key.DecryptRequestFromBlob(enc.Blob()))
	assert.ErrorIs(t, err, kmserr.ErrSecurity)

	_, err = env.svc.CreateMasterKey(ctx, &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK, ParentKeyID: kek.KeyID})
	assert.ErrorIs(t, err, kmserr.ErrSecurity)

	_, err = env.svc.GetKeyMaterial(ctx, kek.KeyID, 0)
	assert.ErrorIs(t, err, kmserr.ErrSecurity)

	records, err := env.trail.Query(ctx, &storage.AuditFilter{KeyID: kek.KeyID, EventType: audit.EventKeyRevoked})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, storage.CategorySecurity, records[0].EventCategory)
	assert.Equal(t, "compromised", records[0].Details["reason"])
}

func TestHierarchy_PinnedDecryptAcrossRotations(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	kek := env.createKey(t, &key.CreateKeyRequest{KeyType: storage.KeyTypeKEK, SecurityLevel: storage.SecurityLevelHigh})
	dek := env.createKey(t, &key.CreateKeyRequest{KeyType: storage.KeyTypeDEK, ParentKeyID: kek.KeyID})

	encCtx := map[string]string{"tenant": "acme", "table": "invoices"}
	first, err := env.svc.Encrypt(ctx, &key.EncryptRequest{KeyID: dek.KeyID, Plaintext: []byte("invoice #1"), EncryptionContext: encCtx})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	rot, err := env.svc.RotateKey(ctx, dek.KeyID, storage.TriggerManual, "quarterly")
	require.NoError(t, err)
	assert.True(t, rot.Success)
	assert.Equal(t, 1, rot.OldVersion)
	assert.Equal(t, 2, rot.NewVersion)

	second, err := env.svc.Encrypt(ctx, &key.EncryptRequest{KeyID: dek.KeyID, Plaintext: []byte("invoice #2"), EncryptionContext: encCtx})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	// KEK 轮换后旧的 DEK 版本仍由 KEK v1 解包
	_, err = env.svc.RotateKey(ctx, kek.KeyID, storage.TriggerCompliance, "")
	require.NoError(t, err)

	blob, err := encryption.ParseBlobString(first.Blob().String())
	require.NoError(t, err)
	dec, err := env.svc.Decrypt(ctx, key.DecryptRequestFromBlob(blob))
	require.NoError(t, err)
	assert.Equal(t, []byte("invoice #1"), dec.Plaintext)
	assert.Equal(t, 1, dec.Version)

	dec, err = env.svc.Decrypt(ctx, key.DecryptRequestFromBlob(second.Blob()))
	require.NoError(t, err)
	assert.Equal(t, []byte("invoice #2"), dec.Plaintext)

	// 新的 DEK 版本由 KEK v2 包装
	_, err = env.svc.RotateKey(ctx, dek.KeyID, storage.TriggerManual, "")
	require.NoError(t, err)
	versions, err := env.svc.ListVersions(ctx, dek.KeyID)
	require.NoError(t, err)
	require.Len(t, versions, 3)

	var meta encryption.Metadata
	require.NoError(t, versions[0].EncryptionMetadata.Unmarshal(&meta))
	assert.Equal(t, key.WrappedByKEK, meta.WrappedBy)
	assert.Equal(t, kek.KeyID, meta.WrappingKeyID)
	assert.Equal(t, 1, meta.WrappingKeyVersion)
	require.NoError(t, versions[2].EncryptionMetadata.Unmarshal(&meta))
	assert.Equal(t, 2, meta.WrappingKeyVersion)

	assert.False(t, versions[0].IsCurrent())
	assert.NotNil(t, versions[0].DeactivatedAt)
	assert.True(t, versions[2].IsCurrent())

	// 版本号必须存在且激活过
	_, err = env.svc.Decrypt(ctx, &key.DecryptRequest{KeyID: dek.KeyID, Version: 9, Ciphertext: []byte("x")})
	assert.ErrorIs(t, err, kmserr.ErrKeyNotFound)

	got, _, err := env.svc.GetKeyByID(ctx, dek.KeyID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRotated, got.Status)

	res, err := env.trail.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestClose(t *testing.T) {
	env := newEnv(t, withHSM())
	require.NoError(t, env.svc.Close(context.Background()))

	health, err := env.hsm.HealthStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, storage.HealthDegraded, health.Status)
}
