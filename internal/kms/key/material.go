package key

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"

	"github.com/volatiletech/sqlboiler/v4/types"
	"github.com/awnumar/memguard"
	"github.com/kashguard/keyguard/internal/kms/audit"
	"github.com/kashguard/keyguard/internal/kms/encryption"
	"github.com/kashguard/keyguard/internal/kms/hsm"
	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/kms/securemem"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// rootScope 根包装密钥的 nonce 作用域
const rootScope = "keyguard:root"

// wantsHSM 最高安全级别、HSM 类型或全局配置要求密钥驻留在 HSM
func (s *service) wantsHSM(key *storage.KeyMaster) bool {
	return s.cfg.PreferHSM ||
		key.KeyType == storage.KeyTypeHSM ||
		key.SecurityLevel == storage.SecurityLevelMaximum
}

// fallback HSM 不可用时决定能否退回本地生成，两种结果都会审计
func (s *service) fallback(ctx context.Context, key *storage.KeyMaster, cause error) error {
	s.audit(ctx, &audit.Event{
		EventType:     audit.EventHSMUnavailable,
		Category:      storage.CategorySecurity,
		KeyID:         key.KeyID,
		SecurityLevel: key.SecurityLevel,
		Result:        audit.ResultFailure,
		Details:       map[string]string{"error": cause.Error()},
	})

	if !s.cfg.AllowLocalFallback {
		return kmserr.Securityf("key %s requires an hsm but none is available", key.KeyID)
	}

	s.metrics.HSMFallback()
	s.audit(ctx, &audit.Event{
		EventType:     audit.EventHSMFallback,
		Category:      storage.CategorySecurity,
		KeyID:         key.KeyID,
		SecurityLevel: key.SecurityLevel,
		Details:       map[string]string{"error": cause.Error()},
	})
	log.Warn().Err(cause).Str("key_id", key.KeyID).Msg("HSM unavailable, generating key material locally")
	return nil
}

// newVersion 生成一个尚未激活的版本
func (s *service) newVersion(ctx context.Context, key *storage.KeyMaster, number int) (*storage.KeyVersion, error) {
	if key.HSMResident {
		return s.newHSMVersion(ctx, key, number)
	}
	return s.newLocalVersion(ctx, key, number)
}

func (s *service) newHSMVersion(ctx context.Context, key *storage.KeyMaster, number int) (*storage.KeyVersion, error) {
	if s.hsm == nil {
		return nil, errors.Wrap(hsm.ErrUnavailable, "no hsm provider configured")
	}

	handle, err := s.hsm.GenerateKey(ctx, &hsm.KeySpec{
		KeyType: hsm.KeyTypeAES256,
		KeySize: encryption.KeySize * 8,
		Label:   VersionScope(key.KeyID, number),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate key in hsm")
	}

	var meta types.JSON
	if err := meta.Marshal(encryption.Metadata{Algorithm: AlgorithmHSM}); err != nil {
		return nil, errors.Wrap(err, "failed to encode key metadata")
	}

	return &storage.KeyVersion{
		KeyID:              key.KeyID,
		VersionNumber:      number,
		HSMHandle:          handle,
		KeyChecksum:        checksum([]byte(handle)),
		EncryptionMetadata: meta,
		CreatedAt:          s.clock.Now().UTC(),
	}, nil
}

func (s *service) newLocalVersion(ctx context.Context, key *storage.KeyMaster, number int) (*storage.KeyVersion, error) {
	buf := memguard.NewBufferRandom(encryption.KeySize)
	defer buf.Destroy()
	material := buf.Bytes()

	strength := encryption.ValidateKeyStrength(material)
	if !strength.Valid {
		return nil, kmserr.Securityf("generated key material rejected: %s", strength.Reason)
	}

	wrapped, wm, err := s.wrap(ctx, key, number, material)
	if err != nil {
		return nil, err
	}

	var meta types.JSON
	if err := meta.Marshal(wm); err != nil {
		return nil, errors.Wrap(err, "failed to encode key metadata")
	}

	return &storage.KeyVersion{
		KeyID:              key.KeyID,
		VersionNumber:      number,
		EncryptedKey:       wrapped,
		KeyChecksum:        checksum(material),
		EncryptionMetadata: meta,
		EntropyScore:       strength.Score,
		CreatedAt:          s.clock.Now().UTC(),
	}, nil
}

// wrap 用父密钥当前版本（或根包装密钥）加密密钥材料
// AAD 绑定 key_id 与版本号，防止密文在版本之间替换
func (s *service) wrap(ctx context.Context, key *storage.KeyMaster, number int, material []byte) ([]byte, encryption.Metadata, error) {
	aad := []byte(VersionScope(key.KeyID, number))

	if key.ParentKeyID == "" {
		var res *encryption.EncryptedResult
		err := s.withRootKey(func(root []byte) error {
			var encErr error
			res, encErr = s.engine.Encrypt(rootScope, material, root, aad)
			return encErr
		})
		if err != nil {
			return nil, encryption.Metadata{}, errors.Wrap(err, "failed to wrap with root key")
		}
		meta := res.Metadata()
		meta.WrappedBy = WrappedByRoot
		return res.Ciphertext, meta, nil
	}

	parent, err := s.loadKey(ctx, key.ParentKeyID)
	if err != nil {
		return nil, encryption.Metadata{}, err
	}
	if !parent.Status.CanWrapChildren() {
		return nil, encryption.Metadata{}, kmserr.Securityf("parent key %s is %s", parent.KeyID, parent.Status)
	}
	pv, err := s.loadVersion(ctx, parent.KeyID, 0)
	if err != nil {
		return nil, encryption.Metadata{}, err
	}

	if parent.HSMResident {
		if s.hsm == nil {
			return nil, encryption.Metadata{}, errors.Wrap(hsm.ErrUnavailable, "no hsm provider configured")
		}
		out, err := s.hsm.Encrypt(ctx, pv.HSMHandle, material, aad)
		if err != nil {
			return nil, encryption.Metadata{}, errors.Wrapf(err, "failed to wrap with hsm key %s", parent.KeyID)
		}
		return out, encryption.Metadata{
			Algorithm:          AlgorithmHSM,
			WrappingKeyID:      parent.KeyID,
			WrappingKeyVersion: pv.VersionNumber,
			WrappedBy:          WrappedByHSM,
		}, nil
	}

	pm, err := s.unwrap(ctx, parent, pv)
	if err != nil {
		return nil, encryption.Metadata{}, err
	}
	defer securemem.SecureDelete(pm)

	res, err := s.engine.Encrypt(VersionScope(parent.KeyID, pv.VersionNumber), material, pm, aad)
	if err != nil {
		return nil, encryption.Metadata{}, errors.Wrapf(err, "failed to wrap with key %s", parent.KeyID)
	}
	meta := res.Metadata()
	meta.WrappingKeyID = parent.KeyID
	meta.WrappingKeyVersion = pv.VersionNumber
	meta.WrappedBy = WrappedByKEK
	return res.Ciphertext, meta, nil
}

// unwrap 解包版本的明文材料并校验 checksum，调用方负责清除返回值
func (s *service) unwrap(ctx context.Context, key *storage.KeyMaster, v *storage.KeyVersion) ([]byte, error) {
	if len(v.EncryptedKey) == 0 {
		if v.HSMHandle != "" {
			return nil, kmserr.Securityf("key %s is held by the hsm and cannot be exported", key.KeyID)
		}
		return nil, kmserr.Integrityf("key %s version %d has no key material", key.KeyID, v.VersionNumber)
	}

	var meta encryption.Metadata
	if err := v.EncryptionMetadata.Unmarshal(&meta); err != nil {
		return nil, kmserr.Integrityf("key %s version %d has unreadable metadata", key.KeyID, v.VersionNumber)
	}
	aad := []byte(VersionScope(key.KeyID, v.VersionNumber))

	var (
		material []byte
		err      error
	)
	switch meta.WrappedBy {
	case WrappedByRoot:
		material, err = s.openLocal(func(fn func([]byte) error) error { return s.withRootKey(fn) }, meta, v.EncryptedKey, aad)
	case WrappedByKEK, WrappedByHSM:
		material, err = s.unwrapWithParent(ctx, meta, v.EncryptedKey, aad)
	default:
		return nil, kmserr.Integrityf("key %s version %d has unknown wrapping %q", key.KeyID, v.VersionNumber, meta.WrappedBy)
	}
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(checksum(material)), []byte(v.KeyChecksum)) != 1 {
		securemem.SecureDelete(material)
		return nil, kmserr.Integrityf("key %s version %d checksum mismatch", key.KeyID, v.VersionNumber)
	}
	return material, nil
}

func (s *service) unwrapWithParent(ctx context.Context, meta encryption.Metadata, wrapped, aad []byte) ([]byte, error) {
	parent, err := s.loadKey(ctx, meta.WrappingKeyID)
	if err != nil {
		return nil, err
	}
	if !parent.Status.CanDecrypt() {
		return nil, kmserr.Securityf("wrapping key %s is %s", parent.KeyID, parent.Status)
	}
	pv, err := s.loadVersion(ctx, parent.KeyID, meta.WrappingKeyVersion)
	if err != nil {
		return nil, err
	}

	if meta.WrappedBy == WrappedByHSM {
		if s.hsm == nil {
			return nil, errors.Wrap(hsm.ErrUnavailable, "no hsm provider configured")
		}
		material, err := s.hsm.Decrypt(ctx, pv.HSMHandle, wrapped, aad)
		if err != nil {
			return nil, kmserr.Integrityf("hsm unwrap with key %s failed: %v", parent.KeyID, err)
		}
		return material, nil
	}

	return s.openLocal(func(fn func([]byte) error) error {
		pm, err := s.unwrap(ctx, parent, pv)
		if err != nil {
			return err
		}
		defer securemem.SecureDelete(pm)
		return fn(pm)
	}, meta, wrapped, aad)
}

// openLocal 用 withKey 提供的包装密钥解密
func (s *service) openLocal(withKey func(func([]byte) error) error, meta encryption.Metadata, wrapped, aad []byte) ([]byte, error) {
	iv, tag, err := meta.Decode()
	if err != nil {
		return nil, kmserr.Integrityf("invalid wrapping metadata: %v", err)
	}

	var material []byte
	err = withKey(func(wrappingKey []byte) error {
		res, decErr := s.engine.Decrypt(wrappingKey, iv, wrapped, tag, aad)
		if decErr != nil {
			return kmserr.Integrityf("unwrap failed: %v", decErr)
		}
		material = res.Plaintext
		return nil
	})
	if err != nil {
		return nil, err
	}
	return material, nil
}

func (s *service) withRootKey(fn func([]byte) error) error {
	buf, err := s.rootKey.Open()
	if err != nil {
		return errors.Wrap(kmserr.ErrMemorySecurity, "failed to open root wrapping key")
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// dropHSMKey 清理未能持久化的 HSM 密钥
func (s *service) dropHSMKey(ctx context.Context, v *storage.KeyVersion) {
	if v == nil || v.HSMHandle == "" || s.hsm == nil {
		return
	}
	if err := s.hsm.DeleteKey(ctx, v.HSMHandle); err != nil {
		log.Warn().Err(err).Str("key_id", v.KeyID).Int("version", v.VersionNumber).Msg("Failed to delete orphaned hsm key")
	}
}

// VersionScope 同时用作版本的 nonce 作用域与包装 AAD，NonceStats 按它查询
func VersionScope(keyID string, version int) string {
	return keyID + ":v" + strconv.Itoa(version)
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
