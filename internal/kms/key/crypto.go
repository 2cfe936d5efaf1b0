package key

import (
	"context"

	"github.com/kashguard/keyguard/internal/kms/audit"
	"github.com/kashguard/keyguard/internal/kms/encryption"
	"github.com/kashguard/keyguard/internal/kms/hsm"
	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/kms/securemem"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/kashguard/keyguard/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	opEncrypt = "encrypt"
	opDecrypt = "decrypt"
)

// Encrypt 使用密钥的当前版本加密数据
// 加密前先记录使用量，超过 max_usage_count 时拒绝
func (s *service) Encrypt(ctx context.Context, req *EncryptRequest) (*EncryptResponse, error) {
	resp, key, err := s.encrypt(ctx, req)
	s.metrics.CryptoOperation(opEncrypt, err)
	s.nonceMetrics(err)

	if key != nil {
		details := map[string]string{"bytes": itoa(len(req.Plaintext))}
		if resp != nil {
			details["version"] = itoa(resp.Version)
		}
		s.audit(ctx, &audit.Event{
			EventType:     audit.EventKeyEncrypt,
			Category:      categoryFor(err),
			KeyID:         key.KeyID,
			SecurityLevel: key.SecurityLevel,
			Result:        result(err),
			Details:       details,
		})
	}
	return resp, err
}

func (s *service) encrypt(ctx context.Context, req *EncryptRequest) (*EncryptResponse, *storage.KeyMaster, error) {
	if req == nil {
		return nil, nil, kmserr.Validation("encrypt request is required")
	}
	key, err := s.loadKey(ctx, req.KeyID)
	if err != nil {
		return nil, nil, err
	}
	if !key.Status.CanEncrypt() {
		return nil, key, kmserr.Securityf("key %s is %s and cannot encrypt", key.KeyID, key.Status)
	}

	aad, err := encryption.ContextAAD(req.EncryptionContext)
	if err != nil {
		return nil, key, err
	}

	v, err := s.loadVersion(ctx, key.KeyID, 0)
	if err != nil {
		return nil, key, err
	}

	if err := s.store.RecordUsage(ctx, key.KeyID, 1, int64(len(req.Plaintext))); err != nil {
		if errors.Is(err, storage.ErrUsageLimitExceeded) {
			s.audit(ctx, &audit.Event{
				EventType:     audit.EventUsageExceeded,
				Category:      storage.CategorySecurity,
				KeyID:         key.KeyID,
				SecurityLevel: key.SecurityLevel,
				Result:        audit.ResultFailure,
				Details:       map[string]string{"max_usage_count": itoa(int(key.MaxUsageCount))},
			})
			return nil, key, kmserr.Securityf("key %s reached its usage limit", key.KeyID)
		}
		return nil, key, errors.Wrap(err, "failed to record key usage")
	}

	resp, err := s.seal(ctx, key, v, req, aad)
	if err != nil {
		// 失败的加密不占用配额，也不计入轮换触发量
		s.releaseUsage(ctx, key.KeyID, int64(len(req.Plaintext)))
		return nil, key, err
	}
	return resp, key, nil
}

// seal 使用当前版本加密，HSM 驻留密钥交给 HSM 处理
func (s *service) seal(ctx context.Context, key *storage.KeyMaster, v *storage.KeyVersion, req *EncryptRequest, aad []byte) (*EncryptResponse, error) {
	resp := &EncryptResponse{
		KeyID:             key.KeyID,
		Version:           v.VersionNumber,
		EncryptionContext: req.EncryptionContext,
	}

	if key.HSMResident {
		if s.hsm == nil {
			return nil, errors.Wrap(hsm.ErrUnavailable, "no hsm provider configured")
		}
		out, err := s.hsm.Encrypt(ctx, v.HSMHandle, req.Plaintext, aad)
		if err != nil {
			return nil, errors.Wrap(err, "hsm encryption failed")
		}
		resp.Algorithm = AlgorithmHSM
		resp.Ciphertext = out
		return resp, nil
	}

	material, err := s.unwrap(ctx, key, v)
	if err != nil {
		return nil, err
	}
	defer securemem.SecureDelete(material)

	res, err := s.engine.Encrypt(VersionScope(key.KeyID, v.VersionNumber), req.Plaintext, material, aad)
	if err != nil {
		return nil, err
	}
	resp.Algorithm = res.Algorithm
	resp.Ciphertext = res.Ciphertext
	resp.Nonce = res.Nonce
	resp.Tag = res.Tag
	return resp, nil
}

func (s *service) releaseUsage(ctx context.Context, keyID string, bytes int64) {
	if err := s.store.ReleaseUsage(context.WithoutCancel(ctx), keyID, 1, bytes); err != nil {
		log.Error().Err(err).Str("key_id", keyID).Msg("Failed to release key usage after failed encryption")
	}
}

// Decrypt 使用请求中指定的版本解密，Version 为 0 时使用当前版本
func (s *service) Decrypt(ctx context.Context, req *DecryptRequest) (*DecryptResponse, error) {
	resp, key, err := s.decrypt(ctx, req)
	s.metrics.CryptoOperation(opDecrypt, err)

	if key != nil {
		details := map[string]string{}
		if req.Version > 0 {
			details["version"] = itoa(req.Version)
		}
		s.audit(ctx, &audit.Event{
			EventType:     audit.EventKeyDecrypt,
			Category:      categoryFor(err),
			KeyID:         key.KeyID,
			SecurityLevel: key.SecurityLevel,
			Result:        result(err),
			Details:       details,
		})
	}
	return resp, err
}

func (s *service) decrypt(ctx context.Context, req *DecryptRequest) (*DecryptResponse, *storage.KeyMaster, error) {
	if req == nil {
		return nil, nil, kmserr.Validation("decrypt request is required")
	}
	key, err := s.loadKey(ctx, req.KeyID)
	if err != nil {
		return nil, nil, err
	}
	if !key.Status.CanDecrypt() {
		return nil, key, kmserr.Securityf("key %s is %s and cannot decrypt", key.KeyID, key.Status)
	}

	aad, err := encryption.ContextAAD(req.EncryptionContext)
	if err != nil {
		return nil, key, err
	}

	v, err := s.loadVersion(ctx, key.KeyID, req.Version)
	if err != nil {
		return nil, key, err
	}
	resp := &DecryptResponse{KeyID: key.KeyID, Version: v.VersionNumber}

	if key.HSMResident {
		if req.Algorithm != "" && req.Algorithm != AlgorithmHSM {
			return nil, key, kmserr.Validationf("unexpected algorithm %q for hsm key", req.Algorithm)
		}
		if s.hsm == nil {
			return nil, key, errors.Wrap(hsm.ErrUnavailable, "no hsm provider configured")
		}
		pt, err := s.hsm.Decrypt(ctx, v.HSMHandle, req.Ciphertext, aad)
		if err != nil {
			return nil, key, kmserr.Security("message authentication failed")
		}
		resp.Plaintext = pt
		return resp, key, nil
	}

	if req.Algorithm != "" && req.Algorithm != encryption.AlgorithmAES256GCM {
		return nil, key, kmserr.Validationf("unexpected algorithm %q", req.Algorithm)
	}

	material, err := s.unwrap(ctx, key, v)
	if err != nil {
		return nil, key, err
	}
	defer securemem.SecureDelete(material)

	res, err := s.engine.Decrypt(material, req.Nonce, req.Ciphertext, req.Tag, aad)
	if err != nil {
		return nil, key, err
	}
	resp.Plaintext = res.Plaintext
	return resp, key, nil
}

func (s *service) nonceMetrics(err error) {
	switch {
	case errors.Is(err, kmserr.ErrNonceExhaustion):
		s.metrics.NonceEvent(metrics.NonceExhaustion)
	case errors.Is(err, kmserr.ErrNonceCollision):
		s.metrics.NonceEvent(metrics.NonceCollision)
	}
}

// categoryFor 安全相关的失败记为 SECURITY 事件
func categoryFor(err error) storage.EventCategory {
	switch kmserr.KindOf(err) {
	case kmserr.KindSecurity, kmserr.KindIntegrity, kmserr.KindNonceCollision, kmserr.KindNonceExhaustion:
		return storage.CategorySecurity
	}
	return storage.CategoryLifecycle
}
