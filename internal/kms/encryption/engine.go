// Package encryption 实现 AES-256-GCM 认证加密引擎
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"

	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/kms/nonce"
	"github.com/kashguard/keyguard/internal/kms/securemem"
	"github.com/pkg/errors"
)

// 固定参数，不可配置
const (
	AlgorithmAES256GCM = "AES-256-GCM"

	KeySize   = 32
	NonceSize = 12
	TagSize   = 16

	DefaultMaxPlaintextSize = 64 << 20
	DefaultMaxAADSize       = 64 << 10
)

// Config 引擎配置
type Config struct {
	MaxPlaintextSize int
	MaxAADSize       int
}

// Engine AES-256-GCM 引擎
// nonce 总是由 nonce.Manager 分配，调用方无法传入
type Engine struct {
	cfg    Config
	nonces *nonce.Manager
	mem    *securemem.Allocator
}

// NewEngine 创建加密引擎
func NewEngine(cfg Config, nonces *nonce.Manager, mem *securemem.Allocator) *Engine {
	if cfg.MaxPlaintextSize <= 0 {
		cfg.MaxPlaintextSize = DefaultMaxPlaintextSize
	}
	if cfg.MaxAADSize <= 0 {
		cfg.MaxAADSize = DefaultMaxAADSize
	}
	return &Engine{cfg: cfg, nonces: nonces, mem: mem}
}

// Encrypt 加密 plaintext 并认证 aad
// keyID 为 nonce 作用域；为空时使用密钥指纹
func (e *Engine) Encrypt(keyID string, plaintext, key, aad []byte) (*EncryptedResult, error) {
	if len(key) != KeySize {
		return nil, kmserr.Validationf("key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(plaintext) > e.cfg.MaxPlaintextSize {
		return nil, kmserr.Securityf("plaintext of %d bytes exceeds limit of %d", len(plaintext), e.cfg.MaxPlaintextSize)
	}
	if len(aad) > e.cfg.MaxAADSize {
		return nil, kmserr.Securityf("aad of %d bytes exceeds limit of %d", len(aad), e.cfg.MaxAADSize)
	}
	if s := ValidateKeyStrength(key); !s.Valid {
		return nil, kmserr.Securityf("key rejected by strength check: %s", s.Reason)
	}

	scope := keyID
	if scope == "" {
		scope = Fingerprint(key)
	}

	iv, err := e.nonces.GenerateNonce(scope, NonceSize)
	if err != nil {
		return nil, err
	}

	var sealed []byte
	err = e.withGCM(key, func(gcm cipher.AEAD) error {
		sealed = gcm.Seal(nil, iv, plaintext, aad)
		return nil
	})
	if err != nil {
		return nil, err
	}

	split := len(sealed) - TagSize
	return &EncryptedResult{
		Ciphertext: sealed[:split:split],
		Nonce:      iv,
		Tag:        sealed[split:],
		Algorithm:  AlgorithmAES256GCM,
	}, nil
}

// Decrypt 校验并解密
// 认证失败时 IntegrityVerified 为 false，不返回任何明文
func (e *Engine) Decrypt(key, iv, ciphertext, tag, aad []byte) (*DecryptedResult, error) {
	failed := &DecryptedResult{IntegrityVerified: false}

	if len(key) != KeySize {
		return failed, kmserr.Validationf("key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != NonceSize {
		return failed, kmserr.Validationf("nonce must be %d bytes, got %d", NonceSize, len(iv))
	}
	if len(tag) != TagSize {
		return failed, kmserr.Securityf("tag must be %d bytes, got %d", TagSize, len(tag))
	}
	if len(ciphertext) > e.cfg.MaxPlaintextSize {
		return failed, kmserr.Securityf("ciphertext of %d bytes exceeds limit of %d", len(ciphertext), e.cfg.MaxPlaintextSize)
	}
	if len(aad) > e.cfg.MaxAADSize {
		return failed, kmserr.Securityf("aad of %d bytes exceeds limit of %d", len(aad), e.cfg.MaxAADSize)
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	var plaintext []byte
	err := e.withGCM(key, func(gcm cipher.AEAD) error {
		var openErr error
		plaintext, openErr = gcm.Open(nil, iv, sealed, aad)
		return openErr
	})
	if err != nil {
		return failed, kmserr.Security("message authentication failed")
	}

	return &DecryptedResult{Plaintext: plaintext, IntegrityVerified: true}, nil
}

// withGCM 在作用域内的安全缓冲区中持有密钥副本并构造 GCM
func (e *Engine) withGCM(key []byte, fn func(cipher.AEAD) error) error {
	return e.mem.WithBuffer(len(key), func(buf *securemem.SecureBuffer) error {
		if err := buf.Write(0, key); err != nil {
			return err
		}
		return buf.Use(func(k []byte) error {
			block, err := aes.NewCipher(k)
			if err != nil {
				return errors.Wrap(err, "failed to create cipher")
			}
			gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
			if err != nil {
				return errors.Wrap(err, "failed to create gcm")
			}
			return fn(gcm)
		})
	})
}

// ValidateKeyStrength 检查密钥强度
func (e *Engine) ValidateKeyStrength(key []byte) KeyStrength {
	return ValidateKeyStrength(key)
}

// Fingerprint 返回密钥的 SHA-256 指纹，不泄露密钥本身
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return "fp:" + hex.EncodeToString(sum[:])
}
