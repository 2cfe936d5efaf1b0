// Package kmserr 定义密钥管理核心的错误分类
package kmserr

import (
	"github.com/pkg/errors"
)

// Kind 错误类别
type Kind string

const (
	KindUnknown         Kind = "unknown"
	KindValidation      Kind = "validation"
	KindSecurity        Kind = "security"
	KindNonceCollision  Kind = "nonce_collision"
	KindNonceExhaustion Kind = "nonce_exhaustion"
	KindMemorySecurity  Kind = "memory_security"
	KindKeyNotFound     Kind = "key_not_found"
	KindRotation        Kind = "rotation"
	KindIntegrity       Kind = "integrity"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrSecurity        = errors.New("security error")
	ErrNonceCollision  = errors.New("nonce collision")
	ErrNonceExhaustion = errors.New("nonce space exhausted")
	ErrMemorySecurity  = errors.New("memory security error")
	ErrKeyNotFound     = errors.New("key not found")
	ErrRotation        = errors.New("rotation error")
	ErrIntegrity       = errors.New("integrity error")
)

var kinds = []struct {
	sentinel error
	kind     Kind
	safe     string
}{
	{ErrValidation, KindValidation, "the request is invalid"},
	{ErrSecurity, KindSecurity, "the operation was rejected for security reasons"},
	{ErrNonceCollision, KindNonceCollision, "nonce reuse detected"},
	{ErrNonceExhaustion, KindNonceExhaustion, "the key has exhausted its nonce budget and must be rotated"},
	{ErrMemorySecurity, KindMemorySecurity, "secure memory misuse"},
	{ErrKeyNotFound, KindKeyNotFound, "key not found"},
	{ErrRotation, KindRotation, "key rotation failed"},
	{ErrIntegrity, KindIntegrity, "integrity verification failed"},
}

// Validation 包装校验错误
func Validation(msg string) error {
	return errors.Wrap(ErrValidation, msg)
}

// Validationf 包装格式化的校验错误
func Validationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

// Security 包装安全错误
func Security(msg string) error {
	return errors.Wrap(ErrSecurity, msg)
}

// Securityf 包装格式化的安全错误
func Securityf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrSecurity, format, args...)
}

// KeyNotFound 包装密钥不存在错误
func KeyNotFound(keyID string) error {
	return errors.Wrapf(ErrKeyNotFound, "key %s", keyID)
}

// VersionNotFound 包装密钥版本不存在错误
func VersionNotFound(keyID string, version int) error {
	return errors.Wrapf(ErrKeyNotFound, "key %s version %d", keyID, version)
}

// Rotationf 包装格式化的轮换错误
func Rotationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrRotation, format, args...)
}

// Integrityf 包装格式化的完整性错误
func Integrityf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrIntegrity, format, args...)
}

// KindOf 返回错误所属类别
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindUnknown
}

// SafeMessage 返回可以暴露给调用方的错误信息，不包含内部细节
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.safe
		}
	}
	return "internal error"
}
