// Package kdf 基于 Argon2id 的密钥派生和口令哈希
package kdf

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	MinSaltLength = 16
	MinKeyLength  = 16
	MaxKeyLength  = 1024

	// 口令哈希默认参数，独立于数据密钥派生路径
	DefaultHashIterations uint32 = 3
	DefaultHashMemory     uint32 = 64 * 1024
	DefaultHashThreads    uint8  = 2
	DefaultHashSaltLength        = 16
	DefaultHashKeyLength  uint32 = 32

	DefaultDeriveMemory  uint32 = 64 * 1024
	DefaultDeriveThreads uint8  = 4
)

var ErrMalformedHash = errors.New("malformed password hash")

// Params Argon2id 参数
type Params struct {
	// Memory 单位 KiB
	Memory  uint32
	Threads uint8

	HashIterations uint32
	HashMemory     uint32
	HashThreads    uint8
}

// Deriver 密钥派生器
type Deriver struct {
	params Params
}

// New 创建密钥派生器，未设置的参数使用默认值
func New(params Params) *Deriver {
	if params.Memory == 0 {
		params.Memory = DefaultDeriveMemory
	}
	if params.Threads == 0 {
		params.Threads = DefaultDeriveThreads
	}
	if params.HashIterations == 0 {
		params.HashIterations = DefaultHashIterations
	}
	if params.HashMemory == 0 {
		params.HashMemory = DefaultHashMemory
	}
	if params.HashThreads == 0 {
		params.HashThreads = DefaultHashThreads
	}
	return &Deriver{params: params}
}

// DeriveKey 用 Argon2id 从口令和盐派生 keyLen 字节的密钥
// 相同输入总是得到相同输出
func (d *Deriver) DeriveKey(password, salt []byte, keyLen int, iterations uint32) ([]byte, error) {
	if len(password) == 0 {
		return nil, kmserr.Validation("password must not be empty")
	}
	if len(salt) < MinSaltLength {
		return nil, kmserr.Validationf("salt must be at least %d bytes, got %d", MinSaltLength, len(salt))
	}
	if keyLen < MinKeyLength || keyLen > MaxKeyLength {
		return nil, kmserr.Validationf("key length %d out of range [%d, %d]", keyLen, MinKeyLength, MaxKeyLength)
	}
	if iterations == 0 {
		return nil, kmserr.Validation("iterations must be positive")
	}

	return argon2.IDKey(password, salt, iterations, d.params.Memory, d.params.Threads, uint32(keyLen)), nil
}

// GenerateSalt 生成随机盐
func GenerateSalt(n int) ([]byte, error) {
	if n < MinSaltLength {
		return nil, kmserr.Validationf("salt must be at least %d bytes", MinSaltLength)
	}
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "failed to generate salt")
	}
	return salt, nil
}

// HashPassword 返回 PHC 格式的 Argon2id 口令哈希
// $argon2id$v=19$m=65536,t=3,p=2$<salt>$<hash>
func (d *Deriver) HashPassword(password string) (string, error) {
	if password == "" {
		return "", kmserr.Validation("password must not be empty")
	}

	salt, err := GenerateSalt(DefaultHashSaltLength)
	if err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, d.params.HashIterations, d.params.HashMemory, d.params.HashThreads, DefaultHashKeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		d.params.HashMemory,
		d.params.HashIterations,
		d.params.HashThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword 校验口令与 PHC 哈希是否匹配，比较为常量时间
func (d *Deriver) VerifyPassword(password, encoded string) (bool, error) {
	p, salt, hash, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}

	other := argon2.IDKey([]byte(password), salt, p.HashIterations, p.HashMemory, p.HashThreads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, other) == 1, nil
}

func decodeHash(encoded string) (*Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, nil, errors.Wrap(ErrMalformedHash, "version")
	}
	if version != argon2.Version {
		return nil, nil, nil, errors.Wrapf(ErrMalformedHash, "unsupported argon2 version %d", version)
	}

	p := &Params{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.HashMemory, &p.HashIterations, &p.HashThreads); err != nil {
		return nil, nil, nil, errors.Wrap(ErrMalformedHash, "parameters")
	}
	if p.HashMemory == 0 || p.HashIterations == 0 || p.HashThreads == 0 {
		return nil, nil, nil, errors.Wrap(ErrMalformedHash, "zero cost parameter")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, nil, errors.Wrap(ErrMalformedHash, "salt")
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return nil, nil, nil, errors.Wrap(ErrMalformedHash, "hash")
	}

	return p, salt, hash, nil
}

// DeriveSubkey 用 HKDF-SHA256 从高熵密钥派生带域分离标签的子密钥
func DeriveSubkey(secret []byte, info string, keyLen int) ([]byte, error) {
	if len(secret) < MinKeyLength {
		return nil, kmserr.Validationf("secret must be at least %d bytes", MinKeyLength)
	}
	if keyLen <= 0 || keyLen > 255*sha256.Size {
		return nil, kmserr.Validationf("invalid subkey length %d", keyLen)
	}

	reader := hkdf.New(sha256.New, secret, nil, []byte("keyguard:"+info))
	out := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, errors.Wrap(err, "failed to derive subkey")
	}
	return out, nil
}
