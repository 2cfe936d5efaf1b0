package encryption

import (
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/pkg/errors"
)

const (
	maxContextPairs    = 10
	maxContextKeyLen   = 128
	maxContextValueLen = 1024
)

var ErrInvalidCiphertext = errors.New("invalid ciphertext blob")

// Blob 自描述的密文信封，调用方只需保存这一个值
type Blob struct {
	KeyID             string            `json:"key_id"`
	Version           int               `json:"version"`
	Algorithm         string            `json:"algorithm"`
	Nonce             []byte            `json:"nonce"`
	Tag               []byte            `json:"tag"`
	Ciphertext        []byte            `json:"ciphertext"`
	EncryptionContext map[string]string `json:"encryption_context,omitempty"`
}

// Marshal 序列化为 JSON，[]byte 字段以 base64 编码
func (b *Blob) Marshal() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal ciphertext blob")
	}
	return data, nil
}

// String 返回 base64 编码的信封
func (b *Blob) String() string {
	data, err := b.Marshal()
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// ParseBlob 解析密文信封
func ParseBlob(data []byte) (*Blob, error) {
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, errors.Wrap(ErrInvalidCiphertext, err.Error())
	}
	if b.KeyID == "" {
		return nil, errors.Wrap(ErrInvalidCiphertext, "missing key_id")
	}
	if b.Version <= 0 {
		return nil, errors.Wrap(ErrInvalidCiphertext, "missing version")
	}
	if b.Algorithm != AlgorithmAES256GCM {
		return nil, errors.Wrapf(ErrInvalidCiphertext, "unsupported algorithm %q", b.Algorithm)
	}
	if len(b.Nonce) != NonceSize || len(b.Tag) != TagSize {
		return nil, errors.Wrap(ErrInvalidCiphertext, "malformed nonce or tag")
	}
	return &b, nil
}

// ParseBlobString 解析 base64 编码的信封
func ParseBlobString(s string) (*Blob, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidCiphertext, "not base64")
	}
	return ParseBlob(data)
}

// ContextAAD 校验加密上下文并返回其规范化字节，作为 AAD 参与认证
// 键按字典序排列，nil 或空上下文返回 nil
func ContextAAD(encryptionContext map[string]string) ([]byte, error) {
	if len(encryptionContext) == 0 {
		return nil, nil
	}
	if len(encryptionContext) > maxContextPairs {
		return nil, kmserr.Validationf("encryption context has %d pairs, limit is %d", len(encryptionContext), maxContextPairs)
	}

	keys := make([]string, 0, len(encryptionContext))
	for k, v := range encryptionContext {
		if k == "" || len(k) > maxContextKeyLen || len(v) > maxContextValueLen {
			return nil, kmserr.Validation("encryption context key or value too long")
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, encryptionContext[k]})
	}

	aad, err := json.Marshal(pairs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode encryption context")
	}
	return aad, nil
}
