package encryption

import (
	"encoding/base64"
)

// EncryptedResult 加密结果
type EncryptedResult struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
	Algorithm  string
}

// Metadata 返回可持久化的加密元数据（不含密文）
func (r *EncryptedResult) Metadata() Metadata {
	return Metadata{
		Algorithm: r.Algorithm,
		Nonce:     base64.StdEncoding.EncodeToString(r.Nonce),
		Tag:       base64.StdEncoding.EncodeToString(r.Tag),
	}
}

// DecryptedResult 解密结果
type DecryptedResult struct {
	Plaintext         []byte
	IntegrityVerified bool
}

// KeyStrength 密钥强度检查结果
type KeyStrength struct {
	Valid  bool    `json:"valid"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
}

// Metadata 加密元数据信封
// 用于密钥版本的 encryption_metadata 字段
type Metadata struct {
	Algorithm string `json:"algorithm"`
	Nonce     string `json:"nonce,omitempty"`
	Tag       string `json:"tag,omitempty"`

	// 包装密钥信息，根密钥版本为空
	WrappingKeyID      string `json:"wrapping_key_id,omitempty"`
	WrappingKeyVersion int    `json:"wrapping_key_version,omitempty"`
	WrappedBy          string `json:"wrapped_by,omitempty"` // root | kek | hsm
}

// Decode 解码元数据中的 nonce 和 tag
func (m Metadata) Decode() ([]byte, []byte, error) {
	iv, err := base64.StdEncoding.DecodeString(m.Nonce)
	if err != nil {
		return nil, nil, err
	}
	tag, err := base64.StdEncoding.DecodeString(m.Tag)
	if err != nil {
		return nil, nil, err
	}
	return iv, tag, nil
}
