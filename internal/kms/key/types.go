package key

import (
	"time"

	"github.com/kashguard/keyguard/internal/kms/encryption"
	"github.com/kashguard/keyguard/internal/kms/storage"
)

const (
	// DefaultRootKDFIterations 根包装密钥的 Argon2id 迭代次数
	DefaultRootKDFIterations uint32 = 3
	// DefaultRotationTimeout 单次轮换尝试的超时时间
	DefaultRotationTimeout = 30 * time.Second
	// DefaultRotationMaxRetries 没有策略时的最大重试次数
	DefaultRotationMaxRetries = 3
	// DefaultRetryInterval 首次重试前的等待时间
	DefaultRetryInterval = 200 * time.Millisecond
)

// 包装方式，写入 encryption_metadata.wrapped_by
const (
	WrappedByRoot = "root"
	WrappedByKEK  = "kek"
	WrappedByHSM  = "hsm"
)

// AlgorithmHSM HSM 驻留密钥加密的数据使用 HSM 自带的 AES-GCM 格式
const AlgorithmHSM = "AES-256-GCM/HSM"

// Config 密钥管理配置
type Config struct {
	// RootPassphrase 与 RootSalt 派生根包装密钥，用于包装没有父密钥的本地密钥
	RootPassphrase    []byte
	RootSalt          []byte
	RootKDFIterations uint32

	// PreferHSM 为真时所有新密钥都在 HSM 中生成
	PreferHSM bool
	// AllowLocalFallback HSM 不可用时允许退回本地生成
	AllowLocalFallback bool

	RotationTimeout    time.Duration
	RotationMaxRetries int
	RetryInterval      time.Duration
}

// CreateKeyRequest 创建密钥请求
type CreateKeyRequest struct {
	KeyType       storage.KeyType
	Algorithm     string // 默认 AES-256-GCM
	ParentKeyID   string
	SecurityLevel storage.SecurityLevel // 默认 STANDARD
	Description   string
	MaxUsageCount int64
	ExpiresAt     *time.Time
	Tags          map[string]string
	// StartPending 为真时密钥保持 pending，需要 ActivateKey 后才能使用
	StartPending bool
}

// RotationResult 轮换结果
type RotationResult struct {
	Success    bool
	RotationID string
	OldVersion int
	NewVersion int
	Trigger    storage.RotationTrigger
	RetryCount int
}

// EncryptRequest 加密请求
type EncryptRequest struct {
	KeyID             string
	Plaintext         []byte
	EncryptionContext map[string]string
}

// EncryptResponse 加密响应
type EncryptResponse struct {
	KeyID             string
	Version           int
	Algorithm         string
	Ciphertext        []byte
	Nonce             []byte
	Tag               []byte
	EncryptionContext map[string]string
}

// Blob 转换为可以单独保存的密文信封
func (r *EncryptResponse) Blob() *encryption.Blob {
	return &encryption.Blob{
		KeyID:             r.KeyID,
		Version:           r.Version,
		Algorithm:         r.Algorithm,
		Nonce:             r.Nonce,
		Tag:               r.Tag,
		Ciphertext:        r.Ciphertext,
		EncryptionContext: r.EncryptionContext,
	}
}

// DecryptRequest 解密请求，Version 为 0 时使用当前版本
type DecryptRequest struct {
	KeyID             string
	Version           int
	Algorithm         string
	Ciphertext        []byte
	Nonce             []byte
	Tag               []byte
	EncryptionContext map[string]string
}

// DecryptRequestFromBlob 从密文信封构造解密请求
func DecryptRequestFromBlob(b *encryption.Blob) *DecryptRequest {
	return &DecryptRequest{
		KeyID:             b.KeyID,
		Version:           b.Version,
		Algorithm:         b.Algorithm,
		Ciphertext:        b.Ciphertext,
		Nonce:             b.Nonce,
		Tag:               b.Tag,
		EncryptionContext: b.EncryptionContext,
	}
}

// DecryptResponse 解密响应
type DecryptResponse struct {
	KeyID     string
	Version   int
	Plaintext []byte
}

// SweepResult 一次策略扫描的统计
type SweepResult struct {
	Evaluated int
	Rotated   int
	Failed    int
	Deferred  int // 已到期但不在执行窗口内
	Manual    int // 已到期但策略未开启自动轮换
	Notified  int
}
