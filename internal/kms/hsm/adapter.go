package hsm

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrUnavailable HSM 未连接或不可达
	ErrUnavailable = errors.New("hsm unavailable")
	// ErrHandleNotFound 句柄在 HSM 中不存在
	ErrHandleNotFound = errors.New("hsm key handle not found")
	// ErrUnsupported HSM 不支持请求的密钥规格
	ErrUnsupported = errors.New("hsm operation not supported")
)

// Adapter 定义 HSM 适配器接口
// 所有 HSM 实现（软件模拟、PKCS#11）都必须实现此接口
// 密钥永不离开 HSM，调用方只持有句柄
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// GenerateKey 在 HSM 内生成密钥，返回密钥句柄
	GenerateKey(ctx context.Context, keySpec *KeySpec) (string, error)

	// Encrypt 使用指定密钥句柄做认证加密，返回值自带 IV 和标签
	Encrypt(ctx context.Context, handle string, plaintext, aad []byte) ([]byte, error)

	// Decrypt 解密 Encrypt 的输出
	Decrypt(ctx context.Context, handle string, ciphertext, aad []byte) ([]byte, error)

	// DeleteKey 在 HSM 内删除密钥
	DeleteKey(ctx context.Context, handle string) error

	HealthStatus(ctx context.Context) (*Health, error)
	Info() Info
}
