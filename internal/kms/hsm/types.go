package hsm

import (
	"time"

	"github.com/kashguard/keyguard/internal/kms/storage"
)

const (
	KeyTypeAES256 = "AES_256"

	ProviderSimulator = "simulator"
	ProviderPKCS11    = "pkcs11"
)

// KeySpec 定义密钥规格
type KeySpec struct {
	KeyType    string            // 目前只支持 AES_256
	KeySize    int               // 密钥大小（位）
	Label      string            // 为空时由适配器生成
	Attributes map[string]string // 其他属性
}

// Info 适配器能力描述，与 storage.HSMConfiguration 对应
type Info struct {
	ProviderID          string
	ProviderType        string
	SupportedAlgorithms []string
	MaxKeySizeBits      int
	SupportsDerivation  bool
}

// Health 健康检查结果
type Health struct {
	Status    storage.HealthStatus
	Detail    string
	CheckedAt time.Time
}

// Score 将健康状态映射为指标值
func (h *Health) Score() float64 {
	switch h.Status {
	case storage.HealthHealthy:
		return 1
	case storage.HealthDegraded:
		return 0.5
	case storage.HealthUnavailable, storage.HealthUnknown:
	}
	return 0
}

// Configuration 将适配器信息转换为持久化配置
func (i Info) Configuration(now time.Time) *storage.HSMConfiguration {
	return &storage.HSMConfiguration{
		ProviderID:          i.ProviderID,
		ProviderType:        i.ProviderType,
		SupportedAlgorithms: append([]string(nil), i.SupportedAlgorithms...),
		MaxKeySizeBits:      i.MaxKeySizeBits,
		SupportsDerivation:  i.SupportsDerivation,
		HealthStatus:        storage.HealthUnknown,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}
