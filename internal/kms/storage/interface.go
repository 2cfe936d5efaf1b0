package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrDuplicate          = errors.New("record already exists")
	ErrNotFound           = errors.New("record not found")
	ErrStatusConflict     = errors.New("status changed concurrently")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrImmutable          = errors.New("record is immutable")
	ErrUsageLimitExceeded = errors.New("key usage limit exceeded")
)

// KeyRepository 密钥主记录存储
type KeyRepository interface {
	CreateKey(ctx context.Context, key *KeyMaster) error
	GetKey(ctx context.Context, keyID string) (*KeyMaster, bool, error)
	ListKeys(ctx context.Context, filter *KeyFilter) ([]*KeyMaster, error)
	// TransitionKey 在当前状态等于 from 时切换到 to，并设置对应时间戳
	// 切换到 rotated 时清零 usage_count 与 bytes_processed，计数只针对当前版本
	TransitionKey(ctx context.Context, keyID string, from, to KeyStatus, at time.Time) error
	// RecordUsage 原子地累加使用计数，超过 max_usage_count 时返回 ErrUsageLimitExceeded
	RecordUsage(ctx context.Context, keyID string, operations, bytes int64) error
	// ReleaseUsage 回退一次已记录但未完成的使用，计数不会低于零
	ReleaseUsage(ctx context.Context, keyID string, operations, bytes int64) error
}

// KeyVersionRepository 密钥版本存储
type KeyVersionRepository interface {
	CreateVersion(ctx context.Context, version *KeyVersion) error
	GetVersion(ctx context.Context, keyID string, version int) (*KeyVersion, bool, error)
	GetCurrentVersion(ctx context.Context, keyID string) (*KeyVersion, bool, error)
	LatestVersionNumber(ctx context.Context, keyID string) (int, error)
	ListVersions(ctx context.Context, keyID string) ([]*KeyVersion, error)
	// ActivateVersion 在同一事务中激活 version 并停用 previous（previous 为 0 时跳过）
	ActivateVersion(ctx context.Context, keyID string, version, previous int, at time.Time) error
	// DiscardVersion 停用一个从未激活的版本
	DiscardVersion(ctx context.Context, keyID string, version int, at time.Time) error
}

// RotationPolicyRepository 轮换策略存储
type RotationPolicyRepository interface {
	CreatePolicy(ctx context.Context, policy *RotationPolicy) error
	GetPolicy(ctx context.Context, policyID string) (*RotationPolicy, bool, error)
	UpdatePolicy(ctx context.Context, policy *RotationPolicy) error
	ListPolicies(ctx context.Context, filter *PolicyFilter) ([]*RotationPolicy, error)
}

// RotationRepository 轮换执行记录存储
type RotationRepository interface {
	CreateRotation(ctx context.Context, rotation *KeyRotation) error
	GetRotation(ctx context.Context, rotationID string) (*KeyRotation, bool, error)
	// UpdateRotation 更新非终态记录，已终结的记录返回 ErrImmutable
	UpdateRotation(ctx context.Context, rotation *KeyRotation) error
	ListRotations(ctx context.Context, filter *RotationFilter) ([]*KeyRotation, error)
}

// HSMConfigRepository HSM 配置存储
type HSMConfigRepository interface {
	SaveHSMConfig(ctx context.Context, cfg *HSMConfiguration) error
	GetHSMConfig(ctx context.Context, providerID string) (*HSMConfiguration, bool, error)
	ListHSMConfigs(ctx context.Context) ([]*HSMConfiguration, error)
	UpdateHSMHealth(ctx context.Context, providerID string, status HealthStatus, detail string, at time.Time) error
}

// SealFunc 根据上一条记录的哈希计算新记录的哈希
type SealFunc func(previousHash string) (string, error)

// AuditRepository 只追加的审计日志存储，不提供更新和删除
type AuditRepository interface {
	// AppendAuditLog 在全局串行化的临界区内读取链尾哈希、调用 seal 并插入记录
	AppendAuditLog(ctx context.Context, rec *KeyAuditLog, seal SealFunc) (int64, error)
	GetAuditLog(ctx context.Context, logID int64) (*KeyAuditLog, bool, error)
	// PreviousAuditLog 返回 log_id 小于 beforeID 的最后一条记录
	PreviousAuditLog(ctx context.Context, beforeID int64) (*KeyAuditLog, bool, error)
	ListAuditLogs(ctx context.Context, filter *AuditFilter) ([]*KeyAuditLog, error)
}

// Store 聚合所有仓库
//
//nolint:interfacebloat // Store intentionally aggregates every repository
type Store interface {
	KeyRepository
	KeyVersionRepository
	RotationPolicyRepository
	RotationRepository
	HSMConfigRepository
	AuditRepository

	Ping(ctx context.Context) error
}

// KeyFilter 密钥查询过滤器
type KeyFilter struct {
	KeyType       KeyType
	Status        KeyStatus
	ParentKeyID   string
	SecurityLevel SecurityLevel
	ExpiresBefore *time.Time // 仅返回 expires_at 早于该时间的密钥
	Limit         int
	Offset        int
}

// PolicyFilter 策略查询过滤器
type PolicyFilter struct {
	KeyType     KeyType
	EnabledOnly bool
}

// RotationFilter 轮换记录查询过滤器
type RotationFilter struct {
	KeyID  string
	Status RotationStatus
	Since  *time.Time
	Limit  int
}

// AuditFilter 审计日志查询过滤器，结果按 log_id 升序
type AuditFilter struct {
	FromID    int64
	ToID      int64
	KeyID     string
	EventType string
	Category  EventCategory
	Since     *time.Time
	Until     *time.Time
	Limit     int
}
