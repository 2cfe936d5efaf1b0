package storage

import (
	"time"

	"github.com/volatiletech/sqlboiler/v4/types"
)

// KeyType 密钥类型
type KeyType string

const (
	KeyTypeKEK    KeyType = "KEK"
	KeyTypeDEK    KeyType = "DEK"
	KeyTypeTLS    KeyType = "TLS"
	KeyTypeHSM    KeyType = "HSM"
	KeyTypeBackup KeyType = "BACKUP"
)

// Valid 报告是否为已知密钥类型
func (t KeyType) Valid() bool {
	switch t {
	case KeyTypeKEK, KeyTypeDEK, KeyTypeTLS, KeyTypeHSM, KeyTypeBackup:
		return true
	}
	return false
}

// CanWrap 报告该类型的密钥能否作为其他密钥的父密钥
func (t KeyType) CanWrap() bool {
	return t == KeyTypeKEK || t == KeyTypeHSM
}

// SecurityLevel 安全级别
type SecurityLevel string

const (
	SecurityLevelStandard SecurityLevel = "STANDARD"
	SecurityLevelHigh     SecurityLevel = "HIGH"
	SecurityLevelMaximum  SecurityLevel = "MAXIMUM"
)

// Valid 报告是否为已知安全级别
func (l SecurityLevel) Valid() bool {
	switch l {
	case SecurityLevelStandard, SecurityLevelHigh, SecurityLevelMaximum:
		return true
	}
	return false
}

// RotationTrigger 轮换触发原因
type RotationTrigger string

const (
	TriggerScheduled  RotationTrigger = "SCHEDULED"
	TriggerUsage      RotationTrigger = "USAGE"
	TriggerIncident   RotationTrigger = "INCIDENT"
	TriggerCompliance RotationTrigger = "COMPLIANCE"
	TriggerManual     RotationTrigger = "MANUAL"
)

// Valid 报告是否为已知触发原因
func (t RotationTrigger) Valid() bool {
	switch t {
	case TriggerScheduled, TriggerUsage, TriggerIncident, TriggerCompliance, TriggerManual:
		return true
	}
	return false
}

// RotationStatus 轮换执行状态
type RotationStatus string

const (
	RotationScheduled RotationStatus = "SCHEDULED"
	RotationRunning   RotationStatus = "RUNNING"
	RotationCompleted RotationStatus = "COMPLETED"
	RotationFailed    RotationStatus = "FAILED"
)

// Terminal 报告是否为终态
func (s RotationStatus) Terminal() bool {
	return s == RotationCompleted || s == RotationFailed
}

// EventCategory 审计事件类别
type EventCategory string

const (
	CategoryLifecycle  EventCategory = "LIFECYCLE"
	CategorySecurity   EventCategory = "SECURITY"
	CategoryCompliance EventCategory = "COMPLIANCE"
)

// HealthStatus HSM 健康状态
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
	HealthUnknown     HealthStatus = "unknown"
)

// KeyMaster 一个逻辑密钥
type KeyMaster struct {
	KeyID          string
	KeyType        KeyType
	Algorithm      string
	KeySizeBits    int
	Status         KeyStatus
	Description    string
	ParentKeyID    string
	SecurityLevel  SecurityLevel
	HSMProviderID  string
	HSMResident    bool
	UsageCount     int64
	MaxUsageCount  int64 // 0 表示不限制
	BytesProcessed int64
	Tags           map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ActivatedAt    *time.Time
	RotatedAt      *time.Time
	ExpiresAt      *time.Time
}

// KeyVersion 密钥材料的一个版本
type KeyVersion struct {
	KeyID              string
	VersionNumber      int
	EncryptedKey       []byte // HSM 驻留时为空
	HSMHandle          string
	KeyChecksum        string
	EncryptionMetadata types.JSON
	EntropyScore       float64
	CreatedAt          time.Time
	ActivatedAt        *time.Time
	DeactivatedAt      *time.Time
}

// IsCurrent 报告该版本是否为当前版本
func (v *KeyVersion) IsCurrent() bool {
	return v.ActivatedAt != nil && v.DeactivatedAt == nil
}

// RotationPolicy 按密钥类型配置的轮换触发条件，0 表示未设置
type RotationPolicy struct {
	PolicyID             string
	Name                 string
	KeyType              KeyType
	RotationIntervalDays int
	MaxOperations        int64
	MaxDataVolumeMB      int64
	MaxKeyAgeDays        int
	WindowStartHour      *int // UTC
	WindowEndHour        *int
	NotifyDaysBefore     int
	NotificationChannel  string
	AutoRotate           bool
	MaxRetries           int
	Enabled              bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HasTrigger 报告策略是否至少配置了一个触发条件
func (p *RotationPolicy) HasTrigger() bool {
	return p.RotationIntervalDays > 0 || p.MaxOperations > 0 || p.MaxDataVolumeMB > 0 || p.MaxKeyAgeDays > 0
}

// KeyRotation 一次轮换执行记录
type KeyRotation struct {
	RotationID           string
	KeyID                string
	PolicyID             string
	Trigger              RotationTrigger
	Reason               string
	OldVersion           int
	NewVersion           *int
	Status               RotationStatus
	RetryCount           int
	MaxRetries           int
	PreRotationChecksum  string
	PostRotationChecksum string
	ErrorMessage         string
	ScheduledAt          time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	FailedAt             *time.Time
}

// HSMConfiguration HSM 提供方的连接与能力元数据，不含密钥材料
type HSMConfiguration struct {
	ProviderID          string
	ProviderType        string
	SupportedAlgorithms []string
	MaxKeySizeBits      int
	SupportsDerivation  bool
	HealthStatus        HealthStatus
	HealthDetail        string
	LastHealthCheck     *time.Time
	DualAuthRequired    bool
	AuditAll            bool
	AllowLocalFallback  bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// KeyAuditLog 只追加的审计记录
type KeyAuditLog struct {
	LogID         int64
	EventType     string
	EventCategory EventCategory
	KeyID         string
	UserID        string
	SessionID     string
	IPAddress     string
	Timestamp     time.Time
	SecurityLevel SecurityLevel
	RiskScore     int
	Result        string
	Details       map[string]string
	LogHash       string
	PreviousHash  string
}
