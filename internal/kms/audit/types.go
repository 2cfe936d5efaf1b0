package audit

import (
	"context"

	"github.com/kashguard/keyguard/internal/kms/storage"
)

// 审计事件类型
const (
	EventKeyCreated    = "KEY_CREATED"
	EventKeyActivated  = "KEY_ACTIVATED"
	EventKeyAccessed   = "KEY_ACCESSED"
	EventKeyEncrypt    = "KEY_ENCRYPT"
	EventKeyDecrypt    = "KEY_DECRYPT"
	EventKeyRotated    = "KEY_ROTATED"
	EventKeyRevoked    = "KEY_REVOKED"
	EventKeyExpired    = "KEY_EXPIRED"
	EventKeyArchived   = "KEY_ARCHIVED"
	EventUsageExceeded = "KEY_USAGE_LIMIT_EXCEEDED"

	EventRotationScheduled = "ROTATION_SCHEDULED"
	EventRotationStarted   = "ROTATION_STARTED"
	EventRotationRetry     = "ROTATION_RETRY"
	EventRotationCompleted = "ROTATION_COMPLETED"
	EventRotationFailed    = "ROTATION_FAILED"

	EventPolicyCreated = "POLICY_CREATED"
	EventPolicyUpdated = "POLICY_UPDATED"

	EventHSMRegistered  = "HSM_REGISTERED"
	EventHSMUnavailable = "HSM_UNAVAILABLE"
	EventHSMFallback    = "HSM_LOCAL_FALLBACK"

	EventIntegrityViolation = "AUDIT_INTEGRITY_VIOLATION"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// GenesisHash 链上第一条记录的 previous_hash
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// baseRisk 各事件类型的基础风险分
var baseRisk = map[string]int{
	EventKeyCreated:         10,
	EventKeyActivated:       10,
	EventKeyAccessed:        30,
	EventKeyEncrypt:         5,
	EventKeyDecrypt:         10,
	EventKeyRotated:         20,
	EventKeyRevoked:         60,
	EventKeyExpired:         20,
	EventKeyArchived:        15,
	EventUsageExceeded:      50,
	EventRotationScheduled:  10,
	EventRotationStarted:    15,
	EventRotationRetry:      40,
	EventRotationCompleted:  20,
	EventRotationFailed:     60,
	EventPolicyCreated:      25,
	EventPolicyUpdated:      25,
	EventHSMRegistered:      30,
	EventHSMUnavailable:     70,
	EventHSMFallback:        80,
	EventIntegrityViolation: 100,
}

// RiskScore 计算事件风险分，范围 0-100
func RiskScore(eventType, result string, level storage.SecurityLevel) int {
	score, ok := baseRisk[eventType]
	if !ok {
		score = 20
	}
	if result == ResultFailure {
		score += 20
	}
	switch level {
	case storage.SecurityLevelHigh:
		score += 10
	case storage.SecurityLevelMaximum:
		score += 20
	case storage.SecurityLevelStandard:
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Event 待追加的审计事件
type Event struct {
	EventType     string
	Category      storage.EventCategory // 默认 LIFECYCLE
	KeyID         string                // 系统级事件为空
	SecurityLevel storage.SecurityLevel // 默认 STANDARD
	Result        string                // 默认 success
	Details       map[string]string
	// Actor 为空时从 context 读取
	Actor *Actor
}

// VerifyResult 链校验结果
type VerifyResult struct {
	Valid         bool
	Checked       int
	FirstBrokenID int64
}

// Actor 操作发起者
type Actor struct {
	UserID    string
	SessionID string
	IPAddress string
}

type actorKey struct{}

// WithActor 将操作者写入 context
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext 读取 context 中的操作者
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}
