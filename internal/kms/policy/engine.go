package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/pkg/errors"
)

var ErrPolicyNotFound = errors.New("policy not found")

const day = 24 * time.Hour

// Engine 轮换策略引擎接口
type Engine interface {
	// ValidatePolicy 检查策略是否可保存
	ValidatePolicy(p *storage.RotationPolicy) error
	// Evaluate 判断密钥在 now 时刻是否需要轮换
	Evaluate(key *storage.KeyMaster, p *storage.RotationPolicy, now time.Time) *Decision
	// LoadPolicy 加载某一密钥类型当前生效的策略
	LoadPolicy(ctx context.Context, keyType storage.KeyType) (*storage.RotationPolicy, error)
}

// engine 策略引擎实现
type engine struct {
	policies storage.RotationPolicyRepository
}

// NewEngine 创建新的策略引擎
//
//nolint:ireturn // returning interface is intentional for abstraction
func NewEngine(policies storage.RotationPolicyRepository) Engine {
	return &engine{
		policies: policies,
	}
}

// ValidatePolicy 至少需要一个触发条件，窗口小时为 0-23 且成对出现
func (e *engine) ValidatePolicy(p *storage.RotationPolicy) error {
	if p == nil {
		return kmserr.Validation("policy is required")
	}
	if !p.KeyType.Valid() {
		return kmserr.Validationf("unknown key type %q", p.KeyType)
	}
	if p.RotationIntervalDays < 0 || p.MaxOperations < 0 || p.MaxDataVolumeMB < 0 || p.MaxKeyAgeDays < 0 {
		return kmserr.Validation("policy triggers must not be negative")
	}
	if !p.HasTrigger() {
		return kmserr.Validation("policy must define at least one rotation trigger")
	}
	if (p.WindowStartHour == nil) != (p.WindowEndHour == nil) {
		return kmserr.Validation("window start and end must be set together")
	}
	if p.WindowStartHour != nil {
		if !validHour(*p.WindowStartHour) || !validHour(*p.WindowEndHour) {
			return kmserr.Validation("window hours must be between 0 and 23")
		}
	}
	if p.NotifyDaysBefore < 0 || p.MaxRetries < 0 {
		return kmserr.Validation("notify days and max retries must not be negative")
	}
	return nil
}

func validHour(h int) bool {
	return h >= 0 && h <= 23
}

// Evaluate 评估顺序：最大密钥年龄、使用次数、数据量、时间间隔
// 最大密钥年龄属于合规要求，不受执行窗口限制
func (e *engine) Evaluate(key *storage.KeyMaster, p *storage.RotationPolicy, now time.Time) *Decision {
	now = now.UTC()
	d := &Decision{InWindow: inWindow(p, now)}

	if p == nil || !p.Enabled || key == nil || !key.Status.CanEncrypt() {
		return d
	}

	ref := referenceTime(key)
	age := now.Sub(ref)

	if p.RotationIntervalDays > 0 {
		due := ref.Add(time.Duration(p.RotationIntervalDays) * day)
		d.DueAt = &due
		if p.NotifyDaysBefore > 0 && now.Before(due) &&
			!now.Before(due.Add(-time.Duration(p.NotifyDaysBefore)*day)) {
			d.Notify = true
		}
	}

	switch {
	case p.MaxKeyAgeDays > 0 && age >= time.Duration(p.MaxKeyAgeDays)*day:
		d.Trigger = storage.TriggerCompliance
		d.Reason = fmt.Sprintf("key material older than %d days", p.MaxKeyAgeDays)
		d.Rotate = true
		return d
	case p.MaxOperations > 0 && key.UsageCount >= p.MaxOperations:
		d.Trigger = storage.TriggerUsage
		d.Reason = fmt.Sprintf("%d operations reached limit %d", key.UsageCount, p.MaxOperations)
	case p.MaxDataVolumeMB > 0 && key.BytesProcessed >= p.MaxDataVolumeMB*bytesPerMB:
		d.Trigger = storage.TriggerUsage
		d.Reason = fmt.Sprintf("%d bytes processed, limit %d MB", key.BytesProcessed, p.MaxDataVolumeMB)
	case d.DueAt != nil && !now.Before(*d.DueAt):
		d.Trigger = storage.TriggerScheduled
		d.Reason = fmt.Sprintf("rotation interval of %d days elapsed", p.RotationIntervalDays)
	default:
		return d
	}

	d.Rotate = d.InWindow
	return d
}

// referenceTime 当前密钥材料的生效时间
func referenceTime(key *storage.KeyMaster) time.Time {
	switch {
	case key.RotatedAt != nil:
		return key.RotatedAt.UTC()
	case key.ActivatedAt != nil:
		return key.ActivatedAt.UTC()
	}
	return key.CreatedAt.UTC()
}

// inWindow start == end 表示全天，start > end 表示跨越午夜
func inWindow(p *storage.RotationPolicy, now time.Time) bool {
	if p == nil || p.WindowStartHour == nil || p.WindowEndHour == nil {
		return true
	}
	start, end, h := *p.WindowStartHour, *p.WindowEndHour, now.Hour()
	switch {
	case start == end:
		return true
	case start < end:
		return h >= start && h < end
	}
	return h >= start || h < end
}

// LoadPolicy 加载策略，存在多个启用策略时取最近更新的一个
func (e *engine) LoadPolicy(ctx context.Context, keyType storage.KeyType) (*storage.RotationPolicy, error) {
	policies, err := e.policies.ListPolicies(ctx, &storage.PolicyFilter{KeyType: keyType, EnabledOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get policy from storage")
	}

	var selected *storage.RotationPolicy
	for _, p := range policies {
		if selected == nil || p.UpdatedAt.After(selected.UpdatedAt) {
			selected = p
		}
	}
	if selected == nil {
		return nil, errors.Wrapf(ErrPolicyNotFound, "key type %s", keyType)
	}
	return selected, nil
}
