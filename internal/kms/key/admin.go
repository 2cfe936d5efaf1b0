package key

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kashguard/keyguard/internal/kms/audit"
	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CreateRotationPolicy 校验并保存轮换策略
func (s *service) CreateRotationPolicy(ctx context.Context, p *storage.RotationPolicy) (*storage.RotationPolicy, error) {
	if err := s.policies.ValidatePolicy(p); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	created := *p
	if created.PolicyID == "" {
		created.PolicyID = "pol-" + uuid.New().String()
	}
	created.CreatedAt = now
	created.UpdatedAt = now

	if err := s.store.CreatePolicy(ctx, &created); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, kmserr.Validationf("policy %s already exists", created.PolicyID)
		}
		return nil, errors.Wrap(err, "failed to save policy")
	}

	s.audit(ctx, &audit.Event{
		EventType: audit.EventPolicyCreated,
		Category:  storage.CategoryCompliance,
		Details:   policyDetails(&created),
	})
	return &created, nil
}

// UpdateRotationPolicy 更新轮换策略，保留创建时间
func (s *service) UpdateRotationPolicy(ctx context.Context, p *storage.RotationPolicy) (*storage.RotationPolicy, error) {
	if err := s.policies.ValidatePolicy(p); err != nil {
		return nil, err
	}
	existing, found, err := s.store.GetPolicy(ctx, p.PolicyID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get policy")
	}
	if !found {
		return nil, kmserr.Validationf("policy %s does not exist", p.PolicyID)
	}

	updated := *p
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpdatePolicy(ctx, &updated); err != nil {
		return nil, errors.Wrap(err, "failed to update policy")
	}

	s.audit(ctx, &audit.Event{
		EventType: audit.EventPolicyUpdated,
		Category:  storage.CategoryCompliance,
		Details:   policyDetails(&updated),
	})
	return &updated, nil
}

// ListRotationPolicies 列出轮换策略
func (s *service) ListRotationPolicies(ctx context.Context, filter *storage.PolicyFilter) ([]*storage.RotationPolicy, error) {
	policies, err := s.store.ListPolicies(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list policies")
	}
	return policies, nil
}

func policyDetails(p *storage.RotationPolicy) map[string]string {
	return map[string]string{
		"policy_id":   p.PolicyID,
		"key_type":    string(p.KeyType),
		"enabled":     boolString(p.Enabled),
		"auto_rotate": boolString(p.AutoRotate),
	}
}

// RegisterHSM 连接 HSM 并保存其能力与健康状态
func (s *service) RegisterHSM(ctx context.Context) (*storage.HSMConfiguration, error) {
	if s.hsm == nil {
		return nil, kmserr.Validation("no hsm provider configured")
	}

	info := s.hsm.Info()
	cfg := info.Configuration(s.clock.Now().UTC())
	cfg.AllowLocalFallback = s.cfg.AllowLocalFallback
	cfg.AuditAll = true

	connectErr := s.hsm.Connect(ctx)
	if err := s.store.SaveHSMConfig(ctx, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to save hsm configuration")
	}

	health := s.refreshHealth(ctx)
	if connectErr != nil {
		s.audit(ctx, &audit.Event{
			EventType:     audit.EventHSMUnavailable,
			Category:      storage.CategorySecurity,
			SecurityLevel: storage.SecurityLevelHigh,
			Result:        audit.ResultFailure,
			Details:       map[string]string{"provider_id": info.ProviderID, "error": connectErr.Error()},
		})
		return nil, errors.Wrapf(connectErr, "failed to connect to hsm %s", info.ProviderID)
	}

	s.audit(ctx, &audit.Event{
		EventType:     audit.EventHSMRegistered,
		Category:      storage.CategorySecurity,
		SecurityLevel: storage.SecurityLevelHigh,
		Details: map[string]string{
			"provider_id":   info.ProviderID,
			"provider_type": info.ProviderType,
			"health":        string(health),
		},
	})

	saved, _, err := s.store.GetHSMConfig(ctx, info.ProviderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reload hsm configuration")
	}
	log.Info().Str("provider_id", info.ProviderID).Str("health", string(health)).Msg("Registered HSM")
	return saved, nil
}

// refreshHealth 查询 HSM 健康状态并写回存储与指标
func (s *service) refreshHealth(ctx context.Context) storage.HealthStatus {
	info := s.hsm.Info()
	status, detail := storage.HealthUnavailable, ""

	h, err := s.hsm.HealthStatus(ctx)
	if err != nil {
		detail = err.Error()
		s.metrics.HSMHealth(info.ProviderID, 0)
	} else {
		status, detail = h.Status, h.Detail
		s.metrics.HSMHealth(info.ProviderID, h.Score())
	}

	if err := s.store.UpdateHSMHealth(ctx, info.ProviderID, status, detail, s.clock.Now().UTC()); err != nil {
		log.Warn().Err(err).Str("provider_id", info.ProviderID).Msg("Failed to store hsm health")
	}
	return status
}

// HSMHealth 刷新已注册 HSM 的健康状态后返回所有配置
func (s *service) HSMHealth(ctx context.Context) ([]*storage.HSMConfiguration, error) {
	if s.hsm != nil {
		if _, found, err := s.store.GetHSMConfig(ctx, s.hsm.Info().ProviderID); err == nil && found {
			s.refreshHealth(ctx)
		}
	}
	configs, err := s.store.ListHSMConfigs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list hsm configurations")
	}
	return configs, nil
}

// KeysExpiringSoon 在 within 内到期且仍可使用的密钥
func (s *service) KeysExpiringSoon(ctx context.Context, within time.Duration) ([]*storage.KeyMaster, error) {
	until := s.clock.Now().UTC().Add(within)
	keys, err := s.store.ListKeys(ctx, &storage.KeyFilter{ExpiresBefore: &until})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keys")
	}

	result := make([]*storage.KeyMaster, 0, len(keys))
	for _, k := range keys {
		if k.Status.CanEncrypt() {
			result = append(result, k)
		}
	}
	return result, nil
}

// FailedRotations since 之后失败的轮换
func (s *service) FailedRotations(ctx context.Context, since time.Time) ([]*storage.KeyRotation, error) {
	rotations, err := s.store.ListRotations(ctx, &storage.RotationFilter{Status: storage.RotationFailed, Since: &since})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rotations")
	}
	return rotations, nil
}
