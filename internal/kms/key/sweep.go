package key

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kashguard/keyguard/internal/kms/audit"
	"github.com/kashguard/keyguard/internal/kms/policy"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RunScheduledRotations 按密钥类型的策略评估所有可用密钥，到期且在窗口内的自动轮换
// 单个密钥失败不会中断扫描，所有错误合并返回
func (s *service) RunScheduledRotations(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{}
	var errs *multierror.Error

	keys, err := s.usableKeys(ctx)
	if err != nil {
		return res, err
	}

	policies := make(map[storage.KeyType]*storage.RotationPolicy)
	now := s.clock.Now().UTC()

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}

		p, ok := policies[key.KeyType]
		if !ok {
			p, err = s.policies.LoadPolicy(ctx, key.KeyType)
			if err != nil && !errors.Is(err, policy.ErrPolicyNotFound) {
				errs = multierror.Append(errs, err)
			}
			policies[key.KeyType] = p
		}
		if p == nil {
			continue
		}

		res.Evaluated++
		d := s.policies.Evaluate(key, p, now)

		if d.Notify {
			res.Notified++
			s.audit(ctx, &audit.Event{
				EventType:     audit.EventRotationScheduled,
				Category:      storage.CategoryCompliance,
				KeyID:         key.KeyID,
				SecurityLevel: key.SecurityLevel,
				Details: map[string]string{
					"policy_id": p.PolicyID,
					"due_at":    d.DueAt.Format(time.RFC3339),
					"channel":   p.NotificationChannel,
				},
			})
			log.Info().Str("key_id", key.KeyID).Time("due_at", *d.DueAt).Str("channel", p.NotificationChannel).Msg("Key rotation due soon")
		}

		switch {
		case !d.Due():
			continue
		case !d.Rotate:
			res.Deferred++
			log.Debug().Str("key_id", key.KeyID).Str("trigger", string(d.Trigger)).Msg("Rotation due outside execution window")
			continue
		case !p.AutoRotate:
			res.Manual++
			log.Warn().Str("key_id", key.KeyID).Str("reason", d.Reason).Msg("Rotation due but auto-rotate is disabled")
			continue
		}

		if _, err := s.RotateKey(ctx, key.KeyID, d.Trigger, d.Reason); err != nil {
			res.Failed++
			errs = multierror.Append(errs, err)
			continue
		}
		res.Rotated++
	}

	log.Info().Int("evaluated", res.Evaluated).Int("rotated", res.Rotated).Int("failed", res.Failed).
		Int("deferred", res.Deferred).Msg("Finished scheduled rotation sweep")
	return res, errs.ErrorOrNil()
}

// ExpireDueKeys 将 expires_at 已到的可用密钥切换为 expired
func (s *service) ExpireDueKeys(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	due, err := s.store.ListKeys(ctx, &storage.KeyFilter{ExpiresBefore: &now})
	if err != nil {
		return 0, errors.Wrap(err, "failed to list expiring keys")
	}

	var errs *multierror.Error
	expired := 0
	for _, key := range due {
		if !key.Status.CanTransitionTo(storage.StatusExpired) {
			continue
		}
		if err := s.transition(ctx, key, storage.StatusExpired, audit.EventKeyExpired, storage.CategoryCompliance,
			map[string]string{"reason": "expires_at reached"}); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		expired++
	}
	return expired, errs.ErrorOrNil()
}

// usableKeys active 与 rotated 的密钥
func (s *service) usableKeys(ctx context.Context) ([]*storage.KeyMaster, error) {
	var keys []*storage.KeyMaster
	for _, status := range []storage.KeyStatus{storage.StatusActive, storage.StatusRotated} {
		batch, err := s.store.ListKeys(ctx, &storage.KeyFilter{Status: status})
		if err != nil {
			return nil, errors.Wrap(err, "failed to list keys")
		}
		keys = append(keys, batch...)
	}
	return keys, nil
}
