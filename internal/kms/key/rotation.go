package key

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kashguard/keyguard/internal/kms/audit"
	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/kms/policy"
	"github.com/kashguard/keyguard/internal/kms/securemem"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RotateKey 生成新版本并切换为当前版本
// 状态流转 SCHEDULED -> RUNNING -> COMPLETED | FAILED，失败的尝试在同一条记录上重试
func (s *service) RotateKey(
	ctx context.Context,
	keyID string,
	trigger storage.RotationTrigger,
	reason string,
) (*RotationResult, error) {
	if trigger == "" {
		trigger = storage.TriggerManual
	}
	if !trigger.Valid() {
		return nil, kmserr.Validationf("unknown rotation trigger %q", trigger)
	}

	key, err := s.loadKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	lock := s.rotationLock(keyID)
	if !lock.TryLock() {
		return nil, kmserr.Rotationf("rotation of key %s already in progress", keyID)
	}
	defer lock.Unlock()

	// 加锁后重新读取，避免使用锁外读到的旧状态
	if key, err = s.loadKey(ctx, keyID); err != nil {
		return nil, err
	}
	if !key.Status.CanEncrypt() {
		return nil, kmserr.Rotationf("key %s is %s and cannot be rotated", keyID, key.Status)
	}

	current, err := s.loadVersion(ctx, keyID, 0)
	if err != nil {
		return nil, err
	}

	maxRetries, policyID := s.retryBudget(ctx, key)
	now := s.clock.Now().UTC()
	rot := &storage.KeyRotation{
		RotationID:          "rot-" + uuid.New().String(),
		KeyID:               keyID,
		PolicyID:            policyID,
		Trigger:             trigger,
		Reason:              reason,
		OldVersion:          current.VersionNumber,
		Status:              storage.RotationScheduled,
		MaxRetries:          maxRetries,
		PreRotationChecksum: current.KeyChecksum,
		ScheduledAt:         now,
	}
	if err := s.store.CreateRotation(ctx, rot); err != nil {
		return nil, errors.Wrap(err, "failed to create rotation record")
	}
	s.auditRotation(ctx, key, rot, audit.EventRotationScheduled, nil)

	rot.Status = storage.RotationRunning
	rot.StartedAt = &now
	if err := s.store.UpdateRotation(ctx, rot); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			err = errors.New("another rotation is running for this key")
		}
		return s.failRotation(ctx, key, rot, err)
	}
	s.auditRotation(ctx, key, rot, audit.EventRotationStarted, nil)

	var (
		newVersion int
		post       string
	)
	attempt := func() error {
		n, sum, err := s.rotateOnce(ctx, key, rot)
		if err != nil {
			return err
		}
		newVersion, post = n, sum
		return nil
	}
	notify := func(err error, wait time.Duration) {
		rot.RetryCount++
		rot.ErrorMessage = err.Error()
		s.metrics.RotationRetry()
		if uerr := s.store.UpdateRotation(ctx, rot); uerr != nil {
			log.Error().Err(uerr).Str("rotation_id", rot.RotationID).Msg("Failed to record rotation retry")
		}
		s.auditRotation(ctx, key, rot, audit.EventRotationRetry, err)
		log.Warn().Err(err).Str("key_id", keyID).Int("retry", rot.RetryCount).Dur("wait", wait).Msg("Rotation attempt failed, retrying")
	}

	if err := backoff.RetryNotify(attempt, s.retryPolicy(ctx, maxRetries), notify); err != nil {
		return s.failRotation(ctx, key, rot, err)
	}

	from := key.Status
	if err := s.store.TransitionKey(ctx, keyID, from, storage.StatusRotated, s.clock.Now().UTC()); err != nil {
		// 新版本已经生效，状态冲突只记录
		log.Error().Err(err).Str("key_id", keyID).Msg("Rotated key material but failed to update key status")
	} else {
		s.audit(ctx, &audit.Event{
			EventType:     audit.EventKeyRotated,
			KeyID:         keyID,
			SecurityLevel: key.SecurityLevel,
			Details: map[string]string{
				"from":        string(from),
				"to":          string(storage.StatusRotated),
				"old_version": itoa(rot.OldVersion),
				"new_version": itoa(newVersion),
			},
		})
	}

	done := s.clock.Now().UTC()
	rot.NewVersion = &newVersion
	rot.PostRotationChecksum = post
	rot.Status = storage.RotationCompleted
	rot.CompletedAt = &done
	rot.ErrorMessage = ""
	if err := s.store.UpdateRotation(ctx, rot); err != nil {
		log.Error().Err(err).Str("rotation_id", rot.RotationID).Msg("Failed to mark rotation completed")
	}
	s.auditRotation(ctx, key, rot, audit.EventRotationCompleted, nil)
	s.metrics.Rotation(string(trigger), nil)

	log.Info().Str("key_id", keyID).Int("old_version", rot.OldVersion).Int("new_version", newVersion).
		Str("trigger", string(trigger)).Msg("Rotated key")

	return &RotationResult{
		Success:    true,
		RotationID: rot.RotationID,
		OldVersion: rot.OldVersion,
		NewVersion: newVersion,
		Trigger:    trigger,
		RetryCount: rot.RetryCount,
	}, nil
}

// rotateOnce 单次尝试，受 RotationTimeout 限制
// 失败时停用已写入的新版本，下一次尝试使用新的版本号
func (s *service) rotateOnce(ctx context.Context, key *storage.KeyMaster, rot *storage.KeyRotation) (int, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.RotationTimeout)
	defer cancel()

	latest, err := s.store.LatestVersionNumber(attemptCtx, key.KeyID)
	if err != nil {
		return 0, "", errors.Wrap(err, "failed to read latest version")
	}
	number := latest + 1

	v, err := s.newVersion(attemptCtx, key, number)
	if err != nil {
		return 0, "", err
	}
	if err := s.store.CreateVersion(attemptCtx, v); err != nil {
		s.dropHSMKey(ctx, v)
		return 0, "", errors.Wrap(err, "failed to save new version")
	}

	abort := func(cause error) error {
		if err := s.store.DiscardVersion(ctx, key.KeyID, number, s.clock.Now().UTC()); err != nil {
			log.Error().Err(err).Str("key_id", key.KeyID).Int("version", number).Msg("Failed to discard version")
		}
		s.dropHSMKey(ctx, v)
		return cause
	}

	if !key.HSMResident {
		material, err := s.unwrap(attemptCtx, key, v)
		if err != nil {
			return 0, "", abort(errors.Wrap(err, "new version failed verification"))
		}
		securemem.SecureDelete(material)
	}

	if err := attemptCtx.Err(); err != nil {
		return 0, "", abort(errors.Wrap(err, "rotation attempt timed out"))
	}

	if err := s.store.ActivateVersion(ctx, key.KeyID, number, rot.OldVersion, s.clock.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return 0, "", abort(backoff.Permanent(errors.Wrap(err, "current version changed during rotation")))
		}
		return 0, "", abort(errors.Wrap(err, "failed to activate new version"))
	}
	return number, v.KeyChecksum, nil
}

func (s *service) failRotation(
	ctx context.Context,
	key *storage.KeyMaster,
	rot *storage.KeyRotation,
	cause error,
) (*RotationResult, error) {
	now := s.clock.Now().UTC()
	rot.Status = storage.RotationFailed
	rot.FailedAt = &now
	rot.ErrorMessage = cause.Error()
	if err := s.store.UpdateRotation(ctx, rot); err != nil {
		log.Error().Err(err).Str("rotation_id", rot.RotationID).Msg("Failed to mark rotation failed")
	}
	s.auditRotation(ctx, key, rot, audit.EventRotationFailed, cause)
	s.metrics.Rotation(string(rot.Trigger), cause)

	log.Error().Err(cause).Str("key_id", key.KeyID).Str("rotation_id", rot.RotationID).Int("retries", rot.RetryCount).Msg("Key rotation failed")

	return &RotationResult{
		Success:    false,
		RotationID: rot.RotationID,
		OldVersion: rot.OldVersion,
		Trigger:    rot.Trigger,
		RetryCount: rot.RetryCount,
	}, kmserr.Rotationf("rotation of key %s failed: %v", key.KeyID, cause)
}

func (s *service) auditRotation(ctx context.Context, key *storage.KeyMaster, rot *storage.KeyRotation, eventType string, cause error) {
	details := map[string]string{
		"rotation_id": rot.RotationID,
		"trigger":     string(rot.Trigger),
		"old_version": itoa(rot.OldVersion),
	}
	if rot.Reason != "" {
		details["reason"] = rot.Reason
	}
	if rot.NewVersion != nil {
		details["new_version"] = itoa(*rot.NewVersion)
	}
	if rot.RetryCount > 0 {
		details["retry_count"] = itoa(rot.RetryCount)
	}

	event := &audit.Event{
		EventType:     eventType,
		Category:      storage.CategoryLifecycle,
		KeyID:         key.KeyID,
		SecurityLevel: key.SecurityLevel,
		Details:       details,
	}
	if cause != nil {
		details["error"] = cause.Error()
		event.Result = audit.ResultFailure
		if eventType == audit.EventRotationFailed {
			event.Category = storage.CategorySecurity
		}
	}
	s.audit(ctx, event)
}

// retryBudget 优先使用该密钥类型的策略
func (s *service) retryBudget(ctx context.Context, key *storage.KeyMaster) (int, string) {
	p, err := s.policies.LoadPolicy(ctx, key.KeyType)
	if err != nil {
		if !errors.Is(err, policy.ErrPolicyNotFound) {
			log.Warn().Err(err).Str("key_type", string(key.KeyType)).Msg("Failed to load rotation policy, using defaults")
		}
		return s.cfg.RotationMaxRetries, ""
	}
	return p.MaxRetries, p.PolicyID
}

func (s *service) retryPolicy(ctx context.Context, maxRetries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}

func (s *service) rotationLock(keyID string) *sync.Mutex {
	m, _ := s.rotationLocks.LoadOrStore(keyID, &sync.Mutex{})
	return m.(*sync.Mutex) //nolint:forcetypeassert // map only holds *sync.Mutex
}
