package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// memoryStore 进程内存储，用于测试和单进程部署
// 所有读写都返回副本，调用方无法绕过仓库修改内部状态
type memoryStore struct {
	mu sync.RWMutex

	keys      map[string]*KeyMaster
	versions  map[string][]*KeyVersion
	policies  map[string]*RotationPolicy
	rotations map[string]*KeyRotation
	hsms      map[string]*HSMConfiguration
	audit     []*KeyAuditLog
}

// NewMemoryStore 创建内存存储
//
//nolint:ireturn // returning interface is intentional for abstraction
func NewMemoryStore() Store {
	return &memoryStore{
		keys:      make(map[string]*KeyMaster),
		versions:  make(map[string][]*KeyVersion),
		policies:  make(map[string]*RotationPolicy),
		rotations: make(map[string]*KeyRotation),
		hsms:      make(map[string]*HSMConfiguration),
	}
}

func (s *memoryStore) Ping(_ context.Context) error {
	return nil
}

// CreateKey 保存密钥主记录
func (s *memoryStore) CreateKey(_ context.Context, key *KeyMaster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key.KeyID]; ok {
		return errors.Wrapf(ErrDuplicate, "key %s", key.KeyID)
	}
	if key.ParentKeyID != "" {
		if _, ok := s.keys[key.ParentKeyID]; !ok {
			return errors.Wrapf(ErrNotFound, "parent key %s", key.ParentKeyID)
		}
	}
	s.keys[key.KeyID] = cloneKey(key)
	return nil
}

// GetKey 获取密钥主记录
func (s *memoryStore) GetKey(_ context.Context, keyID string) (*KeyMaster, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[keyID]
	if !ok {
		return nil, false, nil
	}
	return cloneKey(k), true, nil
}

// ListKeys 按创建时间升序列出密钥
func (s *memoryStore) ListKeys(_ context.Context, filter *KeyFilter) ([]*KeyMaster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter == nil {
		filter = &KeyFilter{}
	}

	result := make([]*KeyMaster, 0, len(s.keys))
	for _, k := range s.keys {
		if filter.KeyType != "" && k.KeyType != filter.KeyType {
			continue
		}
		if filter.Status != "" && k.Status != filter.Status {
			continue
		}
		if filter.ParentKeyID != "" && k.ParentKeyID != filter.ParentKeyID {
			continue
		}
		if filter.SecurityLevel != "" && k.SecurityLevel != filter.SecurityLevel {
			continue
		}
		if filter.ExpiresBefore != nil && (k.ExpiresAt == nil || !k.ExpiresAt.Before(*filter.ExpiresBefore)) {
			continue
		}
		result = append(result, cloneKey(k))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].KeyID < result[j].KeyID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return paginate(result, filter.Offset, filter.Limit), nil
}

// TransitionKey 检查并设置密钥状态
func (s *memoryStore) TransitionKey(_ context.Context, keyID string, from, to KeyStatus, at time.Time) error {
	if !from.CanTransitionTo(to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "key %s", keyID)
	}
	if k.Status != from {
		return errors.Wrapf(ErrStatusConflict, "key %s is %s, expected %s", keyID, k.Status, from)
	}

	applyTransition(k, to, at)
	return nil
}

// RecordUsage 累加使用计数
func (s *memoryStore) RecordUsage(_ context.Context, keyID string, operations, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "key %s", keyID)
	}
	if k.MaxUsageCount > 0 && k.UsageCount+operations > k.MaxUsageCount {
		return errors.Wrapf(ErrUsageLimitExceeded, "key %s used %d of %d", keyID, k.UsageCount, k.MaxUsageCount)
	}
	k.UsageCount += operations
	k.BytesProcessed += bytes
	return nil
}

// ReleaseUsage 回退使用计数
func (s *memoryStore) ReleaseUsage(_ context.Context, keyID string, operations, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "key %s", keyID)
	}
	k.UsageCount = max(k.UsageCount-operations, 0)
	k.BytesProcessed = max(k.BytesProcessed-bytes, 0)
	return nil
}

// CreateVersion 保存新的密钥版本
func (s *memoryStore) CreateVersion(_ context.Context, version *KeyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[version.KeyID]; !ok {
		return errors.Wrapf(ErrNotFound, "key %s", version.KeyID)
	}
	for _, v := range s.versions[version.KeyID] {
		if v.VersionNumber == version.VersionNumber {
			return errors.Wrapf(ErrDuplicate, "key %s version %d", version.KeyID, version.VersionNumber)
		}
	}

	versions := append(s.versions[version.KeyID], cloneVersion(version))
	sort.Slice(versions, func(i, j int) bool { return versions[i].VersionNumber < versions[j].VersionNumber })
	s.versions[version.KeyID] = versions
	return nil
}

func (s *memoryStore) findVersion(keyID string, version int) *KeyVersion {
	for _, v := range s.versions[keyID] {
		if v.VersionNumber == version {
			return v
		}
	}
	return nil
}

// GetVersion 获取指定版本
func (s *memoryStore) GetVersion(_ context.Context, keyID string, version int) (*KeyVersion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := s.findVersion(keyID, version)
	if v == nil {
		return nil, false, nil
	}
	return cloneVersion(v), true, nil
}

// GetCurrentVersion 获取当前版本
func (s *memoryStore) GetCurrentVersion(_ context.Context, keyID string) (*KeyVersion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.versions[keyID]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].IsCurrent() {
			return cloneVersion(versions[i]), true, nil
		}
	}
	return nil, false, nil
}

// LatestVersionNumber 返回已分配的最大版本号，没有版本时返回 0
func (s *memoryStore) LatestVersionNumber(_ context.Context, keyID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.versions[keyID]
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1].VersionNumber, nil
}

// ListVersions 按版本号升序列出
func (s *memoryStore) ListVersions(_ context.Context, keyID string) ([]*KeyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*KeyVersion, 0, len(s.versions[keyID]))
	for _, v := range s.versions[keyID] {
		result = append(result, cloneVersion(v))
	}
	return result, nil
}

// ActivateVersion 激活新版本并停用旧版本
func (s *memoryStore) ActivateVersion(_ context.Context, keyID string, version, previous int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.findVersion(keyID, version)
	if next == nil {
		return errors.Wrapf(ErrNotFound, "key %s version %d", keyID, version)
	}
	if next.ActivatedAt != nil || next.DeactivatedAt != nil {
		return errors.Wrapf(ErrImmutable, "key %s version %d already activated or discarded", keyID, version)
	}

	var prev *KeyVersion
	if previous > 0 {
		prev = s.findVersion(keyID, previous)
		if prev == nil {
			return errors.Wrapf(ErrNotFound, "key %s version %d", keyID, previous)
		}
		if !prev.IsCurrent() {
			return errors.Wrapf(ErrStatusConflict, "key %s version %d is not current", keyID, previous)
		}
	}

	next.ActivatedAt = timePtr(at)
	if prev != nil {
		prev.DeactivatedAt = timePtr(at)
	}
	return nil
}

// DiscardVersion 停用未激活的版本
func (s *memoryStore) DiscardVersion(_ context.Context, keyID string, version int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.findVersion(keyID, version)
	if v == nil {
		return errors.Wrapf(ErrNotFound, "key %s version %d", keyID, version)
	}
	if v.ActivatedAt != nil || v.DeactivatedAt != nil {
		return errors.Wrapf(ErrImmutable, "key %s version %d", keyID, version)
	}
	v.DeactivatedAt = timePtr(at)
	return nil
}

// CreatePolicy 保存轮换策略
func (s *memoryStore) CreatePolicy(_ context.Context, policy *RotationPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[policy.PolicyID]; ok {
		return errors.Wrapf(ErrDuplicate, "policy %s", policy.PolicyID)
	}
	s.policies[policy.PolicyID] = clonePolicy(policy)
	return nil
}

// GetPolicy 获取轮换策略
func (s *memoryStore) GetPolicy(_ context.Context, policyID string) (*RotationPolicy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[policyID]
	if !ok {
		return nil, false, nil
	}
	return clonePolicy(p), true, nil
}

// UpdatePolicy 更新轮换策略
func (s *memoryStore) UpdatePolicy(_ context.Context, policy *RotationPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[policy.PolicyID]; !ok {
		return errors.Wrapf(ErrNotFound, "policy %s", policy.PolicyID)
	}
	s.policies[policy.PolicyID] = clonePolicy(policy)
	return nil
}

// ListPolicies 列出轮换策略
func (s *memoryStore) ListPolicies(_ context.Context, filter *PolicyFilter) ([]*RotationPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter == nil {
		filter = &PolicyFilter{}
	}

	result := make([]*RotationPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		if filter.KeyType != "" && p.KeyType != filter.KeyType {
			continue
		}
		if filter.EnabledOnly && !p.Enabled {
			continue
		}
		result = append(result, clonePolicy(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PolicyID < result[j].PolicyID })
	return result, nil
}

// CreateRotation 保存轮换记录
func (s *memoryStore) CreateRotation(_ context.Context, rotation *KeyRotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rotations[rotation.RotationID]; ok {
		return errors.Wrapf(ErrDuplicate, "rotation %s", rotation.RotationID)
	}
	if rotation.Status == RotationRunning && s.hasRunning(rotation.KeyID, rotation.RotationID) {
		return errors.Wrapf(ErrDuplicate, "rotation already running for key %s", rotation.KeyID)
	}
	s.rotations[rotation.RotationID] = cloneRotation(rotation)
	return nil
}

func (s *memoryStore) hasRunning(keyID, exceptID string) bool {
	for _, r := range s.rotations {
		if r.KeyID == keyID && r.RotationID != exceptID && r.Status == RotationRunning {
			return true
		}
	}
	return false
}

// GetRotation 获取轮换记录
func (s *memoryStore) GetRotation(_ context.Context, rotationID string) (*KeyRotation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rotations[rotationID]
	if !ok {
		return nil, false, nil
	}
	return cloneRotation(r), true, nil
}

// UpdateRotation 更新轮换记录
func (s *memoryStore) UpdateRotation(_ context.Context, rotation *KeyRotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rotations[rotation.RotationID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "rotation %s", rotation.RotationID)
	}
	if current.Status.Terminal() {
		return errors.Wrapf(ErrImmutable, "rotation %s is %s", rotation.RotationID, current.Status)
	}
	if rotation.Status == RotationRunning && s.hasRunning(rotation.KeyID, rotation.RotationID) {
		return errors.Wrapf(ErrDuplicate, "rotation already running for key %s", rotation.KeyID)
	}
	s.rotations[rotation.RotationID] = cloneRotation(rotation)
	return nil
}

// ListRotations 按计划时间降序列出轮换记录
func (s *memoryStore) ListRotations(_ context.Context, filter *RotationFilter) ([]*KeyRotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter == nil {
		filter = &RotationFilter{}
	}

	result := make([]*KeyRotation, 0)
	for _, r := range s.rotations {
		if filter.KeyID != "" && r.KeyID != filter.KeyID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Since != nil && r.ScheduledAt.Before(*filter.Since) {
			continue
		}
		result = append(result, cloneRotation(r))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ScheduledAt.Equal(result[j].ScheduledAt) {
			return result[i].RotationID > result[j].RotationID
		}
		return result[i].ScheduledAt.After(result[j].ScheduledAt)
	})
	return paginate(result, 0, filter.Limit), nil
}

// SaveHSMConfig 保存或覆盖 HSM 配置
func (s *memoryStore) SaveHSMConfig(_ context.Context, cfg *HSMConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cloneHSM(cfg)
	if existing, ok := s.hsms[cfg.ProviderID]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	s.hsms[cfg.ProviderID] = c
	return nil
}

// GetHSMConfig 获取 HSM 配置
func (s *memoryStore) GetHSMConfig(_ context.Context, providerID string) (*HSMConfiguration, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.hsms[providerID]
	if !ok {
		return nil, false, nil
	}
	return cloneHSM(c), true, nil
}

// ListHSMConfigs 列出 HSM 配置
func (s *memoryStore) ListHSMConfigs(_ context.Context) ([]*HSMConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*HSMConfiguration, 0, len(s.hsms))
	for _, c := range s.hsms {
		result = append(result, cloneHSM(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProviderID < result[j].ProviderID })
	return result, nil
}

// UpdateHSMHealth 更新 HSM 健康状态
func (s *memoryStore) UpdateHSMHealth(_ context.Context, providerID string, status HealthStatus, detail string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.hsms[providerID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "hsm %s", providerID)
	}
	c.HealthStatus = status
	c.HealthDetail = detail
	c.LastHealthCheck = timePtr(at)
	c.UpdatedAt = at
	return nil
}

// AppendAuditLog 追加审计记录
func (s *memoryStore) AppendAuditLog(_ context.Context, rec *KeyAuditLog, seal SealFunc) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := ""
	if n := len(s.audit); n > 0 {
		previous = s.audit[n-1].LogHash
	}

	hash, err := seal(previous)
	if err != nil {
		return 0, errors.Wrap(err, "failed to seal audit record")
	}

	rec.LogHash = hash
	rec.LogID = int64(len(s.audit) + 1)
	s.audit = append(s.audit, cloneAudit(rec))
	return rec.LogID, nil
}

// GetAuditLog 获取审计记录
func (s *memoryStore) GetAuditLog(_ context.Context, logID int64) (*KeyAuditLog, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if logID <= 0 || logID > int64(len(s.audit)) {
		return nil, false, nil
	}
	return cloneAudit(s.audit[logID-1]), true, nil
}

// PreviousAuditLog 获取 beforeID 之前的最后一条审计记录
func (s *memoryStore) PreviousAuditLog(_ context.Context, beforeID int64) (*KeyAuditLog, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := min(beforeID-1, int64(len(s.audit)))
	if n <= 0 {
		return nil, false, nil
	}
	return cloneAudit(s.audit[n-1]), true, nil
}

// ListAuditLogs 按 log_id 升序列出审计记录
func (s *memoryStore) ListAuditLogs(_ context.Context, filter *AuditFilter) ([]*KeyAuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter == nil {
		filter = &AuditFilter{}
	}

	result := make([]*KeyAuditLog, 0)
	for _, rec := range s.audit {
		if rec.LogID < filter.FromID {
			continue
		}
		if filter.ToID > 0 && rec.LogID > filter.ToID {
			break
		}
		if filter.KeyID != "" && rec.KeyID != filter.KeyID {
			continue
		}
		if filter.EventType != "" && rec.EventType != filter.EventType {
			continue
		}
		if filter.Category != "" && rec.EventCategory != filter.Category {
			continue
		}
		if filter.Since != nil && rec.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && rec.Timestamp.After(*filter.Until) {
			continue
		}
		result = append(result, cloneAudit(rec))
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// applyTransition 设置新状态及对应时间戳
func applyTransition(k *KeyMaster, to KeyStatus, at time.Time) {
	k.Status = to
	k.UpdatedAt = at
	switch to {
	case StatusActive:
		k.ActivatedAt = timePtr(at)
	case StatusRotated:
		k.RotatedAt = timePtr(at)
		k.UsageCount = 0
		k.BytesProcessed = 0
	case StatusExpired:
		if k.ExpiresAt == nil || k.ExpiresAt.After(at) {
			k.ExpiresAt = timePtr(at)
		}
	case StatusPending, StatusRevoked, StatusArchived:
	}
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

func cloneKey(k *KeyMaster) *KeyMaster {
	c := *k
	if k.Tags != nil {
		c.Tags = make(map[string]string, len(k.Tags))
		for tk, tv := range k.Tags {
			c.Tags[tk] = tv
		}
	}
	c.ActivatedAt = copyTime(k.ActivatedAt)
	c.RotatedAt = copyTime(k.RotatedAt)
	c.ExpiresAt = copyTime(k.ExpiresAt)
	return &c
}

func cloneVersion(v *KeyVersion) *KeyVersion {
	c := *v
	c.EncryptedKey = append([]byte(nil), v.EncryptedKey...)
	c.EncryptionMetadata = append([]byte(nil), v.EncryptionMetadata...)
	c.ActivatedAt = copyTime(v.ActivatedAt)
	c.DeactivatedAt = copyTime(v.DeactivatedAt)
	return &c
}

func clonePolicy(p *RotationPolicy) *RotationPolicy {
	c := *p
	c.WindowStartHour = copyInt(p.WindowStartHour)
	c.WindowEndHour = copyInt(p.WindowEndHour)
	return &c
}

func cloneRotation(r *KeyRotation) *KeyRotation {
	c := *r
	c.NewVersion = copyInt(r.NewVersion)
	c.StartedAt = copyTime(r.StartedAt)
	c.CompletedAt = copyTime(r.CompletedAt)
	c.FailedAt = copyTime(r.FailedAt)
	return &c
}

func cloneHSM(h *HSMConfiguration) *HSMConfiguration {
	c := *h
	c.SupportedAlgorithms = append([]string(nil), h.SupportedAlgorithms...)
	c.LastHealthCheck = copyTime(h.LastHealthCheck)
	return &c
}

func cloneAudit(a *KeyAuditLog) *KeyAuditLog {
	c := *a
	if a.Details != nil {
		c.Details = make(map[string]string, len(a.Details))
		for k, v := range a.Details {
			c.Details[k] = v
		}
	}
	return &c
}
