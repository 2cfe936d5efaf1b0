// Package key 实现密钥层级的生命周期管理：创建、包装、轮换、加解密与审计
package key

import (
	"context"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/kashguard/keyguard/internal/kms/audit"
	"github.com/kashguard/keyguard/internal/kms/encryption"
	"github.com/kashguard/keyguard/internal/kms/hsm"
	"github.com/kashguard/keyguard/internal/kms/kdf"
	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/kms/nonce"
	"github.com/kashguard/keyguard/internal/kms/policy"
	"github.com/kashguard/keyguard/internal/kms/securemem"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/kashguard/keyguard/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Service 密钥管理服务接口
//
//nolint:interfacebloat // the key manager is the single entry point of the core
type Service interface {
	CreateMasterKey(ctx context.Context, req *CreateKeyRequest) (*storage.KeyMaster, error)
	GetKeyByID(ctx context.Context, keyID string) (*storage.KeyMaster, bool, error)
	ListKeys(ctx context.Context, filter *storage.KeyFilter) ([]*storage.KeyMaster, error)
	ListVersions(ctx context.Context, keyID string) ([]*storage.KeyVersion, error)
	// GetKeyMaterial 返回明文密钥材料，调用方负责 securemem.SecureDelete
	GetKeyMaterial(ctx context.Context, keyID string, version int) ([]byte, error)

	Encrypt(ctx context.Context, req *EncryptRequest) (*EncryptResponse, error)
	Decrypt(ctx context.Context, req *DecryptRequest) (*DecryptResponse, error)

	ActivateKey(ctx context.Context, keyID string) error
	RevokeKey(ctx context.Context, keyID, reason string) error
	ExpireKey(ctx context.Context, keyID string) error
	ArchiveKey(ctx context.Context, keyID string) error

	RotateKey(ctx context.Context, keyID string, trigger storage.RotationTrigger, reason string) (*RotationResult, error)
	RunScheduledRotations(ctx context.Context) (*SweepResult, error)
	ExpireDueKeys(ctx context.Context) (int, error)

	CreateRotationPolicy(ctx context.Context, p *storage.RotationPolicy) (*storage.RotationPolicy, error)
	UpdateRotationPolicy(ctx context.Context, p *storage.RotationPolicy) (*storage.RotationPolicy, error)
	ListRotationPolicies(ctx context.Context, filter *storage.PolicyFilter) ([]*storage.RotationPolicy, error)

	RegisterHSM(ctx context.Context) (*storage.HSMConfiguration, error)

	KeysExpiringSoon(ctx context.Context, within time.Duration) ([]*storage.KeyMaster, error)
	FailedRotations(ctx context.Context, since time.Time) ([]*storage.KeyRotation, error)
	HSMHealth(ctx context.Context) ([]*storage.HSMConfiguration, error)
	MemoryStats() securemem.MemoryStats
	NonceStats(scope string) nonce.Stats

	Close(ctx context.Context) error
}

// Deps 服务依赖，HSM 与 Metrics 可以为 nil
type Deps struct {
	Store    storage.Store
	Trail    audit.Trail
	Engine   *encryption.Engine
	Nonces   *nonce.Manager
	Memory   *securemem.Allocator
	KDF      *kdf.Deriver
	Policies policy.Engine
	HSM      hsm.Adapter
	Clock    time2.Clock
	Metrics  *metrics.Service
}

// service 密钥管理服务实现
type service struct {
	cfg      Config
	store    storage.Store
	trail    audit.Trail
	engine   *encryption.Engine
	nonces   *nonce.Manager
	mem      *securemem.Allocator
	policies policy.Engine
	hsm      hsm.Adapter
	clock    time2.Clock
	metrics  *metrics.Service

	rootKey *memguard.Enclave

	// rotationLocks 每个密钥一把轮换锁
	rotationLocks sync.Map
}

// NewService 创建新的密钥管理服务
// 根包装密钥在这里派生一次并保存在 memguard enclave 中
//
//nolint:ireturn // returning interface is intentional for abstraction
func NewService(cfg Config, deps Deps) (Service, error) {
	if deps.Store == nil || deps.Trail == nil || deps.Engine == nil || deps.Nonces == nil || deps.Memory == nil {
		return nil, errors.New("store, audit trail, engine, nonce manager and allocator are required")
	}
	if deps.KDF == nil {
		deps.KDF = kdf.New(kdf.Params{})
	}
	if deps.Policies == nil {
		deps.Policies = policy.NewEngine(deps.Store)
	}
	if deps.Clock == nil {
		deps.Clock = time2.DefaultClock
	}
	if cfg.RootKDFIterations == 0 {
		cfg.RootKDFIterations = DefaultRootKDFIterations
	}
	if cfg.RotationTimeout <= 0 {
		cfg.RotationTimeout = DefaultRotationTimeout
	}
	if cfg.RotationMaxRetries < 0 {
		cfg.RotationMaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	root, err := deps.KDF.DeriveKey(cfg.RootPassphrase, cfg.RootSalt, encryption.KeySize, cfg.RootKDFIterations)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive root wrapping key")
	}

	return &service{
		cfg:      cfg,
		store:    deps.Store,
		trail:    deps.Trail,
		engine:   deps.Engine,
		nonces:   deps.Nonces,
		mem:      deps.Memory,
		policies: deps.Policies,
		hsm:      deps.HSM,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		rootKey:  memguard.NewEnclave(root),
	}, nil
}

// CreateMasterKey 创建密钥并生成第一个版本
func (s *service) CreateMasterKey(ctx context.Context, req *CreateKeyRequest) (*storage.KeyMaster, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	key := &storage.KeyMaster{
		KeyID:         s.generateKeyID(),
		KeyType:       req.KeyType,
		Algorithm:     req.Algorithm,
		KeySizeBits:   encryption.KeySize * 8,
		Status:        storage.StatusPending,
		Description:   req.Description,
		ParentKeyID:   req.ParentKeyID,
		SecurityLevel: req.SecurityLevel,
		MaxUsageCount: req.MaxUsageCount,
		ExpiresAt:     req.ExpiresAt,
		Tags:          req.Tags,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if req.ParentKeyID != "" {
		parent, err := s.loadKey(ctx, req.ParentKeyID)
		if err != nil {
			return nil, err
		}
		if !parent.KeyType.CanWrap() {
			return nil, kmserr.Validationf("parent key %s of type %s cannot wrap keys", parent.KeyID, parent.KeyType)
		}
		if !parent.Status.CanWrapChildren() {
			return nil, kmserr.Securityf("parent key %s is %s", parent.KeyID, parent.Status)
		}
	}

	key.HSMResident = s.wantsHSM(key)
	version, err := s.newVersion(ctx, key, 1)
	if err != nil && key.HSMResident && errors.Is(err, hsm.ErrUnavailable) {
		if ferr := s.fallback(ctx, key, err); ferr != nil {
			return nil, ferr
		}
		key.HSMResident = false
		version, err = s.newVersion(ctx, key, 1)
	}
	if err != nil {
		return nil, err
	}
	if key.HSMResident {
		key.HSMProviderID = s.hsm.Info().ProviderID
	}

	if err := s.store.CreateKey(ctx, key); err != nil {
		s.dropHSMKey(ctx, version)
		return nil, errors.Wrap(err, "failed to save key")
	}
	if err := s.store.CreateVersion(ctx, version); err != nil {
		s.dropHSMKey(ctx, version)
		return nil, errors.Wrap(err, "failed to save key version")
	}
	if err := s.store.ActivateVersion(ctx, key.KeyID, 1, 0, now); err != nil {
		return nil, errors.Wrap(err, "failed to activate key version")
	}

	s.audit(ctx, &audit.Event{
		EventType:     audit.EventKeyCreated,
		KeyID:         key.KeyID,
		SecurityLevel: key.SecurityLevel,
		Details: map[string]string{
			"key_type":     string(key.KeyType),
			"parent":       key.ParentKeyID,
			"hsm_resident": boolString(key.HSMResident),
		},
	})

	if !req.StartPending {
		if err := s.transition(ctx, key, storage.StatusActive, audit.EventKeyActivated, storage.CategoryLifecycle, nil); err != nil {
			return nil, err
		}
	}

	created, _, err := s.store.GetKey(ctx, key.KeyID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reload key")
	}

	log.Info().Str("key_id", key.KeyID).Str("key_type", string(key.KeyType)).Bool("hsm_resident", key.HSMResident).Msg("Created key")
	return created, nil
}

func (s *service) validateCreate(req *CreateKeyRequest) error {
	if req == nil {
		return kmserr.Validation("create key request is required")
	}
	if !req.KeyType.Valid() {
		return kmserr.Validationf("unknown key type %q", req.KeyType)
	}
	if req.Algorithm == "" {
		req.Algorithm = encryption.AlgorithmAES256GCM
	}
	if req.Algorithm != encryption.AlgorithmAES256GCM {
		return kmserr.Validationf("unsupported algorithm %q", req.Algorithm)
	}
	if req.SecurityLevel == "" {
		req.SecurityLevel = storage.SecurityLevelStandard
	}
	if !req.SecurityLevel.Valid() {
		return kmserr.Validationf("unknown security level %q", req.SecurityLevel)
	}
	if req.MaxUsageCount < 0 {
		return kmserr.Validation("max usage count must not be negative")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.clock.Now()) {
		return kmserr.Validation("expiry must be in the future")
	}
	return nil
}

// GetKeyByID 获取密钥
func (s *service) GetKeyByID(ctx context.Context, keyID string) (*storage.KeyMaster, bool, error) {
	key, found, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to get key")
	}
	return key, found, nil
}

// ListKeys 列出密钥
func (s *service) ListKeys(ctx context.Context, filter *storage.KeyFilter) ([]*storage.KeyMaster, error) {
	keys, err := s.store.ListKeys(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keys")
	}
	return keys, nil
}

// ListVersions 列出密钥的全部版本
func (s *service) ListVersions(ctx context.Context, keyID string) ([]*storage.KeyVersion, error) {
	if _, err := s.loadKey(ctx, keyID); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, keyID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list key versions")
	}
	return versions, nil
}

// GetKeyMaterial 解包指定版本的密钥材料，每次调用都会审计
func (s *service) GetKeyMaterial(ctx context.Context, keyID string, version int) ([]byte, error) {
	key, err := s.loadKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if !key.Status.CanDecrypt() {
		return nil, kmserr.Securityf("key %s is %s", keyID, key.Status)
	}

	v, err := s.loadVersion(ctx, keyID, version)
	if err != nil {
		return nil, err
	}

	material, err := s.unwrap(ctx, key, v)
	s.audit(ctx, &audit.Event{
		EventType:     audit.EventKeyAccessed,
		Category:      storage.CategorySecurity,
		KeyID:         keyID,
		SecurityLevel: key.SecurityLevel,
		Result:        result(err),
		Details:       map[string]string{"version": itoa(v.VersionNumber)},
	})
	if err != nil {
		return nil, err
	}
	return material, nil
}

// ActivateKey pending -> active
func (s *service) ActivateKey(ctx context.Context, keyID string) error {
	key, err := s.loadKey(ctx, keyID)
	if err != nil {
		return err
	}
	return s.transition(ctx, key, storage.StatusActive, audit.EventKeyActivated, storage.CategoryLifecycle, nil)
}

// RevokeKey 吊销后密钥不能再加密或解密，其子密钥也无法再解包
func (s *service) RevokeKey(ctx context.Context, keyID, reason string) error {
	key, err := s.loadKey(ctx, keyID)
	if err != nil {
		return err
	}
	return s.transition(ctx, key, storage.StatusRevoked, audit.EventKeyRevoked, storage.CategorySecurity,
		map[string]string{"reason": reason})
}

// ExpireKey 过期后只能解密
func (s *service) ExpireKey(ctx context.Context, keyID string) error {
	key, err := s.loadKey(ctx, keyID)
	if err != nil {
		return err
	}
	return s.transition(ctx, key, storage.StatusExpired, audit.EventKeyExpired, storage.CategoryCompliance, nil)
}

// ArchiveKey rotated -> archived
func (s *service) ArchiveKey(ctx context.Context, keyID string) error {
	key, err := s.loadKey(ctx, keyID)
	if err != nil {
		return err
	}
	return s.transition(ctx, key, storage.StatusArchived, audit.EventKeyArchived, storage.CategoryLifecycle, nil)
}

func (s *service) transition(
	ctx context.Context,
	key *storage.KeyMaster,
	to storage.KeyStatus,
	eventType string,
	category storage.EventCategory,
	details map[string]string,
) error {
	from := key.Status
	if !from.CanTransitionTo(to) {
		s.audit(ctx, &audit.Event{
			EventType:     eventType,
			Category:      category,
			KeyID:         key.KeyID,
			SecurityLevel: key.SecurityLevel,
			Result:        audit.ResultFailure,
			Details:       map[string]string{"from": string(from), "to": string(to)},
		})
		return kmserr.Validationf("key %s cannot move from %s to %s", key.KeyID, from, to)
	}

	err := s.store.TransitionKey(ctx, key.KeyID, from, to, s.clock.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return kmserr.Validationf("key %s changed status concurrently", key.KeyID)
		}
		return errors.Wrap(err, "failed to transition key")
	}
	key.Status = to

	merged := map[string]string{"from": string(from), "to": string(to)}
	for k, v := range details {
		merged[k] = v
	}
	s.audit(ctx, &audit.Event{
		EventType:     eventType,
		Category:      category,
		KeyID:         key.KeyID,
		SecurityLevel: key.SecurityLevel,
		Details:       merged,
	})

	log.Info().Str("key_id", key.KeyID).Str("from", string(from)).Str("to", string(to)).Msg("Key status changed")
	return nil
}

// MemoryStats 安全内存统计
func (s *service) MemoryStats() securemem.MemoryStats {
	return s.mem.Stats()
}

// NonceStats 按 VersionScope 返回 nonce 统计，scope 为空时返回全局统计
func (s *service) NonceStats(scope string) nonce.Stats {
	return s.nonces.Stats(scope)
}

// Close 断开 HSM
func (s *service) Close(ctx context.Context) error {
	var result *multierror.Error
	if s.hsm != nil {
		if err := s.hsm.Disconnect(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to disconnect hsm"))
		}
	}
	return result.ErrorOrNil()
}

func (s *service) loadKey(ctx context.Context, keyID string) (*storage.KeyMaster, error) {
	if keyID == "" {
		return nil, kmserr.Validation("key id is required")
	}
	key, found, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get key")
	}
	if !found {
		return nil, kmserr.KeyNotFound(keyID)
	}
	return key, nil
}

// loadVersion version 为 0 时返回当前版本
func (s *service) loadVersion(ctx context.Context, keyID string, version int) (*storage.KeyVersion, error) {
	var (
		v     *storage.KeyVersion
		found bool
		err   error
	)
	if version == 0 {
		v, found, err = s.store.GetCurrentVersion(ctx, keyID)
	} else {
		v, found, err = s.store.GetVersion(ctx, keyID, version)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get key version")
	}
	if !found || (version != 0 && v.ActivatedAt == nil) {
		return nil, kmserr.VersionNotFound(keyID, version)
	}
	return v, nil
}

// audit 审计写入失败只记录日志，不影响已经完成的操作
func (s *service) audit(ctx context.Context, event *audit.Event) {
	if _, err := s.trail.Append(ctx, event); err != nil {
		log.Error().Err(err).Str("event_type", event.EventType).Str("key_id", event.KeyID).Msg("Failed to write audit event")
	}
}

// generateKeyID 生成密钥ID
func (s *service) generateKeyID() string {
	return "key-" + uuid.New().String()
}

func result(err error) string {
	if err != nil {
		return audit.ResultFailure
	}
	return audit.ResultSuccess
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
