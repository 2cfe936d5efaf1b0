package simulator

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/kashguard/keyguard/internal/kms/hsm"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	keySize   = 32
	nonceSize = 12
)

// adapter 软件模拟的 HSM，密钥保存在 memguard 加密内存中
type adapter struct {
	providerID string
	clock      time2.Clock

	mu        sync.RWMutex
	connected bool
	available bool
	keys      map[string]*memguard.Enclave
}

// Simulator 模拟 HSM，额外提供故障注入
type Simulator interface {
	hsm.Adapter
	// SetAvailable 模拟 HSM 掉线或恢复
	SetAvailable(available bool)
	// KeyCount 返回当前保存的密钥数量
	KeyCount() int
}

// NewAdapter 创建模拟 HSM
//
//nolint:ireturn // returning interface is intentional for abstraction
func NewAdapter(providerID string, clock time2.Clock) Simulator {
	if providerID == "" {
		providerID = hsm.ProviderSimulator
	}
	if clock == nil {
		clock = time2.DefaultClock
	}

	return &adapter{
		providerID: providerID,
		clock:      clock,
		available:  true,
		keys:       make(map[string]*memguard.Enclave),
	}
}

func (a *adapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.available {
		return errors.Wrap(hsm.ErrUnavailable, "simulator is offline")
	}
	a.connected = true
	log.Debug().Str("provider_id", a.providerID).Msg("Connected to simulated HSM")
	return nil
}

func (a *adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.connected = false
	return nil
}

func (a *adapter) SetAvailable(available bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.available = available
}

func (a *adapter) KeyCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return len(a.keys)
}

// ready 调用方需持有锁
func (a *adapter) ready() error {
	if !a.available || !a.connected {
		return errors.Wrapf(hsm.ErrUnavailable, "provider %s", a.providerID)
	}
	return nil
}

// GenerateKey 生成 AES-256 密钥
func (a *adapter) GenerateKey(_ context.Context, keySpec *hsm.KeySpec) (string, error) {
	if keySpec == nil || keySpec.KeyType != hsm.KeyTypeAES256 {
		return "", errors.Wrap(hsm.ErrUnsupported, "simulator only generates AES_256 keys")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ready(); err != nil {
		return "", err
	}

	handle := keySpec.Label
	if handle == "" {
		handle = "sim-" + uuid.New().String()
	}
	if _, exists := a.keys[handle]; exists {
		return "", errors.Errorf("handle %s already exists", handle)
	}

	a.keys[handle] = memguard.NewEnclaveRandom(keySize)
	return handle, nil
}

func (a *adapter) withKey(handle string, fn func(cipher.AEAD) error) error {
	a.mu.RLock()
	if err := a.ready(); err != nil {
		a.mu.RUnlock()
		return err
	}
	enclave, ok := a.keys[handle]
	a.mu.RUnlock()

	if !ok {
		return errors.Wrapf(hsm.ErrHandleNotFound, "handle %s", handle)
	}

	buf, err := enclave.Open()
	if err != nil {
		return errors.Wrap(err, "failed to open key enclave")
	}
	defer buf.Destroy()

	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return errors.Wrap(err, "failed to create GCM")
	}
	return fn(gcm)
}

// Encrypt 输出格式 nonce || ciphertext || tag
func (a *adapter) Encrypt(_ context.Context, handle string, plaintext, aad []byte) ([]byte, error) {
	var out []byte
	err := a.withKey(handle, func(gcm cipher.AEAD) error {
		nonce := make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return errors.Wrap(err, "failed to generate nonce")
		}
		out = gcm.Seal(nonce, nonce, plaintext, aad)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt 解密 Encrypt 的输出
func (a *adapter) Decrypt(_ context.Context, handle string, ciphertext, aad []byte) ([]byte, error) {
	var out []byte
	err := a.withKey(handle, func(gcm cipher.AEAD) error {
		if len(ciphertext) < nonceSize+gcm.Overhead() {
			return errors.New("ciphertext too short")
		}
		plaintext, err := gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], aad)
		if err != nil {
			return errors.Wrap(err, "message authentication failed")
		}
		out = plaintext
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteKey 删除密钥
func (a *adapter) DeleteKey(_ context.Context, handle string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ready(); err != nil {
		return err
	}
	if _, ok := a.keys[handle]; !ok {
		return errors.Wrapf(hsm.ErrHandleNotFound, "handle %s", handle)
	}
	delete(a.keys, handle)
	return nil
}

// HealthStatus 返回模拟的健康状态
func (a *adapter) HealthStatus(_ context.Context) (*hsm.Health, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := &hsm.Health{Status: storage.HealthHealthy, CheckedAt: a.clock.Now().UTC()}
	switch {
	case !a.available:
		h.Status = storage.HealthUnavailable
		h.Detail = "simulator offline"
	case !a.connected:
		h.Status = storage.HealthDegraded
		h.Detail = "not connected"
	}
	return h, nil
}

func (a *adapter) Info() hsm.Info {
	return hsm.Info{
		ProviderID:          a.providerID,
		ProviderType:        hsm.ProviderSimulator,
		SupportedAlgorithms: []string{"AES-256-GCM"},
		MaxKeySizeBits:      keySize * 8,
		SupportsDerivation:  false,
	}
}
