// Package nonce 为每个逻辑密钥分配并跟踪 nonce，保证同一密钥下 nonce 不重复
package nonce

import (
	"container/list"
	"crypto/rand"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultLength AES-GCM 标准 96 位 nonce
	DefaultLength = 12

	MinLength = 8
	MaxLength = 32

	// DefaultMaxNoncesPerKey NIST SP 800-38D 对随机 nonce 的调用上限
	DefaultMaxNoncesPerKey uint64 = 1 << 32

	DefaultMaxTrackedPerKey = 100000

	// maxGenerateAttempts 随机 nonce 与已跟踪集合冲突时的最大重试次数
	maxGenerateAttempts = 8
)

// Config NonceManager 配置
type Config struct {
	MaxTrackedPerKey int
	MaxNoncesPerKey  uint64
}

// Stats nonce 统计信息
type Stats struct {
	KeyID      string `json:"key_id,omitempty"`
	Keys       int    `json:"keys"`
	Tracked    int    `json:"tracked"`
	Generated  uint64 `json:"generated"`
	Collisions uint64 `json:"collisions"`
	Evicted    uint64 `json:"evicted"`
}

// Manager nonce 管理器
// 每个密钥拥有独立的锁，不同密钥之间互不阻塞
type Manager struct {
	cfg   Config
	clock time2.Clock

	mu   sync.RWMutex
	keys map[string]*keyState
}

type keyState struct {
	mu         sync.Mutex
	seen       map[string]*list.Element
	order      *list.List // 按记录时间排序，最旧的在前
	generated  uint64
	collisions uint64
	evicted    uint64
}

type entry struct {
	nonce    string
	recorded time.Time
}

// NewManager 创建 nonce 管理器，clock 为 nil 时使用系统时钟
func NewManager(cfg Config, clock time2.Clock) *Manager {
	if cfg.MaxTrackedPerKey <= 0 {
		cfg.MaxTrackedPerKey = DefaultMaxTrackedPerKey
	}
	if cfg.MaxNoncesPerKey == 0 {
		cfg.MaxNoncesPerKey = DefaultMaxNoncesPerKey
	}
	if clock == nil {
		clock = time2.DefaultClock
	}

	return &Manager{
		cfg:   cfg,
		clock: clock,
		keys:  make(map[string]*keyState),
	}
}

func (m *Manager) state(keyID string) *keyState {
	m.mu.RLock()
	ks, ok := m.keys[keyID]
	m.mu.RUnlock()
	if ok {
		return ks
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ks, ok = m.keys[keyID]; ok {
		return ks
	}
	ks = &keyState{
		seen:  make(map[string]*list.Element),
		order: list.New(),
	}
	m.keys[keyID] = ks
	return ks
}

// limit 返回给定长度下某个密钥可分配的 nonce 上限
func (m *Manager) limit(length int) uint64 {
	bits := 8 * length
	if bits-1 >= 64 {
		return m.cfg.MaxNoncesPerKey
	}
	// 生日界：超过空间一半即视为碰撞风险不可接受
	space := uint64(1) << uint(bits-1)
	if space < m.cfg.MaxNoncesPerKey {
		return space
	}
	return m.cfg.MaxNoncesPerKey
}

// GenerateNonce 为 keyID 生成新的随机 nonce
// 返回前已在该密钥的跟踪集合中检查并记录
func (m *Manager) GenerateNonce(keyID string, length int) ([]byte, error) {
	if keyID == "" {
		return nil, kmserr.Validation("nonce scope key id is required")
	}
	if length == 0 {
		length = DefaultLength
	}
	if length < MinLength || length > MaxLength {
		return nil, kmserr.Validationf("nonce length %d out of range [%d, %d]", length, MinLength, MaxLength)
	}

	ks := m.state(keyID)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.generated >= m.limit(length) {
		log.Warn().Str("key_id", keyID).Uint64("generated", ks.generated).Msg("Nonce budget exhausted for key")
		return nil, errors.Wrapf(kmserr.ErrNonceExhaustion, "key %s generated %d nonces", keyID, ks.generated)
	}

	buf := make([]byte, length)
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		if _, err := rand.Read(buf); err != nil {
			return nil, errors.Wrap(err, "failed to read random nonce")
		}
		if _, dup := ks.seen[string(buf)]; dup {
			ks.collisions++
			continue
		}

		m.record(ks, string(buf))
		ks.generated++
		return buf, nil
	}

	return nil, errors.Wrapf(kmserr.ErrNonceCollision, "key %s: no unique nonce after %d attempts", keyID, maxGenerateAttempts)
}

// ValidateNonce 检查 nonce 是否未被该密钥使用过
// 已使用时返回 ErrNonceCollision
func (m *Manager) ValidateNonce(nonce []byte, keyID string) (bool, error) {
	if len(nonce) == 0 {
		return false, kmserr.Validation("nonce is empty")
	}

	ks := m.state(keyID)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, dup := ks.seen[string(nonce)]; dup {
		ks.collisions++
		return false, errors.Wrapf(kmserr.ErrNonceCollision, "nonce already used for key %s", keyID)
	}
	return true, nil
}

// MarkNonceUsed 手动登记一个 nonce，已存在时返回 false
func (m *Manager) MarkNonceUsed(nonce []byte, keyID string) bool {
	if len(nonce) == 0 {
		return false
	}

	ks := m.state(keyID)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, dup := ks.seen[string(nonce)]; dup {
		return false
	}
	m.record(ks, string(nonce))
	return true
}

// record 在持有 ks.mu 时调用
func (m *Manager) record(ks *keyState, nonce string) {
	el := ks.order.PushBack(&entry{nonce: nonce, recorded: m.clock.Now()})
	ks.seen[nonce] = el

	for ks.order.Len() > m.cfg.MaxTrackedPerKey {
		oldest := ks.order.Front()
		ks.order.Remove(oldest)
		delete(ks.seen, oldest.Value.(*entry).nonce) //nolint:forcetypeassert // list only holds *entry
		ks.evicted++
	}
}

// CleanupOldNonces 移除所有密钥中早于 maxAge 的跟踪记录，返回移除数量
// 已分配计数不会减少，因此清理不会重置耗尽判断
func (m *Manager) CleanupOldNonces(maxAge time.Duration) int {
	cutoff := m.clock.Now().Add(-maxAge)

	m.mu.RLock()
	states := make([]*keyState, 0, len(m.keys))
	for _, ks := range m.keys {
		states = append(states, ks)
	}
	m.mu.RUnlock()

	removed := 0
	for _, ks := range states {
		ks.mu.Lock()
		for el := ks.order.Front(); el != nil; {
			e := el.Value.(*entry) //nolint:forcetypeassert // list only holds *entry
			if !e.recorded.Before(cutoff) {
				break
			}
			next := el.Next()
			ks.order.Remove(el)
			delete(ks.seen, e.nonce)
			removed++
			el = next
		}
		ks.mu.Unlock()
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Dur("max_age", maxAge).Msg("Cleaned up old nonces")
	}
	return removed
}

// Stats 返回 keyID 的统计；keyID 为空时返回所有密钥的汇总
func (m *Manager) Stats(keyID string) Stats {
	if keyID != "" {
		m.mu.RLock()
		ks, ok := m.keys[keyID]
		m.mu.RUnlock()
		if !ok {
			return Stats{KeyID: keyID}
		}
		ks.mu.Lock()
		defer ks.mu.Unlock()
		return Stats{
			KeyID:      keyID,
			Keys:       1,
			Tracked:    ks.order.Len(),
			Generated:  ks.generated,
			Collisions: ks.collisions,
			Evicted:    ks.evicted,
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	total := Stats{Keys: len(m.keys)}
	for _, ks := range m.keys {
		ks.mu.Lock()
		total.Tracked += ks.order.Len()
		total.Generated += ks.generated
		total.Collisions += ks.collisions
		total.Evicted += ks.evicted
		ks.mu.Unlock()
	}
	return total
}

// Remaining 返回 keyID 在给定长度下剩余的 nonce 额度
func (m *Manager) Remaining(keyID string, length int) uint64 {
	if length == 0 {
		length = DefaultLength
	}
	limit := m.limit(length)

	m.mu.RLock()
	ks, ok := m.keys[keyID]
	m.mu.RUnlock()
	if !ok {
		return limit
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.generated >= limit {
		return 0
	}
	return limit - ks.generated
}
