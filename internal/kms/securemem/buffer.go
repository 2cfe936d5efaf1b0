// Package securemem 提供敏感字节的受控生命周期：锁定内存缓冲区和尽力而为的安全擦除
package securemem

import (
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/pkg/errors"
)

// SecureBuffer 固定容量的锁定内存缓冲区
// Clear 之后任何读写都返回 ErrMemorySecurity
type SecureBuffer struct {
	mu      sync.Mutex
	buf     *memguard.LockedBuffer
	size    int
	cleared bool
	owner   *Allocator
}

// MemoryStats 安全内存统计
type MemoryStats struct {
	ActiveBuffers  int64 `json:"active_buffers"`
	ActiveBytes    int64 `json:"active_bytes"`
	TotalAllocated int64 `json:"total_allocated"`
	TotalCleared   int64 `json:"total_cleared"`
	SecureDeletes  int64 `json:"secure_deletes"`
	FailedDeletes  int64 `json:"failed_deletes"`
}

// Allocator 分配 SecureBuffer 并记录统计信息
// 由进程持有并注入到使用方，不使用包级全局状态
type Allocator struct {
	activeBuffers  atomic.Int64
	activeBytes    atomic.Int64
	totalAllocated atomic.Int64
	totalCleared   atomic.Int64
	secureDeletes  atomic.Int64
	failedDeletes  atomic.Int64
}

// NewAllocator 创建新的安全内存分配器
func NewAllocator() *Allocator {
	return &Allocator{}
}

// New 分配指定大小的 SecureBuffer
func (a *Allocator) New(size int) (*SecureBuffer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(kmserr.ErrMemorySecurity, "invalid secure buffer size %d", size)
	}

	b := &SecureBuffer{
		buf:   memguard.NewBuffer(size),
		size:  size,
		owner: a,
	}

	a.activeBuffers.Add(1)
	a.activeBytes.Add(int64(size))
	a.totalAllocated.Add(1)

	return b, nil
}

// FromBytes 将 data 复制进新的 SecureBuffer，并擦除 data
func (a *Allocator) FromBytes(data []byte) (*SecureBuffer, error) {
	b, err := a.New(len(data))
	if err != nil {
		return nil, err
	}
	if err := b.Write(0, data); err != nil {
		b.Clear()
		return nil, err
	}
	memguard.WipeBytes(data)
	return b, nil
}

// WithBuffer 在作用域内提供 SecureBuffer，fn 返回后缓冲区总是被清除
func (a *Allocator) WithBuffer(size int, fn func(*SecureBuffer) error) error {
	b, err := a.New(size)
	if err != nil {
		return err
	}
	defer b.Clear()

	return fn(b)
}

// SecureDelete 尽力覆盖并释放可变缓冲区
// 对无法擦除的类型（string 等不可变类型）返回 false，从不 panic
func (a *Allocator) SecureDelete(v interface{}) bool {
	ok := SecureDelete(v)
	if ok {
		a.secureDeletes.Add(1)
	} else {
		a.failedDeletes.Add(1)
	}
	return ok
}

// Stats 返回当前统计快照
func (a *Allocator) Stats() MemoryStats {
	return MemoryStats{
		ActiveBuffers:  a.activeBuffers.Load(),
		ActiveBytes:    a.activeBytes.Load(),
		TotalAllocated: a.totalAllocated.Load(),
		TotalCleared:   a.totalCleared.Load(),
		SecureDeletes:  a.secureDeletes.Load(),
		FailedDeletes:  a.failedDeletes.Load(),
	}
}

// Size 返回缓冲区容量
func (b *SecureBuffer) Size() int {
	return b.size
}

// Write 从 offset 开始写入 data
func (b *SecureBuffer) Write(offset int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cleared {
		return errors.Wrap(kmserr.ErrMemorySecurity, "write after clear")
	}
	if offset < 0 || offset+len(data) > b.size || offset+len(data) < offset {
		return errors.Wrapf(kmserr.ErrMemorySecurity, "write of %d bytes at offset %d exceeds buffer size %d", len(data), offset, b.size)
	}

	copy(b.buf.Bytes()[offset:], data)
	return nil
}

// Read 从 offset 开始读取 n 字节的副本
// 调用方负责用 SecureDelete 擦除返回的副本
func (b *SecureBuffer) Read(offset, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cleared {
		return nil, errors.Wrap(kmserr.ErrMemorySecurity, "read after clear")
	}
	if offset < 0 || n < 0 || offset+n > b.size || offset+n < offset {
		return nil, errors.Wrapf(kmserr.ErrMemorySecurity, "read of %d bytes at offset %d exceeds buffer size %d", n, offset, b.size)
	}

	out := make([]byte, n)
	copy(out, b.buf.Bytes()[offset:offset+n])
	return out, nil
}

// Use 在锁内把底层字节借给 fn，避免额外拷贝；fn 不得保留该切片
func (b *SecureBuffer) Use(fn func([]byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cleared {
		return errors.Wrap(kmserr.ErrMemorySecurity, "use after clear")
	}
	return fn(b.buf.Bytes())
}

// Cleared 报告缓冲区是否已被清除
func (b *SecureBuffer) Cleared() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleared
}

// Clear 擦除并销毁缓冲区，可重复调用
func (b *SecureBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cleared {
		return
	}

	b.buf.Destroy()
	b.cleared = true

	if b.owner != nil {
		b.owner.activeBuffers.Add(-1)
		b.owner.activeBytes.Add(-int64(b.size))
		b.owner.totalCleared.Add(1)
	}
}

// SecureDelete 尽力擦除可变的敏感数据
func SecureDelete(v interface{}) bool {
	switch t := v.(type) {
	case []byte:
		if t == nil {
			return false
		}
		memguard.WipeBytes(t)
		return true
	case *[]byte:
		if t == nil || *t == nil {
			return false
		}
		memguard.WipeBytes(*t)
		*t = nil
		return true
	case *SecureBuffer:
		if t == nil {
			return false
		}
		t.Clear()
		return true
	case *memguard.LockedBuffer:
		if t == nil {
			return false
		}
		t.Destroy()
		return true
	default:
		return false
	}
}
