package storage

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"

	"planetchat/internal/core/dispose"
)

// MemoryStorage 内存存储实现（单节点模式与测试用）
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	dispose.Dispose

	// 测试用时钟，默认 time.Now
	now func() time.Time
}

type memoryEntry struct {
	value    string
	expireAt time.Time // 零值表示不过期
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// NewMemoryStorage 创建内存存储
func NewMemoryStorage(parentCtx context.Context) *MemoryStorage {
	s := &MemoryStorage{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
	s.SetCtx(parentCtx, s.onClose)
	return s
}

func (m *MemoryStorage) onClose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memoryEntry)
	return nil
}

// SetClock 替换时钟（仅测试使用）
func (m *MemoryStorage) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// getLocked 惰性过期检查，调用方需持有写锁
func (m *MemoryStorage) getLocked(key string) (*memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

// Set 设置键值对
func (m *MemoryStorage) Set(key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Get 获取值
func (m *MemoryStorage) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.getLocked(key)
	if !ok {
		return "", ErrKeyNotFound
	}
	return e.value, nil
}

// Delete 删除键
func (m *MemoryStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Exists 检查键是否存在
func (m *MemoryStorage) Exists(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.getLocked(key)
	return ok, nil
}

// GetExpiration 获取剩余过期时间
func (m *MemoryStorage) GetExpiration(key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.getLocked(key)
	if !ok {
		return 0, ErrKeyNotFound
	}
	if e.expireAt.IsZero() {
		return 0, nil
	}
	return e.expireAt.Sub(m.now()), nil
}

// IncrWithTTL 原子递增并在新键创建时设置过期时间
func (m *MemoryStorage) IncrWithTTL(key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.getLocked(key)
	if !ok {
		e = &memoryEntry{value: strconv.FormatInt(delta, 10)}
		if ttl > 0 {
			e.expireAt = m.now().Add(ttl)
		}
		m.entries[key] = e
		return delta, nil
	}

	cur, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, ErrInvalidCounter
	}
	cur += delta
	e.value = strconv.FormatInt(cur, 10)
	return cur, nil
}

// GetCounter 读取计数器当前值
func (m *MemoryStorage) GetCounter(key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.getLocked(key)
	if !ok {
		return 0, nil
	}
	val, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, ErrInvalidCounter
	}
	return val, nil
}

// Keys 返回匹配 glob 模式的所有键
func (m *MemoryStorage) Keys(pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	keys := make([]string, 0)
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close 关闭存储
func (m *MemoryStorage) Close() error {
	return m.CloseWithError()
}
