package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"planetchat/internal/core/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *storage.MemoryStorage, *fakeClock) {
	t.Helper()
	store := storage.NewMemoryStorage(context.Background())
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{t: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	l := NewLimiter(store, DefaultConfig())
	l.now = clock.Now
	l.stats.now = clock.Now
	return l, store, clock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiter_RemainingMonotonic(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	key := Key{UserID: "u1", Scope: ScopeRoom, Action: ActionSend, EntityID: "planet-1"}
	limit := l.cfg.Rules[ScopeRoom][ActionSend].Limit

	for i := int64(1); i <= limit; i++ {
		res := l.Check(key, "text")
		require.True(t, res.Allowed, "call %d should be allowed", i)
		assert.Equal(t, limit-i, res.Remaining, "remaining after %d calls", i)
		assert.Equal(t, limit, res.Limit)
	}

	res := l.Check(key, "text")
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Greater(t, res.RetryAfterSeconds, int64(0))
	assert.NotEmpty(t, res.Message)
}

func TestLimiter_WindowReset(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	key := Key{UserID: "u1", Scope: ScopeGlobal, Action: ActionTyping}
	rule := l.cfg.Rules[ScopeGlobal][ActionTyping]

	for i := int64(0); i < rule.Limit; i++ {
		require.True(t, l.Check(key, "").Allowed)
	}
	assert.False(t, l.Check(key, "").Allowed)

	clock.Advance(rule.Window + time.Second)

	res := l.Check(key, "")
	assert.True(t, res.Allowed)
	assert.Equal(t, rule.Limit-1, res.Remaining)
}

func TestLimiter_BlockRecord(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	key := Key{UserID: "u2", Scope: ScopeRoom, Action: ActionSend, EntityID: "planet-9"}
	rule := l.cfg.Rules[ScopeRoom][ActionSend]
	require.Greater(t, rule.BlockDuration, time.Duration(0))

	for i := int64(0); i < rule.Limit; i++ {
		require.True(t, l.Check(key, "text").Allowed)
	}

	// 超限后写入封禁记录
	res := l.Check(key, "text")
	require.False(t, res.Allowed)
	assert.Equal(t, int64(rule.BlockDuration/time.Second), res.RetryAfterSeconds)

	// 窗口过期不解除封禁
	clock.Advance(rule.Window + time.Second)
	res = l.Check(key, "text")
	assert.False(t, res.Allowed)

	// 封禁到期后恢复
	clock.Advance(rule.BlockDuration)
	res = l.Check(key, "text")
	assert.True(t, res.Allowed)
}

func TestLimiter_MessageTypeMultiplier(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	base := l.cfg.Rules[ScopeRoom][ActionSend].Limit

	// image 乘数 0.5：同一计数键下有效上限减半
	key := Key{UserID: "u3", Scope: ScopeRoom, Action: ActionSend, EntityID: "planet-img"}
	want := int64(float64(base) * 0.5)
	for i := int64(0); i < want; i++ {
		require.True(t, l.Check(key, "image").Allowed)
	}
	assert.False(t, l.Check(key, "image").Allowed)

	// 未知类型回落到 1.0
	res := l.Check(Key{UserID: "u4", Scope: ScopeRoom, Action: ActionSend, EntityID: "planet-x"}, "sticker")
	assert.Equal(t, base, res.Limit)
}

func TestLimiter_ScopeOrder(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	roomLimit := l.cfg.Rules[ScopeRoom][ActionSend].Limit

	// room 作用域最严格，先于 travel/global 触发
	for i := int64(0); i < roomLimit; i++ {
		res := l.CheckAction("u5", ActionSend, "travel-1", "planet-1", "text")
		require.True(t, res.Allowed)
	}
	res := l.CheckAction("u5", ActionSend, "travel-1", "planet-1", "text")
	assert.False(t, res.Allowed)
	assert.Equal(t, roomLimit, res.Limit)

	// 换房间后 room 计数独立，但 travel 计数共享
	res = l.CheckAction("u5", ActionSend, "travel-1", "planet-2", "text")
	assert.True(t, res.Allowed)
}

func TestLimiter_RoomOverride(t *testing.T) {
	l, _, _ := newTestLimiter(t)

	require.NoError(t, l.Overrides().Set("vip-planet", &RoomOverride{
		Enabled:           true,
		MessagesPerMinute: 3,
	}, time.Hour))

	key := Key{UserID: "u6", Scope: ScopeRoom, Action: ActionSend, EntityID: "vip-planet"}
	for i := 0; i < 3; i++ {
		require.True(t, l.Check(key, "text").Allowed)
	}
	res := l.Check(key, "text")
	assert.False(t, res.Allowed)

	// enabled=false 停用该房间限流
	require.NoError(t, l.Overrides().Set("free-planet", &RoomOverride{Enabled: false}, time.Hour))
	key = Key{UserID: "u6", Scope: ScopeRoom, Action: ActionSend, EntityID: "free-planet"}
	for i := 0; i < 100; i++ {
		require.True(t, l.Check(key, "text").Allowed)
	}
}

func TestLimiter_FailOpen(t *testing.T) {
	l := NewLimiter(&failingStore{}, DefaultConfig())
	res := l.Check(Key{UserID: "u7", Scope: ScopeGlobal, Action: ActionSend}, "text")
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(-1), res.Remaining)
	assert.NotEmpty(t, res.Message)
}

func TestLimiter_Usage(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	key := Key{UserID: "u8", Scope: ScopeRoom, Action: ActionSend, EntityID: "planet-1"}
	limit := l.cfg.Rules[ScopeRoom][ActionSend].Limit

	require.True(t, l.Check(key, "text").Allowed)
	require.True(t, l.Check(key, "text").Allowed)

	// 快照不消耗预算
	usage := l.Usage(key, "text")
	assert.True(t, usage.Allowed)
	assert.Equal(t, limit-2, usage.Remaining)
	usage = l.Usage(key, "text")
	assert.Equal(t, limit-2, usage.Remaining)
}

func TestLimiter_ActiveBlocks(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	key := Key{UserID: "u10", Scope: ScopeRoom, Action: ActionSend, EntityID: "planet-1"}
	limit := l.cfg.Rules[ScopeRoom][ActionSend].Limit

	blocks, err := l.ActiveBlocks()
	require.NoError(t, err)
	assert.Equal(t, 0, blocks)

	for i := int64(0); i <= limit; i++ {
		l.Check(key, "text")
	}
	blocks, err = l.ActiveBlocks()
	require.NoError(t, err)
	assert.Equal(t, 1, blocks)
}

func TestLimiter_DailyStats(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	key := Key{UserID: "u9", Scope: ScopeRoom, Action: ActionTyping, EntityID: "planet-1"}
	limit := l.cfg.Rules[ScopeRoom][ActionTyping].Limit

	for i := int64(0); i < limit; i++ {
		require.True(t, l.Check(key, "").Allowed)
	}
	require.False(t, l.Check(key, "").Allowed)

	stats, err := l.Stats().Snapshot(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, limit+1, stats.Total)
	assert.Equal(t, int64(1), stats.Blocked)
}

// failingStore 模拟共享存储整体不可用
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (f *failingStore) Set(string, string, time.Duration) error        { return errStoreDown }
func (f *failingStore) Get(string) (string, error)                     { return "", errStoreDown }
func (f *failingStore) Delete(string) error                            { return errStoreDown }
func (f *failingStore) Exists(string) (bool, error)                    { return false, errStoreDown }
func (f *failingStore) GetExpiration(string) (time.Duration, error)    { return 0, errStoreDown }
func (f *failingStore) IncrWithTTL(string, int64, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (f *failingStore) GetCounter(string) (int64, error) { return 0, errStoreDown }
func (f *failingStore) Keys(string) ([]string, error)    { return nil, errStoreDown }
func (f *failingStore) Close() error                     { return nil }
