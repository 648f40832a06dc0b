package ratelimit

import (
	"fmt"
	"time"

	corelog "planetchat/internal/core/log"
	"planetchat/internal/core/storage"
)

// Result 限流检查结果
// Remaining 为 -1 表示未知（存储故障 fail-open 时）
type Result struct {
	Allowed           bool      `json:"allowed"`
	Limit             int64     `json:"limit"`
	Remaining         int64     `json:"remaining"`
	ResetTime         time.Time `json:"reset_time"`
	RetryAfterSeconds int64     `json:"retry_after_seconds,omitempty"`
	Message           string    `json:"message,omitempty"`
}

// Limiter 多作用域分布式限流器
// 固定窗口计数，递增+TTL 为单次原子往返；不使用任何分布式锁。
// 已知取舍：窗口边界最多放行约 2× 上限的突发，换取 O(1) 计数
type Limiter struct {
	store     storage.KVStore
	cfg       *Config
	overrides *OverrideCache
	stats     *StatsRecorder
	now       func() time.Time
}

// NewLimiter 创建限流器
func NewLimiter(store storage.KVStore, cfg *Config) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{
		store:     store,
		cfg:       cfg,
		overrides: NewOverrideCache(store, cfg.OverrideCacheSize, cfg.OverrideCacheTTL),
		stats:     NewStatsRecorder(store, cfg.StatsTTL),
		now:       time.Now,
	}
}

// Overrides 返回覆盖缓存（管理端写入用）
func (l *Limiter) Overrides() *OverrideCache {
	return l.overrides
}

// Stats 返回统计记录器
func (l *Limiter) Stats() *StatsRecorder {
	return l.stats
}

// SetOverride 写入房间覆盖，TTL 取配置值
func (l *Limiter) SetOverride(roomID string, ov *RoomOverride) error {
	return l.overrides.Set(roomID, ov, l.cfg.OverrideTTL)
}

// ActiveBlocks 当前处于封禁期的键数量（运维观测用）
func (l *Limiter) ActiveBlocks() (int, error) {
	keys, err := l.store.Keys(keyPrefixBlock + ":*")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Check 执行一次限流检查并消耗一次预算
func (l *Limiter) Check(key Key, messageType string) *Result {
	rule, active := l.resolveRule(key)
	if !active {
		return &Result{Allowed: true, Limit: -1, Remaining: -1}
	}

	eff := l.effectiveLimit(rule.Limit, messageType)

	// 1. 封禁记录优先：仍在封禁期内直接拒绝
	blockTTL, err := l.blockRemaining(key)
	if err != nil {
		return l.failOpen(key, err)
	}
	if blockTTL > 0 {
		l.stats.Record(true)
		return l.denied(eff, blockTTL)
	}

	// 2. 读取当前计数
	count, err := l.store.GetCounter(key.counterKey())
	if err != nil {
		return l.failOpen(key, err)
	}

	// 3. 已达有效上限：按配置写封禁记录并拒绝
	if count >= eff {
		retryAfter := l.windowRemaining(key, rule.Window)
		if rule.BlockDuration > 0 {
			if err := l.store.Set(key.blockKey(), "1", rule.BlockDuration); err != nil {
				corelog.Warnf("RateLimiter: failed to write block record for %s: %v", key.counterKey(), err)
			} else {
				retryAfter = rule.BlockDuration
			}
		}
		l.stats.Record(true)
		return l.denied(eff, retryAfter)
	}

	// 4. 原子递增并在新窗口首次计数时设置 TTL
	newCount, err := l.store.IncrWithTTL(key.counterKey(), 1, rule.Window)
	if err != nil {
		return l.failOpen(key, err)
	}

	remaining := eff - newCount
	if remaining < 0 {
		remaining = 0
	}

	l.stats.Record(false)
	return &Result{
		Allowed:   true,
		Limit:     eff,
		Remaining: remaining,
		ResetTime: l.now().Add(l.windowRemaining(key, rule.Window)),
	}
}

// CheckAction 依序检查 global → travel → room，返回第一个拒绝
// travelID / roomID 为空时跳过对应作用域
func (l *Limiter) CheckAction(userID string, action Action, travelID, roomID, messageType string) *Result {
	res := l.Check(Key{UserID: userID, Scope: ScopeGlobal, Action: action}, messageType)
	if !res.Allowed {
		return res
	}
	if travelID != "" {
		res = l.Check(Key{UserID: userID, Scope: ScopeTravel, Action: action, EntityID: travelID}, messageType)
		if !res.Allowed {
			return res
		}
	}
	if roomID != "" {
		res = l.Check(Key{UserID: userID, Scope: ScopeRoom, Action: action, EntityID: roomID}, messageType)
	}
	return res
}

// Usage 只读快照，不消耗预算（用于 rate_limit_info 事件）
func (l *Limiter) Usage(key Key, messageType string) *Result {
	rule, active := l.resolveRule(key)
	if !active {
		return &Result{Allowed: true, Limit: -1, Remaining: -1}
	}

	eff := l.effectiveLimit(rule.Limit, messageType)
	count, err := l.store.GetCounter(key.counterKey())
	if err != nil {
		return l.failOpen(key, err)
	}

	remaining := eff - count
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   count < eff,
		Limit:     eff,
		Remaining: remaining,
		ResetTime: l.now().Add(l.windowRemaining(key, rule.Window)),
	}
}

// resolveRule 合并静态默认与房间覆盖
// 覆盖获取失败只回落到静态默认，不影响本次决策
func (l *Limiter) resolveRule(key Key) (Rule, bool) {
	rule, ok := l.cfg.rule(key.Scope, key.Action)
	if !ok {
		return Rule{}, false
	}

	if key.Scope != ScopeRoom || key.EntityID == "" {
		return rule, true
	}

	ov, err := l.overrides.Get(key.EntityID)
	if err != nil {
		corelog.Warnf("RateLimiter: override lookup failed for room %s, using defaults: %v", key.EntityID, err)
		return rule, true
	}
	if ov == nil {
		return rule, true
	}
	if !ov.Enabled {
		// 覆盖显式停用了该房间的限流
		return Rule{}, false
	}
	if limit, ok := ov.limitFor(key.Action); ok {
		rule.Limit = limit
	}
	if ov.BurstLimit > rule.Limit {
		rule.Limit = ov.BurstLimit
	}
	return rule, true
}

// blockRemaining 返回封禁剩余时长；0 表示未封禁
func (l *Limiter) blockRemaining(key Key) (time.Duration, error) {
	exists, err := l.store.Exists(key.blockKey())
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	ttl, err := l.store.GetExpiration(key.blockKey())
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return 0, nil
		}
		return 0, err
	}
	if ttl <= 0 {
		// 无 TTL 的封禁记录视为残留，按最小剩余时间处理
		return time.Second, nil
	}
	return ttl, nil
}

// windowRemaining 返回当前窗口剩余时长，读取失败时按整窗口长度估算
func (l *Limiter) windowRemaining(key Key, window time.Duration) time.Duration {
	ttl, err := l.store.GetExpiration(key.counterKey())
	if err != nil || ttl <= 0 {
		return window
	}
	return ttl
}

// effectiveLimit 配置上限 × 消息类型乘数，下限为 1
func (l *Limiter) effectiveLimit(limit int64, messageType string) int64 {
	eff := int64(float64(limit) * l.cfg.multiplier(messageType))
	if eff < 1 {
		eff = 1
	}
	return eff
}

func (l *Limiter) denied(limit int64, retryAfter time.Duration) *Result {
	seconds := int64(retryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return &Result{
		Allowed:           false,
		Limit:             limit,
		Remaining:         0,
		ResetTime:         l.now().Add(retryAfter),
		RetryAfterSeconds: seconds,
		Message:           fmt.Sprintf("rate limit exceeded, retry after %ds", seconds),
	}
}

// failOpen 存储不可用时放行：聊天可用性优先于严格限流
func (l *Limiter) failOpen(key Key, err error) *Result {
	corelog.Warnf("RateLimiter: store unavailable for %s, failing open: %v", key.counterKey(), err)
	return &Result{
		Allowed:   true,
		Limit:     -1,
		Remaining: -1,
		Message:   "rate limiter unavailable, failing open",
	}
}
