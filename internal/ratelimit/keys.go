package ratelimit

import (
	"fmt"
	"time"
)

// 共享存储键布局
// 计数器与封禁记录都是短命键，生命周期完全由存储的 TTL 管理
const (
	keyPrefixCount    = "ratelimit:count"
	keyPrefixBlock    = "ratelimit:block"
	keyPrefixOverride = "ratelimit:override:room"
	keyPrefixStats    = "ratelimit:stats"
)

// Key 限流键（用户 × 作用域 × 动作 × 可选实体）
type Key struct {
	UserID   string
	Scope    Scope
	Action   Action
	EntityID string // scope 非 global 时为房间/行程 id
}

func (k Key) counterKey() string {
	if k.EntityID != "" {
		return fmt.Sprintf("%s:%s:%s:%s:%s", keyPrefixCount, k.Scope, k.Action, k.UserID, k.EntityID)
	}
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefixCount, k.Scope, k.Action, k.UserID)
}

func (k Key) blockKey() string {
	if k.EntityID != "" {
		return fmt.Sprintf("%s:%s:%s:%s:%s", keyPrefixBlock, k.Scope, k.Action, k.UserID, k.EntityID)
	}
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefixBlock, k.Scope, k.Action, k.UserID)
}

func overrideKey(roomID string) string {
	return fmt.Sprintf("%s:%s", keyPrefixOverride, roomID)
}

func statsKey(day time.Time, field string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefixStats, day.Format("2006-01-02"), field)
}
