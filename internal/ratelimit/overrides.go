package ratelimit

import (
	"encoding/json"
	"fmt"
	"time"

	"planetchat/internal/core/storage"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// OverrideCache 房间覆盖的透读缓存
// 多个 goroutine 同时请求同一房间时，singleflight 保证只有一个真正查询存储
type OverrideCache struct {
	store storage.KVStore
	cache *expirable.LRU[string, *RoomOverride]
	group singleflight.Group
}

// NewOverrideCache 创建覆盖缓存
func NewOverrideCache(store storage.KVStore, size int, ttl time.Duration) *OverrideCache {
	if size <= 0 {
		size = 1024
	}
	return &OverrideCache{
		store: store,
		cache: expirable.NewLRU[string, *RoomOverride](size, nil, ttl),
	}
}

// Get 返回房间覆盖；无覆盖返回 nil（负缓存同样生效）
func (o *OverrideCache) Get(roomID string) (*RoomOverride, error) {
	if v, ok := o.cache.Get(roomID); ok {
		return v, nil
	}

	result, err, _ := o.group.Do(roomID, func() (interface{}, error) {
		raw, err := o.store.Get(overrideKey(roomID))
		if err != nil {
			if err == storage.ErrKeyNotFound {
				o.cache.Add(roomID, nil)
				return (*RoomOverride)(nil), nil
			}
			return nil, err
		}

		var ov RoomOverride
		if err := json.Unmarshal([]byte(raw), &ov); err != nil {
			return nil, fmt.Errorf("malformed room override for %s: %w", roomID, err)
		}
		o.cache.Add(roomID, &ov)
		return &ov, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*RoomOverride), nil
}

// Set 写入房间覆盖并使本地缓存立即可见
func (o *OverrideCache) Set(roomID string, ov *RoomOverride, ttl time.Duration) error {
	data, err := json.Marshal(ov)
	if err != nil {
		return fmt.Errorf("marshal room override failed: %w", err)
	}
	if err := o.store.Set(overrideKey(roomID), string(data), ttl); err != nil {
		return err
	}
	o.cache.Add(roomID, ov)
	return nil
}

// Invalidate 清除本地缓存项（覆盖被管理端更新后调用）
func (o *OverrideCache) Invalidate(roomID string) {
	o.cache.Remove(roomID)
}

// limitFor 将覆盖映射到具体动作的上限；返回 false 表示覆盖未涉及该动作
func (ov *RoomOverride) limitFor(action Action) (int64, bool) {
	if ov == nil {
		return 0, false
	}
	if ov.SpecialLimits != nil {
		if v, ok := ov.SpecialLimits[string(action)]; ok && v > 0 {
			return v, true
		}
	}
	switch action {
	case ActionSend:
		if ov.MessagesPerMinute > 0 {
			return ov.MessagesPerMinute, true
		}
	case ActionUpload:
		if ov.FilesPerHour > 0 {
			return ov.FilesPerHour, true
		}
	}
	return 0, false
}
