package receipts

import (
	"context"
	"time"

	"planetchat/internal/chatstore"
	coreerrors "planetchat/internal/core/errors"
	corelog "planetchat/internal/core/log"
)

// Options 标记已读的附加属性
type Options struct {
	DeviceType string
	Metadata   string
}

// MarkAllResult 整房间标记结果
// MessageIDs 为本次新建回执的消息，重复调用时为空
type MarkAllResult struct {
	ProcessedCount int        `json:"processed_count"`
	MessageIDs     []int64    `json:"message_ids,omitempty"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
}

// Tracker 已读回执追踪器
// 并发控制完全依赖持久层的 (message_id, user_id) 唯一约束：
// 重复与并发标记都通过插入冲突解决，不使用任何锁
type Tracker struct {
	store chatstore.Store
}

// NewTracker 创建追踪器
func NewTracker(store chatstore.Store) *Tracker {
	return &Tracker{store: store}
}

// MarkRead 标记单条消息已读（幂等）
// 已有回执时原样返回既有行：调用方可以无副作用地重复调用
func (t *Tracker) MarkRead(ctx context.Context, messageID int64, userID string, opts Options) (*chatstore.ReadReceipt, error) {
	m, err := t.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.Deleted() {
		return nil, coreerrors.Newf(coreerrors.CodeMessageNotFound, "message %d not found", messageID)
	}

	r, created, err := t.store.InsertReceipt(ctx, &chatstore.ReadReceipt{
		MessageID:  messageID,
		UserID:     userID,
		PlanetID:   m.PlanetID,
		DeviceType: opts.DeviceType,
		Metadata:   opts.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if created {
		t.bumpReadCount(ctx, messageID, 1)
	}
	return r, nil
}

// MarkManyRead 批量标记（幂等，部分重叠安全）
// 先做集合差只插入未读的，返回覆盖整个请求集合的新旧回执并集
func (t *Tracker) MarkManyRead(ctx context.Context, planetID string, messageIDs []int64, userID string, opts Options) ([]*chatstore.ReadReceipt, error) {
	ids := dedupe(messageIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	alreadyRead, err := t.store.ReadMessageIDs(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	readSet := make(map[int64]bool, len(alreadyRead))
	for _, id := range alreadyRead {
		readSet[id] = true
	}

	var toInsert []*chatstore.ReadReceipt
	for _, id := range ids {
		if readSet[id] {
			continue
		}
		toInsert = append(toInsert, &chatstore.ReadReceipt{
			MessageID:  id,
			UserID:     userID,
			PlanetID:   planetID,
			DeviceType: opts.DeviceType,
			Metadata:   opts.Metadata,
		})
	}

	created, err := t.store.InsertReceipts(ctx, toInsert)
	if err != nil {
		return nil, err
	}
	for _, r := range created {
		t.bumpReadCount(ctx, r.MessageID, 1)
	}

	result := created
	for _, id := range alreadyRead {
		existing, err := t.store.GetReceipt(ctx, id, userID)
		if err != nil {
			return result, err
		}
		result = append(result, existing)
	}
	return result, nil
}

// MarkAllReadInRoom 标记房间内所有未读消息
// 候选集为排除自发消息的全部未读（发送者对自己的消息始终视为已读，不需要回执）
func (t *Tracker) MarkAllReadInRoom(ctx context.Context, planetID, userID string, opts Options) (*MarkAllResult, error) {
	candidates, err := t.store.MessagesAfter(ctx, planetID, nil, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(candidates))
	for _, m := range candidates {
		ids = append(ids, m.ID)
	}

	before, err := t.store.ReadMessageIDs(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	beforeSet := make(map[int64]bool, len(before))
	for _, id := range before {
		beforeSet[id] = true
	}

	if _, err := t.MarkManyRead(ctx, planetID, ids, userID, opts); err != nil {
		return nil, err
	}

	var marked []int64
	for _, id := range ids {
		if !beforeSet[id] {
			marked = append(marked, id)
		}
	}

	last, err := t.store.LastReceiptAt(ctx, planetID, userID)
	if err != nil {
		return nil, err
	}
	return &MarkAllResult{
		ProcessedCount: len(marked),
		MessageIDs:     marked,
		LastReadAt:     last,
	}, nil
}

// UnreadCount 房间内该用户的未读数（始终排除自发消息）
func (t *Tracker) UnreadCount(ctx context.Context, planetID, userID string) (int64, error) {
	return t.store.UnreadCount(ctx, planetID, userID)
}

// UnreadCountsForUser 用户所有房间的未读聚合
func (t *Tracker) UnreadCountsForUser(ctx context.Context, userID string) ([]*chatstore.RoomUnread, error) {
	return t.store.UnreadCountsForUser(ctx, userID)
}

// LastReadAt 用户在房间内最近一次已读时间
func (t *Tracker) LastReadAt(ctx context.Context, planetID, userID string) (*time.Time, error) {
	return t.store.LastReceiptAt(ctx, planetID, userID)
}

// bumpReadCount 维护反规范化的每消息已读计数
// 允许短暂落后于回执行（最终一致），失败只记日志
func (t *Tracker) bumpReadCount(ctx context.Context, messageID, delta int64) {
	if err := t.store.IncrReadCount(ctx, messageID, delta); err != nil {
		corelog.Warnf("ReceiptTracker: failed to bump read count for message %d: %v", messageID, err)
	}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	var out []int64
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
