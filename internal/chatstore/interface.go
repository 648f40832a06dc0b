package chatstore

import (
	"context"
	"time"
)

// Store 聊天持久层
// Postgres 实现用于生产，内存实现用于测试与单机开发模式
type Store interface {
	// 消息
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id int64) (*Message, error)
	EditMessage(ctx context.Context, id int64, authorID, content string) (*Message, error)
	SoftDeleteMessage(ctx context.Context, id int64, authorID string) (*Message, error)
	RestoreMessage(ctx context.Context, id int64, authorID string) (*Message, error)
	ListMessages(ctx context.Context, q MessageQuery) ([]*Message, error)

	// 回执：插入依赖 (message_id, user_id) 唯一约束做并发控制，冲突即已读
	InsertReceipt(ctx context.Context, r *ReadReceipt) (*ReadReceipt, bool, error)
	InsertReceipts(ctx context.Context, rs []*ReadReceipt) ([]*ReadReceipt, error)
	GetReceipt(ctx context.Context, messageID int64, userID string) (*ReadReceipt, error)
	ReadMessageIDs(ctx context.Context, userID string, messageIDs []int64) ([]int64, error)
	LastReceiptAt(ctx context.Context, planetID, userID string) (*time.Time, error)
	MessagesAfter(ctx context.Context, planetID string, after *time.Time, excludeAuthor string) ([]*Message, error)
	IncrReadCount(ctx context.Context, messageID int64, delta int64) error

	// 未读统计：始终排除用户自己发的消息
	UnreadCount(ctx context.Context, planetID, userID string) (int64, error)
	UnreadCountsForUser(ctx context.Context, userID string) ([]*RoomUnread, error)

	// 房间与成员
	GetPlanet(ctx context.Context, id string) (*Planet, error)
	CreatePlanet(ctx context.Context, p *Planet) error
	IsMember(ctx context.Context, planetID, userID string) (bool, error)
	AddMember(ctx context.Context, planetID, userID string) error
	MemberPlanets(ctx context.Context, userID string) ([]string, error)

	Close() error
}
