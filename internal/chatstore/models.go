package chatstore

import (
	"time"
)

// 消息类型
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeVideo  = "video"
	MessageTypeSystem = "system"
)

// Message 聊天消息
// 删除为软删除：DeletedAt 置位后从分页与未读统计中排除，可被恢复
type Message struct {
	ID        int64      `json:"id"`
	PlanetID  string     `json:"planet_id"`
	TravelID  string     `json:"travel_id"`
	AuthorID  string     `json:"author_id"`
	Type      string     `json:"type"`
	Content   string     `json:"content"`
	ReadCount int64      `json:"read_count"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted 是否处于软删除状态
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// ReadReceipt 已读回执
// (MessageID, UserID) 唯一：首次已读时创建，正常流程中不删除、不改回未读
type ReadReceipt struct {
	ID         int64     `json:"id"`
	MessageID  int64     `json:"message_id"`
	UserID     string    `json:"user_id"`
	PlanetID   string    `json:"planet_id"`
	ReadAt     time.Time `json:"read_at"`
	DeviceType string    `json:"device_type,omitempty"`
	Metadata   string    `json:"metadata,omitempty"`
}

// Planet 聊天房间（挂在行程之下）
type Planet struct {
	ID        string    `json:"id"`
	TravelID  string    `json:"travel_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomUnread 单个房间的未读聚合
type RoomUnread struct {
	PlanetID    string     `json:"planet_id"`
	UnreadCount int64      `json:"unread_count"`
	LastReadAt  *time.Time `json:"last_read_at,omitempty"`
}

// MessageQuery 键集分页查询参数
// HasCursor 为 true 时应用谓词 (created_at OP cv) OR (created_at = cv AND id OP cid)，
// OP 在降序时为 <、升序时为 >
type MessageQuery struct {
	PlanetID        string
	HasCursor       bool
	CursorID        int64
	CursorCreatedAt time.Time
	Limit           int
	Descending      bool
}
