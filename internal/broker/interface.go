package broker

import (
	"context"
	"time"
)

// MessageBroker 消息代理接口（抽象跨实例 Pub/Sub 能力）
type MessageBroker interface {
	// Publish 发布消息到指定主题
	Publish(ctx context.Context, topic string, message []byte) error

	// Subscribe 订阅主题，返回消息通道
	Subscribe(ctx context.Context, topic string) (<-chan *Message, error)

	// Unsubscribe 取消订阅
	Unsubscribe(ctx context.Context, topic string) error

	// Healthy 报告代理当前是否可用
	Healthy() bool

	// Close 关闭连接
	Close() error
}

// Message 消息结构
type Message struct {
	Topic     string    // 消息主题
	Payload   []byte    // 消息内容
	Timestamp time.Time // 消息时间戳
	NodeID    string    // 发布者节点ID
}

// Topic 常量定义
const (
	TopicRoomEvent = "room.event"    // 房间事件扇出（消息发送/编辑/删除/已读等）
	TopicPresence  = "room.presence" // 成员进出房间
	TopicTyping    = "room.typing"   // 输入状态
)
