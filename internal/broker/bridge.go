package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"planetchat/internal/core/dispose"
	corelog "planetchat/internal/core/log"
)

// RoomEventHandler 房间事件回调
type RoomEventHandler func(*RoomEventMessage)

// PresenceHandler 成员进出回调
type PresenceHandler func(*PresenceMessage)

// TypingHandler 输入状态回调
type TypingHandler func(*TypingMessage)

// Bridge 跨实例广播桥
// 本实例发出的"向房间 R 广播"先在本地投递，再经代理发布；
// 其他实例消费后投递到各自持有的本地 socket。
// 代理初始化失败时桥降级：仅同实例用户可收到事件，实例照常服务
type Bridge struct {
	*dispose.ServiceBase
	broker  MessageBroker // nil 表示降级为单实例模式
	nodeID  string
	started bool
}

// NewBridge 创建广播桥
// 代理建立失败不是致命错误：大声记日志并返回降级桥
func NewBridge(parentCtx context.Context, config *Config) *Bridge {
	b := &Bridge{
		ServiceBase: dispose.NewService("BroadcastBridge", parentCtx),
		nodeID:      config.NodeID,
	}

	mb, err := NewMessageBroker(parentCtx, config)
	if err != nil {
		corelog.Errorf("BroadcastBridge: broker setup failed, running in DEGRADED single-instance mode: %v", err)
		return b
	}

	b.broker = mb
	b.AddCleanHandler(mb.Close)
	return b
}

// NodeID 返回本实例节点ID
func (b *Bridge) NodeID() string {
	return b.nodeID
}

// Degraded 桥是否处于单实例降级模式
func (b *Bridge) Degraded() bool {
	return b.broker == nil
}

// Healthy 桥是否健康（降级或代理失效都视为不健康）
func (b *Bridge) Healthy() bool {
	return b.broker != nil && b.broker.Healthy()
}

// Start 订阅全部主题并注册回调，进程生命周期内只调用一次
func (b *Bridge) Start(onEvent RoomEventHandler, onPresence PresenceHandler, onTyping TypingHandler) error {
	if b.started {
		return fmt.Errorf("bridge already started")
	}
	b.started = true

	if b.broker == nil {
		corelog.Warnf("BroadcastBridge: degraded mode, cross-instance delivery disabled")
		return nil
	}

	if err := b.consume(TopicRoomEvent, func(msg *Message) {
		var ev RoomEventMessage
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			corelog.Errorf("BroadcastBridge: bad room event payload: %v", err)
			return
		}
		if onEvent != nil {
			onEvent(&ev)
		}
	}); err != nil {
		return err
	}

	if err := b.consume(TopicPresence, func(msg *Message) {
		var ev PresenceMessage
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			corelog.Errorf("BroadcastBridge: bad presence payload: %v", err)
			return
		}
		if onPresence != nil {
			onPresence(&ev)
		}
	}); err != nil {
		return err
	}

	if err := b.consume(TopicTyping, func(msg *Message) {
		var ev TypingMessage
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			corelog.Errorf("BroadcastBridge: bad typing payload: %v", err)
			return
		}
		if onTyping != nil {
			onTyping(&ev)
		}
	}); err != nil {
		return err
	}

	corelog.Infof("BroadcastBridge: started for node %s", b.nodeID)
	return nil
}

// consume 订阅主题并启动消费循环，跳过本节点自己发布的消息
func (b *Bridge) consume(topic string, deliver func(*Message)) error {
	ch, err := b.broker.Subscribe(b.Ctx(), topic)
	if err != nil {
		return fmt.Errorf("subscribe %s failed: %w", topic, err)
	}

	go func() {
		for {
			select {
			case <-b.Ctx().Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.NodeID == b.nodeID {
					// 本实例发布前已在本地投递过
					continue
				}
				deliver(msg)
			}
		}
	}()
	return nil
}

// PublishRoomEvent 发布房间事件
func (b *Bridge) PublishRoomEvent(room, eventType string, payload interface{}) error {
	if b.broker == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal room event payload failed: %w", err)
	}

	ev := &RoomEventMessage{
		Room:      room,
		EventType: eventType,
		Payload:   raw,
		NodeID:    b.nodeID,
		Timestamp: time.Now().UnixMilli(),
	}
	return b.publish(TopicRoomEvent, ev)
}

// PublishPresence 发布成员进出事件
func (b *Bridge) PublishPresence(room, userID string, online bool) error {
	if b.broker == nil {
		return nil
	}

	ev := &PresenceMessage{
		Room:      room,
		UserID:    userID,
		Online:    online,
		NodeID:    b.nodeID,
		Timestamp: time.Now().UnixMilli(),
	}
	return b.publish(TopicPresence, ev)
}

// PublishTyping 发布输入状态事件
func (b *Bridge) PublishTyping(room, userID, state string) error {
	if b.broker == nil {
		return nil
	}

	ev := &TypingMessage{
		Room:      room,
		UserID:    userID,
		State:     state,
		NodeID:    b.nodeID,
		Timestamp: time.Now().UnixMilli(),
	}
	return b.publish(TopicTyping, ev)
}

func (b *Bridge) publish(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s failed: %w", topic, err)
	}
	if err := b.broker.Publish(b.Ctx(), topic, data); err != nil {
		// 发布失败降级为仅本地投递，调用方不因此失败
		corelog.Errorf("BroadcastBridge: publish to %s failed, local delivery only: %v", topic, err)
	}
	return nil
}
