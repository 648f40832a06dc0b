package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"planetchat/internal/core/dispose"
	corelog "planetchat/internal/core/log"
)

// MemoryBroker 内存消息代理（单节点，无持久化）
type MemoryBroker struct {
	*dispose.ServiceBase
	subscribers map[string][]chan *Message // topic -> []channel
	mu          sync.RWMutex
	nodeID      string
	closed      bool
}

// NewMemoryBroker 创建内存消息代理
func NewMemoryBroker(parentCtx context.Context, nodeID string) *MemoryBroker {
	broker := &MemoryBroker{
		ServiceBase: dispose.NewService("MemoryBroker", parentCtx),
		subscribers: make(map[string][]chan *Message),
		nodeID:      nodeID,
	}

	corelog.Infof("MemoryBroker initialized for node: %s", nodeID)
	return broker
}

// Publish 发布消息到指定主题
func (m *MemoryBroker) Publish(ctx context.Context, topic string, message []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("broker is closed")
	}

	subscribers, exists := m.subscribers[topic]
	if !exists || len(subscribers) == 0 {
		// 没有订阅者，消息丢弃（符合 Pub/Sub 语义）
		corelog.Debugf("MemoryBroker: no subscribers for topic %s, message dropped", topic)
		return nil
	}

	msg := &Message{
		Topic:     topic,
		Payload:   message,
		Timestamp: time.Now(),
		NodeID:    m.nodeID,
	}

	for _, ch := range subscribers {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// 订阅者通道满，跳过（避免阻塞）
			corelog.Warnf("MemoryBroker: subscriber channel full for topic %s, skipping", topic)
		}
	}

	return nil
}

// Subscribe 订阅主题，返回消息通道
func (m *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	// 创建带缓冲的消息通道（避免阻塞发布方）
	msgChan := make(chan *Message, 100)
	m.subscribers[topic] = append(m.subscribers[topic], msgChan)

	corelog.Infof("MemoryBroker: new subscriber for topic %s (total: %d)",
		topic, len(m.subscribers[topic]))

	return msgChan, nil
}

// Unsubscribe 取消订阅
func (m *MemoryBroker) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("broker is closed")
	}

	subscribers, exists := m.subscribers[topic]
	if !exists || len(subscribers) == 0 {
		return fmt.Errorf("no subscribers for topic: %s", topic)
	}

	for _, ch := range subscribers {
		close(ch)
	}
	delete(m.subscribers, topic)

	corelog.Infof("MemoryBroker: unsubscribed from topic %s", topic)
	return nil
}

// Healthy 内存代理始终可用
func (m *MemoryBroker) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// Close 关闭消息代理
func (m *MemoryBroker) Close() error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	for topic, subscribers := range m.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
		corelog.Debugf("MemoryBroker: closed subscribers for topic %s", topic)
	}
	m.subscribers = make(map[string][]chan *Message)
	m.mu.Unlock()

	corelog.Infof("MemoryBroker closed for node: %s", m.nodeID)
	return m.ServiceBase.CloseWithError()
}
