package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"planetchat/internal/core/dispose"
	corelog "planetchat/internal/core/log"

	"github.com/redis/go-redis/v9"
)

// RedisBrokerConfig Redis Broker 配置
type RedisBrokerConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

const (
	// channelPrefix 频道前缀，避免与同一 Redis 上的其他业务冲突
	channelPrefix = "planetchat:"

	// readyTimeout 启动时等待发布/订阅两条连接就绪的上限
	readyTimeout = 10 * time.Second

	// 接收循环重试参数：指数退避封顶，超过上限后放弃并自报不健康
	receiveBackoffMin = 100 * time.Millisecond
	receiveBackoffMax = 10 * time.Second
	receiveMaxRetries = 30
)

// RedisBroker Redis 消息代理（基于 Pub/Sub）
// 发布与订阅各自持有独立连接：Pub/Sub 客户端无法在同一连接上并发做两件事
type RedisBroker struct {
	*dispose.ServiceBase
	client        *redis.Client // 发布连接
	pubsub        *redis.PubSub // 订阅连接
	subscribers   map[string]chan *Message
	confirmations map[string]chan struct{} // 频道 -> 等待服务端订阅确认
	mu            sync.RWMutex
	nodeID        string
	closed        bool
	healthy       atomic.Bool
}

// NewRedisBroker 创建 Redis 消息代理
// 两条连接都确认就绪后才返回；半初始化的桥接器不允许接入服务器
func NewRedisBroker(parentCtx context.Context, config *RedisBrokerConfig, nodeID string) (*RedisBroker, error) {
	if config == nil {
		return nil, fmt.Errorf("redis broker config is required")
	}

	if config.PoolSize <= 0 {
		config.PoolSize = 100
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	readyCtx, cancel := context.WithTimeout(parentCtx, readyTimeout)
	defer cancel()

	// 发布连接就绪检查
	if err := client.Ping(readyCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis (publish): %w", err)
	}

	// 订阅连接就绪检查：订阅一个哨兵频道并等待确认
	pubsub := client.Subscribe(parentCtx)
	if err := pubsub.Ping(readyCtx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis (subscribe): %w", err)
	}

	broker := &RedisBroker{
		ServiceBase:   dispose.NewService("RedisBroker", parentCtx),
		client:        client,
		pubsub:        pubsub,
		subscribers:   make(map[string]chan *Message),
		confirmations: make(map[string]chan struct{}),
		nodeID:        nodeID,
	}
	broker.healthy.Store(true)

	corelog.Infof("RedisBroker initialized for node: %s (addr: %s)", nodeID, config.Addr)
	return broker, nil
}

// Publish 发布消息到指定主题
func (r *RedisBroker) Publish(ctx context.Context, topic string, message []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return fmt.Errorf("broker is closed")
	}

	msg := &Message{
		Topic:     topic,
		Payload:   message,
		Timestamp: time.Now(),
		NodeID:    r.nodeID,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	channel := channelPrefix + topic
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		corelog.Errorf("RedisBroker: failed to publish to %s: %v", topic, err)
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}

	corelog.Debugf("RedisBroker: published message to topic %s", topic)
	return nil
}

// Subscribe 订阅主题，返回消息通道
// SUBSCRIBE 只是发出命令：在服务端确认到达前，对端发布的消息会被静默丢弃。
// 因此必须等到确认后才返回，调用方拿到返回值即可认为订阅已生效
func (r *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}

	if _, exists := r.subscribers[topic]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to topic: %s", topic)
	}

	msgChan := make(chan *Message, 100)
	confirmCh := make(chan struct{})
	channel := channelPrefix + topic
	r.subscribers[topic] = msgChan
	r.confirmations[channel] = confirmCh
	first := len(r.subscribers) == 1
	total := len(r.subscribers)
	r.mu.Unlock()

	if err := r.pubsub.Subscribe(r.Ctx(), channel); err != nil {
		r.dropSubscriber(topic, channel)
		return nil, fmt.Errorf("failed to subscribe to Redis: %w", err)
	}

	// 首次订阅时启动接收循环；确认消息也由它消费并转发到 confirmCh
	if first {
		go r.receiveLoop()
	}

	select {
	case <-confirmCh:
	case <-time.After(readyTimeout):
		r.dropSubscriber(topic, channel)
		return nil, fmt.Errorf("timed out waiting for subscription confirmation on %s", topic)
	case <-r.Ctx().Done():
		r.dropSubscriber(topic, channel)
		return nil, r.Ctx().Err()
	}

	corelog.Infof("RedisBroker: subscribed to topic %s (total topics: %d)", topic, total)
	return msgChan, nil
}

// dropSubscriber 回滚一次失败的订阅
func (r *RedisBroker) dropSubscriber(topic, channel string) {
	r.mu.Lock()
	delete(r.confirmations, channel)
	if ch, ok := r.subscribers[topic]; ok {
		delete(r.subscribers, topic)
		close(ch)
	}
	r.mu.Unlock()
	_ = r.pubsub.Unsubscribe(context.Background(), channel)
}

// notifyConfirmed 服务端订阅确认到达，唤醒等待中的 Subscribe
func (r *RedisBroker) notifyConfirmed(channel string) {
	r.mu.Lock()
	if ch, ok := r.confirmations[channel]; ok {
		close(ch)
		delete(r.confirmations, channel)
	}
	r.mu.Unlock()
}

// receiveLoop 接收 Redis 消息循环
// 连续失败按指数退避重试；超过重试上限后放弃，实例自报不健康，仅靠重启恢复
func (r *RedisBroker) receiveLoop() {
	corelog.Infof("RedisBroker: receive loop started")

	backoff := receiveBackoffMin
	failures := 0

	for {
		select {
		case <-r.Ctx().Done():
			corelog.Infof("RedisBroker: receive loop stopped")
			return
		default:
		}

		reply, err := r.pubsub.Receive(r.Ctx())
		if err != nil {
			if r.IsClosed() {
				return
			}
			failures++
			if failures > receiveMaxRetries {
				r.healthy.Store(false)
				corelog.Errorf("RedisBroker: giving up after %d receive failures, marking broker unhealthy", failures)
				return
			}
			corelog.Errorf("RedisBroker: failed to receive message (attempt %d): %v", failures, err)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > receiveBackoffMax {
				backoff = receiveBackoffMax
			}
			continue
		}

		failures = 0
		backoff = receiveBackoffMin

		switch msg := reply.(type) {
		case *redis.Subscription:
			if msg.Kind == "subscribe" {
				r.notifyConfirmed(msg.Channel)
			}
		case *redis.Pong:
			// 哨兵 Ping 的回执
		case *redis.Message:
			r.deliver(msg)
		}
	}
}

// deliver 反序列化并分发到对应主题的订阅通道
func (r *RedisBroker) deliver(msg *redis.Message) {
	var message Message
	if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
		corelog.Errorf("RedisBroker: failed to unmarshal message: %v", err)
		return
	}

	topic := strings.TrimPrefix(msg.Channel, channelPrefix)

	r.mu.RLock()
	ch, exists := r.subscribers[topic]
	r.mu.RUnlock()

	if exists {
		select {
		case ch <- &message:
			corelog.Debugf("RedisBroker: delivered message to topic %s", topic)
		case <-r.Ctx().Done():
		default:
			corelog.Warnf("RedisBroker: subscriber channel full for topic %s, dropping message", topic)
		}
	}
}

// Unsubscribe 取消订阅
func (r *RedisBroker) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("broker is closed")
	}

	ch, exists := r.subscribers[topic]
	if !exists {
		return fmt.Errorf("not subscribed to topic: %s", topic)
	}

	channel := channelPrefix + topic
	if err := r.pubsub.Unsubscribe(ctx, channel); err != nil {
		corelog.Warnf("RedisBroker: failed to unsubscribe from Redis: %v", err)
	}

	close(ch)
	delete(r.subscribers, topic)

	corelog.Infof("RedisBroker: unsubscribed from topic %s", topic)
	return nil
}

// Healthy 报告代理是否可用
func (r *RedisBroker) Healthy() bool {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	return !closed && r.healthy.Load()
}

// Ping 检查发布连接
func (r *RedisBroker) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("broker is closed")
	}
	return r.client.Ping(ctx).Err()
}

// Close 关闭消息代理
func (r *RedisBroker) Close() error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	if err := r.pubsub.Close(); err != nil {
		corelog.Warnf("RedisBroker: failed to close pubsub: %v", err)
	}

	for topic, ch := range r.subscribers {
		close(ch)
		corelog.Debugf("RedisBroker: closed subscriber for topic %s", topic)
	}
	r.subscribers = make(map[string]chan *Message)
	// 等待确认中的 Subscribe 由上下文取消唤醒
	r.confirmations = make(map[string]chan struct{})

	if err := r.client.Close(); err != nil {
		corelog.Warnf("RedisBroker: failed to close Redis client: %v", err)
	}

	r.mu.Unlock()

	corelog.Infof("RedisBroker closed for node: %s", r.nodeID)
	return r.ServiceBase.CloseWithError()
}
