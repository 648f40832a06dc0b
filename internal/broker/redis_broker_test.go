package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis 创建一个测试用的 Redis 实例
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisBrokerConfig) {
	mr := miniredis.RunT(t)
	config := &RedisBrokerConfig{
		Addr:     mr.Addr(),
		Password: "",
		DB:       0,
		PoolSize: 10,
	}
	return mr, config
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	mr, config := setupTestRedis(t)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeID := "test-node-1"
	rb, err := NewRedisBroker(ctx, config, nodeID)
	require.NoError(t, err)
	defer rb.Close()

	msg := RoomEventMessage{
		Room:      "planet:7",
		EventType: "message:sent",
		Payload:   json.RawMessage(`{"id":99}`),
		NodeID:    nodeID,
		Timestamp: time.Now().UnixMilli(),
	}

	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	subChan, err := rb.Subscribe(ctx, TopicRoomEvent)
	require.NoError(t, err)
	assert.NotNil(t, subChan)

	err = rb.Publish(ctx, TopicRoomEvent, payload)
	require.NoError(t, err)

	select {
	case receivedMsg := <-subChan:
		assert.Equal(t, TopicRoomEvent, receivedMsg.Topic)
		assert.Equal(t, nodeID, receivedMsg.NodeID)

		var received RoomEventMessage
		require.NoError(t, json.Unmarshal(receivedMsg.Payload, &received))
		assert.Equal(t, msg.Room, received.Room)
		assert.Equal(t, msg.EventType, received.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRedisBroker_CrossNodeDelivery(t *testing.T) {
	mr, config := setupTestRedis(t)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA, err := NewRedisBroker(ctx, config, "node-a")
	require.NoError(t, err)
	defer nodeA.Close()

	nodeB, err := NewRedisBroker(ctx, config, "node-b")
	require.NoError(t, err)
	defer nodeB.Close()

	subChan, err := nodeB.Subscribe(ctx, TopicPresence)
	require.NoError(t, err)

	// Subscribe 返回即已确认：不等待直接从对端发布
	payload, _ := json.Marshal(PresenceMessage{Room: "travel:3", UserID: "u1", Online: true})
	require.NoError(t, nodeA.Publish(ctx, TopicPresence, payload))

	select {
	case msg := <-subChan:
		assert.Equal(t, "node-a", msg.NodeID)
	case <-time.After(2 * time.Second):
		t.Fatal("node-b did not receive message published by node-a")
	}
}

// 每次 Subscribe 返回后立即从对端发布，消息不允许丢失（包括接收循环已运行后的后续主题）
func TestRedisBroker_SubscribeConfirmedBeforeReturn(t *testing.T) {
	mr, config := setupTestRedis(t)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, err := NewRedisBroker(ctx, config, "node-pub")
	require.NoError(t, err)
	defer pub.Close()

	sub, err := NewRedisBroker(ctx, config, "node-sub")
	require.NoError(t, err)
	defer sub.Close()

	for _, topic := range []string{TopicRoomEvent, TopicPresence, TopicTyping} {
		ch, err := sub.Subscribe(ctx, topic)
		require.NoError(t, err)

		payload, _ := json.Marshal(map[string]string{"topic": topic})
		require.NoError(t, pub.Publish(ctx, topic, payload))

		select {
		case msg := <-ch:
			assert.Equal(t, topic, msg.Topic)
			assert.Equal(t, "node-pub", msg.NodeID)
		case <-time.After(2 * time.Second):
			t.Fatalf("message published right after subscribing to %s was lost", topic)
		}
	}
}

func TestRedisBroker_DoubleSubscribe(t *testing.T) {
	mr, config := setupTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	rb, err := NewRedisBroker(ctx, config, "test-node")
	require.NoError(t, err)
	defer rb.Close()

	_, err = rb.Subscribe(ctx, TopicTyping)
	require.NoError(t, err)

	_, err = rb.Subscribe(ctx, TopicTyping)
	assert.Error(t, err, "double subscribe to the same topic must fail")
}

func TestRedisBroker_ConnectFailure(t *testing.T) {
	ctx := context.Background()
	config := &RedisBrokerConfig{Addr: "127.0.0.1:1"} // 不可达地址

	_, err := NewRedisBroker(ctx, config, "test-node")
	assert.Error(t, err, "broker setup against unreachable redis must fail")
}

func TestRedisBroker_Healthy(t *testing.T) {
	mr, config := setupTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	rb, err := NewRedisBroker(ctx, config, "test-node")
	require.NoError(t, err)

	assert.True(t, rb.Healthy())

	rb.Close()
	assert.False(t, rb.Healthy())
}
