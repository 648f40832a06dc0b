package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"planetchat/internal/auth"
	"planetchat/internal/broker"
	"planetchat/internal/chatstore"
	"planetchat/internal/core/storage"
	"planetchat/internal/ratelimit"
	"planetchat/internal/receipts"
	"planetchat/internal/rooms"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	gateway *Gateway
	server  *httptest.Server
	store   *chatstore.MemoryStore
	auth    *auth.Authenticator
	limiter *ratelimit.Limiter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	a, err := auth.NewAuthenticator(&auth.Config{Secret: "test-secret"})
	require.NoError(t, err)

	kv := storage.NewMemoryStorage(ctx)
	t.Cleanup(func() { _ = kv.Close() })

	store := chatstore.NewMemoryStore()
	limiter := ratelimit.NewLimiter(kv, ratelimit.DefaultConfig())
	tracker := receipts.NewTracker(store)
	roomMgr := rooms.NewManager(ctx)
	t.Cleanup(func() { roomMgr.Close() })
	bridge := broker.NewBridge(ctx, broker.DefaultConfig("node-test"))
	t.Cleanup(func() { bridge.Close() })

	g := NewGateway(ctx, a, limiter, tracker, store, roomMgr, bridge)
	t.Cleanup(func() { g.Close() })
	require.NoError(t, g.Start())

	server := httptest.NewServer(g)
	t.Cleanup(server.Close)

	return &testEnv{gateway: g, server: server, store: store, auth: a, limiter: limiter}
}

func (e *testEnv) seedPlanet(t *testing.T, planetID string, members ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.CreatePlanet(ctx, &chatstore.Planet{ID: planetID, TravelID: "travel-1", Name: "Planet " + planetID}))
	for _, m := range members {
		require.NoError(t, e.store.AddMember(ctx, planetID, m))
	}
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := e.auth.GenerateToken(userID, "test")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendEvent(t *testing.T, ws *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(&Envelope{Event: event, Data: raw}))
}

// readEvent 读取下一个指定类型的出站事件，跳过其他事件
func readEvent(t *testing.T, ws *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var out struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := ws.ReadJSON(&out); err != nil {
			t.Fatalf("did not receive event %q in time: %v", event, err)
		}
		if out.Event == event {
			return out.Data
		}
	}
}

func TestGateway_RejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_SendAndReceive(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlanet(t, "p1", "alice", "bob")

	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	sendEvent(t, alice, EventJoinRoom, &RoomPayload{PlanetID: "p1"})
	readEvent(t, alice, EventRoomJoined)
	sendEvent(t, bob, EventJoinRoom, &RoomPayload{PlanetID: "p1"})
	readEvent(t, bob, EventRoomJoined)

	sendEvent(t, alice, EventSendMessage, &SendMessagePayload{PlanetID: "p1", Content: "hello bob"})

	// 发送方收到确认，房间内其他成员收到广播
	var confirmed chatstore.Message
	require.NoError(t, json.Unmarshal(readEvent(t, alice, EventMessageSent), &confirmed))
	assert.Equal(t, "hello bob", confirmed.Content)
	assert.Equal(t, "alice", confirmed.AuthorID)

	var received chatstore.Message
	require.NoError(t, json.Unmarshal(readEvent(t, bob, EventMessageSent), &received))
	assert.Equal(t, confirmed.ID, received.ID)
}

func TestGateway_NonMemberRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlanet(t, "p1", "alice")

	mallory := env.dial(t, "mallory")
	sendEvent(t, mallory, EventSendMessage, &SendMessagePayload{PlanetID: "p1", Content: "sneak"})

	var errEvent ErrorEvent
	require.NoError(t, json.Unmarshal(readEvent(t, mallory, EventError), &errEvent))
	assert.Equal(t, "NOT_MEMBER", errEvent.Code)
}

func TestGateway_ThrottledSendGetsRetryMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlanet(t, "p1", "alice")
	alice := env.dial(t, "alice")

	limit := 30 // room send 默认上限
	for i := 0; i < limit; i++ {
		sendEvent(t, alice, EventSendMessage, &SendMessagePayload{PlanetID: "p1", Content: "spam"})
		readEvent(t, alice, EventMessageSent)
	}

	sendEvent(t, alice, EventSendMessage, &SendMessagePayload{PlanetID: "p1", Content: "one too many"})

	var errEvent ErrorEvent
	require.NoError(t, json.Unmarshal(readEvent(t, alice, EventError), &errEvent))
	assert.Equal(t, "RATE_LIMITED", errEvent.Code)

	var info RateLimitInfo
	require.NoError(t, json.Unmarshal(readEvent(t, alice, EventRateLimitInfo), &info))
	assert.Equal(t, "send", info.Action)
	require.NotNil(t, info.Result)
	assert.False(t, info.Result.Allowed)
	assert.Greater(t, info.Result.RetryAfterSeconds, int64(0))
}

func TestGateway_MarkReadFlow(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlanet(t, "p1", "alice", "bob")

	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	sendEvent(t, alice, EventJoinRoom, &RoomPayload{PlanetID: "p1"})
	readEvent(t, alice, EventRoomJoined)

	sendEvent(t, alice, EventSendMessage, &SendMessagePayload{PlanetID: "p1", Content: "read me"})
	var msg chatstore.Message
	require.NoError(t, json.Unmarshal(readEvent(t, alice, EventMessageSent), &msg))

	sendEvent(t, bob, EventMarkRead, &MessageIDPayload{MessageID: msg.ID})
	var status ReadStatusPayload
	require.NoError(t, json.Unmarshal(readEvent(t, bob, EventReadStatus), &status))
	assert.Equal(t, []int64{msg.ID}, status.MessageIDs)
	assert.Equal(t, "bob", status.UserID)

	// 房间内其他人也看到已读状态
	require.NoError(t, json.Unmarshal(readEvent(t, alice, EventReadStatus), &status))
	assert.Equal(t, "bob", status.UserID)

	// 未读数归零
	sendEvent(t, bob, EventGetUnreadCount, &RoomPayload{PlanetID: "p1"})
	var count UnreadCountPayload
	require.NoError(t, json.Unmarshal(readEvent(t, bob, EventUnreadCount), &count))
	assert.Equal(t, int64(0), count.UnreadCount)
}

func TestGateway_MarkMultiReadKeepsReceiptTime(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlanet(t, "p1", "alice", "bob")

	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	sendEvent(t, alice, EventSendMessage, &SendMessagePayload{PlanetID: "p1", Content: "old news"})
	var msg chatstore.Message
	require.NoError(t, json.Unmarshal(readEvent(t, alice, EventMessageSent), &msg))

	// 一小时前已读
	past := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	env.store.SetClock(func() time.Time { return past })
	sendEvent(t, bob, EventMarkRead, &MessageIDPayload{MessageID: msg.ID})
	readEvent(t, bob, EventReadStatus)
	env.store.SetClock(time.Now)

	// 批量标记覆盖已读消息时，上报的是回执的实际已读时间而非当前时间
	sendEvent(t, bob, EventMarkMultiRead, &MarkMultiPayload{PlanetID: "p1", MessageIDs: []int64{msg.ID}})
	var status ReadStatusPayload
	require.NoError(t, json.Unmarshal(readEvent(t, bob, EventReadStatus), &status))
	assert.Equal(t, []int64{msg.ID}, status.MessageIDs)
	assert.Equal(t, past.UnixMilli(), status.ReadAt)
}

func TestGateway_MarkAllReadFanout(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlanet(t, "p1", "alice", "bob")

	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	sendEvent(t, alice, EventJoinRoom, &RoomPayload{PlanetID: "p1"})
	readEvent(t, alice, EventRoomJoined)

	var ids []int64
	for _, content := range []string{"one", "two"} {
		sendEvent(t, alice, EventSendMessage, &SendMessagePayload{PlanetID: "p1", Content: content})
		var msg chatstore.Message
		require.NoError(t, json.Unmarshal(readEvent(t, alice, EventMessageSent), &msg))
		ids = append(ids, msg.ID)
	}

	// 调用方收到汇总，房间内其他成员收到携带具体消息 id 的已读事件
	sendEvent(t, bob, EventMarkAllRead, &RoomPayload{PlanetID: "p1"})
	var result receipts.MarkAllResult
	require.NoError(t, json.Unmarshal(readEvent(t, bob, EventRoomReadAll), &result))
	assert.Equal(t, 2, result.ProcessedCount)
	assert.ElementsMatch(t, ids, result.MessageIDs)

	var status ReadStatusPayload
	require.NoError(t, json.Unmarshal(readEvent(t, alice, EventReadStatus), &status))
	assert.Equal(t, "bob", status.UserID)
	assert.ElementsMatch(t, ids, status.MessageIDs)
	assert.Greater(t, status.ReadAt, int64(0))

	// 重复整房间标记只回汇总，不再广播
	sendEvent(t, bob, EventMarkAllRead, &RoomPayload{PlanetID: "p1"})
	result = receipts.MarkAllResult{}
	require.NoError(t, json.Unmarshal(readEvent(t, bob, EventRoomReadAll), &result))
	assert.Equal(t, 0, result.ProcessedCount)
	assert.Empty(t, result.MessageIDs)
}

func TestGateway_EditDeleteRestore(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlanet(t, "p1", "alice")
	alice := env.dial(t, "alice")

	sendEvent(t, alice, EventSendMessage, &SendMessagePayload{PlanetID: "p1", Content: "v1"})
	var msg chatstore.Message
	require.NoError(t, json.Unmarshal(readEvent(t, alice, EventMessageSent), &msg))

	sendEvent(t, alice, EventEditMessage, &EditMessagePayload{MessageID: msg.ID, Content: "v2"})
	var edited chatstore.Message
	require.NoError(t, json.Unmarshal(readEvent(t, alice, EventMessageEdited), &edited))
	assert.Equal(t, "v2", edited.Content)
	assert.NotNil(t, edited.EditedAt)

	sendEvent(t, alice, EventDeleteMessage, &MessageIDPayload{MessageID: msg.ID})
	readEvent(t, alice, EventMessageDeleted)

	sendEvent(t, alice, EventRestoreMessage, &MessageIDPayload{MessageID: msg.ID})
	var restored chatstore.Message
	require.NoError(t, json.Unmarshal(readEvent(t, alice, EventMessageRestored), &restored))
	assert.Nil(t, restored.DeletedAt)

	// 对未删除消息重复恢复返回冲突信号
	sendEvent(t, alice, EventRestoreMessage, &MessageIDPayload{MessageID: msg.ID})
	var errEvent ErrorEvent
	require.NoError(t, json.Unmarshal(readEvent(t, alice, EventError), &errEvent))
	assert.Equal(t, "NOT_DELETED", errEvent.Code)
}

func TestGateway_TypingFanout(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlanet(t, "p1", "alice", "bob")

	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	for _, ws := range []*websocket.Conn{alice, bob} {
		sendEvent(t, ws, EventJoinRoom, &RoomPayload{PlanetID: "p1"})
		readEvent(t, ws, EventRoomJoined)
	}

	sendEvent(t, alice, EventTypingStart, &RoomPayload{PlanetID: "p1"})

	var typing TypingPayload
	require.NoError(t, json.Unmarshal(readEvent(t, bob, EventTyping), &typing))
	assert.Equal(t, "alice", typing.UserID)
	assert.Equal(t, "start", typing.State)
}

func TestGateway_RoomInfo(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlanet(t, "p1", "alice")
	alice := env.dial(t, "alice")

	sendEvent(t, alice, EventJoinRoom, &RoomPayload{PlanetID: "p1"})
	readEvent(t, alice, EventRoomJoined)

	sendEvent(t, alice, EventGetRoomInfo, &RoomPayload{PlanetID: "p1"})
	var info RoomInfoPayload
	require.NoError(t, json.Unmarshal(readEvent(t, alice, EventRoomInfo), &info))
	assert.Equal(t, "p1", info.PlanetID)
	assert.Equal(t, "travel-1", info.TravelID)
	assert.Equal(t, []string{"alice"}, info.OnlineMembers)
	assert.Equal(t, 1, info.ClientCount)
}

func TestGateway_UnknownEvent(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")

	sendEvent(t, alice, "bogus_event", struct{}{})
	var errEvent ErrorEvent
	require.NoError(t, json.Unmarshal(readEvent(t, alice, EventError), &errEvent))
	assert.Equal(t, "VALIDATION_ERROR", errEvent.Code)
}
