package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"planetchat/internal/auth"
	"planetchat/internal/broker"
	"planetchat/internal/chatstore"
	"planetchat/internal/core/dispose"
	coreerrors "planetchat/internal/core/errors"
	corelog "planetchat/internal/core/log"
	"planetchat/internal/ratelimit"
	"planetchat/internal/receipts"
	"planetchat/internal/rooms"

	"github.com/gorilla/websocket"
)

// Gateway websocket 网关
// 每个可限流的入站动作先过限流器；拒绝附带结构化重试元数据。
// 广播顺序固定：先本地投递，再经桥发布给其他实例
type Gateway struct {
	*dispose.ServiceBase

	auth    *auth.Authenticator
	limiter *ratelimit.Limiter
	tracker *receipts.Tracker
	store   chatstore.Store
	rooms   *rooms.Manager
	bridge  *broker.Bridge

	upgrader websocket.Upgrader
}

// NewGateway 创建网关
func NewGateway(parentCtx context.Context, a *auth.Authenticator, limiter *ratelimit.Limiter,
	tracker *receipts.Tracker, store chatstore.Store, roomMgr *rooms.Manager, bridge *broker.Bridge) *Gateway {
	return &Gateway{
		ServiceBase: dispose.NewService("Gateway", parentCtx),
		auth:        a,
		limiter:     limiter,
		tracker:     tracker,
		store:       store,
		rooms:       roomMgr,
		bridge:      bridge,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start 注册桥回调，进程生命周期内调用一次
func (g *Gateway) Start() error {
	return g.bridge.Start(g.onRemoteRoomEvent, g.onRemotePresence, g.onRemoteTyping)
}

// ServeHTTP websocket 握手入口
// 鉴权在升级前完成：无效令牌拿不到 websocket 连接
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.auth.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		corelog.Warnf("Gateway: upgrade failed for user %s: %v", identity.UserID, err)
		return
	}

	c := newConn(g, ws, identity)
	g.rooms.Register(c)
	corelog.Infof("Gateway: user %s connected (conn %s, device %s)", c.UserID(), c.ID(), c.DeviceType())

	go c.writePump()
	go c.readPump()
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (g *Gateway) unregister(c *Conn) {
	// 摘除前记下所在房间，最后一台设备下线时对外发离开事件
	joined := g.rooms.UserRooms(c.UserID())
	g.rooms.Unregister(c)
	c.close()

	if g.rooms.DeviceCount(c.UserID()) > 0 {
		return
	}
	for _, room := range joined {
		if !strings.HasPrefix(room, "planet:") {
			continue
		}
		planetID := strings.TrimPrefix(room, "planet:")
		g.broadcastPresence(room, planetID, c.UserID(), false, c.ID())
	}
	corelog.Infof("Gateway: user %s disconnected (conn %s)", c.UserID(), c.ID())
}

// dispatch 入站事件派发
func (g *Gateway) dispatch(c *Conn, env *Envelope) {
	switch env.Event {
	case EventSendMessage:
		g.handleSend(c, env.Data)
	case EventEditMessage:
		g.handleEdit(c, env.Data)
	case EventDeleteMessage:
		g.handleDelete(c, env.Data)
	case EventRestoreMessage:
		g.handleRestore(c, env.Data)
	case EventMarkRead:
		g.handleMarkRead(c, env.Data)
	case EventMarkMultiRead:
		g.handleMarkMultiRead(c, env.Data)
	case EventMarkAllRead:
		g.handleMarkAllRead(c, env.Data)
	case EventJoinRoom:
		g.handleJoinRoom(c, env.Data)
	case EventLeaveRoom:
		g.handleLeaveRoom(c, env.Data)
	case EventTypingStart, EventTypingUpdate, EventTypingStop:
		g.handleTyping(c, env.Event, env.Data)
	case EventGetRoomInfo:
		g.handleRoomInfo(c, env.Data)
	case EventGetUnreadCount:
		g.handleUnreadCount(c, env.Data)
	case EventGetUnreadCounts:
		g.handleUnreadCounts(c)
	default:
		c.sendError("unknown event: "+env.Event, "VALIDATION_ERROR")
	}
}

// sendStoreError 持久层错误转为统一错误事件
func sendStoreError(c *Conn, err error) {
	c.sendError(err.Error(), string(coreerrors.GetCode(err)))
}

// throttled 限流拒绝：不按错误记日志，附带重试元数据与用量快照
func (g *Gateway) throttled(c *Conn, action string, res *ratelimit.Result) {
	c.sendError(res.Message, string(coreerrors.CodeRateLimited))
	c.sendEvent(EventRateLimitInfo, &RateLimitInfo{Action: action, Result: res})
}

// requireMember 房间存在性与成员资格检查，任何状态变更之前执行
func (g *Gateway) requireMember(c *Conn, planetID string) (*chatstore.Planet, bool) {
	planet, err := g.store.GetPlanet(g.Ctx(), planetID)
	if err != nil {
		sendStoreError(c, err)
		return nil, false
	}
	member, err := g.store.IsMember(g.Ctx(), planetID, c.UserID())
	if err != nil {
		sendStoreError(c, err)
		return nil, false
	}
	if !member {
		c.sendError("not a member of planet "+planetID, string(coreerrors.CodeNotMember))
		return nil, false
	}
	return planet, true
}

// broadcastRoomEvent 先本地投递再跨实例发布
func (g *Gateway) broadcastRoomEvent(room, event string, payload interface{}, exceptConnID string) {
	data := encodeOutbound(event, payload)
	g.rooms.BroadcastLocal(room, data, exceptConnID)
	if err := g.bridge.PublishRoomEvent(room, event, payload); err != nil {
		corelog.Warnf("Gateway: cross-instance publish failed for %s: %v", event, err)
	}
}

func (g *Gateway) broadcastPresence(room, planetID, userID string, online bool, exceptConnID string) {
	event := EventUserLeft
	if online {
		event = EventUserJoined
	}
	data := encodeOutbound(event, &PresencePayload{PlanetID: planetID, UserID: userID})
	g.rooms.BroadcastLocal(room, data, exceptConnID)
	if err := g.bridge.PublishPresence(room, userID, online); err != nil {
		corelog.Warnf("Gateway: presence publish failed: %v", err)
	}
}

func (g *Gateway) handleSend(c *Conn, raw json.RawMessage) {
	var p SendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.PlanetID == "" || p.Content == "" {
		c.sendError("send_message requires planet_id and content", "VALIDATION_ERROR")
		return
	}
	if p.Type == "" {
		p.Type = chatstore.MessageTypeText
	}

	planet, ok := g.requireMember(c, p.PlanetID)
	if !ok {
		return
	}

	action := ratelimit.ActionSend
	if p.Type == chatstore.MessageTypeImage || p.Type == chatstore.MessageTypeFile || p.Type == chatstore.MessageTypeVideo {
		action = ratelimit.ActionUpload
	}
	if res := g.limiter.CheckAction(c.UserID(), action, planet.TravelID, p.PlanetID, p.Type); !res.Allowed {
		g.throttled(c, string(action), res)
		return
	}

	msg := &chatstore.Message{
		PlanetID: p.PlanetID,
		TravelID: planet.TravelID,
		AuthorID: c.UserID(),
		Type:     p.Type,
		Content:  p.Content,
	}
	if err := g.store.CreateMessage(g.Ctx(), msg); err != nil {
		sendStoreError(c, err)
		return
	}

	c.sendEvent(EventMessageSent, msg)
	g.broadcastRoomEvent(rooms.PlanetRoom(p.PlanetID), EventMessageSent, msg, c.ID())
}

func (g *Gateway) handleEdit(c *Conn, raw json.RawMessage) {
	var p EditMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == 0 || p.Content == "" {
		c.sendError("edit_message requires message_id and content", "VALIDATION_ERROR")
		return
	}

	existing, err := g.store.GetMessage(g.Ctx(), p.MessageID)
	if err != nil {
		sendStoreError(c, err)
		return
	}

	if res := g.limiter.CheckAction(c.UserID(), ratelimit.ActionEdit, existing.TravelID, existing.PlanetID, existing.Type); !res.Allowed {
		g.throttled(c, string(ratelimit.ActionEdit), res)
		return
	}

	msg, err := g.store.EditMessage(g.Ctx(), p.MessageID, c.UserID(), p.Content)
	if err != nil {
		sendStoreError(c, err)
		return
	}

	c.sendEvent(EventMessageEdited, msg)
	g.broadcastRoomEvent(rooms.PlanetRoom(msg.PlanetID), EventMessageEdited, msg, c.ID())
}

func (g *Gateway) handleDelete(c *Conn, raw json.RawMessage) {
	var p MessageIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == 0 {
		c.sendError("delete_message requires message_id", "VALIDATION_ERROR")
		return
	}

	existing, err := g.store.GetMessage(g.Ctx(), p.MessageID)
	if err != nil {
		sendStoreError(c, err)
		return
	}

	if res := g.limiter.CheckAction(c.UserID(), ratelimit.ActionDelete, existing.TravelID, existing.PlanetID, existing.Type); !res.Allowed {
		g.throttled(c, string(ratelimit.ActionDelete), res)
		return
	}

	msg, err := g.store.SoftDeleteMessage(g.Ctx(), p.MessageID, c.UserID())
	if err != nil {
		sendStoreError(c, err)
		return
	}

	c.sendEvent(EventMessageDeleted, msg)
	g.broadcastRoomEvent(rooms.PlanetRoom(msg.PlanetID), EventMessageDeleted, msg, c.ID())
}

func (g *Gateway) handleRestore(c *Conn, raw json.RawMessage) {
	var p MessageIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == 0 {
		c.sendError("restore_message requires message_id", "VALIDATION_ERROR")
		return
	}

	msg, err := g.store.RestoreMessage(g.Ctx(), p.MessageID, c.UserID())
	if err != nil {
		sendStoreError(c, err)
		return
	}

	c.sendEvent(EventMessageRestored, msg)
	g.broadcastRoomEvent(rooms.PlanetRoom(msg.PlanetID), EventMessageRestored, msg, c.ID())
}

func (g *Gateway) handleMarkRead(c *Conn, raw json.RawMessage) {
	var p MessageIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == 0 {
		c.sendError("mark_message_read requires message_id", "VALIDATION_ERROR")
		return
	}

	receipt, err := g.tracker.MarkRead(g.Ctx(), p.MessageID, c.UserID(), receipts.Options{DeviceType: c.DeviceType()})
	if err != nil {
		sendStoreError(c, err)
		return
	}

	status := &ReadStatusPayload{
		PlanetID:   receipt.PlanetID,
		UserID:     c.UserID(),
		MessageIDs: []int64{receipt.MessageID},
		ReadAt:     receipt.ReadAt.UnixMilli(),
	}
	c.sendEvent(EventReadStatus, status)
	g.broadcastRoomEvent(rooms.PlanetRoom(receipt.PlanetID), EventReadStatus, status, c.ID())
}

func (g *Gateway) handleMarkMultiRead(c *Conn, raw json.RawMessage) {
	var p MarkMultiPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.PlanetID == "" || len(p.MessageIDs) == 0 {
		c.sendError("mark_multiple_read requires planet_id and message_ids", "VALIDATION_ERROR")
		return
	}
	if _, ok := g.requireMember(c, p.PlanetID); !ok {
		return
	}

	result, err := g.tracker.MarkManyRead(g.Ctx(), p.PlanetID, p.MessageIDs, c.UserID(), receipts.Options{DeviceType: c.DeviceType()})
	if err != nil {
		sendStoreError(c, err)
		return
	}

	// readAt 取回执中的实际时间：已读过的消息保留原有已读时间
	ids := make([]int64, 0, len(result))
	var readAt time.Time
	for _, r := range result {
		ids = append(ids, r.MessageID)
		if r.ReadAt.After(readAt) {
			readAt = r.ReadAt
		}
	}
	if readAt.IsZero() {
		readAt = time.Now()
	}
	status := &ReadStatusPayload{
		PlanetID:   p.PlanetID,
		UserID:     c.UserID(),
		MessageIDs: ids,
		ReadAt:     readAt.UnixMilli(),
	}
	c.sendEvent(EventReadStatus, status)
	g.broadcastRoomEvent(rooms.PlanetRoom(p.PlanetID), EventReadStatus, status, c.ID())
}

func (g *Gateway) handleMarkAllRead(c *Conn, raw json.RawMessage) {
	var p RoomPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.PlanetID == "" {
		c.sendError("mark_all_read_in_room requires planet_id", "VALIDATION_ERROR")
		return
	}
	if _, ok := g.requireMember(c, p.PlanetID); !ok {
		return
	}

	result, err := g.tracker.MarkAllReadInRoom(g.Ctx(), p.PlanetID, c.UserID(), receipts.Options{DeviceType: c.DeviceType()})
	if err != nil {
		sendStoreError(c, err)
		return
	}

	// 调用方收汇总；房间收携带具体消息的标准已读事件，本次没有新标记则不广播
	c.sendEvent(EventRoomReadAll, result)
	if len(result.MessageIDs) > 0 {
		readAt := time.Now()
		if result.LastReadAt != nil {
			readAt = *result.LastReadAt
		}
		g.broadcastRoomEvent(rooms.PlanetRoom(p.PlanetID), EventReadStatus, &ReadStatusPayload{
			PlanetID:   p.PlanetID,
			UserID:     c.UserID(),
			MessageIDs: result.MessageIDs,
			ReadAt:     readAt.UnixMilli(),
		}, c.ID())
	}
}

func (g *Gateway) handleJoinRoom(c *Conn, raw json.RawMessage) {
	var p RoomPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.PlanetID == "" {
		c.sendError("join_room requires planet_id", "VALIDATION_ERROR")
		return
	}

	planet, ok := g.requireMember(c, p.PlanetID)
	if !ok {
		return
	}
	if res := g.limiter.CheckAction(c.UserID(), ratelimit.ActionJoin, planet.TravelID, p.PlanetID, ""); !res.Allowed {
		g.throttled(c, string(ratelimit.ActionJoin), res)
		return
	}

	room := rooms.PlanetRoom(p.PlanetID)
	// 多设备：仅用户首台设备进入房间时对外发进入事件
	alreadyPresent := contains(g.rooms.Members(room), c.UserID())
	g.rooms.Join(c, room)

	c.sendEvent(EventRoomJoined, &RoomJoinedPayload{
		PlanetID: p.PlanetID,
		Members:  g.rooms.Members(room),
	})
	if !alreadyPresent {
		g.broadcastPresence(room, p.PlanetID, c.UserID(), true, c.ID())
	}
}

func (g *Gateway) handleLeaveRoom(c *Conn, raw json.RawMessage) {
	var p RoomPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.PlanetID == "" {
		c.sendError("leave_room requires planet_id", "VALIDATION_ERROR")
		return
	}

	room := rooms.PlanetRoom(p.PlanetID)
	g.rooms.Leave(c, room)
	c.sendEvent(EventRoomLeft, &RoomPayload{PlanetID: p.PlanetID})

	if !contains(g.rooms.Members(room), c.UserID()) {
		g.broadcastPresence(room, p.PlanetID, c.UserID(), false, c.ID())
	}
}

func (g *Gateway) handleTyping(c *Conn, event string, raw json.RawMessage) {
	var p RoomPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.PlanetID == "" {
		c.sendError(event+" requires planet_id", "VALIDATION_ERROR")
		return
	}

	// 输入状态是尽力而为的信号：本地超速直接丢弃，不值得回一个错误
	if !c.typingLimiter.Allow() {
		return
	}
	if res := g.limiter.CheckAction(c.UserID(), ratelimit.ActionTyping, "", p.PlanetID, ""); !res.Allowed {
		g.throttled(c, string(ratelimit.ActionTyping), res)
		return
	}

	state := strings.TrimPrefix(event, "typing_")
	room := rooms.PlanetRoom(p.PlanetID)
	payload := &TypingPayload{PlanetID: p.PlanetID, UserID: c.UserID(), State: state}
	g.rooms.BroadcastLocal(room, encodeOutbound(EventTyping, payload), c.ID())
	if err := g.bridge.PublishTyping(room, c.UserID(), state); err != nil {
		corelog.Warnf("Gateway: typing publish failed: %v", err)
	}
}

func (g *Gateway) handleRoomInfo(c *Conn, raw json.RawMessage) {
	var p RoomPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.PlanetID == "" {
		c.sendError("get_room_info requires planet_id", "VALIDATION_ERROR")
		return
	}

	planet, ok := g.requireMember(c, p.PlanetID)
	if !ok {
		return
	}

	room := rooms.PlanetRoom(p.PlanetID)
	c.sendEvent(EventRoomInfo, &RoomInfoPayload{
		PlanetID:      planet.ID,
		TravelID:      planet.TravelID,
		Name:          planet.Name,
		OnlineMembers: g.rooms.Members(room),
		ClientCount:   g.rooms.ClientCount(room),
	})
}

func (g *Gateway) handleUnreadCount(c *Conn, raw json.RawMessage) {
	var p RoomPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.PlanetID == "" {
		c.sendError("get_unread_count requires planet_id", "VALIDATION_ERROR")
		return
	}

	count, err := g.tracker.UnreadCount(g.Ctx(), p.PlanetID, c.UserID())
	if err != nil {
		sendStoreError(c, err)
		return
	}
	c.sendEvent(EventUnreadCount, &UnreadCountPayload{PlanetID: p.PlanetID, UnreadCount: count})
}

func (g *Gateway) handleUnreadCounts(c *Conn) {
	all, err := g.tracker.UnreadCountsForUser(g.Ctx(), c.UserID())
	if err != nil {
		sendStoreError(c, err)
		return
	}
	c.sendEvent(EventUnreadCounts, all)
}

// onRemoteRoomEvent 其他实例的房间事件：仅本地投递，不再回发
func (g *Gateway) onRemoteRoomEvent(ev *broker.RoomEventMessage) {
	data := encodeOutbound(ev.EventType, json.RawMessage(ev.Payload))
	g.rooms.BroadcastLocal(ev.Room, data, "")
}

func (g *Gateway) onRemotePresence(ev *broker.PresenceMessage) {
	event := EventUserLeft
	if ev.Online {
		event = EventUserJoined
	}
	planetID := strings.TrimPrefix(ev.Room, "planet:")
	data := encodeOutbound(event, &PresencePayload{PlanetID: planetID, UserID: ev.UserID})
	g.rooms.BroadcastLocal(ev.Room, data, "")
}

func (g *Gateway) onRemoteTyping(ev *broker.TypingMessage) {
	planetID := strings.TrimPrefix(ev.Room, "planet:")
	data := encodeOutbound(EventTyping, &TypingPayload{PlanetID: planetID, UserID: ev.UserID, State: ev.State})
	g.rooms.BroadcastLocal(ev.Room, data, "")
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
