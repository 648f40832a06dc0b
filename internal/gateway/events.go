package gateway

import (
	"encoding/json"
	"time"

	"planetchat/internal/ratelimit"
)

// 入站事件
const (
	EventSendMessage     = "send_message"
	EventEditMessage     = "edit_message"
	EventDeleteMessage   = "delete_message"
	EventRestoreMessage  = "restore_message"
	EventMarkRead        = "mark_message_read"
	EventMarkMultiRead   = "mark_multiple_read"
	EventMarkAllRead     = "mark_all_read_in_room"
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventTypingStart     = "typing_start"
	EventTypingUpdate    = "typing_update"
	EventTypingStop      = "typing_stop"
	EventGetRoomInfo     = "get_room_info"
	EventGetUnreadCount  = "get_unread_count"
	EventGetUnreadCounts = "get_unread_counts"
)

// 出站事件
const (
	EventMessageSent     = "message:sent"
	EventMessageEdited   = "message:edited"
	EventMessageDeleted  = "message:deleted"
	EventMessageRestored = "message:restored"
	EventReadStatus      = "message:read_status"
	EventRoomReadAll     = "room:read_all"
	EventRoomJoined      = "room:joined"
	EventRoomLeft        = "room:left"
	EventRoomInfo        = "room:info"
	EventUserJoined      = "room:user_joined"
	EventUserLeft        = "room:user_left"
	EventTyping          = "room:typing"
	EventUnreadCount     = "room:unread_count"
	EventUnreadCounts    = "room:unread_counts"
	EventRateLimitInfo   = "rate_limit_info"
	EventError           = "error"
)

// Envelope 入站事件信封
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent 出站事件信封
type OutboundEvent struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ErrorEvent 统一错误事件
// 任何到达客户端的拒绝都是结构化事件，绝不静默丢弃
type ErrorEvent struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// RateLimitInfo 限流快照（附在被限流的动作之后）
type RateLimitInfo struct {
	Action string            `json:"action"`
	Result *ratelimit.Result `json:"result"`
}

// 入站载荷

type SendMessagePayload struct {
	PlanetID string `json:"planet_id"`
	Type     string `json:"type"`
	Content  string `json:"content"`
}

type EditMessagePayload struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type MessageIDPayload struct {
	MessageID int64 `json:"message_id"`
}

type MarkMultiPayload struct {
	PlanetID   string  `json:"planet_id"`
	MessageIDs []int64 `json:"message_ids"`
}

type RoomPayload struct {
	PlanetID string `json:"planet_id"`
}

// 出站载荷

type ReadStatusPayload struct {
	PlanetID   string  `json:"planet_id"`
	UserID     string  `json:"user_id"`
	MessageIDs []int64 `json:"message_ids"`
	ReadAt     int64   `json:"read_at"`
}

type RoomJoinedPayload struct {
	PlanetID string   `json:"planet_id"`
	Members  []string `json:"members"`
}

type RoomInfoPayload struct {
	PlanetID      string   `json:"planet_id"`
	TravelID      string   `json:"travel_id"`
	Name          string   `json:"name"`
	OnlineMembers []string `json:"online_members"`
	ClientCount   int      `json:"client_count"`
}

type TypingPayload struct {
	PlanetID string `json:"planet_id"`
	UserID   string `json:"user_id"`
	State    string `json:"state"` // start / update / stop
}

type PresencePayload struct {
	PlanetID string `json:"planet_id"`
	UserID   string `json:"user_id"`
}

type UnreadCountPayload struct {
	PlanetID    string `json:"planet_id"`
	UnreadCount int64  `json:"unread_count"`
}

func newOutbound(event string, data interface{}) *OutboundEvent {
	return &OutboundEvent{Event: event, Data: data, Timestamp: time.Now().UnixMilli()}
}

func encodeOutbound(event string, data interface{}) []byte {
	raw, err := json.Marshal(newOutbound(event, data))
	if err != nil {
		return nil
	}
	return raw
}
