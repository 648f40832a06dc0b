package broker

import "encoding/json"

// RoomEventMessage 房间事件消息
// 携带发布者节点ID，消费端跳过本节点已在本地投递过的事件
type RoomEventMessage struct {
	Room      string          `json:"room"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	NodeID    string          `json:"node_id"`
	Timestamp int64           `json:"timestamp"`
}

// PresenceMessage 成员进出房间消息
type PresenceMessage struct {
	Room      string `json:"room"`
	UserID    string `json:"user_id"`
	Online    bool   `json:"online"`
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}

// TypingMessage 输入状态消息
type TypingMessage struct {
	Room      string `json:"room"`
	UserID    string `json:"user_id"`
	State     string `json:"state"` // start / update / stop
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}
