package pager

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Cursor 游标内容
// 发出后即为快照引用，永不变化；对客户端不透明，只在本包内解码
type Cursor struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Score     float64   `json:"score,omitempty"`
}

// Encode 编码为 URL 安全的 base64 令牌
func Encode(c *Cursor) string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode 解码游标令牌
// 畸形游标按「无游标」处理返回 nil：客户端不应被损坏的游标永久卡住
func Decode(token string) *Cursor {
	if token == "" {
		return nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil
	}
	if c.ID == 0 {
		return nil
	}
	return &c
}
