package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"planetchat/internal/auth"
	corelog "planetchat/internal/core/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Conn 单个 websocket 连接
// send 缓冲写满即判定慢客户端并断开：宁可掉线也不阻塞中枢
type Conn struct {
	id       string
	identity *auth.Identity
	ws       *websocket.Conn
	gateway  *Gateway

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// 本地输入状态节流，分布式限流之前的廉价首道闸门
	typingLimiter *rate.Limiter
}

func newConn(g *Gateway, ws *websocket.Conn, identity *auth.Identity) *Conn {
	return &Conn{
		id:            uuid.NewString(),
		identity:      identity,
		ws:            ws,
		gateway:       g,
		send:          make(chan []byte, sendBufferSize),
		done:          make(chan struct{}),
		typingLimiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// ID 连接唯一标识
func (c *Conn) ID() string { return c.id }

// UserID 连接所属用户
func (c *Conn) UserID() string { return c.identity.UserID }

// DeviceType 连接设备类型
func (c *Conn) DeviceType() string { return c.identity.DeviceType }

// Send 非阻塞投递；缓冲满或连接已关闭返回 false
// 只发信号不关 channel：广播方可能还持有连接引用
func (c *Conn) Send(data []byte) bool {
	if data == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendEvent 编码出站事件并投递；慢客户端直接断开
func (c *Conn) sendEvent(event string, data interface{}) {
	if !c.Send(encodeOutbound(event, data)) {
		corelog.Warnf("Gateway: slow client %s (user %s), dropping connection", c.id, c.UserID())
		c.close()
	}
}

// sendError 投递统一错误事件
func (c *Conn) sendError(message, code string) {
	c.sendEvent(EventError, &ErrorEvent{
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump 读泵：解码入站信封并派发
func (c *Conn) readPump() {
	defer func() {
		c.gateway.unregister(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				corelog.Warnf("Gateway: read error on %s: %v", c.id, err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("malformed event envelope", "VALIDATION_ERROR")
			continue
		}
		c.gateway.dispatch(c, &env)
	}
}

// writePump 写泵：唯一向 socket 写入的 goroutine
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
