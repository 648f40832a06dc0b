package rooms

import (
	"context"
	"sort"
	"sync"

	"planetchat/internal/core/dispose"
	corelog "planetchat/internal/core/log"
)

// Client 挂在房间索引上的本地连接
// Send 必须非阻塞：返回 false 表示客户端过慢（缓冲已满）
type Client interface {
	ID() string
	UserID() string
	DeviceType() string
	Send(data []byte) bool
}

// 房间命名约定
const (
	planetRoomPrefix = "planet:"
	travelRoomPrefix = "travel:"
	userRoomPrefix   = "user:"
)

// PlanetRoom 聊天房间名
func PlanetRoom(planetID string) string { return planetRoomPrefix + planetID }

// TravelRoom 行程级房间名
func TravelRoom(travelID string) string { return travelRoomPrefix + travelID }

// UserRoom 用户自通知频道
func UserRoom(userID string) string { return userRoomPrefix + userID }

// Manager 单实例房间/在线索引
// 两张实例内私有映射（用户→房间、房间→连接），进程退出整体销毁；
// 在线状态天然是每实例的，跨实例只在广播层合并，绝不当作全局视图
type Manager struct {
	*dispose.ManagerBase

	mu          sync.RWMutex
	userRooms   map[string]map[string]bool   // userID -> 房间集合
	roomClients map[string]map[string]Client // 房间 -> connID -> client
	userClients map[string]map[string]Client // userID -> connID -> client（多设备）
}

// NewManager 创建房间管理器
func NewManager(parentCtx context.Context) *Manager {
	m := &Manager{
		userRooms:   make(map[string]map[string]bool),
		roomClients: make(map[string]map[string]Client),
		userClients: make(map[string]map[string]Client),
	}
	m.ManagerBase = dispose.NewManager("RoomManager", parentCtx)
	m.AddCleanHandler(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.userRooms = make(map[string]map[string]bool)
		m.roomClients = make(map[string]map[string]Client)
		m.userClients = make(map[string]map[string]Client)
		return nil
	})
	return m
}

// Register 连接建立时挂载：进入用户自通知频道，记录多设备多重度
func (m *Manager) Register(c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID := c.UserID()
	if m.userClients[userID] == nil {
		m.userClients[userID] = make(map[string]Client)
	}
	m.userClients[userID][c.ID()] = c
	m.joinLocked(c, UserRoom(userID))

	corelog.Debugf("RoomManager: client %s registered for user %s (%d devices)",
		c.ID(), userID, len(m.userClients[userID]))
}

// Unregister 连接断开时从所有房间摘除
func (m *Manager) Unregister(c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID := c.UserID()
	for room := range m.userRooms[userID] {
		m.leaveLocked(c, room)
	}
	delete(m.userClients[userID], c.ID())
	if len(m.userClients[userID]) == 0 {
		delete(m.userClients, userID)
		delete(m.userRooms, userID)
	}
}

// Join 连接加入命名房间
func (m *Manager) Join(c Client, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joinLocked(c, room)
}

func (m *Manager) joinLocked(c Client, room string) {
	userID := c.UserID()
	if m.userRooms[userID] == nil {
		m.userRooms[userID] = make(map[string]bool)
	}
	m.userRooms[userID][room] = true

	if m.roomClients[room] == nil {
		m.roomClients[room] = make(map[string]Client)
	}
	m.roomClients[room][c.ID()] = c
}

// Leave 连接离开命名房间
// 同一用户的其他设备仍在房间时，用户级归属保留
func (m *Manager) Leave(c Client, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(c, room)
}

func (m *Manager) leaveLocked(c Client, room string) {
	delete(m.roomClients[room], c.ID())
	if len(m.roomClients[room]) == 0 {
		delete(m.roomClients, room)
	}

	userID := c.UserID()
	stillIn := false
	for _, other := range m.userClients[userID] {
		if other.ID() == c.ID() {
			continue
		}
		if _, ok := m.roomClients[room][other.ID()]; ok {
			stillIn = true
			break
		}
	}
	if !stillIn {
		delete(m.userRooms[userID], room)
	}
}

// UserRooms 用户当前所在的房间（排序后）
func (m *Manager) UserRooms(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.userRooms[userID]))
	for room := range m.userRooms[userID] {
		names = append(names, room)
	}
	sort.Strings(names)
	return names
}

// InRoom 连接是否在指定房间
func (m *Manager) InRoom(c Client, room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.roomClients[room][c.ID()]
	return ok
}

// Members 房间内本实例可见的在线用户（去重后排序）
func (m *Manager) Members(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	for _, c := range m.roomClients[room] {
		seen[c.UserID()] = true
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// ClientCount 房间内本实例的连接数
func (m *Manager) ClientCount(room string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.roomClients[room])
}

// DeviceCount 用户当前的本实例设备数
func (m *Manager) DeviceCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.userClients[userID])
}

// BroadcastLocal 向房间内本实例全部连接投递，返回成功投递的连接数
// 慢客户端投递失败只计数不阻塞：由连接自身的写泵处理断开
func (m *Manager) BroadcastLocal(room string, data []byte, exceptConnID string) int {
	m.mu.RLock()
	clients := make([]Client, 0, len(m.roomClients[room]))
	for _, c := range m.roomClients[room] {
		if c.ID() != exceptConnID {
			clients = append(clients, c)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, c := range clients {
		if c.Send(data) {
			delivered++
		} else {
			corelog.Warnf("RoomManager: dropped broadcast to slow client %s in room %s", c.ID(), room)
		}
	}
	return delivered
}

// SendToUser 向用户的所有本地设备投递
func (m *Manager) SendToUser(userID string, data []byte) int {
	return m.BroadcastLocal(UserRoom(userID), data, "")
}
