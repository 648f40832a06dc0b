package rooms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id       string
	userID   string
	device   string
	received [][]byte
	slow     bool
}

func (c *fakeClient) ID() string         { return c.id }
func (c *fakeClient) UserID() string     { return c.userID }
func (c *fakeClient) DeviceType() string { return c.device }
func (c *fakeClient) Send(data []byte) bool {
	if c.slow {
		return false
	}
	c.received = append(c.received, data)
	return true
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(context.Background())
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManager_RegisterJoinsUserRoom(t *testing.T) {
	m := newTestManager(t)
	c := &fakeClient{id: "conn-1", userID: "alice", device: "mobile"}
	m.Register(c)

	assert.True(t, m.InRoom(c, UserRoom("alice")))
	assert.Equal(t, 1, m.SendToUser("alice", []byte("ping")))
	require.Len(t, c.received, 1)
}

func TestManager_MultiDevice(t *testing.T) {
	m := newTestManager(t)
	phone := &fakeClient{id: "conn-1", userID: "alice", device: "mobile"}
	laptop := &fakeClient{id: "conn-2", userID: "alice", device: "web"}
	m.Register(phone)
	m.Register(laptop)

	assert.Equal(t, 2, m.DeviceCount("alice"))

	room := PlanetRoom("p1")
	m.Join(phone, room)
	m.Join(laptop, room)
	assert.Equal(t, 2, m.ClientCount(room))
	assert.Equal(t, []string{"alice"}, m.Members(room))

	// 一台设备离开，另一台还在：用户仍算在房间内
	m.Leave(phone, room)
	assert.Equal(t, 1, m.ClientCount(room))
	assert.Equal(t, []string{"alice"}, m.Members(room))

	m.Leave(laptop, room)
	assert.Empty(t, m.Members(room))
}

func TestManager_BroadcastLocal(t *testing.T) {
	m := newTestManager(t)
	a := &fakeClient{id: "conn-a", userID: "alice"}
	b := &fakeClient{id: "conn-b", userID: "bob"}
	slow := &fakeClient{id: "conn-c", userID: "carol", slow: true}
	for _, c := range []*fakeClient{a, b, slow} {
		m.Register(c)
		m.Join(c, PlanetRoom("p1"))
	}

	// 慢客户端投递失败不阻塞其余；发送者自身被排除
	delivered := m.BroadcastLocal(PlanetRoom("p1"), []byte("hello"), "conn-a")
	assert.Equal(t, 1, delivered)
	assert.Empty(t, a.received)
	require.Len(t, b.received, 1)
	assert.Empty(t, slow.received)
}

func TestManager_UnregisterRemovesEverywhere(t *testing.T) {
	m := newTestManager(t)
	c := &fakeClient{id: "conn-1", userID: "alice"}
	m.Register(c)
	m.Join(c, PlanetRoom("p1"))
	m.Join(c, TravelRoom("t1"))

	m.Unregister(c)
	assert.Equal(t, 0, m.ClientCount(PlanetRoom("p1")))
	assert.Equal(t, 0, m.ClientCount(TravelRoom("t1")))
	assert.Equal(t, 0, m.DeviceCount("alice"))
	assert.Equal(t, 0, m.SendToUser("alice", []byte("ping")))
}

func TestManager_MembersDistinctUsers(t *testing.T) {
	m := newTestManager(t)
	room := PlanetRoom("p1")
	for _, spec := range []struct{ id, user string }{
		{"c1", "alice"}, {"c2", "alice"}, {"c3", "bob"},
	} {
		c := &fakeClient{id: spec.id, userID: spec.user}
		m.Register(c)
		m.Join(c, room)
	}
	assert.Equal(t, []string{"alice", "bob"}, m.Members(room))
	assert.Equal(t, 3, m.ClientCount(room))
}
