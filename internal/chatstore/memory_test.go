package chatstore

import (
	"context"
	"testing"
	"time"

	coreerrors "planetchat/internal/core/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*MemoryStore, context.Context) {
	t.Helper()
	s := NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s, context.Background()
}

func mustCreate(t *testing.T, s *MemoryStore, ctx context.Context, planetID, authorID, content string) *Message {
	t.Helper()
	m := &Message{PlanetID: planetID, TravelID: "travel-1", AuthorID: authorID, Type: MessageTypeText, Content: content}
	require.NoError(t, s.CreateMessage(ctx, m))
	return m
}

func TestMemoryStore_MessageLifecycle(t *testing.T) {
	s, ctx := newTestStore(t)
	m := mustCreate(t, s, ctx, "planet-1", "alice", "hello")
	require.NotZero(t, m.ID)
	require.False(t, m.CreatedAt.IsZero())

	// 编辑
	edited, err := s.EditMessage(ctx, m.ID, "alice", "hello again")
	require.NoError(t, err)
	assert.Equal(t, "hello again", edited.Content)
	assert.NotNil(t, edited.EditedAt)

	// 非作者编辑被拒绝
	_, err = s.EditMessage(ctx, m.ID, "bob", "hijack")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeForbidden))

	// 软删除后不可编辑
	deleted, err := s.SoftDeleteMessage(ctx, m.ID, "alice")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted())
	_, err = s.EditMessage(ctx, m.ID, "alice", "ghost edit")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeMessageNotFound))

	// 重复删除冲突
	_, err = s.SoftDeleteMessage(ctx, m.ID, "alice")
	assert.True(t, coreerrors.Is(err, coreerrors.ErrConflict))

	// 恢复
	restored, err := s.RestoreMessage(ctx, m.ID, "alice")
	require.NoError(t, err)
	assert.False(t, restored.Deleted())

	// 对未删除消息再次恢复报 NOT_DELETED
	_, err = s.RestoreMessage(ctx, m.ID, "alice")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeNotDeleted))
}

func TestMemoryStore_ReceiptInsertOrIgnore(t *testing.T) {
	s, ctx := newTestStore(t)
	m := mustCreate(t, s, ctx, "planet-1", "alice", "hi")

	first, created, err := s.InsertReceipt(ctx, &ReadReceipt{MessageID: m.ID, UserID: "bob", PlanetID: "planet-1"})
	require.NoError(t, err)
	require.True(t, created)

	// 重复插入返回既有行，无新写入
	second, created, err := s.InsertReceipt(ctx, &ReadReceipt{MessageID: m.ID, UserID: "bob", PlanetID: "planet-1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ReadAt, second.ReadAt)
}

func TestMemoryStore_UnreadCount(t *testing.T) {
	s, ctx := newTestStore(t)
	require.NoError(t, s.AddMember(ctx, "planet-1", "bob"))

	// M=5，bob 发了 K=2，其余 3 条读了 R=1：未读 = 5-2-1 = 2
	var others []*Message
	for i := 0; i < 3; i++ {
		others = append(others, mustCreate(t, s, ctx, "planet-1", "alice", "msg"))
	}
	mustCreate(t, s, ctx, "planet-1", "bob", "own 1")
	mustCreate(t, s, ctx, "planet-1", "bob", "own 2")

	_, _, err := s.InsertReceipt(ctx, &ReadReceipt{MessageID: others[0].ID, UserID: "bob", PlanetID: "planet-1"})
	require.NoError(t, err)

	count, err := s.UnreadCount(ctx, "planet-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// 软删除一条未读消息后未读减一
	_, err = s.SoftDeleteMessage(ctx, others[1].ID, "alice")
	require.NoError(t, err)
	count, err = s.UnreadCount(ctx, "planet-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	all, err := s.UnreadCountsForUser(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "planet-1", all[0].PlanetID)
	assert.Equal(t, int64(1), all[0].UnreadCount)
	assert.NotNil(t, all[0].LastReadAt)
}

func TestMemoryStore_MessagesAfter(t *testing.T) {
	s, ctx := newTestStore(t)
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	m1 := mustCreate(t, s, ctx, "planet-1", "alice", "m1")
	clock = base.Add(time.Minute)
	mustCreate(t, s, ctx, "planet-1", "bob", "own")
	clock = base.Add(2 * time.Minute)
	m3 := mustCreate(t, s, ctx, "planet-1", "alice", "m3")

	// after=nil 返回排除自发消息的全部
	msgs, err := s.MessagesAfter(ctx, "planet-1", nil, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, m1.ID, msgs[0].ID)

	// 严格晚于 after
	cut := base
	msgs, err = s.MessagesAfter(ctx, "planet-1", &cut, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m3.ID, msgs[0].ID)
}

func TestMemoryStore_ListMessagesCursor(t *testing.T) {
	s, ctx := newTestStore(t)
	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return ts })

	// 相同时间戳：按 id 决出全序
	for i := 0; i < 5; i++ {
		mustCreate(t, s, ctx, "planet-1", "alice", "dup")
	}

	page1, err := s.ListMessages(ctx, MessageQuery{PlanetID: "planet-1", Limit: 2, Descending: true})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, int64(5), page1[0].ID)
	assert.Equal(t, int64(4), page1[1].ID)

	page2, err := s.ListMessages(ctx, MessageQuery{
		PlanetID:        "planet-1",
		HasCursor:       true,
		CursorID:        page1[1].ID,
		CursorCreatedAt: page1[1].CreatedAt,
		Limit:           2,
		Descending:      true,
	})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, int64(3), page2[0].ID)
	assert.Equal(t, int64(2), page2[1].ID)
}
