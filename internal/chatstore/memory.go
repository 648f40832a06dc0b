package chatstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	coreerrors "planetchat/internal/core/errors"
)

// MemoryStore 内存实现
// 用于测试与单机开发模式；语义与 Postgres 实现保持一致
type MemoryStore struct {
	mu sync.RWMutex

	messages map[int64]*Message
	receipts map[string]*ReadReceipt // "messageID:userID"
	planets  map[string]*Planet
	members  map[string]map[string]bool // planetID -> userID 集合

	nextMessageID int64
	nextReceiptID int64
	now           func() time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[int64]*Message),
		receipts: make(map[string]*ReadReceipt),
		planets:  make(map[string]*Planet),
		members:  make(map[string]map[string]bool),
		now:      time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func receiptKey(messageID int64, userID string) string {
	return fmt.Sprintf("%d:%s", messageID, userID)
}

func copyMessage(m *Message) *Message {
	c := *m
	return &c
}

func copyReceipt(r *ReadReceipt) *ReadReceipt {
	c := *r
	return &c
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMessageID++
	m.ID = s.nextMessageID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.messages[m.ID] = copyMessage(m)
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, coreerrors.Newf(coreerrors.CodeMessageNotFound, "message %d not found", id)
	}
	return copyMessage(m), nil
}

func (s *MemoryStore) EditMessage(_ context.Context, id int64, authorID, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.Deleted() {
		return nil, coreerrors.Newf(coreerrors.CodeMessageNotFound, "message %d not found", id)
	}
	if m.AuthorID != authorID {
		return nil, coreerrors.Newf(coreerrors.CodeForbidden, "user %s is not the author of message %d", authorID, id)
	}
	m.Content = content
	ts := s.now()
	m.EditedAt = &ts
	return copyMessage(m), nil
}

func (s *MemoryStore) SoftDeleteMessage(_ context.Context, id int64, authorID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, coreerrors.Newf(coreerrors.CodeMessageNotFound, "message %d not found", id)
	}
	if m.AuthorID != authorID {
		return nil, coreerrors.Newf(coreerrors.CodeForbidden, "user %s is not the author of message %d", authorID, id)
	}
	if m.Deleted() {
		return nil, coreerrors.Newf(coreerrors.CodeConflict, "message %d already deleted", id)
	}
	ts := s.now()
	m.DeletedAt = &ts
	return copyMessage(m), nil
}

func (s *MemoryStore) RestoreMessage(_ context.Context, id int64, authorID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, coreerrors.Newf(coreerrors.CodeMessageNotFound, "message %d not found", id)
	}
	if m.AuthorID != authorID {
		return nil, coreerrors.Newf(coreerrors.CodeForbidden, "user %s is not the author of message %d", authorID, id)
	}
	if !m.Deleted() {
		return nil, coreerrors.Newf(coreerrors.CodeNotDeleted, "message %d is not deleted", id)
	}
	m.DeletedAt = nil
	return copyMessage(m), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, q MessageQuery) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*Message
	for _, m := range s.messages {
		if m.PlanetID != q.PlanetID || m.Deleted() {
			continue
		}
		if q.HasCursor && !matchCursor(m, q) {
			continue
		}
		items = append(items, copyMessage(m))
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if q.Descending {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if q.Descending {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})

	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return items, nil
}

// matchCursor 键集谓词：(created_at OP cv) OR (created_at = cv AND id OP cid)
func matchCursor(m *Message, q MessageQuery) bool {
	if q.Descending {
		if m.CreatedAt.Before(q.CursorCreatedAt) {
			return true
		}
		return m.CreatedAt.Equal(q.CursorCreatedAt) && m.ID < q.CursorID
	}
	if m.CreatedAt.After(q.CursorCreatedAt) {
		return true
	}
	return m.CreatedAt.Equal(q.CursorCreatedAt) && m.ID > q.CursorID
}

func (s *MemoryStore) InsertReceipt(_ context.Context, r *ReadReceipt) (*ReadReceipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertReceiptLocked(r)
}

func (s *MemoryStore) insertReceiptLocked(r *ReadReceipt) (*ReadReceipt, bool, error) {
	key := receiptKey(r.MessageID, r.UserID)
	if existing, ok := s.receipts[key]; ok {
		return copyReceipt(existing), false, nil
	}

	s.nextReceiptID++
	stored := copyReceipt(r)
	stored.ID = s.nextReceiptID
	if stored.ReadAt.IsZero() {
		stored.ReadAt = s.now()
	}
	s.receipts[key] = stored
	return copyReceipt(stored), true, nil
}

func (s *MemoryStore) InsertReceipts(_ context.Context, rs []*ReadReceipt) ([]*ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var created []*ReadReceipt
	for _, r := range rs {
		stored, isNew, err := s.insertReceiptLocked(r)
		if err != nil {
			return created, err
		}
		if isNew {
			created = append(created, stored)
		}
	}
	return created, nil
}

func (s *MemoryStore) GetReceipt(_ context.Context, messageID int64, userID string) (*ReadReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.receipts[receiptKey(messageID, userID)]
	if !ok {
		return nil, coreerrors.Newf(coreerrors.CodeNotFound, "receipt for message %d user %s not found", messageID, userID)
	}
	return copyReceipt(r), nil
}

func (s *MemoryStore) ReadMessageIDs(_ context.Context, userID string, messageIDs []int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var read []int64
	for _, id := range messageIDs {
		if _, ok := s.receipts[receiptKey(id, userID)]; ok {
			read = append(read, id)
		}
	}
	return read, nil
}

func (s *MemoryStore) LastReceiptAt(_ context.Context, planetID, userID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *time.Time
	for _, r := range s.receipts {
		if r.PlanetID != planetID || r.UserID != userID {
			continue
		}
		if last == nil || r.ReadAt.After(*last) {
			ts := r.ReadAt
			last = &ts
		}
	}
	return last, nil
}

func (s *MemoryStore) MessagesAfter(_ context.Context, planetID string, after *time.Time, excludeAuthor string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*Message
	for _, m := range s.messages {
		if m.PlanetID != planetID || m.Deleted() || m.AuthorID == excludeAuthor {
			continue
		}
		if after != nil && !m.CreatedAt.After(*after) {
			continue
		}
		items = append(items, copyMessage(m))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) IncrReadCount(_ context.Context, messageID int64, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return coreerrors.Newf(coreerrors.CodeMessageNotFound, "message %d not found", messageID)
	}
	m.ReadCount += delta
	return nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, planetID, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadCountLocked(planetID, userID), nil
}

func (s *MemoryStore) unreadCountLocked(planetID, userID string) int64 {
	var count int64
	for _, m := range s.messages {
		if m.PlanetID != planetID || m.Deleted() || m.AuthorID == userID {
			continue
		}
		if _, ok := s.receipts[receiptKey(m.ID, userID)]; !ok {
			count++
		}
	}
	return count
}

func (s *MemoryStore) UnreadCountsForUser(_ context.Context, userID string) ([]*RoomUnread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*RoomUnread
	for planetID, users := range s.members {
		if !users[userID] {
			continue
		}
		entry := &RoomUnread{
			PlanetID:    planetID,
			UnreadCount: s.unreadCountLocked(planetID, userID),
		}
		for _, r := range s.receipts {
			if r.PlanetID != planetID || r.UserID != userID {
				continue
			}
			if entry.LastReadAt == nil || r.ReadAt.After(*entry.LastReadAt) {
				ts := r.ReadAt
				entry.LastReadAt = &ts
			}
		}
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PlanetID < result[j].PlanetID })
	return result, nil
}

func (s *MemoryStore) GetPlanet(_ context.Context, id string) (*Planet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.planets[id]
	if !ok {
		return nil, coreerrors.Newf(coreerrors.CodeRoomNotFound, "planet %s not found", id)
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) CreatePlanet(_ context.Context, p *Planet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.planets[p.ID]; ok {
		return coreerrors.Newf(coreerrors.CodeAlreadyExists, "planet %s already exists", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	c := *p
	s.planets[p.ID] = &c
	return nil
}

func (s *MemoryStore) IsMember(_ context.Context, planetID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[planetID][userID], nil
}

func (s *MemoryStore) AddMember(_ context.Context, planetID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.members[planetID] == nil {
		s.members[planetID] = make(map[string]bool)
	}
	s.members[planetID][userID] = true
	return nil
}

func (s *MemoryStore) MemberPlanets(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for planetID, users := range s.members {
		if users[userID] {
			ids = append(ids, planetID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
