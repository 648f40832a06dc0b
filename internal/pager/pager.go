package pager

import (
	"context"

	"planetchat/internal/chatstore"
)

// Direction 排序方向
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc" // 默认：最新消息在前
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Request 分页请求
type Request struct {
	PlanetID  string
	Cursor    string
	Limit     int
	Direction Direction
}

// Pagination 分页元数据
type Pagination struct {
	NextCursor string `json:"next_cursor,omitempty"`
	PrevCursor string `json:"prev_cursor,omitempty"`
	HasNext    bool   `json:"has_next"`
	HasPrev    bool   `json:"has_prev"`
	Limit      int    `json:"limit"`
}

// Page 一页消息
type Page struct {
	Items      []*chatstore.Message `json:"items"`
	Pagination Pagination           `json:"pagination"`
}

// Pager 键集分页器
// 无状态：游标解码 + 谓词构造在本包，执行委托给持久层
type Pager struct {
	store chatstore.Store
}

// NewPager 创建分页器
func NewPager(store chatstore.Store) *Pager {
	return &Pager{store: store}
}

// Page 拉取一页
// nextCursor 仅在整页返回时给出（短页即流末尾，省一次存在性探测）；
// prevCursor 仅在请求本身携带了有效游标时给出
func (p *Pager) Page(ctx context.Context, req Request) (*Page, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	cur := Decode(req.Cursor)
	q := chatstore.MessageQuery{
		PlanetID:   req.PlanetID,
		Limit:      limit,
		Descending: req.Direction != Asc,
	}
	if cur != nil {
		q.HasCursor = true
		q.CursorID = cur.ID
		q.CursorCreatedAt = cur.CreatedAt
	}

	items, err := p.store.ListMessages(ctx, q)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Items:      items,
		Pagination: Pagination{Limit: limit},
	}
	if len(items) == limit {
		last := items[len(items)-1]
		page.Pagination.NextCursor = Encode(&Cursor{ID: last.ID, CreatedAt: last.CreatedAt})
		page.Pagination.HasNext = true
	}
	if cur != nil && len(items) > 0 {
		first := items[0]
		page.Pagination.PrevCursor = Encode(&Cursor{ID: first.ID, CreatedAt: first.CreatedAt})
		page.Pagination.HasPrev = true
	}
	return page, nil
}
