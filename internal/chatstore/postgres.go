package chatstore

import (
	"context"
	"fmt"
	"time"

	coreerrors "planetchat/internal/core/errors"
	corelog "planetchat/internal/core/log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema 消息/回执/房间表结构
// 回执表的 (message_id, user_id) 唯一约束是并发控制手段：重复标记通过冲突解决，不加锁
const Schema = `
CREATE TABLE IF NOT EXISTS planets (
	id          TEXT PRIMARY KEY,
	travel_id   TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS planet_members (
	planet_id   TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	joined_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (planet_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id          BIGSERIAL PRIMARY KEY,
	planet_id   TEXT NOT NULL,
	travel_id   TEXT NOT NULL,
	author_id   TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT 'text',
	content     TEXT NOT NULL,
	read_count  BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	edited_at   TIMESTAMPTZ,
	deleted_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_messages_planet_created ON messages (planet_id, created_at, id);

CREATE TABLE IF NOT EXISTS read_receipts (
	id          BIGSERIAL PRIMARY KEY,
	message_id  BIGINT NOT NULL,
	user_id     TEXT NOT NULL,
	planet_id   TEXT NOT NULL,
	read_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	device_type TEXT NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL DEFAULT '',
	UNIQUE (message_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_receipts_planet_user ON read_receipts (planet_id, user_id, read_at);
`

const messageColumns = "id, planet_id, travel_id, author_id, type, content, read_count, created_at, edited_at, deleted_at"

// PostgresStore Postgres 实现（pgxpool）
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 连接数据库并确保表结构存在
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to ping postgres")
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to ensure schema")
	}
	corelog.Infof("PostgresStore: connected and schema ensured")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.PlanetID, &m.TravelID, &m.AuthorID, &m.Type, &m.Content,
		&m.ReadCount, &m.CreatedAt, &m.EditedAt, &m.DeletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, coreerrors.New(coreerrors.CodeMessageNotFound, "message not found")
		}
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to scan message")
	}
	return &m, nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *Message) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (planet_id, travel_id, author_id, type, content)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		m.PlanetID, m.TravelID, m.AuthorID, m.Type, m.Content)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to insert message")
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	return s.scanMessage(s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM messages WHERE id = $1", messageColumns), id))
}

// checkAuthor 返回消息并校验作者身份
func (s *PostgresStore) checkAuthor(ctx context.Context, id int64, authorID string) (*Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.AuthorID != authorID {
		return nil, coreerrors.Newf(coreerrors.CodeForbidden, "user %s is not the author of message %d", authorID, id)
	}
	return m, nil
}

func (s *PostgresStore) EditMessage(ctx context.Context, id int64, authorID, content string) (*Message, error) {
	m, err := s.checkAuthor(ctx, id, authorID)
	if err != nil {
		return nil, err
	}
	if m.Deleted() {
		return nil, coreerrors.Newf(coreerrors.CodeMessageNotFound, "message %d not found", id)
	}
	return s.scanMessage(s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE messages SET content = $1, edited_at = now()
		 WHERE id = $2 AND deleted_at IS NULL RETURNING %s`, messageColumns),
		content, id))
}

func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, id int64, authorID string) (*Message, error) {
	m, err := s.checkAuthor(ctx, id, authorID)
	if err != nil {
		return nil, err
	}
	if m.Deleted() {
		return nil, coreerrors.Newf(coreerrors.CodeConflict, "message %d already deleted", id)
	}
	return s.scanMessage(s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE messages SET deleted_at = now()
		 WHERE id = $1 AND deleted_at IS NULL RETURNING %s`, messageColumns), id))
}

func (s *PostgresStore) RestoreMessage(ctx context.Context, id int64, authorID string) (*Message, error) {
	m, err := s.checkAuthor(ctx, id, authorID)
	if err != nil {
		return nil, err
	}
	if !m.Deleted() {
		return nil, coreerrors.Newf(coreerrors.CodeNotDeleted, "message %d is not deleted", id)
	}
	return s.scanMessage(s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE messages SET deleted_at = NULL
		 WHERE id = $1 AND deleted_at IS NOT NULL RETURNING %s`, messageColumns), id))
}

func (s *PostgresStore) ListMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	op, dir := ">", "ASC"
	if q.Descending {
		op, dir = "<", "DESC"
	}

	sql := fmt.Sprintf("SELECT %s FROM messages WHERE planet_id = $1 AND deleted_at IS NULL", messageColumns)
	args := []interface{}{q.PlanetID}
	if q.HasCursor {
		sql += fmt.Sprintf(" AND (created_at %s $2 OR (created_at = $2 AND id %s $3))", op, op)
		args = append(args, q.CursorCreatedAt, q.CursorID)
	}
	sql += fmt.Sprintf(" ORDER BY created_at %s, id %s", dir, dir)
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to query messages")
	}
	defer rows.Close()

	var items []*Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertReceipt(ctx context.Context, r *ReadReceipt) (*ReadReceipt, bool, error) {
	// 插入或忽略：冲突时不报错，回查既有行返回
	row := s.pool.QueryRow(ctx,
		`INSERT INTO read_receipts (message_id, user_id, planet_id, device_type, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (message_id, user_id) DO NOTHING
		 RETURNING id, read_at`,
		r.MessageID, r.UserID, r.PlanetID, r.DeviceType, r.Metadata)

	stored := *r
	if err := row.Scan(&stored.ID, &stored.ReadAt); err != nil {
		if err != pgx.ErrNoRows {
			return nil, false, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to insert receipt")
		}
		existing, err := s.GetReceipt(ctx, r.MessageID, r.UserID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return &stored, true, nil
}

func (s *PostgresStore) InsertReceipts(ctx context.Context, rs []*ReadReceipt) ([]*ReadReceipt, error) {
	var created []*ReadReceipt
	batch := &pgx.Batch{}
	for _, r := range rs {
		batch.Queue(
			`INSERT INTO read_receipts (message_id, user_id, planet_id, device_type, metadata)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (message_id, user_id) DO NOTHING
			 RETURNING id, read_at`,
			r.MessageID, r.UserID, r.PlanetID, r.DeviceType, r.Metadata)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for _, r := range rs {
		stored := *r
		err := results.QueryRow().Scan(&stored.ID, &stored.ReadAt)
		if err == pgx.ErrNoRows {
			continue // 已存在，并发标记在此解决
		}
		if err != nil {
			return created, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to insert receipts")
		}
		created = append(created, &stored)
	}
	return created, nil
}

func (s *PostgresStore) GetReceipt(ctx context.Context, messageID int64, userID string) (*ReadReceipt, error) {
	var r ReadReceipt
	err := s.pool.QueryRow(ctx,
		`SELECT id, message_id, user_id, planet_id, read_at, device_type, metadata
		 FROM read_receipts WHERE message_id = $1 AND user_id = $2`,
		messageID, userID).
		Scan(&r.ID, &r.MessageID, &r.UserID, &r.PlanetID, &r.ReadAt, &r.DeviceType, &r.Metadata)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, coreerrors.Newf(coreerrors.CodeNotFound, "receipt for message %d user %s not found", messageID, userID)
		}
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to query receipt")
	}
	return &r, nil
}

func (s *PostgresStore) ReadMessageIDs(ctx context.Context, userID string, messageIDs []int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id FROM read_receipts WHERE user_id = $1 AND message_id = ANY($2)`,
		userID, messageIDs)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to query read message ids")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to scan message id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) LastReceiptAt(ctx context.Context, planetID, userID string) (*time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(read_at) FROM read_receipts WHERE planet_id = $1 AND user_id = $2`,
		planetID, userID).Scan(&last)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to query last receipt")
	}
	return last, nil
}

func (s *PostgresStore) MessagesAfter(ctx context.Context, planetID string, after *time.Time, excludeAuthor string) ([]*Message, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM messages
		 WHERE planet_id = $1 AND deleted_at IS NULL AND author_id <> $2
		   AND ($3::timestamptz IS NULL OR created_at > $3)
		 ORDER BY id`, messageColumns),
		planetID, excludeAuthor, after)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to query messages after")
	}
	defer rows.Close()

	var items []*Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *PostgresStore) IncrReadCount(ctx context.Context, messageID int64, delta int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET read_count = read_count + $1 WHERE id = $2`, delta, messageID)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to update read count")
	}
	return nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, planetID, userID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE m.planet_id = $1 AND m.deleted_at IS NULL AND m.author_id <> $2
		   AND NOT EXISTS (
			 SELECT 1 FROM read_receipts r WHERE r.message_id = m.id AND r.user_id = $2
		   )`,
		planetID, userID).Scan(&count)
	if err != nil {
		return 0, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to count unread")
	}
	return count, nil
}

func (s *PostgresStore) UnreadCountsForUser(ctx context.Context, userID string) ([]*RoomUnread, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pm.planet_id,
			(SELECT COUNT(*) FROM messages m
			  WHERE m.planet_id = pm.planet_id AND m.deleted_at IS NULL AND m.author_id <> pm.user_id
			    AND NOT EXISTS (SELECT 1 FROM read_receipts r WHERE r.message_id = m.id AND r.user_id = pm.user_id)),
			(SELECT MAX(r.read_at) FROM read_receipts r
			  WHERE r.planet_id = pm.planet_id AND r.user_id = pm.user_id)
		 FROM planet_members pm WHERE pm.user_id = $1
		 ORDER BY pm.planet_id`, userID)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to query unread counts")
	}
	defer rows.Close()

	var result []*RoomUnread
	for rows.Next() {
		var entry RoomUnread
		if err := rows.Scan(&entry.PlanetID, &entry.UnreadCount, &entry.LastReadAt); err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to scan unread counts")
		}
		result = append(result, &entry)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetPlanet(ctx context.Context, id string) (*Planet, error) {
	var p Planet
	err := s.pool.QueryRow(ctx,
		`SELECT id, travel_id, name, created_at FROM planets WHERE id = $1`, id).
		Scan(&p.ID, &p.TravelID, &p.Name, &p.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, coreerrors.Newf(coreerrors.CodeRoomNotFound, "planet %s not found", id)
		}
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to query planet")
	}
	return &p, nil
}

func (s *PostgresStore) CreatePlanet(ctx context.Context, p *Planet) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO planets (id, travel_id, name) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING RETURNING created_at`,
		p.ID, p.TravelID, p.Name)
	if err := row.Scan(&p.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return coreerrors.Newf(coreerrors.CodeAlreadyExists, "planet %s already exists", p.ID)
		}
		return coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to insert planet")
	}
	return nil
}

func (s *PostgresStore) IsMember(ctx context.Context, planetID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM planet_members WHERE planet_id = $1 AND user_id = $2)`,
		planetID, userID).Scan(&exists)
	if err != nil {
		return false, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to query membership")
	}
	return exists, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, planetID, userID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO planet_members (planet_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (planet_id, user_id) DO NOTHING`,
		planetID, userID)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to add member")
	}
	return nil
}

func (s *PostgresStore) MemberPlanets(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT planet_id FROM planet_members WHERE user_id = $1 ORDER BY planet_id`, userID)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to query member planets")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to scan planet id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
