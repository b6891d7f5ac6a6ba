package pg

import (
	"context"
	"time"

	"dmchat/service/storage"
	"dmchat/tools/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id          BIGINT PRIMARY KEY,
	sender_id   TEXT        NOT NULL,
	receiver_id TEXT        NOT NULL,
	content     TEXT        NOT NULL,
	sent_at     TIMESTAMPTZ NOT NULL,
	edited_at   TIMESTAMPTZ NULL,
	deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
	deleted_at  TIMESTAMPTZ NULL,
	read_at     TIMESTAMPTZ NULL,
	CHECK (sender_id <> receiver_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender_id, receiver_id, id DESC);
`

const columns = `id, sender_id, receiver_id, content, sent_at, edited_at, deleted, deleted_at, read_at`

// Store PostgreSQL 消息存储，单条 UPDATE ... RETURNING 保证原子性
type Store struct {
	pool *pgxpool.Pool
	gen  *ids.Generator
	now  func() time.Time
}

var _ storage.MessageStore = (*Store)(nil)

// Open 连接并迁移表结构
func Open(ctx context.Context, dsn string, gen *ids.Generator) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "create pgx pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	s := NewStore(pool, gen)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func NewStore(pool *pgxpool.Pool, gen *ids.Generator) *Store {
	if gen == nil {
		gen = ids.NewGenerator(1)
	}
	return &Store{
		pool: pool,
		gen:  gen,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return errors.Wrap(err, "migrate messages table")
}

func (s *Store) Create(ctx context.Context, senderID, receiverID, content string) (*storage.Message, error) {
	m := &storage.Message{
		ID:         s.gen.Next(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		// timestamptz 精度为微秒
		SentAt: s.now().Truncate(time.Microsecond),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, content, sent_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.SenderID, m.ReceiverID, m.Content, m.SentAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}
	return m, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*storage.Message, error) {
	rows, _ := s.pool.Query(ctx, `SELECT `+columns+` FROM messages WHERE id = $1`, id)
	return collectOne(rows, "find message")
}

func (s *Store) UpdateContent(ctx context.Context, id int64, content string) (*storage.Message, error) {
	rows, _ := s.pool.Query(ctx,
		`UPDATE messages SET content = $2, edited_at = GREATEST($3, sent_at)
		 WHERE id = $1 AND NOT deleted
		 RETURNING `+columns,
		id, content, s.now())
	return collectOne(rows, "update message content")
}

func (s *Store) Tombstone(ctx context.Context, id int64) (string, error) {
	var receiverID string
	err := s.pool.QueryRow(ctx,
		`UPDATE messages SET content = '', deleted = TRUE, deleted_at = GREATEST($2, sent_at)
		 WHERE id = $1 AND NOT deleted
		 RETURNING receiver_id`,
		id, s.now()).Scan(&receiverID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "tombstone message")
	}
	return receiverID, nil
}

func (s *Store) MarkRead(ctx context.Context, fromUserID, toUserID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET read_at = GREATEST($3, sent_at)
		 WHERE sender_id = $1 AND receiver_id = $2 AND read_at IS NULL AND NOT deleted`,
		fromUserID, toUserID, s.now())
	if err != nil {
		return 0, errors.Wrap(err, "mark messages read")
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Conversation(ctx context.Context, a, b string, limit int) ([]*storage.Message, error) {
	rows, _ := s.pool.Query(ctx,
		`SELECT `+columns+` FROM (
			SELECT `+columns+` FROM messages
			WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
			ORDER BY id DESC LIMIT $3
		) recent ORDER BY id ASC`,
		a, b, storage.ClampLimit(limit))
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[storage.Message])
	if err != nil {
		return nil, errors.Wrap(err, "query conversation")
	}
	return out, nil
}

func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func collectOne(rows pgx.Rows, op string) (*storage.Message, error) {
	m, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[storage.Message])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return m, nil
}
