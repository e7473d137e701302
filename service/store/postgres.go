package store

import (
	"context"
	"errors"
	"time"

	"PPRealtime/logger"
	"PPRealtime/service/chat"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		username   TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id            TEXT PRIMARY KEY,
		owner_id      TEXT NOT NULL,
		title         TEXT NOT NULL DEFAULT '` + DefaultTitle + `',
		is_public     BOOLEAN NOT NULL DEFAULT FALSE,
		token_count   BIGINT NOT NULL DEFAULT 0,
		message_count BIGINT NOT NULL DEFAULT 0,
		summarized_at BIGINT NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id         TEXT NOT NULL,
		joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_read_at    TIMESTAMPTZ,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id                TEXT PRIMARY KEY,
		conversation_id   TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id         TEXT NOT NULL,
		role              TEXT NOT NULL,
		message_type      TEXT NOT NULL,
		content           TEXT NOT NULL,
		parent_message_id TEXT,
		token_count       INT NOT NULL DEFAULT 0,
		truncated         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
		ON messages (conversation_id, created_at, id)`,
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres is the relational Backend.
type Postgres struct {
	pool *pgxpool.Pool
	conf Conf
}

// OpenPostgres connects a pool to dsn and pings it.
func OpenPostgres(ctx context.Context, dsn string, conf Conf) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pkgerrors.Wrap(err, "ping postgres")
	}
	logger.Info("[Store] postgres connected", zap.String("host", cfg.ConnConfig.Host), zap.String("db", cfg.ConnConfig.Database))
	return NewPostgres(pool, conf), nil
}

func NewPostgres(pool *pgxpool.Pool, conf Conf) *Postgres {
	conf.norm()
	return &Postgres{pool: pool, conf: conf}
}

var _ Backend = (*Postgres)(nil)

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// EnsureSchema creates the tables the gateway uses when they are missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return pkgerrors.Wrap(err, "ensure schema")
		}
	}
	return nil
}

func pgCode(err error) string {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

func (p *Postgres) PutUser(ctx context.Context, u chat.User) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (id, username) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username`, u.ID, u.Username)
	return pkgerrors.Wrap(err, "put user")
}

func (p *Postgres) LookupUser(ctx context.Context, userID string) (chat.User, error) {
	u := chat.User{ID: userID}
	err := p.pool.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, userID).Scan(&u.Username)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.User{}, ErrUserNotFound
	}
	if err != nil {
		return chat.User{}, pkgerrors.Wrap(err, "lookup user")
	}
	return u, nil
}

func (p *Postgres) CreateRoom(ctx context.Context, r Room) (Room, error) {
	if err := r.Normalize(p.conf.Clock()); err != nil {
		return Room{}, err
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, owner_id, title, is_public, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $5)`, r.ID, r.OwnerID, r.Title, r.Public, r.CreatedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, joined_at) VALUES ($1, $2, $3)`,
			r.ID, r.OwnerID, r.CreatedAt)
		return err
	})
	if pgCode(err) == pgUniqueViolation {
		return Room{}, ErrRoomExists
	}
	if err != nil {
		return Room{}, pkgerrors.Wrap(err, "create conversation")
	}
	return r, nil
}

func (p *Postgres) GetRoom(ctx context.Context, roomID string) (Room, error) {
	var r Room
	err := p.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, is_public, token_count, message_count, created_at
		 FROM conversations WHERE id = $1`, roomID).
		Scan(&r.ID, &r.OwnerID, &r.Title, &r.Public, &r.TokenCount, &r.MessageCount, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}
	return r, pkgerrors.Wrap(err, "get conversation")
}

func (p *Postgres) AuthorizeRoomAccess(ctx context.Context, u chat.User, roomID string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT c.owner_id = $2 OR c.is_public OR EXISTS (
			SELECT 1 FROM conversation_participants cp
			WHERE cp.conversation_id = c.id AND cp.user_id = $2)
		 FROM conversations c WHERE c.id = $1`, roomID, u.ID).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.Wrap(err, "authorize conversation access")
	}
	return ok, nil
}

func (p *Postgres) EnsureParticipant(ctx context.Context, u chat.User, roomID string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
		 VALUES ($1, $2, $3) ON CONFLICT (conversation_id, user_id) DO NOTHING`,
		roomID, u.ID, p.conf.Clock())
	if err == nil {
		return nil
	}
	if pgCode(err) == pgForeignKeyViolation {
		err = ErrRoomNotFound
	}
	return &chat.ParticipantError{UserID: u.ID, RoomID: roomID, Err: err}
}

func (p *Postgres) PersistMessage(ctx context.Context, nm chat.NewMessage) (chat.Message, error) {
	msg := chat.Message{
		ID:         uuid.NewString(),
		RoomID:     nm.RoomID,
		SenderID:   nm.SenderID,
		Role:       nm.Role,
		Kind:       nm.Kind,
		Content:    nm.Content,
		ParentID:   nm.ParentID,
		TokenCount: nm.TokenCount,
		Truncated:  nm.Truncated,
		CreatedAt:  p.conf.Clock().UTC().Truncate(time.Microsecond),
	}
	var parent *string
	if msg.ParentID != "" {
		parent = &msg.ParentID
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE conversations SET message_count = message_count + 1, updated_at = $2 WHERE id = $1`,
			msg.RoomID, msg.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrRoomNotFound
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, sender_id, role, message_type, content,
			                       parent_message_id, token_count, truncated, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			msg.ID, msg.RoomID, msg.SenderID, string(msg.Role), string(msg.Kind), msg.Content,
			parent, msg.TokenCount, msg.Truncated, msg.CreatedAt)
		return err
	})
	if errors.Is(err, ErrRoomNotFound) {
		return chat.Message{}, err
	}
	if err != nil {
		return chat.Message{}, pkgerrors.Wrap(err, "persist message")
	}
	return msg, nil
}

func (p *Postgres) AppendTokenCount(ctx context.Context, roomID string, delta int) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE conversations SET token_count = token_count + $2 WHERE id = $1`, roomID, delta)
	if err != nil {
		return pkgerrors.Wrap(err, "append token count")
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (p *Postgres) MessageExists(ctx context.Context, roomID, messageID string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE conversation_id = $1 AND id = $2)`,
		roomID, messageID).Scan(&ok)
	return ok, pkgerrors.Wrap(err, "message exists")
}

func scanMessage(row pgx.CollectableRow) (chat.Message, error) {
	var (
		m          chat.Message
		role, kind string
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &role, &kind, &m.Content,
		&m.ParentID, &m.TokenCount, &m.Truncated, &m.CreatedAt)
	m.Role, m.Kind = chat.Role(role), chat.MessageKind(kind)
	return m, err
}

func (p *Postgres) FetchHistoryPage(ctx context.Context, roomID string, limit, offset int) ([]chat.Message, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, role, message_type, content,
		        COALESCE(parent_message_id, ''), token_count, truncated, created_at
		 FROM (
			SELECT * FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3
		 ) page
		 ORDER BY created_at ASC, id ASC`, roomID, limit, offset)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "fetch history")
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "scan history")
	}
	return msgs, nil
}

func (p *Postgres) RoomOwner(ctx context.Context, roomID string) (string, error) {
	var owner string
	err := p.pool.QueryRow(ctx, `SELECT owner_id FROM conversations WHERE id = $1`, roomID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrRoomNotFound
	}
	return owner, pkgerrors.Wrap(err, "room owner")
}

func (p *Postgres) MarkRead(ctx context.Context, roomID, userID string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id, joined_at, last_read_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE
		 SET last_read_at = GREATEST(COALESCE(conversation_participants.last_read_at, EXCLUDED.last_read_at), EXCLUDED.last_read_at)`,
		roomID, userID, at)
	if pgCode(err) == pgForeignKeyViolation {
		return ErrRoomNotFound
	}
	return pkgerrors.Wrap(err, "mark read")
}

func (p *Postgres) MaybeResummarize(ctx context.Context, roomID string) (chat.SummaryResult, error) {
	var res chat.SummaryResult
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var (
			title             string
			count, summarized int
		)
		err := tx.QueryRow(ctx,
			`SELECT title, message_count, summarized_at FROM conversations WHERE id = $1 FOR UPDATE`,
			roomID).Scan(&title, &count, &summarized)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		if !DueForSummary(count, summarized, p.conf.SummaryEvery) {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE conversations SET summarized_at = $2 WHERE id = $1`, roomID, count); err != nil {
			return err
		}
		if title != DefaultTitle {
			return nil
		}

		var first string
		err = tx.QueryRow(ctx,
			`SELECT content FROM messages WHERE conversation_id = $1 AND role = $2
			 ORDER BY created_at ASC, id ASC LIMIT 1`, roomID, string(chat.RoleUser)).Scan(&first)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		next := DeriveTitle(first)
		if next == "" || next == title {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`, roomID, next); err != nil {
			return err
		}
		res = chat.SummaryResult{TitleChanged: true, NewTitle: next}
		return nil
	})
	if errors.Is(err, ErrRoomNotFound) {
		return chat.SummaryResult{}, err
	}
	if err != nil {
		return chat.SummaryResult{}, pkgerrors.Wrap(err, "resummarize")
	}
	return res, nil
}
