package remote

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/loqui/chat-sync/internal/entity"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore is the durable document store: one table per collection with
// a JSONB document column. Every committed write publishes its delta through
// the DeltaClient so live watchers converge without polling.
type PostgresStore struct {
	db     *sql.DB
	deltas *DeltaClient
}

// NewPostgresStore opens the database, applies pending migrations, and
// returns a ready store.
func NewPostgresStore(dsn string, deltas *DeltaClient) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("docstore: ping: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, deltas: deltas}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("docstore: load migrations: %w", err)
	}
	driver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("docstore: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("docstore: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("docstore: migrate up: %w", err)
	}
	return nil
}

// Close closes the database handle. The DeltaClient is owned by the caller.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Chat fetches one chat document.
func (s *PostgresStore) Chat(ctx context.Context, id string) (entity.Chat, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM chats WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Chat{}, ErrNoDocument
	}
	if err != nil {
		return entity.Chat{}, fmt.Errorf("docstore: get chat %s: %w", id, err)
	}
	var c entity.Chat
	if err := json.Unmarshal(doc, &c); err != nil {
		return entity.Chat{}, fmt.Errorf("docstore: decode chat %s: %w", id, err)
	}
	return c, nil
}

// PutChat upserts a chat document, rewrites its membership rows, and
// publishes the delta.
func (s *PostgresStore) PutChat(ctx context.Context, c entity.Chat) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("docstore: encode chat %s: %w", c.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("docstore: begin: %w", err)
	}
	defer tx.Rollback()

	var existed bool
	err = tx.QueryRowContext(ctx, `
		INSERT INTO chats (id, doc, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
		RETURNING (xmax <> 0)`,
		c.ID, doc, c.CreatedAt).Scan(&existed)
	if err != nil {
		return fmt.Errorf("docstore: upsert chat %s: %w", c.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_members WHERE chat_id = $1`, c.ID); err != nil {
		return fmt.Errorf("docstore: clear members %s: %w", c.ID, err)
	}
	for _, p := range c.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)`,
			c.ID, p.UserID); err != nil {
			return fmt.Errorf("docstore: insert member %s/%s: %w", c.ID, p.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("docstore: commit chat %s: %w", c.ID, err)
	}

	op := ChangeAdded
	if existed {
		op = ChangeModified
	}
	return s.deltas.PublishEntity(ChatSubject(c.ID), op, entity.KindChat, c.ID, c)
}

// DeleteChat removes a chat (membership rows cascade) and publishes the delta.
func (s *PostgresStore) DeleteChat(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = $1`, id); err != nil {
		return fmt.Errorf("docstore: delete chat messages %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, id); err != nil {
		return fmt.Errorf("docstore: delete chat %s: %w", id, err)
	}
	return s.deltas.PublishEntity(ChatSubject(id), ChangeRemoved, entity.KindChat, id, nil)
}

// ChatsForUser lists the chats userID participates in.
func (s *PostgresStore) ChatsForUser(ctx context.Context, userID string) ([]entity.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.doc
		FROM chats c
		JOIN chat_members m ON m.chat_id = c.id
		WHERE m.user_id = $1
		ORDER BY c.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("docstore: chats for %s: %w", userID, err)
	}
	defer rows.Close()

	var chats []entity.Chat
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("docstore: scan chat: %w", err)
		}
		var c entity.Chat
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, fmt.Errorf("docstore: decode chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// User fetches one user document.
func (s *PostgresStore) User(ctx context.Context, id string) (entity.User, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM users WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.User{}, ErrNoDocument
	}
	if err != nil {
		return entity.User{}, fmt.Errorf("docstore: get user %s: %w", id, err)
	}
	var u entity.User
	if err := json.Unmarshal(doc, &u); err != nil {
		return entity.User{}, fmt.Errorf("docstore: decode user %s: %w", id, err)
	}
	return u, nil
}

// PutUser upserts a user document and publishes the delta.
func (s *PostgresStore) PutUser(ctx context.Context, u entity.User) error {
	doc, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("docstore: encode user %s: %w", u.ID, err)
	}
	var existed bool
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
		RETURNING (xmax <> 0)`, u.ID, doc).Scan(&existed)
	if err != nil {
		return fmt.Errorf("docstore: upsert user %s: %w", u.ID, err)
	}
	op := ChangeAdded
	if existed {
		op = ChangeModified
	}
	return s.deltas.PublishEntity(UserSubject(u.ID), op, entity.KindUser, u.ID, u)
}

// PutMessage upserts a message document and publishes the delta on the
// chat's message subject.
func (s *PostgresStore) PutMessage(ctx context.Context, m entity.Message) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("docstore: encode message %s: %w", m.ID, err)
	}
	var existed bool
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, chat_id, ts, doc) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, ts = EXCLUDED.ts
		RETURNING (xmax <> 0)`,
		m.ID, m.ChatID, m.Timestamp, doc).Scan(&existed)
	if err != nil {
		return fmt.Errorf("docstore: upsert message %s: %w", m.ID, err)
	}
	op := ChangeAdded
	if existed {
		op = ChangeModified
	}
	return s.deltas.PublishEntity(MessagesSubject(m.ChatID), op, entity.KindMessage, m.ID, m)
}

// DeleteMessage removes one message and publishes the delta.
func (s *PostgresStore) DeleteMessage(ctx context.Context, chatID, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = $1 AND chat_id = $2`, id, chatID); err != nil {
		return fmt.Errorf("docstore: delete message %s: %w", id, err)
	}
	return s.deltas.PublishEntity(MessagesSubject(chatID), ChangeRemoved, entity.KindMessage, id, nil)
}

// FetchMessages runs one bounded history query. Results are always returned
// in chronological order regardless of fetch direction. Anchors order on
// (ts, id) so messages sharing a timestamp page deterministically.
func (s *PostgresStore) FetchMessages(ctx context.Context, chatID string, q MessageQuery) ([]entity.Message, error) {
	query := `SELECT doc FROM messages WHERE chat_id = $1`
	args := []interface{}{chatID}

	if !q.AnchorTS.IsZero() {
		var cmp string
		switch {
		case q.Direction == Ascending && q.Inclusive:
			cmp = ">="
		case q.Direction == Ascending:
			cmp = ">"
		case q.Inclusive:
			cmp = "<="
		default:
			cmp = "<"
		}
		query += fmt.Sprintf(` AND (ts, id) %s ($2, $3)`, cmp)
		args = append(args, q.AnchorTS, q.AnchorID)
	}

	if q.Direction == Ascending {
		query += ` ORDER BY ts ASC, id ASC`
	} else {
		query += ` ORDER BY ts DESC, id DESC`
	}
	query += fmt.Sprintf(` LIMIT %d`, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: fetch messages %s: %w", chatID, err)
	}
	defer rows.Close()

	var msgs []entity.Message
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("docstore: scan message: %w", err)
		}
		var m entity.Message
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("docstore: decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.Direction == Descending {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}
