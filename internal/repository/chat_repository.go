package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"erasmusly/messaging-service/internal/models"
)

// ChatRepository is the durable store for chats and their messages.
type ChatRepository interface {
	CreateChat(ctx context.Context, chat *models.Chat) error
	GetChatByID(ctx context.Context, id string) (*models.Chat, error)
	GetChatByUsers(ctx context.Context, userID1, userID2 string) (*models.Chat, error)
	GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error)
	// AppendMessage persists msg and bumps the chat's activity time in one
	// transaction. ID is taken from msg; CreatedAt is assigned by the store.
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error)
	MarkMessagesAsRead(ctx context.Context, chatID, userID string) (int, error)
	InitializeTables(ctx context.Context) error
}

const uniqueViolation = "23505"

type chatRepository struct {
	db *sql.DB
}

func NewChatRepository(db *sql.DB) ChatRepository {
	return &chatRepository{
		db: db,
	}
}

func (r *chatRepository) InitializeTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		user_id1 TEXT NOT NULL,
		user_id2 TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(user_id1, user_id2),
		CONSTRAINT chats_canonical_pair CHECK (user_id1 < user_id2 COLLATE "C")
	);

	-- Pairs are ordered bytewise by the service; older tables compared them
	-- under the database collation.
	DO $$
	BEGIN
		ALTER TABLE chats DROP CONSTRAINT IF EXISTS chats_check;
		IF NOT EXISTS (
			SELECT 1 FROM pg_constraint
			WHERE conrelid = 'chats'::regclass AND conname = 'chats_canonical_pair'
		) THEN
			ALTER TABLE chats ADD CONSTRAINT chats_canonical_pair CHECK (user_id1 < user_id2 COLLATE "C");
		END IF;
	END $$;

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL CHECK (length(btrim(content)) > 0),
		created_at TIMESTAMPTZ NOT NULL,
		read_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_chats_user1 ON chats(user_id1, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_chats_user2 ON chats(user_id2, updated_at DESC);
	`

	_, err := r.db.ExecContext(ctx, query)
	return err
}

func (r *chatRepository) CreateChat(ctx context.Context, chat *models.Chat) error {
	chat.UserID1, chat.UserID2 = models.CanonicalPair(chat.UserID1, chat.UserID2)

	query := `
	INSERT INTO chats (id, user_id1, user_id2, created_at, updated_at)
	VALUES ($1, $2, $3, NOW(), NOW())
	ON CONFLICT (user_id1, user_id2) DO NOTHING
	RETURNING created_at, updated_at
	`

	var createdAt, updatedAt time.Time
	err := r.db.QueryRowContext(ctx, query,
		chat.ID, chat.UserID1, chat.UserID2,
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return ErrChatExists
		}
		return fmt.Errorf("insert chat: %w", err)
	}

	chat.CreatedAt = createdAt
	chat.UpdatedAt = updatedAt
	return nil
}

func (r *chatRepository) GetChatByID(ctx context.Context, id string) (*models.Chat, error) {
	query := `
	SELECT id, user_id1, user_id2, created_at, updated_at
	FROM chats
	WHERE id = $1
	`

	var chat models.Chat
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&chat.ID, &chat.UserID1, &chat.UserID2, &chat.CreatedAt, &chat.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("select chat: %w", err)
	}

	return &chat, nil
}

func (r *chatRepository) GetChatByUsers(ctx context.Context, userID1, userID2 string) (*models.Chat, error) {
	lo, hi := models.CanonicalPair(userID1, userID2)

	query := `
	SELECT id, user_id1, user_id2, created_at, updated_at
	FROM chats
	WHERE user_id1 = $1 AND user_id2 = $2
	`

	var chat models.Chat
	err := r.db.QueryRowContext(ctx, query, lo, hi).Scan(
		&chat.ID, &chat.UserID1, &chat.UserID2, &chat.CreatedAt, &chat.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("select chat by users: %w", err)
	}

	return &chat, nil
}

func (r *chatRepository) GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	query := `
	SELECT id, user_id1, user_id2, created_at, updated_at
	FROM chats
	WHERE user_id1 = $1 OR user_id2 = $1
	ORDER BY updated_at DESC, id
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("select user chats: %w", err)
	}
	defer rows.Close()

	chats := make([]*models.Chat, 0)
	for rows.Next() {
		var chat models.Chat
		err := rows.Scan(
			&chat.ID, &chat.UserID1, &chat.UserID2, &chat.CreatedAt, &chat.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		chats = append(chats, &chat)
	}

	return chats, rows.Err()
}

func (r *chatRepository) AppendMessage(ctx context.Context, msg *models.Message) error {
	if strings.TrimSpace(msg.Content) == "" {
		return ErrEmptyContent
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	// The row lock serialises appends per chat, so creation order is commit order.
	var userID1, userID2 string
	var lastActivity time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT user_id1, user_id2, updated_at FROM chats WHERE id = $1 FOR UPDATE`,
		msg.ChatID,
	).Scan(&userID1, &userID2, &lastActivity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrChatNotFound
		}
		return fmt.Errorf("lock chat: %w", err)
	}

	if msg.SenderID != userID1 && msg.SenderID != userID2 {
		return ErrNotParticipant
	}

	// created_at stays strictly above every earlier message in the chat.
	insertQuery := `
	INSERT INTO messages (id, chat_id, sender_id, content, created_at)
	VALUES ($1, $2, $3, $4, GREATEST(clock_timestamp(), $5::timestamptz + interval '1 microsecond'))
	RETURNING created_at
	`

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, insertQuery,
		msg.ID, msg.ChatID, msg.SenderID, msg.Content, lastActivity,
	).Scan(&createdAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`,
		msg.ChatID, createdAt,
	); err != nil {
		return fmt.Errorf("bump chat activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	msg.CreatedAt = createdAt
	return nil
}

func (r *chatRepository) GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	var query string
	var args []interface{}

	switch {
	case beforeMessageID != "":
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND chat_id = $2)`,
			beforeMessageID, chatID,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("select cursor message: %w", err)
		}
		if !exists {
			return nil, ErrMessageNotFound
		}

		query = `
		SELECT id, chat_id, sender_id, content, created_at, read_at
		FROM messages
		WHERE chat_id = $1
		  AND (created_at, id) < (SELECT created_at, id FROM messages WHERE id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
		`
		if limit <= 0 {
			limit = 50
		}
		args = []interface{}{chatID, beforeMessageID, limit}
	case limit > 0:
		query = `
		SELECT id, chat_id, sender_id, content, created_at, read_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
		`
		args = []interface{}{chatID, limit}
	default:
		query = `
		SELECT id, chat_id, sender_id, content, created_at, read_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at ASC, id ASC
		`
		args = []interface{}{chatID}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var readAt sql.NullTime
		err := rows.Scan(
			&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &msg.CreatedAt, &readAt,
		)
		if err != nil {
			return nil, err
		}
		if readAt.Valid {
			msg.ReadAt = &readAt.Time
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if beforeMessageID != "" || limit > 0 {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}

	return messages, nil
}

func (r *chatRepository) MarkMessagesAsRead(ctx context.Context, chatID, userID string) (int, error) {
	query := `
	UPDATE messages
	SET read_at = NOW()
	WHERE chat_id = $1 AND sender_id <> $2 AND read_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, chatID, userID)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(count), nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
