package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/quild-ai/quild/server/internal/store"
)

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"conversations", "messages"} {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run `quild migrate`)", table)
		}
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) CreateConversation(ctx context.Context, conversation store.Conversation) error {
	const query = `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		conversation.ID,
		conversation.UserID,
		conversation.Title,
		parseTimestampValue(conversation.CreatedAt),
		parseTimestampValue(conversation.UpdatedAt),
	)
	return err
}

func (p *PostgresStore) GetConversation(ctx context.Context, conversationID string, userID string) (*store.Conversation, error) {
	const query = `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND user_id = $2
	`
	conversation, err := scanConversation(p.db.QueryRowContext(ctx, query, conversationID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (p *PostgresStore) ListConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	const query = `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC, id ASC
	`
	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Conversation{}
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) UpdateConversationTitle(ctx context.Context, conversationID string, userID string, title string, updatedAt string) (bool, error) {
	const query = `
		UPDATE conversations
		SET title = $3, updated_at = $4
		WHERE id = $1 AND user_id = $2
	`
	result, err := p.db.ExecContext(ctx, query, conversationID, userID, title, parseTimestampValue(updatedAt))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteConversation removes the conversation; messages go with it through
// the foreign key cascade.
func (p *PostgresStore) DeleteConversation(ctx context.Context, conversationID string, userID string) (bool, error) {
	result, err := p.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1 AND user_id = $2", conversationID, userID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (p *PostgresStore) AddMessage(ctx context.Context, msg store.Message) error {
	attachments, err := json.Marshal(nonNilAttachments(msg.Attachments))
	if err != nil {
		return err
	}
	sources, err := json.Marshal(nonNilSources(msg.Sources))
	if err != nil {
		return err
	}
	createdAt := parseTimestampValue(msg.CreatedAt)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `
		INSERT INTO messages (
			id,
			conversation_id,
			user_id,
			role,
			content,
			attachments,
			sources,
			web_summary,
			research_brief,
			sequence,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if _, err := tx.ExecContext(
		ctx,
		insert,
		msg.ID,
		msg.ConversationID,
		msg.UserID,
		msg.Role,
		msg.Content,
		attachments,
		sources,
		nullString(msg.WebSummary),
		nullString(msg.ResearchBrief),
		msg.Sequence,
		createdAt,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = $2 WHERE id = $1", msg.ConversationID, createdAt); err != nil {
		return err
	}
	return tx.Commit()
}

const selectMessages = `
	SELECT id, conversation_id, user_id, role, content, attachments, sources, web_summary, research_brief, sequence, created_at
	FROM messages
	WHERE conversation_id = $1
	ORDER BY sequence ASC
`

func (p *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	return p.queryMessages(ctx, selectMessages, conversationID)
}

func (p *PostgresStore) ListMessagesPage(ctx context.Context, conversationID string, offset int, limit int) ([]store.Message, int64, error) {
	var total int64
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE conversation_id = $1", conversationID).Scan(&total); err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = int(total)
	}
	messages, err := p.queryMessages(ctx, selectMessages+" LIMIT $2 OFFSET $3", conversationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

func (p *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]store.Message, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Message{}
	for rows.Next() {
		var (
			msg           store.Message
			attachments   []byte
			sources       []byte
			webSummary    sql.NullString
			researchBrief sql.NullString
			createdAt     time.Time
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.UserID,
			&msg.Role,
			&msg.Content,
			&attachments,
			&sources,
			&webSummary,
			&researchBrief,
			&msg.Sequence,
			&createdAt,
		); err != nil {
			return nil, err
		}
		if err := decodeJSON(attachments, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments for message %s: %w", msg.ID, err)
		}
		if err := decodeJSON(sources, &msg.Sources); err != nil {
			return nil, fmt.Errorf("decode sources for message %s: %w", msg.ID, err)
		}
		msg.WebSummary = webSummary.String
		msg.ResearchBrief = researchBrief.String
		msg.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		results = append(results, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (store.Conversation, error) {
	var (
		conversation store.Conversation
		createdAt    time.Time
		updatedAt    time.Time
	)
	if err := row.Scan(&conversation.ID, &conversation.UserID, &conversation.Title, &createdAt, &updatedAt); err != nil {
		return store.Conversation{}, err
	}
	conversation.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	conversation.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return conversation, nil
}

func parseTimestampValue(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
}

func nullString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func decodeJSON[T any](raw []byte, target *[]T) error {
	if len(raw) == 0 {
		return nil
	}
	var values []T
	if err := json.Unmarshal(raw, &values); err != nil {
		return err
	}
	if len(values) > 0 {
		*target = values
	}
	return nil
}

func nonNilAttachments(values []store.Attachment) []store.Attachment {
	if values == nil {
		return []store.Attachment{}
	}
	return values
}

func nonNilSources(values []store.Source) []store.Source {
	if values == nil {
		return []store.Source{}
	}
	return values
}
