package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"council/internal/models"
)

type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation) error
	GetByID(ctx context.Context, id, userID string) (*models.Conversation, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error)
	Delete(ctx context.Context, id, userID string) error
	UpdateTitle(ctx context.Context, id, title string) error
	Messages(ctx context.Context, conversationID string) ([]*models.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	AddUserMessage(ctx context.Context, conversationID, content string) error
	AddAssistantMessage(ctx context.Context, conversationID string, stage1, stage2, stage3 []byte) error
}

type conversationRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewConversationRepository(db *sqlx.DB, logger *zap.Logger) ConversationRepository {
	return &conversationRepository{db: db, logger: logger}
}

func (r *conversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	query := `INSERT INTO conversations (id, user_id, title, models, lead_model)
	          VALUES ($1, $2, $3, $4, $5) RETURNING created_at`
	return r.db.QueryRowxContext(ctx, query, conv.ID, conv.UserID, conv.Title, pq.Array(conv.Models), conv.LeadModel).
		Scan(&conv.CreatedAt)
}

func (r *conversationRepository) GetByID(ctx context.Context, id, userID string) (*models.Conversation, error) {
	var conv models.Conversation
	query := `
		SELECT
			c.id, c.user_id, c.title, c.models, c.lead_model, c.created_at,
			COUNT(m.id) AS message_count
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.id = $1 AND c.user_id = $2
		GROUP BY c.id
	`
	err := r.db.GetContext(ctx, &conv, query, id, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	query := `
		SELECT
			c.id, c.user_id, c.title, c.models, c.lead_model, c.created_at,
			COUNT(m.id) AS message_count
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.user_id = $1
		GROUP BY c.id
		ORDER BY c.created_at DESC
	`
	if err := r.db.SelectContext(ctx, &conversations, query, userID); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (r *conversationRepository) Delete(ctx context.Context, id, userID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *conversationRepository) UpdateTitle(ctx context.Context, id, title string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE conversations SET title = $1 WHERE id = $2`, title, id)
	return err
}

func (r *conversationRepository) Messages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var messages []*models.Message
	query := `SELECT id, conversation_id, role, content, stage1, stage2, stage3, created_at
	          FROM messages WHERE conversation_id = $1 ORDER BY created_at, id`
	if err := r.db.SelectContext(ctx, &messages, query, conversationID); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *conversationRepository) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID)
	return count, err
}

func (r *conversationRepository) AddUserMessage(ctx context.Context, conversationID, content string) error {
	query := `INSERT INTO messages (conversation_id, role, content) VALUES ($1, 'user', $2)`
	_, err := r.db.ExecContext(ctx, query, conversationID, content)
	return err
}

func (r *conversationRepository) AddAssistantMessage(ctx context.Context, conversationID string, stage1, stage2, stage3 []byte) error {
	query := `INSERT INTO messages (conversation_id, role, stage1, stage2, stage3)
	          VALUES ($1, 'assistant', $2, $3, $4)`
	_, err := r.db.ExecContext(ctx, query, conversationID, stage1, stage2, stage3)
	return err
}
