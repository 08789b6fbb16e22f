package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/schoolhub/messaging-server-go/internal/model"
)

type ConversationRepository interface {
	// FindOrCreate returns the conversation for (tenant, counterpart),
	// creating it on first contact and bumping last_message_at either way.
	FindOrCreate(ctx context.Context, tenantID, counterpartID string) (*model.Conversation, error)
	AppendTurn(ctx context.Context, params model.AppendTurnParams) (*model.Turn, error)
	// RecentTurns returns the last n turns in chronological order.
	RecentTurns(ctx context.Context, conversationID string, n int) ([]model.Turn, error)
	CountTurns(ctx context.Context, conversationID string) (int, error)
}

type conversationRepo struct {
	db sqlxDB
}

func NewConversationRepository(db *sqlx.DB) ConversationRepository {
	return &conversationRepo{db: db}
}

func (r *conversationRepo) FindOrCreate(ctx context.Context, tenantID, counterpartID string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.GetContext(ctx, &conv, `
		INSERT INTO conversations (tenant_id, counterpart_id, last_message_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id, counterpart_id) DO UPDATE SET last_message_at = now()
		RETURNING *
	`, tenantID, counterpartID)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepo) AppendTurn(ctx context.Context, params model.AppendTurnParams) (*model.Turn, error) {
	var turn model.Turn
	err := r.db.GetContext(ctx, &turn, `
		INSERT INTO conversation_turns (conversation_id, role, content, tool_name)
		VALUES ($1, $2, $3, $4)
		RETURNING id, conversation_id, role, content, tool_name, created_at
	`, params.ConversationID, params.Role, params.Content, params.ToolName)
	if err != nil {
		return nil, err
	}
	return &turn, nil
}

func (r *conversationRepo) RecentTurns(ctx context.Context, conversationID string, n int) ([]model.Turn, error) {
	var turns []model.Turn
	err := r.db.SelectContext(ctx, &turns, `
		SELECT id, conversation_id, role, content, tool_name, created_at FROM (
			SELECT * FROM conversation_turns
			WHERE conversation_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent ORDER BY seq ASC
	`, conversationID, n)
	if err != nil {
		return nil, err
	}
	return turns, nil
}

func (r *conversationRepo) CountTurns(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM conversation_turns WHERE conversation_id = $1
	`, conversationID)
	return count, err
}
