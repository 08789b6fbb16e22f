package model

import (
	"time"
)

// Conversation is the append-only dialogue between one tenant and one
// counterparty (a parent's or staff member's phone number).
type Conversation struct {
	ID            string    `db:"id" json:"id"`
	TenantID      string    `db:"tenant_id" json:"tenantId"`
	CounterpartID string    `db:"counterpart_id" json:"counterpartId"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	LastMessageAt time.Time `db:"last_message_at" json:"lastMessageAt"`
}

// Turn is one message-equivalent unit in a conversation.
type Turn struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversationId"`
	Role           TurnRole  `db:"role" json:"role"`
	Content        string    `db:"content" json:"content"`
	ToolName       *string   `db:"tool_name" json:"toolName,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

type AppendTurnParams struct {
	ConversationID string
	Role           TurnRole
	Content        string
	ToolName       *string
}

// InboundEvent is one message received from a counterparty, as surfaced by
// the transport and forwarded to the agent router.
type InboundEvent struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	CounterpartID string    `json:"counterpartId"`
	Body          string    `json:"body"`
	Timestamp     time.Time `json:"timestamp"`
}
