// Package agent routes inbound messages through a tool-calling assistant and
// enqueues its replies back onto the outbound queue.
package agent

import (
	"context"
	"encoding/json"

	"github.com/schoolhub/messaging-server-go/internal/model"
)

// Effect is one unit of the assistant's response: either text to send back
// to the counterparty or a request to run a registered tool. The variant set
// is closed so routing can switch exhaustively.
type Effect interface {
	isEffect()
}

// Reply is outbound text for the counterparty.
type Reply struct {
	Text string
}

// ToolCall asks the router to run a registered tool and feed the result back.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

func (Reply) isEffect()    {}
func (ToolCall) isEffect() {}

// Agent produces an ordered list of effects for a conversation window. How
// the effects are produced is opaque to the router.
type Agent interface {
	Respond(ctx context.Context, tenantID string, turns []model.Turn) ([]Effect, error)
}
