package agent

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/schoolhub/messaging-server-go/internal/model"
)

// NoopAgent records conversations without replying. Used when no completion
// API key is configured, so inbound traffic is still captured for later
// review.
type NoopAgent struct{}

func (NoopAgent) Respond(_ context.Context, tenantID string, turns []model.Turn) ([]Effect, error) {
	if len(turns) > 0 {
		last := turns[len(turns)-1]
		log.Debug().
			Str("tenantId", tenantID).
			Str("role", string(last.Role)).
			Msg("agent disabled, inbound turn recorded without reply")
	}
	return nil, nil
}
