package agent

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/schoolhub/messaging-server-go/internal/model"
	"github.com/schoolhub/messaging-server-go/internal/repository"
)

// Enqueuer is the slice of the outbound queue the router needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, params model.EnqueueMessageParams) (*model.QueuedMessage, error)
}

type RouterOptions struct {
	// Window is the number of recent turns handed to the assistant.
	Window int

	// MaxToolRounds caps assistant invocations per inbound event so a tool
	// loop cannot spin forever.
	MaxToolRounds int

	// Workers is the number of goroutines processing inbound events.
	Workers int

	// Buffer is the inbound event channel capacity. When full, events are
	// dropped with a log line rather than blocking the session actor.
	Buffer int
}

// Router consumes inbound messages, maintains the conversation log, drives
// the assistant's tool loop, and enqueues replies.
type Router struct {
	conversations repository.ConversationRepository
	agent         Agent
	registry      *Registry
	queue         Enqueuer
	opts          RouterOptions

	events chan model.InboundEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRouter(
	conversations repository.ConversationRepository,
	ag Agent,
	registry *Registry,
	queue Enqueuer,
	opts RouterOptions,
) *Router {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Buffer < 1 {
		opts.Buffer = 256
	}
	return &Router{
		conversations: conversations,
		agent:         ag,
		registry:      registry,
		queue:         queue,
		opts:          opts,
		events:        make(chan model.InboundEvent, opts.Buffer),
	}
}

// HandleInbound accepts one inbound event for asynchronous processing. Never
// blocks: the caller is the tenant's session actor.
func (r *Router) HandleInbound(_ context.Context, evt model.InboundEvent) {
	select {
	case r.events <- evt:
	default:
		log.Warn().
			Str("tenantId", evt.TenantID).
			Str("counterpartId", evt.CounterpartID).
			Msg("inbound event buffer full, dropping event")
	}
}

func (r *Router) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt := <-r.events:
					r.process(ctx, evt)
				}
			}
		}()
	}
	log.Info().Int("workers", r.opts.Workers).Msg("agent router started")
}

func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	log.Info().Msg("agent router stopped")
}

// process runs one inbound event through the conversation log and the
// assistant's tool loop. Failures are logged and contained to this event;
// other tenants' traffic is unaffected.
func (r *Router) process(ctx context.Context, evt model.InboundEvent) {
	logger := log.With().
		Str("tenantId", evt.TenantID).
		Str("counterpartId", evt.CounterpartID).
		Str("eventId", evt.ID).
		Logger()

	conv, err := r.conversations.FindOrCreate(ctx, evt.TenantID, evt.CounterpartID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load conversation")
		return
	}

	if _, err := r.conversations.AppendTurn(ctx, model.AppendTurnParams{
		ConversationID: conv.ID,
		Role:           model.RoleUser,
		Content:        evt.Body,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to append user turn")
		return
	}

	for round := 0; round < r.opts.MaxToolRounds; round++ {
		turns, err := r.conversations.RecentTurns(ctx, conv.ID, r.opts.Window)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load turn window")
			return
		}

		effects, err := r.agent.Respond(ctx, evt.TenantID, turns)
		if err != nil {
			logger.Error().Err(err).Int("round", round).Msg("agent invocation failed")
			return
		}

		ranTool := false
		for _, effect := range effects {
			switch e := effect.(type) {
			case Reply:
				r.reply(ctx, logger, conv.ID, evt, e.Text)
			case ToolCall:
				r.runTool(ctx, logger, conv.ID, evt.TenantID, e)
				ranTool = true
			}
		}

		// Tool results warrant another look; plain replies end the exchange.
		if !ranTool {
			return
		}
	}

	logger.Warn().Int("rounds", r.opts.MaxToolRounds).Msg("tool round cap reached, ending exchange")
}

func (r *Router) reply(ctx context.Context, logger zerolog.Logger, conversationID string, evt model.InboundEvent, text string) {
	if _, err := r.conversations.AppendTurn(ctx, model.AppendTurnParams{
		ConversationID: conversationID,
		Role:           model.RoleAgent,
		Content:        text,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to append agent turn")
		return
	}

	if _, err := r.queue.Enqueue(ctx, model.EnqueueMessageParams{
		TenantID:      evt.TenantID,
		Channel:       model.ChannelWhatsApp,
		Recipient:     evt.CounterpartID,
		Body:          text,
		Priority:      model.PriorityNormal,
		CorrelationID: &evt.ID,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to enqueue agent reply")
	}
}

// runTool executes one tool call. Handler errors become a TOOL turn with the
// error description so the assistant can recover or apologize.
func (r *Router) runTool(ctx context.Context, logger zerolog.Logger, conversationID, tenantID string, call ToolCall) {
	content, err := r.registry.Dispatch(ctx, tenantID, call.Name, call.Args)
	if err != nil {
		logger.Warn().Err(err).Str("tool", call.Name).Msg("tool execution failed")
		content = "tool error: " + err.Error()
	}

	name := call.Name
	if _, err := r.conversations.AppendTurn(ctx, model.AppendTurnParams{
		ConversationID: conversationID,
		Role:           model.RoleTool,
		Content:        content,
		ToolName:       &name,
	}); err != nil {
		logger.Error().Err(err).Str("tool", call.Name).Msg("failed to append tool turn")
	}
}
