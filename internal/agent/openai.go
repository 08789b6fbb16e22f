package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/schoolhub/messaging-server-go/internal/model"
)

const systemPrompt = "You are the messaging assistant for a school. You answer " +
	"routine questions from parents and staff over WhatsApp, using the available " +
	"tools for account-specific facts. Keep answers short and polite. If you " +
	"cannot help, say so and suggest contacting the school office."

// OpenAIAgent produces effects via OpenAI chat completion with tool calling.
type OpenAIAgent struct {
	client   *openai.Client
	model    string
	registry *Registry
}

func NewOpenAIAgent(apiKey, model string, registry *Registry) (*OpenAIAgent, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	return &OpenAIAgent{
		client:   openai.NewClient(apiKey),
		model:    model,
		registry: registry,
	}, nil
}

func (a *OpenAIAgent) Respond(ctx context.Context, tenantID string, turns []model.Turn) ([]Effect, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, turn := range turns {
		messages = append(messages, toChatMessage(turn))
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: messages,
		Tools:    a.tools(),
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	choice := resp.Choices[0].Message
	var effects []Effect
	if choice.Content != "" {
		effects = append(effects, Reply{Text: choice.Content})
	}
	for _, call := range choice.ToolCalls {
		if call.Type != openai.ToolTypeFunction {
			continue
		}
		effects = append(effects, ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: json.RawMessage(call.Function.Arguments),
		})
	}
	return effects, nil
}

func (a *OpenAIAgent) tools() []openai.Tool {
	defs := a.registry.Definitions()
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools
}

// toChatMessage maps a stored turn to the chat format. Tool results are
// rendered as plain text rather than protocol-level tool messages because
// the conversation log outlives any one completion's tool call ids.
func toChatMessage(turn model.Turn) openai.ChatCompletionMessage {
	switch turn.Role {
	case model.RoleAgent:
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: turn.Content,
		}
	case model.RoleTool:
		name := ""
		if turn.ToolName != nil {
			name = *turn.ToolName
		}
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: fmt.Sprintf("[tool %s result] %s", name, turn.Content),
		}
	default:
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: turn.Content,
		}
	}
}
