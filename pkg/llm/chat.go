package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dennj/agnomerchant/pkg/resilience"
)

// Message roles.
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
	RoleTool      = openai.ChatMessageRoleTool
)

// Message is one entry of a completion request.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant messages that invoked tools
	ToolCallID string     // tool result messages
}

// ToolCall is a model-issued request to invoke a declared tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// Tool declares a callable function. Parameters is a JSON schema.
type Tool struct {
	Name        string
	Description string
	Parameters  any
}

// ChatRequest is a single completion call.
type ChatRequest struct {
	System    string
	Messages  []Message
	Tools     []Tool
	MaxTokens int
}

// ChatResponse is the first choice of a completion.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Model        string
	TokensUsed   int
}

// Chat runs one chat completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, toOpenAIMessage(m))
	}

	creq := openai.ChatCompletionRequest{
		Model:     c.chatModel,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	for _, t := range req.Tools {
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := resilience.Do(ctx, c.breaker, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		return c.api.CreateChatCompletion(ctx, creq)
	})
	if err != nil {
		return nil, fmt.Errorf("llm chat: %w", err)
	}
	out := &ChatResponse{Model: resp.Model, TokensUsed: resp.Usage.TotalTokens}
	if len(resp.Choices) == 0 {
		return out, nil
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.FinishReason = string(choice.FinishReason)
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessage {
	om := openai.ChatCompletionMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return om
}
