package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements DecisionMaker against the OpenAI chat
// completions API.
type OpenAIProvider struct {
	client  openai.Client
	profile Profile
}

// NewOpenAIProvider creates an OpenAI-backed decision-maker.
func NewOpenAIProvider(profile Profile) *OpenAIProvider {
	return &OpenAIProvider{
		client:  openai.NewClient(option.WithAPIKey(profile.APIKey)),
		profile: profile,
	}
}

// Provider returns the provider name.
func (p *OpenAIProvider) Provider() string {
	return "openai"
}

// Decide converts the transcript to OpenAI message format, issues one
// chat completion and maps the reply back to a Decision.
func (p *OpenAIProvider) Decide(ctx context.Context, transcript []Turn, tools []ToolSchema) (*Decision, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if p.profile.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(p.profile.SystemPrompt))
	}

	for _, turn := range transcript {
		switch turn.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))
		case RoleAssistant:
			if len(turn.ToolCalls) > 0 {
				toolCalls := []openai.ChatCompletionMessageToolCall{}
				for _, tc := range turn.ToolCalls {
					argsJSON, err := json.Marshal(tc.Args)
					if err != nil {
						return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argsJSON),
						},
					})
				}
				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   turn.Content,
					ToolCalls: toolCalls,
				}
				messages = append(messages, assistantMsg.ToParam())
			} else {
				messages = append(messages, openai.AssistantMessage(turn.Content))
			}
		case RoleTool:
			messages = append(messages, openai.ToolMessage(turn.ToolCallID, turn.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.profile.Model),
		Messages: messages,
	}
	if p.profile.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.profile.MaxTokens))
	}
	if p.profile.Temperature > 0 {
		params.Temperature = openai.Float(p.profile.Temperature)
	}

	if len(tools) > 0 {
		toolParams := []openai.ChatCompletionToolParam{}
		for _, tool := range tools {
			toolParams = append(toolParams, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.InputSchema),
				},
			})
		}
		params.Tools = toolParams
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]

	toolCalls := []ToolCall{}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}

	return &Decision{
		Content:   choice.Message.Content,
		ToolCalls: toolCalls,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}
