package agent

import (
	"context"
	"fmt"
)

// DecisionMaker is the opaque external collaborator that, given the
// transcript and the available tool schemas, decides what to do next.
// Its retry and rate-limit behavior is its own business; the loop only
// sees a Decision or an error.
type DecisionMaker interface {
	Decide(ctx context.Context, transcript []Turn, tools []ToolSchema) (*Decision, error)
	Provider() string
}

// Profile selects and configures a concrete provider.
type Profile struct {
	Provider     string  `json:"provider" mapstructure:"provider"`
	APIKey       string  `json:"api_key" mapstructure:"api_key"`
	Model        string  `json:"model" mapstructure:"model"`
	Temperature  float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	SystemPrompt string  `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
}

// NewDecisionMaker builds the provider named by the profile.
func NewDecisionMaker(profile Profile) (DecisionMaker, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile), nil
	case "openai":
		return NewOpenAIProvider(profile), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// DefaultProfile returns the provider configuration used when none is
// supplied.
func DefaultProfile() Profile {
	return Profile{
		Provider:    "anthropic",
		Model:       "claude-3-5-sonnet-20241022",
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}
