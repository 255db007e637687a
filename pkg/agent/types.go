package agent

// Role tags one transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the decision-maker.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Turn is one entry of a session transcript. Tool turns carry the
// ToolCallID they answer.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Decision is what one decision turn produced: free text, tool calls,
// or both.
type Decision struct {
	Content   string      `json:"content"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
}

// TokenUsage tracks token consumption per decision call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolSchema describes one tool as presented to the decision-maker.
// Peer records which peer owns the tool; it is not sent over the wire.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Peer        string                 `json:"-"`
}

// TerminalState is how a session ended.
type TerminalState string

const (
	EndedNormally  TerminalState = "ended-normally"
	EndedByCeiling TerminalState = "ended-by-ceiling"
	Aborted        TerminalState = "aborted"
)

// Outcome is the result of one full loop run.
type Outcome struct {
	State      TerminalState `json:"state"`
	FinalText  string        `json:"final_text,omitempty"`
	Transcript []Turn        `json:"transcript"`
	Turns      int           `json:"turns"`
}
