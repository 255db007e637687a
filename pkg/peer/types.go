package peer

import (
	"encoding/json"
	"time"
)

// Status describes the lifecycle state of a peer process.
type Status string

const (
	StatusStopped     Status = "stopped"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusTerminating Status = "terminating"
)

// Config identifies a peer and describes how to launch it. Configs are
// immutable once registered; dynamic updates replace the whole entry.
type Config struct {
	Name        string            `json:"name" mapstructure:"name"`
	Command     string            `json:"command" mapstructure:"command"`
	Args        []string          `json:"args,omitempty" mapstructure:"args"`
	Env         map[string]string `json:"env,omitempty" mapstructure:"env"`
	WorkingDir  string            `json:"working_dir,omitempty" mapstructure:"working_dir"`
	Description string            `json:"description,omitempty" mapstructure:"description"`
}

// ToolParameter is one entry of a tool's input schema.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDescriptor describes a tool exposed by a peer via tools/list.
// InputSchema keeps the raw schema for validation; Parameters is the
// parsed view used to build decision-maker tool schemas.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

// Info is a point-in-time snapshot of a peer for status reporting.
type Info struct {
	Config       Config          `json:"config"`
	Status       Status          `json:"status"`
	PID          int             `json:"pid,omitempty"`
	StartedAt    time.Time       `json:"started_at,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// parseToolParameters extracts the flat parameter list from an MCP
// inputSchema object. Unknown or malformed schemas yield no parameters.
func parseToolParameters(schema json.RawMessage) []ToolParameter {
	if len(schema) == 0 {
		return nil
	}

	var schemaMap map[string]interface{}
	if err := json.Unmarshal(schema, &schemaMap); err != nil {
		return nil
	}

	properties, ok := schemaMap["properties"].(map[string]interface{})
	if !ok {
		return nil
	}

	required := make(map[string]bool)
	if reqList, ok := schemaMap["required"].([]interface{}); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	params := make([]ToolParameter, 0, len(properties))
	for name, propData := range properties {
		prop, ok := propData.(map[string]interface{})
		if !ok {
			continue
		}
		param := ToolParameter{
			Name:     name,
			Required: required[name],
		}
		if typeVal, ok := prop["type"].(string); ok {
			param.Type = typeVal
		}
		if desc, ok := prop["description"].(string); ok {
			param.Description = desc
		}
		if defVal, ok := prop["default"]; ok {
			param.Default = defVal
		}
		params = append(params, param)
	}

	return params
}
