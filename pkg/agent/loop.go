// Package agent runs the control loop of a session: ask the
// decision-maker what to do, execute the tool calls it wants, feed the
// results back, and stop when the content policy or a ceiling says so.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/hyunwoo/reportd/pkg/events"
	"github.com/hyunwoo/reportd/pkg/invoker"
	"github.com/hyunwoo/reportd/pkg/peer"
)

const abortNotice = "Session aborted before completion."

// ToolInvoker executes one tool call on one peer. *invoker.Invoker is
// the production implementation.
type ToolInvoker interface {
	Invoke(ctx context.Context, peerName, toolName string, args map[string]interface{}) (invoker.Result, error)
}

// Loop drives one session to a terminal state. It owns the transcript;
// nothing else mutates it.
type Loop struct {
	dm     DecisionMaker
	inv    ToolInvoker
	tools  []ToolSchema
	owners map[string]string
	sink   *events.Sink
	logger zerolog.Logger

	softCeiling int
	hardCeiling int

	// cancelled is the session's abort flag, set from outside the loop.
	// It is checked before every decision call and around every tool
	// call.
	cancelled *atomic.Bool
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithSoftCeiling overrides the content-policy iteration ceiling.
func WithSoftCeiling(n int) LoopOption {
	return func(l *Loop) { l.softCeiling = n }
}

// WithHardCeiling overrides the total-turn fail-safe ceiling.
func WithHardCeiling(n int) LoopOption {
	return func(l *Loop) { l.hardCeiling = n }
}

// NewLoop assembles a loop over the given collaborators. cancelled may
// be nil when the caller has no abort surface.
func NewLoop(dm DecisionMaker, inv ToolInvoker, tools []ToolSchema, sink *events.Sink, cancelled *atomic.Bool, logger zerolog.Logger, opts ...LoopOption) *Loop {
	l := &Loop{
		dm:          dm,
		inv:         inv,
		tools:       tools,
		owners:      make(map[string]string, len(tools)),
		sink:        sink,
		logger:      logger,
		softCeiling: DefaultSoftCeiling,
		hardCeiling: DefaultHardCeiling,
		cancelled:   cancelled,
	}
	for _, tool := range tools {
		l.owners[tool.Name] = tool.Peer
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BuildToolset collects the tool schemas of every registered peer.
// Unreachable peers contribute nothing; their tools are simply absent
// this session. Tool names collide first-wins across peers.
func BuildToolset(ctx context.Context, sup *peer.Supervisor, logger zerolog.Logger) []ToolSchema {
	var schemas []ToolSchema
	seen := make(map[string]string)

	for _, peerName := range sup.Names() {
		tools, err := sup.ListTools(ctx, peerName)
		if err != nil {
			logger.Warn().Err(err).Str("peer", peerName).Msg("Peer unavailable, skipping its tools")
			continue
		}
		for _, tool := range tools {
			if owner, dup := seen[tool.Name]; dup {
				logger.Warn().Str("tool", tool.Name).Str("peer", peerName).Str("owner", owner).Msg("Duplicate tool name, keeping first registration")
				continue
			}
			seen[tool.Name] = peerName

			var schema map[string]interface{}
			_ = json.Unmarshal(tool.InputSchema, &schema)
			if schema == nil {
				schema = map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{},
				}
			}
			schemas = append(schemas, ToolSchema{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
				Peer:        peerName,
			})
		}
	}
	return schemas
}

func (l *Loop) interrupted(ctx context.Context) bool {
	if l.cancelled != nil && l.cancelled.Load() {
		return true
	}
	return ctx.Err() != nil
}

func (l *Loop) emit(typ events.Type, message string, data map[string]interface{}) {
	if l.sink != nil {
		l.sink.Emit(typ, message, data)
	}
}

// Run executes the session until a terminal state. Every return path
// goes through exactly one terminal event.
func (l *Loop) Run(ctx context.Context, query string) Outcome {
	transcript := []Turn{{Role: RoleUser, Content: query}}
	turns := 0
	iteration := 0

	l.emit(events.TypeStatus, "session started", map[string]interface{}{"query": query})

	finish := func(state TerminalState, finalText string) Outcome {
		if finalText != "" {
			l.emit(events.TypeContent, finalText, nil)
		}
		l.emit(events.TypeComplete, string(state), map[string]interface{}{
			"state": string(state),
			"turns": turns,
		})
		l.logger.Info().Str("state", string(state)).Int("turns", turns).Msg("Session finished")
		return Outcome{State: state, FinalText: finalText, Transcript: transcript, Turns: turns}
	}

	abort := func() Outcome {
		transcript = append(transcript, Turn{Role: RoleAssistant, Content: abortNotice})
		l.emit(events.TypeToolAbort, abortNotice, nil)
		return finish(Aborted, "")
	}

	for {
		if turns >= l.hardCeiling {
			return finish(EndedByCeiling, "")
		}
		if l.interrupted(ctx) {
			return abort()
		}

		// Decision turn.
		turns++
		iteration++
		decision, err := l.dm.Decide(ctx, transcript, l.tools)
		if l.interrupted(ctx) {
			return abort()
		}
		if err != nil {
			// Fed back as a failure turn; the next decision sees it and
			// may try something else. The ceilings keep this bounded.
			msg := fmt.Sprintf("decision call failed: %v", err)
			l.emit(events.TypeError, msg, nil)
			transcript = append(transcript, Turn{Role: RoleAssistant, Content: msg})
			continue
		}

		transcript = append(transcript, Turn{
			Role:      RoleAssistant,
			Content:   decision.Content,
			ToolCalls: decision.ToolCalls,
		})

		switch nextStep(decision, iteration, l.softCeiling) {
		case verdictEnd:
			return finish(EndedNormally, decision.Content)
		case verdictEndByCeiling:
			return finish(EndedByCeiling, decision.Content)
		case verdictContinue:
			l.emit(events.TypeProgress, "continuing", map[string]interface{}{"turn": turns})
			continue
		case verdictRunTools:
		}

		// Tool-execution turn.
		if turns >= l.hardCeiling {
			return finish(EndedByCeiling, "")
		}
		turns++

		for _, call := range decision.ToolCalls {
			if l.interrupted(ctx) {
				return abort()
			}

			outcome, aborted := l.runTool(ctx, call)
			if aborted {
				return abort()
			}
			transcript = append(transcript, outcome)

			if l.interrupted(ctx) {
				return abort()
			}
		}
	}
}

// runTool executes one tool call and renders it as a tool turn. The
// aborted return is set only when the context was cancelled mid-call.
func (l *Loop) runTool(ctx context.Context, call ToolCall) (Turn, bool) {
	turn := Turn{Role: RoleTool, ToolCallID: call.ID}

	peerName, ok := l.owners[call.Name]
	if !ok {
		turn.Content = fmt.Sprintf("unknown tool: %s", call.Name)
		l.emit(events.TypeToolError, turn.Content, map[string]interface{}{"tool": call.Name})
		return turn, false
	}

	l.emit(events.TypeToolStart, call.Name, map[string]interface{}{
		"tool": call.Name,
		"peer": peerName,
	})

	res, err := l.inv.Invoke(ctx, peerName, call.Name, call.Args)
	if err != nil {
		// Only context cancellation surfaces as an error here.
		return turn, true
	}

	turn.Content = res.Output()
	if res.Failed() {
		l.emit(events.TypeToolError, res.Err, map[string]interface{}{
			"tool": call.Name,
			"peer": peerName,
		})
	} else {
		l.emit(events.TypeToolComplete, call.Name, map[string]interface{}{
			"tool":        call.Name,
			"peer":        peerName,
			"duration_ms": res.Duration.Milliseconds(),
		})
	}
	return turn, false
}
