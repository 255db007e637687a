package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyunwoo/reportd/pkg/events"
	"github.com/hyunwoo/reportd/pkg/invoker"
)

const longAnswer = "The analysis is done and every region grew revenue this quarter by a comfortable margin."

// scriptedDM replays a fixed sequence of decisions. A nil entry stands
// for a provider error.
type scriptedDM struct {
	script []*Decision
	calls  int
	// observe lets a test inspect the transcript the loop passes in.
	observe func(call int, transcript []Turn)
}

func (s *scriptedDM) Decide(_ context.Context, transcript []Turn, _ []ToolSchema) (*Decision, error) {
	if s.observe != nil {
		s.observe(s.calls, transcript)
	}
	if s.calls >= len(s.script) {
		return nil, errors.New("script exhausted")
	}
	d := s.script[s.calls]
	s.calls++
	if d == nil {
		return nil, errors.New("provider blew up")
	}
	return d, nil
}

func (s *scriptedDM) Provider() string { return "scripted" }

// loopingDM returns the same decision forever.
type loopingDM struct {
	decision Decision
	calls    int
}

func (s *loopingDM) Decide(context.Context, []Turn, []ToolSchema) (*Decision, error) {
	s.calls++
	d := s.decision
	return &d, nil
}

func (s *loopingDM) Provider() string { return "looping" }

// fakeInvoker records calls and serves canned results.
type fakeInvoker struct {
	calls    []string
	results  map[string]invoker.Result
	onInvoke func(tool string)
}

func (f *fakeInvoker) Invoke(ctx context.Context, peerName, toolName string, args map[string]interface{}) (invoker.Result, error) {
	if ctx.Err() != nil {
		return invoker.Result{}, ctx.Err()
	}
	f.calls = append(f.calls, toolName)
	if f.onInvoke != nil {
		f.onInvoke(toolName)
	}
	if res, ok := f.results[toolName]; ok {
		return res, nil
	}
	return invoker.Result{Peer: peerName, Tool: toolName, Text: "pong"}, nil
}

var testToolset = []ToolSchema{
	{
		Name:        "ping",
		Description: "Replies with pong",
		InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Peer:        "toolbox",
	},
	{
		Name:        "fetch",
		Description: "Fetches data",
		InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Peer:        "toolbox",
	},
}

func newTestLoop(dm DecisionMaker, inv ToolInvoker, flag *atomic.Bool, opts ...LoopOption) (*Loop, *events.Sink) {
	sink := events.NewSink("test")
	return NewLoop(dm, inv, testToolset, sink, flag, zerolog.Nop(), opts...), sink
}

func drain(sink *events.Sink) []events.Event {
	sink.Close()
	var got []events.Event
	for ev := range sink.Events() {
		got = append(got, ev)
	}
	return got
}

func eventTypes(evs []events.Event) []events.Type {
	types := make([]events.Type, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func TestLoopEndsNormallyOnLongAnswer(t *testing.T) {
	dm := &scriptedDM{script: []*Decision{{Content: longAnswer}}}
	loop, sink := newTestLoop(dm, &fakeInvoker{}, nil)

	out := loop.Run(context.Background(), "how did we do")

	assert.Equal(t, EndedNormally, out.State)
	assert.Equal(t, longAnswer, out.FinalText)
	assert.Equal(t, 1, out.Turns)
	require.Len(t, out.Transcript, 2)
	assert.Equal(t, RoleUser, out.Transcript[0].Role)
	assert.Equal(t, RoleAssistant, out.Transcript[1].Role)

	types := eventTypes(drain(sink))
	assert.Equal(t, events.TypeStatus, types[0])
	assert.Equal(t, events.TypeComplete, types[len(types)-1])
	assert.Contains(t, types, events.TypeContent)
}

func TestLoopFailureTextContinues(t *testing.T) {
	dm := &scriptedDM{script: []*Decision{
		{Content: "Error: the upstream API returned a 500, I will retry"},
		{Content: longAnswer},
	}}
	loop, _ := newTestLoop(dm, &fakeInvoker{}, nil)

	out := loop.Run(context.Background(), "q")

	assert.Equal(t, EndedNormally, out.State)
	assert.Equal(t, 2, dm.calls)
	assert.Equal(t, 2, out.Turns)
}

func TestLoopToolResultsFeedTranscript(t *testing.T) {
	var sawToolTurn bool
	dm := &scriptedDM{
		script: []*Decision{
			{Content: "let me check", ToolCalls: []ToolCall{{ID: "call-1", Name: "ping", Args: map[string]interface{}{}}}},
			{Content: longAnswer},
		},
		observe: func(call int, transcript []Turn) {
			if call != 1 {
				return
			}
			last := transcript[len(transcript)-1]
			sawToolTurn = last.Role == RoleTool && last.ToolCallID == "call-1" && last.Content == "pong"
		},
	}
	inv := &fakeInvoker{}
	loop, sink := newTestLoop(dm, inv, nil)

	out := loop.Run(context.Background(), "q")

	assert.Equal(t, EndedNormally, out.State)
	assert.True(t, sawToolTurn, "second decision must see the tool result turn")
	assert.Equal(t, []string{"ping"}, inv.calls)
	assert.Equal(t, 3, out.Turns)

	types := eventTypes(drain(sink))
	assert.Contains(t, types, events.TypeToolStart)
	assert.Contains(t, types, events.TypeToolComplete)
}

func TestLoopToolErrorFeedsBackAsRetryable(t *testing.T) {
	dm := &scriptedDM{script: []*Decision{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "fetch", Args: map[string]interface{}{}}}},
		{Content: longAnswer},
	}}
	inv := &fakeInvoker{results: map[string]invoker.Result{
		"fetch": {Peer: "toolbox", Tool: "fetch", Err: "validation error: missing field"},
	}}
	loop, sink := newTestLoop(dm, inv, nil)

	out := loop.Run(context.Background(), "q")

	assert.Equal(t, EndedNormally, out.State, "a tool error must not end the session")
	require.GreaterOrEqual(t, len(out.Transcript), 3)
	toolTurn := out.Transcript[2]
	assert.Equal(t, RoleTool, toolTurn.Role)
	assert.Contains(t, toolTurn.Content, "validation error")

	types := eventTypes(drain(sink))
	assert.Contains(t, types, events.TypeToolError)
}

func TestLoopUnknownToolBecomesErrorTurn(t *testing.T) {
	dm := &scriptedDM{script: []*Decision{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "no-such-tool"}}},
		{Content: longAnswer},
	}}
	inv := &fakeInvoker{}
	loop, _ := newTestLoop(dm, inv, nil)

	out := loop.Run(context.Background(), "q")

	assert.Equal(t, EndedNormally, out.State)
	assert.Empty(t, inv.calls, "unknown tools never reach the invoker")
	assert.Contains(t, out.Transcript[2].Content, "unknown tool")
}

func TestLoopDecisionErrorContinues(t *testing.T) {
	dm := &scriptedDM{script: []*Decision{
		nil, // provider error
		{Content: longAnswer},
	}}
	loop, sink := newTestLoop(dm, &fakeInvoker{}, nil)

	out := loop.Run(context.Background(), "q")

	assert.Equal(t, EndedNormally, out.State)
	assert.Equal(t, 2, dm.calls)
	assert.Contains(t, out.Transcript[1].Content, "decision call failed")

	types := eventTypes(drain(sink))
	assert.Contains(t, types, events.TypeError)
}

func TestLoopHardCeilingExactTurnCount(t *testing.T) {
	// A decision-maker that always wants more tool calls is stopped by
	// the fail-safe: with a ceiling of 5 the session is exactly
	// decision, tools, decision, tools, decision.
	dm := &loopingDM{decision: Decision{
		ToolCalls: []ToolCall{{ID: "c", Name: "ping", Args: map[string]interface{}{}}},
	}}
	inv := &fakeInvoker{}
	loop, _ := newTestLoop(dm, inv, nil, WithHardCeiling(5))

	out := loop.Run(context.Background(), "q")

	assert.Equal(t, EndedByCeiling, out.State)
	assert.Equal(t, 5, out.Turns)
	assert.Equal(t, 3, dm.calls)
	assert.Equal(t, []string{"ping", "ping"}, inv.calls)
}

func TestLoopBoundedForAnyDecisionMaker(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
	}{
		{"always tool calls", Decision{ToolCalls: []ToolCall{{ID: "c", Name: "ping", Args: map[string]interface{}{}}}}},
		{"always short text", Decision{Content: "ok"}},
		{"always failure text", Decision{Content: "Error: still broken"}},
		{"always empty", Decision{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm := &loopingDM{decision: tt.decision}
			loop, _ := newTestLoop(dm, &fakeInvoker{}, nil, WithSoftCeiling(10), WithHardCeiling(20))

			out := loop.Run(context.Background(), "q")

			assert.Equal(t, EndedByCeiling, out.State)
			assert.LessOrEqual(t, out.Turns, 20)
		})
	}
}

func TestLoopSoftCeilingEndsShortTextSessions(t *testing.T) {
	dm := &loopingDM{decision: Decision{Content: "ok"}}
	loop, _ := newTestLoop(dm, &fakeInvoker{}, nil, WithSoftCeiling(3), WithHardCeiling(50))

	out := loop.Run(context.Background(), "q")

	assert.Equal(t, EndedByCeiling, out.State)
	assert.Equal(t, 3, dm.calls)
}

func TestLoopAbortBeforeFirstDecision(t *testing.T) {
	var flag atomic.Bool
	flag.Store(true)

	dm := &scriptedDM{script: []*Decision{{Content: longAnswer}}}
	loop, sink := newTestLoop(dm, &fakeInvoker{}, &flag)

	out := loop.Run(context.Background(), "q")

	assert.Equal(t, Aborted, out.State)
	assert.Zero(t, dm.calls, "no decision call after cancellation")
	last := out.Transcript[len(out.Transcript)-1]
	assert.Contains(t, last.Content, "aborted")

	types := eventTypes(drain(sink))
	assert.Contains(t, types, events.TypeToolAbort)
}

func TestLoopAbortBetweenToolCalls(t *testing.T) {
	var flag atomic.Bool

	dm := &scriptedDM{script: []*Decision{{
		ToolCalls: []ToolCall{
			{ID: "c1", Name: "ping", Args: map[string]interface{}{}},
			{ID: "c2", Name: "fetch", Args: map[string]interface{}{}},
		},
	}}}
	inv := &fakeInvoker{}
	inv.onInvoke = func(string) { flag.Store(true) }
	loop, _ := newTestLoop(dm, inv, &flag)

	out := loop.Run(context.Background(), "q")

	assert.Equal(t, Aborted, out.State)
	assert.Equal(t, []string{"ping"}, inv.calls, "remaining calls in the batch are skipped")
}

func TestLoopAbortViaContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dm := &scriptedDM{script: []*Decision{{Content: longAnswer}}}
	loop, _ := newTestLoop(dm, &fakeInvoker{}, nil)

	out := loop.Run(ctx, "q")
	assert.Equal(t, Aborted, out.State)
}

func TestLoopEventSequenceEndsWithComplete(t *testing.T) {
	dm := &scriptedDM{script: []*Decision{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "ping", Args: map[string]interface{}{}}}},
		{Content: longAnswer},
	}}
	loop, sink := newTestLoop(dm, &fakeInvoker{}, nil)

	loop.Run(context.Background(), "q")

	evs := drain(sink)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeStatus, evs[0].Type)
	assert.Equal(t, events.TypeComplete, evs[len(evs)-1].Type)

	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Seq, evs[i-1].Seq, "sequence numbers must increase")
	}
}

func TestLoopQueryReachesDecisionMaker(t *testing.T) {
	var firstTranscript []Turn
	dm := &scriptedDM{
		script: []*Decision{{Content: longAnswer}},
		observe: func(call int, transcript []Turn) {
			if call == 0 {
				firstTranscript = append([]Turn(nil), transcript...)
			}
		},
	}
	loop, _ := newTestLoop(dm, &fakeInvoker{}, nil)

	loop.Run(context.Background(), "monthly apartment prices in Seoul")

	require.Len(t, firstTranscript, 1)
	assert.Equal(t, RoleUser, firstTranscript[0].Role)
	assert.True(t, strings.Contains(firstTranscript[0].Content, "apartment"))
}
