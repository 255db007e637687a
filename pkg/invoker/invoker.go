// Package invoker turns peer tool calls into plain results. Every
// failure mode — validation, transport, peer-reported, suspicious
// output — comes back as a Result value so callers can feed it to a
// decision-maker instead of unwinding.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/hyunwoo/reportd/internal/metrics"
	"github.com/hyunwoo/reportd/pkg/peer"
)

// Result is the normalized outcome of one tool invocation.
type Result struct {
	Peer     string        `json:"peer"`
	Tool     string        `json:"tool"`
	Text     string        `json:"text,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the invocation produced an error of any kind.
func (r Result) Failed() bool { return r.Err != "" }

// Output is the text to hand back to the decision-maker: the error
// message when the call failed, the tool output otherwise.
func (r Result) Output() string {
	if r.Failed() {
		return r.Err
	}
	return r.Text
}

// Invoker resolves tool names against a supervisor's peers and executes
// tools/call requests.
type Invoker struct {
	sup    *peer.Supervisor
	logger zerolog.Logger
	met    *metrics.Metrics
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithMetrics attaches daemon metrics for per-tool counters and
// latency histograms.
func WithMetrics(met *metrics.Metrics) Option {
	return func(inv *Invoker) { inv.met = met }
}

// New creates an Invoker backed by sup.
func New(sup *peer.Supervisor, logger zerolog.Logger, opts ...Option) *Invoker {
	inv := &Invoker{sup: sup, logger: logger}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// record counts one finished invocation. Cancelled calls never reach
// it; they are aborts, not tool outcomes.
func (inv *Invoker) record(res Result) {
	if inv.met == nil {
		return
	}
	status := "ok"
	if res.Failed() {
		status = "error"
	}
	inv.met.ToolInvocationsTotal.WithLabelValues(res.Peer, res.Tool, status).Inc()
	inv.met.ToolInvocationDuration.WithLabelValues(res.Peer, res.Tool).Observe(res.Duration.Seconds())
}

// Invoke runs one tool on one peer. The returned Result always
// describes what happened; the error return is reserved for context
// cancellation, which the caller treats as an abort rather than a tool
// failure.
func (inv *Invoker) Invoke(ctx context.Context, peerName, toolName string, args map[string]interface{}) (Result, error) {
	start := time.Now()
	res := Result{Peer: peerName, Tool: toolName}

	fail := func(format string, a ...interface{}) (Result, error) {
		res.Err = fmt.Sprintf(format, a...)
		res.Duration = time.Since(start)
		inv.record(res)
		inv.logger.Warn().Str("peer", peerName).Str("tool", toolName).Str("error", res.Err).Msg("Tool invocation failed")
		return res, nil
	}

	desc, ok := inv.sup.Tool(peerName, toolName)
	if !ok {
		// Not cached yet; refresh the list once before giving up.
		if _, err := inv.sup.ListTools(ctx, peerName); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return fail("peer %s is unavailable: %v", peerName, err)
		}
		desc, ok = inv.sup.Tool(peerName, toolName)
		if !ok {
			return fail("peer %s has no tool named %s", peerName, toolName)
		}
	}

	if msg := validateArgs(desc, args); msg != "" {
		return fail("validation error for %s: %s", toolName, msg)
	}

	params := map[string]interface{}{
		"name":      toolName,
		"arguments": args,
	}
	resp, err := inv.sup.Call(ctx, peerName, "tools/call", params)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return fail("tool call %s failed: %v", toolName, err)
	}
	if resp.Error != nil {
		return fail("%s", resp.Error.Message)
	}

	text, isError := flattenContent(resp.Result)
	res.Duration = time.Since(start)

	switch {
	case isError:
		res.Err = text
	case ScanForFailure(text):
		// The peer said success but the text reads like a failure
		// report; surface it as one.
		res.Err = text
	default:
		res.Text = text
	}

	inv.record(res)
	if res.Failed() {
		inv.logger.Warn().Str("peer", peerName).Str("tool", toolName).Dur("duration", res.Duration).Msg("Tool reported an error")
	} else {
		inv.logger.Debug().Str("peer", peerName).Str("tool", toolName).Dur("duration", res.Duration).Msg("Tool invocation complete")
	}
	return res, nil
}

// validateArgs checks args against the tool's input schema. An empty
// return means valid; tools without a schema accept anything.
func validateArgs(desc peer.ToolDescriptor, args map[string]interface{}) string {
	if len(desc.InputSchema) == 0 {
		return ""
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(desc.InputSchema))
	if err != nil {
		// An unusable schema is the peer's defect, not the caller's.
		return ""
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err.Error()
	}
	if result.Valid() {
		return ""
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}

// flattenContent extracts the text of an MCP tools/call result: the
// first text block wins, and anything unrecognized is stringified so
// the decision-maker always gets something to read.
func flattenContent(raw json.RawMessage) (text string, isError bool) {
	if len(raw) == 0 {
		return "", false
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Content) == 0 {
		return string(raw), false
	}

	for _, block := range result.Content {
		if block.Type == "text" || block.Text != "" {
			return block.Text, result.IsError
		}
	}
	return string(raw), result.IsError
}
