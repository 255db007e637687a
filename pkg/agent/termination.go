package agent

import (
	"strings"

	"github.com/hyunwoo/reportd/pkg/invoker"
)

const (
	// MinAnswerLen is the shortest assistant text accepted as a final
	// answer.
	MinAnswerLen = 50

	// MinDocumentLen is the shortest text accepted as a complete
	// structured document.
	MinDocumentLen = 200

	// DefaultSoftCeiling bounds decision turns via the content policy.
	DefaultSoftCeiling = 50

	// DefaultHardCeiling bounds total turns regardless of content.
	DefaultHardCeiling = 50
)

type verdict int

const (
	verdictRunTools verdict = iota
	verdictContinue
	verdictEnd
	verdictEndByCeiling
)

// nextStep applies the transition policy to one finished decision turn.
// The rules are ordered; the first match wins.
func nextStep(d *Decision, iteration, softCeiling int) verdict {
	if len(d.ToolCalls) > 0 {
		return verdictRunTools
	}

	text := d.Content
	hasFailure := invoker.ScanForFailure(text)

	if hasFailure {
		return verdictContinue
	}
	if len(text) > MinAnswerLen {
		return verdictEnd
	}
	if iteration >= softCeiling {
		return verdictEndByCeiling
	}
	if isCompleteDocument(text) {
		return verdictEnd
	}
	return verdictContinue
}

var documentMarkers = []string{"<!doctype", "<html", "<head", "<body"}

// isCompleteDocument reports whether text reads as a finished HTML
// document rather than a fragment or commentary.
func isCompleteDocument(text string) bool {
	if len(text) <= MinDocumentLen {
		return false
	}
	lowered := strings.ToLower(text)
	opened := false
	for _, marker := range documentMarkers {
		if strings.Contains(lowered, marker) {
			opened = true
			break
		}
	}
	return opened && strings.Contains(lowered, "</html>")
}
