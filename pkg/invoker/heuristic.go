package invoker

import "strings"

// failureTokens are the substrings that mark a text as reporting a
// failure. Matching is case-insensitive. "validation error" is implied
// by "error" but kept explicit so the list reads as the policy it is.
var failureTokens = []string{
	"error",
	"failed",
	"failure",
	"validation error",
	"exception",
	"traceback",
}

// ScanForFailure reports whether text reads as a failure report. This
// is the single place the failure heuristic lives; both tool results
// and decision-maker text go through it.
func ScanForFailure(text string) bool {
	lowered := strings.ToLower(text)
	for _, token := range failureTokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}
