package vision

import (
	"strings"

	"github.com/haricheung/deskpilot/internal/llm"
)

// ParseNavigationResult decodes the vision model's reply into a
// NavigationResult. Code fences, think blocks, comments, and trailing
// commas are tolerated. A reply that cannot be parsed becomes a no_action
// result with confidence 0 and a diagnostic reasoning, so one bad reply
// costs an iteration instead of the whole run.
func ParseNavigationResult(raw string) NavigationResult {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return noAction("vision model returned an empty response")
	}

	var result NavigationResult
	if err := llm.UnmarshalLoose(trimmed, &result); err != nil {
		return noAction("unparseable vision response: " + llm.StripFences(headLine(trimmed)))
	}

	result.Action = strings.ToLower(strings.TrimSpace(result.Action))
	if result.Action == "" {
		result.Action = ActionNoAction
	}
	switch {
	case result.Confidence < 0:
		result.Confidence = 0
	case result.Confidence > 1:
		result.Confidence = 1
	}
	return result
}

func noAction(reason string) NavigationResult {
	return NavigationResult{Action: ActionNoAction, Confidence: 0, Reasoning: reason}
}

func headLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	if len(line) > 120 {
		line = line[:120]
	}
	return line
}
