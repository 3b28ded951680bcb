package planner

import (
	"context"
	"fmt"

	"github.com/haricheung/deskpilot/internal/llm"
	"github.com/haricheung/deskpilot/internal/protocol"
)

const intentPrompt = `You are the intent parser of a desktop automation assistant. Classify one user command into a structured intent.

Rules:
- "action" is the primary verb, snake_case (open_app, type_text, search_web, navigate_ui, compose_email, ...).
- "target" is what the action applies to (an application, a file, a URL, a UI element). Empty string if none.
- "params" carries everything else the command specifies (text to type, search terms, coordinates).
- "confidence" is your certainty the parse reflects the user's meaning, 0.0-1.0. Be honest: vague commands get low confidence.
- A "Recent session" block, when present, lists earlier commands and their outcomes; resolve follow-ups ("close it", "again", "undo that") against it.

Output ONLY a JSON object (no wrapper, no markdown, no prose):
{
  "action": "<verb>",
  "target": "<object>",
  "params": {},
  "confidence": 0.9
}`

// CommandIntent is the structured reading of one user command.
type CommandIntent struct {
	Action     string         `json:"action"`
	Target     string         `json:"target"`
	Params     map[string]any `json:"params,omitempty"`
	Confidence float64        `json:"confidence"`
}

// ParseIntent classifies command into a CommandIntent via the planner model.
// session carries recent turns so follow-up commands resolve against what
// the user just did; empty means a fresh session.
func ParseIntent(ctx context.Context, client llm.Client, command, session string) (CommandIntent, error) {
	user := command
	if session != "" {
		user = fmt.Sprintf("Recent session:\n%s\nCommand: %s", session, command)
	}
	raw, _, err := client.Complete(ctx, intentPrompt, user)
	if err != nil {
		return CommandIntent{}, protocol.WrapError(protocol.KindExternalCallFailure, err, "intent parse")
	}

	var intent CommandIntent
	if err := llm.UnmarshalLoose(raw, &intent); err != nil {
		return CommandIntent{}, fmt.Errorf("parse CommandIntent: %w (raw: %s)", err, llm.StripFences(raw))
	}
	if intent.Action == "" {
		return CommandIntent{}, fmt.Errorf("intent parse returned no action (raw: %s)", llm.StripFences(raw))
	}
	if intent.Confidence < 0 {
		intent.Confidence = 0
	}
	if intent.Confidence > 1 {
		intent.Confidence = 1
	}
	return intent, nil
}
