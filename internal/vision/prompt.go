package vision

import (
	"fmt"
	"strings"
)

const navigatorSystemPrompt = `You are a desktop navigation assistant. Your mission is to look at a screenshot and decide the single next input action that moves the task forward.

Skills:
- Locate buttons, fields, menus, and links in screenshots precisely
- Judge whether the task's goal state is already visible
- Propose exactly one action per reply

Output rules:
- Output ONLY a valid JSON object with this schema:
  {"action":"click|double_click|right_click|type|complete|no_action","coordinates":[x,y],"text_to_type":"...","confidence":0.0,"reasoning":"..."}
- "coordinates" is the exact pixel to act on; required for click actions, omitted otherwise
- "text_to_type" is required only for the type action
- Use "complete" when the goal state is already visible; no coordinates needed
- Set "task_complete": true on an action that will finish the task by itself
- Set "requires_followup": true when you need to see the screen after the action to judge progress
- Use "no_action" when the screen shows no way forward
- "confidence" is your certainty from 0.0 to 1.0
- Do not repeat an action from the recent-history list; pick a different approach instead
- No markdown, no prose, no code fences.`

// NavigatorSystemPrompt returns the system prompt for navigation analysis.
func NavigatorSystemPrompt() string { return navigatorSystemPrompt }

const locateSystemPrompt = `You are a desktop verification assistant. Your mission is to look at a screenshot and report whether the described element or state is present.

Output rules:
- Output ONLY a valid JSON object with this schema:
  {"action":"complete|no_action","coordinates":[x,y],"confidence":0.0,"reasoning":"..."}
- Use "complete" with the element's center coordinates when the target is found
- Use "no_action" when it is not visible
- "confidence" is your certainty from 0.0 to 1.0
- No markdown, no prose, no code fences.`

// LocateSystemPrompt returns the system prompt for single-pass verification.
func LocateSystemPrompt() string { return locateSystemPrompt }

// BuildUserPrompt assembles the per-iteration user message: the task, the
// goal when it differs, screen geometry, mouse position, and a short action
// history so the model avoids repeating itself.
func BuildUserPrompt(task, goal string, screen, mouse Point, hist *History) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task)
	if goal != "" && goal != task {
		fmt.Fprintf(&b, "Goal state: %s\n", goal)
	}
	fmt.Fprintf(&b, "Screen: %dx%d\n", screen.X(), screen.Y())
	fmt.Fprintf(&b, "Mouse: (%d, %d)\n", mouse.X(), mouse.Y())
	if hist != nil {
		fmt.Fprintf(&b, "Recent actions: %s\n", hist.Summary(5))
	}
	b.WriteString("What is the single next action?")
	return b.String()
}
