package planner

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/deskpilot/internal/protocol"
)

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
)

const lineWidth = 72

var statusIcon = map[protocol.Status]string{
	protocol.StatusSuccess: ansiGreen + "✅",
	protocol.StatusFailed:  ansiRed + "❌",
	protocol.StatusStopped: ansiYellow + "⏹",
	protocol.StatusPaused:  ansiYellow + "⏸",
	protocol.StatusTimeout: ansiRed + "⏱",
}

// Display renders protocols, validation findings, and execution results to
// the planner terminal.
type Display struct {
	w io.Writer
}

// NewDisplay writes to w (the planner's stdout in production).
func NewDisplay(w io.Writer) *Display {
	return &Display{w: w}
}

// Protocol renders a preview of p before it is submitted. cached marks a
// protocol recalled from the store rather than freshly generated.
func (d *Display) Protocol(p *protocol.Protocol, cached bool) {
	title := clipWidth("protocol: "+p.Metadata.Description, lineWidth-12)
	if cached {
		title += " (cached)"
	}
	head := "🤖 " + title
	fmt.Fprintf(d.w, "\n%s┌─── %s %s%s\n",
		ansiDim, head, frameFill(runewidth.StringWidth(head)+6), ansiReset)

	vision := "no"
	if p.Metadata.UsesVision {
		vision = "yes"
	}
	complexity := p.Metadata.Complexity
	if complexity == "" {
		complexity = "?"
	}
	fmt.Fprintf(d.w, "%s│%s  complexity: %s   vision: %s   actions: %d\n",
		ansiDim, ansiReset, complexity, vision, len(p.Actions))

	for _, name := range macroNames(p) {
		fmt.Fprintf(d.w, "%s│%s  %smacro %s (%d actions)%s\n",
			ansiDim, ansiReset, ansiDim, name, len(p.Macros[name]), ansiReset)
	}

	for i, act := range p.Actions {
		fmt.Fprintf(d.w, "%s│%s  %2d. %s%-18s%s %s%s\n",
			ansiDim, ansiReset, i+1, ansiCyan, act.Name, ansiReset,
			clipWidth(renderParams(act.Params), lineWidth-28), waitSuffix(act.WaitAfterMs))
	}
	fmt.Fprintf(d.w, "%s└%s%s\n", ansiDim, strings.Repeat("─", lineWidth-1), ansiReset)
}

// Issues prints validation warnings.
func (d *Display) Issues(issues []protocol.Issue) {
	for _, iss := range issues {
		fmt.Fprintf(d.w, "%s⚠ %s%s\n", ansiYellow, iss.String(), ansiReset)
	}
}

// Result renders an execution result summary: status, progress, duration,
// and on failure the failing action and kind.
func (d *Display) Result(res protocol.ExecutionResult) {
	icon := statusIcon[res.Status]
	if icon == "" {
		icon = ansiDim + "•"
	}
	dur := time.Duration(res.DurationMs) * time.Millisecond
	fmt.Fprintf(d.w, "%s %s%s — %d/%d actions in %v\n",
		icon, res.Status, ansiReset, res.ActionsCompleted, res.ActionsTotal, dur.Round(time.Millisecond))

	if res.Status != protocol.StatusSuccess && res.ErrorDetails != nil {
		det := res.ErrorDetails
		where := fmt.Sprintf("action %d", det.ActionIndex)
		if det.ActionIndex < 0 {
			where = "rejected on receipt"
		}
		if det.ActionName != "" {
			where += fmt.Sprintf(" (%s)", det.ActionName)
		}
		fmt.Fprintf(d.w, "   %s%s: %s%s%s — %s\n",
			ansiDim, where, ansiRed, det.Kind, ansiReset, clipWidth(det.Trace, lineWidth))
	} else if res.Status != protocol.StatusSuccess && res.Error != "" {
		fmt.Fprintf(d.w, "   %s%s%s\n", ansiRed, clipWidth(res.Error, lineWidth), ansiReset)
	}

	if vs, ok := res.ContextSnapshot["last_vision_status"]; ok {
		fmt.Fprintf(d.w, "   %svision: %v%s\n", ansiDim, vs, ansiReset)
	}
}

// Warn prints a yellow advisory line.
func (d *Display) Warn(format string, args ...any) {
	fmt.Fprintf(d.w, "%s⚠ %s%s\n", ansiYellow, fmt.Sprintf(format, args...), ansiReset)
}

// Error prints a red failure line.
func (d *Display) Error(format string, args ...any) {
	fmt.Fprintf(d.w, "%s✗ %s%s\n", ansiRed, fmt.Sprintf(format, args...), ansiReset)
}

// Info prints a plain line.
func (d *Display) Info(format string, args ...any) {
	fmt.Fprintf(d.w, format+"\n", args...)
}

// renderParams compacts params to a single JSON-ish line, most significant
// keys first. Empty params render as "".
func renderParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	b, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%v", params)
	}
	return string(b)
}

func waitSuffix(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return fmt.Sprintf("%s⏱ %dms%s", ansiDim, ms, ansiReset)
}

// clipWidth truncates s to at most w display cells, appending "…" when
// trimmed. Cell-based so CJK text does not blow out the frame.
func clipWidth(s string, w int) string {
	return runewidth.Truncate(s, w, "…")
}

func frameFill(used int) string {
	n := lineWidth - used
	if n < 3 {
		n = 3
	}
	return strings.Repeat("─", n)
}

func macroNames(p *protocol.Protocol) []string {
	if len(p.Macros) == 0 {
		return nil
	}
	names := make([]string, 0, len(p.Macros))
	for name := range p.Macros {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
