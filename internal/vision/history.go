package vision

import (
	"fmt"
	"math"
	"strings"
)

// Loop detection defaults.
const (
	DefaultLoopBufferSize = 10
	DefaultLoopThreshold  = 3 // identical actions in a row that count as a loop
	loopDistancePx        = 5.0
)

type historyEntry struct {
	Action string
	X, Y   int
}

// History is a ring of the most recent executed (action, coordinates)
// pairs. The navigator consults it before dispatching so a model stuck on
// the same click is cut off, and summarizes it in prompts to discourage
// repetition.
type History struct {
	entries   []historyEntry
	size      int
	threshold int
}

// NewHistory returns a ring holding size entries that declares a loop after
// threshold near-identical actions. Non-positive arguments take defaults.
func NewHistory(size, threshold int) *History {
	if size <= 0 {
		size = DefaultLoopBufferSize
	}
	if threshold <= 0 {
		threshold = DefaultLoopThreshold
	}
	return &History{size: size, threshold: threshold}
}

// Record appends an executed action, evicting the oldest entry when full.
func (h *History) Record(action string, x, y int) {
	h.entries = append(h.entries, historyEntry{Action: action, X: x, Y: y})
	if len(h.entries) > h.size {
		h.entries = h.entries[1:]
	}
}

// Reset clears the ring. Each navigation run starts fresh.
func (h *History) Reset() {
	h.entries = h.entries[:0]
}

// DetectLoop reports whether executing (action, x, y) would make the last
// threshold actions identical in name with every pair of coordinates within
// loopDistancePx of each other.
func (h *History) DetectLoop(action string, x, y int) bool {
	need := h.threshold - 1
	if need < 1 || len(h.entries) < need {
		return false
	}
	window := append([]historyEntry{}, h.entries[len(h.entries)-need:]...)
	window = append(window, historyEntry{Action: action, X: x, Y: y})
	for _, e := range window {
		if e.Action != action {
			return false
		}
	}
	for i := 0; i < len(window); i++ {
		for j := i + 1; j < len(window); j++ {
			dx := float64(window[i].X - window[j].X)
			dy := float64(window[i].Y - window[j].Y)
			if math.Hypot(dx, dy) > loopDistancePx {
				return false
			}
		}
	}
	return true
}

// Summary renders up to n recent entries for the vision prompt, oldest
// first.
func (h *History) Summary(n int) string {
	if len(h.entries) == 0 {
		return "none"
	}
	start := 0
	if len(h.entries) > n {
		start = len(h.entries) - n
	}
	var parts []string
	for _, e := range h.entries[start:] {
		parts = append(parts, fmt.Sprintf("%s(%d,%d)", e.Action, e.X, e.Y))
	}
	return strings.Join(parts, ", ")
}

// Len returns the number of recorded entries.
func (h *History) Len() int { return len(h.entries) }
