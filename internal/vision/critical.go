package vision

import "strings"

// DefaultCriticalKeywords flag reasoning that mentions destructive intent.
// Matching is lowercased substring search, so "deleting" and "Delete" both
// hit "delete".
var DefaultCriticalKeywords = []string{
	"delete", "format", "shutdown", "remove", "erase", "destroy", "wipe", "reset",
}

// CriticalKeywords returns the keywords found in reasoning, in keyword-list
// order. An empty return means the action needs no confirmation.
func CriticalKeywords(reasoning string, keywords []string) []string {
	if reasoning == "" {
		return nil
	}
	lowered := strings.ToLower(reasoning)
	var found []string
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(kw)) {
			found = append(found, kw)
		}
	}
	return found
}
