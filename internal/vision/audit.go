package vision

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is one JSONL line in the vision audit log: a full account of a
// single navigation iteration.
type AuditEntry struct {
	Timestamp    string  `json:"timestamp"`
	RequestID    string  `json:"request_id"`
	Iter         int     `json:"iter"`
	Action       string  `json:"action"`
	Coordinates  *Point  `json:"coordinates,omitempty"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning,omitempty"`
	Clamped      bool    `json:"clamped,omitempty"`
	LoopDetected bool    `json:"loop_detected,omitempty"`
	Critical     bool    `json:"critical,omitempty"`
	Outcome      string  `json:"outcome"`
}

// AuditLog appends one JSON line per navigation iteration to a file.
//
// Expectations:
//   - All methods are nil-safe (no-op on nil receiver) so the navigator
//     never needs to check whether auditing is enabled
//   - Concurrent writes are safe (mutex-protected)
//   - Write failures are logged, never propagated into the vision loop
type AuditLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenAudit opens (or creates) the audit file for appending, creating
// parent directories as needed.
func OpenAudit(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("vision: create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vision: open audit log: %w", err)
	}
	return &AuditLog{f: f}, nil
}

// Record appends one entry, stamping the timestamp.
func (a *AuditLog) Record(e AuditEntry) {
	if a == nil {
		return
	}
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[VISION] marshal audit entry", "error", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return
	}
	if _, err := fmt.Fprintf(a.f, "%s\n", data); err != nil {
		slog.Error("[VISION] write audit entry", "error", err)
	}
}

// Close flushes and closes the file. Safe on nil.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}
