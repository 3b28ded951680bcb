package protocol

// Status is the terminal (or reported) state of a protocol execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusTimeout Status = "timeout"
)

// ErrorDetails pinpoints the failing action inside a protocol.
// Params holds the post-substitution values the handler actually saw.
type ErrorDetails struct {
	ActionIndex int            `json:"action_index"`
	ActionName  string         `json:"action_name"`
	Params      map[string]any `json:"params,omitempty"`
	Kind        Kind           `json:"kind"`
	Trace       string         `json:"trace,omitempty"`
}

// ExecutionResult is produced by the executor for every consumed protocol
// and travels back to the planner on the status channel.
// ActionsCompleted counts top-level actions only; a macro counts once
// regardless of how many actions its body expands to.
type ExecutionResult struct {
	ProtocolID       string         `json:"protocol_id"`
	Status           Status         `json:"status"`
	ActionsCompleted int            `json:"actions_completed"`
	ActionsTotal     int            `json:"actions_total"`
	DurationMs       int64          `json:"duration_ms"`
	StartedAt        string         `json:"started_at,omitempty"`
	FinishedAt       string         `json:"finished_at,omitempty"`
	Error            string         `json:"error,omitempty"`
	ErrorDetails     *ErrorDetails  `json:"error_details,omitempty"`
	ContextSnapshot  map[string]any `json:"context_snapshot,omitempty"`
}
