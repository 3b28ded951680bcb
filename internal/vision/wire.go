// Package vision implements the screenshot -> LLM -> action feedback loop
// behind visual_navigate, plus the wire types both processes exchange for
// it. The planner runs the Navigator; the executor answers its state and
// action messages.
package vision

// Terminal statuses for a navigation run.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// Actions the vision model may propose. Click variants and type are
// dispatched to the executor; complete and no_action never leave the
// planner.
const (
	ActionClick       = "click"
	ActionDoubleClick = "double_click"
	ActionRightClick  = "right_click"
	ActionType        = "type"
	ActionComplete    = "complete"
	ActionNoAction    = "no_action"
)

// Request modes. ModeLocate runs a single analysis pass with no action
// dispatch; verify_* and find_element handlers use it to reuse the
// screenshot pipeline.
const (
	ModeNavigate = ""
	ModeLocate   = "locate"
)

// Point is an [x, y] screen coordinate, serialized as a two-element array.
type Point [2]int

// X returns the horizontal component.
func (p Point) X() int { return p[0] }

// Y returns the vertical component.
func (p Point) Y() int { return p[1] }

// NavRequest starts a vision run. Sent by the executor on
// visual_nav_request when a visual_navigate action begins.
type NavRequest struct {
	RequestID     string `json:"request_id"`
	Task          string `json:"task"`
	Goal          string `json:"goal,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Mode          string `json:"mode,omitempty"`
}

// NavResponse is the terminal outcome. Sent by the planner on
// visual_nav_response to conclude the outer visual_navigate action.
type NavResponse struct {
	RequestID        string `json:"request_id"`
	Status           string `json:"status"`
	ActionsTaken     int    `json:"actions_taken"`
	FinalCoordinates *Point `json:"final_coordinates,omitempty"`
	Error            string `json:"error,omitempty"`
	// Reason carries the error kind for terminal failures (LOOP_DETECTED,
	// ITERATION_LIMIT, CRITICAL_DENIED, TIMEOUT, ...).
	Reason string `json:"reason,omitempty"`
}

// StateRequest asks the executor for a screenshot and mouse state.
type StateRequest struct {
	RequestID string `json:"request_id"`
}

// StateResponse is the executor's capture reply.
type StateResponse struct {
	RequestID     string `json:"request_id"`
	ScreenshotB64 string `json:"screenshot_b64"`
	MouseXY       Point  `json:"mouse_xy"`
	ScreenWH      Point  `json:"screen_wh"`
}

// ActionCmd tells the executor to perform one proposed action.
type ActionCmd struct {
	RequestID   string `json:"request_id"`
	Action      string `json:"action"`
	Coordinates *Point `json:"coordinates,omitempty"`
	Text        string `json:"text,omitempty"`
	// RequestFollowup asks for a post-action screenshot in the result.
	RequestFollowup bool `json:"request_followup,omitempty"`
}

// ActionResult is the executor's dispatch reply.
type ActionResult struct {
	RequestID             string `json:"request_id"`
	Status                string `json:"status"`
	Error                 string `json:"error,omitempty"`
	FollowupScreenshotB64 string `json:"followup_screenshot_b64,omitempty"`
	MouseXY               Point  `json:"mouse_xy"`
}

// NavigationResult is the JSON object the vision model must produce each
// iteration.
type NavigationResult struct {
	Action      string  `json:"action"`
	Coordinates *Point  `json:"coordinates,omitempty"`
	Text        string  `json:"text_to_type,omitempty"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning,omitempty"`
	// TaskComplete marks the proposed action as the final one: when it
	// succeeds the run concludes without another analysis pass.
	TaskComplete bool `json:"task_complete,omitempty"`
	// RequiresFollowup asks for a post-action screenshot; the next
	// iteration analyzes it instead of requesting a fresh capture.
	RequiresFollowup bool `json:"requires_followup,omitempty"`
}
