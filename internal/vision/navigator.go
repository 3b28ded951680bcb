package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haricheung/deskpilot/internal/broker"
	"github.com/haricheung/deskpilot/internal/llm"
	"github.com/haricheung/deskpilot/internal/protocol"
)

// Navigation defaults.
const (
	DefaultMaxIterations       = 10
	DefaultIterationTimeout    = 30 * time.Second
	DefaultExchangeTimeout     = 10 * time.Second
	DefaultConfidenceThreshold = 0.6
)

// ConfirmFunc asks the user to approve a critical action. Returning false
// aborts the run.
type ConfirmFunc func(prompt string) bool

// Options tunes a Navigator. DefaultOptions supplies the standard values;
// zero fields in a hand-built Options fall back to them, except
// CriticalKeywords, where nil disables the confirmation gate entirely.
type Options struct {
	MaxIterations       int
	IterationTimeout    time.Duration
	ExchangeTimeout     time.Duration
	ConfidenceThreshold float64
	Clamper             Clamper
	LoopBufferSize      int
	LoopThreshold       int
	// CriticalKeywords trigger the confirmation gate when they appear in
	// the model's reasoning. nil disables the gate.
	CriticalKeywords []string
	// Confirm is the interactive approval channel. nil means unattended:
	// critical actions are denied.
	Confirm ConfirmFunc
	// Audit receives one entry per iteration. nil disables auditing.
	Audit *AuditLog
	// OnActivity fires after each completed iteration so an outer
	// wait-for-status loop can extend its deadline.
	OnActivity func()
	Logger     *slog.Logger
}

// DefaultOptions returns the standard navigation tuning.
func DefaultOptions() Options {
	return Options{
		MaxIterations:       DefaultMaxIterations,
		IterationTimeout:    DefaultIterationTimeout,
		ExchangeTimeout:     DefaultExchangeTimeout,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		Clamper:             NewClamper(0, 0),
		LoopBufferSize:      DefaultLoopBufferSize,
		LoopThreshold:       DefaultLoopThreshold,
		CriticalKeywords:    DefaultCriticalKeywords,
	}
}

// Navigator runs vision loops on the planner side: it pulls screenshots
// from the executor over the broker, asks the vision model for the next
// action, validates the proposal, and sends it back for dispatch.
type Navigator struct {
	bus    broker.Bus
	client llm.Client
	opts   Options
	logger *slog.Logger
}

// NewNavigator wires a Navigator to its broker and vision model.
func NewNavigator(bus broker.Bus, client llm.Client, opts Options) *Navigator {
	def := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.IterationTimeout <= 0 {
		opts.IterationTimeout = def.IterationTimeout
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = def.ExchangeTimeout
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if opts.Clamper.Margin <= 0 || opts.Clamper.Tolerance <= 0 {
		opts.Clamper = NewClamper(opts.Clamper.Margin, opts.Clamper.Tolerance)
	}
	if opts.LoopBufferSize <= 0 {
		opts.LoopBufferSize = def.LoopBufferSize
	}
	if opts.LoopThreshold <= 0 {
		opts.LoopThreshold = def.LoopThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Navigator{bus: bus, client: client, opts: opts, logger: logger}
}

// Run executes one navigation request to its terminal outcome. The caller
// sends the returned NavResponse on visual_nav_response; Run itself never
// writes the terminal message, which keeps it directly testable.
func (n *Navigator) Run(ctx context.Context, req NavRequest) NavResponse {
	task := req.Task
	goal := req.Goal
	if goal == "" {
		goal = task
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = n.opts.MaxIterations
	}
	if req.Mode == ModeLocate {
		maxIter = 1
	}

	hist := NewHistory(n.opts.LoopBufferSize, n.opts.LoopThreshold)
	actionsTaken := 0
	var lastCoords *Point
	var pending *StateResponse
	lastAction := ""

	n.logger.Info("[VISION] run started", "request_id", req.RequestID, "task", task, "max_iterations", maxIter, "mode", req.Mode)

	for iter := 1; iter <= maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return n.fail(req, actionsTaken, protocol.KindCancelled, "navigation cancelled")
		}
		iterCtx, cancel := context.WithTimeout(ctx, n.opts.IterationTimeout)
		resp, done := n.iterate(iterCtx, req, task, goal, iter, hist, &actionsTaken, &lastCoords, &lastAction, &pending)
		cancel()
		if done {
			return resp
		}
		if n.opts.OnActivity != nil {
			n.opts.OnActivity()
		}
	}

	if req.Mode == ModeLocate {
		// The single locate pass ends inside iterate; reaching here means
		// it chose to continue, which for locate is "not found".
		return n.fail(req, actionsTaken, "", "target not located")
	}
	msg := fmt.Sprintf("iteration budget (%d) exhausted", maxIter)
	if lastAction != "" {
		msg += "; last action " + lastAction
	}
	n.logger.Warn("[VISION] "+msg, "request_id", req.RequestID)
	return NavResponse{
		RequestID:        req.RequestID,
		Status:           StatusTimeout,
		ActionsTaken:     actionsTaken,
		FinalCoordinates: lastCoords,
		Error:            msg,
		Reason:           string(protocol.KindIterationLimit),
	}
}

// iterate runs one capture -> analyze -> act pass. It returns done=true
// with the terminal response when the run should stop. pending carries a
// post-action screenshot from the previous iteration; when set it stands in
// for a fresh state request.
func (n *Navigator) iterate(ctx context.Context, req NavRequest, task, goal string, iter int, hist *History, actionsTaken *int, lastCoords **Point, lastAction *string, pending **StateResponse) (NavResponse, bool) {
	state := *pending
	*pending = nil
	if state == nil {
		var err error
		state, err = n.fetchState(ctx, req.RequestID)
		if err != nil {
			n.logger.Error("[VISION] state exchange failed", "request_id", req.RequestID, "iter", iter, "error", err)
			return n.fail(req, *actionsTaken, protocol.KindTimeout, "state exchange: %v", err), true
		}
	}

	result := n.analyze(ctx, req.Mode, task, goal, state, hist)
	entry := AuditEntry{
		RequestID:   req.RequestID,
		Iter:        iter,
		Action:      result.Action,
		Coordinates: result.Coordinates,
		Confidence:  result.Confidence,
		Reasoning:   result.Reasoning,
	}
	n.logger.Debug("[VISION] proposal", "request_id", req.RequestID, "iter", iter,
		"action", result.Action, "confidence", result.Confidence)

	if req.Mode == ModeLocate {
		resp := n.concludeLocate(req, result, state, &entry)
		n.opts.Audit.Record(entry)
		return resp, true
	}

	switch result.Action {
	case ActionComplete:
		entry.Outcome = "complete"
		n.opts.Audit.Record(entry)
		final := result.Coordinates
		if final == nil {
			final = *lastCoords
		}
		n.logger.Info("[VISION] run complete", "request_id", req.RequestID, "iterations", iter, "actions_taken", *actionsTaken)
		return NavResponse{RequestID: req.RequestID, Status: StatusSuccess, ActionsTaken: *actionsTaken, FinalCoordinates: final}, true
	case ActionNoAction:
		entry.Outcome = "no_action"
		n.opts.Audit.Record(entry)
		return NavResponse{}, false // costs an iteration
	}

	if result.Confidence < n.opts.ConfidenceThreshold {
		n.logger.Warn("[VISION] low-confidence proposal", "request_id", req.RequestID,
			"confidence", result.Confidence, "threshold", n.opts.ConfidenceThreshold)
	}

	// Coordinate validation. Type actions may legitimately target the
	// current focus and carry no point.
	var coords *Point
	if result.Coordinates != nil {
		cx, cy, clamped, err := n.opts.Clamper.Validate(
			result.Coordinates.X(), result.Coordinates.Y(),
			state.ScreenWH.X(), state.ScreenWH.Y())
		if err != nil {
			n.logger.Warn("[VISION] rejected unsafe coordinates", "request_id", req.RequestID,
				"coordinates", *result.Coordinates, "error", err)
			entry.Outcome = "rejected_unsafe"
			n.opts.Audit.Record(entry)
			return NavResponse{}, false // costs an iteration
		}
		if clamped {
			result.Confidence *= 0.9
			entry.Clamped = true
			entry.Confidence = result.Confidence
			n.logger.Warn("[VISION] clamped coordinates", "request_id", req.RequestID,
				"from", *result.Coordinates, "to", Point{cx, cy})
		}
		coords = &Point{cx, cy}
	} else if result.Action != ActionType {
		entry.Outcome = "missing_coordinates"
		n.opts.Audit.Record(entry)
		return NavResponse{}, false
	}

	if kws := CriticalKeywords(result.Reasoning, n.opts.CriticalKeywords); len(kws) > 0 {
		entry.Critical = true
		if !n.confirmCritical(req.RequestID, kws, result.Reasoning) {
			entry.Outcome = "critical_denied"
			n.opts.Audit.Record(entry)
			return n.fail(req, *actionsTaken, protocol.KindCriticalDenied,
				"critical action denied (keywords: %s)", strings.Join(kws, ", ")), true
		}
	}

	if coords != nil && hist.DetectLoop(result.Action, coords.X(), coords.Y()) {
		entry.LoopDetected = true
		entry.Outcome = "loop_detected"
		n.opts.Audit.Record(entry)
		n.logger.Warn("[VISION] loop detected", "request_id", req.RequestID,
			"action", result.Action, "coordinates", *coords)
		return n.fail(req, *actionsTaken, protocol.KindLoopDetected,
			"repeated %s near (%d, %d)", result.Action, coords.X(), coords.Y()), true
	}

	actRes, err := n.dispatch(ctx, req.RequestID, result.Action, coords, result.Text, result.RequiresFollowup)
	if err != nil {
		entry.Outcome = "dispatch_timeout"
		n.opts.Audit.Record(entry)
		n.logger.Error("[VISION] action exchange failed", "request_id", req.RequestID, "error", err)
		return n.fail(req, *actionsTaken, protocol.KindTimeout, "action exchange: %v", err), true
	}

	*actionsTaken++
	*lastAction = result.Action
	if coords != nil {
		hist.Record(result.Action, coords.X(), coords.Y())
		*lastCoords = coords
	} else {
		hist.Record(result.Action, actRes.MouseXY.X(), actRes.MouseXY.Y())
	}
	if actRes.FollowupScreenshotB64 != "" {
		*pending = &StateResponse{
			RequestID:     req.RequestID,
			ScreenshotB64: actRes.FollowupScreenshotB64,
			MouseXY:       actRes.MouseXY,
			ScreenWH:      state.ScreenWH,
		}
	}

	if actRes.Status != StatusSuccess {
		entry.Outcome = "action_failed: " + actRes.Error
		n.opts.Audit.Record(entry)
		return NavResponse{}, false // let the next screenshot show the damage
	}
	if result.TaskComplete {
		entry.Outcome = "task_complete"
		n.opts.Audit.Record(entry)
		n.logger.Info("[VISION] run complete", "request_id", req.RequestID, "iterations", iter, "actions_taken", *actionsTaken)
		return NavResponse{RequestID: req.RequestID, Status: StatusSuccess, ActionsTaken: *actionsTaken, FinalCoordinates: coords}, true
	}
	entry.Outcome = "ok"
	n.opts.Audit.Record(entry)
	return NavResponse{}, false
}

// concludeLocate turns the single analysis pass of a locate-mode request
// into a terminal response: found when the model reports the target with
// coordinates at or above the confidence threshold.
func (n *Navigator) concludeLocate(req NavRequest, result NavigationResult, state *StateResponse, entry *AuditEntry) NavResponse {
	if result.Action != ActionComplete || result.Coordinates == nil {
		entry.Outcome = "locate_not_found"
		return n.fail(req, 0, "", "not found: %s", result.Reasoning)
	}
	if result.Confidence < n.opts.ConfidenceThreshold {
		entry.Outcome = "locate_low_confidence"
		return n.fail(req, 0, "", "confidence %.2f below threshold %.2f",
			result.Confidence, n.opts.ConfidenceThreshold)
	}
	cx, cy, _, err := n.opts.Clamper.Validate(
		result.Coordinates.X(), result.Coordinates.Y(),
		state.ScreenWH.X(), state.ScreenWH.Y())
	if err != nil {
		entry.Outcome = "locate_unsafe"
		return n.fail(req, 0, protocol.KindUnsafeCoordinates, "located outside screen: %v", err)
	}
	entry.Outcome = "locate_found"
	final := Point{cx, cy}
	return NavResponse{RequestID: req.RequestID, Status: StatusSuccess, FinalCoordinates: &final}
}

func (n *Navigator) fetchState(ctx context.Context, requestID string) (*StateResponse, error) {
	if err := n.bus.Send(broker.ChannelVisualStateRequest, StateRequest{RequestID: requestID}, requestID); err != nil {
		return nil, err
	}
	msg, err := n.bus.Receive(ctx, broker.ChannelVisualStateResponse, n.opts.ExchangeTimeout, requestID)
	if err != nil {
		return nil, fmt.Errorf("vision: state response: %w", err)
	}
	var state StateResponse
	if err := msg.Decode(&state); err != nil {
		return nil, fmt.Errorf("vision: decode state response: %w", err)
	}
	return &state, nil
}

// analyze asks the vision model for the next action. Failures never abort
// the run; they become no_action results that cost one iteration.
func (n *Navigator) analyze(ctx context.Context, mode, task, goal string, state *StateResponse, hist *History) NavigationResult {
	img, err := base64.StdEncoding.DecodeString(state.ScreenshotB64)
	if err != nil {
		return noAction("undecodable screenshot: " + err.Error())
	}
	system := NavigatorSystemPrompt()
	if mode == ModeLocate {
		system = LocateSystemPrompt()
	}
	user := BuildUserPrompt(task, goal, state.ScreenWH, state.MouseXY, hist)
	raw, _, err := n.client.CompleteVision(ctx, system, user, img)
	if err != nil {
		n.logger.Warn("[VISION] model call failed", "error", err)
		return noAction("vision model call failed: " + err.Error())
	}
	return ParseNavigationResult(raw)
}

func (n *Navigator) dispatch(ctx context.Context, requestID, action string, coords *Point, text string, followup bool) (*ActionResult, error) {
	cmd := ActionCmd{RequestID: requestID, Action: action, Coordinates: coords, Text: text, RequestFollowup: followup}
	if err := n.bus.Send(broker.ChannelVisualActionCmd, cmd, requestID); err != nil {
		return nil, err
	}
	msg, err := n.bus.Receive(ctx, broker.ChannelVisualActionResult, n.opts.ExchangeTimeout, requestID)
	if err != nil {
		return nil, fmt.Errorf("vision: action result: %w", err)
	}
	var res ActionResult
	if err := msg.Decode(&res); err != nil {
		return nil, fmt.Errorf("vision: decode action result: %w", err)
	}
	return &res, nil
}

// confirmCritical asks the user to approve a flagged action. With no
// interactive channel the answer is always no.
func (n *Navigator) confirmCritical(requestID string, keywords []string, reasoning string) bool {
	if n.opts.Confirm == nil {
		n.logger.Warn("[VISION] critical action with no confirmation channel; denying",
			"request_id", requestID, "keywords", keywords)
		return false
	}
	prompt := fmt.Sprintf("Critical keywords [%s] detected in: %s\nProceed?",
		strings.Join(keywords, ", "), reasoning)
	return n.opts.Confirm(prompt)
}

func (n *Navigator) fail(req NavRequest, actionsTaken int, kind protocol.Kind, format string, args ...any) NavResponse {
	return NavResponse{
		RequestID:    req.RequestID,
		Status:       StatusFailed,
		ActionsTaken: actionsTaken,
		Error:        fmt.Sprintf(format, args...),
		Reason:       string(kind),
	}
}
