// Package executor runs validated protocols action by action against the
// registry, owning the execution context, macro expansion, pause/stop
// control, and the result reported back to the planner.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/haricheung/deskpilot/internal/actions"
	"github.com/haricheung/deskpilot/internal/protocol"
)

// State is the executor's lifecycle position, readable from other
// goroutines (signal handlers, status displays).
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Progress event outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeDryRun  = "dry_run"
)

// ProgressEvent describes one completed action attempt.
type ProgressEvent struct {
	Index      int            `json:"index"`
	Name       string         `json:"name"`
	Params     map[string]any `json:"params,omitempty"`
	Outcome    string         `json:"outcome"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// Options tunes an Executor.
type Options struct {
	// DryRun replaces every handler invocation with a logging no-op that
	// still performs variable substitution and inter-action delays.
	DryRun bool
	// DefaultWaitMs applies between actions that set no wait_after_ms.
	DefaultWaitMs int
	// MaxMacroDepth bounds nesting at execution time; zero means
	// protocol.DefaultMaxMacroDepth. The validator enforces the same bound
	// up front.
	MaxMacroDepth int
	// PausePoll is the sleep between pause-flag checks. Zero means 100ms.
	PausePoll time.Duration
	// Progress receives an event after every action attempt. Optional.
	Progress func(ProgressEvent)
	Logger   *slog.Logger
}

// stopPoll is the slice size for interruptible inter-action waits.
const stopPoll = 25 * time.Millisecond

// Executor runs protocols sequentially. Pause, Resume, and Stop are safe to
// call from other goroutines; everything else belongs to the owning one.
type Executor struct {
	registry    *actions.Registry
	dryRun      bool
	defaultWait int
	maxDepth    int
	pausePoll   time.Duration
	progress    func(ProgressEvent)
	logger      *slog.Logger

	state   atomic.Value // State
	paused  atomic.Bool
	stopReq atomic.Bool
}

// New builds an Executor over the given registry.
func New(registry *actions.Registry, opts Options) *Executor {
	maxDepth := opts.MaxMacroDepth
	if maxDepth <= 0 {
		maxDepth = protocol.DefaultMaxMacroDepth
	}
	pausePoll := opts.PausePoll
	if pausePoll <= 0 {
		pausePoll = 100 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		registry:    registry,
		dryRun:      opts.DryRun,
		defaultWait: opts.DefaultWaitMs,
		maxDepth:    maxDepth,
		pausePoll:   pausePoll,
		progress:    opts.Progress,
		logger:      logger,
	}
	e.state.Store(StateIdle)
	return e
}

// State reports the current lifecycle position.
func (e *Executor) State() State {
	return e.state.Load().(State)
}

// Pause suspends execution before the next action. No-op when already paused.
func (e *Executor) Pause() { e.paused.Store(true) }

// Resume clears a pause.
func (e *Executor) Resume() { e.paused.Store(false) }

// Stop requests termination; the running protocol ends with status stopped
// before its next action or mid-wait. Idempotent.
func (e *Executor) Stop() { e.stopReq.Store(true) }

// StopRequested reports whether Stop has been called.
func (e *Executor) StopRequested() bool { return e.stopReq.Load() }

// stepOutcome is a terminal event inside a sequence: a failure or a stop.
// nil means the sequence ran to completion.
type stepOutcome struct {
	stopped bool
	err     error
	details *protocol.ErrorDetails
}

// Execute runs the protocol to a terminal result. Blocking.
//
// Expectations:
//   - p has passed validation; unknown actions still fail cleanly at
//     invocation as belt-and-suspenders.
//   - actions_completed counts top-level actions only; a macro counts once
//     regardless of its body size.
//   - handler outputs merge into the context even when the handler also
//     returns an error, so failure context (last_vision_status and friends)
//     survives into the snapshot.
//   - Stop ends the run with status stopped; a CANCELLED handler error is
//     treated the same way.
func (e *Executor) Execute(ctx context.Context, p *protocol.Protocol, initialVars map[string]any) protocol.ExecutionResult {
	start := time.Now()
	e.state.Store(StateRunning)
	defer e.state.Store(StateIdle)

	scope := NewContext(initialVars)
	res := protocol.ExecutionResult{
		ProtocolID:   p.ID(),
		Status:       protocol.StatusSuccess,
		ActionsTotal: len(p.Actions),
		StartedAt:    start.UTC().Format(time.RFC3339Nano),
	}
	e.logger.Info("[EXECUTOR] protocol started",
		"protocol_id", res.ProtocolID, "actions", len(p.Actions), "dry_run", e.dryRun)

	completed := 0
	outcome := e.runSequence(ctx, p, p.Actions, scope, 1, &completed)
	res.ActionsCompleted = completed

	switch {
	case outcome == nil:
		res.Status = protocol.StatusSuccess
	case outcome.stopped:
		res.Status = protocol.StatusStopped
		if outcome.err != nil {
			res.Error = outcome.err.Error()
		}
	default:
		res.Status = protocol.StatusFailed
		res.Error = outcome.err.Error()
		res.ErrorDetails = outcome.details
	}

	res.ContextSnapshot = scope.Snapshot()
	finish := time.Now()
	res.DurationMs = finish.Sub(start).Milliseconds()
	res.FinishedAt = finish.UTC().Format(time.RFC3339Nano)
	e.logger.Info("[EXECUTOR] protocol finished",
		"protocol_id", res.ProtocolID, "status", res.Status,
		"completed", res.ActionsCompleted, "total", res.ActionsTotal,
		"duration_ms", res.DurationMs)
	return res
}

// runSequence executes one ordered action list. counter is incremented per
// completed action at the top level and is nil inside macro bodies.
func (e *Executor) runSequence(ctx context.Context, p *protocol.Protocol, acts []protocol.Action, scope *Context, depth int, counter *int) *stepOutcome {
	for i, act := range acts {
		if e.stopReq.Load() || ctx.Err() != nil {
			return &stepOutcome{stopped: true}
		}
		if out := e.awaitResume(ctx); out != nil {
			return out
		}

		var out *stepOutcome
		if act.Name == protocol.ActionMacro {
			out = e.runMacro(ctx, p, i, act, scope, depth)
		} else {
			out = e.runAction(ctx, i, act, scope)
		}
		if out != nil {
			return out
		}
		if counter != nil {
			*counter++
		}

		if out := e.waitAfter(ctx, act); out != nil {
			return out
		}
	}
	return nil
}

// awaitResume blocks while paused. Stop or context cancellation breaks the
// pause and ends the run.
func (e *Executor) awaitResume(ctx context.Context) *stepOutcome {
	if !e.paused.Load() {
		return nil
	}
	e.state.Store(StatePaused)
	defer e.state.Store(StateRunning)
	e.logger.Info("[EXECUTOR] paused")
	for e.paused.Load() {
		if e.stopReq.Load() || ctx.Err() != nil {
			return &stepOutcome{stopped: true}
		}
		time.Sleep(e.pausePoll)
	}
	e.logger.Info("[EXECUTOR] resumed")
	return nil
}

func (e *Executor) runAction(ctx context.Context, index int, act protocol.Action, scope *Context) *stepOutcome {
	started := time.Now()
	subst, err := SubstituteParams(act.Params, scope)
	if err != nil {
		e.emit(index, act.Name, act.Params, OutcomeFailed, started, err)
		return failure(index, act.Name, act.Params, err)
	}
	if e.dryRun {
		e.logger.Info("[EXECUTOR] dry run", "index", index, "action", act.Name, "params", subst)
		e.emit(index, act.Name, subst, OutcomeDryRun, started, nil)
		return nil
	}

	out, err := e.registry.Invoke(ctx, act.Name, actions.Params(subst))
	for k, v := range out {
		scope.Set(k, v)
	}
	if err != nil {
		e.emit(index, act.Name, subst, OutcomeFailed, started, err)
		if protocol.KindOf(err) == protocol.KindCancelled {
			return &stepOutcome{stopped: true, err: err}
		}
		return failure(index, act.Name, subst, err)
	}
	e.emit(index, act.Name, subst, OutcomeSuccess, started, nil)
	return nil
}

// runMacro expands one macro invocation: vars substitute against the current
// scope, then shadow it for the body. A failure inside the body is reported
// against this invocation's index with the inner action's name and params.
func (e *Executor) runMacro(ctx context.Context, p *protocol.Protocol, index int, act protocol.Action, scope *Context, depth int) *stepOutcome {
	started := time.Now()
	name, vars, ok := act.MacroParams()
	if !ok {
		err := protocol.NewError(protocol.KindUnresolvedMacro, "macro invocation requires params.name")
		e.emit(index, act.Name, act.Params, OutcomeFailed, started, err)
		return failure(index, act.Name, act.Params, err)
	}
	body, exists := p.Macros[name]
	if !exists {
		err := protocol.NewError(protocol.KindUnresolvedMacro, "macro %q is not defined", name)
		e.emit(index, act.Name, act.Params, OutcomeFailed, started, err)
		return failure(index, act.Name, act.Params, err)
	}
	if depth > e.maxDepth {
		err := protocol.NewError(protocol.KindCyclicMacro, "macro %q nests deeper than %d levels", name, e.maxDepth)
		e.emit(index, act.Name, act.Params, OutcomeFailed, started, err)
		return failure(index, act.Name, act.Params, err)
	}
	substVars, err := SubstituteParams(vars, scope)
	if err != nil {
		e.emit(index, act.Name, act.Params, OutcomeFailed, started, err)
		return failure(index, act.Name, act.Params, err)
	}

	if e.dryRun {
		e.logger.Info("[EXECUTOR] dry run macro", "index", index, "macro", name, "vars", substVars)
	}
	scope.Push(substVars)
	out := e.runSequence(ctx, p, body, scope, depth+1, nil)
	scope.Pop()

	display := map[string]any{"name": name}
	if len(substVars) > 0 {
		display["vars"] = substVars
	}
	if out != nil {
		if out.stopped {
			return out
		}
		if out.details != nil {
			out.err = fmt.Errorf("macro %q: %w", name, out.err)
			out.details.ActionIndex = index
			out.details.Trace = out.err.Error()
		}
		e.emit(index, act.Name, display, OutcomeFailed, started, out.err)
		return out
	}
	e.emit(index, act.Name, display, OutcomeSuccess, started, nil)
	return nil
}

// waitAfter sleeps the action's wait_after_ms (or the configured default),
// in short slices so a stop request interrupts promptly.
func (e *Executor) waitAfter(ctx context.Context, act protocol.Action) *stepOutcome {
	ms := act.WaitAfterMs
	if ms == 0 {
		ms = int64(e.defaultWait)
	}
	if ms <= 0 {
		return nil
	}
	deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)
	for {
		if e.stopReq.Load() {
			return &stepOutcome{stopped: true}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		slice := stopPoll
		if remaining < slice {
			slice = remaining
		}
		select {
		case <-ctx.Done():
			return &stepOutcome{stopped: true}
		case <-time.After(slice):
		}
	}
}

func (e *Executor) emit(index int, name string, params map[string]any, outcome string, started time.Time, err error) {
	ev := ProgressEvent{
		Index:      index,
		Name:       name,
		Params:     params,
		Outcome:    outcome,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
		e.logger.Warn("[EXECUTOR] action failed", "index", index, "action", name, "error", err)
	} else {
		e.logger.Debug("[EXECUTOR] action done",
			"index", index, "action", name, "outcome", outcome, "duration_ms", ev.DurationMs)
	}
	if e.progress != nil {
		e.progress(ev)
	}
}

func failure(index int, name string, params map[string]any, err error) *stepOutcome {
	kind := protocol.KindOf(err)
	if kind == "" {
		kind = protocol.KindDriverFailure
	}
	return &stepOutcome{
		err: err,
		details: &protocol.ErrorDetails{
			ActionIndex: index,
			ActionName:  name,
			Params:      params,
			Kind:        kind,
			Trace:       err.Error(),
		},
	}
}
