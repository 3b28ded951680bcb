package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/deskpilot/internal/actions"
	"github.com/haricheung/deskpilot/internal/driver"
	"github.com/haricheung/deskpilot/internal/driver/drivertest"
	"github.com/haricheung/deskpilot/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func actionsRegistry(rec *drivertest.Recorder) *actions.Registry {
	r := actions.NewRegistry(quietLogger())
	r.Inject(actions.Deps{
		Driver: rec,
		Mouse:  driver.NewMouseController(rec),
		Vision: actions.DefaultVisionSettings(),
		Logger: quietLogger(),
	})
	return r
}

func newTestExecutor(rec *drivertest.Recorder, opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return New(actionsRegistry(rec), opts)
}

func proto(acts ...protocol.Action) *protocol.Protocol {
	return &protocol.Protocol{
		Version:  protocol.Version,
		Metadata: protocol.Metadata{Description: "test protocol"},
		Actions:  acts,
	}
}

func TestExecute_SmokeProtocol(t *testing.T) {
	// One keystroke with a post-action delay runs to success and honors
	// the delay on the wall clock.
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{})
	p := proto(protocol.Action{
		Name:        "press_key",
		Params:      map[string]any{"key": "enter"},
		WaitAfterMs: 50,
	})

	start := time.Now()
	res := e.Execute(context.Background(), p, nil)

	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.ActionsCompleted)
	assert.Equal(t, 1, res.ActionsTotal)
	assert.Empty(t, res.Error)
	assert.Equal(t, []string{"press_key enter"}, rec.Ops())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.GreaterOrEqual(t, res.DurationMs, int64(50))
	assert.NotEmpty(t, res.StartedAt)
	assert.NotEmpty(t, res.FinishedAt)
}

func TestExecute_MacroCountsOnceAtTopLevel(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{})
	p := proto(protocol.Action{
		Name:   protocol.ActionMacro,
		Params: map[string]any{"name": "search", "vars": map[string]any{"query": "hello"}},
	})
	p.Macros = map[string][]protocol.Action{
		"search": {
			{Name: "type", Params: map[string]any{"text": "{{query}}"}},
			{Name: "press_key", Params: map[string]any{"key": "enter"}},
		},
	}

	res := e.Execute(context.Background(), p, nil)

	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.ActionsCompleted, "the macro counts once; its body does not")
	assert.Equal(t, []string{"type_text hello 0", "press_key enter"}, rec.Ops())
}

func TestExecute_SubstitutedOutputsKeepTheirTypes(t *testing.T) {
	// mouse_position reports integers; feeding them back through {{...}}
	// must hand mouse_move integers, not strings.
	rec := drivertest.New()
	rec.PosX, rec.PosY = 640, 480
	e := newTestExecutor(rec, Options{})
	p := proto(
		protocol.Action{Name: "mouse_position", Params: map[string]any{}},
		protocol.Action{Name: "mouse_move", Params: map[string]any{
			"x": "{{mouse_x}}", "y": "{{mouse_y}}", "duration_ms": float64(0),
		}},
	)

	res := e.Execute(context.Background(), p, nil)

	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Contains(t, rec.Ops(), "mouse_move 640 480")
	assert.Equal(t, 640, res.ContextSnapshot["mouse_x"])
}

func TestExecute_MissingVariableFailsTheAction(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{})
	p := proto(protocol.Action{Name: "mouse_move", Params: map[string]any{
		"x": "{{verified_x}}", "y": "{{verified_y}}",
	}})

	res := e.Execute(context.Background(), p, nil)

	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Equal(t, 0, res.ActionsCompleted)
	require.NotNil(t, res.ErrorDetails)
	assert.Equal(t, 0, res.ErrorDetails.ActionIndex)
	assert.Equal(t, "mouse_move", res.ErrorDetails.ActionName)
	assert.Equal(t, protocol.KindVariableMissing, res.ErrorDetails.Kind)
	assert.Contains(t, res.Error, "not defined")
	assert.Contains(t, res.Error, "available:")
	assert.Empty(t, rec.Ops())
}

func TestExecute_DryRunSubstitutesButTouchesNothing(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{DryRun: true})
	p := proto(
		protocol.Action{Name: "press_key", Params: map[string]any{"key": "enter"}},
		protocol.Action{Name: "type", Params: map[string]any{"text": "{{greeting}}"}},
	)

	res := e.Execute(context.Background(), p, map[string]any{"greeting": "hi"})

	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, 2, res.ActionsCompleted)
	assert.Empty(t, rec.Ops(), "dry run must not reach the driver")
}

func TestExecute_DryRunStillFailsOnMissingVariable(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{DryRun: true})
	p := proto(protocol.Action{Name: "type", Params: map[string]any{"text": "{{absent}}"}})

	res := e.Execute(context.Background(), p, nil)

	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Equal(t, protocol.KindVariableMissing, res.ErrorDetails.Kind)
}

func TestExecute_StopInterruptsTheInterActionWait(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{})
	p := proto(
		protocol.Action{Name: "press_key", Params: map[string]any{"key": "enter"}, WaitAfterMs: 5000},
		protocol.Action{Name: "press_key", Params: map[string]any{"key": "a"}},
	)

	go func() {
		time.Sleep(30 * time.Millisecond)
		e.Stop()
	}()
	start := time.Now()
	res := e.Execute(context.Background(), p, nil)

	assert.Equal(t, protocol.StatusStopped, res.Status)
	assert.Equal(t, 1, res.ActionsCompleted, "the finished action still counts")
	assert.Equal(t, []string{"press_key enter"}, rec.Ops())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStop_BeforeStartAndTwiceIsIdempotent(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{})
	e.Stop()
	e.Stop()
	p := proto(protocol.Action{Name: "press_key", Params: map[string]any{"key": "enter"}})

	res := e.Execute(context.Background(), p, nil)

	assert.Equal(t, protocol.StatusStopped, res.Status)
	assert.Equal(t, 0, res.ActionsCompleted)
	assert.Empty(t, rec.Ops())
	assert.True(t, e.StopRequested())
}

func TestPauseAndResume(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{PausePoll: 5 * time.Millisecond})
	p := proto(
		protocol.Action{Name: "press_key", Params: map[string]any{"key": "a"}},
		protocol.Action{Name: "press_key", Params: map[string]any{"key": "b"}},
	)

	e.Pause()
	results := make(chan protocol.ExecutionResult, 1)
	go func() { results <- e.Execute(context.Background(), p, nil) }()

	require.Eventually(t, func() bool { return e.State() == StatePaused },
		time.Second, 2*time.Millisecond)
	assert.Empty(t, rec.Ops(), "nothing runs while paused")

	e.Resume()
	select {
	case res := <-results:
		assert.Equal(t, protocol.StatusSuccess, res.Status)
		assert.Equal(t, 2, res.ActionsCompleted)
		assert.Equal(t, []string{"press_key a", "press_key b"}, rec.Ops())
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not resume")
	}
	assert.Equal(t, StateIdle, e.State())
}

func TestExecute_StopDuringPause(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{PausePoll: 5 * time.Millisecond})
	p := proto(protocol.Action{Name: "press_key", Params: map[string]any{"key": "a"}})

	e.Pause()
	results := make(chan protocol.ExecutionResult, 1)
	go func() { results <- e.Execute(context.Background(), p, nil) }()
	require.Eventually(t, func() bool { return e.State() == StatePaused },
		time.Second, 2*time.Millisecond)

	e.Stop()
	select {
	case res := <-results:
		assert.Equal(t, protocol.StatusStopped, res.Status)
		assert.Empty(t, rec.Ops())
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not break the pause")
	}
}

func TestExecute_FailureCarriesDetails(t *testing.T) {
	rec := drivertest.New()
	rec.FailOn = map[string]error{"click": assert.AnError}
	e := newTestExecutor(rec, Options{})
	p := proto(
		protocol.Action{Name: "press_key", Params: map[string]any{"key": "enter"}},
		protocol.Action{Name: "mouse_click", Params: map[string]any{}},
		protocol.Action{Name: "press_key", Params: map[string]any{"key": "a"}},
	)

	res := e.Execute(context.Background(), p, nil)

	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Equal(t, 1, res.ActionsCompleted)
	require.NotNil(t, res.ErrorDetails)
	assert.Equal(t, 1, res.ErrorDetails.ActionIndex)
	assert.Equal(t, "mouse_click", res.ErrorDetails.ActionName)
	assert.Equal(t, protocol.KindDriverFailure, res.ErrorDetails.Kind)
	assert.NotEmpty(t, res.ErrorDetails.Trace)
	assert.Equal(t, []string{"press_key enter", "click left 1"}, rec.Ops(),
		"the action after the failure must not run")
}

func TestExecute_MacroFailureReportsTheInvocationIndex(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{})
	p := proto(
		protocol.Action{Name: "press_key", Params: map[string]any{"key": "enter"}},
		protocol.Action{Name: protocol.ActionMacro, Params: map[string]any{"name": "bad"}},
	)
	p.Macros = map[string][]protocol.Action{
		"bad": {{Name: "delay", Params: map[string]any{"ms": float64(-1)}}},
	}

	res := e.Execute(context.Background(), p, nil)

	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Equal(t, 1, res.ActionsCompleted)
	require.NotNil(t, res.ErrorDetails)
	assert.Equal(t, 1, res.ErrorDetails.ActionIndex, "points at the macro invocation")
	assert.Equal(t, "delay", res.ErrorDetails.ActionName, "names the failing inner action")
	assert.Equal(t, protocol.KindBadDelay, res.ErrorDetails.Kind)
	assert.Contains(t, res.Error, `macro "bad"`)
}

func TestExecute_MacroDepthBoundEnforced(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{MaxMacroDepth: 1})
	p := proto(protocol.Action{Name: protocol.ActionMacro, Params: map[string]any{"name": "outer"}})
	p.Macros = map[string][]protocol.Action{
		"outer": {{Name: protocol.ActionMacro, Params: map[string]any{"name": "inner"}}},
		"inner": {{Name: "press_key", Params: map[string]any{"key": "enter"}}},
	}

	res := e.Execute(context.Background(), p, nil)

	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Equal(t, protocol.KindCyclicMacro, res.ErrorDetails.Kind)
	assert.Empty(t, rec.Ops())
}

func TestExecute_UndefinedMacroFails(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{})
	p := proto(protocol.Action{Name: protocol.ActionMacro, Params: map[string]any{"name": "ghost"}})

	res := e.Execute(context.Background(), p, nil)

	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Equal(t, protocol.KindUnresolvedMacro, res.ErrorDetails.Kind)
}

func TestExecute_UnknownActionFailsCleanly(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{})
	p := proto(protocol.Action{Name: "warp_reality", Params: map[string]any{}})

	res := e.Execute(context.Background(), p, nil)

	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Equal(t, protocol.KindUnknownAction, res.ErrorDetails.Kind)
	assert.Equal(t, 0, res.ErrorDetails.ActionIndex)
}

func TestExecute_EmitsProgressPerAction(t *testing.T) {
	rec := drivertest.New()
	var mu sync.Mutex
	var events []ProgressEvent
	e := newTestExecutor(rec, Options{Progress: func(ev ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}})
	p := proto(
		protocol.Action{Name: "press_key", Params: map[string]any{"key": "enter"}},
		protocol.Action{Name: "type", Params: map[string]any{"text": "hi"}},
	)

	res := e.Execute(context.Background(), p, nil)

	require.Equal(t, protocol.StatusSuccess, res.Status)
	require.Len(t, events, 2)
	assert.Equal(t, 0, events[0].Index)
	assert.Equal(t, "press_key", events[0].Name)
	assert.Equal(t, OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, map[string]any{"key": "enter"}, events[0].Params)
	assert.Equal(t, 1, events[1].Index)
	assert.Equal(t, "type", events[1].Name)
}

func TestExecute_InitialVariablesSeedTheContext(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{})
	p := proto(protocol.Action{Name: "type", Params: map[string]any{"text": "{{greeting}}"}})

	res := e.Execute(context.Background(), p, map[string]any{"greeting": "hi"})

	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, []string{"type_text hi 0"}, rec.Ops())
	assert.Equal(t, "hi", res.ContextSnapshot["greeting"])
}

func TestExecute_OutputsLandInTheSnapshot(t *testing.T) {
	rec := drivertest.New()
	rec.Clipboard = "stored"
	e := newTestExecutor(rec, Options{})
	p := proto(protocol.Action{Name: "get_clipboard", Params: map[string]any{}})

	res := e.Execute(context.Background(), p, nil)

	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "stored", res.ContextSnapshot["clipboard_text"])
}

func TestExecute_DefaultWaitAppliesBetweenActions(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{DefaultWaitMs: 30})
	p := proto(
		protocol.Action{Name: "press_key", Params: map[string]any{"key": "a"}},
		protocol.Action{Name: "press_key", Params: map[string]any{"key": "b"}},
	)

	start := time.Now()
	res := e.Execute(context.Background(), p, nil)

	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestExecute_CancelledContextStopsTheRun(t *testing.T) {
	rec := drivertest.New()
	e := newTestExecutor(rec, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := proto(protocol.Action{Name: "press_key", Params: map[string]any{"key": "enter"}})

	res := e.Execute(ctx, p, nil)

	assert.Equal(t, protocol.StatusStopped, res.Status)
	assert.Empty(t, rec.Ops())
}
