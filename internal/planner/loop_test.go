package planner

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/deskpilot/internal/actions"
	"github.com/haricheung/deskpilot/internal/broker"
	"github.com/haricheung/deskpilot/internal/llm/llmtest"
	"github.com/haricheung/deskpilot/internal/protocol"
	"github.com/haricheung/deskpilot/internal/vision"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus(t *testing.T) *broker.Broker {
	t.Helper()
	bus, err := broker.New(t.TempDir(), broker.Options{PollInterval: 2 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

// scriptInput feeds fixed lines in order, then blocks until closed, the way
// a terminal blocks between keystrokes.
type scriptInput struct {
	mu    sync.Mutex
	lines []string
	done  chan struct{}
	once  sync.Once
}

func newScriptInput(lines ...string) *scriptInput {
	return &scriptInput{lines: lines, done: make(chan struct{})}
}

func (s *scriptInput) ReadLine() (string, error) {
	s.mu.Lock()
	if len(s.lines) > 0 {
		line := s.lines[0]
		s.lines = s.lines[1:]
		s.mu.Unlock()
		return line, nil
	}
	s.mu.Unlock()
	<-s.done
	return "", io.EOF
}

func (s *scriptInput) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Scripted model responses.
const (
	intentJSON      = `{"action":"press_key","target":"enter","confidence":0.95}`
	vagueIntentJSON = `{"action":"do_something","target":"","confidence":0.2}`
	protocolJSON    = `{"version":"1.0","metadata":{"description":"press enter","complexity":"simple"},` +
		`"actions":[{"action":"press_key","params":{"key":"enter"}}]}`

	visionIntentJSON   = `{"action":"navigate_ui","target":"submit button","confidence":0.9}`
	visionProtocolJSON = `{"version":"1.0","metadata":{"description":"click submit","complexity":"medium","uses_vision":true},` +
		`"actions":[{"action":"visual_navigate","params":{"task":"click the submit button"}}]}`

	clickProposalJSON = `{"action":"click","coordinates":[500,300],"confidence":0.9,` +
		`"reasoning":"pressing the submit button","task_complete":true}`
)

func newTestPlanner(t *testing.T, bus *broker.Broker, client, vis *llmtest.Fake, store *Store, input Input, opts Options) (*Planner, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	if opts.Tick == 0 {
		opts.Tick = 5 * time.Millisecond
	}
	if opts.StatusTimeout == 0 {
		opts.StatusTimeout = 5 * time.Second
	}
	if opts.Navigation.Logger == nil {
		opts.Navigation.Logger = quietLogger()
	}
	opts.Logger = quietLogger()

	p := New(Deps{
		Bus:      bus,
		Client:   client,
		Vision:   vis,
		Registry: actions.NewRegistry(quietLogger()),
		Store:    store,
		Input:    input,
		Out:      out,
		Logger:   quietLogger(),
	}, opts)
	return p, out
}

func startPlanner(t *testing.T, ctx context.Context, p *Planner) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("planner session did not end")
	}
}

// stubExecutor consumes n protocols from the bus, publishing a successful
// result for each, the way the executor process would.
func stubExecutor(t *testing.T, bus *broker.Broker, n int) chan protocol.Protocol {
	t.Helper()
	got := make(chan protocol.Protocol, n)
	go func() {
		defer close(got)
		for i := 0; i < n; i++ {
			msg, err := bus.Receive(context.Background(), broker.ChannelProtocols, 5*time.Second, "")
			if err != nil {
				t.Errorf("stub executor: no protocol arrived: %v", err)
				return
			}
			var p protocol.Protocol
			if err := msg.Decode(&p); err != nil {
				t.Errorf("stub executor: undecodable protocol: %v", err)
				return
			}
			got <- p
			res := protocol.ExecutionResult{
				ProtocolID:       p.ID(),
				Status:           protocol.StatusSuccess,
				ActionsCompleted: len(p.Actions),
				ActionsTotal:     len(p.Actions),
				DurationMs:       3,
			}
			if err := bus.Send(broker.ChannelStatus, res, p.ID()); err != nil {
				t.Errorf("stub executor: could not publish status: %v", err)
			}
		}
	}()
	return got
}

func TestPlanner_GeneratesSubmitsAndReportsResult(t *testing.T) {
	bus := newTestBus(t)
	client := llmtest.New(intentJSON, protocolJSON)
	vis := llmtest.New()
	p, out := newTestPlanner(t, bus, client, vis, nil,
		newScriptInput("press enter", "quit"),
		Options{VisionEnabled: true})

	got := stubExecutor(t, bus, 1)
	done := startPlanner(t, context.Background(), p)
	waitDone(t, done)

	sent, ok := <-got
	require.True(t, ok, "a protocol must reach the executor")
	assert.NotEmpty(t, sent.Metadata.ID, "the generator assigns an id when the model omits one")
	assert.True(t, sent.Metadata.GeneratedContent)
	require.Len(t, sent.Actions, 1)
	assert.Equal(t, "press_key", sent.Actions[0].Name)

	assert.Equal(t, 2, client.CallCount(), "one intent call, one generation call")
	assert.Contains(t, out.String(), "press enter", "the preview shows the description")
	assert.Contains(t, out.String(), "1/1 actions")
}

func TestPlanner_ConfirmationDeclineSkipsSubmission(t *testing.T) {
	bus := newTestBus(t)
	client := llmtest.New(intentJSON, protocolJSON)
	p, out := newTestPlanner(t, bus, client, llmtest.New(), nil,
		newScriptInput("press enter", "n", "quit"),
		Options{VisionEnabled: true, ConfirmProtocols: true})

	done := startPlanner(t, context.Background(), p)
	waitDone(t, done)

	assert.Contains(t, out.String(), "skipped")
	msg, err := bus.TryReceive(broker.ChannelProtocols, "")
	require.NoError(t, err)
	assert.Nil(t, msg, "a declined protocol never reaches the bus")
}

// The executor blocks mid-protocol on visual_navigate until the planner
// services its nav request, so the status wait must keep serving vision
// exchanges instead of waiting blind.
func TestPlanner_ServicesVisionWhileAwaitingStatus(t *testing.T) {
	bus := newTestBus(t)
	client := llmtest.New(visionIntentJSON, visionProtocolJSON)
	vis := llmtest.New(clickProposalJSON)
	p, out := newTestPlanner(t, bus, client, vis, nil,
		newScriptInput("click the submit button", "quit"),
		Options{
			VisionEnabled: true,
			Navigation: vision.Options{
				IterationTimeout: 2 * time.Second,
				ExchangeTimeout:  2 * time.Second,
			},
		})

	cmdCh := make(chan vision.ActionCmd, 1)
	respCh := make(chan vision.NavResponse, 1)
	screenshot := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))

	// Executor side: one visual_navigate action that starts a nav run,
	// serves one state request and one action command, then publishes the
	// protocol result after the terminal verdict comes back.
	go func() {
		ctx := context.Background()
		msg, err := bus.Receive(ctx, broker.ChannelProtocols, 5*time.Second, "")
		if err != nil {
			t.Errorf("executor stub: no protocol: %v", err)
			close(respCh)
			return
		}
		var prot protocol.Protocol
		if err := msg.Decode(&prot); err != nil {
			t.Errorf("executor stub: bad protocol: %v", err)
			close(respCh)
			return
		}

		req := vision.NavRequest{RequestID: "nav-1", Task: "click the submit button", MaxIterations: 3}
		if err := bus.Send(broker.ChannelVisualNavRequest, req, req.RequestID); err != nil {
			t.Errorf("executor stub: send nav request: %v", err)
			close(respCh)
			return
		}

		if _, err := bus.Receive(ctx, broker.ChannelVisualStateRequest, 5*time.Second, "nav-1"); err != nil {
			t.Errorf("executor stub: no state request: %v", err)
			close(respCh)
			return
		}
		state := vision.StateResponse{
			RequestID:     "nav-1",
			ScreenshotB64: screenshot,
			MouseXY:       vision.Point{10, 10},
			ScreenWH:      vision.Point{1920, 1080},
		}
		if err := bus.Send(broker.ChannelVisualStateResponse, state, "nav-1"); err != nil {
			t.Errorf("executor stub: send state: %v", err)
			close(respCh)
			return
		}

		amsg, err := bus.Receive(ctx, broker.ChannelVisualActionCmd, 5*time.Second, "nav-1")
		if err != nil {
			t.Errorf("executor stub: no action cmd: %v", err)
			close(respCh)
			return
		}
		var cmd vision.ActionCmd
		if err := amsg.Decode(&cmd); err != nil {
			t.Errorf("executor stub: bad action cmd: %v", err)
			close(respCh)
			return
		}
		cmdCh <- cmd
		result := vision.ActionResult{RequestID: "nav-1", Status: vision.StatusSuccess, MouseXY: *cmd.Coordinates}
		if err := bus.Send(broker.ChannelVisualActionResult, result, "nav-1"); err != nil {
			t.Errorf("executor stub: send action result: %v", err)
			close(respCh)
			return
		}

		rmsg, err := bus.Receive(ctx, broker.ChannelVisualNavResponse, 5*time.Second, "nav-1")
		if err != nil {
			t.Errorf("executor stub: no nav response: %v", err)
			close(respCh)
			return
		}
		var resp vision.NavResponse
		if err := rmsg.Decode(&resp); err != nil {
			t.Errorf("executor stub: bad nav response: %v", err)
			close(respCh)
			return
		}
		respCh <- resp

		res := protocol.ExecutionResult{
			ProtocolID:       prot.ID(),
			Status:           protocol.StatusSuccess,
			ActionsCompleted: 1,
			ActionsTotal:     1,
			ContextSnapshot:  map[string]any{"last_vision_status": "success"},
		}
		if err := bus.Send(broker.ChannelStatus, res, prot.ID()); err != nil {
			t.Errorf("executor stub: send status: %v", err)
		}
	}()

	done := startPlanner(t, context.Background(), p)
	waitDone(t, done)

	resp, ok := <-respCh
	require.True(t, ok, "the nav run must conclude")
	assert.Equal(t, vision.StatusSuccess, resp.Status)
	assert.Equal(t, 1, resp.ActionsTaken)
	require.NotNil(t, resp.FinalCoordinates)
	assert.Equal(t, vision.Point{500, 300}, *resp.FinalCoordinates)

	cmd := <-cmdCh
	assert.Equal(t, vision.ActionClick, cmd.Action)
	require.NotNil(t, cmd.Coordinates)
	assert.Equal(t, vision.Point{500, 300}, *cmd.Coordinates)

	assert.Equal(t, 1, vis.CallCount(), "one screenshot analysis")
	assert.Contains(t, out.String(), "vision: success", "the result echoes the vision outcome")
}

func TestPlanner_RefusesVisionRequestWhenDisabled(t *testing.T) {
	bus := newTestBus(t)
	vis := llmtest.New()
	p, _ := newTestPlanner(t, bus, llmtest.New(), vis, nil,
		newScriptInput(), // no user input; the session idles
		Options{VisionEnabled: false})

	req := vision.NavRequest{RequestID: "nav-9", Task: "anything"}
	require.NoError(t, bus.Send(broker.ChannelVisualNavRequest, req, "nav-9"))

	ctx, cancel := context.WithCancel(context.Background())
	done := startPlanner(t, ctx, p)

	msg, err := bus.Receive(context.Background(), broker.ChannelVisualNavResponse, 2*time.Second, "nav-9")
	require.NoError(t, err)
	var resp vision.NavResponse
	require.NoError(t, msg.Decode(&resp))

	assert.Equal(t, vision.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "disabled")
	assert.Equal(t, string(protocol.KindValidationFailure), resp.Reason)
	assert.Zero(t, vis.CallCount(), "the vision model is never consulted")

	cancel()
	waitDone(t, done)
}

func TestPlanner_RecallsReliableCachedProtocol(t *testing.T) {
	bus := newTestBus(t)
	store, err := OpenStore(filepath.Join(t.TempDir(), "db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cached := &protocol.Protocol{
		Version:  protocol.Version,
		Metadata: protocol.Metadata{ID: "cached-1", Description: "press enter"},
		Actions:  []protocol.Action{{Name: "press_key", Params: map[string]any{"key": "enter"}}},
	}
	require.NoError(t, store.Remember("press enter", cached))
	store.RecordOutcome("press enter", protocol.StatusSuccess)

	client := llmtest.New() // any call would fail: no scripted responses
	p, out := newTestPlanner(t, bus, client, llmtest.New(), store,
		newScriptInput("Press  ENTER", "quit"),
		Options{VisionEnabled: true})

	got := stubExecutor(t, bus, 1)
	done := startPlanner(t, context.Background(), p)
	waitDone(t, done)

	sent, ok := <-got
	require.True(t, ok)
	assert.Equal(t, "cached-1", sent.Metadata.ID, "normalization maps the variant spelling to the cached entry")
	assert.Zero(t, client.CallCount(), "recall skips both model calls")
	assert.Contains(t, out.String(), "(cached)")

	_, stats, found := store.Recall("press enter")
	require.True(t, found)
	assert.Equal(t, 2, stats.Uses)
	assert.Equal(t, 2, stats.Successes)
}

func TestPlanner_UnreliableCacheFallsBackToGeneration(t *testing.T) {
	bus := newTestBus(t)
	store, err := OpenStore(filepath.Join(t.TempDir(), "db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	stale := &protocol.Protocol{
		Version:  protocol.Version,
		Metadata: protocol.Metadata{ID: "cached-1", Description: "press enter"},
		Actions:  []protocol.Action{{Name: "press_key", Params: map[string]any{"key": "enter"}}},
	}
	require.NoError(t, store.Remember("press enter", stale))
	store.RecordOutcome("press enter", protocol.StatusFailed)

	client := llmtest.New(intentJSON, protocolJSON)
	p, _ := newTestPlanner(t, bus, client, llmtest.New(), store,
		newScriptInput("press enter", "quit"),
		Options{VisionEnabled: true})

	got := stubExecutor(t, bus, 1)
	done := startPlanner(t, context.Background(), p)
	waitDone(t, done)

	sent, ok := <-got
	require.True(t, ok)
	assert.NotEqual(t, "cached-1", sent.Metadata.ID, "a failing cache entry is regenerated, not reused")
	assert.Equal(t, 2, client.CallCount())
}

// The second command's intent call carries the first turn and its outcome,
// so follow-ups like "again" have something to resolve against.
func TestPlanner_SessionHistoryFeedsIntent(t *testing.T) {
	bus := newTestBus(t)
	client := llmtest.New(intentJSON, protocolJSON, intentJSON, protocolJSON)
	p, _ := newTestPlanner(t, bus, client, llmtest.New(), nil,
		newScriptInput("press enter", "press enter again", "quit"),
		Options{VisionEnabled: true})

	got := stubExecutor(t, bus, 2)
	done := startPlanner(t, context.Background(), p)
	waitDone(t, done)

	count := 0
	for range got {
		count++
	}
	require.Equal(t, 2, count)

	calls := client.Calls()
	require.Len(t, calls, 4)
	assert.NotContains(t, calls[0].User, "Recent session:")
	assert.Contains(t, calls[2].User, "Recent session:")
	assert.Contains(t, calls[2].User, "User: press enter")
	assert.Contains(t, calls[2].User, "Result: success")
	assert.Contains(t, calls[2].User, "Command: press enter again")
}

func TestPlanner_LowConfidenceRefused(t *testing.T) {
	bus := newTestBus(t)
	client := llmtest.New(vagueIntentJSON)
	p, out := newTestPlanner(t, bus, client, llmtest.New(), nil,
		newScriptInput("do the thing", "quit"),
		Options{VisionEnabled: true, RefuseLowConfidence: true})

	done := startPlanner(t, context.Background(), p)
	waitDone(t, done)

	assert.Contains(t, out.String(), "low confidence")
	assert.Contains(t, out.String(), "rephrase")
	assert.Equal(t, 1, client.CallCount(), "generation is never attempted")

	msg, err := bus.TryReceive(broker.ChannelProtocols, "")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestPlanner_RefusesVisionProtocolWhenVisionDisabled(t *testing.T) {
	bus := newTestBus(t)
	client := llmtest.New(visionIntentJSON, visionProtocolJSON)
	p, out := newTestPlanner(t, bus, client, llmtest.New(), nil,
		newScriptInput("click the submit button", "quit"),
		Options{VisionEnabled: false})

	done := startPlanner(t, context.Background(), p)
	waitDone(t, done)

	assert.Contains(t, out.String(), "needs visual navigation")
	msg, err := bus.TryReceive(broker.ChannelProtocols, "")
	require.NoError(t, err)
	assert.Nil(t, msg, "a vision protocol never ships while vision is off")
}

func TestPlanner_BuiltinCommands(t *testing.T) {
	bus := newTestBus(t)
	client := llmtest.New()
	p, out := newTestPlanner(t, bus, client, llmtest.New(), nil,
		newScriptInput("help", "cached", "forget", "quit"),
		Options{VisionEnabled: true})

	done := startPlanner(t, context.Background(), p)
	waitDone(t, done)

	assert.Contains(t, out.String(), "commands:")
	assert.Contains(t, out.String(), "protocol cache is disabled")
	assert.Contains(t, out.String(), "usage: forget")
	assert.Zero(t, client.CallCount(), "builtins never reach the model")
}

func TestPlanner_GenerationTransportFailureReported(t *testing.T) {
	bus := newTestBus(t)
	client := llmtest.New(intentJSON).FailAt(1, errors.New("api down"))
	p, out := newTestPlanner(t, bus, client, llmtest.New(), nil,
		newScriptInput("press enter", "quit"),
		Options{VisionEnabled: true})

	done := startPlanner(t, context.Background(), p)
	waitDone(t, done)

	assert.Contains(t, out.String(), "could not generate a protocol")
	assert.Equal(t, 2, client.CallCount(), "transport failures are not retried")

	msg, err := bus.TryReceive(broker.ChannelProtocols, "")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestPlanner_StatusTimeoutWarns(t *testing.T) {
	bus := newTestBus(t)
	client := llmtest.New(intentJSON, protocolJSON)
	p, out := newTestPlanner(t, bus, client, llmtest.New(), nil,
		newScriptInput("press enter", "quit"),
		Options{VisionEnabled: true, StatusTimeout: 50 * time.Millisecond})

	done := startPlanner(t, context.Background(), p)
	waitDone(t, done)

	assert.Contains(t, out.String(), "no result within",
		"with no executor the wait gives up and says so")
}
