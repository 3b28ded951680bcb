// Package planner implements the interactive process: it turns user
// commands into protocols, submits them to the executor over the broker,
// and services the executor's vision requests while waiting — the loop must
// never block on a status that depends on a vision exchange it has not
// serviced yet.
package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/haricheung/deskpilot/internal/actions"
	"github.com/haricheung/deskpilot/internal/broker"
	"github.com/haricheung/deskpilot/internal/llm"
	"github.com/haricheung/deskpilot/internal/protocol"
	"github.com/haricheung/deskpilot/internal/vision"
)

// DefaultTick is the main-loop poll interval: the cadence at which the
// planner alternates between vision requests and user input.
const DefaultTick = 100 * time.Millisecond

// maxSessionTurns bounds the recent-turn context fed to the intent parser.
const maxSessionTurns = 5

// sessionEntry records one completed command for follow-up context.
type sessionEntry struct {
	command string
	outcome string
}

// Deps are the planner's collaborators.
type Deps struct {
	Bus      broker.Bus
	Client   llm.Client // planner tier
	Vision   llm.Client // vision tier
	Registry *actions.Registry
	// Store caches generated protocols. Optional.
	Store *Store
	// Input defaults to a readline terminal when nil.
	Input Input
	// Out defaults to os.Stdout.
	Out    io.Writer
	Logger *slog.Logger
}

// Options tunes planner behavior.
type Options struct {
	// Validation applies when parsing generated protocols.
	Validation protocol.Options
	// WarnValidation prints non-fatal findings ("warn" level).
	WarnValidation bool
	// Navigation tunes the vision loop. Confirm is filled with the
	// planner's own prompt unless Unattended is set.
	Navigation vision.Options
	// VisionEnabled gates vision protocols; with it off the planner
	// refuses them instead of deadlocking the executor.
	VisionEnabled bool
	// StatusTimeout bounds the wait for an execution result; vision
	// activity extends it. Zero means 60s.
	StatusTimeout time.Duration
	// Tick is the main-loop poll interval. Zero means DefaultTick.
	Tick time.Duration
	// ConfirmProtocols asks before submitting each protocol.
	ConfirmProtocols bool
	// LowConfidence is the intent-confidence warning threshold. Zero
	// means 0.6.
	LowConfidence float64
	// RefuseLowConfidence rejects low-confidence commands outright.
	RefuseLowConfidence bool
	// Unattended suppresses every prompt: protocols submit without
	// confirmation and critical vision actions are denied.
	Unattended bool
	Logger     *slog.Logger
}

// Planner is the interactive process. All state is owned by the Run
// goroutine; Stop is the only cross-goroutine entry point.
type Planner struct {
	bus      broker.Bus
	client   llm.Client
	nav      *vision.Navigator
	gen      *Generator
	registry *actions.Registry
	store    *Store
	display  *Display
	input    Input
	opts     Options
	logger   *slog.Logger

	lines  chan string
	inErrs chan error

	// session holds the recent turns; owned by the Run goroutine.
	session []sessionEntry

	// lastActivity extends the status wait; written only by the Run
	// goroutine (vision OnActivity fires inside nav.Run on it).
	lastActivity time.Time

	stop    atomic.Bool
	runCtx  context.Context
	started atomic.Bool
}

// New wires a Planner. The vision navigator is constructed here so its
// critical-action prompt shares the planner's input channel.
func New(deps Deps, opts Options) *Planner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 60 * time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.LowConfidence <= 0 {
		opts.LowConfidence = 0.6
	}
	out := deps.Out
	if out == nil {
		out = os.Stdout
	}

	p := &Planner{
		bus:      deps.Bus,
		client:   deps.Client,
		registry: deps.Registry,
		store:    deps.Store,
		display:  NewDisplay(out),
		input:    deps.Input,
		opts:     opts,
		logger:   logger,
		lines:    make(chan string, 1),
		inErrs:   make(chan error, 1),
	}
	p.gen = NewGenerator(deps.Client, deps.Registry, opts.Validation, logger)

	navOpts := opts.Navigation
	if navOpts.Logger == nil {
		navOpts.Logger = logger
	}
	if navOpts.OnActivity == nil {
		navOpts.OnActivity = func() { p.lastActivity = time.Now() }
	}
	if navOpts.Confirm == nil && !opts.Unattended {
		navOpts.Confirm = p.confirmCritical
	}
	p.nav = vision.NewNavigator(deps.Bus, deps.Vision, navOpts)
	return p
}

// Stop requests loop termination after the current work unit. Safe from
// signal handlers.
func (p *Planner) Stop() { p.stop.Store(true) }

// Run is the main loop: vision requests are serviced first each tick, then
// one user command. Returns when the input closes, Stop is called, or ctx
// ends.
func (p *Planner) Run(ctx context.Context) error {
	p.runCtx = ctx
	if p.input == nil {
		in, err := NewReadlineInput("deskpilot> ", "")
		if err != nil {
			return err
		}
		p.input = in
	}
	defer p.input.Close()

	if !p.started.Swap(true) {
		go p.produce()
	}
	p.logger.Info("[PLANNER] session started", "broker", p.bus.Root())

	for {
		if p.stop.Load() || ctx.Err() != nil {
			p.logger.Info("[PLANNER] session ended")
			return nil
		}

		// Vision first: the executor may be blocked mid-protocol on us.
		served, err := p.serveVision(ctx)
		if err != nil {
			return err
		}
		if served {
			continue
		}

		// Drain pending lines before looking at input errors, so piped
		// input runs its last command before EOF ends the session.
		select {
		case line := <-p.lines:
			p.handleCommand(ctx, strings.TrimSpace(line))
			continue
		default:
		}

		select {
		case line := <-p.lines:
			p.handleCommand(ctx, strings.TrimSpace(line))
		case err := <-p.inErrs:
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				p.logger.Info("[PLANNER] input closed", "cause", err)
				return nil
			}
			return err
		case <-ctx.Done():
			return nil
		case <-time.After(p.opts.Tick):
		}
	}
}

// produce is the stdin producer goroutine: it forwards completed lines into
// the bounded channel the main loop consumes.
func (p *Planner) produce() {
	for {
		line, err := p.input.ReadLine()
		if err != nil {
			p.inErrs <- err
			return
		}
		p.lines <- line
	}
}

// serveVision handles at most one pending visual_nav_request to completion.
func (p *Planner) serveVision(ctx context.Context) (bool, error) {
	msg, err := p.bus.TryReceive(broker.ChannelVisualNavRequest, "")
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	var req vision.NavRequest
	if err := msg.Decode(&req); err != nil {
		p.logger.Error("[PLANNER] undecodable vision request", "error", err)
		return true, nil
	}
	if !p.opts.VisionEnabled {
		p.logger.Warn("[PLANNER] refusing vision request; vision is disabled", "request_id", req.RequestID)
		resp := vision.NavResponse{
			RequestID: req.RequestID,
			Status:    vision.StatusFailed,
			Error:     "vision navigation is disabled",
			Reason:    string(protocol.KindValidationFailure),
		}
		return true, p.bus.Send(broker.ChannelVisualNavResponse, resp, req.RequestID)
	}

	resp := p.nav.Run(ctx, req)
	p.lastActivity = time.Now()
	if err := p.bus.Send(broker.ChannelVisualNavResponse, resp, req.RequestID); err != nil {
		return true, err
	}
	return true, nil
}

func (p *Planner) handleCommand(ctx context.Context, line string) {
	if line == "" {
		return
	}
	if p.builtin(line) {
		return
	}

	if p.store != nil {
		if cached, stats, ok := p.store.Recall(line); ok && stats.Reliable() {
			p.logger.Info("[PLANNER] recalled protocol",
				"command", Normalize(line), "successes", stats.Successes, "failures", stats.Failures)
			p.display.Protocol(cached, true)
			if p.opts.ConfirmProtocols && !p.opts.Unattended && !p.confirm() {
				p.display.Info("skipped")
				return
			}
			p.submit(ctx, line, cached)
			return
		}
	}

	intent, err := ParseIntent(ctx, p.client, line, p.sessionContext())
	if err != nil {
		p.display.Error("could not parse the command: %v", err)
		return
	}
	if intent.Confidence < p.opts.LowConfidence {
		p.display.Warn("low confidence %.2f reading %q as %s", intent.Confidence, line, intent.Action)
		if p.opts.RefuseLowConfidence {
			p.display.Info("rephrase and try again")
			return
		}
	}

	prot, issues, err := p.gen.Generate(ctx, line, intent)
	if err != nil {
		p.display.Error("could not generate a protocol: %v", err)
		return
	}
	if p.opts.WarnValidation {
		p.display.Issues(issues)
	}
	if !p.opts.VisionEnabled && p.usesVision(prot) {
		p.display.Error("%q needs visual navigation, which is disabled", line)
		return
	}

	p.display.Protocol(prot, false)
	if p.opts.ConfirmProtocols && !p.opts.Unattended && !p.confirm() {
		p.display.Info("skipped")
		return
	}
	if p.store != nil {
		if err := p.store.Remember(line, prot); err != nil {
			p.logger.Warn("[PLANNER] could not cache protocol", "error", err)
		}
	}
	p.submit(ctx, line, prot)
}

// builtin handles REPL commands that never reach the LLM.
func (p *Planner) builtin(line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case "quit", "exit":
		p.Stop()
	case "help":
		p.display.Info("commands: help | cached | forget <command> | quit")
		p.display.Info("anything else is read as a desktop automation request")
	case "cached":
		if p.store == nil {
			p.display.Info("protocol cache is disabled")
			return true
		}
		commands, err := p.store.Commands()
		if err != nil {
			p.display.Error("cache: %v", err)
			return true
		}
		if len(commands) == 0 {
			p.display.Info("no cached protocols")
			return true
		}
		for _, c := range commands {
			p.display.Info("  %s", c)
		}
	case "forget":
		if p.store == nil || strings.TrimSpace(rest) == "" {
			p.display.Info("usage: forget <command>")
			return true
		}
		p.store.Forget(rest)
		p.display.Info("forgot %q", Normalize(rest))
	default:
		return false
	}
	return true
}

// confirm asks for approval and consumes the next input line.
func (p *Planner) confirm() bool {
	p.display.Info("%srun it? [Y/n]%s", ansiBold, ansiReset)
	return p.awaitYes()
}

// confirmCritical is the vision navigator's gate for destructive-sounding
// actions. It runs on the main loop goroutine, inside nav.Run.
func (p *Planner) confirmCritical(prompt string) bool {
	p.display.Warn("%s", prompt)
	p.display.Info("%sproceed? [y/N]%s", ansiBold, ansiReset)
	select {
	case line := <-p.lines:
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	case err := <-p.inErrs:
		p.inErrs <- err // re-queue for the main loop
		return false
	case <-p.runCtx.Done():
		return false
	}
}

func (p *Planner) awaitYes() bool {
	select {
	case line := <-p.lines:
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "" || answer == "y" || answer == "yes"
	case err := <-p.inErrs:
		p.inErrs <- err
		return false
	case <-p.runCtx.Done():
		return false
	}
}

// submit sends the protocol and waits for its result, servicing vision
// requests the whole time.
func (p *Planner) submit(ctx context.Context, command string, prot *protocol.Protocol) {
	id := prot.ID()
	if err := p.bus.Send(broker.ChannelProtocols, prot, id); err != nil {
		p.display.Error("could not send the protocol: %v", err)
		return
	}
	p.logger.Info("[PLANNER] protocol sent", "protocol_id", id, "actions", len(prot.Actions))

	res, ok := p.awaitResult(ctx, id)
	if !ok {
		p.display.Warn("no result within %v; the executor may still be running", p.opts.StatusTimeout)
		p.recordTurn(command, "no result")
		return
	}
	p.display.Result(res)
	p.recordTurn(command, string(res.Status))
	if p.store != nil {
		p.store.RecordOutcome(command, res.Status)
	}
}

// recordTurn appends one completed command to the session ring.
func (p *Planner) recordTurn(command, outcome string) {
	p.session = append(p.session, sessionEntry{command: command, outcome: outcome})
	if len(p.session) > maxSessionTurns {
		p.session = p.session[len(p.session)-maxSessionTurns:]
	}
}

// sessionContext formats the recent turns for the intent parser.
func (p *Planner) sessionContext() string {
	if len(p.session) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, e := range p.session {
		fmt.Fprintf(&sb, "[%d] User: %s\n    Result: %s\n", i+1, e.command, e.outcome)
	}
	return sb.String()
}

// awaitResult polls for the execution result while servicing vision
// requests. Every serviced exchange and every completed vision iteration
// pushes the deadline out, so a long navigation cannot time out the wait.
func (p *Planner) awaitResult(ctx context.Context, id string) (protocol.ExecutionResult, bool) {
	p.lastActivity = time.Now()
	for {
		if ctx.Err() != nil || p.stop.Load() {
			return protocol.ExecutionResult{}, false
		}
		if time.Since(p.lastActivity) > p.opts.StatusTimeout {
			p.logger.Warn("[PLANNER] status wait timed out", "protocol_id", id)
			return protocol.ExecutionResult{}, false
		}

		served, err := p.serveVision(ctx)
		if err != nil {
			p.logger.Error("[PLANNER] vision service failed", "error", err)
			return protocol.ExecutionResult{}, false
		}
		if served {
			p.lastActivity = time.Now()
			continue
		}

		msg, err := p.bus.Receive(ctx, broker.ChannelStatus, p.opts.Tick, id)
		if err != nil {
			if errors.Is(err, broker.ErrTimeout) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return protocol.ExecutionResult{}, false
			}
			p.logger.Error("[PLANNER] status receive failed", "error", err)
			return protocol.ExecutionResult{}, false
		}
		var res protocol.ExecutionResult
		if err := msg.Decode(&res); err != nil {
			p.logger.Error("[PLANNER] undecodable status", "error", err)
			continue
		}
		return res, true
	}
}

// usesVision reports whether any action (top level or macro body) starts a
// vision exchange the planner would have to service.
func (p *Planner) usesVision(prot *protocol.Protocol) bool {
	if prot.Metadata.UsesVision {
		return true
	}
	needs := func(acts []protocol.Action) bool {
		for _, a := range acts {
			if spec, ok := p.registry.Find(a.Name); ok && spec.Category == actions.CategoryVision {
				return true
			}
		}
		return false
	}
	if needs(prot.Actions) {
		return true
	}
	for _, body := range prot.Macros {
		if needs(body) {
			return true
		}
	}
	return false
}
