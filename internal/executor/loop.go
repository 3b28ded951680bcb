package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haricheung/deskpilot/internal/broker"
	"github.com/haricheung/deskpilot/internal/protocol"
)

// LoopOptions tunes the consume loop.
type LoopOptions struct {
	// Validation applies on receipt. The planner validates before sending;
	// the executor re-validates everything it is handed.
	Validation protocol.Options
	// ReceiveWindow bounds each broker wait so stop requests are noticed
	// between messages. Zero means 500ms.
	ReceiveWindow time.Duration
	Logger        *slog.Logger
}

// Loop consumes protocols from the broker, executes them, and publishes an
// ExecutionResult for each on the status channel.
type Loop struct {
	bus     broker.Bus
	exec    *Executor
	catalog protocol.Catalog
	opts    LoopOptions
	logger  *slog.Logger
}

// NewLoop wires the consume loop. catalog is the registry the executor runs
// against, used here for validation on receipt.
func NewLoop(bus broker.Bus, exec *Executor, catalog protocol.Catalog, opts LoopOptions) *Loop {
	if opts.ReceiveWindow <= 0 {
		opts.ReceiveWindow = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{bus: bus, exec: exec, catalog: catalog, opts: opts, logger: logger}
}

// Run consumes protocols until the context ends or a stop is requested.
// Both are clean exits; broker failures are not.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("[EXECUTOR] consuming protocols", "broker", l.bus.Root())
	for {
		if l.exec.StopRequested() {
			l.logger.Info("[EXECUTOR] stop requested; leaving the consume loop")
			return nil
		}
		msg, err := l.bus.Receive(ctx, broker.ChannelProtocols, l.opts.ReceiveWindow, "")
		if err != nil {
			if errors.Is(err, broker.ErrTimeout) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		l.handle(ctx, msg)
	}
}

func (l *Loop) handle(ctx context.Context, msg *broker.Message) {
	p, issues, err := protocol.Parse(msg.Payload, l.catalog, l.opts.Validation)
	if err != nil {
		l.logger.Error("[EXECUTOR] rejected protocol", "request_id", msg.RequestID, "error", err)
		l.publish(rejection(p, msg, err))
		return
	}
	for _, iss := range issues {
		l.logger.Warn("[EXECUTOR] validation warning", "protocol_id", p.ID(), "issue", iss.String())
	}
	l.publish(l.exec.Execute(ctx, p, nil))
}

func (l *Loop) publish(res protocol.ExecutionResult) {
	if err := l.bus.Send(broker.ChannelStatus, res, res.ProtocolID); err != nil {
		l.logger.Error("[EXECUTOR] could not publish result",
			"protocol_id", res.ProtocolID, "error", err)
	}
}

// rejection builds the failed result for a protocol refused before
// execution. ActionIndex -1 marks a pre-execution failure.
func rejection(p *protocol.Protocol, msg *broker.Message, err error) protocol.ExecutionResult {
	id := msg.RequestID
	if p != nil && p.ID() != "" {
		id = p.ID()
	}
	kind := protocol.KindOf(err)
	if kind == "" {
		kind = protocol.KindValidationFailure
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return protocol.ExecutionResult{
		ProtocolID: id,
		Status:     protocol.StatusFailed,
		Error:      err.Error(),
		ErrorDetails: &protocol.ErrorDetails{
			ActionIndex: -1,
			Kind:        kind,
			Trace:       err.Error(),
		},
		StartedAt:  now,
		FinishedAt: now,
	}
}
