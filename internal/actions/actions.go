// Package actions holds the action library: the registry mapping protocol
// action names to handlers, and the handlers themselves, grouped by
// category. Handlers compose driver primitives; they never touch protocol
// documents or broker channels directly except through the injected
// collaborators.
package actions

import (
	"context"
	"log/slog"
	"time"

	"github.com/haricheung/deskpilot/internal/broker"
	"github.com/haricheung/deskpilot/internal/driver"
	"github.com/haricheung/deskpilot/internal/vision"
)

// Action categories. Tags for enable/disable gating only; the executor
// treats them opaquely.
const (
	CategoryKeyboard  = "keyboard"
	CategoryMouse     = "mouse"
	CategoryWindow    = "window"
	CategoryBrowser   = "browser"
	CategoryClipboard = "clipboard"
	CategoryFile      = "file"
	CategoryScreen    = "screen"
	CategoryTiming    = "timing"
	CategoryVision    = "vision"
	CategorySystem    = "system"
	CategoryEdit      = "edit"
)

// Outputs are named values a handler produces; the executor merges them
// into the protocol's variable context.
type Outputs map[string]any

// Handler executes one action with already-substituted params.
type Handler func(ctx context.Context, deps *Deps, p Params) (Outputs, error)

// VisionSettings tunes the executor-side half of the vision exchange.
type VisionSettings struct {
	// WaitTimeout is the base deadline for a visual_navigate terminal
	// response; the effective deadline also covers the iteration budget.
	WaitTimeout time.Duration
	// IterationTimeout mirrors the planner's per-iteration ceiling and
	// sizes the effective deadline.
	IterationTimeout time.Duration
	// MaxIterations is the default budget when an action omits it.
	MaxIterations int
	// Poll is the multiplex interval while waiting on vision channels.
	Poll time.Duration
	// Slack pads the terminal deadline past the planner's iteration
	// budget so the executor never gives up first.
	Slack time.Duration
	// Clamper revalidates incoming action-cmd coordinates against the
	// actual screen.
	Clamper vision.Clamper
}

// DefaultVisionSettings mirrors the planner's loop tuning.
func DefaultVisionSettings() VisionSettings {
	return VisionSettings{
		WaitTimeout:      60 * time.Second,
		IterationTimeout: vision.DefaultIterationTimeout,
		MaxIterations:    vision.DefaultMaxIterations,
		Poll:             broker.DefaultPollInterval,
		Slack:            10 * time.Second,
		Clamper:          vision.NewClamper(0, 0),
	}
}

func (v VisionSettings) slack() time.Duration {
	if v.Slack > 0 {
		return v.Slack
	}
	return 10 * time.Second
}

// Deps are the shared collaborators handlers draw on. They are injected
// once at engine startup; handlers that need a missing collaborator fail
// at invocation rather than at registration.
type Deps struct {
	Driver driver.Driver
	Mouse  *driver.MouseController
	Bus    broker.Bus
	Vision VisionSettings
	Logger *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d == nil || d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// msDuration converts a millisecond count, flooring at zero.
func msDuration(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// sleepCtx waits for dur unless the context ends first.
func sleepCtx(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
