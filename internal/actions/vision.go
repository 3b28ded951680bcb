package actions

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/deskpilot/internal/broker"
	"github.com/haricheung/deskpilot/internal/driver"
	"github.com/haricheung/deskpilot/internal/protocol"
	"github.com/haricheung/deskpilot/internal/vision"
)

func registerVision(r *Registry) {
	r.Register(Spec{Name: "visual_navigate", Category: CategoryVision,
		Required: []string{"task"},
		Optional: []string{"goal", "max_iterations", "fallback_coordinates", "timeout"},
		Outputs:  []string{"verified_x", "verified_y", "last_vision_status", "last_vision_actions_taken"},
		Handler:  visualNavigate})
	r.Register(Spec{Name: "verify_screen", Category: CategoryVision, Soft: true,
		Required: []string{"expectation"},
		Outputs:  []string{"last_verification_passed", "last_verification_detail", "verified_x", "verified_y"},
		Handler:  verifyScreen})
	r.Register(Spec{Name: "verify_element", Category: CategoryVision, Soft: true,
		Required: []string{"description"},
		Outputs:  []string{"last_verification_passed", "last_verification_detail", "verified_x", "verified_y"},
		Handler:  verifyElement})
	r.Register(Spec{Name: "find_element", Category: CategoryVision, Soft: true,
		Required: []string{"description"},
		Outputs:  []string{"element_found", "element_x", "element_y"},
		Handler:  findElement})
	r.Register(Spec{Name: "verify_text", Category: CategoryVision, Soft: true,
		Required: []string{"text"},
		Outputs:  []string{"last_verification_passed", "last_verification_detail"},
		Handler:  verifyText})
}

// visualNavigate hands control of the desktop to the planner's vision loop:
// it publishes a navigation request, then serves screenshots and executes
// action commands until the planner's terminal verdict arrives.
func visualNavigate(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	task, err := p.NeedString("task")
	if err != nil {
		return nil, err
	}
	if deps.Bus == nil {
		return nil, protocol.NewError(protocol.KindValidationFailure,
			"visual_navigate requires a broker; none was injected")
	}
	goal := p.StringOr("goal", task)
	maxIter := p.IntOr("max_iterations", deps.Vision.MaxIterations)
	if maxIter <= 0 {
		maxIter = vision.DefaultMaxIterations
	}

	// The terminal deadline must strictly exceed the planner's iteration
	// budget, whatever the action's own timeout says.
	timeout := time.Duration(p.IntOr("timeout", 0)) * time.Second
	if timeout <= 0 {
		timeout = deps.Vision.WaitTimeout
	}
	if budget := time.Duration(maxIter)*deps.Vision.IterationTimeout + deps.Vision.slack(); budget > timeout {
		timeout = budget
	}

	requestID := uuid.NewString()
	req := vision.NavRequest{RequestID: requestID, Task: task, Goal: goal, MaxIterations: maxIter}
	if err := deps.Bus.Send(broker.ChannelVisualNavRequest, req, requestID); err != nil {
		return nil, err
	}
	deps.logger().Info("[ACTIONS] visual_navigate started",
		"request_id", requestID, "task", task, "max_iterations", maxIter, "deadline", timeout)

	ex := &visionExchange{deps: deps, requestID: requestID}
	resp, err := ex.pump(ctx, time.Now().Add(timeout))
	if err != nil {
		return nil, err
	}

	out := Outputs{
		"last_vision_status":        resp.Status,
		"last_vision_actions_taken": resp.ActionsTaken,
	}
	if resp.FinalCoordinates != nil {
		out["verified_x"] = resp.FinalCoordinates.X()
		out["verified_y"] = resp.FinalCoordinates.Y()
	}
	if resp.Status == vision.StatusSuccess {
		return out, nil
	}

	if fx, fy, ok := p.IntPair("fallback_coordinates"); ok && resp.Status == vision.StatusFailed {
		deps.logger().Warn("[ACTIONS] visual_navigate failed; clicking fallback",
			"request_id", requestID, "error", resp.Error, "fallback", []int{fx, fy})
		if err := deps.Mouse.ClickAt(ctx, fx, fy, driver.ButtonLeft, 1, msDuration(defaultClickMs)); err != nil {
			return out, err
		}
		// The action succeeds; last_vision_status keeps the failure on record.
		return out, nil
	}

	kind := protocol.Kind(resp.Reason)
	if kind == "" {
		kind = protocol.KindExternalCallFailure
	}
	return out, protocol.NewError(kind, "visual navigation %s: %s", resp.Status, resp.Error)
}

// runLocate performs one single-pass locate exchange: the planner takes a
// screenshot, asks the model whether the target is visible, and answers
// with coordinates. No action commands flow in locate mode.
func runLocate(ctx context.Context, deps *Deps, task string) (*vision.NavResponse, error) {
	if deps.Bus == nil {
		return nil, protocol.NewError(protocol.KindValidationFailure,
			"vision actions require a broker; none was injected")
	}
	requestID := uuid.NewString()
	req := vision.NavRequest{RequestID: requestID, Task: task, MaxIterations: 1, Mode: vision.ModeLocate}
	if err := deps.Bus.Send(broker.ChannelVisualNavRequest, req, requestID); err != nil {
		return nil, err
	}
	ex := &visionExchange{deps: deps, requestID: requestID}
	return ex.pump(ctx, time.Now().Add(deps.Vision.IterationTimeout+deps.Vision.slack()))
}

// verifyScreen is soft: it records whether the described state is visible
// instead of failing the protocol.
func verifyScreen(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	expectation, err := p.NeedString("expectation")
	if err != nil {
		return nil, err
	}
	return locateVerification(ctx, deps, expectation), nil
}

func verifyElement(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	description, err := p.NeedString("description")
	if err != nil {
		return nil, err
	}
	return locateVerification(ctx, deps, description), nil
}

// locateVerification runs one locate pass and folds the outcome into the
// verification variables, attaching verified_x/verified_y when the target
// was pinned to a point. Later actions can consume the coordinates through
// {{verified_x}} / {{verified_y}}.
func locateVerification(ctx context.Context, deps *Deps, task string) Outputs {
	resp, rerr := runLocate(ctx, deps, task)
	out := verificationOutputs(resp, rerr)
	if rerr == nil && resp.Status == vision.StatusSuccess && resp.FinalCoordinates != nil {
		out["verified_x"] = resp.FinalCoordinates.X()
		out["verified_y"] = resp.FinalCoordinates.Y()
	}
	return out
}

func findElement(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	description, err := p.NeedString("description")
	if err != nil {
		return nil, err
	}
	resp, rerr := runLocate(ctx, deps, description)
	if rerr != nil {
		deps.logger().Warn("[ACTIONS] find_element exchange failed", "error", rerr)
		return Outputs{"element_found": false}, nil
	}
	if resp.Status != vision.StatusSuccess || resp.FinalCoordinates == nil {
		return Outputs{"element_found": false}, nil
	}
	return Outputs{
		"element_found": true,
		"element_x":     resp.FinalCoordinates.X(),
		"element_y":     resp.FinalCoordinates.Y(),
	}, nil
}

func verifyText(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	text, err := p.NeedString("text")
	if err != nil {
		return nil, err
	}
	task := fmt.Sprintf("the text %q is visible on screen", text)
	return verificationOutputs(runLocate(ctx, deps, task)), nil
}

// verificationOutputs folds a locate outcome (or exchange error) into the
// soft-verification context variables.
func verificationOutputs(resp *vision.NavResponse, rerr error) Outputs {
	if rerr != nil {
		return Outputs{"last_verification_passed": false, "last_verification_detail": rerr.Error()}
	}
	if resp.Status == vision.StatusSuccess {
		return Outputs{"last_verification_passed": true, "last_verification_detail": "confirmed"}
	}
	detail := resp.Error
	if detail == "" {
		detail = "not confirmed"
	}
	return Outputs{"last_verification_passed": false, "last_verification_detail": detail}
}

// visionExchange serves the executor side of one vision request: state
// snapshots out, action commands in, until the terminal response.
type visionExchange struct {
	deps      *Deps
	requestID string
}

// pump multiplexes the three executor-side channels until the planner's
// terminal verdict or the deadline.
func (e *visionExchange) pump(ctx context.Context, deadline time.Time) (*vision.NavResponse, error) {
	bus := e.deps.Bus
	poll := e.deps.Vision.Poll
	if poll <= 0 {
		poll = broker.DefaultPollInterval
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, protocol.NewError(protocol.KindTimeout,
				"no terminal navigation response for request %s", e.requestID)
		}

		msg, err := bus.TryReceive(broker.ChannelVisualNavResponse, e.requestID)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			var resp vision.NavResponse
			if err := msg.Decode(&resp); err != nil {
				return nil, fmt.Errorf("decode navigation response: %w", err)
			}
			return &resp, nil
		}

		if msg, err = bus.TryReceive(broker.ChannelVisualStateRequest, e.requestID); err != nil {
			return nil, err
		} else if msg != nil {
			if err := e.serveState(ctx); err != nil {
				return nil, err
			}
			continue
		}

		if msg, err = bus.TryReceive(broker.ChannelVisualActionCmd, e.requestID); err != nil {
			return nil, err
		} else if msg != nil {
			var cmd vision.ActionCmd
			if err := msg.Decode(&cmd); err != nil {
				return nil, fmt.Errorf("decode action command: %w", err)
			}
			if err := e.serveAction(ctx, cmd); err != nil {
				return nil, err
			}
			continue
		}

		if err := sleepCtx(ctx, poll); err != nil {
			return nil, err
		}
	}
}

// serveState captures the screen and replies with the full desktop state.
func (e *visionExchange) serveState(ctx context.Context) error {
	d := e.deps.Driver
	img, err := d.CaptureScreen(ctx)
	if err != nil {
		return fmt.Errorf("capture screen: %w", err)
	}
	mx, my, err := d.MousePosition(ctx)
	if err != nil {
		return err
	}
	w, h, err := d.ScreenSize(ctx)
	if err != nil {
		return err
	}
	state := vision.StateResponse{
		RequestID:     e.requestID,
		ScreenshotB64: base64.StdEncoding.EncodeToString(img),
		MouseXY:       vision.Point{mx, my},
		ScreenWH:      vision.Point{w, h},
	}
	return e.deps.Bus.Send(broker.ChannelVisualStateResponse, state, e.requestID)
}

// serveAction dispatches one planner-proposed action and reports how it
// went. Dispatch failures become a failed result, not an executor error:
// the planner decides whether the run survives.
func (e *visionExchange) serveAction(ctx context.Context, cmd vision.ActionCmd) error {
	res := vision.ActionResult{RequestID: e.requestID, Status: vision.StatusSuccess}
	if err := e.dispatch(ctx, cmd); err != nil {
		e.deps.logger().Warn("[ACTIONS] vision action failed",
			"request_id", e.requestID, "action", cmd.Action, "error", err)
		res.Status = vision.StatusFailed
		res.Error = err.Error()
	}
	if mx, my, err := e.deps.Driver.MousePosition(ctx); err == nil {
		res.MouseXY = vision.Point{mx, my}
	}
	if cmd.RequestFollowup && res.Status == vision.StatusSuccess {
		if img, err := e.deps.Driver.CaptureScreen(ctx); err == nil {
			res.FollowupScreenshotB64 = base64.StdEncoding.EncodeToString(img)
		}
	}
	return e.deps.Bus.Send(broker.ChannelVisualActionResult, res, e.requestID)
}

// dispatch validates coordinates against the live screen and drives the
// input device. The planner already clamped once; revalidating here keeps
// a stale or hostile planner from pushing the pointer off-screen.
func (e *visionExchange) dispatch(ctx context.Context, cmd vision.ActionCmd) error {
	var x, y int
	if cmd.Coordinates != nil {
		w, h, err := e.deps.Driver.ScreenSize(ctx)
		if err != nil {
			return err
		}
		x, y, _, err = e.deps.Vision.Clamper.Validate(cmd.Coordinates.X(), cmd.Coordinates.Y(), w, h)
		if err != nil {
			return err
		}
	}
	glide := msDuration(defaultClickMs)
	switch cmd.Action {
	case vision.ActionClick:
		if cmd.Coordinates == nil {
			return fmt.Errorf("click command without coordinates")
		}
		return e.deps.Mouse.ClickAt(ctx, x, y, driver.ButtonLeft, 1, glide)
	case vision.ActionDoubleClick:
		if cmd.Coordinates == nil {
			return fmt.Errorf("double_click command without coordinates")
		}
		return e.deps.Mouse.ClickAt(ctx, x, y, driver.ButtonLeft, 2, glide)
	case vision.ActionRightClick:
		if cmd.Coordinates == nil {
			return fmt.Errorf("right_click command without coordinates")
		}
		return e.deps.Mouse.ClickAt(ctx, x, y, driver.ButtonRight, 1, glide)
	case vision.ActionType:
		if cmd.Coordinates != nil {
			if err := e.deps.Mouse.ClickAt(ctx, x, y, driver.ButtonLeft, 1, glide); err != nil {
				return err
			}
		}
		return e.deps.Driver.TypeText(ctx, cmd.Text, 0)
	default:
		return fmt.Errorf("unsupported vision action %q", cmd.Action)
	}
}
