package actions

import (
	"context"
	"time"

	"github.com/haricheung/deskpilot/internal/driver"
	"github.com/haricheung/deskpilot/internal/protocol"
)

// Default glide durations. Clicks move faster than bare repositioning so
// protocols feel deliberate without dragging.
const (
	defaultMoveMs  = 200
	defaultClickMs = 150
	defaultDragMs  = 300
)

func registerMouse(r *Registry) {
	r.Register(Spec{Name: "mouse_move", Category: CategoryMouse,
		Required: []string{"x", "y"}, Optional: []string{"duration_ms"}, Handler: mouseMove})
	r.Register(Spec{Name: "mouse_click", Category: CategoryMouse,
		Optional: []string{"x", "y", "button", "clicks", "duration_ms"}, Handler: mouseClick})
	r.Register(Spec{Name: "mouse_double_click", Category: CategoryMouse,
		Optional: []string{"x", "y", "duration_ms"}, Handler: mouseDoubleClick})
	r.Register(Spec{Name: "mouse_right_click", Category: CategoryMouse,
		Optional: []string{"x", "y", "duration_ms"}, Handler: mouseRightClick})
	r.Register(Spec{Name: "mouse_drag", Category: CategoryMouse,
		Required: []string{"from", "to"}, Optional: []string{"button", "duration_ms"}, Handler: mouseDrag})
	r.Register(Spec{Name: "mouse_scroll", Category: CategoryMouse,
		Optional: []string{"clicks", "direction"}, Handler: mouseScroll})
	r.Register(Spec{Name: "mouse_position", Category: CategoryMouse,
		Outputs: []string{"mouse_x", "mouse_y"}, Handler: mousePosition})
}

func mouseMove(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	x, err := p.NeedInt("x")
	if err != nil {
		return nil, err
	}
	y, err := p.NeedInt("y")
	if err != nil {
		return nil, err
	}
	dur := time.Duration(p.IntOr("duration_ms", defaultMoveMs)) * time.Millisecond
	return nil, deps.Mouse.MoveTo(ctx, x, y, dur)
}

// clickParams reads the shared click parameter shape. Coordinates are
// optional; without them the click lands at the current pointer position.
func clickParams(p Params) (x, y int, haveXY bool, err error) {
	hasX, hasY := p.Has("x"), p.Has("y")
	if hasX != hasY {
		return 0, 0, false, protocol.NewError(protocol.KindValidationFailure,
			"click coordinates need both x and y")
	}
	if !hasX {
		return 0, 0, false, nil
	}
	if x, err = p.NeedInt("x"); err != nil {
		return 0, 0, false, err
	}
	if y, err = p.NeedInt("y"); err != nil {
		return 0, 0, false, err
	}
	return x, y, true, nil
}

func clickAction(ctx context.Context, deps *Deps, p Params, button driver.Button, count int) (Outputs, error) {
	x, y, haveXY, err := clickParams(p)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}
	if haveXY {
		dur := time.Duration(p.IntOr("duration_ms", defaultClickMs)) * time.Millisecond
		return nil, deps.Mouse.ClickAt(ctx, x, y, button, count, dur)
	}
	return nil, deps.Driver.Click(ctx, button, count)
}

func mouseClick(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	button := driver.Button(p.StringOr("button", string(driver.ButtonLeft)))
	switch button {
	case driver.ButtonLeft, driver.ButtonMiddle, driver.ButtonRight:
	default:
		return nil, protocol.NewError(protocol.KindValidationFailure, "unknown mouse button %q", button)
	}
	return clickAction(ctx, deps, p, button, p.IntOr("clicks", 1))
}

func mouseDoubleClick(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	return clickAction(ctx, deps, p, driver.ButtonLeft, 2)
}

func mouseRightClick(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	return clickAction(ctx, deps, p, driver.ButtonRight, 1)
}

func mouseDrag(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	fromX, fromY, err := p.NeedIntPair("from")
	if err != nil {
		return nil, err
	}
	toX, toY, err := p.NeedIntPair("to")
	if err != nil {
		return nil, err
	}
	button := driver.Button(p.StringOr("button", string(driver.ButtonLeft)))
	dur := time.Duration(p.IntOr("duration_ms", defaultDragMs)) * time.Millisecond
	if err := deps.Mouse.MoveTo(ctx, fromX, fromY, dur/2); err != nil {
		return nil, err
	}
	return nil, deps.Mouse.DragTo(ctx, toX, toY, button, dur)
}

func mouseScroll(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	clicks := p.IntOr("clicks", 3)
	if clicks < 0 {
		clicks = -clicks
	}
	switch dir := p.StringOr("direction", "down"); dir {
	case "down":
		clicks = -clicks
	case "up":
	default:
		return nil, protocol.NewError(protocol.KindValidationFailure, "scroll direction must be up or down, got %q", dir)
	}
	return nil, deps.Driver.Scroll(ctx, clicks)
}

func mousePosition(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	x, y, err := deps.Driver.MousePosition(ctx)
	if err != nil {
		return nil, err
	}
	return Outputs{"mouse_x": x, "mouse_y": y}, nil
}
