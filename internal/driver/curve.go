package driver

import (
	"context"
	"math"
	"time"
)

// MouseController moves the pointer along an eased path instead of teleporting
// it. Some applications ignore clicks that arrive with no preceding motion,
// and vision verification benefits from the pointer settling where a human's
// would.
type MouseController struct {
	driver Driver
	// stepPx is the approximate distance between intermediate points.
	stepPx float64
}

// NewMouseController wraps a driver with eased movement.
func NewMouseController(d Driver) *MouseController {
	return &MouseController{driver: d, stepPx: 20}
}

// MoveTo glides the pointer from its current position to (x, y) over
// duration. Zero duration means instant. The sleep between points is
// cancellable; on cancellation the pointer stays wherever it got to.
func (m *MouseController) MoveTo(ctx context.Context, x, y int, duration time.Duration) error {
	if duration <= 0 {
		return m.driver.MouseMove(ctx, x, y)
	}
	fromX, fromY, err := m.driver.MousePosition(ctx)
	if err != nil {
		// No start point: fall back to a direct move.
		return m.driver.MouseMove(ctx, x, y)
	}

	steps := m.steps(fromX, fromY, x, y)
	pause := duration / time.Duration(steps)
	for i := 1; i <= steps; i++ {
		t := easeInOutQuad(float64(i) / float64(steps))
		px := fromX + int(math.Round(t*float64(x-fromX)))
		py := fromY + int(math.Round(t*float64(y-fromY)))
		if err := m.driver.MouseMove(ctx, px, py); err != nil {
			return err
		}
		if i == steps {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
	return nil
}

// ClickAt glides to (x, y) and clicks there.
func (m *MouseController) ClickAt(ctx context.Context, x, y int, button Button, count int, duration time.Duration) error {
	if err := m.MoveTo(ctx, x, y, duration); err != nil {
		return err
	}
	return m.driver.Click(ctx, button, count)
}

// DragTo presses the button at the current position, glides to (x, y), and
// releases. The button is released even when the glide fails so the desktop
// is never left with a stuck button.
func (m *MouseController) DragTo(ctx context.Context, x, y int, button Button, duration time.Duration) error {
	if err := m.driver.MouseDown(ctx, button); err != nil {
		return err
	}
	moveErr := m.MoveTo(ctx, x, y, duration)
	if err := m.driver.MouseUp(context.WithoutCancel(ctx), button); err != nil && moveErr == nil {
		return err
	}
	return moveErr
}

// steps picks the number of intermediate points from the travel distance,
// clamped to [2, 50].
func (m *MouseController) steps(fromX, fromY, toX, toY int) int {
	dist := math.Hypot(float64(toX-fromX), float64(toY-fromY))
	n := int(dist / m.stepPx)
	if n < 2 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

// easeInOutQuad accelerates through the first half of the path and
// decelerates through the second.
func easeInOutQuad(t float64) float64 {
	if t < 0.5 {
		return 2 * t * t
	}
	return 1 - math.Pow(-2*t+2, 2)/2
}
