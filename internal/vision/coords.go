package vision

import (
	"github.com/haricheung/deskpilot/internal/protocol"
)

// Default coordinate validation parameters.
const (
	DefaultMargin    = 5  // px kept clear of every screen edge
	DefaultTolerance = 10 // px beyond the margin still worth clamping
)

// Clamper validates proposed click coordinates against the screen bounds.
// Points slightly outside the usable area (within Tolerance of the margin)
// are pulled back in; points further out are rejected.
type Clamper struct {
	Margin    int
	Tolerance int
}

// NewClamper applies the defaults for non-positive values.
func NewClamper(margin, tolerance int) Clamper {
	if margin <= 0 {
		margin = DefaultMargin
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return Clamper{Margin: margin, Tolerance: tolerance}
}

// Validate checks (x, y) against a w x h screen. It returns the (possibly
// clamped) point and whether clamping changed it. Points outside the clamp
// tolerance fail with UNSAFE_COORDINATES.
func (c Clamper) Validate(x, y, w, h int) (int, int, bool, error) {
	cx, okX := clampAxis(x, w, c.Margin, c.Tolerance)
	cy, okY := clampAxis(y, h, c.Margin, c.Tolerance)
	if !okX || !okY {
		return 0, 0, false, protocol.NewError(protocol.KindUnsafeCoordinates,
			"point (%d, %d) outside %dx%d screen (margin %d, tolerance %d)",
			x, y, w, h, c.Margin, c.Tolerance)
	}
	return cx, cy, cx != x || cy != y, nil
}

// clampAxis applies the one-dimensional rule: values in [margin-tolerance,
// margin] snap to margin, values in [size-margin, size-margin+tolerance]
// snap to size-margin-1, values in between pass through, anything else is
// rejected.
func clampAxis(v, size, margin, tolerance int) (int, bool) {
	low := margin
	high := size - margin - 1
	switch {
	case v >= low && v <= high:
		return v, true
	case v >= low-tolerance && v < low:
		return low, true
	case v > high && v <= size-margin+tolerance:
		return high, true
	default:
		return 0, false
	}
}
