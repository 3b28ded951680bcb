package actions

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/haricheung/deskpilot/internal/protocol"
)

const waitPollInterval = 500 * time.Millisecond

func registerTiming(r *Registry) {
	r.Register(Spec{Name: "delay", Category: CategoryTiming,
		Required: []string{"ms"}, Handler: delay})
	r.Register(Spec{Name: "wait_for_window", Category: CategoryTiming,
		Required: []string{"title"}, Optional: []string{"timeout_s"}, Handler: waitForWindow})
	r.Register(Spec{Name: "wait_for_image", Category: CategoryTiming,
		Required: []string{"description"}, Optional: []string{"timeout_s", "poll_s"},
		Outputs: []string{"element_x", "element_y"}, Handler: waitForImage})
	r.Register(Spec{Name: "wait_for_color", Category: CategoryTiming,
		Required: []string{"x", "y", "color"}, Optional: []string{"timeout_s", "tolerance"},
		Handler: waitForColor})
}

func delay(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	ms, err := p.NeedInt("ms")
	if err != nil {
		return nil, err
	}
	if ms < 0 {
		return nil, protocol.NewError(protocol.KindBadDelay, "delay must be >= 0, got %d", ms)
	}
	return nil, sleepCtx(ctx, msDuration(ms))
}

func waitForWindow(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	title, err := p.NeedString("title")
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(p.IntOr("timeout_s", 10)) * time.Second
	deadline := time.Now().Add(timeout)
	for {
		windows, err := deps.Driver.ListWindows(ctx)
		if err != nil {
			return nil, err
		}
		for _, w := range windows {
			if strings.Contains(strings.ToLower(w.Title), strings.ToLower(title)) {
				return Outputs{"window_title": w.Title}, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, protocol.NewError(protocol.KindTimeout,
				"window %q did not appear within %s", title, timeout)
		}
		if err := sleepCtx(ctx, waitPollInterval); err != nil {
			return nil, err
		}
	}
}

// waitForImage polls the vision locate exchange until the described
// element appears. Each poll costs a vision-model call, so the interval
// defaults to a conservative 2 s.
func waitForImage(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	description, err := p.NeedString("description")
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(p.IntOr("timeout_s", 30)) * time.Second
	poll := time.Duration(p.IntOr("poll_s", 2)) * time.Second
	deadline := time.Now().Add(timeout)
	for {
		resp, err := runLocate(ctx, deps, description)
		if err != nil {
			return nil, err
		}
		if resp.Status == "success" && resp.FinalCoordinates != nil {
			return Outputs{
				"element_x": resp.FinalCoordinates.X(),
				"element_y": resp.FinalCoordinates.Y(),
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, protocol.NewError(protocol.KindTimeout,
				"%q did not appear within %s", description, timeout)
		}
		if err := sleepCtx(ctx, poll); err != nil {
			return nil, err
		}
	}
}

func waitForColor(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	x, err := p.NeedInt("x")
	if err != nil {
		return nil, err
	}
	y, err := p.NeedInt("y")
	if err != nil {
		return nil, err
	}
	colorStr, err := p.NeedString("color")
	if err != nil {
		return nil, err
	}
	wantR, wantG, wantB, err := parseHexColor(colorStr)
	if err != nil {
		return nil, err
	}
	tolerance := p.IntOr("tolerance", 10)
	timeout := time.Duration(p.IntOr("timeout_s", 10)) * time.Second
	deadline := time.Now().Add(timeout)
	for {
		r, g, b, err := deps.Driver.PixelColor(ctx, x, y)
		if err != nil {
			return nil, err
		}
		if absDiff(r, wantR) <= tolerance && absDiff(g, wantG) <= tolerance && absDiff(b, wantB) <= tolerance {
			return nil, nil
		}
		if time.Now().After(deadline) {
			return nil, protocol.NewError(protocol.KindTimeout,
				"pixel (%d, %d) did not reach %s within %s (last #%02X%02X%02X)",
				x, y, colorStr, timeout, r, g, b)
		}
		if err := sleepCtx(ctx, waitPollInterval); err != nil {
			return nil, err
		}
	}
}

func parseHexColor(s string) (r, g, b uint8, err error) {
	hexStr := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hexStr) != 6 {
		return 0, 0, 0, protocol.NewError(protocol.KindValidationFailure,
			"color must be #RRGGBB, got %q", s)
	}
	v, perr := strconv.ParseUint(hexStr, 16, 32)
	if perr != nil {
		return 0, 0, 0, protocol.NewError(protocol.KindValidationFailure,
			"color must be #RRGGBB, got %q", s)
	}
	return uint8(v >> 16), uint8(v >> 8), uint8(v), nil
}

func absDiff(a, b uint8) int {
	d := int(a) - int(b)
	if d < 0 {
		return -d
	}
	return d
}
