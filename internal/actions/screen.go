package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func registerScreen(r *Registry) {
	r.Register(Spec{Name: "capture_screen", Category: CategoryScreen,
		Optional: []string{"path"},
		Outputs:  []string{"screenshot_path"}, Handler: captureScreen})
	r.Register(Spec{Name: "capture_region", Category: CategoryScreen,
		Required: []string{"x", "y", "width", "height"}, Optional: []string{"path"},
		Outputs: []string{"screenshot_path"}, Handler: captureRegion})
	r.Register(Spec{Name: "capture_window", Category: CategoryScreen,
		Required: []string{"title"}, Optional: []string{"path"},
		Outputs: []string{"screenshot_path"}, Handler: captureWindow})
	r.Register(Spec{Name: "save_screenshot", Category: CategoryScreen,
		Required: []string{"path"},
		Outputs:  []string{"screenshot_path"}, Handler: saveScreenshot})
}

// writeCapture stores JPEG bytes under path (or a temp file when path is
// empty) and reports where they landed so later actions can reference it.
func writeCapture(img []byte, path string) (Outputs, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(),
			fmt.Sprintf("deskpilot-%d.jpg", time.Now().UnixMilli()))
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create screenshot dir: %w", err)
		}
	}
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return nil, fmt.Errorf("write screenshot: %w", err)
	}
	return Outputs{"screenshot_path": path}, nil
}

func captureScreen(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	img, err := deps.Driver.CaptureScreen(ctx)
	if err != nil {
		return nil, err
	}
	return writeCapture(img, p.StringOr("path", ""))
}

func captureRegion(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	x, err := p.NeedInt("x")
	if err != nil {
		return nil, err
	}
	y, err := p.NeedInt("y")
	if err != nil {
		return nil, err
	}
	w, err := p.NeedInt("width")
	if err != nil {
		return nil, err
	}
	h, err := p.NeedInt("height")
	if err != nil {
		return nil, err
	}
	img, err := deps.Driver.CaptureRegion(ctx, x, y, w, h)
	if err != nil {
		return nil, err
	}
	return writeCapture(img, p.StringOr("path", ""))
}

func captureWindow(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	title, err := p.NeedString("title")
	if err != nil {
		return nil, err
	}
	img, err := deps.Driver.CaptureWindow(ctx, title)
	if err != nil {
		return nil, err
	}
	return writeCapture(img, p.StringOr("path", ""))
}

func saveScreenshot(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	path, err := p.NeedString("path")
	if err != nil {
		return nil, err
	}
	img, err := deps.Driver.CaptureScreen(ctx)
	if err != nil {
		return nil, err
	}
	return writeCapture(img, path)
}
