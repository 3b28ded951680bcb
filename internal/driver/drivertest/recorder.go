// Package drivertest provides an in-memory driver.Driver that records every
// call as a readable op string and returns scripted values, so handler and
// executor tests can assert on exactly what would have hit the desktop.
package drivertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haricheung/deskpilot/internal/driver"
)

// Recorder is a scripted driver.Driver. The zero value works: screens are
// 1920x1080, captures return a stub JPEG, and every input op succeeds.
type Recorder struct {
	mu  sync.Mutex
	ops []string

	// Scripted state, read by the corresponding getters.
	Width, Height int
	PosX, PosY    int
	Title         string
	Windows       []driver.Window
	Clipboard     string
	Screens       [][]byte            // successive CaptureScreen returns; last repeats
	Colors        map[[2]int][3]uint8 // pixel samples; missing keys are black
	screenIdx     int

	// FailOn maps an op name (e.g. "click", "capture_screen") to the error
	// every such call returns.
	FailOn map[string]error
}

var _ driver.Driver = (*Recorder)(nil)

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{Width: 1920, Height: 1080}
}

// Ops returns a copy of the recorded op strings, in call order.
func (r *Recorder) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ops))
	copy(out, r.ops)
	return out
}

// OpCount returns how many ops with the given name were recorded.
func (r *Recorder) OpCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, op := range r.ops {
		if op == name || strings.HasPrefix(op, name+" ") {
			n++
		}
	}
	return n
}

// record appends the op and returns the scripted error for its name, if any.
func (r *Recorder) record(ctx context.Context, name string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op := name
	if len(args) > 0 {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprint(a)
		}
		op = name + " " + strings.Join(parts, " ")
	}
	r.mu.Lock()
	r.ops = append(r.ops, op)
	err := r.FailOn[name]
	r.mu.Unlock()
	return err
}

func (r *Recorder) PressKey(ctx context.Context, key string) error {
	return r.record(ctx, "press_key", key)
}

func (r *Recorder) KeyCombo(ctx context.Context, keys []string) error {
	return r.record(ctx, "key_combo", strings.Join(keys, "+"))
}

func (r *Recorder) TypeText(ctx context.Context, text string, delay time.Duration) error {
	return r.record(ctx, "type_text", text, delay.Milliseconds())
}

func (r *Recorder) HoldKey(ctx context.Context, key string) error {
	return r.record(ctx, "hold_key", key)
}

func (r *Recorder) ReleaseKey(ctx context.Context, key string) error {
	return r.record(ctx, "release_key", key)
}

func (r *Recorder) MouseMove(ctx context.Context, x, y int) error {
	if err := r.record(ctx, "mouse_move", x, y); err != nil {
		return err
	}
	r.mu.Lock()
	r.PosX, r.PosY = x, y
	r.mu.Unlock()
	return nil
}

func (r *Recorder) MousePosition(ctx context.Context) (int, int, error) {
	if err := r.record(ctx, "mouse_position"); err != nil {
		return 0, 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.PosX, r.PosY, nil
}

func (r *Recorder) Click(ctx context.Context, button driver.Button, count int) error {
	return r.record(ctx, "click", button, count)
}

func (r *Recorder) MouseDown(ctx context.Context, button driver.Button) error {
	return r.record(ctx, "mouse_down", button)
}

func (r *Recorder) MouseUp(ctx context.Context, button driver.Button) error {
	return r.record(ctx, "mouse_up", button)
}

func (r *Recorder) Scroll(ctx context.Context, clicks int) error {
	return r.record(ctx, "scroll", clicks)
}

func (r *Recorder) ScreenSize(ctx context.Context) (int, int, error) {
	if err := r.record(ctx, "screen_size"); err != nil {
		return 0, 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, h := r.Width, r.Height
	if w == 0 {
		w = 1920
	}
	if h == 0 {
		h = 1080
	}
	return w, h, nil
}

// stubJPEG is returned when no screens are scripted; just the SOI marker so
// anything probing for JPEG magic is satisfied.
var stubJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0}

func (r *Recorder) nextScreen() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Screens) == 0 {
		return stubJPEG
	}
	img := r.Screens[r.screenIdx]
	if r.screenIdx < len(r.Screens)-1 {
		r.screenIdx++
	}
	return img
}

func (r *Recorder) CaptureScreen(ctx context.Context) ([]byte, error) {
	if err := r.record(ctx, "capture_screen"); err != nil {
		return nil, err
	}
	return r.nextScreen(), nil
}

func (r *Recorder) CaptureRegion(ctx context.Context, x, y, w, h int) ([]byte, error) {
	if err := r.record(ctx, "capture_region", x, y, w, h); err != nil {
		return nil, err
	}
	return r.nextScreen(), nil
}

func (r *Recorder) CaptureWindow(ctx context.Context, title string) ([]byte, error) {
	if err := r.record(ctx, "capture_window", title); err != nil {
		return nil, err
	}
	return r.nextScreen(), nil
}

func (r *Recorder) PixelColor(ctx context.Context, x, y int) (uint8, uint8, uint8, error) {
	if err := r.record(ctx, "pixel_color", x, y); err != nil {
		return 0, 0, 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.Colors[[2]int{x, y}]
	return c[0], c[1], c[2], nil
}

func (r *Recorder) ActiveWindow(ctx context.Context) (string, error) {
	if err := r.record(ctx, "active_window"); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Title, nil
}

func (r *Recorder) ListWindows(ctx context.Context) ([]driver.Window, error) {
	if err := r.record(ctx, "list_windows"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]driver.Window, len(r.Windows))
	copy(out, r.Windows)
	return out, nil
}

func (r *Recorder) ActivateWindow(ctx context.Context, title string) error {
	if err := r.record(ctx, "activate_window", title); err != nil {
		return err
	}
	r.mu.Lock()
	r.Title = title
	r.mu.Unlock()
	return nil
}

func (r *Recorder) MinimizeWindow(ctx context.Context, title string) error {
	return r.record(ctx, "minimize_window", title)
}

func (r *Recorder) MaximizeWindow(ctx context.Context, title string) error {
	return r.record(ctx, "maximize_window", title)
}

func (r *Recorder) RestoreWindow(ctx context.Context, title string) error {
	return r.record(ctx, "restore_window", title)
}

func (r *Recorder) CloseWindow(ctx context.Context, title string) error {
	return r.record(ctx, "close_window", title)
}

func (r *Recorder) LaunchApp(ctx context.Context, command string) error {
	return r.record(ctx, "launch_app", command)
}

func (r *Recorder) CloseApp(ctx context.Context, name string) error {
	return r.record(ctx, "close_app", name)
}

func (r *Recorder) OpenPath(ctx context.Context, target string) error {
	return r.record(ctx, "open_path", target)
}

func (r *Recorder) ClipboardGet(ctx context.Context) (string, error) {
	if err := r.record(ctx, "clipboard_get"); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Clipboard, nil
}

func (r *Recorder) ClipboardSet(ctx context.Context, text string) error {
	if err := r.record(ctx, "clipboard_set", text); err != nil {
		return err
	}
	r.mu.Lock()
	r.Clipboard = text
	r.mu.Unlock()
	return nil
}

func (r *Recorder) LockScreen(ctx context.Context) error {
	return r.record(ctx, "lock_screen")
}

func (r *Recorder) SleepSystem(ctx context.Context) error {
	return r.record(ctx, "sleep_system")
}

func (r *Recorder) ShutdownSystem(ctx context.Context) error {
	return r.record(ctx, "shutdown_system")
}

func (r *Recorder) RestartSystem(ctx context.Context) error {
	return r.record(ctx, "restart_system")
}

func (r *Recorder) SetVolume(ctx context.Context, op driver.VolumeOp) error {
	return r.record(ctx, "set_volume", op)
}
