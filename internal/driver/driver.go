// Package driver abstracts the desktop input/output surface: keyboard,
// mouse, screen capture, windows, clipboard, and session control. Action
// handlers compose these primitives; the X11 implementation shells out to
// the standard display-server tools.
package driver

import (
	"context"
	"time"
)

// Button identifies a mouse button.
type Button string

const (
	ButtonLeft   Button = "left"
	ButtonMiddle Button = "middle"
	ButtonRight  Button = "right"
)

// VolumeOp is a system volume adjustment.
type VolumeOp string

const (
	VolumeUp   VolumeOp = "up"
	VolumeDown VolumeOp = "down"
	VolumeMute VolumeOp = "mute"
)

// Window describes one top-level window.
type Window struct {
	ID      string `json:"id"`
	Desktop int    `json:"desktop"`
	Title   string `json:"title"`
}

// Driver is the full desktop surface. Every call takes a context so a
// stopped or timed-out protocol can abandon a stuck tool invocation.
type Driver interface {
	// Keyboard.
	PressKey(ctx context.Context, key string) error
	KeyCombo(ctx context.Context, keys []string) error
	TypeText(ctx context.Context, text string, delay time.Duration) error
	HoldKey(ctx context.Context, key string) error
	ReleaseKey(ctx context.Context, key string) error

	// Mouse. Click and Scroll act at the current pointer position.
	MouseMove(ctx context.Context, x, y int) error
	MousePosition(ctx context.Context) (x, y int, err error)
	Click(ctx context.Context, button Button, count int) error
	MouseDown(ctx context.Context, button Button) error
	MouseUp(ctx context.Context, button Button) error
	Scroll(ctx context.Context, clicks int) error

	// Screen. Captures return JPEG bytes.
	ScreenSize(ctx context.Context) (w, h int, err error)
	CaptureScreen(ctx context.Context) ([]byte, error)
	CaptureRegion(ctx context.Context, x, y, w, h int) ([]byte, error)
	CaptureWindow(ctx context.Context, title string) ([]byte, error)
	PixelColor(ctx context.Context, x, y int) (r, g, b uint8, err error)

	// Windows. Title arguments match by substring, first match wins.
	ActiveWindow(ctx context.Context) (string, error)
	ListWindows(ctx context.Context) ([]Window, error)
	ActivateWindow(ctx context.Context, title string) error
	MinimizeWindow(ctx context.Context, title string) error
	MaximizeWindow(ctx context.Context, title string) error
	RestoreWindow(ctx context.Context, title string) error
	CloseWindow(ctx context.Context, title string) error

	// Applications and desktop entries.
	LaunchApp(ctx context.Context, command string) error
	CloseApp(ctx context.Context, name string) error
	OpenPath(ctx context.Context, target string) error

	// Clipboard.
	ClipboardGet(ctx context.Context) (string, error)
	ClipboardSet(ctx context.Context, text string) error

	// Session control.
	LockScreen(ctx context.Context) error
	SleepSystem(ctx context.Context) error
	ShutdownSystem(ctx context.Context) error
	RestartSystem(ctx context.Context) error
	SetVolume(ctx context.Context, op VolumeOp) error
}
