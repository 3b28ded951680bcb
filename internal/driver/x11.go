package driver

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// X11 drives a Linux desktop through the standard tools: xdotool for input,
// wmctrl for window management, ImageMagick import for capture, xclip for
// the clipboard, and systemd utilities for session control. Each call is a
// short-lived subprocess, so no display connection is held between actions.
type X11 struct {
	logger  *slog.Logger
	quality int      // JPEG quality for captures
	exec    execFunc // swapped out in tests
}

var _ Driver = (*X11)(nil)

// DefaultJPEGQuality is the capture encoding quality when none is configured.
const DefaultJPEGQuality = 85

// NewX11 returns a Driver backed by the local display tools. quality sets
// the JPEG encoding for captures; non-positive means DefaultJPEGQuality.
func NewX11(logger *slog.Logger, quality int) *X11 {
	if logger == nil {
		logger = slog.Default()
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &X11{logger: logger, quality: quality, exec: runTool}
}

// execFunc runs one tool invocation. stdin is fed to the process when
// non-empty so arbitrary text never needs shell escaping.
type execFunc func(ctx context.Context, stdin, name string, args ...string) ([]byte, error)

// runTool executes a tool and returns stdout. A non-zero exit becomes an
// ExecError carrying the tool's stderr.
func runTool(ctx context.Context, stdin, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, &ExecError{Tool: name, Stderr: strings.TrimSpace(string(ee.Stderr)), Err: err}
		}
		return nil, &ExecError{Tool: name, Err: err}
	}
	return out, nil
}

// ExecError wraps a desktop-tool subprocess failure with its error output.
type ExecError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return e.Tool + ": " + e.Stderr
	}
	return e.Tool + ": " + e.Err.Error()
}

func (e *ExecError) Unwrap() error { return e.Err }

// text runs a tool and returns its stdout with the trailing newline removed.
func (d *X11) text(ctx context.Context, name string, args ...string) (string, error) {
	out, err := d.exec(ctx, "", name, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// keysyms maps protocol key names to X11 keysyms. Names not listed pass
// through unchanged so raw keysyms (XF86AudioPlay, odd punctuation) remain
// usable.
var keysyms = map[string]string{
	"enter": "Return", "return": "Return",
	"esc": "Escape", "escape": "Escape",
	"tab": "Tab", "space": "space",
	"backspace": "BackSpace",
	"delete":    "Delete", "del": "Delete",
	"insert": "Insert",
	"home":   "Home", "end": "End",
	"pageup": "Page_Up", "page_up": "Page_Up",
	"pagedown": "Page_Down", "page_down": "Page_Down",
	"up": "Up", "down": "Down", "left": "Left", "right": "Right",
	"ctrl": "ctrl", "control": "ctrl",
	"alt": "alt", "shift": "shift",
	"cmd": "super", "win": "super", "super": "super", "meta": "super",
	"capslock": "Caps_Lock", "numlock": "Num_Lock",
	"printscreen": "Print", "menu": "Menu",
	"plus": "plus", "minus": "minus",
	"f1": "F1", "f2": "F2", "f3": "F3", "f4": "F4", "f5": "F5", "f6": "F6",
	"f7": "F7", "f8": "F8", "f9": "F9", "f10": "F10", "f11": "F11", "f12": "F12",
}

// Keysym resolves a protocol key name to its X11 keysym.
func Keysym(key string) string {
	if sym, ok := keysyms[strings.ToLower(key)]; ok {
		return sym
	}
	return key
}

func (d *X11) PressKey(ctx context.Context, key string) error {
	_, err := d.exec(ctx, "", "xdotool", "key", "--clearmodifiers", Keysym(key))
	return err
}

func (d *X11) KeyCombo(ctx context.Context, keys []string) error {
	syms := make([]string, len(keys))
	for i, k := range keys {
		syms[i] = Keysym(k)
	}
	_, err := d.exec(ctx, "", "xdotool", "key", "--clearmodifiers", strings.Join(syms, "+"))
	return err
}

// TypeText feeds the text through stdin (--file -) so quotes, newlines, and
// unicode never hit the argument list.
func (d *X11) TypeText(ctx context.Context, text string, delay time.Duration) error {
	ms := delay.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	_, err := d.exec(ctx, text, "xdotool", "type", "--delay", strconv.FormatInt(ms, 10), "--file", "-")
	return err
}

func (d *X11) HoldKey(ctx context.Context, key string) error {
	_, err := d.exec(ctx, "", "xdotool", "keydown", Keysym(key))
	return err
}

func (d *X11) ReleaseKey(ctx context.Context, key string) error {
	_, err := d.exec(ctx, "", "xdotool", "keyup", Keysym(key))
	return err
}

func (d *X11) MouseMove(ctx context.Context, x, y int) error {
	_, err := d.exec(ctx, "", "xdotool", "mousemove", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

var mouseLocPattern = regexp.MustCompile(`X=(\d+)\s+Y=(\d+)`)

func (d *X11) MousePosition(ctx context.Context) (int, int, error) {
	out, err := d.text(ctx, "xdotool", "getmouselocation", "--shell")
	if err != nil {
		return 0, 0, err
	}
	m := mouseLocPattern.FindStringSubmatch(strings.ReplaceAll(out, "\n", " "))
	if m == nil {
		return 0, 0, fmt.Errorf("driver: unexpected getmouselocation output %q", out)
	}
	x, _ := strconv.Atoi(m[1])
	y, _ := strconv.Atoi(m[2])
	return x, y, nil
}

func buttonNumber(b Button) string {
	switch b {
	case ButtonMiddle:
		return "2"
	case ButtonRight:
		return "3"
	default:
		return "1"
	}
}

func (d *X11) Click(ctx context.Context, button Button, count int) error {
	if count < 1 {
		count = 1
	}
	_, err := d.exec(ctx, "", "xdotool", "click", "--repeat", strconv.Itoa(count), buttonNumber(button))
	return err
}

func (d *X11) MouseDown(ctx context.Context, button Button) error {
	_, err := d.exec(ctx, "", "xdotool", "mousedown", buttonNumber(button))
	return err
}

func (d *X11) MouseUp(ctx context.Context, button Button) error {
	_, err := d.exec(ctx, "", "xdotool", "mouseup", buttonNumber(button))
	return err
}

// Scroll clicks the wheel: positive scrolls up (button 4), negative down
// (button 5).
func (d *X11) Scroll(ctx context.Context, clicks int) error {
	if clicks == 0 {
		return nil
	}
	button := "4"
	if clicks < 0 {
		button = "5"
		clicks = -clicks
	}
	_, err := d.exec(ctx, "", "xdotool", "click", "--repeat", strconv.Itoa(clicks), button)
	return err
}

func (d *X11) ScreenSize(ctx context.Context) (int, int, error) {
	out, err := d.text(ctx, "xdotool", "getdisplaygeometry")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("driver: unexpected getdisplaygeometry output %q", out)
	}
	w, _ := strconv.Atoi(fields[0])
	h, _ := strconv.Atoi(fields[1])
	return w, h, nil
}

// CaptureScreen grabs the root window as JPEG via ImageMagick's import,
// which writes the encoded image to stdout.
func (d *X11) CaptureScreen(ctx context.Context) ([]byte, error) {
	return d.exec(ctx, "", "import", "-silent", "-window", "root",
		"-quality", strconv.Itoa(d.quality), "jpg:-")
}

func (d *X11) CaptureRegion(ctx context.Context, x, y, w, h int) ([]byte, error) {
	crop := fmt.Sprintf("%dx%d+%d+%d", w, h, x, y)
	return d.exec(ctx, "", "import", "-silent", "-window", "root", "-crop", crop,
		"-quality", strconv.Itoa(d.quality), "jpg:-")
}

func (d *X11) CaptureWindow(ctx context.Context, title string) ([]byte, error) {
	id, err := d.findWindowID(ctx, title)
	if err != nil {
		return nil, err
	}
	return d.exec(ctx, "", "import", "-silent", "-window", id,
		"-quality", strconv.Itoa(d.quality), "jpg:-")
}

var hexColorPattern = regexp.MustCompile(`#([0-9A-Fa-f]{6})`)

// PixelColor samples one pixel by cropping a 1x1 region to ImageMagick's
// text format and parsing the hex triplet.
func (d *X11) PixelColor(ctx context.Context, x, y int) (uint8, uint8, uint8, error) {
	crop := fmt.Sprintf("1x1+%d+%d", x, y)
	out, err := d.exec(ctx, "", "import", "-silent", "-window", "root", "-crop", crop, "-depth", "8", "txt:-")
	if err != nil {
		return 0, 0, 0, err
	}
	m := hexColorPattern.FindStringSubmatch(string(out))
	if m == nil {
		return 0, 0, 0, fmt.Errorf("driver: no color in pixel sample %q", headLine(string(out)))
	}
	v, err := strconv.ParseUint(m[1], 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("driver: parse pixel color: %w", err)
	}
	return uint8(v >> 16), uint8(v >> 8 & 0xFF), uint8(v & 0xFF), nil
}

func (d *X11) ActiveWindow(ctx context.Context) (string, error) {
	return d.text(ctx, "xdotool", "getactivewindow", "getwindowname")
}

// ListWindows parses wmctrl -l lines: "0x03400003  0 host Title words".
func (d *X11) ListWindows(ctx context.Context) ([]Window, error) {
	out, err := d.text(ctx, "wmctrl", "-l")
	if err != nil {
		return nil, err
	}
	var windows []Window
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		desktop, _ := strconv.Atoi(fields[1])
		windows = append(windows, Window{
			ID:      fields[0],
			Desktop: desktop,
			Title:   strings.Join(fields[3:], " "),
		})
	}
	return windows, nil
}

func (d *X11) ActivateWindow(ctx context.Context, title string) error {
	_, err := d.exec(ctx, "", "wmctrl", "-a", title)
	return err
}

func (d *X11) MinimizeWindow(ctx context.Context, title string) error {
	id, err := d.findWindowID(ctx, title)
	if err != nil {
		return err
	}
	_, err = d.exec(ctx, "", "xdotool", "windowminimize", id)
	return err
}

func (d *X11) MaximizeWindow(ctx context.Context, title string) error {
	_, err := d.exec(ctx, "", "wmctrl", "-r", title, "-b", "add,maximized_vert,maximized_horz")
	return err
}

// RestoreWindow drops the maximized state and re-activates the window,
// which also deiconifies it.
func (d *X11) RestoreWindow(ctx context.Context, title string) error {
	if _, err := d.exec(ctx, "", "wmctrl", "-r", title, "-b", "remove,maximized_vert,maximized_horz"); err != nil {
		return err
	}
	_, err := d.exec(ctx, "", "wmctrl", "-a", title)
	return err
}

func (d *X11) CloseWindow(ctx context.Context, title string) error {
	_, err := d.exec(ctx, "", "wmctrl", "-c", title)
	return err
}

// findWindowID resolves a title substring to the first matching window id.
func (d *X11) findWindowID(ctx context.Context, title string) (string, error) {
	out, err := d.text(ctx, "xdotool", "search", "--name", title)
	if err != nil {
		return "", err
	}
	id, _, _ := strings.Cut(out, "\n")
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("driver: no window matching %q", title)
	}
	return id, nil
}

// LaunchApp starts the command detached through the shell; the application
// outlives the protocol that launched it. The subprocess is reaped in the
// background.
func (d *X11) LaunchApp(_ context.Context, command string) error {
	cmd := exec.Command("sh", "-c", command)
	if err := cmd.Start(); err != nil {
		return &ExecError{Tool: "sh", Err: err}
	}
	d.logger.Debug("driver: launched app", "command", command, "pid", cmd.Process.Pid)
	go func() { _ = cmd.Wait() }()
	return nil
}

// CloseApp asks the window manager to close the app's window gracefully.
func (d *X11) CloseApp(ctx context.Context, name string) error {
	_, err := d.exec(ctx, "", "wmctrl", "-c", name)
	return err
}

func (d *X11) OpenPath(ctx context.Context, target string) error {
	_, err := d.exec(ctx, "", "xdg-open", target)
	return err
}

func (d *X11) ClipboardGet(ctx context.Context) (string, error) {
	out, err := d.exec(ctx, "", "xclip", "-selection", "clipboard", "-o")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ClipboardSet feeds the text via stdin. xclip forks to keep holding the
// selection after the parent exits, so stdout is deliberately not captured.
func (d *X11) ClipboardSet(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, "xclip", "-selection", "clipboard", "-i")
	cmd.Stdin = strings.NewReader(text)
	if err := cmd.Run(); err != nil {
		return &ExecError{Tool: "xclip", Err: err}
	}
	return nil
}

func (d *X11) LockScreen(ctx context.Context) error {
	_, err := d.exec(ctx, "", "loginctl", "lock-session")
	return err
}

func (d *X11) SleepSystem(ctx context.Context) error {
	_, err := d.exec(ctx, "", "systemctl", "suspend")
	return err
}

func (d *X11) ShutdownSystem(ctx context.Context) error {
	_, err := d.exec(ctx, "", "systemctl", "poweroff")
	return err
}

func (d *X11) RestartSystem(ctx context.Context) error {
	_, err := d.exec(ctx, "", "systemctl", "reboot")
	return err
}

func (d *X11) SetVolume(ctx context.Context, op VolumeOp) error {
	var args []string
	switch op {
	case VolumeUp:
		args = []string{"set-sink-volume", "@DEFAULT_SINK@", "+5%"}
	case VolumeDown:
		args = []string{"set-sink-volume", "@DEFAULT_SINK@", "-5%"}
	case VolumeMute:
		args = []string{"set-sink-mute", "@DEFAULT_SINK@", "toggle"}
	default:
		return fmt.Errorf("driver: unknown volume op %q", op)
	}
	_, err := d.exec(ctx, "", "pactl", args...)
	return err
}

// headLine returns the first line of s, for error messages.
func headLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
