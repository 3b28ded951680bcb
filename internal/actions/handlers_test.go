package actions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/deskpilot/internal/driver"
	"github.com/haricheung/deskpilot/internal/driver/drivertest"
	"github.com/haricheung/deskpilot/internal/protocol"
)

func invoke(t *testing.T, r *Registry, name string, p Params) Outputs {
	t.Helper()
	out, err := r.Invoke(context.Background(), name, p)
	require.NoError(t, err, "action %s", name)
	return out
}

func TestKeyboardHandlers_DriveTheKeyboard(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)

	invoke(t, r, "press_key", Params{"key": "enter"})
	invoke(t, r, "shortcut", Params{"keys": "ctrl+shift+s"})
	invoke(t, r, "shortcut", Params{"keys": []any{"ctrl", "c"}})
	invoke(t, r, "type", Params{"text": "hello"})
	invoke(t, r, "type_with_delay", Params{"text": "slow", "delay_ms": float64(20)})
	invoke(t, r, "hold_key", Params{"key": "shift"})
	invoke(t, r, "release_key", Params{"key": "shift"})

	assert.Equal(t, []string{
		"press_key enter",
		"key_combo ctrl+shift+s",
		"key_combo ctrl+c",
		"type_text hello 0",
		"type_text slow 20",
		"hold_key shift",
		"release_key shift",
	}, rec.Ops())
}

func TestShortcut_RejectsEmptyCombination(t *testing.T) {
	r := newTestRegistry(drivertest.New())

	_, err := r.Invoke(context.Background(), "shortcut", Params{"keys": "+"})
	require.Error(t, err)
	assert.Equal(t, protocol.KindValidationFailure, protocol.KindOf(err))
}

func TestTypeText_AcceptsSubstitutedNumbers(t *testing.T) {
	// A whole-token variable can turn text into a number; it still types.
	rec := drivertest.New()
	r := newTestRegistry(rec)

	invoke(t, r, "type", Params{"text": float64(42)})
	assert.Equal(t, []string{"type_text 42 0"}, rec.Ops())
}

func TestMouseClick_AtCoordinatesMovesThenClicks(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)

	invoke(t, r, "mouse_click", Params{"x": float64(500), "y": float64(300), "duration_ms": float64(0)})

	ops := rec.Ops()
	require.NotEmpty(t, ops)
	assert.Contains(t, ops, "mouse_move 500 300")
	assert.Equal(t, "click left 1", ops[len(ops)-1])
}

func TestMouseClick_WithoutCoordinatesClicksInPlace(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)

	invoke(t, r, "mouse_click", Params{"button": "right", "clicks": float64(2)})
	assert.Equal(t, []string{"click right 2"}, rec.Ops())
}

func TestMouseClick_RejectsHalfCoordinates(t *testing.T) {
	r := newTestRegistry(drivertest.New())

	_, err := r.Invoke(context.Background(), "mouse_click", Params{"x": float64(10)})
	require.Error(t, err)
	assert.Equal(t, protocol.KindValidationFailure, protocol.KindOf(err))
}

func TestMouseScroll_MapsDirectionToSign(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)

	invoke(t, r, "mouse_scroll", Params{"clicks": float64(3), "direction": "down"})
	invoke(t, r, "mouse_scroll", Params{"clicks": float64(2), "direction": "up"})
	invoke(t, r, "mouse_scroll", Params{})

	assert.Equal(t, []string{"scroll -3", "scroll 2", "scroll -3"}, rec.Ops())
}

func TestMousePosition_ReportsCoordinates(t *testing.T) {
	rec := drivertest.New()
	rec.PosX, rec.PosY = 640, 480
	r := newTestRegistry(rec)

	out := invoke(t, r, "mouse_position", Params{})
	assert.Equal(t, Outputs{"mouse_x": 640, "mouse_y": 480}, out)
}

func TestMouseDrag_PressesMovesReleases(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)

	invoke(t, r, "mouse_drag", Params{
		"from":        []any{float64(10), float64(10)},
		"to":          []any{float64(50), float64(50)},
		"duration_ms": float64(0),
	})

	ops := rec.Ops()
	assert.Contains(t, ops, "mouse_down left")
	assert.Contains(t, ops, "mouse_up left")
	assert.Contains(t, ops, "mouse_move 50 50")
}

func TestWindowHandlers_DefaultToActiveWindow(t *testing.T) {
	rec := drivertest.New()
	rec.Title = "Text Editor"
	r := newTestRegistry(rec)

	invoke(t, r, "minimize_window", Params{})
	invoke(t, r, "maximize_window", Params{"title": "Browser"})
	out := invoke(t, r, "get_active_window", Params{})

	assert.Contains(t, rec.Ops(), "minimize_window Text Editor")
	assert.Contains(t, rec.Ops(), "maximize_window Browser")
	assert.Equal(t, Outputs{"window_title": "Text Editor"}, out)
}

func TestOpenApp_LaunchesAndSettles(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)

	start := time.Now()
	invoke(t, r, "open_app", Params{"name": "firefox", "wait_ms": float64(10)})
	assert.Contains(t, rec.Ops(), "launch_app firefox")
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestBrowserHandlers_UseKeyboardConventions(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)

	invoke(t, r, "browser_back", Params{})
	invoke(t, r, "browser_new_tab", Params{})
	invoke(t, r, "browser_switch_tab", Params{"index": float64(3)})
	invoke(t, r, "browser_switch_tab", Params{})
	invoke(t, r, "browser_address_bar", Params{"url": "example.com"})

	assert.Equal(t, []string{
		"key_combo alt+Left",
		"key_combo ctrl+t",
		"key_combo ctrl+3",
		"key_combo ctrl+Tab",
		"key_combo ctrl+l",
		"type_text example.com 0",
		"press_key Return",
	}, rec.Ops())
}

func TestClipboardHandlers_ReadAndWrite(t *testing.T) {
	rec := drivertest.New()
	rec.Clipboard = "stored"
	r := newTestRegistry(rec)

	out := invoke(t, r, "get_clipboard", Params{})
	assert.Equal(t, Outputs{"clipboard_text": "stored"}, out)

	invoke(t, r, "set_clipboard", Params{"text": "new"})
	assert.Contains(t, rec.Ops(), "clipboard_set new")

	invoke(t, r, "paste_from_clipboard", Params{"text": "pasted"})
	ops := rec.Ops()
	assert.Equal(t, "key_combo ctrl+v", ops[len(ops)-1])
}

func TestFileHandlers_TouchTheFilesystem(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)
	dir := t.TempDir()

	nested := filepath.Join(dir, "a", "b")
	invoke(t, r, "create_folder", Params{"path": nested})
	info, err := os.Stat(nested)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	victim := filepath.Join(dir, "victim.txt")
	require.NoError(t, os.WriteFile(victim, []byte("x"), 0o644))
	invoke(t, r, "delete_file", Params{"path": victim})
	_, err = os.Stat(victim)
	assert.True(t, os.IsNotExist(err))
}

func TestSaveAs_TypesTargetPath(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)

	invoke(t, r, "save_as", Params{"path": "/tmp/out.txt", "dialog_wait_ms": float64(1)})
	assert.Equal(t, []string{
		"key_combo ctrl+shift+s",
		"type_text /tmp/out.txt 0",
		"press_key Return",
	}, rec.Ops())
}

func TestCaptureScreen_WritesJPEGAndReportsPath(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)
	target := filepath.Join(t.TempDir(), "shots", "one.jpg")

	out := invoke(t, r, "capture_screen", Params{"path": target})
	assert.Equal(t, target, out["screenshot_path"])

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2], "JPEG magic")
}

func TestSaveScreenshot_RequiresPath(t *testing.T) {
	r := newTestRegistry(drivertest.New())

	_, err := r.Invoke(context.Background(), "save_screenshot", Params{})
	require.Error(t, err)
	assert.Equal(t, protocol.KindParamMissing, protocol.KindOf(err))
}

func TestDelay_SleepsAtLeastTheRequestedTime(t *testing.T) {
	r := newTestRegistry(drivertest.New())

	start := time.Now()
	invoke(t, r, "delay", Params{"ms": float64(15)})
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestDelay_InterruptsOnCancel(t *testing.T) {
	r := newTestRegistry(drivertest.New())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.Invoke(ctx, "delay", Params{"ms": float64(5000)})
	require.Error(t, err)
	assert.Equal(t, protocol.KindCancelled, protocol.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForWindow_FindsSubstringMatch(t *testing.T) {
	rec := drivertest.New()
	rec.Windows = []driver.Window{{ID: "0x1", Title: "Mozilla Firefox"}}
	r := newTestRegistry(rec)

	out := invoke(t, r, "wait_for_window", Params{"title": "firefox"})
	assert.Equal(t, Outputs{"window_title": "Mozilla Firefox"}, out)
}

func TestWaitForWindow_TimesOut(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)

	_, err := r.Invoke(context.Background(), "wait_for_window",
		Params{"title": "ghost", "timeout_s": float64(0)})
	require.Error(t, err)
	assert.Equal(t, protocol.KindTimeout, protocol.KindOf(err))
}

func TestWaitForColor_MatchesWithinTolerance(t *testing.T) {
	rec := drivertest.New()
	rec.Colors = map[[2]int][3]uint8{{10, 20}: {200, 100, 52}}
	r := newTestRegistry(rec)

	invoke(t, r, "wait_for_color", Params{
		"x": float64(10), "y": float64(20), "color": "#C86432", "tolerance": float64(5),
	})
	assert.Equal(t, 1, rec.OpCount("pixel_color"))
}

func TestWaitForColor_RejectsBadColorSpec(t *testing.T) {
	r := newTestRegistry(drivertest.New())

	_, err := r.Invoke(context.Background(), "wait_for_color",
		Params{"x": float64(0), "y": float64(0), "color": "red"})
	require.Error(t, err)
	assert.Equal(t, protocol.KindValidationFailure, protocol.KindOf(err))
}

func TestSystemHandlers_MapToSessionControls(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)

	invoke(t, r, "lock_screen", Params{})
	invoke(t, r, "volume_up", Params{})
	invoke(t, r, "volume_mute", Params{})

	assert.Equal(t, []string{"lock_screen", "set_volume up", "set_volume mute"}, rec.Ops())
}

func TestEditHandlers_EmitKeySequences(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)

	invoke(t, r, "select_all", Params{})
	invoke(t, r, "duplicate_line", Params{})

	ops := rec.Ops()
	assert.Equal(t, "key_combo ctrl+a", ops[0])
	assert.Equal(t, []string{
		"press_key Home",
		"key_combo shift+End",
		"key_combo ctrl+c",
		"press_key End",
		"press_key Return",
		"key_combo ctrl+v",
	}, ops[1:])
}

func TestFindReplace_TypesBothFields(t *testing.T) {
	rec := drivertest.New()
	r := newTestRegistry(rec)

	invoke(t, r, "find_replace", Params{"find": "old", "replace": "new"})
	assert.Equal(t, []string{
		"key_combo ctrl+h",
		"type_text old 0",
		"press_key Tab",
		"type_text new 0",
	}, rec.Ops())
}
