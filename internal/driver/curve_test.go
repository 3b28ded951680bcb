package driver_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/deskpilot/internal/driver"
	"github.com/haricheung/deskpilot/internal/driver/drivertest"
)

func TestMoveTo_ZeroDurationIsDirect(t *testing.T) {
	rec := drivertest.New()
	m := driver.NewMouseController(rec)
	require.NoError(t, m.MoveTo(context.Background(), 500, 300, 0))
	assert.Equal(t, []string{"mouse_move 500 300"}, rec.Ops())
}

func TestMoveTo_GlidesAndLandsExactly(t *testing.T) {
	// Intermediate points are emitted and the final move is the target
	rec := drivertest.New()
	rec.PosX, rec.PosY = 0, 0
	m := driver.NewMouseController(rec)
	require.NoError(t, m.MoveTo(context.Background(), 200, 0, 20*time.Millisecond))

	ops := rec.Ops()
	require.Greater(t, len(ops), 3, "expected intermediate moves, got %v", ops)
	assert.Equal(t, "mouse_position", ops[0])
	assert.Equal(t, "mouse_move 200 0", ops[len(ops)-1])
}

func TestMoveTo_CancelStopsMidPath(t *testing.T) {
	rec := drivertest.New()
	rec.PosX, rec.PosY = 0, 0
	m := driver.NewMouseController(rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.MoveTo(ctx, 1000, 1000, time.Second)
	assert.Error(t, err)
}

func TestClickAt_MovesThenClicks(t *testing.T) {
	rec := drivertest.New()
	m := driver.NewMouseController(rec)
	require.NoError(t, m.ClickAt(context.Background(), 640, 412, driver.ButtonLeft, 1, 0))

	ops := rec.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, "mouse_move 640 412", ops[0])
	assert.Equal(t, "click left 1", ops[1])
}

func TestDragTo_ReleasesButtonOnMoveFailure(t *testing.T) {
	// The button must come back up even when the glide fails
	rec := drivertest.New()
	rec.FailOn = map[string]error{"mouse_move": errors.New("display gone")}
	m := driver.NewMouseController(rec)

	err := m.DragTo(context.Background(), 300, 300, driver.ButtonLeft, 0)
	require.Error(t, err)

	var sawUp bool
	for _, op := range rec.Ops() {
		if strings.HasPrefix(op, "mouse_up") {
			sawUp = true
		}
	}
	assert.True(t, sawUp, "mouse_up missing from %v", rec.Ops())
}
