package actions

import (
	"context"

	"github.com/haricheung/deskpilot/internal/driver"
)

func registerSystem(r *Registry) {
	r.Register(Spec{Name: "lock_screen", Category: CategorySystem, Handler: lockScreen})
	r.Register(Spec{Name: "sleep_system", Category: CategorySystem, Handler: sleepSystem})
	r.Register(Spec{Name: "shutdown_system", Category: CategorySystem, Handler: shutdownSystem})
	r.Register(Spec{Name: "restart_system", Category: CategorySystem, Handler: restartSystem})
	r.Register(Spec{Name: "volume_up", Category: CategorySystem, Handler: volume(driver.VolumeUp)})
	r.Register(Spec{Name: "volume_down", Category: CategorySystem, Handler: volume(driver.VolumeDown)})
	r.Register(Spec{Name: "volume_mute", Category: CategorySystem, Handler: volume(driver.VolumeMute)})
}

func lockScreen(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	return nil, deps.Driver.LockScreen(ctx)
}

func sleepSystem(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	return nil, deps.Driver.SleepSystem(ctx)
}

func shutdownSystem(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	return nil, deps.Driver.ShutdownSystem(ctx)
}

func restartSystem(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	return nil, deps.Driver.RestartSystem(ctx)
}

func volume(op driver.VolumeOp) Handler {
	return func(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
		return nil, deps.Driver.SetVolume(ctx, op)
	}
}
