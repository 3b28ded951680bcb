package actions

import (
	"context"
)

func registerWindow(r *Registry) {
	r.Register(Spec{Name: "open_app", Category: CategoryWindow,
		Required: []string{"name"}, Optional: []string{"wait_ms"}, Handler: openApp})
	r.Register(Spec{Name: "close_app", Category: CategoryWindow,
		Required: []string{"name"}, Handler: closeApp})
	r.Register(Spec{Name: "switch_window", Category: CategoryWindow,
		Required: []string{"title"}, Handler: switchWindow})
	r.Register(Spec{Name: "minimize_window", Category: CategoryWindow,
		Optional: []string{"title"}, Handler: minimizeWindow})
	r.Register(Spec{Name: "maximize_window", Category: CategoryWindow,
		Optional: []string{"title"}, Handler: maximizeWindow})
	r.Register(Spec{Name: "restore_window", Category: CategoryWindow,
		Optional: []string{"title"}, Handler: restoreWindow})
	r.Register(Spec{Name: "get_active_window", Category: CategoryWindow,
		Outputs: []string{"window_title"}, Handler: getActiveWindow})
}

func openApp(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	name, err := p.NeedString("name")
	if err != nil {
		return nil, err
	}
	if err := deps.Driver.LaunchApp(ctx, name); err != nil {
		return nil, err
	}
	// Give the app a beat to map its window before the next action.
	return nil, sleepCtx(ctx, msDuration(p.IntOr("wait_ms", 1000)))
}

func closeApp(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	name, err := p.NeedString("name")
	if err != nil {
		return nil, err
	}
	return nil, deps.Driver.CloseApp(ctx, name)
}

func switchWindow(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	title, err := p.NeedString("title")
	if err != nil {
		return nil, err
	}
	return nil, deps.Driver.ActivateWindow(ctx, title)
}

// windowTitle resolves the optional title param, defaulting to the active
// window.
func windowTitle(ctx context.Context, deps *Deps, p Params) (string, error) {
	if title, ok := p.String("title"); ok && title != "" {
		return title, nil
	}
	return deps.Driver.ActiveWindow(ctx)
}

func minimizeWindow(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	title, err := windowTitle(ctx, deps, p)
	if err != nil {
		return nil, err
	}
	return nil, deps.Driver.MinimizeWindow(ctx, title)
}

func maximizeWindow(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	title, err := windowTitle(ctx, deps, p)
	if err != nil {
		return nil, err
	}
	return nil, deps.Driver.MaximizeWindow(ctx, title)
}

func restoreWindow(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	title, err := windowTitle(ctx, deps, p)
	if err != nil {
		return nil, err
	}
	return nil, deps.Driver.RestoreWindow(ctx, title)
}

func getActiveWindow(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	title, err := deps.Driver.ActiveWindow(ctx)
	if err != nil {
		return nil, err
	}
	return Outputs{"window_title": title}, nil
}
