package actions

import (
	"context"
	"os"
)

func registerFile(r *Registry) {
	r.Register(Spec{Name: "open_file", Category: CategoryFile,
		Required: []string{"path"}, Handler: openFile})
	r.Register(Spec{Name: "save_file", Category: CategoryFile, Handler: combo("ctrl", "s")})
	r.Register(Spec{Name: "save_as", Category: CategoryFile,
		Optional: []string{"path", "dialog_wait_ms"}, Handler: saveAs})
	r.Register(Spec{Name: "open_file_dialog", Category: CategoryFile, Handler: combo("ctrl", "o")})
	r.Register(Spec{Name: "create_folder", Category: CategoryFile,
		Required: []string{"path"}, Handler: createFolder})
	r.Register(Spec{Name: "delete_file", Category: CategoryFile,
		Required: []string{"path"}, Handler: deleteFile})
}

func openFile(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	path, err := p.NeedString("path")
	if err != nil {
		return nil, err
	}
	return nil, deps.Driver.OpenPath(ctx, path)
}

// saveAs opens the save-as dialog; with a path it also types the target and
// confirms.
func saveAs(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	if err := deps.Driver.KeyCombo(ctx, []string{"ctrl", "shift", "s"}); err != nil {
		return nil, err
	}
	path, ok := p.String("path")
	if !ok || path == "" {
		return nil, nil
	}
	// Wait for the dialog to take focus before typing into it.
	if err := sleepCtx(ctx, msDuration(p.IntOr("dialog_wait_ms", 500))); err != nil {
		return nil, err
	}
	if err := deps.Driver.TypeText(ctx, path, 0); err != nil {
		return nil, err
	}
	return nil, deps.Driver.PressKey(ctx, "Return")
}

func createFolder(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	path, err := p.NeedString("path")
	if err != nil {
		return nil, err
	}
	return nil, os.MkdirAll(path, 0o755)
}

func deleteFile(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	path, err := p.NeedString("path")
	if err != nil {
		return nil, err
	}
	return nil, os.Remove(path)
}
