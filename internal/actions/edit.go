package actions

import (
	"context"
)

func registerEdit(r *Registry) {
	r.Register(Spec{Name: "select_all", Category: CategoryEdit, Handler: combo("ctrl", "a")})
	r.Register(Spec{Name: "undo", Category: CategoryEdit, Handler: combo("ctrl", "z")})
	r.Register(Spec{Name: "redo", Category: CategoryEdit, Handler: combo("ctrl", "y")})
	r.Register(Spec{Name: "find_replace", Category: CategoryEdit,
		Optional: []string{"find", "replace"}, Handler: findReplace})
	r.Register(Spec{Name: "delete_line", Category: CategoryEdit, Handler: deleteLine})
	r.Register(Spec{Name: "duplicate_line", Category: CategoryEdit, Handler: duplicateLine})
}

func findReplace(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	if err := deps.Driver.KeyCombo(ctx, []string{"ctrl", "h"}); err != nil {
		return nil, err
	}
	find, ok := p.String("find")
	if !ok || find == "" {
		return nil, nil
	}
	if err := deps.Driver.TypeText(ctx, find, 0); err != nil {
		return nil, err
	}
	replace, ok := p.String("replace")
	if !ok {
		return nil, nil
	}
	if err := deps.Driver.PressKey(ctx, "Tab"); err != nil {
		return nil, err
	}
	return nil, deps.Driver.TypeText(ctx, replace, 0)
}

// deleteLine clears the current line: select from end to start, delete the
// selection, then remove the leftover line break.
func deleteLine(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	seq := [][]string{{"End"}, {"shift", "Home"}, {"Delete"}, {"BackSpace"}}
	return nil, keySequence(ctx, deps, seq)
}

// duplicateLine copies the current line below itself via the clipboard.
func duplicateLine(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	seq := [][]string{{"Home"}, {"shift", "End"}, {"ctrl", "c"}, {"End"}, {"Return"}, {"ctrl", "v"}}
	return nil, keySequence(ctx, deps, seq)
}

func keySequence(ctx context.Context, deps *Deps, seq [][]string) error {
	for _, keys := range seq {
		var err error
		if len(keys) == 1 {
			err = deps.Driver.PressKey(ctx, keys[0])
		} else {
			err = deps.Driver.KeyCombo(ctx, keys)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
