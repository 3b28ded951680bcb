package actions

import (
	"context"
)

func registerClipboard(r *Registry) {
	r.Register(Spec{Name: "copy", Category: CategoryClipboard, Handler: combo("ctrl", "c")})
	r.Register(Spec{Name: "paste", Category: CategoryClipboard, Handler: combo("ctrl", "v")})
	r.Register(Spec{Name: "cut", Category: CategoryClipboard, Handler: combo("ctrl", "x")})
	r.Register(Spec{Name: "get_clipboard", Category: CategoryClipboard,
		Outputs: []string{"clipboard_text"}, Handler: getClipboard})
	r.Register(Spec{Name: "set_clipboard", Category: CategoryClipboard,
		Required: []string{"text"}, Handler: setClipboard})
	r.Register(Spec{Name: "paste_from_clipboard", Category: CategoryClipboard,
		Required: []string{"text"}, Handler: pasteFromClipboard})
}

func getClipboard(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	text, err := deps.Driver.ClipboardGet(ctx)
	if err != nil {
		return nil, err
	}
	return Outputs{"clipboard_text": text}, nil
}

func setClipboard(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	text, err := p.NeedString("text")
	if err != nil {
		return nil, err
	}
	return nil, deps.Driver.ClipboardSet(ctx, text)
}

// pasteFromClipboard loads text into the clipboard and pastes it in one
// action, the fast path for long strings where per-key typing is slow.
func pasteFromClipboard(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	text, err := p.NeedString("text")
	if err != nil {
		return nil, err
	}
	if err := deps.Driver.ClipboardSet(ctx, text); err != nil {
		return nil, err
	}
	// xclip needs a beat to own the selection before the paste lands.
	if err := sleepCtx(ctx, msDuration(100)); err != nil {
		return nil, err
	}
	return nil, deps.Driver.KeyCombo(ctx, []string{"ctrl", "v"})
}
