package actions

import (
	"context"
	"fmt"
)

// Browser actions drive whatever browser owns the focused window through
// the near-universal keyboard conventions, so they need no per-browser
// integration.

func registerBrowser(r *Registry) {
	r.Register(Spec{Name: "open_url", Category: CategoryBrowser,
		Required: []string{"url"}, Optional: []string{"wait_ms"}, Handler: openURL})
	r.Register(Spec{Name: "browser_back", Category: CategoryBrowser, Handler: combo("alt", "Left")})
	r.Register(Spec{Name: "browser_forward", Category: CategoryBrowser, Handler: combo("alt", "Right")})
	r.Register(Spec{Name: "browser_refresh", Category: CategoryBrowser, Handler: keystroke("F5")})
	r.Register(Spec{Name: "browser_new_tab", Category: CategoryBrowser, Handler: combo("ctrl", "t")})
	r.Register(Spec{Name: "browser_close_tab", Category: CategoryBrowser, Handler: combo("ctrl", "w")})
	r.Register(Spec{Name: "browser_switch_tab", Category: CategoryBrowser,
		Optional: []string{"index"}, Handler: browserSwitchTab})
	r.Register(Spec{Name: "browser_address_bar", Category: CategoryBrowser,
		Optional: []string{"url"}, Handler: browserAddressBar})
	r.Register(Spec{Name: "browser_bookmark", Category: CategoryBrowser, Handler: combo("ctrl", "d")})
	r.Register(Spec{Name: "browser_find", Category: CategoryBrowser,
		Optional: []string{"text"}, Handler: browserFind})
}

// keystroke returns a handler pressing one key.
func keystroke(key string) Handler {
	return func(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
		return nil, deps.Driver.PressKey(ctx, key)
	}
}

// combo returns a handler pressing one fixed key combination.
func combo(keys ...string) Handler {
	return func(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
		return nil, deps.Driver.KeyCombo(ctx, keys)
	}
}

func openURL(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	url, err := p.NeedString("url")
	if err != nil {
		return nil, err
	}
	if err := deps.Driver.OpenPath(ctx, url); err != nil {
		return nil, err
	}
	return nil, sleepCtx(ctx, msDuration(p.IntOr("wait_ms", 1000)))
}

// browserSwitchTab jumps to tab 1-9 when index is given, otherwise cycles
// to the next tab.
func browserSwitchTab(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	if idx, ok := p.Int("index"); ok {
		if idx < 1 || idx > 9 {
			return nil, fmt.Errorf("tab index %d outside 1-9", idx)
		}
		return nil, deps.Driver.KeyCombo(ctx, []string{"ctrl", fmt.Sprintf("%d", idx)})
	}
	return nil, deps.Driver.KeyCombo(ctx, []string{"ctrl", "Tab"})
}

func browserAddressBar(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	if err := deps.Driver.KeyCombo(ctx, []string{"ctrl", "l"}); err != nil {
		return nil, err
	}
	url, ok := p.String("url")
	if !ok || url == "" {
		return nil, nil
	}
	if err := deps.Driver.TypeText(ctx, url, 0); err != nil {
		return nil, err
	}
	return nil, deps.Driver.PressKey(ctx, "Return")
}

func browserFind(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	if err := deps.Driver.KeyCombo(ctx, []string{"ctrl", "f"}); err != nil {
		return nil, err
	}
	if text, ok := p.String("text"); ok && text != "" {
		return nil, deps.Driver.TypeText(ctx, text, 0)
	}
	return nil, nil
}
