package actions

import (
	"context"
	"strings"
	"time"

	"github.com/haricheung/deskpilot/internal/protocol"
)

func registerKeyboard(r *Registry) {
	r.Register(Spec{Name: "press_key", Category: CategoryKeyboard,
		Required: []string{"key"}, Handler: pressKey})
	r.Register(Spec{Name: "shortcut", Category: CategoryKeyboard,
		Required: []string{"keys"}, Handler: shortcut})
	r.Register(Spec{Name: "type", Category: CategoryKeyboard,
		Required: []string{"text"}, Handler: typeText})
	r.Register(Spec{Name: "type_with_delay", Category: CategoryKeyboard,
		Required: []string{"text"}, Optional: []string{"delay_ms"}, Handler: typeWithDelay})
	r.Register(Spec{Name: "hold_key", Category: CategoryKeyboard,
		Required: []string{"key"}, Handler: holdKey})
	r.Register(Spec{Name: "release_key", Category: CategoryKeyboard,
		Required: []string{"key"}, Handler: releaseKey})
}

func pressKey(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	key, err := p.NeedString("key")
	if err != nil {
		return nil, err
	}
	return nil, deps.Driver.PressKey(ctx, key)
}

// keyList accepts both shortcut spellings: "ctrl+shift+s" and
// ["ctrl", "shift", "s"].
func keyList(p Params, key string) ([]string, error) {
	v, ok := p[key]
	if !ok {
		return nil, protocol.NewError(protocol.KindParamMissing, "required param %q is missing", key)
	}
	switch t := v.(type) {
	case string:
		var keys []string
		for _, part := range strings.Split(t, "+") {
			if part = strings.TrimSpace(part); part != "" {
				keys = append(keys, part)
			}
		}
		if len(keys) == 0 {
			return nil, protocol.NewError(protocol.KindValidationFailure, "param %q: empty key combination", key)
		}
		return keys, nil
	case []any:
		keys := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := renderScalar(e)
			if !ok {
				return nil, protocol.NewError(protocol.KindValidationFailure, "param %q: non-scalar key %v", key, e)
			}
			keys = append(keys, s)
		}
		if len(keys) == 0 {
			return nil, protocol.NewError(protocol.KindValidationFailure, "param %q: empty key combination", key)
		}
		return keys, nil
	default:
		return nil, protocol.NewError(protocol.KindValidationFailure, "param %q: expected string or array, got %T", key, v)
	}
}

func shortcut(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	keys, err := keyList(p, "keys")
	if err != nil {
		return nil, err
	}
	return nil, deps.Driver.KeyCombo(ctx, keys)
}

func typeText(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	text, err := p.NeedString("text")
	if err != nil {
		return nil, err
	}
	return nil, deps.Driver.TypeText(ctx, text, 0)
}

func typeWithDelay(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	text, err := p.NeedString("text")
	if err != nil {
		return nil, err
	}
	delay := time.Duration(p.IntOr("delay_ms", 50)) * time.Millisecond
	return nil, deps.Driver.TypeText(ctx, text, delay)
}

func holdKey(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	key, err := p.NeedString("key")
	if err != nil {
		return nil, err
	}
	return nil, deps.Driver.HoldKey(ctx, key)
}

func releaseKey(ctx context.Context, deps *Deps, p Params) (Outputs, error) {
	key, err := p.NeedString("key")
	if err != nil {
		return nil, err
	}
	return nil, deps.Driver.ReleaseKey(ctx, key)
}
