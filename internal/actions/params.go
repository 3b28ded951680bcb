package actions

import (
	"fmt"
	"math"
	"strconv"

	"github.com/haricheung/deskpilot/internal/protocol"
)

// Params is one action's parameter object after variable substitution.
// Values carry whatever JSON types the protocol (or a whole-token variable)
// produced, so the accessors coerce: float64 from the JSON decoder serves
// int parameters when it is whole, and scalar values render to strings.
type Params map[string]any

// Has reports whether key is present (even with a null value).
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String renders the value under key as text. Numbers and bools render via
// their canonical form so a substituted integer still serves a text param.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	return renderScalar(v)
}

// StringOr returns the rendered value or def when absent or unrenderable.
func (p Params) StringOr(key, def string) string {
	if s, ok := p.String(key); ok {
		return s
	}
	return def
}

// Int reads an integer. JSON numbers arrive as float64; only whole values
// qualify.
func (p Params) Int(key string) (int, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	return toInt(v)
}

// IntOr returns the integer under key or def.
func (p Params) IntOr(key string, def int) int {
	if n, ok := p.Int(key); ok {
		return n
	}
	return def
}

// Float reads a float from any JSON number.
func (p Params) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// FloatOr returns the float under key or def.
func (p Params) FloatOr(key string, def float64) float64 {
	if f, ok := p.Float(key); ok {
		return f
	}
	return def
}

// Bool reads a boolean; the strings "true"/"false" also qualify.
func (p Params) Bool(key string) (bool, bool) {
	switch v := p[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	default:
		return false, false
	}
}

// BoolOr returns the bool under key or def.
func (p Params) BoolOr(key string, def bool) bool {
	if b, ok := p.Bool(key); ok {
		return b
	}
	return def
}

// IntPair reads a two-element numeric array, the wire shape of coordinates.
func (p Params) IntPair(key string) (x, y int, ok bool) {
	arr, isArr := p[key].([]any)
	if !isArr || len(arr) != 2 {
		return 0, 0, false
	}
	x, okX := toInt(arr[0])
	y, okY := toInt(arr[1])
	return x, y, okX && okY
}

// NeedString returns the rendered string under key or a PARAM_MISSING /
// VALIDATION_FAILURE error.
func (p Params) NeedString(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", protocol.NewError(protocol.KindParamMissing, "required param %q is missing", key)
	}
	s, ok := renderScalar(v)
	if !ok {
		return "", protocol.NewError(protocol.KindValidationFailure, "param %q: expected a string, got %T", key, v)
	}
	return s, nil
}

// NeedInt returns the integer under key or a typed error.
func (p Params) NeedInt(key string) (int, error) {
	v, ok := p[key]
	if !ok {
		return 0, protocol.NewError(protocol.KindParamMissing, "required param %q is missing", key)
	}
	n, ok := toInt(v)
	if !ok {
		return 0, protocol.NewError(protocol.KindValidationFailure, "param %q: expected an integer, got %v", key, v)
	}
	return n, nil
}

// NeedIntPair returns the [x, y] pair under key or a typed error.
func (p Params) NeedIntPair(key string) (x, y int, err error) {
	if !p.Has(key) {
		return 0, 0, protocol.NewError(protocol.KindParamMissing, "required param %q is missing", key)
	}
	x, y, ok := p.IntPair(key)
	if !ok {
		return 0, 0, protocol.NewError(protocol.KindValidationFailure, "param %q: expected [x, y], got %v", key, p[key])
	}
	return x, y, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

func renderScalar(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		if s == math.Trunc(s) && math.Abs(s) < 1e15 {
			return strconv.FormatInt(int64(s), 10), true
		}
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case bool:
		return strconv.FormatBool(s), true
	case nil:
		return "", false
	default:
		return "", false
	}
}

// formatValue renders any substituted value for logs and error messages.
func formatValue(v any) string {
	if s, ok := renderScalar(v); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
