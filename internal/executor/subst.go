package executor

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/haricheung/deskpilot/internal/protocol"
)

// varToken matches one {{name}} reference.
var varToken = regexp.MustCompile(`\{\{(\w+)\}\}`)

// SubstituteParams resolves every {{var}} reference in a params object.
// A string that is exactly one token takes the variable's raw value with its
// type intact, so a substituted integer reaches the handler as an integer.
// Any other occurrence interpolates the rendered text. Arrays and objects
// are walked recursively; non-string scalars pass through unchanged.
func SubstituteParams(params map[string]any, scope *Context) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		sv, err := substituteValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = sv
	}
	return out, nil
}

func substituteValue(v any, scope *Context) (any, error) {
	switch t := v.(type) {
	case string:
		return substituteString(t, scope)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			sv, err := substituteValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[i] = sv
		}
		return out, nil
	case map[string]any:
		return SubstituteParams(t, scope)
	default:
		return v, nil
	}
}

func substituteString(s string, scope *Context) (any, error) {
	// Whole-token reference: the raw context value, type preserved.
	if m := varToken.FindStringSubmatch(s); m != nil && m[0] == s {
		v, ok := scope.Get(m[1])
		if !ok {
			return nil, missingVariable([]string{m[1]}, scope)
		}
		return v, nil
	}

	matches := varToken.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	var missing []string
	seen := make(map[string]bool)
	for _, m := range matches {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := scope.Get(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, missingVariable(missing, scope)
	}
	return varToken.ReplaceAllStringFunc(s, func(tok string) string {
		v, _ := scope.Get(tok[2 : len(tok)-2])
		return renderValue(v)
	}), nil
}

func missingVariable(missing []string, scope *Context) error {
	quoted := make([]string, len(missing))
	for i, name := range missing {
		quoted[i] = strconv.Quote(name)
	}
	avail := "none"
	if keys := scope.Keys(); len(keys) > 0 {
		avail = strings.Join(keys, ", ")
	}
	noun := "variable"
	verb := "is"
	if len(missing) > 1 {
		noun = "variables"
		verb = "are"
	}
	return protocol.NewError(protocol.KindVariableMissing,
		"%s %s %s not defined (available: %s)", noun, strings.Join(quoted, ", "), verb, avail)
}

// renderValue is the text a variable takes when interpolated into a larger
// string: canonical scalars, compact JSON for arrays and objects.
func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
