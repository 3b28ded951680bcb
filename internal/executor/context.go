package executor

import "sort"

// Context is the mutable variable store for one protocol execution. It seeds
// from caller-supplied variables and grows as actions return named outputs.
// Macro invocations push shadowing scopes for their vars; writes always land
// in the root scope so outputs produced inside a macro survive the pop.
type Context struct {
	scopes []map[string]any
}

// NewContext builds a context seeded with the given variables.
func NewContext(seed map[string]any) *Context {
	root := make(map[string]any, len(seed))
	for k, v := range seed {
		root[k] = v
	}
	return &Context{scopes: []map[string]any{root}}
}

// Get resolves key innermost scope first.
func (c *Context) Get(key string) (any, bool) {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if v, ok := c.scopes[i][key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Set writes to the root scope.
func (c *Context) Set(key string, v any) {
	c.scopes[0][key] = v
}

// Push adds a shadowing scope holding a macro invocation's vars.
func (c *Context) Push(vars map[string]any) {
	scope := make(map[string]any, len(vars))
	for k, v := range vars {
		scope[k] = v
	}
	c.scopes = append(c.scopes, scope)
}

// Pop removes the innermost scope. The root scope is never popped.
func (c *Context) Pop() {
	if len(c.scopes) > 1 {
		c.scopes = c.scopes[:len(c.scopes)-1]
	}
}

// Keys lists every visible variable name, sorted.
func (c *Context) Keys() []string {
	seen := make(map[string]bool)
	for _, scope := range c.scopes {
		for k := range scope {
			seen[k] = true
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the visible variables, inner scopes shadowing
// outer ones.
func (c *Context) Snapshot() map[string]any {
	out := make(map[string]any)
	for _, scope := range c.scopes {
		for k, v := range scope {
			out[k] = v
		}
	}
	return out
}
