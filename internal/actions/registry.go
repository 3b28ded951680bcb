package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/haricheung/deskpilot/internal/protocol"
)

// Spec describes one registered action: its external name, gating
// category, declared parameter shape, and handler.
type Spec struct {
	Name     string
	Category string
	Required []string
	Optional []string
	// Outputs names the context variables the handler may produce.
	Outputs []string
	// Soft handlers record their outcome in outputs instead of failing
	// the protocol; a later guard action decides whether to continue.
	Soft    bool
	Handler Handler
}

// Registry maps action names to handlers and holds the shared
// collaborators certain handlers need. Immutable after startup: register
// everything, inject collaborators, apply policy, then only read.
type Registry struct {
	specs             map[string]Spec
	deps              Deps
	haveDeps          bool
	disabledActions   map[string]bool
	enabledCategories map[string]bool // nil means every category
	logger            *slog.Logger
}

var _ protocol.Catalog = (*Registry)(nil)

// NewRegistry returns a registry populated with the built-in action
// library.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{specs: make(map[string]Spec, 80), logger: logger}
	registerKeyboard(r)
	registerMouse(r)
	registerWindow(r)
	registerBrowser(r)
	registerClipboard(r)
	registerFile(r)
	registerScreen(r)
	registerTiming(r)
	registerVision(r)
	registerSystem(r)
	registerEdit(r)
	return r
}

// Register adds an action. It panics on an empty name, a nil handler, or a
// duplicate: registration happens once at startup and a bad spec is a
// programming error, not a runtime condition.
func (r *Registry) Register(s Spec) {
	if s.Name == "" || s.Handler == nil {
		panic(fmt.Sprintf("actions: invalid spec for %q", s.Name))
	}
	if _, dup := r.specs[s.Name]; dup {
		panic(fmt.Sprintf("actions: duplicate registration of %q", s.Name))
	}
	r.specs[s.Name] = s
}

// Inject hands the registry its shared collaborators. Call once at engine
// startup, before any Invoke.
func (r *Registry) Inject(deps Deps) {
	r.deps = deps
	r.haveDeps = true
}

// SetPolicy applies the enable/disable configuration. enabledCategories
// empty means all categories; disabledActions always wins.
func (r *Registry) SetPolicy(enabledCategories, disabledActions []string) {
	r.enabledCategories = nil
	if len(enabledCategories) > 0 {
		r.enabledCategories = make(map[string]bool, len(enabledCategories))
		for _, c := range enabledCategories {
			r.enabledCategories[c] = true
		}
	}
	r.disabledActions = nil
	if len(disabledActions) > 0 {
		r.disabledActions = make(map[string]bool, len(disabledActions))
		for _, a := range disabledActions {
			r.disabledActions[a] = true
		}
	}
}

// Enabled reports whether name is registered and allowed by policy.
func (r *Registry) Enabled(name string) bool {
	s, ok := r.specs[name]
	if !ok {
		return false
	}
	if r.disabledActions[name] {
		return false
	}
	if r.enabledCategories != nil && !r.enabledCategories[s.Category] {
		return false
	}
	return true
}

// Find returns the full spec for name.
func (r *Registry) Find(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Lookup implements protocol.Catalog for the validator. Disabled actions
// still resolve: disabling is an execution policy, not a vocabulary change.
func (r *Registry) Lookup(name string) (protocol.ActionMeta, bool) {
	s, ok := r.specs[name]
	if !ok {
		return protocol.ActionMeta{}, false
	}
	return protocol.ActionMeta{
		Name:     s.Name,
		Category: s.Category,
		Required: s.Required,
		Optional: s.Optional,
		Outputs:  s.Outputs,
	}, true
}

// Categories lists every category with at least one action, sorted.
func (r *Registry) Categories() []string {
	seen := map[string]bool{}
	for _, s := range r.specs {
		seen[s.Category] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ByCategory lists the actions in one category, sorted by name.
func (r *Registry) ByCategory(category string) []Spec {
	var out []Spec
	for _, s := range r.specs {
		if s.Category == category {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names lists every registered action name, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Invoke dispatches one action with already-substituted params. Errors
// carry a protocol kind; untagged handler errors classify as
// DRIVER_FAILURE, context expiry as CANCELLED or TIMEOUT.
func (r *Registry) Invoke(ctx context.Context, name string, p Params) (Outputs, error) {
	s, ok := r.specs[name]
	if !ok {
		return nil, protocol.NewError(protocol.KindUnknownAction, "action %q is not registered", name)
	}
	if !r.Enabled(name) {
		return nil, protocol.NewError(protocol.KindValidationFailure, "action %q is disabled by configuration", name)
	}
	if !r.haveDeps {
		return nil, protocol.NewError(protocol.KindValidationFailure, "action %q invoked before collaborators were injected", name)
	}
	for _, req := range s.Required {
		if !p.Has(req) {
			return nil, protocol.NewError(protocol.KindParamMissing, "action %q: required param %q is missing", name, req)
		}
	}
	out, err := s.Handler(ctx, &r.deps, p)
	if err != nil {
		return out, classify(ctx, name, err)
	}
	return out, nil
}

// classify tags a handler error with a protocol kind, preferring any kind
// the handler set itself.
func classify(ctx context.Context, name string, err error) error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return protocol.WrapError(protocol.KindCancelled, err, "action %q cancelled", name)
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.WrapError(protocol.KindTimeout, err, "action %q timed out", name)
	default:
		return protocol.WrapError(protocol.KindDriverFailure, err, "action %q", name)
	}
}
