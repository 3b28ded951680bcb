package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxMacroDepth bounds macro nesting when Options.MaxMacroDepth is zero.
const DefaultMaxMacroDepth = 5

// Catalog describes the action library to the validator. The executor's
// registry implements it; a nil Catalog skips name and param-shape checks
// (used when validating before a registry exists).
type Catalog interface {
	Lookup(name string) (ActionMeta, bool)
}

// ActionMeta is the validator-visible contract of one registered action.
type ActionMeta struct {
	Name     string
	Category string
	Required []string
	Optional []string
	Outputs  []string
}

// Options configures validation behavior.
type Options struct {
	// Strict promotes every warning (PARAM_MISSING, PARAM_UNKNOWN) to an error.
	Strict bool
	// MaxMacroDepth bounds macro nesting; zero means DefaultMaxMacroDepth.
	MaxMacroDepth int
}

// Issue is one non-fatal validation finding. Fatal findings are returned
// as *Error instead (fail fast); Issues accumulate alongside.
type Issue struct {
	Kind    Kind   `json:"kind"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Path, i.Kind, i.Message)
}

// Parse decodes raw JSON text into a Protocol and validates it.
// The returned Protocol is non-nil whenever the document decoded, even if
// validation failed, so callers can still display it.
func Parse(raw []byte, catalog Catalog, opts Options) (*Protocol, []Issue, error) {
	var doc struct {
		Version  string                       `json:"version"`
		Metadata Metadata                     `json:"metadata"`
		Macros   map[string][]json.RawMessage `json:"macros"`
		Actions  []json.RawMessage            `json:"actions"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, WrapError(KindValidationFailure, err, "decode protocol document")
	}

	if err := checkHeader(doc.Version, doc.Metadata, len(doc.Actions)); err != nil {
		return nil, nil, err
	}

	p := &Protocol{Version: doc.Version, Metadata: doc.Metadata}
	if len(doc.Macros) > 0 {
		p.Macros = make(map[string][]Action, len(doc.Macros))
		for _, name := range sortedKeys(doc.Macros) {
			body, err := decodeActions(doc.Macros[name], "macros["+name+"]")
			if err != nil {
				return nil, nil, err
			}
			p.Macros[name] = body
		}
	}
	actions, err := decodeActions(doc.Actions, "actions")
	if err != nil {
		return nil, nil, err
	}
	p.Actions = actions

	issues, err := validateBody(p, catalog, opts)
	return p, issues, err
}

// Validate checks an already-decoded Protocol (e.g. one built in memory by
// the generator). Fatal findings return as a kind-tagged error; warnings
// accumulate in the returned slice.
func Validate(p *Protocol, catalog Catalog, opts Options) ([]Issue, error) {
	if err := checkHeader(p.Version, p.Metadata, len(p.Actions)); err != nil {
		return nil, err
	}
	return validateBody(p, catalog, opts)
}

func checkHeader(version string, md Metadata, actionCount int) error {
	if version != Version {
		return NewError(KindVersionMismatch, "unsupported protocol version %q (want %q)", version, Version)
	}
	if strings.TrimSpace(md.Description) == "" {
		return NewError(KindMetadataMissing, "metadata.description must be a non-empty string")
	}
	if actionCount == 0 {
		return NewError(KindEmptyActions, "protocol has no actions")
	}
	return nil
}

func decodeActions(raw []json.RawMessage, base string) ([]Action, error) {
	acts := make([]Action, 0, len(raw))
	for i, r := range raw {
		var a Action
		if err := json.Unmarshal(r, &a); err != nil {
			return nil, WrapError(KindMalformedAction, err, "%s[%d]: not a valid action object", base, i)
		}
		acts = append(acts, a)
	}
	return acts, nil
}

// validateBody runs the per-action passes in order: malformed, unknown name,
// unresolved macro, macro cycle/depth, delay, param shape. The first error
// aborts; param-shape findings are warnings unless opts.Strict.
func validateBody(p *Protocol, catalog Catalog, opts Options) ([]Issue, error) {
	maxDepth := opts.MaxMacroDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxMacroDepth
	}

	for _, e := range allActions(p) {
		if e.action.Name == "" || e.action.Params == nil {
			return nil, NewError(KindMalformedAction, "%s: action must have a name and a params object", e.path)
		}
	}

	if catalog != nil {
		for _, e := range allActions(p) {
			if e.action.Name == ActionMacro {
				continue
			}
			if _, ok := catalog.Lookup(e.action.Name); !ok {
				return nil, NewError(KindUnknownAction, "%s: action %q is not registered", e.path, e.action.Name)
			}
		}
	}

	for _, e := range allActions(p) {
		if e.action.Name != ActionMacro {
			continue
		}
		name, _, ok := e.action.MacroParams()
		if !ok {
			return nil, NewError(KindUnresolvedMacro, "%s: macro invocation requires params.name", e.path)
		}
		if _, exists := p.Macros[name]; !exists {
			return nil, NewError(KindUnresolvedMacro, "%s: macro %q is not defined", e.path, name)
		}
	}

	if err := checkMacroGraph(p.Macros, maxDepth); err != nil {
		return nil, err
	}

	for _, e := range allActions(p) {
		if e.action.WaitAfterMs < 0 {
			return nil, NewError(KindBadDelay, "%s: wait_after_ms must be >= 0 (got %d)", e.path, e.action.WaitAfterMs)
		}
	}

	var issues []Issue
	for _, e := range allActions(p) {
		for _, iss := range paramIssues(e, catalog) {
			if opts.Strict {
				return issues, NewError(iss.Kind, "%s: %s", iss.Path, iss.Message)
			}
			issues = append(issues, iss)
		}
	}
	return issues, nil
}

// entry pairs an action with its document path for diagnostics.
type entry struct {
	path   string
	action Action
}

// allActions lists every action in the document: top-level first, then
// macro bodies in sorted-name order so findings are deterministic.
func allActions(p *Protocol) []entry {
	entries := make([]entry, 0, len(p.Actions))
	for i, a := range p.Actions {
		entries = append(entries, entry{fmt.Sprintf("actions[%d]", i), a})
	}
	for _, name := range sortedKeys(p.Macros) {
		for i, a := range p.Macros[name] {
			entries = append(entries, entry{fmt.Sprintf("macros[%s][%d]", name, i), a})
		}
	}
	return entries
}

// macroParamKeys are the only params a macro invocation accepts.
var macroParamKeys = map[string]bool{"name": true, "vars": true}

func paramIssues(e entry, catalog Catalog) []Issue {
	var issues []Issue
	if e.action.Name == ActionMacro {
		for _, k := range sortedKeys(e.action.Params) {
			if !macroParamKeys[k] {
				issues = append(issues, Issue{
					Kind:    KindParamUnknown,
					Path:    e.path,
					Message: fmt.Sprintf("macro invocation does not accept param %q", k),
				})
			}
		}
		return issues
	}
	if catalog == nil {
		return nil
	}
	meta, ok := catalog.Lookup(e.action.Name)
	if !ok {
		return nil // unknown names already rejected
	}
	for _, req := range meta.Required {
		if _, present := e.action.Params[req]; !present {
			issues = append(issues, Issue{
				Kind:    KindParamMissing,
				Path:    e.path,
				Message: fmt.Sprintf("action %q requires param %q", e.action.Name, req),
			})
		}
	}
	known := make(map[string]bool, len(meta.Required)+len(meta.Optional))
	for _, k := range meta.Required {
		known[k] = true
	}
	for _, k := range meta.Optional {
		known[k] = true
	}
	for _, k := range sortedKeys(e.action.Params) {
		if !known[k] {
			issues = append(issues, Issue{
				Kind:    KindParamUnknown,
				Path:    e.path,
				Message: fmt.Sprintf("action %q does not declare param %q", e.action.Name, k),
			})
		}
	}
	return issues
}

// checkMacroGraph rejects cyclic macro references and nesting deeper than
// maxDepth. Depth counts invocation levels: a macro whose body invokes
// another macro has depth 2.
func checkMacroGraph(macros map[string][]Action, maxDepth int) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(macros))
	depth := make(map[string]int, len(macros))

	var chain func(name string) (int, error)
	chain = func(name string) (int, error) {
		switch state[name] {
		case visiting:
			return 0, NewError(KindCyclicMacro, "macro %q participates in a reference cycle", name)
		case done:
			return depth[name], nil
		}
		state[name] = visiting
		d := 1
		for _, a := range macros[name] {
			if a.Name != ActionMacro {
				continue
			}
			ref, _, ok := a.MacroParams()
			if !ok {
				continue // reported by the unresolved pass
			}
			if _, exists := macros[ref]; !exists {
				continue
			}
			cd, err := chain(ref)
			if err != nil {
				return 0, err
			}
			if 1+cd > d {
				d = 1 + cd
			}
		}
		state[name] = done
		depth[name] = d
		return d, nil
	}

	names := make([]string, 0, len(macros))
	for name := range macros {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d, err := chain(name)
		if err != nil {
			return err
		}
		if d > maxDepth {
			return NewError(KindCyclicMacro, "macro %q nests %d levels deep (max %d)", name, d, maxDepth)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
