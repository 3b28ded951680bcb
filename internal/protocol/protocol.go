// Package protocol defines the JSON instruction protocol: the document
// model, the parser/validator, and the execution result types shared by
// the planner and executor processes.
package protocol

import "encoding/json"

// Version is the only protocol version this engine accepts.
const Version = "1.0"

// ActionMacro is the reserved action name for macro invocations.
const ActionMacro = "macro"

// Complexity levels used in protocol metadata.
const (
	ComplexitySimple  = "simple"
	ComplexityMedium  = "medium"
	ComplexityComplex = "complex"
)

// Protocol is a validated instruction document. Immutable after construction.
type Protocol struct {
	Version  string              `json:"version"`
	Metadata Metadata            `json:"metadata"`
	Macros   map[string][]Action `json:"macros,omitempty"`
	Actions  []Action            `json:"actions"`
}

// Metadata describes a protocol. Description is the only required field;
// ID is assigned by the planner at submission and used for broker correlation.
type Metadata struct {
	ID                  string   `json:"id,omitempty"`
	Description         string   `json:"description"`
	Complexity          string   `json:"complexity,omitempty"`
	UsesVision          bool     `json:"uses_vision,omitempty"`
	EstimatedDurationMs int64    `json:"estimated_duration_ms,omitempty"`
	Tags                []string `json:"tags,omitempty"`
	Author              string   `json:"author,omitempty"`
	GeneratedContent    bool     `json:"generated_content,omitempty"`
}

// Action is one named, parameterized operation. Params values are JSON
// scalars, arrays, objects, or template strings containing {{var}} references.
type Action struct {
	Name        string         `json:"action"`
	Params      map[string]any `json:"params"`
	WaitAfterMs int64          `json:"wait_after_ms,omitempty"`
	Description string         `json:"description,omitempty"`
}

// ID returns the correlation identifier for the protocol: metadata.id when
// the planner assigned one, otherwise the human description. Broker file
// naming sanitizes either form identically.
func (p *Protocol) ID() string {
	if p.Metadata.ID != "" {
		return p.Metadata.ID
	}
	return p.Metadata.Description
}

// MacroParams extracts the macro name and vars from a macro invocation's
// params. Returns ok=false when params.name is absent or not a string.
func (a Action) MacroParams() (name string, vars map[string]any, ok bool) {
	raw, present := a.Params["name"]
	if !present {
		return "", nil, false
	}
	name, ok = raw.(string)
	if !ok || name == "" {
		return "", nil, false
	}
	if v, present := a.Params["vars"]; present {
		vars, _ = v.(map[string]any)
	}
	return name, vars, true
}

// Serialize renders the protocol back to JSON. Round-trips through Parse:
// the re-parsed document is structurally identical.
func (p *Protocol) Serialize() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}
