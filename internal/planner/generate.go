package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/haricheung/deskpilot/internal/actions"
	"github.com/haricheung/deskpilot/internal/llm"
	"github.com/haricheung/deskpilot/internal/protocol"
)

const generatePrompt = `You are the protocol generator of a desktop automation assistant. Turn one user command into an automation protocol.

Protocol rules:
- Output version "1.0" with metadata {description, complexity: simple|medium|complex, uses_vision: bool}.
- Every action must come from the ACTION LIBRARY below, with exactly its parameters. Optional parameters are in [brackets].
- Use "wait_after_ms" after actions that need the UI to settle (app launches: 2000-3000, dialogs: 500).
- Repeated sequences go into "macros"; invoke with {"action":"macro","params":{"name":"<macro>","vars":{...}}} and reference vars as {{name}} inside the body.
- PREFER one visual_navigate action over manual verify/move/click chains whenever the target's position is not fixed. Set uses_vision true when you do.
- Action outputs (mouse_x, clipboard_text, verified_x, ...) are available to later actions as {{variable}}.

ACTION LIBRARY:
%s

Output ONLY the protocol JSON object (no wrapper, no markdown, no prose).`

const repairPrompt = `Your previous protocol could not be used: %s

Regenerate the protocol for the command below. Keep it as simple as possible — plain keyboard/mouse/window actions, no macros unless unavoidable. Respond with ONLY the JSON object.

Command: %s`

// Generator turns user commands into validated protocols.
type Generator struct {
	client   llm.Client
	registry *actions.Registry
	opts     protocol.Options
	system   string
	logger   *slog.Logger
}

// NewGenerator builds a Generator over the action registry. The library
// schema is rendered once; the registry is immutable after startup.
func NewGenerator(client llm.Client, registry *actions.Registry, opts protocol.Options, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		client:   client,
		registry: registry,
		opts:     opts,
		system:   fmt.Sprintf(generatePrompt, librarySchema(registry)),
		logger:   logger,
	}
}

// Generate produces a validated protocol for command. A response that fails
// extraction or validation is retried once with a simpler prompt; the
// second failure is returned.
//
// Expectations:
//   - The returned protocol has passed protocol.Parse against the registry
//   - metadata.id is set (assigned when the model omits it)
//   - metadata.generated_content is always true
//   - LLM failures carry kind EXTERNAL_CALL_FAILURE
func (g *Generator) Generate(ctx context.Context, command string, intent CommandIntent) (*protocol.Protocol, []protocol.Issue, error) {
	user := command
	if intent.Action != "" {
		ij, _ := json.Marshal(intent)
		user = fmt.Sprintf("Command: %s\nParsed intent: %s", command, ij)
	}

	p, issues, err := g.attempt(ctx, g.system, user)
	if err == nil {
		return p, issues, nil
	}
	if protocol.KindOf(err) == protocol.KindExternalCallFailure {
		return nil, nil, err
	}

	g.logger.Warn("[PLANNER] regenerating with a simpler prompt", "error", err)
	p, issues, retryErr := g.attempt(ctx, g.system, fmt.Sprintf(repairPrompt, err, command))
	if retryErr != nil {
		return nil, nil, retryErr
	}
	return p, issues, nil
}

func (g *Generator) attempt(ctx context.Context, system, user string) (*protocol.Protocol, []protocol.Issue, error) {
	raw, _, err := g.client.Complete(ctx, system, user)
	if err != nil {
		return nil, nil, protocol.WrapError(protocol.KindExternalCallFailure, err, "protocol generation")
	}

	doc := llm.ExtractJSON(raw)
	if doc == "" {
		return nil, nil, fmt.Errorf("no protocol JSON in response (raw: %s)", clipRaw(raw))
	}

	p, issues, err := protocol.Parse([]byte(doc), g.registry, g.opts)
	if err != nil {
		return nil, nil, err
	}
	if p.Metadata.ID == "" {
		p.Metadata.ID = uuid.New().String()
	}
	p.Metadata.GeneratedContent = true
	return p, issues, nil
}

// librarySchema renders the registry as compact per-category lines:
//
//	keyboard: press_key(key) | type(text) | type_with_delay(text, delay_ms)
func librarySchema(registry *actions.Registry) string {
	var sb strings.Builder
	for _, cat := range registry.Categories() {
		specs := registry.ByCategory(cat)
		if len(specs) == 0 {
			continue
		}
		entries := make([]string, 0, len(specs))
		for _, s := range specs {
			entries = append(entries, specSignature(s))
		}
		fmt.Fprintf(&sb, "%s: %s\n", cat, strings.Join(entries, " | "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func specSignature(s actions.Spec) string {
	params := make([]string, 0, len(s.Required)+len(s.Optional))
	params = append(params, s.Required...)
	for _, opt := range s.Optional {
		params = append(params, "["+opt+"]")
	}
	if len(params) == 0 {
		return s.Name + "()"
	}
	return s.Name + "(" + strings.Join(params, ", ") + ")"
}

func clipRaw(s string) string {
	s = llm.StripFences(s)
	if len(s) > 200 {
		return s[:200] + "…"
	}
	return s
}
