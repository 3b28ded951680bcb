package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/deskpilot/internal/actions"
	"github.com/haricheung/deskpilot/internal/llm/llmtest"
	"github.com/haricheung/deskpilot/internal/protocol"
)

func newGenerator(client *llmtest.Fake) *Generator {
	return NewGenerator(client, actions.NewRegistry(quietLogger()), protocol.Options{}, quietLogger())
}

func TestGenerator_ParsesFencedProtocol(t *testing.T) {
	client := llmtest.New("```json\n" + protocolJSON + "\n```")
	gen := newGenerator(client)

	p, issues, err := gen.Generate(context.Background(), "press enter", CommandIntent{Action: "press_key", Confidence: 0.9})
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.NotEmpty(t, p.Metadata.ID, "an id is assigned when the model omits one")
	assert.True(t, p.Metadata.GeneratedContent)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, "press_key", p.Actions[0].Name)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].User, "press enter")
	assert.Contains(t, calls[0].User, "Parsed intent:")
}

// A response that parses but fails validation earns exactly one retry with
// the repair prompt.
func TestGenerator_RetriesInvalidProtocolOnce(t *testing.T) {
	bad := `{"version":"1.0","metadata":{"description":"nope"},"actions":[{"action":"summon_demon","params":{}}]}`
	client := llmtest.New(bad, protocolJSON)
	gen := newGenerator(client)

	p, _, err := gen.Generate(context.Background(), "press enter", CommandIntent{})
	require.NoError(t, err)
	assert.Equal(t, "press_key", p.Actions[0].Name)

	calls := client.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].User, "could not be used")
	assert.Contains(t, calls[1].User, "press enter")
}

func TestGenerator_SecondFailureSurfaces(t *testing.T) {
	bad := `{"version":"1.0","metadata":{"description":"nope"},"actions":[{"action":"summon_demon","params":{}}]}`
	client := llmtest.New(bad, "still not a protocol")
	gen := newGenerator(client)

	_, _, err := gen.Generate(context.Background(), "press enter", CommandIntent{})
	require.Error(t, err)
	assert.Equal(t, 2, client.CallCount())
}

// Transport failures are terminal: retrying would hit the same dead endpoint.
func TestGenerator_TransportFailureNotRetried(t *testing.T) {
	client := llmtest.New().FailAt(0, errors.New("connection refused"))
	gen := newGenerator(client)

	_, _, err := gen.Generate(context.Background(), "press enter", CommandIntent{})
	require.Error(t, err)
	assert.Equal(t, protocol.KindExternalCallFailure, protocol.KindOf(err))
	assert.Equal(t, 1, client.CallCount())
}

func TestGenerator_SystemPromptListsLibrary(t *testing.T) {
	client := llmtest.New(protocolJSON)
	gen := newGenerator(client)

	_, _, err := gen.Generate(context.Background(), "press enter", CommandIntent{})
	require.NoError(t, err)

	system := client.Calls()[0].System
	assert.Contains(t, system, "keyboard:")
	assert.Contains(t, system, "press_key(key)")
	assert.Contains(t, system, "visual_navigate(task,")
}
