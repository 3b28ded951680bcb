package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/deskpilot/internal/llm/llmtest"
	"github.com/haricheung/deskpilot/internal/protocol"
)

func TestParseIntent_ReadsFencedJSON(t *testing.T) {
	client := llmtest.New("```json\n" +
		`{"action":"open_app","target":"firefox","params":{"new_window":true},"confidence":0.92}` +
		"\n```")

	intent, err := ParseIntent(context.Background(), client, "open firefox", "")
	require.NoError(t, err)
	assert.Equal(t, "open_app", intent.Action)
	assert.Equal(t, "firefox", intent.Target)
	assert.Equal(t, true, intent.Params["new_window"])
	assert.InDelta(t, 0.92, intent.Confidence, 1e-9)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "open firefox", calls[0].User)
}

func TestParseIntent_ClampsConfidence(t *testing.T) {
	for raw, want := range map[string]float64{
		`{"action":"open_app","target":"x","confidence":1.7}`:  1,
		`{"action":"open_app","target":"x","confidence":-0.3}`: 0,
	} {
		client := llmtest.New(raw)
		intent, err := ParseIntent(context.Background(), client, "open x", "")
		require.NoError(t, err)
		assert.Equal(t, want, intent.Confidence)
	}
}

// Follow-up commands carry the recent session so the model can resolve
// references like "close it".
func TestParseIntent_SessionContextInPrompt(t *testing.T) {
	client := llmtest.New(`{"action":"close_app","target":"firefox","confidence":0.85}`)
	session := "[1] User: open firefox\n    Result: success\n"

	intent, err := ParseIntent(context.Background(), client, "close it", session)
	require.NoError(t, err)
	assert.Equal(t, "close_app", intent.Action)

	user := client.Calls()[0].User
	assert.Contains(t, user, "Recent session:")
	assert.Contains(t, user, "open firefox")
	assert.Contains(t, user, "Command: close it")
}

func TestParseIntent_RejectsMissingAction(t *testing.T) {
	client := llmtest.New(`{"target":"firefox","confidence":0.9}`)
	_, err := ParseIntent(context.Background(), client, "open firefox", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no action")
}

func TestParseIntent_TransportErrorKind(t *testing.T) {
	client := llmtest.New().FailAt(0, errors.New("connection refused"))
	_, err := ParseIntent(context.Background(), client, "open firefox", "")
	require.Error(t, err)
	assert.Equal(t, protocol.KindExternalCallFailure, protocol.KindOf(err))
}
