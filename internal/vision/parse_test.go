package vision

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNavigationResult_DecodesCleanJSON(t *testing.T) {
	raw := `{"action":"click","coordinates":[500,300],"confidence":0.92,"reasoning":"Submit button","task_complete":true}`

	r := ParseNavigationResult(raw)
	assert.Equal(t, ActionClick, r.Action)
	require.NotNil(t, r.Coordinates)
	assert.Equal(t, 500, r.Coordinates.X())
	assert.Equal(t, 300, r.Coordinates.Y())
	assert.InDelta(t, 0.92, r.Confidence, 1e-9)
	assert.True(t, r.TaskComplete)
}

func TestParseNavigationResult_RepairsFencedReply(t *testing.T) {
	// Vision models love fences despite the output rules.
	raw := "```json\n{\"action\": \"type\", \"text_to_type\": \"hello\", \"confidence\": 0.8,}\n```"

	r := ParseNavigationResult(raw)
	assert.Equal(t, ActionType, r.Action)
	assert.Equal(t, "hello", r.Text)
	assert.Nil(t, r.Coordinates)
}

func TestParseNavigationResult_NormalizesActionName(t *testing.T) {
	r := ParseNavigationResult(`{"action":"  DOUBLE_CLICK ","coordinates":[10,10],"confidence":0.7}`)
	assert.Equal(t, ActionDoubleClick, r.Action)
}

func TestParseNavigationResult_EmptyReplyBecomesNoAction(t *testing.T) {
	r := ParseNavigationResult("   \n ")
	assert.Equal(t, ActionNoAction, r.Action)
	assert.Zero(t, r.Confidence)
	assert.Contains(t, r.Reasoning, "empty response")
}

func TestParseNavigationResult_GarbageBecomesNoAction(t *testing.T) {
	// An unparseable reply costs one iteration, never the run.
	r := ParseNavigationResult("I think you should click somewhere in the middle")
	assert.Equal(t, ActionNoAction, r.Action)
	assert.Contains(t, r.Reasoning, "unparseable vision response")
	assert.Contains(t, r.Reasoning, "click somewhere")
}

func TestParseNavigationResult_DiagnosticKeepsFirstLineOnly(t *testing.T) {
	long := strings.Repeat("x", 200) + "\nsecond line"
	r := ParseNavigationResult(long)
	assert.Equal(t, ActionNoAction, r.Action)
	assert.NotContains(t, r.Reasoning, "second line")
	assert.Less(t, len(r.Reasoning), 200)
}

func TestParseNavigationResult_MissingActionBecomesNoAction(t *testing.T) {
	r := ParseNavigationResult(`{"confidence":0.5,"reasoning":"unsure"}`)
	assert.Equal(t, ActionNoAction, r.Action)
	assert.Equal(t, "unsure", r.Reasoning)
}

func TestParseNavigationResult_ClampsConfidenceIntoUnitRange(t *testing.T) {
	r := ParseNavigationResult(`{"action":"click","coordinates":[1,1],"confidence":1.7}`)
	assert.Equal(t, 1.0, r.Confidence)

	r = ParseNavigationResult(`{"action":"click","coordinates":[1,1],"confidence":-0.2}`)
	assert.Equal(t, 0.0, r.Confidence)
}
