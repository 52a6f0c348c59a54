package schemas_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/api/schemas"
)

func TestEncodeFrame_RequiresType(t *testing.T) {
	_, err := schemas.EncodeFrame(&schemas.Frame{})
	require.Error(t, err)
}

func TestDecodeFrame_RoundTripsNextAction(t *testing.T) {
	original := &schemas.Frame{
		Type:      schemas.MsgRunNextAction,
		RunID:     "run-1",
		StepID:    "step-42",
		Action:    "click",
		Args:      map[string]any{"selector": "#submit"},
		TimeoutMs: 15000,
	}

	data, err := schemas.EncodeFrame(original)
	require.NoError(t, err)

	decoded, err := schemas.DecodeFrame(data)
	require.NoError(t, err)

	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Fatalf("frame changed across the wire (-want +got):\n%s", diff)
	}
}

func TestDecodeFrame_RejectsMissingType(t *testing.T) {
	_, err := schemas.DecodeFrame([]byte(`{"runId":"run-1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type")
}

func TestDecodeFrame_RejectsMalformedJSON(t *testing.T) {
	_, err := schemas.DecodeFrame([]byte(`{"type":`))
	require.Error(t, err)
}

func TestFrame_Resolved(t *testing.T) {
	ok := true
	notOK := false

	assert.True(t, (&schemas.Frame{OK: &ok}).Resolved())
	assert.False(t, (&schemas.Frame{OK: &notOK}).Resolved())
	// Absent ok counts as failure rather than a third state.
	assert.False(t, (&schemas.Frame{}).Resolved())
}

func TestDecodeFrame_ActionResultShape(t *testing.T) {
	raw := []byte(`{"type":"run.action_result","runId":"run-9","stepId":"s-1","ok":true,"latencyMs":231}`)

	f, err := schemas.DecodeFrame(raw)
	require.NoError(t, err)

	assert.Equal(t, schemas.MsgRunActionResult, f.Type)
	assert.Equal(t, "s-1", f.StepID)
	assert.True(t, f.Resolved())
	assert.EqualValues(t, 231, f.LatencyMs)
}
