package crosschain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowLogTransitions(t *testing.T) {
	log := NewFlowLog("flow0")

	require.NoError(t, log.Record(1, EventStarted))
	require.NoError(t, log.Record(1, EventSucceeded))
	assert.False(t, log.Unwinding())

	require.NoError(t, log.Record(2, EventStarted))
	require.NoError(t, log.Record(2, EventFailed))
	assert.True(t, log.Unwinding())

	err := log.Record(2, EventUndoStarted)
	assert.ErrorIs(t, err, ErrFlowLogTransition, "a failed step is never recovered")

	err = log.Record(3, EventSucceeded)
	assert.ErrorIs(t, err, ErrFlowLogTransition)

	require.NoError(t, log.Record(1, EventUndoStarted))
	require.NoError(t, log.Record(1, EventUndoFinished))
	assert.ErrorIs(t, log.Record(1, EventUndoStarted), ErrFlowLogTransition, "recover runs at most once")

	assert.Equal(t, StepUndoFinished, log.Status(1))
	assert.Equal(t, StepFailed, log.Status(2))
	assert.Len(t, log.Events(), 6)
}

func TestReplayFlowLog(t *testing.T) {
	log := NewFlowLog("flow3")
	require.NoError(t, log.Record(1, EventStarted))
	require.NoError(t, log.Record(1, EventSucceeded))
	require.NoError(t, log.Record(2, EventStarted))
	require.NoError(t, log.Record(2, EventFailed))

	data, err := json.Marshal(log.Events())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"failed"`)

	var events []StepEvent
	require.NoError(t, json.Unmarshal(data, &events))
	replayed, err := ReplayFlowLog("flow3", events)
	require.NoError(t, err)
	assert.Equal(t, log.Events(), replayed.Events())
	assert.Equal(t, StepFailed, replayed.Status(2))

	_, err = ReplayFlowLog("other", events)
	assert.Error(t, err)
}
