package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitStatus(t *testing.T) {
	code, exited := Exited(3).Code()
	assert.True(t, exited)
	assert.Equal(t, 3, code)

	_, exited = StatusTimeout.Code()
	assert.False(t, exited)
	assert.True(t, StatusTimeout.IsTimeout())
	assert.True(t, StatusError.IsError())

	var zero ExitStatus
	_, exited = zero.Code()
	assert.False(t, exited, "an unset status must not read as exit code 0")
	assert.True(t, zero.IsError())
	assert.Equal(t, "error", zero.String())
}

func TestExitStatusJSON(t *testing.T) {
	tests := []struct {
		status ExitStatus
		want   string
	}{
		{Exited(0), `0`},
		{Exited(1), `1`},
		{StatusTimeout, `"timeout"`},
		{StatusError, `"error"`},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			b, err := json.Marshal(tt.status)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(b))

			var back ExitStatus
			require.NoError(t, json.Unmarshal(b, &back))
			assert.Equal(t, tt.status, back)
		})
	}

	var s ExitStatus
	assert.Error(t, json.Unmarshal([]byte(`"crashed"`), &s))
}

func TestStateTransitions(t *testing.T) {
	happy := []State{StateReceived, StateSynthesizing, StateExecuting, StateClassified, StateDone}
	for i := 0; i < len(happy)-1; i++ {
		next, err := happy[i].Transition(happy[i+1])
		require.NoError(t, err)
		assert.Equal(t, happy[i+1], next)
	}

	for _, s := range []State{StateReceived, StateSynthesizing, StateExecuting} {
		assert.True(t, s.CanTransition(StateFailed), "%s should be able to fail", s)
	}

	assert.False(t, StateClassified.CanTransition(StateFailed))
	assert.False(t, StateReceived.CanTransition(StateExecuting))
	assert.False(t, StateDone.CanTransition(StateReceived))
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateExecuting.Terminal())

	_, err := StateFailed.Transition(StateDone)
	assert.Error(t, err)
}

func TestReasonDeterminate(t *testing.T) {
	assert.True(t, ReasonExitZero.Determinate())
	assert.True(t, ReasonNonzeroExit.Determinate())
	assert.False(t, ReasonTimeout.Determinate())
	assert.False(t, ReasonSynthesisFailed.Determinate())
	assert.False(t, ReasonExecutionError.Determinate())
}
