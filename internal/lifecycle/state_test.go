package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	govErrors "plugin-governor/internal/errors"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Created, Initialized, true},
		{Created, Active, false},
		{Created, Created, false},
		{Initialized, Idle, true},
		{Active, Idle, true},
		{Idle, Active, true},
		{Active, Initialized, false},
		{Deprecated, Active, false},
		{Deprecated, Cleanup, true},
		{Cleanup, Destroyed, true},
		{Cleanup, Idle, false},
		{Destroyed, Created, false},
		{Destroyed, Destroyed, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEveryStateCanReachDestroyed(t *testing.T) {
	for _, s := range AllStates() {
		if s == Destroyed {
			assert.True(t, s.IsTerminal())
			assert.Empty(t, AllowedTransitions(s))
			continue
		}
		assert.False(t, s.IsTerminal(), s.String())
		assert.True(t, CanTransition(s, Destroyed), s.String())
	}
}

func TestParseState(t *testing.T) {
	for _, s := range AllStates() {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	parsed, err := ParseState(" Idle ")
	require.NoError(t, err)
	assert.Equal(t, Idle, parsed)

	_, err = ParseState("zombie")
	assert.ErrorIs(t, err, govErrors.ErrInvalidArgument)

	var s State
	require.NoError(t, s.UnmarshalText([]byte("deprecated")))
	assert.Equal(t, Deprecated, s)
	assert.Equal(t, "state(42)", State(42).String())
}

func TestAllowedTransitions_ReturnsCopy(t *testing.T) {
	allowed := AllowedTransitions(Created)
	allowed[0] = Destroyed
	assert.True(t, CanTransition(Created, Initialized))
}
