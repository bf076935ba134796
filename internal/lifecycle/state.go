// Package lifecycle tracks the lifecycle state of every governed resource,
// the dependencies between resources, and policy-driven cleanup.
package lifecycle

import (
	"fmt"
	"strings"

	govErrors "plugin-governor/internal/errors"
)

// State is a resource's position in its lifecycle
type State int

const (
	Created State = iota
	Initialized
	Active
	Idle
	Deprecated
	Cleanup
	Destroyed
)

var stateNames = [...]string{
	Created:     "created",
	Initialized: "initialized",
	Active:      "active",
	Idle:        "idle",
	Deprecated:  "deprecated",
	Cleanup:     "cleanup",
	Destroyed:   "destroyed",
}

func (s State) String() string {
	if s < Created || s > Destroyed {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState accepts the names returned by String
func ParseState(name string) (State, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range stateNames {
		if s == n {
			return State(i), nil
		}
	}
	return Created, govErrors.InvalidArgument("unknown lifecycle state %q", name)
}

// AllStates lists the states in lifecycle order
func AllStates() []State {
	return []State{Created, Initialized, Active, Idle, Deprecated, Cleanup, Destroyed}
}

var transitions = map[State][]State{
	Created:     {Initialized, Cleanup, Destroyed},
	Initialized: {Active, Idle, Cleanup, Destroyed},
	Active:      {Idle, Deprecated, Cleanup, Destroyed},
	Idle:        {Active, Deprecated, Cleanup, Destroyed},
	Deprecated:  {Cleanup, Destroyed},
	Cleanup:     {Destroyed},
	Destroyed:   nil,
}

// CanTransition reports whether from -> to is a legal transition
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the states reachable from s in one step
func AllowedTransitions(s State) []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// IsTerminal reports whether s has no outgoing transitions
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}
