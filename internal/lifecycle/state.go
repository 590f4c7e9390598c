package lifecycle

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of the managed instance.
//
// State Machine:
// down -> starting -> up -> stopping -> down
// starting -> weird (readiness or init failed), weird -> stopping
type State string

const (
	StateDown     State = "down"
	StateStarting State = "starting"
	StateUp       State = "up"
	StateStopping State = "stopping"
	StateWeird    State = "weird"
)

// States lists every state in declaration order.
var States = []State{StateDown, StateStarting, StateUp, StateStopping, StateWeird}

func (s State) String() string { return string(s) }

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

// ParseState accepts a state name in any case.
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown state %q", s)
	}
	return st, nil
}

// Snapshot is a point-in-time copy of the server record.
type Snapshot struct {
	State      State  `json:"state"`
	Address    string `json:"address"`
	InstanceID string `json:"instance_id"`
}
