package connection

import (
	"errors"
	"fmt"
)

// State is a connection lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateHandshaking
	StateConnected
	StateReplaying
	StatePaused
	StateBackpressure
	StateClosing
	StateClosed
	StateError
)

var stateNames = [...]string{
	StateInitializing: "initializing",
	StateHandshaking:  "handshaking",
	StateConnected:    "connected",
	StateReplaying:    "replaying",
	StatePaused:       "paused",
	StateBackpressure: "backpressure",
	StateClosing:      "closing",
	StateClosed:       "closed",
	StateError:        "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateError }

var ErrInvalidTransition = errors.New("connection: invalid state transition")

var transitions = map[State][]State{
	StateInitializing: {StateHandshaking, StateClosing},
	StateHandshaking:  {StateConnected, StateClosing},
	StateConnected:    {StateReplaying, StatePaused, StateBackpressure, StateClosing},
	StateReplaying:    {StateConnected, StateClosing},
	StatePaused:       {StateConnected, StateClosing},
	StateBackpressure: {StateConnected, StatePaused, StateClosing},
	StateClosing:      {StateClosed},
}

// CanTransition reports whether from -> to is allowed. StateError is
// reachable from every non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
