package orchestrator

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a session or of one of its links.
type State int

const (
	StateInit State = iota
	StateAcquiringMedia
	StateWaiting
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateEnded
)

var stateNames = map[State]string{
	StateInit:           "init",
	StateAcquiringMedia: "acquiring-media",
	StateWaiting:        "waiting",
	StateConnecting:     "connecting",
	StateConnected:      "connected",
	StateReconnecting:   "reconnecting",
	StateFailed:         "failed",
	StateEnded:          "ended",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrIllegalTransition is returned for a transition missing from the table.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	StateInit:           {StateAcquiringMedia, StateEnded},
	StateAcquiringMedia: {StateWaiting, StateConnecting, StateFailed, StateEnded},
	StateWaiting:        {StateWaiting, StateConnecting, StateConnected, StateFailed, StateEnded},
	StateConnecting:     {StateConnecting, StateWaiting, StateConnected, StateFailed, StateEnded},
	StateConnected:      {StateConnected, StateReconnecting, StateWaiting, StateEnded},
	StateReconnecting:   {StateReconnecting, StateConnecting, StateConnected, StateWaiting, StateFailed, StateEnded},
	StateFailed:         {StateInit, StateEnded},
	StateEnded:          nil,
}

// CanTransition reports whether from → to appears in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition wraps ErrIllegalTransition with the offending pair.
func checkTransition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
}

// rank orders link states for the aggregate session state: the session is
// as far along as its best link.
func rank(s State) int {
	switch s {
	case StateConnected:
		return 4
	case StateReconnecting:
		return 3
	case StateConnecting:
		return 2
	case StateWaiting:
		return 1
	}
	return 0
}
