package translate

import (
	"fmt"
	"slices"
)

type State int

const (
	Idle State = iota
	Preparing
	Rejected
	Streaming
	SingleShot
	FallbackSingleShot
	Succeeded
	Cancelled
	FailedTerminal
)

var stateNames = [...]string{
	Idle:               "idle",
	Preparing:          "preparing",
	Rejected:           "rejected",
	Streaming:          "streaming",
	SingleShot:         "single_shot",
	FallbackSingleShot: "fallback_single_shot",
	Succeeded:          "succeeded",
	Cancelled:          "cancelled",
	FailedTerminal:     "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the session is over.
func (s State) Terminal() bool {
	switch s {
	case Rejected, Succeeded, Cancelled, FailedTerminal:
		return true
	}
	return false
}

// Retries re-enter the same state, so Streaming and SingleShot list
// themselves.
var transitions = map[State][]State{
	Idle:               {Preparing},
	Preparing:          {Rejected, Streaming, SingleShot, FailedTerminal, Cancelled},
	Streaming:          {Streaming, FallbackSingleShot, Succeeded, Cancelled, FailedTerminal},
	SingleShot:         {SingleShot, Succeeded, Cancelled, FailedTerminal},
	FallbackSingleShot: {Succeeded, Cancelled, FailedTerminal},
}

func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}
