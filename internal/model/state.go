package model

import "fmt"

// State is a pipeline state for a single request.
type State string

const (
	StateReceived     State = "RECEIVED"
	StateSynthesizing State = "SYNTHESIZING"
	StateExecuting    State = "EXECUTING"
	StateClassified   State = "CLASSIFIED"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

// transitions lists the legal successors of each state. DONE and FAILED are terminal.
var transitions = map[State][]State{
	StateReceived:     {StateSynthesizing, StateFailed},
	StateSynthesizing: {StateExecuting, StateFailed},
	StateExecuting:    {StateClassified, StateFailed},
	StateClassified:   {StateDone},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next, or an error if the move is illegal.
func (s State) Transition(next State) (State, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal state transition %s -> %s", s, next)
	}
	return next, nil
}
