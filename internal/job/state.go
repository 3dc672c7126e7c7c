package job

import "fmt"

// State is the lifecycle state of a Run.
type State string

const (
	StateConstructed  State = "constructed"
	StateExtracting   State = "extracting"
	StateTransforming State = "transforming"
	StateLoading      State = "loading"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// next lists the legal forward transitions. Failing is legal from any
// working state and handled separately.
var next = map[State][]State{
	StateConstructed:  {StateExtracting},
	StateExtracting:   {StateTransforming},
	StateTransforming: {StateLoading, StateCompleted},
	StateLoading:      {StateCompleted},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) canMove(to State) bool {
	if to == StateFailed {
		return !s.Terminal() && s != StateConstructed
	}
	for _, n := range next[s] {
		if n == to {
			return true
		}
	}
	return false
}

// ErrTransition reports an illegal state change, which is always a caller bug.
type ErrTransition struct {
	From, To State
}

func (e *ErrTransition) Error() string {
	return fmt.Sprintf("job: illegal transition %s -> %s", e.From, e.To)
}
