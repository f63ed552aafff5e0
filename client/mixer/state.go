// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mixer

// State is the state of a mixing session.
type State uint8

const (
	StateIdle State = iota
	StateAwaitingQueue
	StateEntrySubmitted
	StateWaitingForOthers
	StateSigningRequested
	StateSigned
	StateCompleted
	StateFailed
	StateAborted
)

// String returns the name of the State as reported by getinfo.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingQueue:
		return "AWAITING_QUEUE"
	case StateEntrySubmitted:
		return "ENTRY_SUBMITTED"
	case StateWaitingForOthers:
		return "WAITING_FOR_OTHERS"
	case StateSigningRequested:
		return "SIGNING_REQUESTED"
	case StateSigned:
		return "SIGNED"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// Terminal is true for states a session never leaves.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// forward lists the non-failure successor of each state.
var forward = map[State]State{
	StateIdle:             StateAwaitingQueue,
	StateAwaitingQueue:    StateEntrySubmitted,
	StateEntrySubmitted:   StateWaitingForOthers,
	StateWaitingForOthers: StateSigningRequested,
	StateSigningRequested: StateSigned,
	StateSigned:           StateCompleted,
}

// canTransition checks the edge from s to next. Every non-terminal state can
// fail, and any state other than Aborted can be aborted.
func (s State) canTransition(next State) bool {
	switch {
	case next == StateAborted:
		return s != StateAborted
	case s.Terminal():
		return false
	case next == StateFailed:
		return true
	}
	return forward[s] == next
}
