package optimistic

import "fmt"

// State is a mutation's position in the optimistic update lifecycle.
//
//	Start → LocalApplied → RemoteAttempted ┐
//	                     → Queued          ┴→ AwaitingReconciliation → Reconciled
//
// Remote success or failure does not move a mutation; only
// reconciliation does.
type State int

const (
	StateStart State = iota
	StateLocalApplied
	StateRemoteAttempted
	StateQueued
	StateAwaitingReconciliation
	StateReconciled
)

var stateNames = map[State]string{
	StateStart:                  "start",
	StateLocalApplied:           "local_applied",
	StateRemoteAttempted:        "remote_attempted",
	StateQueued:                 "queued",
	StateAwaitingReconciliation: "awaiting_reconciliation",
	StateReconciled:             "reconciled",
}

// String returns the state's name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the legal successor states.
var transitions = map[State][]State{
	StateStart:                  {StateLocalApplied},
	StateLocalApplied:           {StateRemoteAttempted, StateQueued},
	StateRemoteAttempted:        {StateAwaitingReconciliation},
	StateQueued:                 {StateAwaitingReconciliation},
	StateAwaitingReconciliation: {StateReconciled},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
