package spawner

import v1 "github.com/stoneforge/stoneforge/pkg/api/v1"

// allowedTransitions is the authoritative session status table. The session
// manager consults it through CanTransition.
var allowedTransitions = map[v1.SessionStatus][]v1.SessionStatus{
	v1.SessionStatusStarting:    {v1.SessionStatusRunning, v1.SessionStatusTerminated},
	v1.SessionStatusRunning:     {v1.SessionStatusSuspended, v1.SessionStatusTerminating, v1.SessionStatusTerminated},
	v1.SessionStatusSuspended:   {v1.SessionStatusRunning, v1.SessionStatusTerminated},
	v1.SessionStatusTerminating: {v1.SessionStatusTerminated},
	v1.SessionStatusTerminated:  {},
}

// CanTransition reports whether a session may move from one status to
// another.
func CanTransition(from, to v1.SessionStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanAcceptInput reports whether a session in the given status accepts
// user input.
func CanAcceptInput(status v1.SessionStatus) bool {
	return status == v1.SessionStatusRunning
}
