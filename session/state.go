package session

// State is the session lifecycle position. Transitions are linear
// within a cycle; Rejected loops back to Synthesizing until the budget
// or the confidence floor stops it.
type State string

const (
	StateInit         State = "init"
	StateRunningTests State = "running_tests"
	StateClean        State = "clean"
	StateHasFailures  State = "has_failures"
	StateSynthesizing State = "synthesizing"
	StateValidating   State = "validating"
	StateCommitted    State = "committed"
	StateRejected     State = "rejected"
	StateAborted      State = "aborted"
	StateRolledBack   State = "rolled_back"
)

// Terminal reports whether the session has ended. Clean is not
// terminal: a clean run passes through it on the way to Committed.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateAborted, StateRolledBack:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }
