package tasks

import "fmt"

// State of a task lifecycle.
type State string

const (
	StateClaimed       State = "claimed"
	StateSourceSyncing State = "source_syncing"
	StateToolPreparing State = "tool_preparing"
	StateScanning      State = "scanning"
	StateUploading     State = "uploading"
	StateFinished      State = "finished"
	StateFailed        State = "failed"
)

// forward holds the single successor of every non-terminal state. Failed is
// reachable from any of them.
var forward = map[State]State{
	StateClaimed:       StateSourceSyncing,
	StateSourceSyncing: StateToolPreparing,
	StateToolPreparing: StateScanning,
	StateScanning:      StateUploading,
	StateUploading:     StateFinished,
}

func (s State) Terminal() bool { return s == StateFinished || s == StateFailed }

// Next returns the forward successor, or false for terminal states.
func (s State) Next() (State, bool) {
	n, ok := forward[s]
	return n, ok
}

func ValidateTransition(from, to State) error {
	if from.Terminal() {
		return fmt.Errorf("invalid transition %s -> %s: %s is terminal", from, to, from)
	}
	if to == StateFailed {
		return nil
	}
	if next, ok := forward[from]; ok && next == to {
		return nil
	}
	return fmt.Errorf("invalid transition %s -> %s", from, to)
}
