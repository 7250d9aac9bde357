package job

// Status is the lifecycle state of a prediction job.
//
//	queued -> running -> completed | failed | error | timeout
//
// The four right-hand states are terminal.
type Status string

// Status constants
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusError, StatusTimeout:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError, StatusTimeout:
		return true
	}
	return false
}

// CanTransition reports whether a job in state s may move to state to.
// queued -> error is permitted so that restart reconciliation can close out
// jobs whose inputs can no longer be executed.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusQueued:
		return to == StatusRunning || to == StatusError
	case StatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}
