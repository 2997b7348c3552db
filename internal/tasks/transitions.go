package tasks

var allowedTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPendingApproval: {
		TaskStatusQueued:    true,
		TaskStatusCancelled: true,
	},
	TaskStatusQueued: {
		TaskStatusRunning:   true,
		TaskStatusCancelled: true,
	},
	TaskStatusRunning: {
		TaskStatusCompleted: true,
		TaskStatusFailed:    true,
		TaskStatusCancelled: true,
	},
}

// CanTransition reports whether the ledger accepts a move from one status to
// another. Terminal statuses have no outgoing edges.
func CanTransition(from, to TaskStatus) bool {
	return allowedTransitions[from][to]
}

// sourcesFor lists every status that may move to the target, in a stable order.
func sourcesFor(to TaskStatus) []TaskStatus {
	out := make([]TaskStatus, 0, 3)
	for _, from := range []TaskStatus{TaskStatusPendingApproval, TaskStatusQueued, TaskStatusRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
