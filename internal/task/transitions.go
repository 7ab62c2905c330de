package task

// Actor identifies who requested a state transition, for the audit trail.
type Actor string

const (
	ActorAdapter   Actor = "adapter"
	ActorScheduler Actor = "scheduler"
	ActorProcessor Actor = "processor"
	ActorExecutor  Actor = "executor"
	ActorHuman     Actor = "human"
	ActorGate      Actor = "gate"
	ActorRecovery  Actor = "recovery"
)

// legalTransitions is the authoritative transition graph. A transition absent
// from this table is illegal regardless of who requests it.
var legalTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProcessing: true, // scheduler dispatch
	},
	StatusProcessing: {
		StatusExecuting:        true, // auto-approve
		StatusAwaitingApproval: true, // needs human sign-off
		StatusDone:             true, // engine archive decision
		StatusQueued:           true, // engine defer decision
		StatusFailed:           true, // attempts exhausted
	},
	StatusAwaitingApproval: {
		StatusExecuting: true, // approved
		StatusRejected:  true, // rejected
		StatusExpired:   true, // deadline passed
	},
	StatusExecuting: {
		StatusDone:   true,
		StatusFailed: true,
	},
	StatusFailed: {
		StatusQueued: true, // retry while attempts remain
	},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	return legalTransitions[from][to]
}

// IsTerminal reports whether s is a terminal status. failed is terminal for
// queue dedup purposes even though a retry edge exists: a failed task is
// only re-queued explicitly, never merged into.
func IsTerminal(s Status) bool {
	switch s {
	case StatusDone, StatusFailed, StatusRejected, StatusExpired:
		return true
	}
	return false
}
