package ir

// Status is the lifecycle state of a resource or directive within a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDeploying Status = "deploying"
	StatusDeployed  Status = "deployed"
	StatusApplying  Status = "applying"
	StatusApplied   Status = "applied"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeployed, StatusApplied, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Succeeded reports whether s is a terminal success.
func (s Status) Succeeded() bool {
	return s == StatusDeployed || s == StatusApplied
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusDeploying, StatusApplying, StatusDeployed, StatusApplied, StatusBlocked},
	StatusDeploying: {StatusDeployed, StatusFailed},
	StatusApplying:  {StatusApplied, StatusFailed},
}

// CanTransition reports whether moving from s to next keeps statuses
// monotonic. Pending may jump straight to Deployed or Applied when a node is
// reused or already satisfied.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
