package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a job. The set is closed; transitions are
// validated by CanTransitionTo and executed through the transition methods on
// Job so that timestamp side-effects cannot be skipped.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusWaitingHuman Status = "waiting_human"
	StatusCancelling   Status = "cancelling"
	StatusAborted      Status = "aborted"
)

// NewStatus validates and creates a Status.
func NewStatus(s string) (Status, error) {
	status := Status(strings.ToLower(s))

	switch status {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed,
		StatusWaitingHuman, StatusCancelling, StatusAborted:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidStatus, s)
	}
}

// Terminal reports whether the status is final. A job never leaves a
// terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// ClaimHolding reports whether a worker claim is attached to the job in this
// status. Claimant and heartbeat fields are non-null exactly in these states.
func (s Status) ClaimHolding() bool {
	return s == StatusRunning || s == StatusCancelling
}

// validTransitions is the full transition relation of the job state machine.
//
//	queued        → running (claim), cancelling (cancel request)
//	running       → succeeded, failed, waiting_human, queued (reaper requeue), cancelling
//	cancelling    → aborted
//	waiting_human → queued (resume)
var validTransitions = map[Status][]Status{
	StatusQueued:       {StatusRunning, StatusCancelling},
	StatusRunning:      {StatusSucceeded, StatusFailed, StatusWaitingHuman, StatusQueued, StatusCancelling},
	StatusCancelling:   {StatusAborted},
	StatusWaitingHuman: {StatusQueued},
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Terminal states permit nothing.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}
