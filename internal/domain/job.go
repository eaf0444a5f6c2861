package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Caps are the hard upper bounds on a job's budget. A zero cap is legal and
// means the first charge of that axis exhausts the budget.
type Caps struct {
	StepCap      int
	TokenCap     int
	CostCapCents int
}

// Validate rejects negative caps.
func (c Caps) Validate() error {
	if c.StepCap < 0 {
		return fmt.Errorf("%w: step_cap %d", ErrNegativeCap, c.StepCap)
	}
	if c.TokenCap < 0 {
		return fmt.Errorf("%w: token_cap %d", ErrNegativeCap, c.TokenCap)
	}
	if c.CostCapCents < 0 {
		return fmt.Errorf("%w: cost_cap_cents %d", ErrNegativeCap, c.CostCapCents)
	}
	return nil
}

// Usage holds the monotone non-decreasing budget counters of a job.
// Requeue preserves them; only terminal deletion by a store operator ever
// removes them.
type Usage struct {
	StepsUsed     int
	TokensUsed    int
	CostUsedCents int
}

// Job is the unit of work moving through the queue.
//
// Pointer fields are null until the lifecycle sets them: Claimant and
// LastHeartbeatAt are non-null exactly while the status holds a claim,
// StartedAt is non-null iff the job has run since its last (re)queue, and
// FinishedAt is set exactly once when a terminal status is reached.
type Job struct {
	ID             string
	Goal           string
	Mode           Mode
	AgentType      string
	Status         Status
	RepoPath       string
	ConversationID *string
	ParentJobID    *string

	Caps  Caps
	Usage Usage

	Claimant      *string
	CurrentAction string

	CreatedAt         time.Time
	StartedAt         *time.Time
	LastHeartbeatAt   *time.Time
	CancelRequestedAt *time.Time
	FinishedAt        *time.Time
}

// CreateJobParams carries producer input for a new job. Caps must already be
// resolved (defaulting per mode is the service's concern, not the domain's).
type CreateJobParams struct {
	Goal           string
	Mode           Mode
	AgentType      string
	RepoPath       string
	ConversationID *string
	ParentJobID    *string
	Caps           Caps
}

// NewJob validates producer input and builds a queued job with a fresh
// time-ordered id. CreatedAt is assigned by the store on insert.
func NewJob(params CreateJobParams) (*Job, error) {
	if strings.TrimSpace(params.Goal) == "" {
		return nil, ErrGoalRequired
	}
	if strings.TrimSpace(params.RepoPath) == "" {
		return nil, ErrRepoPathRequired
	}
	if strings.TrimSpace(params.AgentType) == "" {
		return nil, ErrAgentTypeRequired
	}
	if _, err := NewMode(string(params.Mode)); err != nil {
		return nil, err
	}
	if err := params.Caps.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job ID: %w", err)
	}

	return &Job{
		ID:             id.String(),
		Goal:           strings.TrimSpace(params.Goal),
		Mode:           params.Mode,
		AgentType:      strings.TrimSpace(params.AgentType),
		Status:         StatusQueued,
		RepoPath:       params.RepoPath,
		ConversationID: params.ConversationID,
		ParentJobID:    params.ParentJobID,
		Caps:           params.Caps,
	}, nil
}

// Terminal reports whether the job is in a final state.
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// transition validates and applies a bare status change.
func (j *Job) transition(next Status) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	return nil
}

// Claim moves the job from queued to running under the given worker.
// StartedAt is set only if null so a resumed job keeps its original start.
func (j *Job) Claim(claimant string, now time.Time) error {
	if j.Status != StatusQueued {
		return fmt.Errorf("%w: claim from %s", ErrInvalidTransition, j.Status)
	}
	if err := j.transition(StatusRunning); err != nil {
		return err
	}
	j.Claimant = &claimant
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.LastHeartbeatAt = &now
	return nil
}

// MarkTerminal finishes the job. FinishedAt is set exactly once; the claim
// fields are released because no terminal status holds a claim.
func (j *Job) MarkTerminal(status Status, now time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	if err := j.transition(status); err != nil {
		return err
	}
	j.FinishedAt = &now
	j.Claimant = nil
	j.LastHeartbeatAt = nil
	return nil
}

// Escalate pauses the job awaiting human input. The claim is released but
// StartedAt survives so budget history stays attributable.
func (j *Job) Escalate() error {
	if err := j.transition(StatusWaitingHuman); err != nil {
		return err
	}
	j.Claimant = nil
	j.LastHeartbeatAt = nil
	return nil
}

// Requeue returns a running job to the queue, clearing the claim fields while
// preserving budget counters, caps, conversation and parent links. Reaper-only.
func (j *Job) Requeue() error {
	if j.Status != StatusRunning {
		return fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, j.Status)
	}
	if err := j.transition(StatusQueued); err != nil {
		return err
	}
	j.Claimant = nil
	j.StartedAt = nil
	j.LastHeartbeatAt = nil
	return nil
}

// RequestCancel flips the job to cancelling. From queued there is no claim to
// release and the next claim attempt aborts the job; from running the claimant
// keeps the claim until it observes the flag and unwinds.
func (j *Job) RequestCancel(now time.Time) error {
	if j.Status != StatusQueued && j.Status != StatusRunning {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, j.Status)
	}
	if err := j.transition(StatusCancelling); err != nil {
		return err
	}
	j.CancelRequestedAt = &now
	return nil
}

// Resume returns a waiting_human job to the queue, budget preserved.
func (j *Job) Resume() error {
	if j.Status != StatusWaitingHuman {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, j.Status)
	}
	if err := j.transition(StatusQueued); err != nil {
		return err
	}
	j.Claimant = nil
	j.StartedAt = nil
	j.LastHeartbeatAt = nil
	return nil
}

// Heartbeat refreshes the liveness timestamp. No-op outside claim-holding
// states so a racing reaper or terminal write cannot be overwritten.
func (j *Job) Heartbeat(now time.Time) {
	if j.Status.ClaimHolding() {
		j.LastHeartbeatAt = &now
	}
}
