package domain

import "errors"

// Domain errors returned by store implementations.

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrJobNotFound indicates the specified job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrConversationNotFound indicates the referenced conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrDuplicateJob indicates a job with the same id already exists.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrInvalidID indicates the provided ID format is invalid.
	ErrInvalidID = errors.New("invalid ID format")
)

// Validation errors for producer input.

var (
	// ErrGoalRequired indicates the job goal is empty.
	ErrGoalRequired = errors.New("goal is required")

	// ErrRepoPathRequired indicates the job has no working-copy path.
	ErrRepoPathRequired = errors.New("repo path is required")

	// ErrAgentTypeRequired indicates the job has no agent type.
	ErrAgentTypeRequired = errors.New("agent type is required")

	// ErrInvalidMode indicates the mode is not one of the known tiers.
	ErrInvalidMode = errors.New("invalid mode")

	// ErrInvalidStatus indicates the status string is not part of the lifecycle.
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrInvalidEventKind indicates the event kind is outside the closed set.
	ErrInvalidEventKind = errors.New("invalid event kind")

	// ErrNegativeCap indicates a cap below zero.
	ErrNegativeCap = errors.New("cap must not be negative")

	// ErrNegativeCharge indicates a budget charge with a negative increment.
	ErrNegativeCharge = errors.New("budget increments must not be negative")
)

// Lifecycle errors.

var (
	// ErrInvalidTransition indicates a status change the state machine forbids,
	// including any attempt to leave a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrJobOwnershipLost indicates the job is no longer claimed by this worker.
	// Returned by heartbeat and terminal updates when another actor (reaper,
	// cancellation, competing worker) took the job away in the meantime.
	ErrJobOwnershipLost = errors.New("job ownership lost")
)
