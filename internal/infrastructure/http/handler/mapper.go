package handler

import (
	"encoding/json"
	"time"

	"github.com/gantrylab/gantry/internal/domain"
)

// CapsDTO mirrors domain.Caps on the wire.
type CapsDTO struct {
	StepCap      int `json:"step_cap"`
	TokenCap     int `json:"token_cap"`
	CostCapCents int `json:"cost_cap_cents"`
}

// UsageDTO mirrors domain.Usage on the wire.
type UsageDTO struct {
	StepsUsed     int `json:"steps_used"`
	TokensUsed    int `json:"tokens_used"`
	CostUsedCents int `json:"cost_used_cents"`
}

// JobDTO is the wire representation of a job.
type JobDTO struct {
	ID             string   `json:"id"`
	Goal           string   `json:"goal"`
	Mode           string   `json:"mode"`
	AgentType      string   `json:"agent_type"`
	Status         string   `json:"status"`
	RepoPath       string   `json:"repo_path"`
	ConversationID *string  `json:"conversation_id,omitempty"`
	ParentJobID    *string  `json:"parent_job_id,omitempty"`
	Caps           CapsDTO  `json:"caps"`
	Usage          UsageDTO `json:"usage"`
	Claimant       *string  `json:"claimant,omitempty"`
	CurrentAction  string   `json:"current_action,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastHeartbeatAt   *time.Time `json:"last_heartbeat_at,omitempty"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// EventDTO is the wire representation of a ledger event. Kind passes
// through as a plain string so consumers can forward kinds they do not
// recognize.
type EventDTO struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	Seq        int64           `json:"seq"`
	TraceID    string          `json:"trace_id,omitempty"`
	Kind       string          `json:"kind"`
	ToolName   string          `json:"tool_name,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	TokensUsed *int            `json:"tokens_used,omitempty"`
	CostCents  *int            `json:"cost_cents,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ConversationDTO is the wire representation of a conversation.
type ConversationDTO struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// MapJobToDTO converts a domain job to its wire representation.
func MapJobToDTO(job *domain.Job) JobDTO {
	return JobDTO{
		ID:             job.ID,
		Goal:           job.Goal,
		Mode:           string(job.Mode),
		AgentType:      job.AgentType,
		Status:         string(job.Status),
		RepoPath:       job.RepoPath,
		ConversationID: job.ConversationID,
		ParentJobID:    job.ParentJobID,
		Caps: CapsDTO{
			StepCap:      job.Caps.StepCap,
			TokenCap:     job.Caps.TokenCap,
			CostCapCents: job.Caps.CostCapCents,
		},
		Usage: UsageDTO{
			StepsUsed:     job.Usage.StepsUsed,
			TokensUsed:    job.Usage.TokensUsed,
			CostUsedCents: job.Usage.CostUsedCents,
		},
		Claimant:          job.Claimant,
		CurrentAction:     job.CurrentAction,
		CreatedAt:         job.CreatedAt,
		StartedAt:         job.StartedAt,
		LastHeartbeatAt:   job.LastHeartbeatAt,
		CancelRequestedAt: job.CancelRequestedAt,
		FinishedAt:        job.FinishedAt,
	}
}

// MapJobsToDTO converts a job slice, returning an empty slice rather
// than null for empty results.
func MapJobsToDTO(jobs []*domain.Job) []JobDTO {
	dtos := make([]JobDTO, 0, len(jobs))
	for _, job := range jobs {
		dtos = append(dtos, MapJobToDTO(job))
	}
	return dtos
}

// MapEventToDTO converts a domain event to its wire representation.
func MapEventToDTO(event *domain.Event) EventDTO {
	return EventDTO{
		ID:         event.ID,
		JobID:      event.JobID,
		Seq:        event.Seq,
		TraceID:    event.TraceID,
		Kind:       string(event.Kind),
		ToolName:   event.ToolName,
		Params:     event.Params,
		Result:     event.Result,
		Summary:    event.Summary,
		TokensUsed: event.TokensUsed,
		CostCents:  event.CostCents,
		CreatedAt:  event.CreatedAt,
	}
}

// MapEventsToDTO converts an event slice, returning an empty slice
// rather than null for empty results.
func MapEventsToDTO(events []*domain.Event) []EventDTO {
	dtos := make([]EventDTO, 0, len(events))
	for _, event := range events {
		dtos = append(dtos, MapEventToDTO(event))
	}
	return dtos
}

// MapConversationToDTO converts a domain conversation to its wire
// representation.
func MapConversationToDTO(conv *domain.Conversation) ConversationDTO {
	return ConversationDTO{
		ID:        conv.ID,
		CreatedAt: conv.CreatedAt,
	}
}
