// Package archive exports terminal-job transcripts to long-lived
// storage. A transcript is the job's final snapshot plus its complete
// event ledger, written as one JSON document per job. Backends live in
// the fs and gcs subpackages behind the Store interface.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gantrylab/gantry/internal/domain"
)

// ErrTranscriptNotFound indicates no transcript exists for the job.
var ErrTranscriptNotFound = errors.New("transcript not found")

// Store reads and writes job transcripts. Saving the same job again
// overwrites: a job can reach terminal once per run, but retried
// archive attempts must be idempotent.
type Store interface {
	SaveTranscript(ctx context.Context, job *domain.Job, events []*domain.Event) error
	LoadTranscript(ctx context.Context, jobID string) (*Transcript, error)
	ListTranscripts(ctx context.Context) ([]string, error)
}

// Transcript is the archived form of a finished job.
type Transcript struct {
	JobID          string  `json:"job_id"`
	Goal           string  `json:"goal"`
	Mode           string  `json:"mode"`
	AgentType      string  `json:"agent_type"`
	Status         string  `json:"status"`
	RepoPath       string  `json:"repo_path"`
	ConversationID *string `json:"conversation_id,omitempty"`
	ParentJobID    *string `json:"parent_job_id,omitempty"`

	StepsUsed     int `json:"steps_used"`
	TokensUsed    int `json:"tokens_used"`
	CostUsedCents int `json:"cost_used_cents"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ArchivedAt time.Time  `json:"archived_at"`

	Events []EventRecord `json:"events"`
}

// EventRecord is one archived ledger entry.
type EventRecord struct {
	Seq        int64           `json:"seq"`
	Kind       string          `json:"kind"`
	ToolName   string          `json:"tool_name,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	TokensUsed *int            `json:"tokens_used,omitempty"`
	CostCents  *int            `json:"cost_cents,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewTranscript builds the archived form of a job and its ledger.
func NewTranscript(job *domain.Job, events []*domain.Event) *Transcript {
	records := make([]EventRecord, 0, len(events))
	for _, e := range events {
		records = append(records, EventRecord{
			Seq:        e.Seq,
			Kind:       string(e.Kind),
			ToolName:   e.ToolName,
			Params:     e.Params,
			Result:     e.Result,
			Summary:    e.Summary,
			TokensUsed: e.TokensUsed,
			CostCents:  e.CostCents,
			TraceID:    e.TraceID,
			CreatedAt:  e.CreatedAt,
		})
	}

	return &Transcript{
		JobID:          job.ID,
		Goal:           job.Goal,
		Mode:           string(job.Mode),
		AgentType:      job.AgentType,
		Status:         string(job.Status),
		RepoPath:       job.RepoPath,
		ConversationID: job.ConversationID,
		ParentJobID:    job.ParentJobID,
		StepsUsed:      job.Usage.StepsUsed,
		TokensUsed:     job.Usage.TokensUsed,
		CostUsedCents:  job.Usage.CostUsedCents,
		CreatedAt:      job.CreatedAt,
		FinishedAt:     job.FinishedAt,
		ArchivedAt:     time.Now().UTC(),
		Events:         records,
	}
}
