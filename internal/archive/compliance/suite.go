// Package compliance holds the contract test suite every archive
// backend must pass. Backend test files call RunArchiveComplianceTest
// with a setup function returning a fresh store.
package compliance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylab/gantry/internal/archive"
	"github.com/gantrylab/gantry/internal/domain"
)

func finishedJob(t *testing.T, status domain.Status) *domain.Job {
	t.Helper()

	id, err := uuid.NewV7()
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	finished := now.Add(42 * time.Second)

	return &domain.Job{
		ID:         id.String(),
		Goal:       "archive compliance fixture",
		Mode:       domain.ModeMechanic,
		AgentType:  "coordinator",
		Status:     status,
		RepoPath:   "/srv/repos/api",
		Caps:       domain.Caps{StepCap: 20, TokenCap: 50000, CostCapCents: 500},
		Usage:      domain.Usage{StepsUsed: 3, TokensUsed: 1200, CostUsedCents: 40},
		CreatedAt:  now,
		FinishedAt: &finished,
	}
}

func transcriptEvents(jobID string, n int) []*domain.Event {
	events := make([]*domain.Event, 0, n)
	for i := 1; i <= n; i++ {
		events = append(events, &domain.Event{
			ID:        uuid.NewString(),
			JobID:     jobID,
			Seq:       int64(i),
			Kind:      domain.EventToolCall,
			ToolName:  "read_file",
			Params:    json.RawMessage(`{"path":"main.go"}`),
			Summary:   "read main.go",
			CreatedAt: time.Now().UTC(),
		})
	}
	return events
}

// RunArchiveComplianceTest runs the archive.Store contract against an
// implementation. setup returns a fresh store and a teardown for its
// resources.
func RunArchiveComplianceTest(t *testing.T, setup func() (archive.Store, func())) {
	t.Run("SaveAndLoadTranscript", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := finishedJob(t, domain.StatusSucceeded)
		events := transcriptEvents(job.ID, 3)

		require.NoError(t, store.SaveTranscript(ctx, job, events))

		got, err := store.LoadTranscript(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.JobID)
		assert.Equal(t, string(domain.StatusSucceeded), got.Status)
		assert.Equal(t, 3, got.StepsUsed)
		require.Len(t, got.Events, 3)
		assert.Equal(t, int64(1), got.Events[0].Seq)
		assert.Equal(t, "read_file", got.Events[0].ToolName)
		assert.JSONEq(t, `{"path":"main.go"}`, string(got.Events[0].Params))
		assert.False(t, got.ArchivedAt.IsZero())
	})

	t.Run("ResaveOverwrites", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := finishedJob(t, domain.StatusFailed)
		require.NoError(t, store.SaveTranscript(ctx, job, transcriptEvents(job.ID, 1)))
		require.NoError(t, store.SaveTranscript(ctx, job, transcriptEvents(job.ID, 5)))

		got, err := store.LoadTranscript(ctx, job.ID)
		require.NoError(t, err)
		assert.Len(t, got.Events, 5, "a retried export replaces the earlier one")
	})

	t.Run("LoadMissingTranscript", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		_, err := store.LoadTranscript(ctx, uuid.NewString())
		assert.ErrorIs(t, err, archive.ErrTranscriptNotFound)
	})

	t.Run("ListTranscripts", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		first := finishedJob(t, domain.StatusSucceeded)
		second := finishedJob(t, domain.StatusAborted)
		require.NoError(t, store.SaveTranscript(ctx, first, transcriptEvents(first.ID, 1)))
		require.NoError(t, store.SaveTranscript(ctx, second, nil))

		ids, err := store.ListTranscripts(ctx)
		require.NoError(t, err)

		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			seen[id] = true
		}
		assert.True(t, seen[first.ID])
		assert.True(t, seen[second.ID])
	})

	t.Run("EmptyLedgerStillArchives", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := finishedJob(t, domain.StatusAborted)
		require.NoError(t, store.SaveTranscript(ctx, job, nil))

		got, err := store.LoadTranscript(ctx, job.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Events)
	})
}
