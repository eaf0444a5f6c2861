// Package compliance holds the behavioral contract every store backend
// must satisfy: job lifecycle, the claim protocol, recovery and the
// event ledger. Backends run the suite from their own test package with
// a setup function returning a fresh, empty store.
package compliance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylab/gantry/internal/application/jobs"
	"github.com/gantrylab/gantry/internal/application/ledger"
	"github.com/gantrylab/gantry/internal/application/worker"
	"github.com/gantrylab/gantry/internal/domain"
)

// Store is the full persistence surface a backend provides.
type Store interface {
	jobs.Repository
	ledger.Store
	worker.Coordinator
}

// newQueuedJob builds a valid job ready for CreateJob.
func newQueuedJob(t *testing.T, mode domain.Mode, goal string) *domain.Job {
	t.Helper()
	job, err := domain.NewJob(domain.CreateJobParams{
		Goal:      goal,
		Mode:      mode,
		AgentType: "coordinator",
		RepoPath:  "/srv/repos/demo",
		Caps:      domain.Caps{StepCap: 10, TokenCap: 10000, CostCapCents: 500},
	})
	require.NoError(t, err)
	return job
}

// seedJob persists a fresh queued job. The short sleep keeps created_at
// strictly increasing so FIFO assertions stay deterministic.
func seedJob(t *testing.T, store Store, mode domain.Mode, goal string) *domain.Job {
	t.Helper()
	created, err := store.CreateJob(context.Background(), newQueuedJob(t, mode, goal))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	return created
}

// claimJob claims in the mode and fails the test when nothing is handed
// out.
func claimJob(t *testing.T, store Store, mode domain.Mode, claimant string) *domain.Job {
	t.Helper()
	claimed, err := store.ClaimOne(context.Background(), mode, claimant)
	require.NoError(t, err)
	require.NotNil(t, claimed, "expected a claimable job")
	return claimed
}

// newEvent builds a ledger event with a fresh id; Seq and CreatedAt are
// the store's to assign.
func newEvent(t *testing.T, jobID string, kind domain.EventKind, summary string) *domain.Event {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return &domain.Event{
		ID:      id.String(),
		JobID:   jobID,
		Kind:    kind,
		Summary: summary,
	}
}

// RunStoreComplianceTest runs the store contract against one backend.
// setup must return a store with empty tables; its cleanup runs after
// each subtest.
func RunStoreComplianceTest(t *testing.T, setup func() (Store, func())) {
	t.Run("CreateAndGetJob", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		conv, err := domain.NewConversation()
		require.NoError(t, err)
		_, err = store.CreateConversation(ctx, conv)
		require.NoError(t, err)

		job := newQueuedJob(t, domain.ModeMechanic, "fix the flaky parser test")
		job.ConversationID = &conv.ID

		created, err := store.CreateJob(ctx, job)
		require.NoError(t, err)
		assert.False(t, created.CreatedAt.IsZero())

		fetched, err := store.FindJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, fetched.ID)
		assert.Equal(t, "fix the flaky parser test", fetched.Goal)
		assert.Equal(t, domain.ModeMechanic, fetched.Mode)
		assert.Equal(t, domain.StatusQueued, fetched.Status)
		assert.Equal(t, job.Caps, fetched.Caps)
		assert.Equal(t, domain.Usage{}, fetched.Usage)
		require.NotNil(t, fetched.ConversationID)
		assert.Equal(t, conv.ID, *fetched.ConversationID)
		assert.Nil(t, fetched.Claimant)
		assert.Nil(t, fetched.StartedAt)
		assert.Nil(t, fetched.FinishedAt)
	})

	t.Run("CreateJobDuplicateIDFails", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := newQueuedJob(t, domain.ModeMechanic, "only once")
		_, err := store.CreateJob(ctx, job)
		require.NoError(t, err)

		_, err = store.CreateJob(ctx, job)
		require.ErrorIs(t, err, domain.ErrDuplicateJob)
	})

	t.Run("CreateJobUnknownReferencesFail", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		missing := uuid.New().String()

		job := newQueuedJob(t, domain.ModeMechanic, "orphan conversation")
		job.ConversationID = &missing
		_, err := store.CreateJob(ctx, job)
		require.ErrorIs(t, err, domain.ErrConversationNotFound)

		job = newQueuedJob(t, domain.ModeMechanic, "orphan parent")
		job.ParentJobID = &missing
		_, err = store.CreateJob(ctx, job)
		require.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("FindJobByIDNotFound", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		_, err := store.FindJobByID(context.Background(), uuid.New().String())
		require.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("ListJobsFilters", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		j1 := seedJob(t, store, domain.ModeMechanic, "first")
		j2 := seedJob(t, store, domain.ModeGenius, "second")
		j3 := seedJob(t, store, domain.ModeMechanic, "third")

		claimed := claimJob(t, store, domain.ModeMechanic, "worker-a")
		require.Equal(t, j1.ID, claimed.ID)

		queued, err := store.ListJobs(ctx, jobs.ListJobsParams{Status: domain.StatusQueued, Limit: 10})
		require.NoError(t, err)
		require.Len(t, queued, 2)
		assert.Equal(t, j3.ID, queued[0].ID, "newest first")
		assert.Equal(t, j2.ID, queued[1].ID)

		mechanics, err := store.ListJobs(ctx, jobs.ListJobsParams{Mode: domain.ModeMechanic, Limit: 10})
		require.NoError(t, err)
		require.Len(t, mechanics, 2)
		assert.Equal(t, j3.ID, mechanics[0].ID)
		assert.Equal(t, j1.ID, mechanics[1].ID)

		capped, err := store.ListJobs(ctx, jobs.ListJobsParams{Limit: 2})
		require.NoError(t, err)
		require.Len(t, capped, 2)
		assert.Equal(t, j3.ID, capped[0].ID)
		assert.Equal(t, j2.ID, capped[1].ID)
	})

	t.Run("ConversationScopesJobList", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		conv, err := domain.NewConversation()
		require.NoError(t, err)
		_, err = store.CreateConversation(ctx, conv)
		require.NoError(t, err)

		inside := newQueuedJob(t, domain.ModeMechanic, "in thread")
		inside.ConversationID = &conv.ID
		_, err = store.CreateJob(ctx, inside)
		require.NoError(t, err)

		seedJob(t, store, domain.ModeMechanic, "outside thread")

		listed, err := store.ListJobs(ctx, jobs.ListJobsParams{ConversationID: conv.ID, Limit: 10})
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, inside.ID, listed[0].ID)
	})

	t.Run("ClaimOneIsFIFO", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		j1 := seedJob(t, store, domain.ModeMechanic, "first in")
		j2 := seedJob(t, store, domain.ModeMechanic, "second in")

		got := claimJob(t, store, domain.ModeMechanic, "worker-a")
		assert.Equal(t, j1.ID, got.ID)
		assert.Equal(t, domain.StatusRunning, got.Status)
		require.NotNil(t, got.Claimant)
		assert.Equal(t, "worker-a", *got.Claimant)
		require.NotNil(t, got.StartedAt)
		require.NotNil(t, got.LastHeartbeatAt)

		got = claimJob(t, store, domain.ModeMechanic, "worker-b")
		assert.Equal(t, j2.ID, got.ID)
	})

	t.Run("ClaimOneEmptyQueueReturnsNil", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		claimed, err := store.ClaimOne(context.Background(), domain.ModeMechanic, "worker-a")
		require.NoError(t, err)
		assert.Nil(t, claimed)
	})

	t.Run("ClaimOneRespectsModeIsolation", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		heavy := seedJob(t, store, domain.ModeGenius, "heavy lift")

		claimed, err := store.ClaimOne(ctx, domain.ModeMechanic, "mechanic-1")
		require.NoError(t, err)
		assert.Nil(t, claimed, "a mechanic must never claim a genius job")

		got := claimJob(t, store, domain.ModeGenius, "genius-1")
		assert.Equal(t, heavy.ID, got.ID)
	})

	t.Run("ClaimOneFinalizesCancelledQueuedJobs", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		doomed := seedJob(t, store, domain.ModeMechanic, "cancel me")
		kept := seedJob(t, store, domain.ModeMechanic, "keep me")

		_, err := store.RequestCancel(ctx, doomed.ID)
		require.NoError(t, err)

		// The first poll consumes the cancelled row without handing it
		// out.
		claimed, err := store.ClaimOne(ctx, domain.ModeMechanic, "worker-a")
		require.NoError(t, err)
		require.Nil(t, claimed)

		aborted, err := store.FindJobByID(ctx, doomed.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAborted, aborted.Status)
		require.NotNil(t, aborted.FinishedAt)

		got := claimJob(t, store, domain.ModeMechanic, "worker-a")
		assert.Equal(t, kept.ID, got.ID)
	})

	t.Run("ConcurrentClaimsNeverDouble", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		const n = 4
		for i := 0; i < n; i++ {
			seedJob(t, store, domain.ModeMechanic, "contended")
		}

		var (
			mu      sync.Mutex
			claimed []string
			wg      sync.WaitGroup
		)
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(claimant string) {
				defer wg.Done()
				job, err := store.ClaimOne(context.Background(), domain.ModeMechanic, claimant)
				if err != nil {
					errs <- err
					return
				}
				if job != nil {
					mu.Lock()
					claimed = append(claimed, job.ID)
					mu.Unlock()
				}
			}("worker-" + uuid.New().String()[:8])
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		require.Len(t, claimed, n)
		seen := make(map[string]bool, n)
		for _, id := range claimed {
			assert.False(t, seen[id], "job %s claimed twice", id)
			seen[id] = true
		}
	})

	t.Run("HeartbeatRefreshesLeaseAndGuardsOwnership", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, store, domain.ModeMechanic, "long runner")
		claimed := claimJob(t, store, domain.ModeMechanic, "worker-a")
		require.Equal(t, job.ID, claimed.ID)
		before := *claimed.LastHeartbeatAt

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, store.Heartbeat(ctx, job.ID, "worker-a"))

		after, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, after.LastHeartbeatAt)
		assert.True(t, after.LastHeartbeatAt.After(before))

		require.ErrorIs(t, store.Heartbeat(ctx, job.ID, "worker-b"), domain.ErrJobOwnershipLost)
		require.ErrorIs(t, store.Heartbeat(ctx, uuid.New().String(), "worker-a"), domain.ErrJobNotFound)
	})

	t.Run("MarkTerminalSucceededReleasesClaim", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, store, domain.ModeMechanic, "quick win")
		claimJob(t, store, domain.ModeMechanic, "worker-a")

		require.NoError(t, store.MarkTerminal(ctx, job.ID, "worker-a", domain.StatusSucceeded))

		done, err := store.FindJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSucceeded, done.Status)
		require.NotNil(t, done.FinishedAt)
		assert.Nil(t, done.Claimant)
		assert.Nil(t, done.LastHeartbeatAt)

		// Terminal status is frozen; the released claim reports as lost.
		err = store.MarkTerminal(ctx, job.ID, "worker-a", domain.StatusFailed)
		require.ErrorIs(t, err, domain.ErrJobOwnershipLost)
	})

	t.Run("MarkTerminalRequiresMatchingOrigin", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, store, domain.ModeMechanic, "guarded")
		claimJob(t, store, domain.ModeMechanic, "worker-a")

		// aborted closes out a cancel request, never a plain run.
		err := store.MarkTerminal(ctx, job.ID, "worker-a", domain.StatusAborted)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)

		err = store.MarkTerminal(ctx, job.ID, "worker-a", domain.StatusQueued)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)

		err = store.MarkTerminal(ctx, job.ID, "worker-b", domain.StatusSucceeded)
		require.ErrorIs(t, err, domain.ErrJobOwnershipLost)
	})

	t.Run("CancelOwnedThenAbort", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, store, domain.ModeMechanic, "shutdown victim")
		claimJob(t, store, domain.ModeMechanic, "worker-a")

		require.NoError(t, store.CancelOwned(ctx, job.ID, "worker-a"))

		cur, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelling, cur.Status)
		require.NotNil(t, cur.Claimant, "the claim survives so the unwind stays legal")
		assert.Equal(t, "worker-a", *cur.Claimant)
		require.NotNil(t, cur.CancelRequestedAt)

		// Repeating under the same claim is a no-op; other claimants are
		// rejected.
		require.NoError(t, store.CancelOwned(ctx, job.ID, "worker-a"))
		require.ErrorIs(t, store.CancelOwned(ctx, job.ID, "worker-b"), domain.ErrJobOwnershipLost)

		require.NoError(t, store.MarkTerminal(ctx, job.ID, "worker-a", domain.StatusAborted))

		done, err := store.FindJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAborted, done.Status)
		require.NotNil(t, done.FinishedAt)
		assert.Nil(t, done.Claimant)
	})

	t.Run("EscalateAndResumePreserveBudget", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, store, domain.ModeMechanic, "needs a human")
		claimJob(t, store, domain.ModeMechanic, "worker-a")

		_, usage, err := store.AppendEventCharging(ctx,
			newEvent(t, job.ID, domain.EventToolResult, "ran tests"),
			ledger.Charge{Steps: 2, Tokens: 300, CostCents: 40}, "running tests")
		require.NoError(t, err)
		require.Equal(t, 2, usage.StepsUsed)

		require.ErrorIs(t, store.Escalate(ctx, job.ID, "worker-b"), domain.ErrJobOwnershipLost)
		require.NoError(t, store.Escalate(ctx, job.ID, "worker-a"))

		parked, err := store.FindJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusWaitingHuman, parked.Status)
		assert.Nil(t, parked.Claimant)
		assert.Nil(t, parked.LastHeartbeatAt)
		require.NotNil(t, parked.StartedAt, "run attribution survives the park")
		assert.Equal(t, 2, parked.Usage.StepsUsed)

		resumed, err := store.ResumeJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusQueued, resumed.Status)
		assert.Nil(t, resumed.Claimant)
		assert.Nil(t, resumed.StartedAt)
		assert.Equal(t, domain.Usage{StepsUsed: 2, TokensUsed: 300, CostUsedCents: 40}, resumed.Usage)

		got := claimJob(t, store, domain.ModeMechanic, "worker-b")
		assert.Equal(t, job.ID, got.ID)

		_, err = store.ResumeJob(ctx, job.ID)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("RequestCancelLifecycle", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		running := seedJob(t, store, domain.ModeMechanic, "cancel while running")
		queued := seedJob(t, store, domain.ModeMechanic, "cancel while queued")
		claimJob(t, store, domain.ModeMechanic, "worker-a")

		flipped, err := store.RequestCancel(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelling, flipped.Status)
		require.NotNil(t, flipped.CancelRequestedAt)
		assert.Nil(t, flipped.Claimant)

		// The running job keeps its claim for the unwind.
		flipped, err = store.RequestCancel(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelling, flipped.Status)
		require.NotNil(t, flipped.Claimant)
		assert.Equal(t, "worker-a", *flipped.Claimant)

		// A repeat request is a legal no-op returning the current row.
		again, err := store.RequestCancel(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelling, again.Status)

		require.NoError(t, store.MarkTerminal(ctx, running.ID, "worker-a", domain.StatusAborted))
		_, err = store.RequestCancel(ctx, running.ID)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)

		_, err = store.RequestCancel(ctx, uuid.New().String())
		require.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("RequeueStaleRescuesDeadClaims", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, store, domain.ModeMechanic, "claimant dies")
		claimJob(t, store, domain.ModeMechanic, "worker-a")

		_, _, err := store.AppendEventCharging(ctx,
			newEvent(t, job.ID, domain.EventToolResult, "partial progress"),
			ledger.Charge{Steps: 1, Tokens: 50, CostCents: 5}, "")
		require.NoError(t, err)

		time.Sleep(100 * time.Millisecond)

		n, err := store.RequeueStale(ctx, 20*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rescued, err := store.FindJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusQueued, rescued.Status)
		assert.Nil(t, rescued.Claimant)
		assert.Nil(t, rescued.StartedAt)
		assert.Nil(t, rescued.LastHeartbeatAt)
		assert.Equal(t, domain.Usage{StepsUsed: 1, TokensUsed: 50, CostUsedCents: 5}, rescued.Usage)

		// Nothing left to rescue on the second sweep.
		n, err = store.RequeueStale(ctx, 20*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		got := claimJob(t, store, domain.ModeMechanic, "worker-b")
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, 1, got.Usage.StepsUsed)
	})

	t.Run("RequeueStaleSparesLiveAndCancelling", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		live := seedJob(t, store, domain.ModeMechanic, "still beating")
		unwinding := seedJob(t, store, domain.ModeMechanic, "mid cancel")

		claimJob(t, store, domain.ModeMechanic, "worker-a")
		claimJob(t, store, domain.ModeMechanic, "worker-b")
		require.NoError(t, store.CancelOwned(ctx, unwinding.ID, "worker-b"))

		// A fresh heartbeat keeps the live claim out of reach.
		n, err := store.RequeueStale(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		// Cancelling rows are the claimant's to unwind, stale or not.
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, store.MarkTerminal(ctx, live.ID, "worker-a", domain.StatusSucceeded))
		n, err = store.RequeueStale(ctx, 20*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		cur, err := store.GetJob(ctx, unwinding.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelling, cur.Status)
		require.NotNil(t, cur.Claimant)
	})

	t.Run("AppendEventAssignsDenseSeq", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job := seedJob(t, store, domain.ModeMechanic, "ledger owner")
		other := seedJob(t, store, domain.ModeMechanic, "bystander")

		first, err := store.AppendEvent(ctx, newEvent(t, job.ID, domain.EventInfo, "agent loop started"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), first.Seq)
		assert.False(t, first.CreatedAt.IsZero())

		second, err := store.AppendEvent(ctx, newEvent(t, job.ID, domain.EventPlan, "inspect failing test"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.Seq)

		third, err := store.AppendEvent(ctx, newEvent(t, job.ID, domain.EventToolCall, "read_file"))
		require.NoError(t, err)
		assert.Equal(t, int64(3), third.Seq)

		events, err := store.ListEvents(ctx, job.ID, 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, event := range events {
			assert.Equal(t, int64(i+1), event.Seq)
		}
		assert.Equal(t, domain.EventInfo, events[0].Kind)
		assert.Equal(t, domain.EventPlan, events[1].Kind)
		assert.Equal(t, domain.EventToolCall, events[2].Kind)

		page, err := store.ListEvents(ctx, job.ID, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, int64(2), page[0].Seq)

		foreign, err := store.ListEvents(ctx, other.ID, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, foreign, "ledgers never bleed across jobs")
	})

	t.Run("AppendEventUnknownJobFails", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		_, err := store.AppendEvent(context.Background(),
			newEvent(t, uuid.New().String(), domain.EventInfo, "orphan"))
		require.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("AppendEventChargingSaturatesAtCaps", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		job, err := domain.NewJob(domain.CreateJobParams{
			Goal:      "tiny budget",
			Mode:      domain.ModeMechanic,
			AgentType: "coordinator",
			RepoPath:  "/srv/repos/demo",
			Caps:      domain.Caps{StepCap: 2, TokenCap: 100, CostCapCents: 10},
		})
		require.NoError(t, err)
		_, err = store.CreateJob(ctx, job)
		require.NoError(t, err)

		_, usage, err := store.AppendEventCharging(ctx,
			newEvent(t, job.ID, domain.EventToolResult, "step one"),
			ledger.Charge{Steps: 1, Tokens: 60, CostCents: 6}, "editing files")
		require.NoError(t, err)
		assert.Equal(t, domain.Usage{StepsUsed: 1, TokensUsed: 60, CostUsedCents: 6}, usage)

		// The second charge overshoots every axis; counters clamp at
		// their caps.
		_, usage, err = store.AppendEventCharging(ctx,
			newEvent(t, job.ID, domain.EventToolResult, "step two"),
			ledger.Charge{Steps: 5, Tokens: 500, CostCents: 50}, "")
		require.NoError(t, err)
		assert.Equal(t, domain.Usage{StepsUsed: 2, TokensUsed: 100, CostUsedCents: 10}, usage)

		cur, err := store.FindJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, usage, cur.Usage)
		assert.Equal(t, "editing files", cur.CurrentAction, "an empty action leaves the label alone")

		events, err := store.ListEvents(ctx, job.ID, 0, 10)
		require.NoError(t, err)
		assert.Len(t, events, 2, "charged events still land on the ledger")

		_, _, err = store.AppendEventCharging(ctx,
			newEvent(t, job.ID, domain.EventToolResult, "rollback attempt"),
			ledger.Charge{Steps: -1}, "")
		require.ErrorIs(t, err, domain.ErrNegativeCharge)
	})

	t.Run("QueueDepthCountsQueuedPerMode", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		seedJob(t, store, domain.ModeMechanic, "one")
		seedJob(t, store, domain.ModeMechanic, "two")
		seedJob(t, store, domain.ModeGenius, "three")

		depth, err := store.QueueDepth(ctx, domain.ModeMechanic)
		require.NoError(t, err)
		assert.Equal(t, int64(2), depth)

		depth, err = store.QueueDepth(ctx, domain.ModeGenius)
		require.NoError(t, err)
		assert.Equal(t, int64(1), depth)

		claimJob(t, store, domain.ModeMechanic, "worker-a")
		depth, err = store.QueueDepth(ctx, domain.ModeMechanic)
		require.NoError(t, err)
		assert.Equal(t, int64(1), depth)
	})

	t.Run("CancellationFeedDeliversWhenOffered", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		feed, err := store.SubscribeToCancellations(ctx)
		require.NoError(t, err)
		if feed == nil {
			t.Skip("store offers no push feed; cancellation is observed by polling")
		}

		job := seedJob(t, store, domain.ModeMechanic, "notify me")
		claimJob(t, store, domain.ModeMechanic, "worker-a")
		require.NoError(t, store.CancelOwned(ctx, job.ID, "worker-a"))

		select {
		case id, ok := <-feed:
			require.True(t, ok, "feed closed before delivering")
			assert.Equal(t, job.ID, id)
		case <-time.After(3 * time.Second):
			t.Fatal("cancellation never arrived on the feed")
		}
	})
}
