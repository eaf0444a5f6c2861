package integration_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylab/gantry/internal/application/jobs"
	"github.com/gantrylab/gantry/internal/domain"
)

// TestEscalationParksAndResumeContinues runs the full park-and-resume
// cycle: the agent escalates, the job waits for a human with its claim
// released, resume re-queues it, and the next run continues on the
// same ledger with the budget intact.
func TestEscalationParksAndResumeContinues(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	planner := newScriptPlanner(
		escalateAction("need credentials for the staging registry"),
		answerAction("unblocked, finished the rollout"),
	)

	stop := e.startWorker(t, newRegistry(t), planner, workerConfig(domain.ModeGenius, "worker-1"))
	defer stop()

	job := e.submit(t, jobs.SubmitParams{
		Goal: "roll out the new registry config",
		Mode: string(domain.ModeGenius),
	})

	parked := waitForStatus(t, e.store, job.ID, domain.StatusWaitingHuman)

	assert.Nil(t, parked.Claimant, "the claim is released while waiting")
	assert.Nil(t, parked.LastHeartbeatAt)
	require.NotNil(t, parked.StartedAt, "run attribution survives the park")
	assert.Nil(t, parked.FinishedAt)
	assert.Equal(t, 0, parked.Usage.StepsUsed)
	assert.Equal(t, 30, parked.Usage.TokensUsed, "the escalating planner call is charged")
	assert.Equal(t, 2, parked.Usage.CostUsedCents)

	events := listEvents(t, e.ledger, job.ID)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventEscalation, events[0].Kind)
	assert.Equal(t, "need credentials for the staging registry", events[0].Summary)

	resumed, err := e.jobs.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, resumed.Status)
	assert.Nil(t, resumed.StartedAt, "resume re-queues with a fresh start")

	finished := waitForStatus(t, e.store, job.ID, domain.StatusSucceeded)

	assert.Equal(t, 0, finished.Usage.StepsUsed)
	assert.Equal(t, 55, finished.Usage.TokensUsed, "budget counters carry across the park")
	assert.Equal(t, 3, finished.Usage.CostUsedCents)
	assert.NotNil(t, finished.StartedAt)
	assert.NotNil(t, finished.FinishedAt)

	events = listEvents(t, e.ledger, job.ID)
	require.Len(t, events, 3)
	assert.Equal(t, []domain.EventKind{
		domain.EventEscalation, domain.EventEvaluation, domain.EventCompletion,
	}, eventKinds(events))

	require.Equal(t, 2, planner.callCount())
	second := planner.request(1)
	require.NotEmpty(t, second.History, "the resumed run must see the prior transcript")
	assert.Equal(t, domain.EventEscalation, second.History[0].Kind)
}

// TestRepeatedVerifierFailuresEscalate lets the test runner fail until
// the loop gives up on retries and hands the job to a human instead of
// burning the rest of the budget.
func TestRepeatedVerifierFailuresEscalate(t *testing.T) {
	e := newTestEnv(t)

	runner := testRunnerTool(0, 4)
	runner.result.Failed = true
	planner := newScriptPlanner(callAction("run_tests", `{"pkg":"./..."}`))

	stop := e.startWorker(t, newRegistry(t, runner), planner, workerConfig(domain.ModeMechanic, "worker-1"))
	defer stop()

	job := e.submit(t, jobs.SubmitParams{
		Goal: "make the suite green",
		Mode: string(domain.ModeMechanic),
	})

	parked := waitForStatus(t, e.store, job.ID, domain.StatusWaitingHuman)

	assert.Equal(t, 4, parked.Usage.StepsUsed, "three retries after the first failure, then the loop gives up")
	assert.Equal(t, 4, runner.callCount())

	events := listEvents(t, e.ledger, job.ID)
	require.Len(t, events, 9, "four call/result pairs plus the escalation")
	last := events[len(events)-1]
	assert.Equal(t, domain.EventEscalation, last.Kind)
	assert.Contains(t, last.Summary, "run_tests failed 4 times in a row")
}
