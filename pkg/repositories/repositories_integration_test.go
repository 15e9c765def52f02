package repositories

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh-server/pkg/apperrors"
	"github.com/agentmesh/agentmesh-server/pkg/models"
	"github.com/agentmesh/agentmesh-server/pkg/testhelpers"
)

func TestIDRepositorySequences(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	ids := NewIDRepository(db.DB)
	ctx := context.Background()

	pid, err := ids.NextProjectID(ctx)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^PID\d{6}$`), pid)

	wid, err := ids.NextWorkflowID(ctx)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^WID\d{8}$`), wid)

	tid1, err := ids.NextTaskID(ctx)
	require.NoError(t, err)
	tid2, err := ids.NextTaskID(ctx)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^TID\d{10}$`), tid1)
	assert.Less(t, tid1, tid2, "task IDs must be monotonically increasing")
}

// seedWorkflow creates a project, a workflow, and the given steps, returning
// the workflow ID.
func seedWorkflow(t *testing.T, db *testhelpers.TestDB, steps func(wid string, tids []string) []*models.TaskStep, stepCount int) (string, []string) {
	t.Helper()
	ctx := context.Background()

	ids := NewIDRepository(db.DB)
	projects := NewProjectRepository(db.DB)
	tasks := NewTaskRepository(db.DB)
	workflows := NewWorkflowRepository(db.DB, tasks)

	pid, err := ids.NextProjectID(ctx)
	require.NoError(t, err)
	project := &models.Project{ProjectID: pid, Name: "integration"}
	require.NoError(t, projects.Create(ctx, project))

	wid, err := ids.NextWorkflowID(ctx)
	require.NoError(t, err)
	require.NoError(t, workflows.Create(ctx, &models.TaskGraph{
		WorkflowID: wid,
		ProjectID:  &project.ID,
		Metadata:   map[string]interface{}{"user_request": "integration test"},
	}))

	tids := make([]string, stepCount)
	for i := range tids {
		tids[i], err = ids.NextTaskID(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, tasks.InsertSteps(ctx, steps(wid, tids)))
	return wid, tids
}

func TestTaskClaimLifecycle(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	tasks := NewTaskRepository(db.DB)
	workflows := NewWorkflowRepository(db.DB, tasks)
	ctx := context.Background()

	base := time.Now()
	wid, tids := seedWorkflow(t, db, func(wid string, tids []string) []*models.TaskStep {
		return []*models.TaskStep{
			{StepID: tids[0], WorkflowID: wid, TaskDescription: "gather requirements",
				AssignedAgent: "researcher", Status: models.TaskStatusReady, CreatedAt: base},
			{StepID: tids[1], WorkflowID: wid, TaskDescription: "write the report",
				AssignedAgent: "writer", Dependencies: []string{tids[0]},
				Status: models.TaskStatusPending, CreatedAt: base.Add(time.Microsecond)},
			{StepID: tids[2], WorkflowID: wid, TaskDescription: "review the report",
				AssignedAgent: "analyst", Dependencies: []string{tids[1]},
				Status: models.TaskStatusPending, CreatedAt: base.Add(2 * time.Microsecond)},
		}
	}, 3)

	// Only the dependency-free first step is claimable.
	step, err := tasks.ClaimReady(ctx, &models.ClientPollRequest{
		ClientID:     "worker-1",
		Capabilities: []string{"researcher", "writer", "analyst"},
	})
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, tids[0], step.StepID)
	assert.Equal(t, models.TaskStatusInProgress, step.Status)
	require.NotNil(t, step.ClientID)
	assert.Equal(t, "worker-1", *step.ClientID)
	assert.NotNil(t, step.StartedAt)

	// Nothing else is READY yet.
	step, err = tasks.ClaimReady(ctx, &models.ClientPollRequest{
		ClientID:     "worker-2",
		Capabilities: []string{"researcher", "writer", "analyst"},
	})
	require.NoError(t, err)
	assert.Nil(t, step)

	// Completing the first step unlocks exactly its dependent.
	require.NoError(t, tasks.MarkCompleted(ctx, wid, tids[0], time.Now()))
	promoted, err := tasks.DispatchReady(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	step, err = tasks.ClaimReady(ctx, &models.ClientPollRequest{
		ClientID:     "worker-2",
		Capabilities: []string{"writer"},
	})
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, tids[1], step.StepID)

	// Finish the rest and verify the workflow flips exactly once.
	require.NoError(t, tasks.MarkCompleted(ctx, wid, tids[1], time.Now()))
	_, err = tasks.DispatchReady(ctx, wid)
	require.NoError(t, err)
	require.NoError(t, tasks.MarkCompleted(ctx, wid, tids[2], time.Now()))

	done, err := workflows.MarkCompletedIfAllTasksDone(ctx, wid)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = workflows.MarkCompletedIfAllTasksDone(ctx, wid)
	require.NoError(t, err)
	assert.False(t, done, "an already completed workflow must not flip again")

	status, err := workflows.GetStatus(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStateCompleted, status.Status)
	assert.Equal(t, 3, status.TotalTasks)
	assert.Equal(t, 3, status.CompletedTasks)
}

func TestClaimRespectsCapabilities(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	tasks := NewTaskRepository(db.DB)
	ctx := context.Background()

	_, tids := seedWorkflow(t, db, func(wid string, tids []string) []*models.TaskStep {
		return []*models.TaskStep{
			{StepID: tids[0], WorkflowID: wid, TaskDescription: "implement the feature",
				AssignedAgent: "developer", Status: models.TaskStatusReady, CreatedAt: time.Now()},
		}
	}, 1)

	step, err := tasks.ClaimReady(ctx, &models.ClientPollRequest{
		ClientID:     "worker-1",
		Capabilities: []string{"writer", "analyst"},
	})
	require.NoError(t, err)
	assert.Nil(t, step, "a developer task must not go to a writer")

	step, err = tasks.ClaimReady(ctx, &models.ClientPollRequest{
		ClientID:     "worker-1",
		Capabilities: []string{"developer"},
	})
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, tids[0], step.StepID)
}

func TestClaimPrefersRequestedTask(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	tasks := NewTaskRepository(db.DB)
	ctx := context.Background()

	base := time.Now()
	_, tids := seedWorkflow(t, db, func(wid string, tids []string) []*models.TaskStep {
		return []*models.TaskStep{
			{StepID: tids[0], WorkflowID: wid, TaskDescription: "older task",
				AssignedAgent: "analyst", Status: models.TaskStatusReady, CreatedAt: base},
			{StepID: tids[1], WorkflowID: wid, TaskDescription: "newer task",
				AssignedAgent: "analyst", Status: models.TaskStatusReady, CreatedAt: base.Add(time.Microsecond)},
		}
	}, 2)

	step, err := tasks.ClaimReady(ctx, &models.ClientPollRequest{
		ClientID:        "worker-1",
		Capabilities:    []string{"analyst"},
		PreferredTaskID: tids[1],
	})
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, tids[1], step.StepID, "preference beats FIFO order")
}

func TestResetForRework(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	tasks := NewTaskRepository(db.DB)
	ctx := context.Background()

	base := time.Now()
	wid, tids := seedWorkflow(t, db, func(wid string, tids []string) []*models.TaskStep {
		return []*models.TaskStep{
			{StepID: tids[0], WorkflowID: wid, TaskDescription: "draft",
				AssignedAgent: "writer", Status: models.TaskStatusReady, CreatedAt: base},
			{StepID: tids[1], WorkflowID: wid, TaskDescription: "polish",
				AssignedAgent: "writer", Dependencies: []string{tids[0]},
				Status: models.TaskStatusPending, CreatedAt: base.Add(time.Microsecond)},
		}
	}, 2)

	// Run the workflow to completion.
	step, err := tasks.ClaimReady(ctx, &models.ClientPollRequest{ClientID: "w1", Capabilities: []string{"writer"}})
	require.NoError(t, err)
	require.NotNil(t, step)
	require.NoError(t, tasks.MarkCompleted(ctx, wid, tids[0], time.Now()))
	_, err = tasks.DispatchReady(ctx, wid)
	require.NoError(t, err)
	require.NoError(t, tasks.MarkCompleted(ctx, wid, tids[1], time.Now()))

	reset, err := tasks.ResetForRework(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, 2, reset)

	steps, err := tasks.ListByWorkflow(ctx, wid)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	// Dependency-free steps restart READY, the rest wait again.
	assert.Equal(t, models.TaskStatusReady, steps[0].Status)
	assert.Equal(t, models.TaskStatusPending, steps[1].Status)
	for _, s := range steps {
		assert.Nil(t, s.ClientID)
		assert.Nil(t, s.CompletedAt)
	}
}

func TestConcurrentCompletionsPromoteJoinTask(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	tasks := NewTaskRepository(db.DB)
	ctx := context.Background()

	// Diamond: A feeds B and C, which both feed D.
	base := time.Now()
	wid, tids := seedWorkflow(t, db, func(wid string, tids []string) []*models.TaskStep {
		return []*models.TaskStep{
			{StepID: tids[0], WorkflowID: wid, TaskDescription: "gather",
				AssignedAgent: "researcher", Status: models.TaskStatusReady, CreatedAt: base},
			{StepID: tids[1], WorkflowID: wid, TaskDescription: "draft intro",
				AssignedAgent: "writer", Dependencies: []string{tids[0]},
				Status: models.TaskStatusPending, CreatedAt: base.Add(time.Microsecond)},
			{StepID: tids[2], WorkflowID: wid, TaskDescription: "draft body",
				AssignedAgent: "writer", Dependencies: []string{tids[0]},
				Status: models.TaskStatusPending, CreatedAt: base.Add(2 * time.Microsecond)},
			{StepID: tids[3], WorkflowID: wid, TaskDescription: "merge drafts",
				AssignedAgent: "analyst", Dependencies: []string{tids[1], tids[2]},
				Status: models.TaskStatusPending, CreatedAt: base.Add(3 * time.Microsecond)},
		}
	}, 4)

	require.NoError(t, tasks.MarkCompleted(ctx, wid, tids[0], time.Now()))
	promoted, err := tasks.DispatchReady(ctx, wid)
	require.NoError(t, err)
	require.Equal(t, 2, promoted)

	// Two workers finish the siblings at the same moment, each inside the
	// same transaction shape the result submission path uses. Whichever
	// commits second must see the other's completion and promote the join.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, tid := range []string{tids[1], tids[2]} {
		wg.Add(1)
		go func(tid string) {
			defer wg.Done()
			errs <- db.DB.WithTx(ctx, func(ctx context.Context) error {
				if err := tasks.MarkCompleted(ctx, wid, tid, time.Now()); err != nil {
					return err
				}
				_, err := tasks.DispatchReady(ctx, wid)
				return err
			})
		}(tid)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	join, err := tasks.Get(ctx, wid, tids[3])
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, join.Status,
		"the join task must come out READY, not stuck PENDING")
}

func TestConcurrentClaimsYieldDistinctWinners(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	tasks := NewTaskRepository(db.DB)
	ctx := context.Background()

	const ready = 3
	const pollers = 10

	base := time.Now()
	_, _ = seedWorkflow(t, db, func(wid string, tids []string) []*models.TaskStep {
		steps := make([]*models.TaskStep, ready)
		for i := range steps {
			steps[i] = &models.TaskStep{
				StepID: tids[i], WorkflowID: wid, TaskDescription: "independent task",
				AssignedAgent: "analyst", Status: models.TaskStatusReady,
				CreatedAt: base.Add(time.Duration(i) * time.Microsecond),
			}
		}
		return steps
	}, ready)

	var wg sync.WaitGroup
	claimed := make(chan *models.TaskStep, pollers)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			step, err := tasks.ClaimReady(ctx, &models.ClientPollRequest{
				ClientID:     fmt.Sprintf("worker-%d", worker),
				Capabilities: []string{"analyst"},
			})
			if err != nil {
				t.Error(err)
				return
			}
			claimed <- step
		}(i)
	}
	wg.Wait()
	close(claimed)

	winners := map[string]bool{}
	for step := range claimed {
		if step == nil {
			continue
		}
		assert.False(t, winners[step.StepID], "task %s claimed twice", step.StepID)
		winners[step.StepID] = true
	}
	assert.Len(t, winners, ready, "every READY task goes to exactly one worker")
}

func TestConcurrentTaskIDAllocation(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	ids := NewIDRepository(db.DB)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	allocated := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tid, err := ids.NextTaskID(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			allocated <- tid
		}()
	}
	wg.Wait()
	close(allocated)

	seen := map[string]bool{}
	for tid := range allocated {
		assert.False(t, seen[tid], "duplicate task ID %s", tid)
		seen[tid] = true
	}
	assert.Len(t, seen, n)
}

func TestClaimSkipsTaskWithUnmetDependencies(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	tasks := NewTaskRepository(db.DB)
	ctx := context.Background()

	// A READY row whose dependency never completed should not be handed
	// out, and it must stay READY rather than slide back to PENDING.
	base := time.Now()
	wid, tids := seedWorkflow(t, db, func(wid string, tids []string) []*models.TaskStep {
		return []*models.TaskStep{
			{StepID: tids[0], WorkflowID: wid, TaskDescription: "prerequisite",
				AssignedAgent: "researcher", Status: models.TaskStatusPending, CreatedAt: base},
			{StepID: tids[1], WorkflowID: wid, TaskDescription: "dependent",
				AssignedAgent: "analyst", Dependencies: []string{tids[0]},
				Status: models.TaskStatusReady, CreatedAt: base.Add(time.Microsecond)},
		}
	}, 2)

	step, err := tasks.ClaimReady(ctx, &models.ClientPollRequest{
		ClientID:     "worker-1",
		Capabilities: []string{"analyst"},
	})
	require.NoError(t, err)
	assert.Nil(t, step)

	dependent, err := tasks.Get(ctx, wid, tids[1])
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, dependent.Status)
	assert.Nil(t, dependent.ClientID)
}

func TestWorkflowMetadataMerge(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	tasks := NewTaskRepository(db.DB)
	workflows := NewWorkflowRepository(db.DB, tasks)
	ctx := context.Background()

	wid, _ := seedWorkflow(t, db, func(wid string, tids []string) []*models.TaskStep {
		return []*models.TaskStep{
			{StepID: tids[0], WorkflowID: wid, TaskDescription: "only step",
				AssignedAgent: "analyst", Status: models.TaskStatusReady, CreatedAt: time.Now()},
		}
	}, 1)

	err := workflows.MergeMetadata(ctx, wid, map[string]interface{}{
		"rework_suggestions": []string{"add references"},
	})
	require.NoError(t, err)

	graph, err := workflows.Get(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, "integration test", graph.Metadata["user_request"], "merge must keep existing keys")
	assert.NotNil(t, graph.Metadata["rework_suggestions"])

	err = workflows.MergeMetadata(ctx, "WID99999999", map[string]interface{}{"x": 1})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestResultAndAuditRoundTrip(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	results := NewResultRepository(db.DB)
	reports := NewAuditReportRepository(db.DB)
	ctx := context.Background()

	wid, tids := seedWorkflow(t, db, func(wid string, tids []string) []*models.TaskStep {
		return []*models.TaskStep{
			{StepID: tids[0], WorkflowID: wid, TaskDescription: "analyze",
				AssignedAgent: "analyst", Status: models.TaskStatusReady, CreatedAt: time.Now()},
		}
	}, 1)

	now := time.Now()
	require.NoError(t, results.Save(ctx, &models.TaskResult{
		WorkflowID:  wid,
		TaskID:      tids[0],
		CompletedAt: &now,
		RAHistory: models.RAHistory{
			SourceAgent: "analyst",
			FinalResult: "the analysis",
			Iterations: []models.ThoughtAction{
				{Thought: "think", Action: "act", IterationNumber: 1},
			},
		},
	}))

	saved, err := results.ListByWorkflow(ctx, wid)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "the analysis", saved[0].RAHistory.FinalResult)
	require.Len(t, saved[0].RAHistory.Iterations, 1)

	require.NoError(t, reports.Save(ctx, &models.AuditReport{
		WorkflowID:        wid,
		IsSuccessful:      false,
		Feedback:          "needs work",
		ReworkSuggestions: []string{"expand the summary"},
		ConfidenceScore:   0.4,
		ReviewedTasks:     []string{tids[0]},
	}))

	audits, err := reports.ListByWorkflow(ctx, wid)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.False(t, audits[0].IsSuccessful)
	assert.Equal(t, []string{"expand the summary"}, audits[0].ReworkSuggestions)
}

func TestResultDuplicateAndDelete(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	results := NewResultRepository(db.DB)
	ctx := context.Background()

	wid, tids := seedWorkflow(t, db, func(wid string, tids []string) []*models.TaskStep {
		return []*models.TaskStep{
			{StepID: tids[0], WorkflowID: wid, TaskDescription: "analyze",
				AssignedAgent: "analyst", Status: models.TaskStatusReady, CreatedAt: time.Now()},
		}
	}, 1)

	first := &models.TaskResult{
		WorkflowID: wid,
		TaskID:     tids[0],
		RAHistory:  models.RAHistory{SourceAgent: "analyst", FinalResult: "round one"},
	}
	require.NoError(t, results.Save(ctx, first))

	// A second result for the same task is a conflict, not a silent overwrite.
	err := results.Save(ctx, &models.TaskResult{
		WorkflowID: wid,
		TaskID:     tids[0],
		RAHistory:  models.RAHistory{SourceAgent: "analyst", FinalResult: "round one again"},
	})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	// Rework clears the slate so the redone task can submit fresh.
	deleted, err := results.DeleteByWorkflow(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	remaining, err := results.ListByWorkflow(ctx, wid)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	require.NoError(t, results.Save(ctx, &models.TaskResult{
		WorkflowID: wid,
		TaskID:     tids[0],
		RAHistory:  models.RAHistory{SourceAgent: "analyst", FinalResult: "round two"},
	}))
}

func TestFileLockRecords(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	locks := NewFileLockRepository(db.DB)
	ctx := context.Background()

	record := &models.FileLockRecord{
		FilePath:   "/tmp/integration/shared.txt",
		AccessType: models.AccessWrite,
		TaskID:     "TID0000000042",
		ClientID:   "worker-1",
	}
	require.NoError(t, locks.Acquire(ctx, record))

	active, err := locks.ListActive(ctx)
	require.NoError(t, err)
	found := false
	for _, r := range active {
		if r.FilePath == record.FilePath && r.ClientID == "worker-1" {
			found = true
		}
	}
	assert.True(t, found)

	require.NoError(t, locks.Release(ctx, record.FilePath, "worker-1", "TID0000000042"))

	active, err = locks.ListActive(ctx)
	require.NoError(t, err)
	for _, r := range active {
		assert.False(t, r.FilePath == record.FilePath && r.ClientID == "worker-1",
			"released grant still listed as active")
	}

	released, err := locks.ReleaseExpired(ctx, time.Nanosecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, released, 0)
}
