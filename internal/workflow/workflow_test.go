package workflow

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmoradei/portero-cli/api/schemas"
)

func TestNext_HappyPath(t *testing.T) {
	// The straight-line path of an unsupervised session.
	steps := []struct {
		event Event
		want  schemas.Stage
	}{
		{EventPlanRequested, schemas.StagePlanning},
		{EventPlanReady, schemas.StagePlanValidated},
		{EventExecute, schemas.StageExecuting},
		{EventStepCompleted, schemas.StageExecuting},
		{EventStepCompleted, schemas.StageExecuting},
		{EventStepsExhausted, schemas.StageResultValidation},
		{EventResultsValid, schemas.StageCompleted},
	}

	stage := schemas.StageCreated
	for _, s := range steps {
		next, err := Next(stage, s.event)
		require.NoError(t, err, "event %s from stage %s", s.event, stage)
		require.Equal(t, s.want, next)
		stage = next
	}
	assert.True(t, stage.IsTerminal())
}

func TestNext_ApprovalPath(t *testing.T) {
	stage := schemas.StagePlanValidated

	stage, err := Next(stage, EventApprovalRequired)
	require.NoError(t, err)
	require.Equal(t, schemas.StageApprovalPending, stage)
	assert.Equal(t, schemas.StatusRequiresApproval, stage.Status())

	// Approval resumes execution without consuming a step.
	stage, err = Next(stage, EventApprovalGranted)
	require.NoError(t, err)
	assert.Equal(t, schemas.StageExecuting, stage)
}

func TestNext_DenialAndTimeoutAbort(t *testing.T) {
	for _, ev := range []Event{EventApprovalDenied, EventApprovalTimeout, EventAbort} {
		next, err := Next(schemas.StageApprovalPending, ev)
		require.NoError(t, err, "event %s", ev)
		assert.Equal(t, schemas.StageAborted, next)
	}
}

func TestNext_EscalationRoutesToApproval(t *testing.T) {
	next, err := Next(schemas.StageExecuting, EventEscalate)
	require.NoError(t, err)
	assert.Equal(t, schemas.StageApprovalPending, next)
}

func TestNext_TerminalStagesRejectEverything(t *testing.T) {
	terminals := []schemas.Stage{
		schemas.StageCompleted, schemas.StageFailed, schemas.StageAborted,
	}
	for _, stage := range terminals {
		for _, ev := range Events() {
			next, err := Next(stage, ev)
			require.ErrorIs(t, err, schemas.ErrInvalidTransition,
				"terminal stage %s must reject event %s", stage, ev)
			// The stage must not move on a rejected transition.
			assert.Equal(t, stage, next)
		}
	}
}

func TestAccepts(t *testing.T) {
	assert.True(t, Accepts(schemas.StageApprovalPending, EventApprovalGranted))
	assert.True(t, Accepts(schemas.StageCreated, EventAbort))
	assert.False(t, Accepts(schemas.StageCompleted, EventAbort))
	assert.False(t, Accepts(schemas.StageCreated, EventResultsValid))
}

func TestNext_UnknownEventRejected(t *testing.T) {
	_, err := Next(schemas.StageCreated, EventResultsValid)
	require.ErrorIs(t, err, schemas.ErrInvalidTransition)
}

func TestNext_AbortReachableFromEveryNonTerminalStage(t *testing.T) {
	for _, stage := range Stages() {
		if stage.IsTerminal() {
			continue
		}
		next, err := Next(stage, EventAbort)
		require.NoError(t, err, "abort from %s", stage)
		assert.Equal(t, schemas.StageAborted, next)
	}
}

// TestTable_OnlyTerminalStagesAreSinks checks structural properties of the
// table as data: every target stage is known, and no non-terminal stage is
// a dead end.
func TestTable_OnlyTerminalStagesAreSinks(t *testing.T) {
	known := make(map[schemas.Stage]bool)
	for _, s := range Stages() {
		known[s] = true
	}

	for stage, transitions := range table {
		require.NotEmpty(t, transitions, "non-terminal stage %s has no exits", stage)
		for ev, target := range transitions {
			assert.True(t, known[target], "event %s in %s targets unknown stage %s", ev, stage, target)
		}
	}

	// Terminal stages must not appear as sources.
	for _, s := range []schemas.Stage{schemas.StageCompleted, schemas.StageFailed, schemas.StageAborted} {
		_, ok := table[s]
		assert.False(t, ok, "terminal stage %s must not have outgoing transitions", s)
	}
}

// TestNext_Deterministic folds the same event sequence twice and compares
// the visited stages; the machine is a pure function of its inputs.
func TestNext_Deterministic(t *testing.T) {
	events := []Event{
		EventPlanRequested, EventPlanReady, EventApprovalRequired,
		EventApprovalGranted, EventStepCompleted, EventEscalate,
		EventApprovalGranted, EventStepsExhausted, EventResultsValid,
	}

	run := func() []schemas.Stage {
		stage := schemas.StageCreated
		visited := []schemas.Stage{stage}
		for _, ev := range events {
			next, err := Next(stage, ev)
			require.NoError(t, err)
			stage = next
			visited = append(visited, stage)
		}
		return visited
	}

	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Fatalf("transition fold not deterministic (-first +second):\n%s", diff)
	}
}
