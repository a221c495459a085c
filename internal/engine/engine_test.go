package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/nmoradei/portero-cli/api/schemas"
	"github.com/nmoradei/portero-cli/internal/capability"
	"github.com/nmoradei/portero-cli/internal/config"
	"github.com/nmoradei/portero-cli/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubPlanner returns canned plans in sequence (the last repeats) and
// records the variables of every call.
type stubPlanner struct {
	mu    sync.Mutex
	plans []*schemas.ExecutionPlan
	err   error
	calls []map[string]any
}

func (p *stubPlanner) Plan(_ context.Context, _ string, variables map[string]any) (*schemas.ExecutionPlan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	p.calls = append(p.calls, vars)
	if p.err != nil {
		return nil, p.err
	}
	idx := len(p.calls) - 1
	if idx >= len(p.plans) {
		idx = len(p.plans) - 1
	}
	return p.plans[idx].Clone(), nil
}

func (p *stubPlanner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// readPlan is navigate + extract at high confidence: tiers low, no gate.
func readPlan() *schemas.ExecutionPlan {
	return &schemas.ExecutionPlan{
		ID:         "plan-read",
		Version:    1,
		Confidence: 0.95,
		Actions: []schemas.Action{
			{ID: "act-1", Type: schemas.ActionNavigate, Parameters: map[string]any{"url": "https://portal.gob"}, Timeout: 2 * time.Second},
			{ID: "act-2", Type: schemas.ActionExtractData, Parameters: map[string]any{"selector": ".status"}, Timeout: 2 * time.Second},
		},
	}
}

// authPlan includes an authenticate step: tiers high regardless of
// confidence.
func authPlan() *schemas.ExecutionPlan {
	return &schemas.ExecutionPlan{
		ID:         "plan-auth",
		Version:    1,
		Confidence: 0.95,
		Actions: []schemas.Action{
			{ID: "act-1", Type: schemas.ActionNavigate, Parameters: map[string]any{"url": "https://portal.gob"}, Timeout: 2 * time.Second},
			{ID: "act-2", Type: schemas.ActionAuthenticate, Parameters: map[string]any{}, Timeout: 2 * time.Second},
		},
	}
}

type engineOpts struct {
	engine   config.EngineConfig
	approval config.ApprovalConfig
}

func newTestEngine(t *testing.T, planner schemas.Planner, provider schemas.CapabilityProvider, opts engineOpts) (*Engine, schemas.SessionStore) {
	t.Helper()
	st := store.NewMemoryStore(zaptest.NewLogger(t))
	cfg := opts.engine
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 5 * time.Millisecond
	}
	if cfg.PlannerRatePerMinute == 0 {
		cfg.PlannerRatePerMinute = 60000
	}
	e := New(cfg, opts.approval, st, planner, provider, zaptest.NewLogger(t))
	t.Cleanup(e.Close)
	return e, st
}

func waitStatus(t *testing.T, e *Engine, id string, status schemas.SessionStatus) *schemas.Session {
	t.Helper()
	var session *schemas.Session
	require.Eventually(t, func() bool {
		s, err := e.GetSession(context.Background(), id)
		if err != nil {
			return false
		}
		session = s
		return s.Status == status
	}, 5*time.Second, 5*time.Millisecond, "session never reached %s", status)
	return session
}

// waitReleased waits for the runner's deferred capability release, which
// lands after the terminal checkpoint.
func waitReleased(t *testing.T, provider *capability.ScriptedProvider, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return provider.ReleaseCalls() == n
	}, 5*time.Second, 5*time.Millisecond, "capability not released exactly %d time(s)", n)
}

func TestLowRiskSessionRunsToCompletion(t *testing.T) {
	provider := capability.NewScriptedProvider()
	provider.Script("act-2", capability.Outcome{Data: map[string]any{"folio": "F-123"}})
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{readPlan()}}, provider, engineOpts{})

	session, err := e.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)

	final := waitStatus(t, e, session.ID, schemas.StatusCompleted)
	assert.Equal(t, schemas.StageCompleted, final.Stage)
	assert.Equal(t, 2, final.StepIndex)
	require.Len(t, final.History, 2)
	assert.True(t, final.History[0].Success)
	assert.Equal(t, "F-123", final.Variables["folio"], "extracted data must land in variables")
	assert.Equal(t, float64(100), final.ProgressPercentage())
	waitReleased(t, provider, 1)

	summary, err := e.GetStatus(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.TotalActions)
}

func TestHighConfidenceMutatingPlanStillGates(t *testing.T) {
	provider := capability.NewScriptedProvider()
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{authPlan()}}, provider, engineOpts{})

	session, err := e.StartSession(context.Background(), "renew my permit", nil)
	require.NoError(t, err)

	parked := waitStatus(t, e, session.ID, schemas.StatusRequiresApproval)
	request := parked.OpenApproval()
	require.NotNil(t, request)
	assert.Equal(t, schemas.ApprovalKindPlan, request.Kind)
	assert.Equal(t, schemas.RiskHigh, request.Tier, "mutating actions gate regardless of confidence")
	assert.Equal(t, 0, provider.AcquireCalls(), "nothing executes before approval")

	require.NoError(t, e.ResolveApproval(context.Background(),
		schemas.ApprovalDecision{SessionID: session.ID, Approved: true}))

	final := waitStatus(t, e, session.ID, schemas.StatusCompleted)
	assert.Equal(t, schemas.ResolutionApproved, final.Approval.Resolution)
	assert.Len(t, final.History, 2)
}

func TestTransientFailuresRetryWithinBudget(t *testing.T) {
	boom := schemas.NewTransientError("act-2", errors.New("portal 503"))
	provider := capability.NewScriptedProvider().FailNTimes("act-2", 2, boom)

	plan := readPlan()
	plan.Actions[1].RetryBudget = 3
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{plan}}, provider, engineOpts{})

	session, err := e.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)

	final := waitStatus(t, e, session.ID, schemas.StatusCompleted)

	attempts := final.ResultsFor("act-2")
	require.Len(t, attempts, 3, "two failures then the success, all recorded")
	assert.False(t, attempts[0].Success)
	assert.False(t, attempts[1].Success)
	assert.True(t, attempts[2].Success)
	for i, res := range attempts {
		assert.Equal(t, i, res.RetryCount)
	}
	assert.LessOrEqual(t, len(attempts), plan.Actions[1].RetryBudget+1)
}

func TestExhaustedBudgetEscalatesAndSkipAdvances(t *testing.T) {
	boom := schemas.NewTransientError("act-2", errors.New("element never appeared"))
	provider := capability.NewScriptedProvider().Script("act-2", capability.Outcome{Err: boom})

	plan := readPlan()
	plan.Actions[1].RetryBudget = 1
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{plan}}, provider,
		engineOpts{engine: config.EngineConfig{ResultSuccessThreshold: 0.5}})

	session, err := e.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)

	parked := waitStatus(t, e, session.ID, schemas.StatusRequiresApproval)
	request := parked.OpenApproval()
	require.NotNil(t, request)
	assert.Equal(t, schemas.ApprovalKindEscalation, request.Kind)
	assert.Len(t, parked.ResultsFor("act-2"), 2, "budget 1 means two attempts before escalation")

	require.NoError(t, e.ResolveApproval(context.Background(), schemas.ApprovalDecision{
		SessionID:  session.ID,
		Approved:   true,
		Conditions: []string{"skip"},
	}))

	final := waitStatus(t, e, session.ID, schemas.StatusCompleted)
	assert.Equal(t, 2, final.StepIndex, "skip advances past the failing step")
	assert.Nil(t, final.ErrorContext)
}

func TestEscalationDeniedAborts(t *testing.T) {
	boom := schemas.NewTransientError("act-2", errors.New("element never appeared"))
	provider := capability.NewScriptedProvider().Script("act-2", capability.Outcome{Err: boom})

	plan := readPlan()
	plan.Actions[1].RetryBudget = 0
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{plan}}, provider, engineOpts{})

	session, err := e.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)
	waitStatus(t, e, session.ID, schemas.StatusRequiresApproval)

	require.NoError(t, e.ResolveApproval(context.Background(),
		schemas.ApprovalDecision{SessionID: session.ID, Approved: false, Feedback: "not worth forcing"}))

	final := waitStatus(t, e, session.ID, schemas.StatusAborted)
	assert.Equal(t, schemas.ResolutionDenied, final.Approval.Resolution)
	assert.Contains(t, final.ErrorContext.Message, "not worth forcing")
	waitReleased(t, provider, 1)
}

func TestPlanDenialAbortsByDefault(t *testing.T) {
	provider := capability.NewScriptedProvider()
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{authPlan()}}, provider, engineOpts{})

	session, err := e.StartSession(context.Background(), "renew my permit", nil)
	require.NoError(t, err)
	waitStatus(t, e, session.ID, schemas.StatusRequiresApproval)

	require.NoError(t, e.ResolveApproval(context.Background(),
		schemas.ApprovalDecision{SessionID: session.ID, Approved: false, Feedback: "wrong portal"}))

	final := waitStatus(t, e, session.ID, schemas.StatusAborted)
	assert.Equal(t, 0, provider.AcquireCalls(), "denied plans never execute")
	assert.Empty(t, final.History)
	assert.Contains(t, final.ErrorContext.Message, "wrong portal")
}

func TestPlanDenialReplansWhenConfigured(t *testing.T) {
	planner := &stubPlanner{plans: []*schemas.ExecutionPlan{authPlan(), readPlan()}}
	provider := capability.NewScriptedProvider()
	e, _ := newTestEngine(t, planner, provider,
		engineOpts{approval: config.ApprovalConfig{OnDenial: "replan"}})

	session, err := e.StartSession(context.Background(), "renew my permit", nil)
	require.NoError(t, err)
	waitStatus(t, e, session.ID, schemas.StatusRequiresApproval)

	require.NoError(t, e.ResolveApproval(context.Background(),
		schemas.ApprovalDecision{SessionID: session.ID, Approved: false, Feedback: "read the public page instead"}))

	final := waitStatus(t, e, session.ID, schemas.StatusCompleted)
	assert.Equal(t, 2, planner.callCount())
	assert.Equal(t, "read the public page instead", planner.calls[1]["approval_feedback"],
		"denial feedback must reach the second planning call")
	assert.Equal(t, "plan-read", final.Plan.ID)
	assert.Equal(t, 2, final.Plan.Version, "a re-plan bumps the plan version")
}

func TestApprovalDeadlineTimesOut(t *testing.T) {
	provider := capability.NewScriptedProvider()
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{authPlan()}}, provider,
		engineOpts{approval: config.ApprovalConfig{Deadline: 30 * time.Millisecond}})

	session, err := e.StartSession(context.Background(), "renew my permit", nil)
	require.NoError(t, err)

	final := waitStatus(t, e, session.ID, schemas.StatusAborted)
	assert.Equal(t, schemas.ResolutionTimeout, final.Approval.Resolution)
	assert.Equal(t, 0, provider.AcquireCalls())
}

func TestResolveApprovalWithoutPendingLeavesSessionUntouched(t *testing.T) {
	provider := capability.NewScriptedProvider()
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{readPlan()}}, provider, engineOpts{})

	session, err := e.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)
	before := waitStatus(t, e, session.ID, schemas.StatusCompleted)

	err = e.ResolveApproval(context.Background(),
		schemas.ApprovalDecision{SessionID: session.ID, Approved: true})
	require.ErrorIs(t, err, schemas.ErrNoPendingApproval)

	after, err := e.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Revision, after.Revision, "a rejected resolution must not write")
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestResolveApprovalUnknownSession(t *testing.T) {
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{readPlan()}},
		capability.NewScriptedProvider(), engineOpts{})

	err := e.ResolveApproval(context.Background(),
		schemas.ApprovalDecision{SessionID: "nope", Approved: true})
	require.ErrorIs(t, err, schemas.ErrSessionNotFound)
}

func TestAbortDuringExecution(t *testing.T) {
	provider := capability.NewScriptedProvider()
	provider.Script("act-2", capability.Outcome{Delay: 100 * time.Millisecond})
	provider.Script("act-3", capability.Outcome{Delay: 100 * time.Millisecond})

	plan := readPlan()
	plan.Actions = append(plan.Actions, schemas.Action{
		ID: "act-3", Type: schemas.ActionScreenshot, Parameters: map[string]any{}, Timeout: 2 * time.Second,
	})
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{plan}}, provider, engineOpts{})

	session, err := e.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := e.GetSession(context.Background(), session.ID)
		return err == nil && s.StepIndex >= 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Abort(context.Background(), session.ID))

	final := waitStatus(t, e, session.ID, schemas.StatusAborted)
	assert.Less(t, final.StepIndex, 3, "abort lands between steps, not after all of them")
	waitReleased(t, provider, 1)
}

func TestAbortTerminalSessionFails(t *testing.T) {
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{readPlan()}},
		capability.NewScriptedProvider(), engineOpts{})

	session, err := e.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)
	waitStatus(t, e, session.ID, schemas.StatusCompleted)

	err = e.Abort(context.Background(), session.ID)
	require.ErrorIs(t, err, schemas.ErrSessionTerminal)
}

func TestPlanningFailureFailsSession(t *testing.T) {
	e, _ := newTestEngine(t, &stubPlanner{err: errors.New("model unavailable")},
		capability.NewScriptedProvider(), engineOpts{})

	session, err := e.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)

	final := waitStatus(t, e, session.ID, schemas.StatusFailed)
	assert.Contains(t, final.ErrorContext.Message, "model unavailable")
}

func TestInvalidPlanRejectedBeforeExecution(t *testing.T) {
	bad := readPlan()
	bad.Actions[0].Parameters = map[string]any{}
	provider := capability.NewScriptedProvider()
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{bad}}, provider, engineOpts{})

	session, err := e.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)

	final := waitStatus(t, e, session.ID, schemas.StatusFailed)
	assert.Equal(t, schemas.ErrKindValidation, final.ErrorContext.Kind)
	assert.Equal(t, 0, provider.AcquireCalls())
}

func TestEventStreamIsOrderedAndFinite(t *testing.T) {
	provider := capability.NewScriptedProvider()
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{readPlan()}}, provider,
		engineOpts{engine: config.EngineConfig{EventBuffer: 128}})

	session, err := e.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)

	ch, cancel := e.Subscribe(session.ID)
	defer cancel()

	var events []schemas.SessionEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				goto done
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("event stream never closed")
		}
	}
done:
	require.NotEmpty(t, events)
	assert.Equal(t, schemas.EventSessionTerminal, events[len(events)-1].Type,
		"stream ends with the terminal event")
	lastStep := 0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.StepIndex, lastStep, "step index is monotonic")
		lastStep = ev.StepIndex
	}
}

func TestSubscribeAfterTerminalClosesImmediately(t *testing.T) {
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{readPlan()}},
		capability.NewScriptedProvider(), engineOpts{})

	session, err := e.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)
	waitStatus(t, e, session.ID, schemas.StatusCompleted)

	ch, cancel := e.Subscribe(session.ID)
	defer cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel for terminal session must be closed")
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
}

// A process restart mid-execution: the first engine checkpoints and
// halts, a second engine over the same store resumes from the step
// index and finishes without re-running completed steps.
func TestShutdownAndRecoverResumesMidPlan(t *testing.T) {
	st := store.NewMemoryStore(zaptest.NewLogger(t))
	plan := readPlan()
	planner := &stubPlanner{plans: []*schemas.ExecutionPlan{plan}}

	slow := capability.NewScriptedProvider()
	slow.Script("act-2", capability.Outcome{Delay: time.Minute})
	cfg := config.EngineConfig{BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond, PlannerRatePerMinute: 60000}

	first := New(cfg, config.ApprovalConfig{}, st, planner, slow, zaptest.NewLogger(t))
	session, err := first.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := st.Get(context.Background(), session.ID)
		return err == nil && s.StepIndex == 1
	}, 5*time.Second, 5*time.Millisecond, "first step never checkpointed")
	first.Close()

	interrupted, err := st.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StageExecuting, interrupted.Stage, "shutdown must not abort the session")

	fast := capability.NewScriptedProvider()
	second := New(cfg, config.ApprovalConfig{}, st, planner, fast, zaptest.NewLogger(t))
	t.Cleanup(second.Close)

	recovered, err := second.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	final := waitStatus(t, second, session.ID, schemas.StatusCompleted)
	assert.Len(t, final.ResultsFor("act-1"), 1, "completed steps are not re-executed on resume")
	require.NotEmpty(t, final.ResultsFor("act-2"))
}

func TestRecoverSkipsTerminalSessions(t *testing.T) {
	e, _ := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{readPlan()}},
		capability.NewScriptedProvider(), engineOpts{})

	session, err := e.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)
	waitStatus(t, e, session.ID, schemas.StatusCompleted)

	recovered, err := e.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

// A session parked on approval across a restart: the decision arrives
// before Recover runs, and the engine re-dispatches on demand.
func TestResolveApprovalAfterRestart(t *testing.T) {
	st := store.NewMemoryStore(zaptest.NewLogger(t))
	planner := &stubPlanner{plans: []*schemas.ExecutionPlan{authPlan()}}
	cfg := config.EngineConfig{BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond, PlannerRatePerMinute: 60000}

	first := New(cfg, config.ApprovalConfig{}, st, planner, capability.NewScriptedProvider(), zaptest.NewLogger(t))
	session, err := first.StartSession(context.Background(), "renew my permit", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := st.Get(context.Background(), session.ID)
		return err == nil && s.Status == schemas.StatusRequiresApproval
	}, 5*time.Second, 5*time.Millisecond)
	first.Close()

	second := New(cfg, config.ApprovalConfig{}, st, planner, capability.NewScriptedProvider(), zaptest.NewLogger(t))
	t.Cleanup(second.Close)

	require.NoError(t, second.ResolveApproval(context.Background(),
		schemas.ApprovalDecision{SessionID: session.ID, Approved: true}))

	final := waitStatus(t, second, session.ID, schemas.StatusCompleted)
	assert.Equal(t, schemas.ResolutionApproved, final.Approval.Resolution)
}

// The parked approval's deadline expired while the process was down. A
// decision arriving before Recover must still win over the dead deadline.
func TestResolveApprovalAfterRestartWithExpiredDeadline(t *testing.T) {
	st := store.NewMemoryStore(zaptest.NewLogger(t))
	planner := &stubPlanner{plans: []*schemas.ExecutionPlan{authPlan()}}
	cfg := config.EngineConfig{BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond, PlannerRatePerMinute: 60000}

	first := New(cfg, config.ApprovalConfig{}, st, planner, capability.NewScriptedProvider(), zaptest.NewLogger(t))
	session, err := first.StartSession(context.Background(), "renew my permit", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := st.Get(context.Background(), session.ID)
		return err == nil && s.Status == schemas.StatusRequiresApproval
	}, 5*time.Second, 5*time.Millisecond)
	first.Close()

	parked, err := st.Get(context.Background(), session.ID)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute).UTC()
	parked.Approval.Deadline = &past
	require.NoError(t, st.Save(context.Background(), parked))

	second := New(cfg, config.ApprovalConfig{}, st, planner, capability.NewScriptedProvider(), zaptest.NewLogger(t))
	t.Cleanup(second.Close)

	require.NoError(t, second.ResolveApproval(context.Background(),
		schemas.ApprovalDecision{SessionID: session.ID, Approved: true}))

	final := waitStatus(t, second, session.ID, schemas.StatusCompleted)
	assert.Equal(t, schemas.ResolutionApproved, final.Approval.Resolution)
}

// Aborting a parked session before Recover runs: the open approval must
// resolve with the abort and the pending list must empty out.
func TestAbortParkedSessionAfterRestart(t *testing.T) {
	st := store.NewMemoryStore(zaptest.NewLogger(t))
	planner := &stubPlanner{plans: []*schemas.ExecutionPlan{authPlan()}}
	cfg := config.EngineConfig{BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond, PlannerRatePerMinute: 60000}

	first := New(cfg, config.ApprovalConfig{}, st, planner, capability.NewScriptedProvider(), zaptest.NewLogger(t))
	session, err := first.StartSession(context.Background(), "renew my permit", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := st.Get(context.Background(), session.ID)
		return err == nil && s.Status == schemas.StatusRequiresApproval
	}, 5*time.Second, 5*time.Millisecond)
	first.Close()

	second := New(cfg, config.ApprovalConfig{}, st, planner, capability.NewScriptedProvider(), zaptest.NewLogger(t))
	t.Cleanup(second.Close)

	ch, cancel := second.Subscribe(session.ID)
	defer cancel()

	require.NoError(t, second.Abort(context.Background(), session.ID))

	final, err := second.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusAborted, final.Status)
	require.NotNil(t, final.Approval)
	assert.Equal(t, schemas.ResolutionDenied, final.Approval.Resolution)
	assert.Nil(t, final.OpenApproval(), "aborted sessions must not keep an open approval")

	pending, err := second.ListPendingApprovals(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	select {
	case ev := <-ch:
		assert.Equal(t, schemas.EventSessionTerminal, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("terminal event never published")
	}

	require.ErrorIs(t, second.Abort(context.Background(), session.ID), schemas.ErrSessionTerminal)
}

func TestDuplicateDispatchRejected(t *testing.T) {
	provider := capability.NewScriptedProvider()
	provider.Script("act-2", capability.Outcome{Delay: 200 * time.Millisecond})
	e, st := newTestEngine(t, &stubPlanner{plans: []*schemas.ExecutionPlan{readPlan()}}, provider, engineOpts{})

	session, err := e.StartSession(context.Background(), "check my permit status", nil)
	require.NoError(t, err)

	live, err := st.Get(context.Background(), session.ID)
	require.NoError(t, err)
	_, err = e.dispatch(live, nil)
	require.ErrorIs(t, err, schemas.ErrConcurrencyViolation)

	waitStatus(t, e, session.ID, schemas.StatusCompleted)
}

func TestBroadcasterDropsWhenSubscriberStalls(t *testing.T) {
	b := newBroadcaster(1, zaptest.NewLogger(t))
	ch, cancel := b.subscribe("s1")
	defer cancel()

	b.publish(schemas.SessionEvent{SessionID: "s1", Type: schemas.EventStageChanged})
	b.publish(schemas.SessionEvent{SessionID: "s1", Type: schemas.EventActionAttempted})

	assert.Len(t, ch, 1, "second event dropped rather than blocking")
}
