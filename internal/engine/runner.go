package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nmoradei/portero-cli/api/schemas"
	"github.com/nmoradei/portero-cli/internal/planner"
	"github.com/nmoradei/portero-cli/internal/recovery"
	"github.com/nmoradei/portero-cli/internal/workflow"
)

// errHalt makes a runner exit without touching its session: engine
// shutdown, or a concurrency conflict meaning someone else owns the
// record now. Either way the checkpointed state stands.
var errHalt = errors.New("runner halted")

// runner executes one session from its current stage to a terminal
// stage. Dispatched for fresh sessions and for recovered ones; the stage
// dispatch loop makes resumption the same code path as a first run.
type runner struct {
	eng     *Engine
	log     *zap.Logger
	session *schemas.Session

	capability  schemas.Capability
	releaseOnce sync.Once
	slotHeld    bool

	decisionCh chan schemas.ApprovalDecision
	awaiting   atomic.Bool

	abortCh   chan struct{}
	abortOnce sync.Once

	// replanned limits re-planning after a denial to one round;
	// nextPlanVersion carries the version the replacement plan gets.
	replanned       bool
	nextPlanVersion int
}

func newRunner(e *Engine, session *schemas.Session) *runner {
	return &runner{
		eng:        e,
		log:        e.log.With(zap.String("session_id", session.ID)),
		session:    session,
		decisionCh: make(chan schemas.ApprovalDecision, 1),
		abortCh:    make(chan struct{}),
	}
}

// abort requests a cooperative stop. Idempotent.
func (r *runner) abort() {
	r.abortOnce.Do(func() { close(r.abortCh) })
}

func (r *runner) aborted() bool {
	select {
	case <-r.abortCh:
		return true
	default:
		return false
	}
}

// deliver hands a human decision to the parked runner. Fails with
// ErrNoPendingApproval when the runner is not waiting.
func (r *runner) deliver(decision schemas.ApprovalDecision) error {
	if !r.awaiting.CompareAndSwap(true, false) {
		return fmt.Errorf("session %s: %w", r.session.ID, schemas.ErrNoPendingApproval)
	}
	select {
	case r.decisionCh <- decision:
		return nil
	default:
		return fmt.Errorf("session %s: %w", r.session.ID, schemas.ErrNoPendingApproval)
	}
}

// run drives the session until it is terminal or the process shuts down.
func (r *runner) run() {
	ctx := r.eng.shutdownCtx
	defer r.release()

	if err := r.eng.sessionSlots.Acquire(ctx, 1); err != nil {
		return
	}
	defer r.eng.sessionSlots.Release(1)

	for !r.session.Stage.IsTerminal() {
		if r.aborted() {
			if err := r.finalizeAbort(ctx, "aborted by operator"); err != nil {
				r.halt(err)
				return
			}
			break
		}

		var err error
		switch r.session.Stage {
		case schemas.StageCreated:
			err = r.transition(ctx, workflow.EventPlanRequested, nil)
		case schemas.StagePlanning:
			err = r.plan(ctx)
		case schemas.StagePlanValidated:
			err = r.gate(ctx)
		case schemas.StageApprovalPending:
			err = r.awaitApproval(ctx)
		case schemas.StageExecuting:
			err = r.execute(ctx)
		case schemas.StageResultValidation:
			err = r.validateResults(ctx)
		default:
			err = fmt.Errorf("session %s in unknown stage %q", r.session.ID, r.session.Stage)
		}
		if err != nil {
			r.halt(err)
			return
		}
	}

	r.emitTerminal()
}

// halt logs the reason a runner stopped before reaching a terminal
// stage. Expected on shutdown; a concurrency violation means the record
// has another owner.
func (r *runner) halt(err error) {
	switch {
	case errors.Is(err, errHalt), errors.Is(err, context.Canceled):
		r.log.Debug("Runner halted, session state checkpointed")
	case errors.Is(err, schemas.ErrConcurrencyViolation):
		r.log.Warn("Runner lost session ownership", zap.Error(err))
	default:
		r.log.Error("Runner stopped unexpectedly", zap.Error(err))
	}
}

// release frees the capability and its slot exactly once.
func (r *runner) release() {
	r.releaseOnce.Do(func() {
		if r.capability != nil {
			r.capability.Release()
			r.capability = nil
		}
		if r.slotHeld {
			r.eng.browserSlots.Release(1)
			r.slotHeld = false
		}
	})
}

// transition applies a workflow event, runs the optional mutation, and
// checkpoints. Every state change goes through here.
func (r *runner) transition(ctx context.Context, ev workflow.Event, mutate func(*schemas.Session)) error {
	next, err := workflow.Next(r.session.Stage, ev)
	if err != nil {
		return err
	}
	r.session.Stage = next
	r.session.Status = next.Status()
	if mutate != nil {
		mutate(r.session)
	}
	if err := r.save(ctx); err != nil {
		return err
	}
	r.emit(schemas.EventStageChanged, nil, nil, string(ev))
	return nil
}

func (r *runner) save(ctx context.Context) error {
	if err := r.eng.store.Save(ctx, r.session); err != nil {
		if ctx.Err() != nil {
			return errHalt
		}
		return err
	}
	return nil
}

// plan synthesizes and validates the execution plan.
func (r *runner) plan(ctx context.Context) error {
	if err := r.eng.plannerRate.Wait(ctx); err != nil {
		return errHalt
	}

	plan, err := r.eng.planner.Plan(ctx, r.session.Instruction, r.session.Variables)
	if err != nil {
		if ctx.Err() != nil {
			return errHalt
		}
		var verr *schemas.ValidationError
		ev := workflow.EventPlanningFailed
		kind := schemas.ErrKindPermanent
		if errors.As(err, &verr) {
			ev = workflow.EventPlanRejected
			kind = schemas.ErrKindValidation
		}
		return r.transition(ctx, ev, func(s *schemas.Session) {
			s.ErrorContext = recovery.BuildErrorContext(kind, "", err.Error(), 0)
		})
	}

	if err := planner.ValidatePlan(plan, 0); err != nil {
		return r.transition(ctx, workflow.EventPlanRejected, func(s *schemas.Session) {
			s.ErrorContext = recovery.BuildErrorContext(schemas.ErrKindValidation, "", err.Error(), 0)
		})
	}

	r.log.Info("Plan synthesized",
		zap.String("plan_id", plan.ID),
		zap.Int("actions", len(plan.Actions)),
		zap.Float64("confidence", plan.Confidence))

	return r.transition(ctx, workflow.EventPlanReady, func(s *schemas.Session) {
		if r.nextPlanVersion > plan.Version {
			plan.Version = r.nextPlanVersion
		}
		s.Plan = plan
		s.StepIndex = 0
	})
}

// gate tiers the plan and either opens an approval request or proceeds
// straight to execution.
func (r *runner) gate(ctx context.Context) error {
	tier := r.eng.assessor.AssessPlan(r.session.Plan)

	if !r.eng.assessor.RequiresApproval(tier) {
		r.log.Info("Plan below approval gate, executing", zap.String("tier", string(tier)))
		return r.transition(ctx, workflow.EventExecute, nil)
	}

	request := r.newApprovalRequest(schemas.ApprovalKindPlan, tier,
		r.eng.assessor.Justify(r.session.Plan, tier))
	err := r.transition(ctx, workflow.EventApprovalRequired, func(s *schemas.Session) {
		s.Plan.RequiresApproval = true
		s.Approval = request
	})
	if err != nil {
		return err
	}
	r.emit(schemas.EventApprovalRequested, nil, request, "")
	return nil
}

func (r *runner) newApprovalRequest(kind schemas.ApprovalKind, tier schemas.RiskTier, justification string) *schemas.ApprovalRequest {
	request := &schemas.ApprovalRequest{
		ID:            uuid.New().String(),
		SessionID:     r.session.ID,
		Kind:          kind,
		Tier:          tier,
		Justification: justification,
		RequestedAt:   time.Now().UTC(),
		Resolution:    schemas.ResolutionPending,
	}
	if d := r.eng.approval.Deadline; d > 0 {
		deadline := request.RequestedAt.Add(d)
		request.Deadline = &deadline
	}
	return request
}

// awaitApproval parks the runner until a decision, the deadline, an
// abort, or shutdown. The capability, if held, stays held: execution
// resumes on the same browser tab after an escalation is approved.
func (r *runner) awaitApproval(ctx context.Context) error {
	request := r.session.OpenApproval()
	if request == nil {
		// Recovered session parked without a persisted request; re-open
		// the gate for the plan.
		request = r.newApprovalRequest(schemas.ApprovalKindPlan,
			r.eng.assessor.AssessPlan(r.session.Plan),
			r.eng.assessor.Justify(r.session.Plan, r.eng.assessor.AssessPlan(r.session.Plan)))
		r.session.Approval = request
		if err := r.save(ctx); err != nil {
			return err
		}
		r.emit(schemas.EventApprovalRequested, nil, request, "")
	}

	// A re-dispatched runner starts with the decision already queued; it
	// wins over a deadline that expired while the process was down.
	select {
	case decision := <-r.decisionCh:
		return r.applyDecision(ctx, request, decision)
	default:
	}

	var deadlineCh <-chan time.Time
	if request.Deadline != nil {
		timer := time.NewTimer(time.Until(*request.Deadline))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	r.awaiting.Store(true)
	defer r.awaiting.Store(false)
	r.log.Info("Session parked awaiting approval",
		zap.String("kind", string(request.Kind)),
		zap.String("tier", string(request.Tier)))

	select {
	case decision := <-r.decisionCh:
		return r.applyDecision(ctx, request, decision)

	case <-deadlineCh:
		if !r.awaiting.CompareAndSwap(true, false) {
			// A decision won the race; consume it.
			return r.applyDecision(ctx, request, <-r.decisionCh)
		}
		r.log.Warn("Approval deadline expired")
		return r.transition(ctx, workflow.EventApprovalTimeout, func(s *schemas.Session) {
			resolveApproval(s.Approval, schemas.ResolutionTimeout, "approval deadline expired")
			s.ErrorContext = recovery.BuildErrorContext(schemas.ErrKindNeedsHuman, "",
				"approval request timed out", 0)
		})

	case <-r.abortCh:
		if !r.awaiting.CompareAndSwap(true, false) {
			return r.applyDecision(ctx, request, <-r.decisionCh)
		}
		return r.finalizeAbort(ctx, "aborted while awaiting approval")

	case <-ctx.Done():
		return errHalt
	}
}

func resolveApproval(request *schemas.ApprovalRequest, resolution schemas.ApprovalResolution, feedback string) {
	now := time.Now().UTC()
	request.Resolution = resolution
	request.Feedback = feedback
	request.ResolvedAt = &now
}

// applyDecision resolves the open request and routes the session on.
func (r *runner) applyDecision(ctx context.Context, request *schemas.ApprovalRequest, decision schemas.ApprovalDecision) error {
	if decision.Approved {
		err := r.transition(ctx, workflow.EventApprovalGranted, func(s *schemas.Session) {
			resolveApproval(s.Approval, schemas.ResolutionApproved, decision.Feedback)
			if request.Kind == schemas.ApprovalKindEscalation {
				s.ErrorContext = nil
				if decision.HasCondition("skip") {
					s.StepIndex++
				}
			}
		})
		if err != nil {
			return err
		}
		r.emit(schemas.EventApprovalResolved, nil, r.session.Approval, "approved")
		return nil
	}

	// Denied. A plan denial may earn one re-plan with the feedback folded
	// into the next planning call, when configured.
	if request.Kind == schemas.ApprovalKindPlan && r.eng.approval.ReplanOnDenial() && !r.replanned {
		r.replanned = true
		err := r.transition(ctx, workflow.EventPlanRequested, func(s *schemas.Session) {
			if s.Plan != nil {
				r.nextPlanVersion = s.Plan.Version + 1
			}
			resolveApproval(s.Approval, schemas.ResolutionDenied, decision.Feedback)
			if s.Variables == nil {
				s.Variables = make(map[string]any)
			}
			s.Variables["approval_feedback"] = decision.Feedback
			s.Plan = nil
			s.StepIndex = 0
		})
		if err != nil {
			return err
		}
		r.emit(schemas.EventApprovalResolved, nil, r.session.Approval, "denied, re-planning")
		return nil
	}

	err := r.transition(ctx, workflow.EventApprovalDenied, func(s *schemas.Session) {
		resolveApproval(s.Approval, schemas.ResolutionDenied, decision.Feedback)
		s.ErrorContext = recovery.BuildErrorContext(schemas.ErrKindNeedsHuman, "",
			denialMessage(request.Kind, decision.Feedback), 0)
	})
	if err != nil {
		return err
	}
	r.emit(schemas.EventApprovalResolved, nil, r.session.Approval, "denied")
	return nil
}

func denialMessage(kind schemas.ApprovalKind, feedback string) string {
	msg := "plan denied by operator"
	if kind == schemas.ApprovalKindEscalation {
		msg = "escalation denied by operator"
	}
	if feedback != "" {
		msg += ": " + feedback
	}
	return msg
}

// acquireCapability claims a browser slot and a capability, once per
// runner lifetime.
func (r *runner) acquireCapability(ctx context.Context) error {
	if r.capability != nil {
		return nil
	}
	if err := r.eng.browserSlots.Acquire(ctx, 1); err != nil {
		return errHalt
	}
	r.slotHeld = true

	capability, err := r.eng.provider.Acquire(ctx, r.session.ID)
	if err != nil {
		return fmt.Errorf("failed to acquire capability: %w", err)
	}
	r.capability = capability
	return nil
}

// execute runs plan actions from the current step index. Each attempt is
// checkpointed before the runner moves on, so a crash at any point
// resumes at the exact step it stopped on.
func (r *runner) execute(ctx context.Context) error {
	if err := r.acquireCapability(ctx); err != nil {
		if errors.Is(err, errHalt) {
			return err
		}
		return r.transition(ctx, workflow.EventFailure, func(s *schemas.Session) {
			s.ErrorContext = recovery.BuildErrorContext(schemas.ErrKindPermanent, "", err.Error(), 0)
		})
	}

	plan := r.session.Plan
	for r.session.StepIndex < len(plan.Actions) {
		if r.aborted() {
			return r.finalizeAbort(ctx, "aborted during execution")
		}
		if ctx.Err() != nil {
			return errHalt
		}

		action := plan.Actions[r.session.StepIndex]
		done, err := r.runStep(ctx, action)
		if err != nil || !done {
			// Escalation or terminal failure already transitioned; the
			// outer loop re-dispatches on the new stage.
			return err
		}
	}

	return r.transition(ctx, workflow.EventStepsExhausted, nil)
}

// runStep drives one action through its retry budget. It returns
// done=true when the step succeeded and the loop should advance;
// done=false when the session moved to another stage (escalation,
// failure, abort).
func (r *runner) runStep(ctx context.Context, action schemas.Action) (bool, error) {
	budget := action.EffectiveRetryBudget()
	attempts := 0
	delays := r.eng.backoff.NewBackOff()

	for {
		if r.aborted() {
			return false, r.finalizeAbort(ctx, "aborted during execution")
		}
		attempts++
		result, execErr := r.attempt(ctx, action, attempts)

		if execErr == nil {
			err := r.transition(ctx, workflow.EventStepCompleted, func(s *schemas.Session) {
				s.History = append(s.History, result)
				mergeVariables(s, result.Data)
				s.StepIndex++
			})
			if err != nil {
				return false, err
			}
			r.emit(schemas.EventActionAttempted, &result, nil, "")
			return true, nil
		}
		if ctx.Err() != nil {
			return false, errHalt
		}

		kind := schemas.KindOf(execErr)
		strategy := recovery.Classify(kind, attempts, budget)
		r.log.Warn("Action attempt failed",
			zap.String("action_id", action.ID),
			zap.Int("attempt", attempts),
			zap.String("kind", string(kind)),
			zap.String("strategy", string(strategy)),
			zap.Error(execErr))

		switch strategy {
		case schemas.StrategyRetry:
			err := r.transition(ctx, workflow.EventRetry, func(s *schemas.Session) {
				s.History = append(s.History, result)
			})
			if err != nil {
				return false, err
			}
			r.emit(schemas.EventActionAttempted, &result, nil, "retrying")
			if err := r.sleep(ctx, delays.NextBackOff()); err != nil {
				return false, err
			}

		case schemas.StrategyEscalate:
			request := r.newApprovalRequest(schemas.ApprovalKindEscalation, schemas.RiskHigh,
				fmt.Sprintf("step %d (%s) failed %d times: %v", r.session.StepIndex, action.Type, attempts, execErr))
			err := r.transition(ctx, workflow.EventEscalate, func(s *schemas.Session) {
				s.History = append(s.History, result)
				s.Approval = request
				s.ErrorContext = recovery.BuildErrorContext(kind, action.ID, execErr.Error(), attempts)
			})
			if err != nil {
				return false, err
			}
			r.emit(schemas.EventActionAttempted, &result, nil, "escalating")
			r.emit(schemas.EventApprovalRequested, nil, request, "")
			return false, nil

		default: // abort
			err := r.transition(ctx, workflow.EventFailure, func(s *schemas.Session) {
				s.History = append(s.History, result)
				s.ErrorContext = recovery.BuildErrorContext(kind, action.ID, execErr.Error(), attempts)
			})
			if err != nil {
				return false, err
			}
			r.emit(schemas.EventActionAttempted, &result, nil, "failed")
			return false, nil
		}
	}
}

// attempt executes the action once under its timeout.
func (r *runner) attempt(ctx context.Context, action schemas.Action, attempts int) (schemas.ActionResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, action.EffectiveTimeout())
	defer cancel()

	result, err := r.capability.Execute(attemptCtx, action, r.session.Variables)
	result.ActionID = action.ID
	result.RetryCount = attempts - 1
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = schemas.NewTransientError(action.ID, fmt.Errorf("timed out after %s", action.EffectiveTimeout()))
		result.ErrorMessage = err.Error()
	}
	return result, err
}

// mergeVariables folds extracted data into the session variable bag so
// later steps can reference it.
func mergeVariables(s *schemas.Session, data map[string]any) {
	if len(data) == 0 {
		return
	}
	if s.Variables == nil {
		s.Variables = make(map[string]any, len(data))
	}
	for k, v := range data {
		s.Variables[k] = v
	}
}

// validateResults checks the success rate of the executed plan against
// the configured threshold.
func (r *runner) validateResults(ctx context.Context) error {
	plan := r.session.Plan
	threshold := r.eng.cfg.ResultSuccessThreshold
	if threshold <= 0 {
		threshold = 0.8
	}

	succeeded := 0
	for _, action := range plan.Actions {
		for _, res := range r.session.ResultsFor(action.ID) {
			if res.Success {
				succeeded++
				break
			}
		}
	}
	rate := 1.0
	if len(plan.Actions) > 0 {
		rate = float64(succeeded) / float64(len(plan.Actions))
	}

	if rate >= threshold {
		r.log.Info("Session completed", zap.Float64("success_rate", rate))
		return r.transition(ctx, workflow.EventResultsValid, func(s *schemas.Session) {
			s.ErrorContext = nil
		})
	}

	r.log.Warn("Result validation failed", zap.Float64("success_rate", rate))
	return r.transition(ctx, workflow.EventResultsInvalid, func(s *schemas.Session) {
		s.ErrorContext = recovery.BuildErrorContext(schemas.ErrKindPermanent, "",
			fmt.Sprintf("success rate %.2f below threshold %.2f", rate, threshold), 0)
	})
}

// finalizeAbort transitions the session to aborted from wherever it is.
func (r *runner) finalizeAbort(ctx context.Context, reason string) error {
	r.log.Info("Session aborted", zap.String("reason", reason))
	return r.transition(ctx, workflow.EventAbort, func(s *schemas.Session) {
		if ap := s.OpenApproval(); ap != nil {
			resolveApproval(ap, schemas.ResolutionDenied, reason)
		}
		s.ErrorContext = recovery.BuildErrorContext(schemas.ErrKindNeedsHuman, "", reason, 0)
	})
}

// sleep waits for the backoff delay. An abort wakes it early; the retry
// loop observes the abort flag on its next pass.
func (r *runner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-r.abortCh:
		return nil
	case <-ctx.Done():
		return errHalt
	}
}

func (r *runner) emit(t schemas.EventType, result *schemas.ActionResult, approval *schemas.ApprovalRequest, message string) {
	r.eng.events.publish(schemas.SessionEvent{
		SessionID: r.session.ID,
		Type:      t,
		Stage:     r.session.Stage,
		Status:    r.session.Status,
		StepIndex: r.session.StepIndex,
		Result:    result,
		Approval:  approval,
		Message:   message,
		At:        time.Now().UTC(),
	})
}

// emitTerminal publishes the final event and ends the stream. The
// capability is released before the terminal event so subscribers
// observing the end of stream see all resources settled.
func (r *runner) emitTerminal() {
	r.release()
	r.emit(schemas.EventSessionTerminal, nil, nil, string(r.session.Status))
	r.eng.events.closeTopic(r.session.ID)
}
