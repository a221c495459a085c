// Package engine owns session execution: it dispatches one runner per
// session, enforces concurrency and rate limits, parks sessions on human
// approval, checkpoints after every attempt, and recovers interrupted
// sessions from the store after a restart.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nmoradei/portero-cli/api/schemas"
	"github.com/nmoradei/portero-cli/internal/config"
	"github.com/nmoradei/portero-cli/internal/recovery"
	"github.com/nmoradei/portero-cli/internal/risk"
	"github.com/nmoradei/portero-cli/internal/workflow"
)

// Engine coordinates session runners. One engine instance owns all
// sessions of a process; a session never has more than one live runner.
type Engine struct {
	cfg      config.EngineConfig
	approval config.ApprovalConfig
	log      *zap.Logger

	store    schemas.SessionStore
	planner  schemas.Planner
	provider schemas.CapabilityProvider
	assessor *risk.Assessor
	backoff  recovery.BackoffPolicy

	// sessionSlots bounds concurrently running sessions; browserSlots
	// bounds concurrently held capabilities.
	sessionSlots *semaphore.Weighted
	browserSlots *semaphore.Weighted
	plannerRate  *rate.Limiter

	events *broadcaster

	mu      sync.Mutex
	runners map[string]*runner
	closed  bool
	wg      sync.WaitGroup

	// shutdownCtx halts runners without aborting their sessions; the
	// checkpointed state is picked up by Recover on the next start.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// New wires an engine from its collaborators.
func New(cfg config.EngineConfig, approvalCfg config.ApprovalConfig, store schemas.SessionStore,
	planner schemas.Planner, provider schemas.CapabilityProvider, logger *zap.Logger) *Engine {

	maxSessions := int64(cfg.MaxConcurrentSessions)
	if maxSessions <= 0 {
		maxSessions = 8
	}
	browserSlots := cfg.BrowserSlots
	if browserSlots <= 0 {
		browserSlots = 4
	}
	perMinute := cfg.PlannerRatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:            cfg,
		approval:       approvalCfg,
		log:            logger.Named("engine"),
		store:          store,
		planner:        planner,
		provider:       provider,
		assessor:       risk.New(risk.DefaultThresholds(), approvalCfg.GateTier()),
		backoff:        backoffPolicy(cfg),
		sessionSlots:   semaphore.NewWeighted(maxSessions),
		browserSlots:   semaphore.NewWeighted(browserSlots),
		plannerRate:    rate.NewLimiter(rate.Limit(perMinute/60.0), 1),
		events:         newBroadcaster(cfg.EventBuffer, logger),
		runners:        make(map[string]*runner),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

func backoffPolicy(cfg config.EngineConfig) recovery.BackoffPolicy {
	p := recovery.DefaultBackoffPolicy()
	if cfg.BackoffBase > 0 {
		p.Base = cfg.BackoffBase
	}
	if cfg.BackoffMax > 0 {
		p.Max = cfg.BackoffMax
	}
	p.Jitter = cfg.BackoffJitter
	return p
}

// StartSession creates a session for the instruction and dispatches its
// runner. The returned session is the created record; progress is
// observed through GetStatus or Subscribe.
func (e *Engine) StartSession(ctx context.Context, instruction string, variables map[string]any) (*schemas.Session, error) {
	session, err := e.store.Create(ctx, instruction)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if len(variables) > 0 {
		session.Variables = variables
		if err := e.store.Save(ctx, session); err != nil {
			return nil, fmt.Errorf("failed to seed session variables: %w", err)
		}
	}
	if _, err := e.dispatch(session, nil); err != nil {
		return nil, err
	}
	return session, nil
}

// dispatch registers and starts a runner for the session. A queued
// decision, when given, sits in the runner's channel before its goroutine
// starts, so a re-dispatched session consumes the answer no matter how
// fast it parks. A second dispatch for the same id is rejected: one live
// executor per session.
func (e *Engine) dispatch(session *schemas.Session, queued *schemas.ApprovalDecision) (*runner, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("engine is shut down")
	}
	if _, exists := e.runners[session.ID]; exists {
		return nil, fmt.Errorf("session %s already has a runner: %w", session.ID, schemas.ErrConcurrencyViolation)
	}

	r := newRunner(e, session)
	if queued != nil {
		r.decisionCh <- *queued
	}
	e.runners[session.ID] = r
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.removeRunner(session.ID)
		r.run()
	}()
	return r, nil
}

func (e *Engine) removeRunner(id string) {
	e.mu.Lock()
	delete(e.runners, id)
	e.mu.Unlock()
}

func (e *Engine) runner(id string) *runner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runners[id]
}

// GetStatus returns the caller-facing summary of a session.
func (e *Engine) GetStatus(ctx context.Context, id string) (schemas.StatusSummary, error) {
	session, err := e.store.Get(ctx, id)
	if err != nil {
		return schemas.StatusSummary{}, err
	}
	return schemas.Summarize(session), nil
}

// GetSession returns the full session record.
func (e *Engine) GetSession(ctx context.Context, id string) (*schemas.Session, error) {
	return e.store.Get(ctx, id)
}

// ListSessions returns every session on record.
func (e *Engine) ListSessions(ctx context.Context) ([]*schemas.Session, error) {
	return e.store.List(ctx)
}

// ListPendingApprovals returns the sessions parked on an open approval.
func (e *Engine) ListPendingApprovals(ctx context.Context) ([]*schemas.Session, error) {
	return e.store.ListPendingApprovals(ctx)
}

// ResolveApproval delivers a human decision to the parked runner. A
// session without an open approval is left untouched and the call fails
// with ErrNoPendingApproval.
func (e *Engine) ResolveApproval(ctx context.Context, decision schemas.ApprovalDecision) error {
	if r := e.runner(decision.SessionID); r != nil {
		return r.deliver(decision)
	}

	// No live runner: either the id is unknown, or the session was parked
	// when the process died and has not been recovered yet.
	session, err := e.store.Get(ctx, decision.SessionID)
	if err != nil {
		return err
	}
	if session.OpenApproval() == nil || !workflow.Accepts(session.Stage, workflow.EventApprovalGranted) {
		return fmt.Errorf("session %s: %w", decision.SessionID, schemas.ErrNoPendingApproval)
	}
	_, err = e.dispatch(session, &decision)
	return err
}

// Abort requests a cooperative abort. Running sessions stop between
// attempts; parked sessions leave the approval wait. Terminal sessions
// fail with ErrSessionTerminal.
func (e *Engine) Abort(ctx context.Context, id string) error {
	session, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		return fmt.Errorf("session %s: %w", id, schemas.ErrSessionTerminal)
	}
	if r := e.runner(id); r != nil {
		r.abort()
		return nil
	}

	// Orphaned non-terminal session (no runner): finalize it directly.
	// Any open approval resolves with the abort, so the session stops
	// listing as pending.
	next, err := workflow.Next(session.Stage, workflow.EventAbort)
	if err != nil {
		return err
	}
	session.Stage = next
	session.Status = next.Status()
	if request := session.OpenApproval(); request != nil {
		resolveApproval(request, schemas.ResolutionDenied, "aborted by operator")
	}
	session.ErrorContext = recovery.BuildErrorContext(schemas.ErrKindNeedsHuman, "", "aborted by operator", 0)
	if err := e.store.Save(ctx, session); err != nil {
		return err
	}
	e.events.publish(schemas.SessionEvent{
		SessionID: id,
		Type:      schemas.EventSessionTerminal,
		Stage:     session.Stage,
		Status:    session.Status,
		StepIndex: session.StepIndex,
		Message:   string(session.Status),
		At:        time.Now().UTC(),
	})
	e.events.closeTopic(id)
	return nil
}

// Subscribe returns the event stream for a session. Streams end with a
// session_terminal event; subscribing to an already-terminal session
// yields an immediately closed channel.
func (e *Engine) Subscribe(id string) (<-chan schemas.SessionEvent, func()) {
	return e.events.subscribe(id)
}

// Recover re-dispatches every non-terminal session found in the store.
// Called once at process start, before the API begins accepting traffic.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	sessions, err := e.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions for recovery: %w", err)
	}

	recovered := 0
	for _, session := range sessions {
		if session.Status.IsTerminal() {
			continue
		}
		if e.runner(session.ID) != nil {
			continue
		}
		if _, err := e.dispatch(session, nil); err != nil {
			e.log.Warn("Failed to recover session",
				zap.String("session_id", session.ID),
				zap.Error(err))
			continue
		}
		e.log.Info("Recovered interrupted session",
			zap.String("session_id", session.ID),
			zap.String("stage", string(session.Stage)))
		recovered++
	}
	return recovered, nil
}

// Close halts all runners without aborting their sessions and waits for
// them to checkpoint and exit. Interrupted sessions resume via Recover on
// the next start.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.shutdownCancel()
	e.wg.Wait()
	e.events.closeAll()
	e.log.Info("Engine shut down")
}
