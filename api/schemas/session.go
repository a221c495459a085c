package schemas

import (
	"time"
)

// SessionStatus is the externally visible lifecycle status of a session.
type SessionStatus string

const (
	StatusPending          SessionStatus = "pending"
	StatusRunning          SessionStatus = "running"
	StatusRequiresApproval SessionStatus = "requires_approval"
	StatusCompleted        SessionStatus = "completed"
	StatusFailed           SessionStatus = "failed"
	StatusAborted          SessionStatus = "aborted"
)

// IsTerminal reports whether the status is final. Terminal statuses are
// entered exactly once and never left.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Stage identifies where a session sits inside the workflow state machine.
// It is finer grained than SessionStatus: the status is what callers poll,
// the stage is what the engine transitions on.
type Stage string

const (
	StageCreated          Stage = "created"
	StagePlanning         Stage = "planning"
	StagePlanValidated    Stage = "plan_validated"
	StageApprovalPending  Stage = "approval_pending"
	StageExecuting        Stage = "executing"
	StageResultValidation Stage = "result_validation"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
	StageAborted          Stage = "aborted"
)

// IsTerminal reports whether the stage is final.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageAborted:
		return true
	}
	return false
}

// Status maps a stage to the coarse status callers see.
func (s Stage) Status() SessionStatus {
	switch s {
	case StageCreated:
		return StatusPending
	case StageApprovalPending:
		return StatusRequiresApproval
	case StageCompleted:
		return StatusCompleted
	case StageFailed:
		return StatusFailed
	case StageAborted:
		return StatusAborted
	default:
		return StatusRunning
	}
}

// Session is the durable per-session record. It is exclusively owned by the
// session engine; everything else sees copies. The full struct round-trips
// through the session store, preserving history order, and is the unit of
// crash recovery.
type Session struct {
	ID          string         `json:"id"`
	Instruction string         `json:"instruction"`
	Status      SessionStatus  `json:"status"`
	Stage       Stage          `json:"stage"`
	StepIndex   int            `json:"step_index"`
	Plan        *ExecutionPlan `json:"plan,omitempty"`

	// History is append-only: one entry per execution attempt, in execution
	// order, including failed attempts.
	History []ActionResult `json:"history"`

	// Variables carries data extracted by earlier steps for use by later
	// ones (e.g. a folio number read from a confirmation page).
	Variables map[string]any `json:"variables,omitempty"`

	ErrorContext *ErrorContext    `json:"error_context,omitempty"`
	Approval     *ApprovalRequest `json:"approval,omitempty"`

	// Revision is the optimistic-concurrency token. Stores reject a save
	// whose revision does not match the stored record.
	Revision int64 `json:"revision"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OpenApproval returns the session's approval request if one is pending.
func (s *Session) OpenApproval() *ApprovalRequest {
	if s.Approval != nil && s.Approval.Resolution == ResolutionPending {
		return s.Approval
	}
	return nil
}

// ResultsFor returns all recorded attempts for a single action, in order.
func (s *Session) ResultsFor(actionID string) []ActionResult {
	var out []ActionResult
	for _, r := range s.History {
		if r.ActionID == actionID {
			out = append(out, r)
		}
	}
	return out
}

// ProgressPercentage derives coarse progress from the stage and, while
// executing, the step index. Pre-plan stages report fixed milestones.
func (s *Session) ProgressPercentage() float64 {
	switch s.Stage {
	case StageCreated:
		return 0
	case StagePlanning:
		return 5
	case StagePlanValidated, StageApprovalPending:
		return 10
	case StageCompleted, StageFailed, StageAborted:
		return 100
	}
	if s.Plan == nil || len(s.Plan.Actions) == 0 {
		return 10
	}
	frac := float64(s.StepIndex) / float64(len(s.Plan.Actions))
	return 10 + frac*85
}

// Clone returns a deep copy. Stores hand out clones so no caller can reach
// into the engine-owned record.
func (s *Session) Clone() *Session {
	out := *s
	if s.Plan != nil {
		out.Plan = s.Plan.Clone()
	}
	if s.History != nil {
		out.History = make([]ActionResult, len(s.History))
		copy(out.History, s.History)
		for i := range out.History {
			out.History[i].Data = cloneMap(s.History[i].Data)
		}
	}
	out.Variables = cloneMap(s.Variables)
	if s.ErrorContext != nil {
		ec := *s.ErrorContext
		out.ErrorContext = &ec
	}
	if s.Approval != nil {
		ap := *s.Approval
		out.Approval = &ap
	}
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
