// Package workflow holds the session state machine: an explicit transition
// table over stages and events. Transitions are pure; all I/O lives in the
// engine, which feeds outcomes back in as events.
package workflow

import (
	"fmt"

	"github.com/nmoradei/portero-cli/api/schemas"
)

// Event is an outcome fed into the state machine by the engine.
type Event string

const (
	EventPlanRequested    Event = "plan_requested"
	EventPlanReady        Event = "plan_ready"
	EventPlanRejected     Event = "plan_rejected"
	EventPlanningFailed   Event = "planning_failed"
	EventApprovalRequired Event = "approval_required"
	EventApprovalGranted  Event = "approval_granted"
	EventApprovalDenied   Event = "approval_denied"
	EventApprovalTimeout  Event = "approval_timeout"
	EventExecute          Event = "execute"
	EventStepCompleted    Event = "step_completed"
	EventRetry            Event = "retry"
	EventEscalate         Event = "escalate"
	EventStepsExhausted   Event = "steps_exhausted"
	EventResultsValid     Event = "results_valid"
	EventResultsInvalid   Event = "results_invalid"
	EventFailure          Event = "failure"
	EventAbort            Event = "abort"
)

// table is the full transition map. Absence means the event is invalid in
// that stage. Terminal stages have no entries at all.
var table = map[schemas.Stage]map[Event]schemas.Stage{
	schemas.StageCreated: {
		EventPlanRequested: schemas.StagePlanning,
		EventAbort:         schemas.StageAborted,
	},
	schemas.StagePlanning: {
		EventPlanReady:      schemas.StagePlanValidated,
		EventPlanRejected:   schemas.StageFailed,
		EventPlanningFailed: schemas.StageFailed,
		EventAbort:          schemas.StageAborted,
	},
	schemas.StagePlanValidated: {
		EventApprovalRequired: schemas.StageApprovalPending,
		EventExecute:          schemas.StageExecuting,
		EventAbort:            schemas.StageAborted,
	},
	schemas.StageApprovalPending: {
		EventApprovalGranted: schemas.StageExecuting,
		EventApprovalDenied:  schemas.StageAborted,
		EventApprovalTimeout: schemas.StageAborted,
		// Re-planning after a denial, when the denial policy allows it.
		EventPlanRequested: schemas.StagePlanning,
		EventAbort:         schemas.StageAborted,
	},
	schemas.StageExecuting: {
		EventStepCompleted:  schemas.StageExecuting,
		EventRetry:          schemas.StageExecuting,
		EventEscalate:       schemas.StageApprovalPending,
		EventStepsExhausted: schemas.StageResultValidation,
		EventFailure:        schemas.StageFailed,
		EventAbort:          schemas.StageAborted,
	},
	schemas.StageResultValidation: {
		EventResultsValid:   schemas.StageCompleted,
		EventResultsInvalid: schemas.StageFailed,
		EventAbort:          schemas.StageAborted,
	},
}

// Next applies an event to a stage and returns the resulting stage. Any
// event applied to a terminal stage, or an event a stage does not accept,
// fails with schemas.ErrInvalidTransition.
func Next(stage schemas.Stage, event Event) (schemas.Stage, error) {
	transitions, ok := table[stage]
	if !ok {
		return stage, fmt.Errorf("stage %q accepts no events: %w", stage, schemas.ErrInvalidTransition)
	}
	next, ok := transitions[event]
	if !ok {
		return stage, fmt.Errorf("event %q not valid in stage %q: %w", event, stage, schemas.ErrInvalidTransition)
	}
	return next, nil
}

// Accepts reports whether the stage accepts the event.
func Accepts(stage schemas.Stage, event Event) bool {
	_, err := Next(stage, event)
	return err == nil
}

// Stages returns every stage that appears in the table, terminal stages
// included. Used by exhaustiveness tests.
func Stages() []schemas.Stage {
	return []schemas.Stage{
		schemas.StageCreated,
		schemas.StagePlanning,
		schemas.StagePlanValidated,
		schemas.StageApprovalPending,
		schemas.StageExecuting,
		schemas.StageResultValidation,
		schemas.StageCompleted,
		schemas.StageFailed,
		schemas.StageAborted,
	}
}

// Events returns every event the machine understands.
func Events() []Event {
	return []Event{
		EventPlanRequested, EventPlanReady, EventPlanRejected,
		EventPlanningFailed, EventApprovalRequired, EventApprovalGranted,
		EventApprovalDenied, EventApprovalTimeout, EventExecute,
		EventStepCompleted, EventRetry, EventEscalate, EventStepsExhausted,
		EventResultsValid, EventResultsInvalid, EventFailure, EventAbort,
	}
}
