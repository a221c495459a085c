package schemas

import (
	"time"
)

// EventType labels entries on a session's update stream.
type EventType string

const (
	EventStageChanged      EventType = "stage_changed"
	EventActionAttempted   EventType = "action_attempted"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
	EventSessionTerminal   EventType = "session_terminal"
)

// SessionEvent is one entry on the per-session update stream. The stream is
// finite: it always ends with a session_terminal event, after which the
// engine closes the subscription.
type SessionEvent struct {
	SessionID string        `json:"session_id"`
	Type      EventType     `json:"type"`
	Stage     Stage         `json:"stage"`
	Status    SessionStatus `json:"status"`
	StepIndex int           `json:"step_index"`
	// Result is set on action_attempted events.
	Result *ActionResult `json:"result,omitempty"`
	// Approval is set on approval lifecycle events.
	Approval *ApprovalRequest `json:"approval,omitempty"`
	Message  string           `json:"message,omitempty"`
	At       time.Time        `json:"at"`
}

// StatusSummary is the caller-facing view returned by status queries.
type StatusSummary struct {
	SessionID          string        `json:"session_id"`
	Status             SessionStatus `json:"status"`
	Stage              Stage         `json:"stage"`
	StepIndex          int           `json:"step_index"`
	TotalActions       int           `json:"total_actions"`
	ProgressPercentage float64       `json:"progress_percentage"`
	Message            string        `json:"message,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Summarize builds the caller-facing view of a session. The message is the
// human-readable terminal explanation; full ErrorContext stays on the record
// for audit.
func Summarize(s *Session) StatusSummary {
	total := 0
	if s.Plan != nil {
		total = len(s.Plan.Actions)
	}
	msg := ""
	switch s.Status {
	case StatusCompleted:
		msg = "session completed"
	case StatusFailed:
		if s.ErrorContext != nil {
			msg = s.ErrorContext.Message
		} else {
			msg = "session failed"
		}
	case StatusAborted:
		if s.ErrorContext != nil {
			msg = s.ErrorContext.Message
		} else {
			msg = "session aborted"
		}
	case StatusRequiresApproval:
		if ap := s.OpenApproval(); ap != nil {
			msg = ap.Justification
		}
	}
	return StatusSummary{
		SessionID:          s.ID,
		Status:             s.Status,
		Stage:              s.Stage,
		StepIndex:          s.StepIndex,
		TotalActions:       total,
		ProgressPercentage: s.ProgressPercentage(),
		Message:            msg,
		UpdatedAt:          s.UpdatedAt,
	}
}
