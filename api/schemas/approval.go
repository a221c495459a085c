package schemas

import (
	"time"
)

// RiskTier classifies how dangerous a plan (or a failure escalation) is,
// and drives whether a human must approve before execution proceeds.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// AtLeast reports whether the tier is >= the given tier in severity order
// low < medium < high.
func (t RiskTier) AtLeast(min RiskTier) bool {
	return t.rank() >= min.rank()
}

func (t RiskTier) rank() int {
	switch t {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return 0
}

// ApprovalResolution is the outcome of an approval request.
type ApprovalResolution string

const (
	ResolutionPending  ApprovalResolution = "pending"
	ResolutionApproved ApprovalResolution = "approved"
	ResolutionDenied   ApprovalResolution = "denied"
	ResolutionTimeout  ApprovalResolution = "timeout"
)

// ApprovalKind distinguishes why the human was asked.
type ApprovalKind string

const (
	// ApprovalKindPlan gates a risky plan before execution starts.
	ApprovalKindPlan ApprovalKind = "plan"
	// ApprovalKindEscalation asks for disposition after a step exhausted
	// its retry budget.
	ApprovalKindEscalation ApprovalKind = "escalation"
)

// ApprovalRequest is the record of a suspension awaiting a human decision.
// At most one open request exists per session.
type ApprovalRequest struct {
	ID            string             `json:"id"`
	SessionID     string             `json:"session_id"`
	Kind          ApprovalKind       `json:"kind"`
	Tier          RiskTier           `json:"tier"`
	Justification string             `json:"justification"`
	RequestedAt   time.Time          `json:"requested_at"`
	Deadline      *time.Time         `json:"deadline,omitempty"`
	Resolution    ApprovalResolution `json:"resolution"`
	Feedback      string             `json:"feedback,omitempty"`
	ResolvedAt    *time.Time         `json:"resolved_at,omitempty"`
}

// ApprovalDecision is the inbound resolution of an approval request, fed to
// the engine by a human through the CLI or the HTTP API.
type ApprovalDecision struct {
	SessionID string `json:"session_id"`
	Approved  bool   `json:"approved"`
	Feedback  string `json:"feedback,omitempty"`
	// Conditions optionally refines an approval of an escalation:
	// "retry" (default) retries the failing step, "skip" advances past it.
	Conditions []string `json:"conditions,omitempty"`
}

// HasCondition reports whether the decision carries the named condition.
func (d ApprovalDecision) HasCondition(name string) bool {
	for _, c := range d.Conditions {
		if c == name {
			return true
		}
	}
	return false
}
