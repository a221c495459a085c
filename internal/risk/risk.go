// Package risk maps a plan's confidence and action mix to a risk tier.
// Assessment is a pure function: identical inputs always yield the same
// tier, which is what makes approval gating auditable.
package risk

import (
	"fmt"

	"github.com/nmoradei/portero-cli/api/schemas"
)

// Thresholds holds the confidence cutoffs for tiering.
type Thresholds struct {
	// Low is the confidence below which a plan is always high risk.
	Low float64
	// Borderline is the confidence below which a plan is at least medium.
	Borderline float64
}

// DefaultThresholds returns the stock cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 0.7, Borderline: 0.85}
}

// Assessor tiers plans and decides which tiers gate on approval.
type Assessor struct {
	thresholds Thresholds
	// gateAt is the minimum tier that requires approval.
	gateAt schemas.RiskTier
}

// New creates an Assessor. gateAt below medium effectively gates everything;
// gating defaults to medium and above.
func New(thresholds Thresholds, gateAt schemas.RiskTier) *Assessor {
	return &Assessor{thresholds: thresholds, gateAt: gateAt}
}

// NewDefault returns an Assessor with stock thresholds gating medium+high.
func NewDefault() *Assessor {
	return New(DefaultThresholds(), schemas.RiskMedium)
}

// Assess tiers a plan:
//   - high when the plan authenticates, submits, or mutates the target, or
//     confidence is below the low threshold;
//   - medium for borderline confidence or read/download-only plans;
//   - low otherwise.
//
// Download-only plans still touch the target, hence medium rather than low.
func (a *Assessor) Assess(confidence float64, types []schemas.ActionType) schemas.RiskTier {
	for _, t := range types {
		if t.Mutates() {
			return schemas.RiskHigh
		}
	}
	if confidence < a.thresholds.Low {
		return schemas.RiskHigh
	}
	if confidence < a.thresholds.Borderline {
		return schemas.RiskMedium
	}
	for _, t := range types {
		if t == schemas.ActionDownload {
			return schemas.RiskMedium
		}
	}
	return schemas.RiskLow
}

// AssessPlan tiers an execution plan.
func (a *Assessor) AssessPlan(plan *schemas.ExecutionPlan) schemas.RiskTier {
	return a.Assess(plan.Confidence, plan.ActionTypes())
}

// RequiresApproval reports whether the tier gates on a human decision.
func (a *Assessor) RequiresApproval(tier schemas.RiskTier) bool {
	return tier.AtLeast(a.gateAt)
}

// Justify produces the human-readable justification attached to a plan
// approval request.
func (a *Assessor) Justify(plan *schemas.ExecutionPlan, tier schemas.RiskTier) string {
	mutating := 0
	for _, act := range plan.Actions {
		if act.Type.Mutates() {
			mutating++
		}
	}
	return fmt.Sprintf(
		"plan tiered %s: %d actions (%d mutating), confidence %.2f",
		tier, len(plan.Actions), mutating, plan.Confidence,
	)
}
