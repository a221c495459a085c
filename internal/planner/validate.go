package planner

import (
	"fmt"
	"time"

	"github.com/nmoradei/portero-cli/api/schemas"
)

// maxActionTimeout bounds what a plan may ask for per action.
const maxActionTimeout = 5 * time.Minute

// requiredParams lists the parameters each action type must carry to be
// executable at all. Validation rejects a plan before execution rather
// than letting step N discover a hole at runtime.
var requiredParams = map[schemas.ActionType][]string{
	schemas.ActionNavigate:       {"url"},
	schemas.ActionClick:          {"selector"},
	schemas.ActionFillForm:       {"fields"},
	schemas.ActionDownload:       {},
	schemas.ActionAuthenticate:   {},
	schemas.ActionExtractData:    {"selector"},
	schemas.ActionUploadFile:     {"selector", "path"},
	schemas.ActionSelectDropdown: {"selector", "value"},
	schemas.ActionWaitForElement: {"selector"},
}

// ValidatePlan checks structural soundness of a synthesized plan. It
// returns a *schemas.ValidationError listing every problem found, or nil.
func ValidatePlan(plan *schemas.ExecutionPlan, maxActions int) error {
	var problems []string

	if len(plan.Actions) == 0 {
		problems = append(problems, "plan contains no actions")
	}
	if maxActions > 0 && len(plan.Actions) > maxActions {
		problems = append(problems, fmt.Sprintf("plan has %d actions, limit is %d", len(plan.Actions), maxActions))
	}
	if plan.Confidence < 0 || plan.Confidence > 1 {
		problems = append(problems, fmt.Sprintf("confidence %.2f outside [0,1]", plan.Confidence))
	}

	seen := make(map[string]bool, len(plan.Actions))
	for i, a := range plan.Actions {
		prefix := fmt.Sprintf("action %d (%s)", i, a.ID)

		if a.ID == "" {
			problems = append(problems, fmt.Sprintf("action %d has no id", i))
		} else if seen[a.ID] {
			problems = append(problems, prefix+": duplicate id")
		}
		seen[a.ID] = true

		if !knownType(a.Type) {
			problems = append(problems, fmt.Sprintf("%s: unknown type %q", prefix, a.Type))
			continue
		}
		for _, p := range requiredParams[a.Type] {
			if _, ok := a.Parameters[p]; !ok {
				problems = append(problems, fmt.Sprintf("%s: missing parameter %q", prefix, p))
			}
		}
		if a.Timeout < 0 || a.Timeout > maxActionTimeout {
			problems = append(problems, fmt.Sprintf("%s: timeout %s outside (0, %s]", prefix, a.Timeout, maxActionTimeout))
		}
		if a.RetryBudget > 10 {
			problems = append(problems, fmt.Sprintf("%s: retry budget %d is excessive", prefix, a.RetryBudget))
		}
	}

	if len(problems) > 0 {
		return schemas.NewValidationError(problems...)
	}
	return nil
}

func knownType(t schemas.ActionType) bool {
	for _, k := range schemas.KnownActionTypes {
		if k == t {
			return true
		}
	}
	return false
}
