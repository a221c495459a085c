package schemas

import (
	"time"
)

// ActionType enumerates the atomic browser operations a plan may contain.
// The capability provider maps each to a concrete interaction with the
// target portal.
type ActionType string

const (
	ActionNavigate       ActionType = "navigate"
	ActionClick          ActionType = "click"
	ActionFillForm       ActionType = "fill_form"
	ActionDownload       ActionType = "download"
	ActionWait           ActionType = "wait"
	ActionAuthenticate   ActionType = "authenticate"
	ActionScreenshot     ActionType = "screenshot"
	ActionExtractData    ActionType = "extract_data"
	ActionUploadFile     ActionType = "upload_file"
	ActionSelectDropdown ActionType = "select_dropdown"
	ActionScroll         ActionType = "scroll"
	ActionWaitForElement ActionType = "wait_for_element"
)

// KnownActionTypes lists every valid action type, used by plan validation.
var KnownActionTypes = []ActionType{
	ActionNavigate, ActionClick, ActionFillForm, ActionDownload,
	ActionWait, ActionAuthenticate, ActionScreenshot, ActionExtractData,
	ActionUploadFile, ActionSelectDropdown, ActionScroll, ActionWaitForElement,
}

// Mutates reports whether the action type changes state on the target
// (submits data, authenticates, uploads). Mutating actions force the plan
// into the high risk tier.
func (t ActionType) Mutates() bool {
	switch t {
	case ActionAuthenticate, ActionFillForm, ActionUploadFile, ActionSelectDropdown:
		return true
	}
	return false
}

const (
	// DefaultActionTimeout bounds a single execution attempt.
	DefaultActionTimeout = 30 * time.Second
	// DefaultRetryBudget is the number of retries after the first attempt.
	DefaultRetryBudget = 3
)

// Action is one atomic step descriptor. Never mutated after creation.
type Action struct {
	ID             string         `json:"id"`
	Type           ActionType     `json:"type"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	ExpectedResult string         `json:"expected_result,omitempty"`
	Timeout        time.Duration  `json:"timeout_seconds"`
	RetryBudget    int            `json:"retry_budget"`
}

// EffectiveTimeout returns the action timeout, falling back to the default.
func (a Action) EffectiveTimeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return DefaultActionTimeout
}

// EffectiveRetryBudget returns the retry budget, falling back to the default.
// A negative budget means "no retries", distinct from the zero value.
func (a Action) EffectiveRetryBudget() int {
	if a.RetryBudget > 0 {
		return a.RetryBudget
	}
	if a.RetryBudget < 0 {
		return 0
	}
	return DefaultRetryBudget
}

// StringParam reads a string parameter from the action, with an ok flag.
func (a Action) StringParam(key string) (string, bool) {
	v, ok := a.Parameters[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ExecutionPlan is the ordered action list produced by plan synthesis for a
// session. Immutable once validated; a re-plan creates a new plan with an
// incremented Version.
type ExecutionPlan struct {
	ID                string        `json:"id"`
	Version           int           `json:"version"`
	Description       string        `json:"description,omitempty"`
	Actions           []Action      `json:"actions"`
	Confidence        float64       `json:"confidence"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	RequiresApproval  bool          `json:"requires_approval"`
	CreatedAt         time.Time     `json:"created_at"`
}

// TotalActions returns the number of actions in the plan.
func (p *ExecutionPlan) TotalActions() int {
	return len(p.Actions)
}

// ActionByID looks up an action by id.
func (p *ExecutionPlan) ActionByID(id string) (Action, bool) {
	for _, a := range p.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// ActionTypes returns the set of distinct action types in plan order.
func (p *ExecutionPlan) ActionTypes() []ActionType {
	seen := make(map[ActionType]bool, len(p.Actions))
	var out []ActionType
	for _, a := range p.Actions {
		if !seen[a.Type] {
			seen[a.Type] = true
			out = append(out, a.Type)
		}
	}
	return out
}

// Clone returns a deep copy of the plan.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	out := *p
	out.Actions = make([]Action, len(p.Actions))
	copy(out.Actions, p.Actions)
	for i := range out.Actions {
		out.Actions[i].Parameters = cloneMap(p.Actions[i].Parameters)
	}
	return &out
}

// ActionResult records the outcome of a single execution attempt. Every
// attempt, including retries, produces its own result; history is
// append-only.
type ActionResult struct {
	ActionID     string         `json:"action_id"`
	Success      bool           `json:"success"`
	Duration     time.Duration  `json:"duration"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	// RetryCount is which attempt this was: 0 for the first try, 1 for the
	// first retry, and so on.
	RetryCount  int       `json:"retry_count"`
	CompletedAt time.Time `json:"completed_at"`
}
