package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nmoradei/portero-cli/api/schemas"
)

// RulePlanner produces plans from a keyword table instead of a model.
// Deterministic by construction, it backs `run --offline` and the test
// suite, and doubles as the fallback when no API key is configured.
type RulePlanner struct {
	log       *zap.Logger
	portalURL string
}

// NewRulePlanner creates a rule planner targeting the given portal URL.
func NewRulePlanner(portalURL string, logger *zap.Logger) *RulePlanner {
	if portalURL == "" {
		portalURL = "https://portal.example.gob"
	}
	return &RulePlanner{portalURL: portalURL, log: logger.Named("planner.rules")}
}

var _ schemas.Planner = (*RulePlanner)(nil)

// rule maps instruction keywords to a plan template.
type rule struct {
	keywords   []string
	confidence float64
	build      func(p *RulePlanner) []schemas.Action
}

var rules = []rule{
	{
		keywords:   []string{"download", "descargar", "get my", "obtain"},
		confidence: 0.9,
		build: func(p *RulePlanner) []schemas.Action {
			return []schemas.Action{
				navigate(p.portalURL),
				{Type: schemas.ActionWaitForElement, Parameters: map[string]any{"selector": "#content"}},
				{Type: schemas.ActionDownload, Parameters: map[string]any{"selector": "a.document-link"},
					ExpectedResult: "document saved to download directory"},
			}
		},
	},
	{
		keywords:   []string{"renew", "renovar", "submit", "apply", "register"},
		confidence: 0.8,
		build: func(p *RulePlanner) []schemas.Action {
			return []schemas.Action{
				navigate(p.portalURL),
				{Type: schemas.ActionAuthenticate, Parameters: map[string]any{},
					ExpectedResult: "authenticated session established"},
				{Type: schemas.ActionFillForm, Parameters: map[string]any{"fields": map[string]any{}},
					ExpectedResult: "form accepted"},
				{Type: schemas.ActionScreenshot, Parameters: map[string]any{},
					ExpectedResult: "confirmation captured"},
			}
		},
	},
	{
		keywords:   []string{"check", "status", "consultar", "look up"},
		confidence: 0.85,
		build: func(p *RulePlanner) []schemas.Action {
			return []schemas.Action{
				navigate(p.portalURL),
				{Type: schemas.ActionExtractData, Parameters: map[string]any{"selector": ".status-panel"},
					ExpectedResult: "status text extracted"},
			}
		},
	},
}

func navigate(url string) schemas.Action {
	return schemas.Action{
		Type:           schemas.ActionNavigate,
		Parameters:     map[string]any{"url": url},
		ExpectedResult: "portal landing page loaded",
	}
}

// Plan matches the instruction against the rule table. Unmatched
// instructions fail with a ValidationError: guessing a plan for an
// instruction we cannot read would defeat the point of supervision.
func (p *RulePlanner) Plan(ctx context.Context, instruction string, variables map[string]any) (*schemas.ExecutionPlan, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, schemas.NewValidationError("instruction is empty")
	}

	lower := strings.ToLower(instruction)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				plan := assemble(r.build(p), instruction, r.confidence)
				p.log.Debug("Rule plan synthesized",
					zap.String("keyword", kw),
					zap.Int("actions", len(plan.Actions)),
					zap.Float64("confidence", plan.Confidence))
				return plan, nil
			}
		}
	}

	return nil, schemas.NewValidationError(
		fmt.Sprintf("no rule matches instruction %q", instruction))
}

// assemble stamps ids and defaults onto template actions.
func assemble(actions []schemas.Action, description string, confidence float64) *schemas.ExecutionPlan {
	for i := range actions {
		actions[i].ID = fmt.Sprintf("act-%d", i+1)
		if actions[i].Timeout == 0 {
			actions[i].Timeout = schemas.DefaultActionTimeout
		}
	}
	return &schemas.ExecutionPlan{
		ID:                uuid.New().String(),
		Version:           1,
		Description:       description,
		Actions:           actions,
		Confidence:        confidence,
		EstimatedDuration: time.Duration(len(actions)) * schemas.DefaultActionTimeout,
		CreatedAt:         time.Now().UTC(),
	}
}
