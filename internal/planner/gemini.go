package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/nmoradei/portero-cli/api/schemas"
	"github.com/nmoradei/portero-cli/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const planSystemPrompt = `You convert one natural-language instruction about a government web portal into a JSON execution plan.
Respond with a single JSON object:
{
  "description": "<one line summary>",
  "confidence": <0.0-1.0 how sure you are this plan fulfils the instruction>,
  "actions": [
    {
      "type": "<navigate|click|fill_form|download|wait|authenticate|screenshot|extract_data|upload_file|select_dropdown|scroll|wait_for_element>",
      "parameters": { ... },
      "expected_result": "<what success looks like>",
      "timeout_seconds": 30,
      "retry_budget": 3
    }
  ]
}
Parameter requirements: navigate needs "url"; click, extract_data and wait_for_element need "selector"; fill_form needs "fields" (object of selector to value); select_dropdown needs "selector" and "value"; upload_file needs "selector" and "path".
Never invent credentials; an authenticate action takes no secret parameters, they are injected at execution time.
Keep plans minimal and strictly ordered.`

// planWire is the JSON shape the model answers with.
type planWire struct {
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	Actions     []struct {
		Type           string         `json:"type"`
		Parameters     map[string]any `json:"parameters"`
		ExpectedResult string         `json:"expected_result"`
		TimeoutSeconds int            `json:"timeout_seconds"`
		RetryBudget    int            `json:"retry_budget"`
	} `json:"actions"`
}

// generator abstracts the genai call so tests can fake the model.
type generator interface {
	generate(ctx context.Context, prompt string) (string, error)
}

// GeminiPlanner synthesizes plans with a Gemini model.
type GeminiPlanner struct {
	cfg config.PlannerConfig
	gen generator
	log *zap.Logger
}

// NewGeminiPlanner builds the production planner using the genai SDK.
func NewGeminiPlanner(ctx context.Context, cfg config.PlannerConfig, logger *zap.Logger) (*GeminiPlanner, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiPlanner{
		cfg: cfg,
		gen: &genaiGenerator{client: client, cfg: cfg},
		log: logger.Named("planner.gemini"),
	}, nil
}

// newGeminiPlannerWithGenerator is the test seam.
func newGeminiPlannerWithGenerator(cfg config.PlannerConfig, gen generator, logger *zap.Logger) *GeminiPlanner {
	return &GeminiPlanner{cfg: cfg, gen: gen, log: logger.Named("planner.gemini")}
}

var _ schemas.Planner = (*GeminiPlanner)(nil)

// Plan asks the model for a plan, parses it, stamps ids and defaults, and
// validates before returning. Re-plans pass the previous denial feedback
// in variables["approval_feedback"], which is folded into the prompt.
func (g *GeminiPlanner) Plan(ctx context.Context, instruction string, variables map[string]any) (*schemas.ExecutionPlan, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, schemas.NewValidationError("instruction is empty")
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	prompt := "Instruction: " + instruction
	if fb, ok := variables["approval_feedback"].(string); ok && fb != "" {
		prompt += "\nA previous plan for this instruction was denied by the operator with this feedback, produce a revised plan that addresses it: " + fb
	}

	start := time.Now()
	raw, err := g.gen.generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("plan synthesis failed: %w", err)
	}
	g.log.Debug("Planner response received",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("bytes", len(raw)))

	plan, err := g.parse(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidatePlan(plan, g.cfg.MaxActions); err != nil {
		return nil, fmt.Errorf("synthesized plan rejected: %w", err)
	}
	plan.Description = firstNonEmpty(plan.Description, instruction)
	return plan, nil
}

func (g *GeminiPlanner) parse(raw string) (*schemas.ExecutionPlan, error) {
	// Models occasionally wrap JSON in a code fence despite the mime type.
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var wire planWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, schemas.NewValidationError(fmt.Sprintf("model returned unparseable plan: %v", err))
	}

	plan := &schemas.ExecutionPlan{
		ID:          uuid.New().String(),
		Version:     1,
		Description: wire.Description,
		Confidence:  wire.Confidence,
		CreatedAt:   time.Now().UTC(),
	}
	for i, wa := range wire.Actions {
		action := schemas.Action{
			ID:             fmt.Sprintf("act-%d", i+1),
			Type:           schemas.ActionType(wa.Type),
			Parameters:     wa.Parameters,
			ExpectedResult: wa.ExpectedResult,
			Timeout:        time.Duration(wa.TimeoutSeconds) * time.Second,
			RetryBudget:    wa.RetryBudget,
		}
		if action.Timeout == 0 {
			action.Timeout = schemas.DefaultActionTimeout
		}
		plan.Actions = append(plan.Actions, action)
		plan.EstimatedDuration += action.Timeout
	}
	return plan, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// genaiGenerator is the production generator over the genai SDK.
type genaiGenerator struct {
	client *genai.Client
	cfg    config.PlannerConfig
}

func (g *genaiGenerator) generate(ctx context.Context, prompt string) (string, error) {
	temp := float32(g.cfg.Temperature)
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, genai.Text(prompt),
		&genai.GenerateContentConfig{
			Temperature:       &temp,
			ResponseMIMEType:  "application/json",
			SystemInstruction: genai.NewContentFromText(planSystemPrompt, genai.RoleUser),
		})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
