// Package planner turns natural-language instructions into validated
// execution plans, either through a Gemini model or a deterministic
// keyword rule table.
package planner

import (
	"context"

	"go.uber.org/zap"

	"github.com/nmoradei/portero-cli/api/schemas"
	"github.com/nmoradei/portero-cli/internal/config"
)

// New selects a planner from config. An unset provider, or a gemini
// provider without an API key, falls back to the rule planner so the
// binary stays usable offline.
func New(ctx context.Context, cfg config.PlannerConfig, logger *zap.Logger) (schemas.Planner, error) {
	switch cfg.Provider {
	case "gemini":
		if cfg.APIKey == "" {
			logger.Warn("Planner provider is gemini but no API key is set, using rule planner")
			return NewRulePlanner(cfg.PortalURL, logger), nil
		}
		return NewGeminiPlanner(ctx, cfg, logger)
	default:
		return NewRulePlanner(cfg.PortalURL, logger), nil
	}
}
