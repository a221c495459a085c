// Package service assembles the application from config: store, planner,
// capability provider, engine. The commands build a Components and run
// against it, which keeps their own logic thin and testable.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nmoradei/portero-cli/api/schemas"
	"github.com/nmoradei/portero-cli/internal/capability"
	"github.com/nmoradei/portero-cli/internal/config"
	"github.com/nmoradei/portero-cli/internal/engine"
	"github.com/nmoradei/portero-cli/internal/planner"
	"github.com/nmoradei/portero-cli/internal/store"
)

// Options tweak assembly for specific commands.
type Options struct {
	// Offline forces the rule planner regardless of configured provider.
	Offline bool
	// DryRun swaps the browser for the scripted provider: plans are
	// produced and gated, but nothing touches a real portal.
	DryRun bool
}

// Components holds the assembled application.
type Components struct {
	Store    schemas.SessionStore
	Planner  schemas.Planner
	Provider schemas.CapabilityProvider
	Engine   *engine.Engine

	log     *zap.Logger
	browser *capability.BrowserProvider
}

// Build assembles components from config.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*Components, error) {
	// Apply command overrides before validation so --offline does not
	// demand an API key it will never use.
	effective := *cfg
	if opts.Offline {
		effective.Planner.Provider = "rules"
	}
	if err := effective.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Components{log: logger.Named("service")}

	st, err := store.New(ctx, effective.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build session store: %w", err)
	}
	c.Store = st

	p, err := planner.New(ctx, effective.Planner, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build planner: %w", err)
	}
	c.Planner = p

	if opts.DryRun {
		c.Provider = capability.NewScriptedProvider()
	} else {
		c.browser = capability.NewBrowserProvider(ctx, effective.Browser, logger)
		c.Provider = c.browser
	}

	c.Engine = engine.New(effective.Engine, effective.Approval, c.Store, c.Planner, c.Provider, logger)
	return c, nil
}

// Recover re-dispatches interrupted sessions. Called once before serving
// traffic or running a new instruction.
func (c *Components) Recover(ctx context.Context) (int, error) {
	return c.Engine.Recover(ctx)
}

// Shutdown releases everything in dependency order: the engine first so
// runners checkpoint and let go of their capabilities, then the browser.
func (c *Components) Shutdown() {
	if c.Engine != nil {
		c.Engine.Close()
	}
	if c.browser != nil {
		c.browser.Close()
	}
	c.log.Debug("Components shut down")
}
