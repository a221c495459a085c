// Package capability provides the execution backends a session runs
// its plan against. The production backend drives a Chrome instance
// through chromedp; the scripted backend replays canned outcomes for
// tests and dry runs.
package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/nmoradei/portero-cli/api/schemas"
	"github.com/nmoradei/portero-cli/internal/config"
)

// BrowserProvider hands out one isolated browser tab per session, all
// sharing a single Chrome process behind an exec allocator.
type BrowserProvider struct {
	cfg         config.BrowserConfig
	log         *zap.Logger
	allocCtx    context.Context
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

// NewBrowserProvider builds the allocator context. Chrome itself starts
// lazily on the first Acquire.
func NewBrowserProvider(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *BrowserProvider {
	opts := execAllocatorOptions(cfg)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	return &BrowserProvider{
		cfg:         cfg,
		log:         logger.Named("capability.browser"),
		allocCtx:    allocCtx,
		allocCancel: cancel,
	}
}

var _ schemas.CapabilityProvider = (*BrowserProvider)(nil)

// execAllocatorOptions translates browser config into chromedp options.
func execAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	for _, arg := range cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts
}

// Acquire opens a fresh tab for the session and returns the capability
// bound to it. The caller owns the returned capability and must Release
// it exactly once.
func (p *BrowserProvider) Acquire(ctx context.Context, sessionID string) (schemas.Capability, error) {
	if err := p.allocCtx.Err(); err != nil {
		return nil, fmt.Errorf("browser allocator is closed: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(p.allocCtx)
	// Starts the browser (or a new tab in the running one).
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to start browser tab for session %s: %w", sessionID, err)
	}

	p.log.Debug("Browser tab acquired", zap.String("session_id", sessionID))
	return &browserCapability{
		sessionID: sessionID,
		cfg:       p.cfg,
		log:       p.log.With(zap.String("session_id", sessionID)),
		ctx:       tabCtx,
		cancel:    tabCancel,
	}, nil
}

// Close tears down the shared Chrome process. In-flight capabilities
// fail their next Execute.
func (p *BrowserProvider) Close() {
	p.closeOnce.Do(func() {
		p.allocCancel()
		p.log.Debug("Browser allocator closed")
	})
}
