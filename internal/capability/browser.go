package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/nmoradei/portero-cli/api/schemas"
	"github.com/nmoradei/portero-cli/internal/config"
)

// browserCapability executes actions against one browser tab.
type browserCapability struct {
	sessionID   string
	cfg         config.BrowserConfig
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	releaseOnce sync.Once
}

var _ schemas.Capability = (*browserCapability)(nil)

// Execute runs a single action. The caller bounds the call with the
// action's timeout; this layer only translates action types into
// chromedp tasks.
func (b *browserCapability) Execute(ctx context.Context, action schemas.Action, variables map[string]any) (schemas.ActionResult, error) {
	start := time.Now()
	result := schemas.ActionResult{ActionID: action.ID}

	data, err := b.dispatch(ctx, action, variables)

	result.Duration = time.Since(start)
	result.CompletedAt = time.Now().UTC()
	result.Data = data
	if err != nil {
		result.ErrorMessage = err.Error()
		b.log.Debug("Action failed",
			zap.String("action_id", action.ID),
			zap.String("type", string(action.Type)),
			zap.Error(err))
		return result, err
	}
	result.Success = true
	return result, nil
}

func (b *browserCapability) dispatch(ctx context.Context, action schemas.Action, variables map[string]any) (map[string]any, error) {
	switch action.Type {
	case schemas.ActionNavigate:
		return b.navigate(ctx, action, variables)
	case schemas.ActionClick:
		return nil, b.run(ctx, clickTasks(param(action, variables, "selector")))
	case schemas.ActionFillForm:
		return nil, b.fillForm(ctx, action, variables)
	case schemas.ActionDownload:
		return b.download(ctx, action, variables)
	case schemas.ActionWait:
		return nil, b.run(ctx, chromedp.Sleep(waitDuration(action)))
	case schemas.ActionAuthenticate:
		return nil, b.authenticate(ctx, action, variables)
	case schemas.ActionScreenshot:
		return b.screenshot(ctx, action)
	case schemas.ActionExtractData:
		return b.extractData(ctx, action, variables)
	case schemas.ActionUploadFile:
		return nil, b.uploadFile(ctx, action, variables)
	case schemas.ActionSelectDropdown:
		sel := param(action, variables, "selector")
		val := param(action, variables, "value")
		return nil, b.run(ctx,
			chromedp.WaitVisible(sel, chromedp.ByQuery),
			chromedp.SetValue(sel, val, chromedp.ByQuery))
	case schemas.ActionScroll:
		return nil, b.run(ctx, chromedp.Evaluate("window.scrollBy(0, window.innerHeight)", nil))
	case schemas.ActionWaitForElement:
		return nil, b.run(ctx, chromedp.WaitVisible(param(action, variables, "selector"), chromedp.ByQuery))
	default:
		return nil, schemas.NewPermanentError(action.ID,
			fmt.Errorf("unsupported action type %q", action.Type))
	}
}

func (b *browserCapability) navigate(ctx context.Context, action schemas.Action, variables map[string]any) (map[string]any, error) {
	url := param(action, variables, "url")
	err := b.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery))
	if err != nil {
		return nil, err
	}
	var current string
	if err := b.run(ctx, chromedp.Location(&current)); err != nil {
		return nil, err
	}
	return map[string]any{"url": current}, nil
}

func (b *browserCapability) fillForm(ctx context.Context, action schemas.Action, variables map[string]any) error {
	fields, ok := action.Parameters["fields"].(map[string]any)
	if !ok {
		return schemas.NewPermanentError(action.ID, fmt.Errorf("fill_form fields parameter is not an object"))
	}
	var tasks chromedp.Tasks
	for selector, value := range fields {
		text := resolve(fmt.Sprintf("%v", value), variables)
		tasks = append(tasks,
			chromedp.WaitVisible(selector, chromedp.ByQuery),
			chromedp.SendKeys(selector, text, chromedp.ByQuery))
	}
	if submit, ok := action.StringParam("submit_selector"); ok {
		tasks = append(tasks, chromedp.Click(submit, chromedp.ByQuery))
	}
	return b.run(ctx, tasks)
}

func (b *browserCapability) download(ctx context.Context, action schemas.Action, variables map[string]any) (map[string]any, error) {
	dir := b.cfg.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}

	tasks := chromedp.Tasks{
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(dir),
	}
	if sel, ok := action.StringParam("selector"); ok {
		tasks = append(tasks, clickTasks(resolve(sel, variables)))
	}
	if err := b.run(ctx, tasks); err != nil {
		return nil, err
	}
	// Give the browser a beat to flush the file to disk.
	if err := b.run(ctx, chromedp.Sleep(2*time.Second)); err != nil {
		return nil, err
	}
	return map[string]any{"download_dir": dir}, nil
}

// authenticate fills the login form with credentials taken from session
// variables, never from the plan itself.
func (b *browserCapability) authenticate(ctx context.Context, action schemas.Action, variables map[string]any) error {
	username, _ := variables["username"].(string)
	password, _ := variables["password"].(string)
	if username == "" || password == "" {
		return schemas.NewPermanentError(action.ID,
			fmt.Errorf("authenticate requires username and password session variables"))
	}

	userSel := paramOr(action, "username_selector", `input[name="username"]`)
	passSel := paramOr(action, "password_selector", `input[name="password"]`)
	submitSel := paramOr(action, "submit_selector", `button[type="submit"]`)

	return b.run(ctx,
		chromedp.WaitVisible(userSel, chromedp.ByQuery),
		chromedp.SendKeys(userSel, username, chromedp.ByQuery),
		chromedp.SendKeys(passSel, password, chromedp.ByQuery),
		chromedp.Click(submitSel, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery))
}

func (b *browserCapability) screenshot(ctx context.Context, action schemas.Action) (map[string]any, error) {
	var buf []byte
	if err := b.run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, err
	}

	dir := b.cfg.ScreenshotDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create screenshot dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s-%d.png", b.sessionID, action.ID, time.Now().Unix()))
	if err := os.WriteFile(path, buf, 0o640); err != nil {
		return nil, fmt.Errorf("failed to write screenshot: %w", err)
	}
	return map[string]any{"path": path, "bytes": len(buf)}, nil
}

func (b *browserCapability) extractData(ctx context.Context, action schemas.Action, variables map[string]any) (map[string]any, error) {
	sel := param(action, variables, "selector")
	var text string
	if err := b.run(ctx,
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Text(sel, &text, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	key := paramOr(action, "as", "text")
	return map[string]any{key: strings.TrimSpace(text)}, nil
}

func (b *browserCapability) uploadFile(ctx context.Context, action schemas.Action, variables map[string]any) error {
	sel := param(action, variables, "selector")
	path := param(action, variables, "path")
	if _, err := os.Stat(path); err != nil {
		return schemas.NewPermanentError(action.ID, fmt.Errorf("upload source missing: %w", err))
	}
	return b.run(ctx, chromedp.SetUploadFiles(sel, []string{path}, chromedp.ByQuery))
}

// run executes chromedp actions bound to both the caller's deadline and
// the tab lifetime.
func (b *browserCapability) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := mergeContexts(b.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// Release closes the tab. Safe to call more than once.
func (b *browserCapability) Release() {
	b.releaseOnce.Do(func() {
		b.cancel()
		b.log.Debug("Browser tab released")
	})
}

func clickTasks(selector string) chromedp.Tasks {
	return chromedp.Tasks{
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	}
}

func waitDuration(action schemas.Action) time.Duration {
	if secs, ok := action.Parameters["seconds"].(float64); ok && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return time.Second
}

// param fetches a string parameter with variable substitution applied.
func param(action schemas.Action, variables map[string]any, key string) string {
	v, _ := action.StringParam(key)
	return resolve(v, variables)
}

func paramOr(action schemas.Action, key, fallback string) string {
	if v, ok := action.StringParam(key); ok && v != "" {
		return v
	}
	return fallback
}

// resolve substitutes ${name} references with session variables so
// plans can stay free of literal user data.
func resolve(value string, variables map[string]any) string {
	if !strings.Contains(value, "${") {
		return value
	}
	for name, v := range variables {
		value = strings.ReplaceAll(value, "${"+name+"}", fmt.Sprintf("%v", v))
	}
	return value
}

// mergeContexts derives a context from the tab context that is also
// cancelled when the caller's context is. chromedp requires the tab
// context as the parent, so the caller deadline is bridged over.
func mergeContexts(tab, caller context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(tab)
	stop := context.AfterFunc(caller, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
