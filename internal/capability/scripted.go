package capability

import (
	"context"
	"sync"
	"time"

	"github.com/nmoradei/portero-cli/api/schemas"
)

// Outcome is one scripted answer for an action attempt.
type Outcome struct {
	Err  error
	Data map[string]any
	// Delay is slept (subject to ctx) before the outcome is returned,
	// to model slow portal responses.
	Delay time.Duration
}

// ScriptedProvider replays canned outcomes instead of driving a
// browser. Used by the test suite and by `run --dry-run`.
type ScriptedProvider struct {
	mu       sync.Mutex
	outcomes map[string][]Outcome

	acquireCalls int
	releaseCalls int
}

// NewScriptedProvider builds an empty provider; actions without a
// script succeed with no data.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{outcomes: make(map[string][]Outcome)}
}

var _ schemas.CapabilityProvider = (*ScriptedProvider)(nil)

// Script sets the outcome sequence for an action id. Attempts past the
// end of the sequence repeat the last entry.
func (p *ScriptedProvider) Script(actionID string, outcomes ...Outcome) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[actionID] = outcomes
	return p
}

// FailNTimes scripts n failures with the given error, then success.
func (p *ScriptedProvider) FailNTimes(actionID string, n int, err error) *ScriptedProvider {
	outcomes := make([]Outcome, 0, n+1)
	for i := 0; i < n; i++ {
		outcomes = append(outcomes, Outcome{Err: err})
	}
	outcomes = append(outcomes, Outcome{})
	return p.Script(actionID, outcomes...)
}

func (p *ScriptedProvider) Acquire(_ context.Context, sessionID string) (schemas.Capability, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquireCalls++
	return &scriptedCapability{provider: p, sessionID: sessionID, attempts: make(map[string]int)}, nil
}

// AcquireCalls reports how many capabilities were handed out.
func (p *ScriptedProvider) AcquireCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireCalls
}

// ReleaseCalls reports how many capabilities were released.
func (p *ScriptedProvider) ReleaseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseCalls
}

func (p *ScriptedProvider) next(actionID string, attempt int) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq, ok := p.outcomes[actionID]
	if !ok || len(seq) == 0 {
		return Outcome{}
	}
	if attempt >= len(seq) {
		attempt = len(seq) - 1
	}
	return seq[attempt]
}

func (p *ScriptedProvider) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseCalls++
}

type scriptedCapability struct {
	provider  *ScriptedProvider
	sessionID string

	mu       sync.Mutex
	attempts map[string]int
	released bool
}

var _ schemas.Capability = (*scriptedCapability)(nil)

func (c *scriptedCapability) Execute(ctx context.Context, action schemas.Action, _ map[string]any) (schemas.ActionResult, error) {
	c.mu.Lock()
	attempt := c.attempts[action.ID]
	c.attempts[action.ID]++
	c.mu.Unlock()

	outcome := c.provider.next(action.ID, attempt)

	start := time.Now()
	if outcome.Delay > 0 {
		timer := time.NewTimer(outcome.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return schemas.ActionResult{
				ActionID:     action.ID,
				Duration:     time.Since(start),
				ErrorMessage: ctx.Err().Error(),
				CompletedAt:  time.Now().UTC(),
			}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return schemas.ActionResult{ActionID: action.ID, ErrorMessage: err.Error(), CompletedAt: time.Now().UTC()}, err
	}

	result := schemas.ActionResult{
		ActionID:    action.ID,
		Duration:    time.Since(start),
		Data:        outcome.Data,
		CompletedAt: time.Now().UTC(),
	}
	if outcome.Err != nil {
		result.ErrorMessage = outcome.Err.Error()
		return result, outcome.Err
	}
	result.Success = true
	return result, nil
}

func (c *scriptedCapability) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	c.provider.release()
}
