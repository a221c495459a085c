// Package recovery decides what happens after an execution failure. The
// decision table is a single deterministic function of failure kind and
// attempt count; no call site carries its own ad hoc policy.
package recovery

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nmoradei/portero-cli/api/schemas"
)

// Classify maps a failure to a recovery strategy:
//
//	retry    - transient failure with retry budget remaining
//	escalate - transient budget exhausted, or the failure needs a human
//	abort    - permanent failure or bad input
//
// attempts counts tries already made (first try included); budget is the
// number of retries allowed after the first try.
func Classify(kind schemas.ErrorKind, attempts, budget int) schemas.RecoveryStrategy {
	switch kind {
	case schemas.ErrKindValidation, schemas.ErrKindPermanent:
		return schemas.StrategyAbort
	case schemas.ErrKindNeedsHuman:
		return schemas.StrategyEscalate
	case schemas.ErrKindTransient:
		if attempts <= budget {
			return schemas.StrategyRetry
		}
		return schemas.StrategyEscalate
	default:
		// Unknown kinds are treated as transient-but-exhausted: let a
		// human look rather than loop or silently fail.
		return schemas.StrategyEscalate
	}
}

// BuildErrorContext packages a failure for persistence and audit.
func BuildErrorContext(kind schemas.ErrorKind, actionID, message string, attempts int) *schemas.ErrorContext {
	ec := &schemas.ErrorContext{
		Kind:       kind,
		ActionID:   actionID,
		Message:    message,
		Attempts:   attempts,
		OccurredAt: time.Now().UTC(),
	}
	ec.Strategy = Classify(kind, attempts, 0)
	return ec
}

// BackoffPolicy describes the retry delay schedule.
type BackoffPolicy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the delay regardless of attempt count.
	Max time.Duration
	// Jitter randomizes each delay by up to ±50% when true.
	Jitter bool
}

// DefaultBackoffPolicy returns the stock schedule: 1s base doubling per
// attempt, capped at 30s, with jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Max: 30 * time.Second, Jitter: true}
}

// NewBackOff builds the per-step backoff source. One instance covers the
// retries of a single action; the engine creates a fresh one per step.
func (p BackoffPolicy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = 2
	b.MaxInterval = p.Max
	// The loop is bounded by the retry budget, not by elapsed time.
	b.MaxElapsedTime = 0
	if p.Jitter {
		b.RandomizationFactor = 0.5
	} else {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}

// Delay computes the deterministic (jitter-free) delay before the retry
// with the given index (0 = first retry). Used for reporting and tests;
// the live schedule comes from NewBackOff.
func (p BackoffPolicy) Delay(retry int) time.Duration {
	d := p.Base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
