package schemas

import (
	"context"
)

// Planner is the plan synthesis collaborator: given the instruction it
// returns an ordered action list with a confidence score. A planner failure
// is terminal for the session (planning failed).
type Planner interface {
	Plan(ctx context.Context, instruction string, variables map[string]any) (*ExecutionPlan, error)
}

// CapabilityProvider hands out automation backends. A capability is a
// scarce, session-scoped resource: the engine acquires one for the
// session's lifetime and releases it exactly once on every exit path.
type CapabilityProvider interface {
	Acquire(ctx context.Context, sessionID string) (Capability, error)
}

// Capability is one acquired automation backend. Execute is assumed
// at-most-once per call; the execution loop owns retries.
type Capability interface {
	Execute(ctx context.Context, action Action, variables map[string]any) (ActionResult, error)
	// Release frees the capability. Idempotent callers are the engine's
	// responsibility; the engine guarantees exactly one call.
	Release()
}

// SessionStore is the durable per-session record store. Save is an atomic
// full-record replace per id; concurrent writers for the same id are
// rejected, never merged. The engine guarantees one active executor per
// session by construction; the store enforces it with the revision token.
type SessionStore interface {
	Create(ctx context.Context, instruction string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	List(ctx context.Context) ([]*Session, error)
	ListPendingApprovals(ctx context.Context) ([]*Session, error)
}
