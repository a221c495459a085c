// Package store provides the durable per-session record backends. Every
// backend implements schemas.SessionStore: atomic full-record replace per
// id, guarded by the session's revision token so conflicting writers are
// rejected rather than merged.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nmoradei/portero-cli/api/schemas"
	"github.com/nmoradei/portero-cli/internal/config"
)

// New selects a backend from configuration.
func New(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (schemas.SessionStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(logger), nil
	case "file":
		return NewFileStore(cfg.Dir, logger)
	case "postgres":
		return NewPostgresStoreFromURL(ctx, cfg.DatabaseURL, logger)
	default:
		return nil, fmt.Errorf("unknown session store type %q", cfg.Type)
	}
}

func nowUTC() time.Time { return time.Now().UTC() }

// newSession builds the initial record every backend starts from.
func newSession(instruction string) *schemas.Session {
	now := time.Now().UTC()
	return &schemas.Session{
		ID:          uuid.New().String(),
		Instruction: instruction,
		Status:      schemas.StatusPending,
		Stage:       schemas.StageCreated,
		History:     []schemas.ActionResult{},
		Variables:   map[string]any{},
		Revision:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
