package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nmoradei/portero-cli/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    stage      TEXT NOT NULL,
    revision   BIGINT NOT NULL,
    document   JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);
`

const (
	sqlInsertSession = `
        INSERT INTO sessions (id, status, stage, revision, document, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`

	sqlSelectSession = `SELECT document FROM sessions WHERE id = $1`

	// The revision guard makes Save an atomic compare-and-swap: a stale
	// writer updates zero rows and is rejected.
	sqlUpdateSession = `
        UPDATE sessions
        SET status = $2, stage = $3, revision = $4, document = $5, updated_at = $6
        WHERE id = $1 AND revision = $7`

	sqlSelectAllSessions = `SELECT document FROM sessions ORDER BY created_at`

	sqlSelectPendingApprovals = `
        SELECT document FROM sessions
        WHERE status = 'requires_approval'
        ORDER BY created_at`

	sqlSessionExists = `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`
)

// PostgresStore persists sessions in a single table: hot columns for
// querying plus the full record as a jsonb document.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgresStore wires an existing pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool, log: logger.Named("store.postgres")}, nil
}

// NewPostgresStoreFromURL opens a pgx pool for the given URL and ensures
// the schema exists.
func NewPostgresStoreFromURL(ctx context.Context, url string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := NewPostgresStore(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

var _ schemas.SessionStore = (*PostgresStore)(nil)

// EnsureSchema creates the sessions table when missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, sessionsSchema); err != nil {
		return fmt.Errorf("failed to ensure sessions schema: %w", err)
	}
	return nil
}

// Create inserts a fresh session record.
func (p *PostgresStore) Create(ctx context.Context, instruction string) (*schemas.Session, error) {
	s := newSession(instruction)
	doc, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	_, err = p.pool.Exec(ctx, sqlInsertSession,
		s.ID, string(s.Status), string(s.Stage), s.Revision, doc, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session %s: %w", s.ID, err)
	}
	p.log.Debug("Session created", zap.String("session_id", s.ID))
	return s, nil
}

// Get loads one session document.
func (p *PostgresStore) Get(ctx context.Context, id string) (*schemas.Session, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, sqlSelectSession, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, schemas.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	var s schemas.Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &s, nil
}

// Save replaces the record, guarded by the revision token.
func (p *PostgresStore) Save(ctx context.Context, session *schemas.Session) error {
	prev := session.Revision
	session.Revision++
	session.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(session)
	if err != nil {
		session.Revision = prev
		return fmt.Errorf("failed to encode session %s: %w", session.ID, err)
	}

	tag, err := p.pool.Exec(ctx, sqlUpdateSession,
		session.ID, string(session.Status), string(session.Stage),
		session.Revision, doc, session.UpdatedAt, prev)
	if err != nil {
		session.Revision = prev
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	if tag.RowsAffected() == 0 {
		session.Revision = prev
		var exists bool
		if scanErr := p.pool.QueryRow(ctx, sqlSessionExists, session.ID).Scan(&exists); scanErr == nil && !exists {
			return fmt.Errorf("session %s: %w", session.ID, schemas.ErrSessionNotFound)
		}
		return fmt.Errorf("session %s: stale save at revision %d: %w",
			session.ID, prev, schemas.ErrConcurrencyViolation)
	}
	return nil
}

// List loads every session ordered by creation time.
func (p *PostgresStore) List(ctx context.Context) ([]*schemas.Session, error) {
	return p.queryDocuments(ctx, sqlSelectAllSessions)
}

// ListPendingApprovals loads sessions awaiting a human decision.
func (p *PostgresStore) ListPendingApprovals(ctx context.Context) ([]*schemas.Session, error) {
	return p.queryDocuments(ctx, sqlSelectPendingApprovals)
}

func (p *PostgresStore) queryDocuments(ctx context.Context, sql string) ([]*schemas.Session, error) {
	rows, err := p.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*schemas.Session
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		var s schemas.Session
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("failed to decode session document: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
