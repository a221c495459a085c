package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/nmoradei/portero-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileStore persists one JSON document per session under a directory.
// Writes go to a temp file first and are renamed into place, so a crash
// mid-write never corrupts an existing record. Session files are kept
// after terminal states for audit.
type FileStore struct {
	dir string
	log *zap.Logger

	// mu serializes read-modify-write cycles across goroutines of this
	// process; cross-process writers are not supported.
	mu sync.Mutex
}

// NewFileStore creates the directory if needed and returns the store.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store requires a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, log: logger.Named("store.file")}, nil
}

var _ schemas.SessionStore = (*FileStore)(nil)

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

// Create writes a fresh session record to disk.
func (f *FileStore) Create(ctx context.Context, instruction string) (*schemas.Session, error) {
	s := newSession(instruction)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.write(s); err != nil {
		return nil, err
	}
	f.log.Debug("Session created", zap.String("session_id", s.ID), zap.String("path", f.path(s.ID)))
	return s, nil
}

// Get loads a record from disk.
func (f *FileStore) Get(ctx context.Context, id string) (*schemas.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(id)
}

// Save replaces the on-disk record after checking the revision token.
func (f *FileStore) Save(ctx context.Context, session *schemas.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, err := f.read(session.ID)
	if err != nil {
		return err
	}
	if stored.Revision != session.Revision {
		return fmt.Errorf("session %s: stale save (stored revision %d, caller %d): %w",
			session.ID, stored.Revision, session.Revision, schemas.ErrConcurrencyViolation)
	}

	session.Revision++
	session.UpdatedAt = time.Now().UTC()
	return f.write(session)
}

// List loads every session record in the directory, ordered by creation.
func (f *FileStore) List(ctx context.Context) ([]*schemas.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	var out []*schemas.Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		s, err := f.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			// A torn record should not hide the rest of the directory.
			f.log.Warn("Skipping unreadable session file", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListPendingApprovals returns sessions with an open approval request.
func (f *FileStore) ListPendingApprovals(ctx context.Context) ([]*schemas.Session, error) {
	all, err := f.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*schemas.Session
	for _, s := range all {
		if s.OpenApproval() != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FileStore) read(id string) (*schemas.Session, error) {
	raw, err := os.ReadFile(f.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("session %s: %w", id, schemas.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	var s schemas.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &s, nil
}

func (f *FileStore) write(session *schemas.Session) error {
	raw, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", session.ID, err)
	}

	final := f.path(session.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write session %s: %w", session.ID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit session %s: %w", session.ID, err)
	}
	return nil
}
