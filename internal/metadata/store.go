package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pgtrack/pgtrack/internal/logger"
)

// Store persists the metadata document as a single JSON row and hands out
// the current in-memory document. Commit applies a deferred edit list to a
// clone, upserts the result, and swaps the in-memory pointer, so concurrent
// readers always observe either the old or the new document in full.
type Store struct {
	db *sql.DB

	mu  sync.RWMutex
	doc *Document
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, doc: NewDocument()}
}

// EnsureSchema creates the bookkeeping schema and table on first use.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS pgtrack`,
		`CREATE TABLE IF NOT EXISTS pgtrack.metadata (
			id integer PRIMARY KEY CHECK (id = 1),
			document jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure metadata schema: %w", err)
		}
	}
	return nil
}

// Load reads the persisted document into memory. A missing row yields an
// empty document.
func (s *Store) Load(ctx context.Context) error {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM pgtrack.metadata WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		s.mu.Lock()
		s.doc = NewDocument()
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	doc := NewDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	if doc.Sources == nil {
		doc.Sources = make(map[string]*SourceMetadata)
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// Document returns the current document. Callers must treat it as
// immutable; all mutations go through Commit.
func (s *Store) Document() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Replace persists a fully-built document, bypassing the edit path. Used by
// track/untrack setup flows.
func (s *Store) Replace(ctx context.Context, doc *Document) error {
	if err := s.persist(ctx, doc); err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// Commit applies the edits to a clone of the current document, persists the
// clone, and swaps it in. The persisted row and the in-memory pointer change
// together or not at all.
func (s *Store) Commit(ctx context.Context, edits Edits) (*Document, error) {
	log := logger.Get()

	s.mu.RLock()
	current := s.doc
	s.mu.RUnlock()

	next, err := current.Clone()
	if err != nil {
		return nil, err
	}
	if err := edits.Apply(next); err != nil {
		return nil, err
	}
	for _, e := range edits {
		log.Debug("metadata edit applied", "edit", e.String())
	}

	if err := s.persist(ctx, next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.doc = next
	s.mu.Unlock()
	return next, nil
}

func (s *Store) persist(ctx context.Context, doc *Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pgtrack.metadata (id, document, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = now()`,
		raw)
	if err != nil {
		return fmt.Errorf("failed to persist metadata: %w", err)
	}
	return nil
}
