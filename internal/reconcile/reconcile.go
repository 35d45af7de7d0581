// Package reconcile drives the metadata-reconciliation workflow around an
// arbitrary schema-mutating statement: snapshot the tracked catalog objects,
// run the mutation, snapshot again, diff, validate, then either abort the
// whole transaction or cascade-purge the invalidated metadata and rebuild
// the schema cache.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pgtrack/pgtrack/internal/cache"
	"github.com/pgtrack/pgtrack/internal/depend"
	"github.com/pgtrack/pgtrack/internal/diff"
	"github.com/pgtrack/pgtrack/internal/logger"
	"github.com/pgtrack/pgtrack/internal/metadata"
	"github.com/pgtrack/pgtrack/internal/snapshot"
	"github.com/pgtrack/pgtrack/internal/trigger"
	"github.com/pgtrack/pgtrack/internal/validate"
)

// Request describes one reconciliation call.
type Request struct {
	Source  string
	Cascade bool
	// Mutation runs inside the reconciliation transaction; its result is
	// returned to the caller unchanged when reconciliation succeeds.
	Mutation func(ctx context.Context, tx *sql.Tx) (any, error)
}

// Engine owns the reconciliation workflow and the current schema cache for
// each source it has rebuilt.
type Engine struct {
	db       *sql.DB
	store    *metadata.Store
	triggers *trigger.Manager
	current  atomic.Pointer[cache.Cache]
}

func New(db *sql.DB, store *metadata.Store) *Engine {
	return &Engine{
		db:       db,
		store:    store,
		triggers: trigger.NewManager(),
	}
}

// Cache returns the schema cache from the most recent rebuild, or nil before
// the first one. The pointer is swapped wholesale; readers never see a
// partially rebuilt cache.
func (e *Engine) Cache() *cache.Cache {
	return e.current.Load()
}

// Run executes the full workflow. Everything up to and including edit
// accumulation happens inside one database transaction; a validation failure
// or cascade refusal rolls back the caller's mutation along with it. Once
// that transaction commits, metadata commit, cache rebuild and trigger
// restoration can no longer undo the catalog change: their failures are
// surfaced, not rolled back.
func (e *Engine) Run(ctx context.Context, req Request) (any, error) {
	log := logger.Get()

	doc := e.store.Document()
	src := doc.Sources[req.Source]
	if src == nil {
		return nil, fmt.Errorf("unknown metadata source %q", req.Source)
	}
	trackedTables := src.TrackedTables()
	trackedFunctions := src.TrackedFunctions()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	insp := snapshot.NewInspector(tx)

	log.Debug("taking pre-mutation snapshot", "source", req.Source,
		"tracked_tables", len(trackedTables), "tracked_functions", len(trackedFunctions))
	pre, err := insp.Take(ctx, trackedTables, trackedFunctions, nil)
	if err != nil {
		return nil, err
	}

	// Suspending inside the transaction means an abort restores the
	// triggers along with everything else.
	if err := e.suspendTriggers(ctx, tx, src); err != nil {
		return nil, err
	}

	log.Debug("running mutation", "source", req.Source)
	result, err := req.Mutation(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("mutation failed: %w", err)
	}

	// Same tracked-object filter as the pre-snapshot: objects the mutation
	// created are invisible to the diff unless they were already tracked.
	log.Debug("taking post-mutation snapshot", "source", req.Source)
	post, err := insp.Take(ctx, trackedTables, trackedFunctions, pre)
	if err != nil {
		return nil, err
	}

	sd := diff.Schema(pre, post)
	fd := diff.Functions(pre, post)
	overloaded := diff.OverloadedFunctions(trackedFunctions, post)
	log.Debug("computed diff", "dropped_tables", len(sd.DroppedTables),
		"altered_tables", len(sd.AlteredTables),
		"dropped_functions", len(fd.Dropped), "altered_functions", len(fd.Altered))

	idx := doc.DependencyIndex()
	if err := validate.Run(idx, sd, fd, overloaded); err != nil {
		return nil, err
	}

	dependents := depend.SchemaChangeDependents(idx, req.Source, sd)
	if len(dependents) > 0 && !req.Cascade {
		return nil, &validate.CascadeRequiredError{Dependents: dependents}
	}

	edits, err := accumulateEdits(src, req.Source, idx, sd, fd, dependents)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	// The catalog change is durable from here on; remaining failures are
	// reported to the caller but cannot undo it.
	newDoc, err := e.store.Commit(ctx, edits)
	if err != nil {
		return nil, fmt.Errorf("catalog change committed but metadata commit failed: %w", err)
	}

	rebuilt, inconsistent, err := cache.Rebuild(newDoc, req.Source)
	if err != nil {
		return nil, fmt.Errorf("catalog change committed but cache rebuild failed: %w", err)
	}
	for _, obj := range inconsistent {
		log.Warn("inconsistent metadata object after reconciliation", "object", obj.String())
	}
	e.current.Store(rebuilt)

	if err := e.restoreTriggers(ctx, rebuilt, post); err != nil {
		return nil, fmt.Errorf("catalog change committed but trigger restoration failed: %w", err)
	}

	return result, nil
}

func (e *Engine) suspendTriggers(ctx context.Context, tx *sql.Tx, src *metadata.SourceMetadata) error {
	for _, t := range src.Tables {
		for _, trig := range t.EventTriggers {
			if err := e.triggers.Suspend(ctx, tx, t.Table, trig.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// restoreTriggers recreates every suspended trigger against the
// post-rebuild cache, so renamed tables and column sets are current. The
// statements are independent DDL and run concurrently on the pool.
func (e *Engine) restoreTriggers(ctx context.Context, c *cache.Cache, post *snapshot.Snapshot) error {
	currentColumns := make(map[snapshot.QualifiedName]map[string]bool, len(post.Tables))
	for _, t := range post.Tables {
		cols := make(map[string]bool, len(t.Columns))
		for _, col := range t.Columns {
			cols[col.Name] = true
		}
		currentColumns[t.Name] = cols
	}

	var eg errgroup.Group
	for _, entry := range c.Tables {
		live, ok := currentColumns[entry.Table]
		if !ok {
			// Tracked in metadata but absent from the snapshot filter;
			// nothing to hang a trigger on.
			continue
		}
		for _, trig := range entry.EventTriggers {
			table := entry.Table
			def := trig
			eg.Go(func() error {
				var cols []string
				for _, col := range def.Columns {
					if live[col] {
						cols = append(cols, col)
					}
				}
				return e.triggers.Recreate(ctx, e.db, table, def.Name, cols, def.Function)
			})
		}
	}
	return eg.Wait()
}
