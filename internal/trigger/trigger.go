// Package trigger manages the auxiliary per-table triggers the engine owns.
// They are suspended inside the reconciliation transaction so the raw
// mutation cannot fire them spuriously, and recreated afterwards against the
// post-mutation table and column set.
package trigger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pgtrack/pgtrack/internal/logger"
	"github.com/pgtrack/pgtrack/internal/snapshot"
)

// Execer is satisfied by *sql.DB and *sql.Tx. Suspension runs on the
// reconciliation transaction so an abort restores the triggers for free;
// recreation runs on the pool after the catalog change is durable.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Manager issues the trigger DDL.
type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

// triggerName is the catalog name of one managed trigger.
func triggerName(name string) string {
	return "pgtrack_" + name
}

// Suspend drops a managed trigger so the caller's mutation runs without it.
func (m *Manager) Suspend(ctx context.Context, exec Execer, table snapshot.QualifiedName, name string) error {
	log := logger.Get()
	stmt := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s.%s",
		pq.QuoteIdentifier(triggerName(name)),
		pq.QuoteIdentifier(table.Schema),
		pq.QuoteIdentifier(table.Name))

	log.Debug("suspending trigger", "trigger", name, "table", table.String())
	if _, err := exec.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to suspend trigger %s on %s: %w", name, table, err)
	}
	return nil
}

// Recreate rebuilds a managed trigger against the current column set. The
// column list is intersected with the live columns by the caller; an empty
// list fires on every column.
func (m *Manager) Recreate(ctx context.Context, exec Execer, table snapshot.QualifiedName, name string, columns []string, function string) error {
	log := logger.Get()

	updateClause := "UPDATE"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, col := range columns {
			quoted[i] = pq.QuoteIdentifier(col)
		}
		updateClause = "UPDATE OF " + strings.Join(quoted, ", ")
	}

	stmt := fmt.Sprintf(
		"CREATE TRIGGER %s AFTER INSERT OR %s OR DELETE ON %s.%s FOR EACH ROW EXECUTE FUNCTION %s()",
		pq.QuoteIdentifier(triggerName(name)),
		updateClause,
		pq.QuoteIdentifier(table.Schema),
		pq.QuoteIdentifier(table.Name),
		function)

	log.Debug("recreating trigger", "trigger", name, "table", table.String(), "columns", columns)
	if _, err := exec.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to recreate trigger %s on %s: %w", name, table, err)
	}
	return nil
}
