// Package validate holds the invariant checks a schema diff must pass before
// any metadata edit is accumulated, and the error taxonomy the engine
// surfaces to callers. Every failure here aborts the whole reconciliation
// transaction, so the caller's mutation is rolled back along with it.
package validate

import (
	"fmt"
	"strings"

	"github.com/pgtrack/pgtrack/internal/depend"
	"github.com/pgtrack/pgtrack/internal/diff"
	"github.com/pgtrack/pgtrack/internal/snapshot"
)

// FunctionOverloadedError reports tracked function names that now resolve to
// more than one physical function.
type FunctionOverloadedError struct {
	Functions []snapshot.QualifiedName
}

func (e *FunctionOverloadedError) Error() string {
	names := make([]string, len(e.Functions))
	for i, fn := range e.Functions {
		names[i] = fn.String()
	}
	return "unsupported: function overload detected for tracked functions: " + strings.Join(names, ", ")
}

// ComputedFieldOverloadedError reports computed-field names bound to more
// than one function simultaneously.
type ComputedFieldOverloadedError struct {
	Table  snapshot.QualifiedName
	Fields []string
}

func (e *ComputedFieldOverloadedError) Error() string {
	return fmt.Sprintf("unsupported: computed field overload on table %s: %s",
		e.Table, strings.Join(e.Fields, ", "))
}

// VolatilityEscalationError reports a function altered to VOLATILE. Volatile
// functions have unpredictable side effects the consuming schema layer
// cannot reason about.
type VolatilityEscalationError struct {
	Function snapshot.QualifiedName
	Field    string // set when the function backs a computed field
}

func (e *VolatilityEscalationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("unsupported: volatile alteration of function %s backing computed field %s", e.Function, e.Field)
	}
	return fmt.Sprintf("unsupported: volatile alteration of tracked function %s", e.Function)
}

// ColumnTypeDependencyError reports a column type change with live
// type-dependent consumers.
type ColumnTypeDependencyError struct {
	Table      snapshot.QualifiedName
	Column     string
	Dependents []depend.SourceObject
}

func (e *ColumnTypeDependencyError) Error() string {
	return fmt.Sprintf("cannot change type of column %s.%s: %s depend on its type",
		e.Table, e.Column, describeObjects(e.Dependents))
}

// ExternalNameCollisionError reports a table rename whose resulting external
// name is already taken by another tracked table in the same source.
type ExternalNameCollisionError struct {
	Table        snapshot.QualifiedName
	ExternalName string
}

func (e *ExternalNameCollisionError) Error() string {
	return fmt.Sprintf("cannot rename table to %s: external name %q is already in use",
		e.Table, e.ExternalName)
}

// CascadeRequiredError reports indirect dependents that block the change
// unless the caller opts into a cascade purge.
type CascadeRequiredError struct {
	Dependents []depend.SourceObject
}

func (e *CascadeRequiredError) Error() string {
	return "cannot apply change without cascade: " + describeObjects(e.Dependents) + " would be left dangling"
}

func describeObjects(objs []depend.SourceObject) string {
	parts := make([]string, len(objs))
	for i, o := range objs {
		if o.Name == "" {
			parts[i] = fmt.Sprintf("%s %s", o.Kind, o.Table)
		} else {
			parts[i] = fmt.Sprintf("%s %s on %s", o.Kind, o.Name, o.Table)
		}
	}
	return strings.Join(parts, "; ")
}

// Run executes the fixed invariant checks over a computed diff, in order:
// no tracked-function overloading, no computed-field overloading, no silent
// volatility escalation, no type change on a column with type-dependent
// consumers. The cascade gate is the reconciler's to apply, since it needs
// the caller's cascade flag.
func Run(idx depend.Index, sd diff.SchemaDiff, fd diff.FunctionDiff, overloaded []snapshot.QualifiedName) error {
	if len(overloaded) > 0 {
		return &FunctionOverloadedError{Functions: overloaded}
	}

	for _, at := range sd.AlteredTables {
		if fields := overloadedFieldNames(at.Diff.ComputedFields.Overloaded); len(fields) > 0 {
			return &ComputedFieldOverloadedError{Table: at.OldName, Fields: fields}
		}
		for _, pair := range at.Diff.ComputedFields.Altered {
			if pair.New.Function.Volatility == snapshot.VolatilityVolatile {
				return &VolatilityEscalationError{
					Function: pair.New.Function.Name,
					Field:    pair.New.Name,
				}
			}
		}
	}

	for _, pair := range fd.Altered {
		if pair.New.Volatility == snapshot.VolatilityVolatile {
			return &VolatilityEscalationError{Function: pair.New.Name}
		}
	}

	for _, at := range sd.AlteredTables {
		if err := CheckColumnTypeChanges(idx, at.OldName, at.Diff); err != nil {
			return err
		}
	}
	return nil
}

// CheckColumnTypeChanges verifies that no altered column changes type while
// something depends on that type. A pure rename never triggers it. The
// reconciler re-runs this defensively per table during edit accumulation.
func CheckColumnTypeChanges(idx depend.Index, table snapshot.QualifiedName, td diff.TableDiff) error {
	for _, pair := range td.AlteredColumns {
		if pair.Old.DataType == pair.New.DataType {
			continue
		}
		if deps := idx.TypeDependentsOf(table, pair.Old.Name); len(deps) > 0 {
			return &ColumnTypeDependencyError{
				Table:      table,
				Column:     pair.Old.Name,
				Dependents: deps,
			}
		}
	}
	return nil
}

func overloadedFieldNames(fields []snapshot.ComputedField) []string {
	seen := make(map[string]bool)
	var names []string
	for _, cf := range fields {
		if !seen[cf.Name] {
			seen[cf.Name] = true
			names = append(names, cf.Name)
		}
	}
	return names
}
