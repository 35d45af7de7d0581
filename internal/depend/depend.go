// Package depend resolves which cached metadata objects a schema diff
// invalidates. The dependency graph itself is an external oracle: this
// package only queries it and filters the result down to genuinely indirect
// dependents.
package depend

import (
	"github.com/pgtrack/pgtrack/internal/diff"
	"github.com/pgtrack/pgtrack/internal/snapshot"
)

// ObjectKind classifies schema and metadata objects.
type ObjectKind string

const (
	KindTable         ObjectKind = "table"
	KindColumn        ObjectKind = "column"
	KindConstraint    ObjectKind = "constraint"
	KindComputedField ObjectKind = "computed_field"
	KindRelationship  ObjectKind = "relationship"
)

// SchemaObjectID identifies a catalog-side object a cached object may
// reference: a table, or a column/constraint/computed field scoped to one.
type SchemaObjectID struct {
	Kind  ObjectKind
	Table snapshot.QualifiedName
	Name  string // column, constraint or computed-field name; empty for tables
}

// TableObject builds the SchemaObjectID for a whole table.
func TableObject(table snapshot.QualifiedName) SchemaObjectID {
	return SchemaObjectID{Kind: KindTable, Table: table}
}

// ColumnObject builds the SchemaObjectID for one column.
func ColumnObject(table snapshot.QualifiedName, column string) SchemaObjectID {
	return SchemaObjectID{Kind: KindColumn, Table: table, Name: column}
}

// ConstraintObject builds the SchemaObjectID for one constraint.
func ConstraintObject(table snapshot.QualifiedName, constraint string) SchemaObjectID {
	return SchemaObjectID{Kind: KindConstraint, Table: table, Name: constraint}
}

// SourceObject identifies a cached metadata object within a source.
type SourceObject struct {
	Source string
	Table  snapshot.QualifiedName
	Kind   ObjectKind
	Name   string // relationship/computed-field name; empty for the table itself
}

// Index is the read-only dependency oracle. Implementations answer which
// cached objects reference a given catalog object; the type-specific variant
// narrows to objects that depend on a column's type rather than just the
// column.
type Index interface {
	DependentsOf(obj SchemaObjectID) []SourceObject
	TypeDependentsOf(table snapshot.QualifiedName, column string) []SourceObject
}

// SchemaChangeDependents computes the deduplicated set of indirect dependents
// invalidated by a schema diff. An entry that belongs to the same source and
// lives on a table already in the dropped set is a direct consequence of the
// drop, not a separate dependent, and is suppressed.
func SchemaChangeDependents(idx Index, source string, sd diff.SchemaDiff) []SourceObject {
	var raw []SourceObject

	droppedTables := make(map[snapshot.QualifiedName]bool, len(sd.DroppedTables))
	for _, t := range sd.DroppedTables {
		droppedTables[t.Name] = true
		raw = append(raw, idx.DependentsOf(TableObject(t.Name))...)
	}

	for _, at := range sd.AlteredTables {
		raw = append(raw, TableChangeDependents(idx, source, at.OldName, at.Diff)...)
	}

	var indirect []SourceObject
	seen := make(map[SourceObject]bool, len(raw))
	for _, dep := range raw {
		if dep.Source == source && droppedTables[dep.Table] {
			continue
		}
		if seen[dep] {
			continue
		}
		seen[dep] = true
		indirect = append(indirect, dep)
	}
	return indirect
}

// TableChangeDependents resolves dependents for a single altered table:
// everything referencing its dropped columns and dropped foreign keys, plus a
// synthetic entry per dropped computed field. A computed field's removal is
// itself a dependency-breaking event even though nothing in the index points
// at it directly.
func TableChangeDependents(idx Index, source string, table snapshot.QualifiedName, td diff.TableDiff) []SourceObject {
	var deps []SourceObject
	for _, col := range td.DroppedColumns {
		deps = append(deps, idx.DependentsOf(ColumnObject(table, col.Name))...)
	}
	for _, fk := range td.DroppedForeignKeys {
		deps = append(deps, idx.DependentsOf(ConstraintObject(table, fk.Name))...)
	}
	for _, field := range td.ComputedFields.Dropped {
		deps = append(deps, SourceObject{
			Source: source,
			Table:  table,
			Kind:   KindComputedField,
			Name:   field,
		})
	}
	return deps
}
