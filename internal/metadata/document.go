// Package metadata holds the persisted description of what the
// schema-derived API layer exposes: tracked tables with their customizations,
// relationships, computed fields and auxiliary event triggers, plus tracked
// functions. Mutations to the document are expressed as an explicit list of
// deferred edits applied atomically at commit time.
package metadata

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pgtrack/pgtrack/internal/depend"
	"github.com/pgtrack/pgtrack/internal/snapshot"
)

// ColumnConfig customizes how one column is exposed.
type ColumnConfig struct {
	CustomName string `json:"custom_name,omitempty"`
}

// Relationship exposes a foreign-key traversal between two tracked tables.
// ColumnMapping records the join columns (local -> remote); the join
// condition is typed, so the relationship depends on those columns' types.
type Relationship struct {
	Name                 string                 `json:"name"`
	Type                 string                 `json:"type"` // "object" or "array"
	ForeignKeyConstraint string                 `json:"foreign_key_constraint"`
	RemoteTable          snapshot.QualifiedName `json:"remote_table"`
	ColumnMapping        map[string]string      `json:"column_mapping,omitempty"`
}

// ComputedFieldDef binds a virtual column to a function.
type ComputedFieldDef struct {
	Name     string                 `json:"name"`
	Function snapshot.QualifiedName `json:"function"`
}

// EventTriggerDef describes an auxiliary per-table trigger the engine owns.
// Columns limits UPDATE firing to a column subset; empty means all columns.
type EventTriggerDef struct {
	Name     string   `json:"name"`
	Columns  []string `json:"columns,omitempty"`
	Function string   `json:"function"` // qualified trigger function to execute
}

// TableMetadata is one tracked table.
type TableMetadata struct {
	Table          snapshot.QualifiedName  `json:"table"`
	CustomName     string                  `json:"custom_name,omitempty"`
	ColumnConfigs  map[string]ColumnConfig `json:"column_configs,omitempty"`
	Relationships  []Relationship          `json:"relationships,omitempty"`
	ComputedFields []ComputedFieldDef      `json:"computed_fields,omitempty"`
	EventTriggers  []EventTriggerDef       `json:"event_triggers,omitempty"`
}

// ExternalName is the name the table is exposed under in the derived schema.
func (t *TableMetadata) ExternalName() string {
	if t.CustomName != "" {
		return t.CustomName
	}
	return t.Table.Schema + "_" + t.Table.Name
}

// FunctionMetadata is one tracked function.
type FunctionMetadata struct {
	Function snapshot.QualifiedName `json:"function"`
}

// SourceMetadata is all metadata for one named source.
type SourceMetadata struct {
	Name      string                                       `json:"name"`
	Tables    map[snapshot.QualifiedName]*TableMetadata    `json:"tables"`
	Functions map[snapshot.QualifiedName]*FunctionMetadata `json:"functions,omitempty"`
}

// NewSourceMetadata returns an empty source.
func NewSourceMetadata(name string) *SourceMetadata {
	return &SourceMetadata{
		Name:      name,
		Tables:    make(map[snapshot.QualifiedName]*TableMetadata),
		Functions: make(map[snapshot.QualifiedName]*FunctionMetadata),
	}
}

// TrackedTables renders the source's tables as snapshot filters.
func (s *SourceMetadata) TrackedTables() []snapshot.TrackedTable {
	var tracked []snapshot.TrackedTable
	for _, t := range s.Tables {
		tt := snapshot.TrackedTable{Name: t.Table}
		for _, cf := range t.ComputedFields {
			tt.ComputedFields = append(tt.ComputedFields, snapshot.TrackedComputedField{
				FieldName: cf.Name,
				Function:  cf.Function,
			})
		}
		tracked = append(tracked, tt)
	}
	return tracked
}

// TrackedFunctions lists the source's tracked function names.
func (s *SourceMetadata) TrackedFunctions() []snapshot.QualifiedName {
	var names []snapshot.QualifiedName
	for name := range s.Functions {
		names = append(names, name)
	}
	return names
}

// ExternalNameInUse reports whether any table other than excluding already
// exposes the given external-schema name.
func (s *SourceMetadata) ExternalNameInUse(name string, excluding snapshot.QualifiedName) bool {
	for _, t := range s.Tables {
		if t.Table == excluding {
			continue
		}
		if t.ExternalName() == name {
			return true
		}
	}
	return false
}

// Document is the whole persisted metadata tree.
type Document struct {
	Sources map[string]*SourceMetadata `json:"sources"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{Sources: make(map[string]*SourceMetadata)}
}

// Clone deep-copies the document via its JSON form. Edits are always applied
// to a clone so readers of the current document never observe a partial
// application.
func (d *Document) Clone() (*Document, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to clone metadata document: %w", err)
	}
	out := NewDocument()
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to clone metadata document: %w", err)
	}
	if out.Sources == nil {
		out.Sources = make(map[string]*SourceMetadata)
	}
	return out, nil
}

// StaleReferenceError reports that an object the diff names cannot be found
// in pre-mutation metadata during edit accumulation. This is an internal
// consistency failure, not user-correctable.
type StaleReferenceError struct {
	Source string
	Table  snapshot.QualifiedName
}

func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("stale metadata reference: table %s not found in source %q", e.Table, e.Source)
}

// DependencyIndex builds a read-only dependency oracle over the document.
// Relationships depend on their foreign-key constraint and on the remote
// table; tracked tables depend on themselves; column configs depend on their
// column. Type dependents are relationships whose constraint maps the column,
// since the join condition is typed. Iteration is sorted so dependent lists
// and the error messages built from them are deterministic.
func (d *Document) DependencyIndex() depend.Index {
	idx := &documentIndex{
		dependents:     make(map[depend.SchemaObjectID][]depend.SourceObject),
		typeDependents: make(map[depend.SchemaObjectID][]depend.SourceObject),
	}
	sourceNames := make([]string, 0, len(d.Sources))
	for name := range d.Sources {
		sourceNames = append(sourceNames, name)
	}
	sort.Strings(sourceNames)

	for _, sourceName := range sourceNames {
		src := d.Sources[sourceName]
		for _, tableName := range sortedTableNames(src) {
			t := src.Tables[tableName]
			self := depend.SourceObject{
				Source: sourceName,
				Table:  t.Table,
				Kind:   depend.KindTable,
			}
			idx.add(depend.TableObject(t.Table), self)

			for _, rel := range t.Relationships {
				obj := depend.SourceObject{
					Source: sourceName,
					Table:  t.Table,
					Kind:   depend.KindRelationship,
					Name:   rel.Name,
				}
				idx.add(depend.ConstraintObject(t.Table, rel.ForeignKeyConstraint), obj)
				idx.add(depend.TableObject(rel.RemoteTable), obj)
				for local := range rel.ColumnMapping {
					idx.addType(depend.ColumnObject(t.Table, local), obj)
				}
			}

			for column := range t.ColumnConfigs {
				idx.add(depend.ColumnObject(t.Table, column), depend.SourceObject{
					Source: sourceName,
					Table:  t.Table,
					Kind:   depend.KindColumn,
					Name:   column,
				})
			}
		}
	}
	return idx
}

func sortedTableNames(src *SourceMetadata) []snapshot.QualifiedName {
	names := make([]snapshot.QualifiedName, 0, len(src.Tables))
	for name := range src.Tables {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].String() < names[j].String() })
	return names
}

type documentIndex struct {
	dependents     map[depend.SchemaObjectID][]depend.SourceObject
	typeDependents map[depend.SchemaObjectID][]depend.SourceObject
}

func (i *documentIndex) add(key depend.SchemaObjectID, obj depend.SourceObject) {
	i.dependents[key] = append(i.dependents[key], obj)
}

func (i *documentIndex) addType(key depend.SchemaObjectID, obj depend.SourceObject) {
	i.typeDependents[key] = append(i.typeDependents[key], obj)
}

func (i *documentIndex) DependentsOf(obj depend.SchemaObjectID) []depend.SourceObject {
	return i.dependents[obj]
}

func (i *documentIndex) TypeDependentsOf(table snapshot.QualifiedName, column string) []depend.SourceObject {
	return i.typeDependents[depend.ColumnObject(table, column)]
}
