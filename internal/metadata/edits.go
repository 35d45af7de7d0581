package metadata

import (
	"fmt"

	"github.com/pgtrack/pgtrack/internal/depend"
	"github.com/pgtrack/pgtrack/internal/snapshot"
)

// Edit is one deferred metadata mutation. Edits are accumulated while
// walking a diff and applied in order to a cloned document at commit time;
// none of them touches the live document.
type Edit interface {
	Apply(doc *Document) error
	String() string
}

// Edits composes edits by concatenation.
type Edits []Edit

func (es Edits) Apply(doc *Document) error {
	for _, e := range es {
		if err := e.Apply(doc); err != nil {
			return fmt.Errorf("metadata edit %s: %w", e, err)
		}
	}
	return nil
}

// PurgeObject removes a cached object that a schema change invalidated.
type PurgeObject struct {
	Object depend.SourceObject
}

func (e PurgeObject) String() string {
	return fmt.Sprintf("purge %s %s on %s from source %q", e.Object.Kind, e.Object.Name, e.Object.Table, e.Object.Source)
}

func (e PurgeObject) Apply(doc *Document) error {
	src := doc.Sources[e.Object.Source]
	if src == nil {
		return nil
	}
	switch e.Object.Kind {
	case depend.KindTable:
		delete(src.Tables, e.Object.Table)
	case depend.KindRelationship:
		if t := src.Tables[e.Object.Table]; t != nil {
			t.Relationships = removeRelationship(t.Relationships, e.Object.Name)
		}
	case depend.KindComputedField:
		if t := src.Tables[e.Object.Table]; t != nil {
			t.ComputedFields = removeComputedField(t.ComputedFields, e.Object.Name)
		}
	case depend.KindColumn:
		if t := src.Tables[e.Object.Table]; t != nil {
			delete(t.ColumnConfigs, e.Object.Name)
		}
	}
	return nil
}

// UntrackTable drops a table from metadata entirely.
type UntrackTable struct {
	Source string
	Table  snapshot.QualifiedName
}

func (e UntrackTable) String() string {
	return fmt.Sprintf("untrack table %s from source %q", e.Table, e.Source)
}

func (e UntrackTable) Apply(doc *Document) error {
	if src := doc.Sources[e.Source]; src != nil {
		delete(src.Tables, e.Table)
	}
	return nil
}

// UntrackFunction drops a function from metadata.
type UntrackFunction struct {
	Source   string
	Function snapshot.QualifiedName
}

func (e UntrackFunction) String() string {
	return fmt.Sprintf("untrack function %s from source %q", e.Function, e.Source)
}

func (e UntrackFunction) Apply(doc *Document) error {
	if src := doc.Sources[e.Source]; src != nil {
		delete(src.Functions, e.Function)
	}
	return nil
}

// RenameTable propagates a catalog-side rename into metadata, rekeying the
// table entry and rewriting relationship references to it.
type RenameTable struct {
	Source string
	From   snapshot.QualifiedName
	To     snapshot.QualifiedName
}

func (e RenameTable) String() string {
	return fmt.Sprintf("rename table %s to %s in source %q", e.From, e.To, e.Source)
}

func (e RenameTable) Apply(doc *Document) error {
	src := doc.Sources[e.Source]
	if src == nil {
		return nil
	}
	t := src.Tables[e.From]
	if t == nil {
		return &StaleReferenceError{Source: e.Source, Table: e.From}
	}
	delete(src.Tables, e.From)
	t.Table = e.To
	src.Tables[e.To] = t

	for _, other := range src.Tables {
		for i := range other.Relationships {
			if other.Relationships[i].RemoteTable == e.From {
				other.Relationships[i].RemoteTable = e.To
			}
		}
	}
	return nil
}

// RenameColumn propagates a column rename through a table's metadata:
// column configs and relationship column mappings that reference the old
// name are rewritten.
type RenameColumn struct {
	Source string
	Table  snapshot.QualifiedName
	From   string
	To     string
}

func (e RenameColumn) String() string {
	return fmt.Sprintf("rename column %s.%s to %s in source %q", e.Table, e.From, e.To, e.Source)
}

func (e RenameColumn) Apply(doc *Document) error {
	src := doc.Sources[e.Source]
	if src == nil {
		return nil
	}
	t := src.Tables[e.Table]
	if t == nil {
		return &StaleReferenceError{Source: e.Source, Table: e.Table}
	}
	if cfg, ok := t.ColumnConfigs[e.From]; ok {
		delete(t.ColumnConfigs, e.From)
		t.ColumnConfigs[e.To] = cfg
	}
	for i := range t.Relationships {
		if remote, ok := t.Relationships[i].ColumnMapping[e.From]; ok {
			delete(t.Relationships[i].ColumnMapping, e.From)
			t.Relationships[i].ColumnMapping[e.To] = remote
		}
	}
	for _, other := range src.Tables {
		for i := range other.Relationships {
			if other.Relationships[i].RemoteTable != e.Table {
				continue
			}
			for local, remote := range other.Relationships[i].ColumnMapping {
				if remote == e.From {
					other.Relationships[i].ColumnMapping[local] = e.To
				}
			}
		}
	}
	return nil
}

// DropComputedField removes one computed-field binding.
type DropComputedField struct {
	Source string
	Table  snapshot.QualifiedName
	Field  string
}

func (e DropComputedField) String() string {
	return fmt.Sprintf("drop computed field %s on %s from source %q", e.Field, e.Table, e.Source)
}

func (e DropComputedField) Apply(doc *Document) error {
	src := doc.Sources[e.Source]
	if src == nil {
		return nil
	}
	if t := src.Tables[e.Table]; t != nil {
		t.ComputedFields = removeComputedField(t.ComputedFields, e.Field)
	}
	return nil
}

// DropColumnConfig removes the display-name override for a dropped column.
type DropColumnConfig struct {
	Source string
	Table  snapshot.QualifiedName
	Column string
}

func (e DropColumnConfig) String() string {
	return fmt.Sprintf("drop column config %s.%s from source %q", e.Table, e.Column, e.Source)
}

func (e DropColumnConfig) Apply(doc *Document) error {
	src := doc.Sources[e.Source]
	if src == nil {
		return nil
	}
	if t := src.Tables[e.Table]; t != nil {
		delete(t.ColumnConfigs, e.Column)
	}
	return nil
}

func removeRelationship(rels []Relationship, name string) []Relationship {
	out := rels[:0]
	for _, r := range rels {
		if r.Name != name {
			out = append(out, r)
		}
	}
	return out
}

func removeComputedField(fields []ComputedFieldDef, name string) []ComputedFieldDef {
	out := fields[:0]
	for _, f := range fields {
		if f.Name != name {
			out = append(out, f)
		}
	}
	return out
}
