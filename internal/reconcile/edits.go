package reconcile

import (
	"github.com/pgtrack/pgtrack/internal/depend"
	"github.com/pgtrack/pgtrack/internal/diff"
	"github.com/pgtrack/pgtrack/internal/metadata"
	"github.com/pgtrack/pgtrack/internal/snapshot"
	"github.com/pgtrack/pgtrack/internal/validate"
)

// accumulateEdits walks the validated diff and builds the deferred edit
// list, in order: purges for every indirect dependent, untracks for dropped
// functions, per-table consequences for every altered table, and finally
// untracks for dropped tables. Nothing is applied here.
func accumulateEdits(src *metadata.SourceMetadata, source string, idx depend.Index,
	sd diff.SchemaDiff, fd diff.FunctionDiff, dependents []depend.SourceObject) (metadata.Edits, error) {

	var edits metadata.Edits

	for _, dep := range dependents {
		edits = append(edits, metadata.PurgeObject{Object: dep})
	}

	untracked := make(map[snapshot.QualifiedName]bool)
	for _, fn := range fd.Dropped {
		if _, tracked := src.Functions[fn.Name]; !tracked || untracked[fn.Name] {
			continue
		}
		untracked[fn.Name] = true
		edits = append(edits, metadata.UntrackFunction{Source: source, Function: fn.Name})
	}

	for _, at := range sd.AlteredTables {
		tmeta := src.Tables[at.OldName]
		if tmeta == nil {
			return nil, &metadata.StaleReferenceError{Source: source, Table: at.OldName}
		}
		tableEdits, err := processAlteredTable(src, source, idx, at, tmeta)
		if err != nil {
			return nil, err
		}
		edits = append(edits, tableEdits...)
	}

	for _, t := range sd.DroppedTables {
		edits = append(edits, metadata.UntrackTable{Source: source, Table: t.Name})
	}
	return edits, nil
}

// processAlteredTable derives the metadata consequences of one altered
// table: computed-field fallout first, then dropped-column cleanup, then
// either rename propagation or column-level propagation. Rename and
// column processing are mutually exclusive: a renamed table re-validates its
// altered columns under the old name and then switches metadata to the new
// name.
func processAlteredTable(src *metadata.SourceMetadata, source string, idx depend.Index,
	at diff.AlteredTable, tmeta *metadata.TableMetadata) (metadata.Edits, error) {

	var edits metadata.Edits
	cfd := at.Diff.ComputedFields

	// Defensive double-checks; the validator already rejected these before
	// any edit was accumulated.
	if len(cfd.Overloaded) > 0 {
		names := make(map[string]bool)
		var fields []string
		for _, cf := range cfd.Overloaded {
			if !names[cf.Name] {
				names[cf.Name] = true
				fields = append(fields, cf.Name)
			}
		}
		return nil, &validate.ComputedFieldOverloadedError{Table: at.OldName, Fields: fields}
	}
	for _, pair := range cfd.Altered {
		if pair.New.Function.Volatility == snapshot.VolatilityVolatile {
			return nil, &validate.VolatilityEscalationError{
				Function: pair.New.Function.Name,
				Field:    pair.New.Name,
			}
		}
	}
	for _, field := range cfd.Dropped {
		edits = append(edits, metadata.DropComputedField{Source: source, Table: at.OldName, Field: field})
	}

	for _, col := range at.Diff.DroppedColumns {
		if _, has := tmeta.ColumnConfigs[col.Name]; has {
			edits = append(edits, metadata.DropColumnConfig{Source: source, Table: at.OldName, Column: col.Name})
		}
	}

	if at.Diff.RenamedTo != nil {
		if err := validate.CheckColumnTypeChanges(idx, at.OldName, at.Diff); err != nil {
			return nil, err
		}
		external := externalNameFor(tmeta, *at.Diff.RenamedTo)
		if src.ExternalNameInUse(external, at.OldName) {
			return nil, &validate.ExternalNameCollisionError{
				Table:        *at.Diff.RenamedTo,
				ExternalName: external,
			}
		}
		edits = append(edits, metadata.RenameTable{Source: source, From: at.OldName, To: *at.Diff.RenamedTo})
		return edits, nil
	}

	for _, pair := range at.Diff.AlteredColumns {
		switch {
		case pair.Old.Name != pair.New.Name:
			edits = append(edits, metadata.RenameColumn{
				Source: source,
				Table:  at.OldName,
				From:   pair.Old.Name,
				To:     pair.New.Name,
			})
		case pair.Old.DataType != pair.New.DataType:
			if deps := idx.TypeDependentsOf(at.OldName, pair.Old.Name); len(deps) > 0 {
				return nil, &validate.ColumnTypeDependencyError{
					Table:      at.OldName,
					Column:     pair.Old.Name,
					Dependents: deps,
				}
			}
		}
	}
	return edits, nil
}

// externalNameFor computes the name a table would expose after a rename. A
// custom name pins the external name, so only default-named tables can
// collide.
func externalNameFor(tmeta *metadata.TableMetadata, newName snapshot.QualifiedName) string {
	if tmeta.CustomName != "" {
		return tmeta.CustomName
	}
	return newName.Schema + "_" + newName.Name
}
