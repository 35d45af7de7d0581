package reconcile

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pgtrack/pgtrack/internal/depend"
	"github.com/pgtrack/pgtrack/internal/diff"
	"github.com/pgtrack/pgtrack/internal/metadata"
	"github.com/pgtrack/pgtrack/internal/snapshot"
	"github.com/pgtrack/pgtrack/internal/validate"
)

func qn(schema, name string) snapshot.QualifiedName {
	return snapshot.QualifiedName{Schema: schema, Name: name}
}

type fakeIndex struct {
	typeDependents map[depend.SchemaObjectID][]depend.SourceObject
}

func (f *fakeIndex) DependentsOf(obj depend.SchemaObjectID) []depend.SourceObject {
	return nil
}

func (f *fakeIndex) TypeDependentsOf(table snapshot.QualifiedName, column string) []depend.SourceObject {
	return f.typeDependents[depend.ColumnObject(table, column)]
}

func sampleSource() *metadata.SourceMetadata {
	users := qn("public", "users")
	fn := qn("public", "user_order_count")

	src := metadata.NewSourceMetadata("default")
	src.Tables[users] = &metadata.TableMetadata{
		Table: users,
		ColumnConfigs: map[string]metadata.ColumnConfig{
			"full_name": {CustomName: "fullName"},
		},
	}
	src.Functions[fn] = &metadata.FunctionMetadata{Function: fn}
	return src
}

func TestAccumulateEditsPurgesDependents(t *testing.T) {
	src := sampleSource()
	dependents := []depend.SourceObject{
		{Source: "default", Table: qn("public", "orders"), Kind: depend.KindRelationship, Name: "user"},
	}

	edits, err := accumulateEdits(src, "default", &fakeIndex{}, diff.SchemaDiff{}, diff.FunctionDiff{}, dependents)
	if err != nil {
		t.Fatalf("accumulateEdits: %v", err)
	}
	if len(edits) != 1 {
		t.Fatalf("got %d edits, want 1", len(edits))
	}
	purge, ok := edits[0].(metadata.PurgeObject)
	if !ok {
		t.Fatalf("edit = %T, want PurgeObject", edits[0])
	}
	if diff := cmp.Diff(dependents[0], purge.Object); diff != "" {
		t.Errorf("purged object mismatch (-want +got):\n%s", diff)
	}
}

func TestAccumulateEditsDroppedFunctions(t *testing.T) {
	src := sampleSource()
	tracked := qn("public", "user_order_count")
	untracked := qn("public", "helper")

	fd := diff.FunctionDiff{Dropped: []snapshot.FunctionMeta{
		{OID: 10, Name: tracked},
		{OID: 11, Name: tracked}, // second overload of the same name
		{OID: 12, Name: untracked},
	}}

	edits, err := accumulateEdits(src, "default", &fakeIndex{}, diff.SchemaDiff{}, fd, nil)
	if err != nil {
		t.Fatalf("accumulateEdits: %v", err)
	}
	if len(edits) != 1 {
		t.Fatalf("got %d edits, want 1 (deduplicated, untracked skipped): %v", len(edits), edits)
	}
	untrack, ok := edits[0].(metadata.UntrackFunction)
	if !ok {
		t.Fatalf("edit = %T, want UntrackFunction", edits[0])
	}
	if untrack.Function != tracked {
		t.Errorf("Function = %s, want public.user_order_count", untrack.Function)
	}
}

func TestAccumulateEditsStaleTable(t *testing.T) {
	src := sampleSource()
	sd := diff.SchemaDiff{
		AlteredTables: []diff.AlteredTable{{OldName: qn("public", "ghost")}},
	}

	_, err := accumulateEdits(src, "default", &fakeIndex{}, sd, diff.FunctionDiff{}, nil)
	var staleErr *metadata.StaleReferenceError
	if !errors.As(err, &staleErr) {
		t.Fatalf("got %v, want StaleReferenceError", err)
	}
}

func TestAccumulateEditsDroppedColumns(t *testing.T) {
	src := sampleSource()
	users := qn("public", "users")

	sd := diff.SchemaDiff{
		AlteredTables: []diff.AlteredTable{{
			OldName: users,
			Diff: diff.TableDiff{
				DroppedColumns: []snapshot.Column{
					{Position: 2, Name: "full_name", DataType: "text"},
					{Position: 3, Name: "note", DataType: "text"}, // no config
				},
			},
		}},
	}

	edits, err := accumulateEdits(src, "default", &fakeIndex{}, sd, diff.FunctionDiff{}, nil)
	if err != nil {
		t.Fatalf("accumulateEdits: %v", err)
	}
	if len(edits) != 1 {
		t.Fatalf("got %d edits, want 1: %v", len(edits), edits)
	}
	drop, ok := edits[0].(metadata.DropColumnConfig)
	if !ok {
		t.Fatalf("edit = %T, want DropColumnConfig", edits[0])
	}
	if drop.Column != "full_name" {
		t.Errorf("Column = %q, want full_name", drop.Column)
	}
}

func TestAccumulateEditsRenameTable(t *testing.T) {
	users := qn("public", "users")
	accounts := qn("public", "accounts")
	renamed := accounts

	t.Run("rename produces a RenameTable edit", func(t *testing.T) {
		src := sampleSource()
		sd := diff.SchemaDiff{
			AlteredTables: []diff.AlteredTable{{
				OldName: users,
				Diff:    diff.TableDiff{RenamedTo: &renamed},
			}},
		}

		edits, err := accumulateEdits(src, "default", &fakeIndex{}, sd, diff.FunctionDiff{}, nil)
		if err != nil {
			t.Fatalf("accumulateEdits: %v", err)
		}
		if len(edits) != 1 {
			t.Fatalf("got %d edits, want 1: %v", len(edits), edits)
		}
		rename, ok := edits[0].(metadata.RenameTable)
		if !ok {
			t.Fatalf("edit = %T, want RenameTable", edits[0])
		}
		if rename.From != users || rename.To != accounts {
			t.Errorf("rename = %s -> %s, want users -> accounts", rename.From, rename.To)
		}
	})

	t.Run("external name collision is rejected", func(t *testing.T) {
		src := sampleSource()
		src.Tables[accounts] = &metadata.TableMetadata{Table: accounts}

		sd := diff.SchemaDiff{
			AlteredTables: []diff.AlteredTable{{
				OldName: users,
				Diff:    diff.TableDiff{RenamedTo: &renamed},
			}},
		}

		_, err := accumulateEdits(src, "default", &fakeIndex{}, sd, diff.FunctionDiff{}, nil)
		var collisionErr *validate.ExternalNameCollisionError
		if !errors.As(err, &collisionErr) {
			t.Fatalf("got %v, want ExternalNameCollisionError", err)
		}
		if collisionErr.ExternalName != "public_accounts" {
			t.Errorf("ExternalName = %q, want public_accounts", collisionErr.ExternalName)
		}
	})

	t.Run("custom name pins the external name through a rename", func(t *testing.T) {
		src := sampleSource()
		src.Tables[users].CustomName = "people"
		src.Tables[accounts] = &metadata.TableMetadata{Table: accounts, CustomName: "old_accounts"}

		sd := diff.SchemaDiff{
			AlteredTables: []diff.AlteredTable{{
				OldName: users,
				Diff:    diff.TableDiff{RenamedTo: &renamed},
			}},
		}

		if _, err := accumulateEdits(src, "default", &fakeIndex{}, sd, diff.FunctionDiff{}, nil); err != nil {
			t.Errorf("rename with custom name rejected: %v", err)
		}
	})

	t.Run("type change hidden behind a rename is still rejected", func(t *testing.T) {
		src := sampleSource()
		idx := &fakeIndex{typeDependents: map[depend.SchemaObjectID][]depend.SourceObject{
			depend.ColumnObject(users, "id"): {
				{Source: "default", Table: qn("public", "orders"), Kind: depend.KindRelationship, Name: "user"},
			},
		}}

		sd := diff.SchemaDiff{
			AlteredTables: []diff.AlteredTable{{
				OldName: users,
				Diff: diff.TableDiff{
					RenamedTo: &renamed,
					AlteredColumns: []diff.Pair[snapshot.Column]{{
						Old: snapshot.Column{Position: 1, Name: "id", DataType: "integer"},
						New: snapshot.Column{Position: 1, Name: "id", DataType: "bigint"},
					}},
				},
			}},
		}

		_, err := accumulateEdits(src, "default", idx, sd, diff.FunctionDiff{}, nil)
		var typeErr *validate.ColumnTypeDependencyError
		if !errors.As(err, &typeErr) {
			t.Fatalf("got %v, want ColumnTypeDependencyError", err)
		}
	})
}

func TestAccumulateEditsColumnRename(t *testing.T) {
	src := sampleSource()
	users := qn("public", "users")

	sd := diff.SchemaDiff{
		AlteredTables: []diff.AlteredTable{{
			OldName: users,
			Diff: diff.TableDiff{
				AlteredColumns: []diff.Pair[snapshot.Column]{{
					Old: snapshot.Column{Position: 2, Name: "full_name", DataType: "text"},
					New: snapshot.Column{Position: 2, Name: "display_name", DataType: "text"},
				}},
			},
		}},
	}

	edits, err := accumulateEdits(src, "default", &fakeIndex{}, sd, diff.FunctionDiff{}, nil)
	if err != nil {
		t.Fatalf("accumulateEdits: %v", err)
	}
	if len(edits) != 1 {
		t.Fatalf("got %d edits, want 1: %v", len(edits), edits)
	}
	rename, ok := edits[0].(metadata.RenameColumn)
	if !ok {
		t.Fatalf("edit = %T, want RenameColumn", edits[0])
	}
	if rename.From != "full_name" || rename.To != "display_name" {
		t.Errorf("rename = %q -> %q, want full_name -> display_name", rename.From, rename.To)
	}
}

func TestAccumulateEditsDroppedComputedField(t *testing.T) {
	src := sampleSource()
	users := qn("public", "users")

	sd := diff.SchemaDiff{
		AlteredTables: []diff.AlteredTable{{
			OldName: users,
			Diff: diff.TableDiff{
				ComputedFields: diff.ComputedFieldDiff{Dropped: []string{"order_count"}},
			},
		}},
	}

	edits, err := accumulateEdits(src, "default", &fakeIndex{}, sd, diff.FunctionDiff{}, nil)
	if err != nil {
		t.Fatalf("accumulateEdits: %v", err)
	}
	if len(edits) != 1 {
		t.Fatalf("got %d edits, want 1: %v", len(edits), edits)
	}
	drop, ok := edits[0].(metadata.DropComputedField)
	if !ok {
		t.Fatalf("edit = %T, want DropComputedField", edits[0])
	}
	if drop.Field != "order_count" {
		t.Errorf("Field = %q, want order_count", drop.Field)
	}
}

func TestAccumulateEditsDroppedTable(t *testing.T) {
	src := sampleSource()
	users := qn("public", "users")

	sd := diff.SchemaDiff{DroppedTables: []snapshot.Table{{OID: 100, Name: users}}}

	edits, err := accumulateEdits(src, "default", &fakeIndex{}, sd, diff.FunctionDiff{}, nil)
	if err != nil {
		t.Fatalf("accumulateEdits: %v", err)
	}
	if len(edits) != 1 {
		t.Fatalf("got %d edits, want 1: %v", len(edits), edits)
	}
	untrack, ok := edits[0].(metadata.UntrackTable)
	if !ok {
		t.Fatalf("edit = %T, want UntrackTable", edits[0])
	}
	if untrack.Table != users {
		t.Errorf("Table = %s, want public.users", untrack.Table)
	}
}
