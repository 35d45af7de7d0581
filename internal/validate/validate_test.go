package validate

import (
	"errors"
	"testing"

	"github.com/pgtrack/pgtrack/internal/depend"
	"github.com/pgtrack/pgtrack/internal/diff"
	"github.com/pgtrack/pgtrack/internal/snapshot"
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

func TestRunFunctionOverload(t *testing.T) {
	err := Run(&fakeIndex{}, diff.SchemaDiff{}, diff.FunctionDiff{},
		[]snapshot.QualifiedName{qn("public", "search")})

	var overloadErr *FunctionOverloadedError
	if !errors.As(err, &overloadErr) {
		t.Fatalf("got %v, want FunctionOverloadedError", err)
	}
	if len(overloadErr.Functions) != 1 || overloadErr.Functions[0] != qn("public", "search") {
		t.Errorf("Functions = %v, want [public.search]", overloadErr.Functions)
	}
}

func TestRunComputedFieldOverload(t *testing.T) {
	users := qn("public", "users")
	fn := snapshot.FunctionMeta{OID: 10, Name: qn("public", "full_name")}
	sd := diff.SchemaDiff{
		AlteredTables: []diff.AlteredTable{{
			OldName: users,
			Diff: diff.TableDiff{
				ComputedFields: diff.ComputedFieldDiff{
					Overloaded: []snapshot.ComputedField{
						{Name: "full_name", Function: fn},
						{Name: "full_name", Function: snapshot.FunctionMeta{OID: 11, Name: fn.Name}},
					},
				},
			},
		}},
	}

	err := Run(&fakeIndex{}, sd, diff.FunctionDiff{}, nil)
	var overloadErr *ComputedFieldOverloadedError
	if !errors.As(err, &overloadErr) {
		t.Fatalf("got %v, want ComputedFieldOverloadedError", err)
	}
	if overloadErr.Table != users {
		t.Errorf("Table = %s, want public.users", overloadErr.Table)
	}
	if len(overloadErr.Fields) != 1 || overloadErr.Fields[0] != "full_name" {
		t.Errorf("Fields = %v, want [full_name] deduplicated", overloadErr.Fields)
	}
}

func TestRunVolatilityEscalation(t *testing.T) {
	searchFn := qn("public", "search")

	t.Run("computed field function", func(t *testing.T) {
		sd := diff.SchemaDiff{
			AlteredTables: []diff.AlteredTable{{
				OldName: qn("public", "users"),
				Diff: diff.TableDiff{
					ComputedFields: diff.ComputedFieldDiff{
						Altered: []diff.Pair[snapshot.ComputedField]{{
							Old: snapshot.ComputedField{Name: "rank", Function: snapshot.FunctionMeta{
								OID: 10, Name: searchFn, Volatility: snapshot.VolatilityStable}},
							New: snapshot.ComputedField{Name: "rank", Function: snapshot.FunctionMeta{
								OID: 10, Name: searchFn, Volatility: snapshot.VolatilityVolatile}},
						}},
					},
				},
			}},
		}

		err := Run(&fakeIndex{}, sd, diff.FunctionDiff{}, nil)
		var volErr *VolatilityEscalationError
		if !errors.As(err, &volErr) {
			t.Fatalf("got %v, want VolatilityEscalationError", err)
		}
		if volErr.Field != "rank" {
			t.Errorf("Field = %q, want rank", volErr.Field)
		}
	})

	t.Run("plain tracked function", func(t *testing.T) {
		fd := diff.FunctionDiff{
			Altered: []diff.Pair[snapshot.FunctionMeta]{{
				Old: snapshot.FunctionMeta{OID: 10, Name: searchFn, Volatility: snapshot.VolatilityStable},
				New: snapshot.FunctionMeta{OID: 10, Name: searchFn, Volatility: snapshot.VolatilityVolatile},
			}},
		}

		err := Run(&fakeIndex{}, diff.SchemaDiff{}, fd, nil)
		var volErr *VolatilityEscalationError
		if !errors.As(err, &volErr) {
			t.Fatalf("got %v, want VolatilityEscalationError", err)
		}
		if volErr.Field != "" {
			t.Errorf("Field = %q, want empty for plain function", volErr.Field)
		}
	})

	t.Run("de-escalation passes", func(t *testing.T) {
		fd := diff.FunctionDiff{
			Altered: []diff.Pair[snapshot.FunctionMeta]{{
				Old: snapshot.FunctionMeta{OID: 10, Name: searchFn, Volatility: snapshot.VolatilityVolatile},
				New: snapshot.FunctionMeta{OID: 10, Name: searchFn, Volatility: snapshot.VolatilityStable},
			}},
		}
		if err := Run(&fakeIndex{}, diff.SchemaDiff{}, fd, nil); err != nil {
			t.Errorf("volatility de-escalation rejected: %v", err)
		}
	})
}

func TestCheckColumnTypeChanges(t *testing.T) {
	users := qn("public", "users")
	orders := qn("public", "orders")

	idx := &fakeIndex{typeDependents: map[depend.SchemaObjectID][]depend.SourceObject{
		depend.ColumnObject(users, "id"): {
			{Source: "default", Table: orders, Kind: depend.KindRelationship, Name: "user"},
		},
	}}

	t.Run("type change with dependents fails", func(t *testing.T) {
		td := diff.TableDiff{
			AlteredColumns: []diff.Pair[snapshot.Column]{{
				Old: snapshot.Column{Position: 1, Name: "id", DataType: "integer"},
				New: snapshot.Column{Position: 1, Name: "id", DataType: "bigint"},
			}},
		}
		err := CheckColumnTypeChanges(idx, users, td)
		var typeErr *ColumnTypeDependencyError
		if !errors.As(err, &typeErr) {
			t.Fatalf("got %v, want ColumnTypeDependencyError", err)
		}
		if typeErr.Column != "id" {
			t.Errorf("Column = %q, want id", typeErr.Column)
		}
	})

	t.Run("pure rename passes", func(t *testing.T) {
		td := diff.TableDiff{
			AlteredColumns: []diff.Pair[snapshot.Column]{{
				Old: snapshot.Column{Position: 1, Name: "id", DataType: "integer"},
				New: snapshot.Column{Position: 1, Name: "ident", DataType: "integer"},
			}},
		}
		if err := CheckColumnTypeChanges(idx, users, td); err != nil {
			t.Errorf("pure rename rejected: %v", err)
		}
	})

	t.Run("type change without dependents passes", func(t *testing.T) {
		td := diff.TableDiff{
			AlteredColumns: []diff.Pair[snapshot.Column]{{
				Old: snapshot.Column{Position: 2, Name: "note", DataType: "varchar(80)"},
				New: snapshot.Column{Position: 2, Name: "note", DataType: "text"},
			}},
		}
		if err := CheckColumnTypeChanges(idx, users, td); err != nil {
			t.Errorf("independent type change rejected: %v", err)
		}
	})
}
