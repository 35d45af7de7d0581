// Package diff computes structural deltas between two catalog snapshots.
// All comparisons are keyed by stable identity (OID or column position),
// never by transient names, so renames are distinguishable from
// drop-and-recreate.
package diff

import (
	"sort"

	"github.com/pgtrack/pgtrack/internal/snapshot"
)

// Pair holds the old and new sides of an overlapping element.
type Pair[T any] struct {
	Old T
	New T
}

// Overlap returns pairs whose key is present on both sides, in right-side
// iteration order.
func Overlap[T any, K comparable](key func(T) K, left, right []T) []Pair[T] {
	byKey := make(map[K]T, len(left))
	for _, l := range left {
		byKey[key(l)] = l
	}
	var pairs []Pair[T]
	for _, r := range right {
		if l, ok := byKey[key(r)]; ok {
			pairs = append(pairs, Pair[T]{Old: l, New: r})
		}
	}
	return pairs
}

// Difference returns left elements whose key is absent on the right.
func Difference[T any, K comparable](key func(T) K, left, right []T) []T {
	present := make(map[K]bool, len(right))
	for _, r := range right {
		present[key(r)] = true
	}
	var out []T
	for _, l := range left {
		if !present[key(l)] {
			out = append(out, l)
		}
	}
	return out
}

// ComputedFieldDiff describes computed-field changes within one table.
type ComputedFieldDiff struct {
	// Dropped lists field names whose bound function identity disappeared.
	Dropped []string
	// Altered pairs bindings with the same function identity whose snapshot
	// changed (in practice: volatility).
	Altered []Pair[snapshot.ComputedField]
	// Overloaded lists bindings whose field name resolves, within the new
	// snapshot, to more than one distinct function.
	Overloaded []snapshot.ComputedField
}

func (d ComputedFieldDiff) IsEmpty() bool {
	return len(d.Dropped) == 0 && len(d.Altered) == 0 && len(d.Overloaded) == 0
}

// TableDiff describes changes to one surviving table (same OID on both sides).
type TableDiff struct {
	RenamedTo                *snapshot.QualifiedName
	DroppedColumns           []snapshot.Column
	AddedColumns             []snapshot.Column
	AlteredColumns           []Pair[snapshot.Column]
	DroppedForeignKeys       []snapshot.ForeignKey
	SurvivingConstraintNames []string
	ComputedFields           ComputedFieldDiff
	NewDescription           *string
}

func (d TableDiff) IsEmpty() bool {
	return d.RenamedTo == nil &&
		len(d.DroppedColumns) == 0 &&
		len(d.AddedColumns) == 0 &&
		len(d.AlteredColumns) == 0 &&
		len(d.DroppedForeignKeys) == 0 &&
		d.ComputedFields.IsEmpty() &&
		d.NewDescription == nil
}

// AlteredTable carries a surviving table's diff keyed by its pre-mutation
// name, so lookups into pre-mutation metadata work even after a rename.
type AlteredTable struct {
	OldName snapshot.QualifiedName
	Old     snapshot.Table
	New     snapshot.Table
	Diff    TableDiff
}

// SchemaDiff is the table-level delta between two snapshots.
type SchemaDiff struct {
	// DroppedTables holds tables whose identity is present in the old
	// snapshot and absent in the new. A drop-and-recreate under the same
	// name lands here; the recreated table is untracked and never observed.
	DroppedTables []snapshot.Table
	AlteredTables []AlteredTable
}

func (d SchemaDiff) IsEmpty() bool {
	return len(d.DroppedTables) == 0 && len(d.AlteredTables) == 0
}

// FunctionDiff is the function-level delta. Only volatility changes are
// tracked for surviving identities; signature changes are out of scope.
type FunctionDiff struct {
	Dropped []snapshot.FunctionMeta
	Altered []Pair[snapshot.FunctionMeta]
}

func (d FunctionDiff) IsEmpty() bool {
	return len(d.Dropped) == 0 && len(d.Altered) == 0
}

// Schema computes the table delta between two snapshots, keyed by OID.
func Schema(old, new *snapshot.Snapshot) SchemaDiff {
	oldTables := sortedTables(old)
	newTables := sortedTables(new)

	tableOID := func(t snapshot.Table) snapshot.StableID { return t.OID }

	var sd SchemaDiff
	sd.DroppedTables = Difference(tableOID, oldTables, newTables)

	for _, pair := range Overlap(tableOID, oldTables, newTables) {
		td := Tables(pair.Old, pair.New)
		if td.IsEmpty() {
			continue
		}
		sd.AlteredTables = append(sd.AlteredTables, AlteredTable{
			OldName: pair.Old.Name,
			Old:     pair.Old,
			New:     pair.New,
			Diff:    td,
		})
	}
	return sd
}

// Tables diffs two snapshots of the same table. Callers must only invoke it
// for matching identities.
func Tables(old, new snapshot.Table) TableDiff {
	var td TableDiff

	if old.Name != new.Name {
		renamed := new.Name
		td.RenamedTo = &renamed
	}

	position := func(c snapshot.Column) int { return c.Position }
	td.AddedColumns = Difference(position, new.Columns, old.Columns)
	td.DroppedColumns = Difference(position, old.Columns, new.Columns)
	for _, pair := range Overlap(position, old.Columns, new.Columns) {
		if pair.Old != pair.New {
			td.AlteredColumns = append(td.AlteredColumns, pair)
		}
	}

	td.DroppedForeignKeys = droppedForeignKeys(old.ForeignKeys, new.ForeignKeys)
	td.SurvivingConstraintNames = survivingConstraintNames(old, new)
	td.ComputedFields = computedFields(old.ComputedFields, new.ComputedFields)

	if !equalDescription(old.Description, new.Description) {
		td.NewDescription = new.Description
	}
	return td
}

// droppedForeignKeys reports a constraint as dropped only when both its OID
// and its semantic (target, column mapping) key vanish. A constraint
// recreated with a new OID but identical semantics survives, so no-op
// DROP CONSTRAINT; ADD CONSTRAINT idioms never trigger cascade purges.
func droppedForeignKeys(old, new []snapshot.ForeignKey) []snapshot.ForeignKey {
	byOID := func(fk snapshot.ForeignKey) snapshot.StableID { return fk.OID }
	bySemantics := func(fk snapshot.ForeignKey) string { return fk.SemanticKey() }

	semanticallyDropped := make(map[snapshot.StableID]bool)
	for _, fk := range Difference(bySemantics, old, new) {
		semanticallyDropped[fk.OID] = true
	}

	var dropped []snapshot.ForeignKey
	for _, fk := range Difference(byOID, old, new) {
		if semanticallyDropped[fk.OID] {
			dropped = append(dropped, fk)
		}
	}
	return dropped
}

func survivingConstraintNames(old, new snapshot.Table) []string {
	name := func(c snapshot.Constraint) string { return c.Name }
	oldCons := keyConstraints(old)
	newCons := keyConstraints(new)

	var names []string
	for _, pair := range Overlap(name, oldCons, newCons) {
		names = append(names, pair.New.Name)
	}
	sort.Strings(names)
	return names
}

func keyConstraints(t snapshot.Table) []snapshot.Constraint {
	var cons []snapshot.Constraint
	if t.PrimaryKey != nil {
		cons = append(cons, *t.PrimaryKey)
	}
	cons = append(cons, t.UniqueConstraints...)
	return cons
}

func computedFields(old, new []snapshot.ComputedField) ComputedFieldDiff {
	funcID := func(cf snapshot.ComputedField) snapshot.StableID { return cf.Function.OID }

	var d ComputedFieldDiff
	for _, cf := range Difference(funcID, old, new) {
		d.Dropped = append(d.Dropped, cf.Name)
	}
	for _, pair := range Overlap(funcID, old, new) {
		if pair.Old != pair.New {
			d.Altered = append(d.Altered, pair)
		}
	}
	d.Overloaded = overloadedComputedFields(new)
	return d
}

// overloadedComputedFields flags field names bound, within the new snapshot,
// to more than one distinct function simultaneously.
func overloadedComputedFields(fields []snapshot.ComputedField) []snapshot.ComputedField {
	bindings := make(map[string]map[snapshot.StableID]bool)
	for _, cf := range fields {
		if bindings[cf.Name] == nil {
			bindings[cf.Name] = make(map[snapshot.StableID]bool)
		}
		bindings[cf.Name][cf.Function.OID] = true
	}

	var overloaded []snapshot.ComputedField
	for _, cf := range fields {
		if len(bindings[cf.Name]) > 1 {
			overloaded = append(overloaded, cf)
		}
	}
	return overloaded
}

// Functions computes the function delta between two snapshots, keyed by OID.
func Functions(old, new *snapshot.Snapshot) FunctionDiff {
	oldFns := sortedFunctions(old)
	newFns := sortedFunctions(new)

	funcOID := func(fn snapshot.FunctionMeta) snapshot.StableID { return fn.OID }

	var fd FunctionDiff
	fd.Dropped = Difference(funcOID, oldFns, newFns)
	for _, pair := range Overlap(funcOID, oldFns, newFns) {
		if pair.Old.Volatility != pair.New.Volatility {
			fd.Altered = append(fd.Altered, pair)
		}
	}
	return fd
}

// OverloadedFunctions returns tracked names that resolve to more than one
// physical function in the post-mutation snapshot. This guards plain tracked
// functions; computed-field overloading is a separate check.
func OverloadedFunctions(tracked []snapshot.QualifiedName, post *snapshot.Snapshot) []snapshot.QualifiedName {
	var overloaded []snapshot.QualifiedName
	for _, name := range tracked {
		distinct := make(map[snapshot.StableID]bool)
		for _, fn := range post.FunctionsByName[name] {
			distinct[fn.OID] = true
		}
		if len(distinct) > 1 {
			overloaded = append(overloaded, name)
		}
	}
	sort.Slice(overloaded, func(i, j int) bool {
		return overloaded[i].String() < overloaded[j].String()
	})
	return overloaded
}

func sortedTables(s *snapshot.Snapshot) []snapshot.Table {
	tables := make([]snapshot.Table, 0, len(s.Tables))
	for _, t := range s.Tables {
		tables = append(tables, t)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].OID < tables[j].OID })
	return tables
}

func sortedFunctions(s *snapshot.Snapshot) []snapshot.FunctionMeta {
	fns := make([]snapshot.FunctionMeta, 0, len(s.Functions))
	for _, fn := range s.Functions {
		fns = append(fns, fn)
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].OID < fns[j].OID })
	return fns
}

func equalDescription(old, new *string) bool {
	if (old == nil) != (new == nil) {
		return false
	}
	return old == nil || *old == *new
}
