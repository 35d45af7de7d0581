// Package snapshot models the slice of catalog state the reconciliation
// engine compares before and after a raw SQL mutation: tracked tables with
// their columns, constraints and computed fields, plus tracked functions.
// Every diffable object carries its catalog OID as a stable identity that
// survives renames but not drop/recreate.
package snapshot

import (
	"fmt"
	"sort"
	"strings"
)

// StableID is a catalog-assigned object identifier (pg OID).
type StableID uint32

// QualifiedName is a schema-qualified object name.
type QualifiedName struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

func (q QualifiedName) String() string {
	return q.Schema + "." + q.Name
}

// MarshalText lets QualifiedName serve as a JSON map key.
func (q QualifiedName) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

func (q *QualifiedName) UnmarshalText(text []byte) error {
	s := string(text)
	idx := strings.Index(s, ".")
	if idx < 0 {
		return fmt.Errorf("invalid qualified name %q", s)
	}
	q.Schema = s[:idx]
	q.Name = s[idx+1:]
	return nil
}

// Volatility is a function's side-effect classification.
type Volatility string

const (
	VolatilityImmutable Volatility = "IMMUTABLE"
	VolatilityStable    Volatility = "STABLE"
	VolatilityVolatile  Volatility = "VOLATILE"
)

// FunctionMeta describes one physical function. A tracked name may expand to
// several FunctionMeta entries when the catalog holds overloads.
type FunctionMeta struct {
	OID        StableID
	Name       QualifiedName
	Volatility Volatility
}

// Column is a table column. Position is the diffing identity: a rename shows
// up as the same positional slot changing its name, which is what lets the
// diff engine tell "renamed" apart from "dropped plus added".
type Column struct {
	Position   int
	Name       string
	DataType   string
	IsNullable bool
}

// Constraint is a primary-key or unique constraint.
type Constraint struct {
	OID     StableID
	Name    string
	Columns []string
}

// ForeignKey is a foreign-key constraint with its column mapping.
type ForeignKey struct {
	OID           StableID
	Name          string
	TargetTable   QualifiedName
	ColumnMapping map[string]string // local column -> referenced column
}

// SemanticKey identifies a foreign key by what it means rather than by its
// OID, so a constraint dropped and recreated with identical semantics is not
// treated as a change.
func (fk ForeignKey) SemanticKey() string {
	pairs := make([]string, 0, len(fk.ColumnMapping))
	for from, to := range fk.ColumnMapping {
		pairs = append(pairs, from+"->"+to)
	}
	sort.Strings(pairs)
	return fk.TargetTable.String() + "(" + strings.Join(pairs, ",") + ")"
}

// ComputedField is a named binding from a table to a function. Its diffing
// identity is the bound function's OID, not the field name: the same name may
// be rebound to a recreated function with a new identity.
type ComputedField struct {
	Name     string
	Function FunctionMeta
}

// Table is the snapshot of one tracked table.
type Table struct {
	OID               StableID
	Name              QualifiedName
	Columns           []Column
	PrimaryKey        *Constraint
	UniqueConstraints []Constraint
	ForeignKeys       []ForeignKey
	Description       *string
	ComputedFields    []ComputedField
}

// TrackedComputedField names a computed-field binding recorded in metadata.
type TrackedComputedField struct {
	FieldName string
	Function  QualifiedName
}

// TrackedTable is the metadata-side description of a table the snapshot
// should cover.
type TrackedTable struct {
	Name           QualifiedName
	ComputedFields []TrackedComputedField
}

// Snapshot is the catalog state visible to one reconciliation pass. It is
// filtered to tracked objects but read from the live catalog, so it reflects
// reality even for tracked objects altered outside this flow.
type Snapshot struct {
	Tables    map[StableID]Table
	Functions map[StableID]FunctionMeta
	// FunctionsByName indexes physical functions by tracked name; more than
	// one entry per name means the name is overloaded.
	FunctionsByName map[QualifiedName][]FunctionMeta
}

// TableNames returns the qualified names of all tables in the snapshot,
// sorted for deterministic output.
func (s *Snapshot) TableNames() []QualifiedName {
	names := make([]QualifiedName, 0, len(s.Tables))
	for _, t := range s.Tables {
		names = append(names, t.Name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].String() < names[j].String() })
	return names
}

// resolveComputedFields expands tracked computed-field bindings against the
// function index. A field whose bound function has disappeared yields no
// entry; its absence is later detected as a drop by the diff engine.
func resolveComputedFields(tracked []TrackedComputedField, byName map[QualifiedName][]FunctionMeta) []ComputedField {
	var fields []ComputedField
	for _, tf := range tracked {
		for _, fn := range byName[tf.Function] {
			fields = append(fields, ComputedField{Name: tf.FieldName, Function: fn})
		}
	}
	return fields
}
