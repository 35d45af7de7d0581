package snapshot

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Querier is the subset of database/sql needed to read the catalog. Both
// *sql.DB and *sql.Tx satisfy it; the reconciler always passes its
// transaction so the pre and post snapshots observe the same catalog state
// as the mutation itself.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Inspector reads tracked catalog objects into a Snapshot.
type Inspector struct {
	q Querier
}

func NewInspector(q Querier) *Inspector {
	return &Inspector{q: q}
}

// Take snapshots the tracked tables and functions from the live catalog.
// Objects named by the filters but absent from the catalog simply yield no
// entry; the diff engine later reports them as dropped.
//
// prior may carry the pre-mutation snapshot. Its object identities are then
// included in the filter alongside the tracked names, so a table or function
// the mutation renamed is still observed under its new name instead of
// appearing dropped. Objects the mutation created match neither filter and
// stay invisible, which is the intended tracked-only behavior.
func (i *Inspector) Take(ctx context.Context, tables []TrackedTable, functions []QualifiedName, prior *Snapshot) (*Snapshot, error) {
	snap := &Snapshot{
		Tables:          make(map[StableID]Table),
		Functions:       make(map[StableID]FunctionMeta),
		FunctionsByName: make(map[QualifiedName][]FunctionMeta),
	}

	var priorFunctionOIDs []int64
	if prior != nil {
		for oid := range prior.Functions {
			priorFunctionOIDs = append(priorFunctionOIDs, int64(oid))
		}
	}

	if err := i.loadFunctions(ctx, snap, functionFilter(tables, functions), priorFunctionOIDs); err != nil {
		return nil, fmt.Errorf("failed to snapshot functions: %w", err)
	}
	if err := i.loadTables(ctx, snap, tables, prior); err != nil {
		return nil, fmt.Errorf("failed to snapshot tables: %w", err)
	}
	return snap, nil
}

// functionFilter merges explicitly tracked functions with every function
// bound by a tracked table's computed fields, so computed-field bindings can
// be resolved against the same snapshot.
func functionFilter(tables []TrackedTable, functions []QualifiedName) []QualifiedName {
	seen := make(map[QualifiedName]bool, len(functions))
	var names []QualifiedName
	for _, fn := range functions {
		if !seen[fn] {
			seen[fn] = true
			names = append(names, fn)
		}
	}
	for _, t := range tables {
		for _, cf := range t.ComputedFields {
			if !seen[cf.Function] {
				seen[cf.Function] = true
				names = append(names, cf.Function)
			}
		}
	}
	return names
}

func (i *Inspector) loadFunctions(ctx context.Context, snap *Snapshot, names []QualifiedName, priorOIDs []int64) error {
	if len(names) == 0 && len(priorOIDs) == 0 {
		return nil
	}
	qualified := make([]string, len(names))
	for idx, n := range names {
		qualified[idx] = n.String()
	}

	rows, err := i.q.QueryContext(ctx, `
		SELECT p.oid, n.nspname, p.proname, p.provolatile
		FROM pg_catalog.pg_proc p
		JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
		WHERE n.nspname || '.' || p.proname = ANY($1::text[])
		   OR p.oid = ANY($2::oid[])
		ORDER BY p.oid`,
		pq.Array(qualified), pq.Array(priorOIDs))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			oid        int64
			schema     string
			name       string
			volatility string
		)
		if err := rows.Scan(&oid, &schema, &name, &volatility); err != nil {
			return err
		}
		fn := FunctionMeta{
			OID:        StableID(oid),
			Name:       QualifiedName{Schema: schema, Name: name},
			Volatility: parseVolatility(volatility),
		}
		snap.Functions[fn.OID] = fn
		snap.FunctionsByName[fn.Name] = append(snap.FunctionsByName[fn.Name], fn)
	}
	return rows.Err()
}

func parseVolatility(provolatile string) Volatility {
	switch provolatile {
	case "i":
		return VolatilityImmutable
	case "s":
		return VolatilityStable
	default:
		return VolatilityVolatile
	}
}

func (i *Inspector) loadTables(ctx context.Context, snap *Snapshot, tracked []TrackedTable, prior *Snapshot) error {
	var priorOIDs []int64
	if prior != nil {
		for oid := range prior.Tables {
			priorOIDs = append(priorOIDs, int64(oid))
		}
	}
	if len(tracked) == 0 && len(priorOIDs) == 0 {
		return nil
	}
	qualified := make([]string, len(tracked))
	computedByName := make(map[QualifiedName][]TrackedComputedField, len(tracked))
	for idx, t := range tracked {
		qualified[idx] = t.Name.String()
		computedByName[t.Name] = t.ComputedFields
	}

	rows, err := i.q.QueryContext(ctx, `
		SELECT c.oid, n.nspname, c.relname, d.description
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_catalog.pg_description d ON d.objoid = c.oid AND d.objsubid = 0
		WHERE c.relkind IN ('r', 'p')
		  AND (n.nspname || '.' || c.relname = ANY($1::text[]) OR c.oid = ANY($2::oid[]))
		ORDER BY c.oid`,
		pq.Array(qualified), pq.Array(priorOIDs))
	if err != nil {
		return err
	}
	defer rows.Close()

	var oids []int64
	for rows.Next() {
		var (
			oid         int64
			schema      string
			name        string
			description sql.NullString
		)
		if err := rows.Scan(&oid, &schema, &name, &description); err != nil {
			return err
		}
		t := Table{
			OID:  StableID(oid),
			Name: QualifiedName{Schema: schema, Name: name},
		}
		if description.Valid {
			t.Description = &description.String
		}
		// A table renamed since the prior snapshot no longer matches its
		// tracked name; its computed-field bindings carry over by identity.
		fields := computedByName[t.Name]
		if fields == nil && prior != nil {
			if pt, ok := prior.Tables[t.OID]; ok {
				fields = trackedFieldsOf(pt)
			}
		}
		t.ComputedFields = resolveComputedFields(fields, snap.FunctionsByName)
		snap.Tables[t.OID] = t
		oids = append(oids, oid)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(oids) == 0 {
		return nil
	}

	if err := i.loadColumns(ctx, snap, oids); err != nil {
		return fmt.Errorf("columns: %w", err)
	}
	if err := i.loadKeyConstraints(ctx, snap, oids); err != nil {
		return fmt.Errorf("key constraints: %w", err)
	}
	if err := i.loadForeignKeys(ctx, snap, oids); err != nil {
		return fmt.Errorf("foreign keys: %w", err)
	}
	return nil
}

// trackedFieldsOf recovers the tracked computed-field bindings from a prior
// table snapshot, deduplicating overload expansions back to one binding per
// (field, function name).
func trackedFieldsOf(t Table) []TrackedComputedField {
	seen := make(map[TrackedComputedField]bool, len(t.ComputedFields))
	var fields []TrackedComputedField
	for _, cf := range t.ComputedFields {
		tf := TrackedComputedField{FieldName: cf.Name, Function: cf.Function.Name}
		if !seen[tf] {
			seen[tf] = true
			fields = append(fields, tf)
		}
	}
	return fields
}

func (i *Inspector) loadColumns(ctx context.Context, snap *Snapshot, oids []int64) error {
	rows, err := i.q.QueryContext(ctx, `
		SELECT a.attrelid, a.attnum, a.attname,
		       pg_catalog.format_type(a.atttypid, a.atttypmod),
		       NOT a.attnotnull
		FROM pg_catalog.pg_attribute a
		WHERE a.attrelid = ANY($1::oid[]) AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attrelid, a.attnum`,
		pq.Array(oids))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			relid    int64
			position int
			name     string
			dataType string
			nullable bool
		)
		if err := rows.Scan(&relid, &position, &name, &dataType, &nullable); err != nil {
			return err
		}
		t := snap.Tables[StableID(relid)]
		t.Columns = append(t.Columns, Column{
			Position:   position,
			Name:       name,
			DataType:   dataType,
			IsNullable: nullable,
		})
		snap.Tables[StableID(relid)] = t
	}
	return rows.Err()
}

func (i *Inspector) loadKeyConstraints(ctx context.Context, snap *Snapshot, oids []int64) error {
	rows, err := i.q.QueryContext(ctx, `
		SELECT con.oid, con.conrelid, con.conname, con.contype,
		       (SELECT array_agg(a.attname ORDER BY k.ord)
		          FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
		          JOIN pg_catalog.pg_attribute a
		            ON a.attrelid = con.conrelid AND a.attnum = k.attnum)
		FROM pg_catalog.pg_constraint con
		WHERE con.conrelid = ANY($1::oid[]) AND con.contype IN ('p', 'u')
		ORDER BY con.oid`,
		pq.Array(oids))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			oid     int64
			relid   int64
			name    string
			contype string
			columns []string
		)
		if err := rows.Scan(&oid, &relid, &name, &contype, pq.Array(&columns)); err != nil {
			return err
		}
		con := Constraint{OID: StableID(oid), Name: name, Columns: columns}
		t := snap.Tables[StableID(relid)]
		if contype == "p" {
			t.PrimaryKey = &con
		} else {
			t.UniqueConstraints = append(t.UniqueConstraints, con)
		}
		snap.Tables[StableID(relid)] = t
	}
	return rows.Err()
}

func (i *Inspector) loadForeignKeys(ctx context.Context, snap *Snapshot, oids []int64) error {
	rows, err := i.q.QueryContext(ctx, `
		SELECT con.oid, con.conrelid, con.conname, tn.nspname, tc.relname,
		       (SELECT array_agg(a.attname ORDER BY k.ord)
		          FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
		          JOIN pg_catalog.pg_attribute a
		            ON a.attrelid = con.conrelid AND a.attnum = k.attnum),
		       (SELECT array_agg(a.attname ORDER BY k.ord)
		          FROM unnest(con.confkey) WITH ORDINALITY AS k(attnum, ord)
		          JOIN pg_catalog.pg_attribute a
		            ON a.attrelid = con.confrelid AND a.attnum = k.attnum)
		FROM pg_catalog.pg_constraint con
		JOIN pg_catalog.pg_class tc ON tc.oid = con.confrelid
		JOIN pg_catalog.pg_namespace tn ON tn.oid = tc.relnamespace
		WHERE con.conrelid = ANY($1::oid[]) AND con.contype = 'f'
		ORDER BY con.oid`,
		pq.Array(oids))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			oid          int64
			relid        int64
			name         string
			targetSchema string
			targetName   string
			fromColumns  []string
			toColumns    []string
		)
		if err := rows.Scan(&oid, &relid, &name, &targetSchema, &targetName,
			pq.Array(&fromColumns), pq.Array(&toColumns)); err != nil {
			return err
		}
		if len(fromColumns) != len(toColumns) {
			return fmt.Errorf("constraint %s: mismatched column mapping", name)
		}
		mapping := make(map[string]string, len(fromColumns))
		for idx, from := range fromColumns {
			mapping[from] = toColumns[idx]
		}
		t := snap.Tables[StableID(relid)]
		t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
			OID:           StableID(oid),
			Name:          name,
			TargetTable:   QualifiedName{Schema: targetSchema, Name: targetName},
			ColumnMapping: mapping,
		})
		snap.Tables[StableID(relid)] = t
	}
	return rows.Err()
}
