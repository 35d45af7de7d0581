// Package cache builds the immutable in-memory view of one source's
// metadata that request paths read. A rebuild produces a fresh snapshot and
// a list of objects that no longer hang together; inconsistency is recorded,
// not raised, because by rebuild time the catalog mutation is already
// committed and cannot be undone.
package cache

import (
	"fmt"
	"sort"

	"github.com/pgtrack/pgtrack/internal/depend"
	"github.com/pgtrack/pgtrack/internal/metadata"
	"github.com/pgtrack/pgtrack/internal/snapshot"
)

// InconsistentObject records one metadata object that references something
// no longer present.
type InconsistentObject struct {
	Object depend.SourceObject
	Reason string
}

func (o InconsistentObject) String() string {
	return fmt.Sprintf("%s %s on %s: %s", o.Object.Kind, o.Object.Name, o.Object.Table, o.Reason)
}

// TableEntry is the resolved cache view of one tracked table.
type TableEntry struct {
	Table          snapshot.QualifiedName
	ExternalName   string
	Relationships  []metadata.Relationship
	ComputedFields []metadata.ComputedFieldDef
	EventTriggers  []metadata.EventTriggerDef
}

// Cache is an immutable snapshot of one source's resolved metadata. It is
// replaced wholesale after every reconciliation; readers hold a pointer and
// never observe a partially rebuilt state.
type Cache struct {
	Source        string
	Tables        map[snapshot.QualifiedName]*TableEntry
	ExternalNames map[string]snapshot.QualifiedName
	Inconsistent  []InconsistentObject
}

// Rebuild constructs the cache for one source from a metadata document.
// Relationships whose remote table is untracked and external-name collisions
// are surfaced as inconsistent objects and excluded from the usable cache.
func Rebuild(doc *metadata.Document, source string) (*Cache, []InconsistentObject, error) {
	src := doc.Sources[source]
	if src == nil {
		return nil, nil, fmt.Errorf("unknown metadata source %q", source)
	}

	c := &Cache{
		Source:        source,
		Tables:        make(map[snapshot.QualifiedName]*TableEntry, len(src.Tables)),
		ExternalNames: make(map[string]snapshot.QualifiedName, len(src.Tables)),
	}
	var inconsistent []InconsistentObject

	for _, name := range sortedTableNames(src) {
		t := src.Tables[name]
		entry := &TableEntry{
			Table:          t.Table,
			ExternalName:   t.ExternalName(),
			ComputedFields: t.ComputedFields,
			EventTriggers:  t.EventTriggers,
		}

		if holder, taken := c.ExternalNames[entry.ExternalName]; taken {
			inconsistent = append(inconsistent, InconsistentObject{
				Object: depend.SourceObject{Source: source, Table: t.Table, Kind: depend.KindTable},
				Reason: fmt.Sprintf("external name %q already exposed by %s", entry.ExternalName, holder),
			})
		} else {
			c.ExternalNames[entry.ExternalName] = t.Table
		}

		for _, rel := range t.Relationships {
			if _, tracked := src.Tables[rel.RemoteTable]; !tracked {
				inconsistent = append(inconsistent, InconsistentObject{
					Object: depend.SourceObject{
						Source: source,
						Table:  t.Table,
						Kind:   depend.KindRelationship,
						Name:   rel.Name,
					},
					Reason: fmt.Sprintf("remote table %s is not tracked", rel.RemoteTable),
				})
				continue
			}
			entry.Relationships = append(entry.Relationships, rel)
		}

		c.Tables[t.Table] = entry
	}

	c.Inconsistent = inconsistent
	return c, inconsistent, nil
}

func sortedTableNames(src *metadata.SourceMetadata) []snapshot.QualifiedName {
	names := make([]snapshot.QualifiedName, 0, len(src.Tables))
	for name := range src.Tables {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].String() < names[j].String() })
	return names
}
