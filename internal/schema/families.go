package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Fixed-name shards of the bulk archive.
const (
	ShardCatalogValues     = "Katalogwerte"
	ShardCatalogCategories = "Katalogkategorien"
	ShardUnitTypes         = "Einheitentypen"
)

// Family binds a bulk shard family to its table.
type Family struct {
	Name  string
	Table string
}

var otherFamilies = []Family{
	{Name: "Lokationen", Table: TableLocationsExtended},
	{Name: "Marktakteure", Table: TableMarketActors},
	{Name: "Marktrollen", Table: TableMarketRoles},
	{Name: "Netze", Table: TableGrids},
	{Name: "Netzanschlusspunkte", Table: TableGridConnections},
	{Name: "Bilanzierungsgebiete", Table: TableBalancingArea},
	{Name: "EinheitenGenehmigung", Table: TablePermit},
	{Name: "AnlagenKwk", Table: TableKwk},
	{Name: "GeloeschteUndDeaktivierteEinheiten", Table: TableDeletedUnits},
	{Name: "Ertuechtigungen", Table: TableRetrofitUnits},
	{Name: "EinheitenAenderungNetzbetreiberzuordnungen", Table: TableChangedDSO},
	{Name: "AnlagenStromSpeicher", Table: TableStorageUnits},
}

// categories maps each non-unit data category to its families.
var categories = map[string][]string{
	"location":               {"Lokationen"},
	"market":                 {"Marktakteure", "Marktrollen"},
	"grid":                   {"Netze", "Netzanschlusspunkte"},
	"balancing_area":         {"Bilanzierungsgebiete"},
	"permit":                 {"EinheitenGenehmigung"},
	"kwk":                    {"AnlagenKwk"},
	"deleted_units":          {"GeloeschteUndDeaktivierteEinheiten"},
	"retrofit_units":         {"Ertuechtigungen"},
	"changed_dso_assignment": {"EinheitenAenderungNetzbetreiberzuordnungen"},
	"storage_units":          {"AnlagenStromSpeicher"},
}

var families = buildFamilies()

func buildFamilies() map[string]Family {
	m := map[string]Family{}
	for _, k := range unitKinds {
		m[strings.ToLower(k.ExtendedFamily)] = Family{Name: k.ExtendedFamily, Table: k.ExtendedTable}
		if k.EegFamily != "" {
			m[strings.ToLower(k.EegFamily)] = Family{Name: k.EegFamily, Table: k.EegTable}
		}
	}
	for _, f := range otherFamilies {
		m[strings.ToLower(f.Name)] = f
	}
	return m
}

// LookupFamily resolves a shard family name case-insensitively.
func LookupFamily(name string) (Family, bool) {
	f, ok := families[strings.ToLower(name)]
	return f, ok
}

// FamilyTable returns the registry table a family lands in.
func FamilyTable(name string) (Table, bool) {
	f, ok := LookupFamily(name)
	if !ok {
		return Table{}, false
	}
	return LookupTable(f.Table)
}

// Categories returns every data category accepted by the bulk selector.
func Categories() []string {
	out := UnitKindNames()
	for c := range categories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// FamiliesFor translates a data selection into the set of shard families,
// keyed by lower-cased family name. An empty selection selects everything.
func FamiliesFor(selection []string) (map[string]Family, error) {
	if len(selection) == 0 {
		selection = Categories()
	}
	out := map[string]Family{}
	add := func(name string) {
		f, _ := LookupFamily(name)
		out[strings.ToLower(name)] = f
	}
	for _, raw := range selection {
		c := strings.ToLower(strings.TrimSpace(raw))
		if k, ok := LookupUnitKind(c); ok {
			add(k.ExtendedFamily)
			if k.EegFamily != "" {
				add(k.EegFamily)
			}
			continue
		}
		names, ok := categories[c]
		if !ok {
			return nil, fmt.Errorf("unknown data category %q", raw)
		}
		for _, n := range names {
			add(n)
		}
	}
	return out, nil
}
