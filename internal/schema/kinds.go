// Package schema is the registry every other component consults for table
// shapes: shard family → table, primary keys, column type classes, renames,
// catalog-coded columns, unit kinds, detail kinds, and SOAP operation names.
//
// Adding a shard family is a registry entry here; no pipeline code changes.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// UnitKind is one partition of the unit taxonomy.
type UnitKind struct {
	// Name is the short tag used in selectors and table names ("wind").
	Name string
	// Einheittyp is the label the registry puts into basic_units.Einheittyp.
	Einheittyp string
	// Carrier is the energietraeger filter of GetGefilterteListeStromErzeuger.
	// Empty means the kind is paged through GetListeAlleEinheiten and filtered
	// on Einheittyp.
	Carrier string

	ExtendedOp     string
	ExtendedTable  string
	ExtendedFamily string
	EegOp          string
	EegTable       string
	EegFamily      string

	// Details lists the detail kinds the registry offers for this kind.
	Details []DetailKind
}

// HasDetail reports whether d is offered for k.
func (k UnitKind) HasDetail(d DetailKind) bool {
	for _, x := range k.Details {
		if x == d {
			return true
		}
	}
	return false
}

// DetailKind names one per-unit detail lookup family.
type DetailKind string

const (
	Extended DetailKind = "extended"
	Eeg      DetailKind = "eeg"
	Kwk      DetailKind = "kwk"
	Permit   DetailKind = "permit"
)

// DetailKinds returns the detail kinds in processing order.
func DetailKinds() []DetailKind { return []DetailKind{Extended, Eeg, Kwk, Permit} }

// ParseDetailKind accepts the lower-case tag.
func ParseDetailKind(s string) (DetailKind, error) {
	for _, d := range DetailKinds() {
		if string(d) == strings.ToLower(strings.TrimSpace(s)) {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown detail kind %q", s)
}

// Key is the column naming the detail record, both in basic_units and in the
// detail table.
func (d DetailKind) Key() string {
	switch d {
	case Eeg:
		return "EegMastrNummer"
	case Kwk:
		return "KwkMastrNummer"
	case Permit:
		return "GenMastrNummer"
	default:
		return "EinheitMastrNummer"
	}
}

// Param is the SOAP parameter that carries the detail key.
func (d DetailKind) Param() string {
	switch d {
	case Eeg:
		return "eegMastrNummer"
	case Kwk:
		return "kwkMastrNummer"
	case Permit:
		return "genMastrNummer"
	default:
		return "einheitMastrNummer"
	}
}

// Table returns the detail table for d under kind k.
func (d DetailKind) Table(k UnitKind) string {
	switch d {
	case Eeg:
		return k.EegTable
	case Kwk:
		return TableKwk
	case Permit:
		return TablePermit
	default:
		return k.ExtendedTable
	}
}

// Operation returns the SOAP operation serving d under kind k.
func (d DetailKind) Operation(k UnitKind) string {
	switch d {
	case Eeg:
		return k.EegOp
	case Kwk:
		return OpKwk
	case Permit:
		return OpPermit
	default:
		return k.ExtendedOp
	}
}

var generatorDetails = []DetailKind{Extended, Eeg, Permit}

var unitKinds = []UnitKind{
	{
		Name: "wind", Einheittyp: "Windeinheit", Carrier: "Wind",
		ExtendedOp: "GetEinheitWind", ExtendedTable: "wind_extended", ExtendedFamily: "EinheitenWind",
		EegOp: "GetAnlageEegWind", EegTable: "wind_eeg", EegFamily: "AnlagenEegWind",
		Details: generatorDetails,
	},
	{
		Name: "solar", Einheittyp: "Solareinheit", Carrier: "SolareStrahlungsenergie",
		ExtendedOp: "GetEinheitSolar", ExtendedTable: "solar_extended", ExtendedFamily: "EinheitenSolar",
		EegOp: "GetAnlageEegSolar", EegTable: "solar_eeg", EegFamily: "AnlagenEegSolar",
		Details: generatorDetails,
	},
	{
		Name: "biomass", Einheittyp: "Biomasse", Carrier: "Biomasse",
		ExtendedOp: "GetEinheitBiomasse", ExtendedTable: "biomass_extended", ExtendedFamily: "EinheitenBiomasse",
		EegOp: "GetAnlageEegBiomasse", EegTable: "biomass_eeg", EegFamily: "AnlagenEegBiomasse",
		Details: []DetailKind{Extended, Eeg, Kwk, Permit},
	},
	{
		Name: "hydro", Einheittyp: "Wasser", Carrier: "Wasser",
		ExtendedOp: "GetEinheitWasser", ExtendedTable: "hydro_extended", ExtendedFamily: "EinheitenWasser",
		EegOp: "GetAnlageEegWasser", EegTable: "hydro_eeg", EegFamily: "AnlagenEegWasser",
		Details: generatorDetails,
	},
	{
		Name: "gsgk", Einheittyp: "Geothermie", Carrier: "Geothermie",
		ExtendedOp: "GetEinheitGeothermieGrubengasDruckentspannung", ExtendedTable: "gsgk_extended",
		ExtendedFamily: "EinheitenGeothermieGrubengasDruckentspannung",
		EegOp: "GetAnlageEegGeothermieGrubengasDruckentspannung", EegTable: "gsgk_eeg",
		EegFamily: "AnlagenEegGeothermieGrubengasDruckentspannung",
		Details: []DetailKind{Extended, Eeg, Kwk, Permit},
	},
	{
		Name: "combustion", Einheittyp: "Verbrennung",
		ExtendedOp: "GetEinheitVerbrennung", ExtendedTable: "combustion_extended", ExtendedFamily: "EinheitenVerbrennung",
		Details: []DetailKind{Extended, Kwk, Permit},
	},
	{
		Name: "nuclear", Einheittyp: "Kernenergie", Carrier: "Kernenergie",
		ExtendedOp: "GetEinheitKernkraft", ExtendedTable: "nuclear_extended", ExtendedFamily: "EinheitenKernkraft",
		Details: []DetailKind{Extended, Permit},
	},
	{
		Name: "storage", Einheittyp: "Stromspeichereinheit", Carrier: "Speicher",
		ExtendedOp: "GetEinheitStromSpeicher", ExtendedTable: "storage_extended", ExtendedFamily: "EinheitenStromSpeicher",
		EegOp: "GetAnlageEegSpeicher", EegTable: "storage_eeg", EegFamily: "AnlagenEegSpeicher",
		Details: generatorDetails,
	},
	{
		Name: "gas_storage", Einheittyp: "Gasspeichereinheit",
		ExtendedOp: "GetEinheitGasSpeicher", ExtendedTable: "gas_storage_extended", ExtendedFamily: "EinheitenGasSpeicher",
		Details: []DetailKind{Extended},
	},
	{
		Name: "gas_consumer", Einheittyp: "Gasverbrauchseinheit",
		ExtendedOp: "GetEinheitGasVerbraucher", ExtendedTable: "gas_consumer", ExtendedFamily: "EinheitenGasverbraucher",
		Details: []DetailKind{Extended},
	},
	{
		Name: "electricity_consumer", Einheittyp: "Stromverbrauchseinheit",
		ExtendedOp: "GetEinheitStromVerbraucher", ExtendedTable: "electricity_consumer", ExtendedFamily: "EinheitenStromVerbraucher",
		Details: []DetailKind{Extended},
	},
	{
		Name: "gas_producer", Einheittyp: "Gaserzeugungseinheit",
		ExtendedOp: "GetEinheitGasErzeuger", ExtendedTable: "gas_producer", ExtendedFamily: "EinheitenGasErzeuger",
		Details: []DetailKind{Extended},
	},
}

// UnitKinds returns every unit kind in registry order.
func UnitKinds() []UnitKind { return append([]UnitKind(nil), unitKinds...) }

// LookupUnitKind finds a kind by its short tag.
func LookupUnitKind(name string) (UnitKind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, k := range unitKinds {
		if k.Name == name {
			return k, true
		}
	}
	return UnitKind{}, false
}

// KindForEinheittyp reverses the Einheittyp label. Only the canonical labels
// listed in the registry resolve; legacy spellings such as "Stromspeicher"
// are rejected.
func KindForEinheittyp(label string) (UnitKind, bool) {
	for _, k := range unitKinds {
		if k.Einheittyp == label {
			return k, true
		}
	}
	return UnitKind{}, false
}

// UnitKindNames returns the sorted short tags.
func UnitKindNames() []string {
	out := make([]string, 0, len(unitKinds))
	for _, k := range unitKinds {
		out = append(out, k.Name)
	}
	sort.Strings(out)
	return out
}
