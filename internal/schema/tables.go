package schema

import (
	"sort"
	"strings"

	"mastr/internal/storage"
	"mastr/pkg/records"
)

// Table is the registry entry for one relational table.
type Table struct {
	Name       string
	PrimaryKey []string
	// Columns are the declared columns. Columns outside this list are valid
	// and land as VARCHAR through adaptive schema extension.
	Columns []records.Column
	// Renames maps legacy spellings to declared names for this table only.
	// CommonRenames apply to every table.
	Renames map[string]string
}

// Provenance columns stamped on every written row.
const (
	ColSource       = "source"
	ColDownloadDate = "download_date"
)

// Source tags.
const (
	SourceBulk = "bulk"
	SourceAPI  = "API"
)

// Spec returns the storage shape of t, provenance columns included.
func (t Table) Spec() storage.TableSpec {
	cols := append([]records.Column(nil), t.Columns...)
	cols = append(cols,
		records.Column{Name: ColSource, Type: records.String},
		records.Column{Name: ColDownloadDate, Type: records.Date},
	)
	return storage.TableSpec{Name: t.Name, Columns: cols, PrimaryKey: t.PrimaryKey}
}

// Type returns the declared type of col, or String when undeclared.
func (t Table) Type(col string) records.ColumnType {
	if col == ColDownloadDate {
		return records.Date
	}
	for _, c := range t.Columns {
		if c.Name == col {
			return c.Type
		}
	}
	return records.String
}

// Types returns the declared column → type map including provenance.
func (t Table) Types() map[string]records.ColumnType {
	return t.Spec().Types()
}

// Rename maps col to its declared spelling.
func (t Table) Rename(col string) string {
	if to, ok := t.Renames[col]; ok {
		return to
	}
	if to, ok := CommonRenames[col]; ok {
		return to
	}
	return col
}

// CommonRenames maps the MaStRNummer spellings of the bulk export to the
// MastrNummer spellings used by the API and the declared tables.
var CommonRenames = map[string]string{
	"VerknuepfteEinheitenMaStRNummern": "VerknuepfteEinheiten",
	"VerknuepfteEinheitMaStRNummer":    "VerknuepfteEinheit",
	"NetzanschlusspunkteMaStRNummern":  "Netzanschlusspunkte",
	"LokationMaStRNummer":              "LokationMastrNummer",
	"AnlagenbetreiberMaStRNummer":      "AnlagenbetreiberMastrNummer",
	"EegMaStRNummer":                   "EegMastrNummer",
	"KwkMaStRNummer":                   "KwkMastrNummer",
	"GenMaStRNummer":                   "GenMastrNummer",
	"SpeMaStRNummer":                   "SpeMastrNummer",
	"NetzanschlusspunktMaStRNummer":    "NetzanschlusspunktMastrNummer",
	"NetzbetreiberMaStRNummer":         "NetzbetreiberMastrNummer",
}

// FixedWidth lists identifier columns with a fixed digit width.
var FixedWidth = map[string]int{
	"Gemeindeschluessel": 8,
	"Postleitzahl":       5,
}

// catalogColumns carry a single catalog id in the bulk export.
var catalogColumns = set(
	"Land", "Bundesland", "EinheitSystemstatus", "EinheitBetriebsstatus",
	"NetzbetreiberpruefungStatus", "Energietraeger", "Einspeisungsart", "Lage",
	"Seelage", "Hersteller", "Technologie", "GemeinsamerWechselrichterMitSpeicher",
	"Leistungsbegrenzung", "Hauptausrichtung", "HauptausrichtungNeigungswinkel",
	"Nebenausrichtung", "NebenausrichtungNeigungswinkel", "Nutzungsbereich",
	"Hauptbrennstoff", "WeitererHauptbrennstoff", "Biomasseart",
	"ArtDerWasserkraftanlage", "ArtDesZuflusses", "ArtDerStilllegung",
	"AcDcKoppelung", "Batterietechnologie", "Pumpspeichertechnologie",
	"Einsatzort", "ReserveartNachDemEnWG", "Personenart", "Rechtsform",
	"Marktfunktion", "Marktrolle", "Spannungsebene", "Gasqualitaet", "Sparte",
	"Art", "ArtDerAenderung", "AnlageBetriebsstatus", "Lokationtyp",
	"Hauptwirtschaftszweig", "Wirtschaftszweig", "Regelzone",
)

// catalogListColumns carry comma-separated catalog ids.
var catalogListColumns = set("ArtDerFlaeche", "WeitereBrennstoffe")

// IsCatalogColumn reports whether col holds a single catalog id.
func IsCatalogColumn(col string) bool {
	_, ok := catalogColumns[col]
	return ok
}

// IsCatalogListColumn reports whether col holds comma-separated catalog ids.
func IsCatalogListColumn(col string) bool {
	_, ok := catalogListColumns[col]
	return ok
}

func set(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func group(t records.ColumnType, names ...string) []records.Column {
	out := make([]records.Column, 0, len(names))
	for _, n := range names {
		out = append(out, records.Column{Name: n, Type: t})
	}
	return out
}

// define builds a table. Key columns missing from the groups are declared
// as String ahead of the rest; later duplicates are ignored.
func define(name string, key []string, groups ...[]records.Column) Table {
	t := Table{Name: name, PrimaryKey: key}
	seen := map[string]struct{}{}
	add := func(c records.Column) {
		if _, ok := seen[c.Name]; ok {
			return
		}
		seen[c.Name] = struct{}{}
		t.Columns = append(t.Columns, c)
	}
	for _, k := range key {
		declared := false
		for _, g := range groups {
			for _, c := range g {
				if c.Name == k {
					add(c)
					declared = true
				}
			}
		}
		if !declared {
			add(records.Column{Name: k, Type: records.String})
		}
	}
	for _, g := range groups {
		for _, c := range g {
			add(c)
		}
	}
	return t
}

func strs(n ...string) []records.Column { return group(records.String, n...) }
func dates(n ...string) []records.Column { return group(records.Date, n...) }
func stamps(n ...string) []records.Column { return group(records.DateTime, n...) }
func floats(n ...string) []records.Column { return group(records.Float, n...) }
func ints(n ...string) []records.Column { return group(records.Integer, n...) }
func bools(n ...string) []records.Column { return group(records.Boolean, n...) }
func jsonCols(n ...string) []records.Column { return group(records.JSON, n...) }

func joinCols(groups ...[]records.Column) []records.Column {
	var out []records.Column
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Table names outside the per-kind families.
const (
	TableBasicUnits         = "basic_units"
	TableLocationBasic      = "location_basic"
	TableLocationsExtended  = "locations_extended"
	TableKwk                = "kwk"
	TablePermit             = "permit"
	TableMarketActors       = "market_actors"
	TableMarketRoles        = "market_roles"
	TableGrids              = "grids"
	TableGridConnections    = "grid_connections"
	TableBalancingArea      = "balancing_area"
	TableDeletedUnits       = "deleted_units"
	TableRetrofitUnits      = "retrofit_units"
	TableChangedDSO         = "changed_dso_assignment"
	TableStorageUnits       = "storage_units"
	TableDataRequested      = "additional_data_requested"
	TableDataMissed         = "missed_additional_data"
	TableLocationsRequested = "additional_locations_requested"
	TableLocationsMissed    = "missed_extended_location"
	TableWatermark          = "basic_units_watermark"
)

var basicUnits = define(TableBasicUnits, []string{"EinheitMastrNummer"},
	strs("EinheitMastrNummer", "Name", "Einheitart", "Einheittyp", "Standort"),
	stamps("DatumLetzteAktualisierung"),
	floats("Bruttoleistung", "Erzeugungsleistung"),
	strs("EinheitBetriebsstatus", "Anlagenbetreiber", "EegMastrNummer", "KwkMastrNummer",
		"SpeMastrNummer", "GenMastrNummer", "BestandsanlageMastrNummer"),
	bools("NichtVorhandenInMigriertenEinheiten"),
	strs("StatisikFlag"),
)

// extendedCommon is shared by every *_extended table.
var extendedCommon = joinCols(
	strs("EinheitMastrNummer"),
	stamps("DatumLetzteAktualisierung"),
	strs("LokationMastrNummer", "NetzbetreiberpruefungStatus"),
	dates("NetzbetreiberpruefungDatum"),
	strs("AnlagenbetreiberMastrNummer", "Land", "Bundesland", "Landkreis", "Gemeinde",
		"Gemeindeschluessel", "Postleitzahl", "Gemarkung", "FlurFlurstuecknummern",
		"Strasse"),
	bools("StrasseNichtGefunden"),
	strs("Hausnummer"),
	bools("HausnummerNichtGefunden"),
	strs("Adresszusatz", "Ort"),
	floats("Laengengrad", "Breitengrad", "UtmZonenwert", "UtmEast", "UtmNorth",
		"GaussKruegerHoch", "GaussKruegerRechts"),
	dates("Registrierungsdatum", "Meldedatum", "GeplantesInbetriebnahmedatum",
		"Inbetriebnahmedatum", "DatumEndgueltigeStilllegung",
		"DatumBeginnVoruebergehendeStilllegung", "DatumBeendigungVorlaeufigenStilllegung",
		"DatumWiederaufnahmeBetrieb", "DatumDesBetreiberwechsels",
		"DatumRegistrierungDesBetreiberwechsels"),
	strs("EinheitSystemstatus", "EinheitBetriebsstatus", "BestandsanlageMastrNummer"),
	bools("NichtVorhandenInMigriertenEinheiten"),
	strs("AltAnlagenbetreiberMastrNummer", "StatisikFlag", "NameStromerzeugungseinheit",
		"Weic", "WeicDisplayName", "Kraftwerksnummer", "Energietraeger"),
	floats("Bruttoleistung", "Nettonennleistung"),
	bools("AnschlussAnHoechstOderHochSpannung", "Schwarzstartfaehigkeit",
		"Inselbetriebsfaehigkeit", "FernsteuerbarkeitNb", "FernsteuerbarkeitDv",
		"FernsteuerbarkeitDr", "PraequalifiziertFuerRegelenergie"),
	strs("Einsatzverantwortlicher", "Einspeisungsart", "GenMastrNummer",
		"Netzbetreiberzuordnungen", "ReserveartNachDemEnWG"),
	dates("DatumUeberfuehrungInReserve"),
)

// extensions holds the kind-specific part of each *_extended table.
var extensions = map[string][]records.Column{
	"wind": joinCols(
		strs("NameWindpark", "Lage", "Seelage", "ClusterOstsee", "ClusterNordsee",
			"HerstellerId", "Hersteller", "Technologie", "Typenbezeichnung"),
		floats("Nabenhoehe", "Rotordurchmesser", "Wassertiefe", "Kuestenentfernung"),
		bools("Rotorblattenteisungssystem", "AuflageAbschaltungLeistungsbegrenzung",
			"AuflagenAbschaltungSchallimmissionsschutzNachts",
			"AuflagenAbschaltungSchallimmissionsschutzTagsueber",
			"AuflagenAbschaltungSchattenwurf", "AuflagenAbschaltungTierschutz",
			"AuflagenAbschaltungEiswurf", "AuflagenAbschaltungSonstige"),
		strs("EegMastrNummer"),
	),
	"solar": joinCols(
		floats("ZugeordneteWirkleistungWechselrichter", "InAnspruchGenommeneFlaeche",
			"InAnspruchGenommeneAckerflaeche"),
		strs("GemeinsamerWechselrichterMitSpeicher"),
		ints("AnzahlModule"),
		strs("Lage", "Leistungsbegrenzung"),
		bools("EinheitlicheAusrichtungUndNeigungswinkel"),
		strs("Hauptausrichtung", "HauptausrichtungNeigungswinkel", "Nebenausrichtung",
			"NebenausrichtungNeigungswinkel", "ArtDerFlaeche", "Nutzungsbereich",
			"EegMastrNummer"),
	),
	"biomass": strs("Hauptbrennstoff", "Biomasseart", "Technologie", "EegMastrNummer", "KwkMastrNummer"),
	"hydro": joinCols(
		strs("NameKraftwerk", "ArtDerWasserkraftanlage"),
		bools("AnzeigeEinerStilllegung"),
		strs("ArtDerStilllegung"),
		dates("DatumBeginnVorlaeufigenOderEndgueltigenStilllegung"),
		floats("MinderungStromerzeugung", "NettonennleistungDeutschland"),
		bools("BestandteilGrenzkraftwerk"),
		strs("ArtDesZuflusses", "EegMastrNummer"),
		jsonCols("Ertuechtigung"),
	),
	"gsgk": strs("Technologie", "EegMastrNummer", "KwkMastrNummer"),
	"combustion": joinCols(
		strs("NameKraftwerk", "NameKraftwerksblock"),
		dates("DatumBaubeginn"),
		bools("AnzeigeEinerStilllegung"),
		strs("ArtDerStilllegung"),
		dates("DatumBeginnVorlaeufigenOderEndgueltigenStilllegung", "NetzreserveAbDatum",
			"SicherheitsbereitschaftAbDatum"),
		floats("SteigerungNettonennleistungKombibetrieb", "NettonennleistungDeutschland"),
		bools("AnlageIstImKombibetrieb", "BestandteilGrenzkraftwerk", "Notstromaggregat"),
		strs("MastrNummernKombibetrieb", "Hauptbrennstoff", "WeitererHauptbrennstoff",
			"WeitereBrennstoffe", "VerknuepfteErzeugungseinheiten", "AnteiligNutzungsberechtigte",
			"Einsatzort", "KwkMastrNummer", "Technologie"),
	),
	"nuclear": strs("NameKraftwerk", "NameKraftwerksblock", "Technologie"),
	"storage": joinCols(
		strs("Einsatzort", "AcDcKoppelung", "Batterietechnologie"),
		floats("PumpbetriebLeistungsaufnahme", "NettonennleistungDeutschland",
			"ZugeordnenteWirkleistungWechselrichter", "NutzbareSpeicherkapazitaet"),
		bools("PumpbetriebKontinuierlichRegelbar", "Notstromaggregat", "BestandteilGrenzkraftwerk"),
		strs("Pumpspeichertechnologie", "SpeMastrNummer", "EegMastrNummer", "EegAnlagentyp", "Technologie"),
	),
	"gas_storage":          strs("SpeMastrNummer"),
	"gas_consumer":         joinCols(bools("GasverbrauchUnterHundertMWh"), floats("MaximaleGasbezugsleistung")),
	"electricity_consumer": joinCols(bools("Einheitbezug"), floats("AnzahlStromverbrauchseinheitenGroesser50Mw")),
	"gas_producer":         joinCols(strs("Technologie"), floats("Erzeugungsleistung")),
}

var eegCommon = joinCols(
	strs("EegMastrNummer"),
	stamps("DatumLetzteAktualisierung"),
	dates("Meldedatum", "EegInbetriebnahmedatum", "Registrierungsdatum"),
	strs("AnlagenkennzifferAnlagenregister", "AnlagenschluesselEeg"),
	bools("PrototypAnlage", "PilotAnlage", "AusschreibungZuschlag"),
	floats("InstallierteLeistung"),
	strs("AnlageBetriebsstatus", "VerknuepfteEinheit", "Zuschlagsnummer"),
)

var eegExtensions = map[string][]records.Column{
	"wind": joinCols(
		floats("VerhaeltnisErtragsschaetzungReferenzertrag",
			"VerhaeltnisReferenzertragErtrag5Jahre", "VerhaeltnisReferenzertragErtrag10Jahre",
			"VerhaeltnisReferenzertragErtrag15Jahre"),
	),
	"solar": joinCols(
		strs("RegistrierungsnummerPvMeldeportal"),
		dates("ZuschlagsdatumDerAusschreibung"),
	),
	"biomass": joinCols(
		floats("Hoechstbemessungsleistung", "BiogasGaserzeugungskapazitaet"),
		bools("AusschliesslicheVerwendungBiomasse", "BiogasInanspruchnahmeFlexiPraemie",
			"BiogasLeistungserhoehung"),
		dates("BiogasDatumInanspruchnahmeFlexiPraemie", "BiomethanErstmaligerEinsatz"),
	),
	"hydro":   dates("ErtuechtigungDatum"),
	"storage": strs("eegAnlagenschluessel"),
}

var (
	kwkTable = define(TableKwk, []string{"KwkMastrNummer"},
		strs("KwkMastrNummer"),
		stamps("DatumLetzteAktualisierung"),
		bools("AusschreibungZuschlag"),
		strs("Zuschlagnummer"),
		dates("Inbetriebnahmedatum", "Meldedatum"),
		floats("ThermischeNutzleistung", "ElektrischeKwkLeistung"),
		strs("VerknuepfteEinheiten", "AnlageBetriebsstatus"),
	)
	permitTable = define(TablePermit, []string{"GenMastrNummer"},
		strs("GenMastrNummer"),
		stamps("DatumLetzteAktualisierung"),
		strs("Art"),
		dates("Datum", "Frist", "WasserrechtAblaufdatum", "Meldedatum"),
		strs("Behoerde", "Aktenzeichen", "WasserrechtsNummer", "VerknuepfteEinheiten"),
	)
	locationBasic = define(TableLocationBasic, []string{"LokationMastrNummer"},
		strs("LokationMastrNummer", "NameDerTechnischenLokation", "Lokationtyp"),
		ints("AnzahlNetzanschlusspunkte"),
		stamps("DatumLetzteAktualisierung"),
		strs("VerknuepfteEinheiten", "Netzanschlusspunkte"),
	)
	locationsExtended = define(TableLocationsExtended, []string{"MastrNummer"},
		strs("MastrNummer"),
		stamps("DatumLetzteAktualisierung"),
		strs("NameDerTechnischenLokation", "VerknuepfteEinheiten", "Netzanschlusspunkte", "Lokationtyp"),
	)
	marketActors = define(TableMarketActors, []string{"MastrNummer"},
		strs("MastrNummer"),
		stamps("DatumLetzteAktualisierung"),
		strs("Personenart", "Marktfunktion", "Firmenname", "Rechtsform", "Land", "Bundesland",
			"Postleitzahl", "Ort", "Strasse", "Hausnummer", "Email", "Telefon",
			"Registergericht", "Registernummer", "Hauptwirtschaftszweig", "Wirtschaftszweig",
			"Marktrollen", "Umsatzsteueridentifikationsnummer", "Webseite"),
		dates("Registrierungsdatum", "Taetigkeitsbeginn", "Taetigkeitsende"),
		bools("Kmu", "BnetzaMarktakteur"),
	)
	marketRoles = define(TableMarketRoles, []string{"MastrNummer"},
		strs("MastrNummer", "MarktakteurMastrNummer", "Marktrolle", "Marktpartneridentifikationsnummer",
			"Kontaktdaten"),
		stamps("DatumLetzteAktualisierung"),
	)
	grids = define(TableGrids, []string{"MastrNummer"},
		strs("MastrNummer", "Sparte", "Bezeichnung", "Marktgebiet", "Bundesland"),
		bools("KundenAngeschlossen", "GeschlossenesVerteilnetz"),
		stamps("DatumLetzteAktualisierung"),
	)
	gridConnections = define(TableGridConnections, []string{"NetzanschlusspunktMastrNummer"},
		strs("NetzanschlusspunktMastrNummer", "NetzanschlusspunktBezeichnung", "LokationMastrNummer",
			"Spannungsebene", "Gasqualitaet", "NetzMastrNummer", "Messlokation", "Lokationtyp"),
		floats("Nettoengpassleistung", "Netzanschlusskapazitaet", "MaximaleEinspeiseleistung",
			"MaximaleAusspeiseleistung"),
		bools("NetzanschlusspunktBezeichnungNichtVorhanden"),
		stamps("DatumLetzteAktualisierung"),
	)
	balancingArea = define(TableBalancingArea, []string{"Id"},
		ints("Id"),
		strs("Yeic", "Regelzone"),
	)
	deletedUnits = define(TableDeletedUnits, []string{"EinheitMastrNummer"},
		strs("EinheitMastrNummer", "Einheittyp", "EinheitSystemstatus", "EinheitBetriebsstatus"),
		dates("DatumLoeschung"),
	)
	retrofitUnits = define(TableRetrofitUnits, []string{"Id"},
		ints("Id"),
		strs("EinheitMastrNummer", "Art"),
		dates("DatumWiederinbetriebnahme"),
		floats("ProzentualeErhoehungDesLv"),
		stamps("DatumLetzteAktualisierung"),
	)
	changedDSO = define(TableChangedDSO,
		[]string{"EinheitMastrNummer", "LokationMastrNummer", "NetzanschlusspunktMastrNummer"},
		strs("EinheitMastrNummer", "LokationMastrNummer", "NetzanschlusspunktMastrNummer",
			"NetzbetreiberMastrNummerNeu", "NetzbetreiberMastrNummerAlt", "ArtDerAenderung"),
		stamps("RegistrierungsdatumNetzbetreiberzuordnungsaenderung"),
		dates("Netzbetreiberzuordnungsaenderungsdatum"),
	)
	storageUnits = define(TableStorageUnits, []string{"MastrNummer"},
		strs("MastrNummer"),
		dates("Registrierungsdatum"),
		stamps("DatumLetzteAktualisierung"),
		floats("NutzbareSpeicherkapazitaet"),
		strs("VerknuepfteEinheit", "AnlageBetriebsstatus"),
	)

	dataRequested = define(TableDataRequested, []string{"data_type", "additional_data_id"},
		strs("id", "EinheitMastrNummer", "additional_data_id", "technology", "data_type"),
		stamps("request_date"),
	)
	dataMissed = define(TableDataMissed, []string{"id"},
		strs("id", "EinheitMastrNummer", "additional_data_id", "technology", "data_type", "reason"),
	)
	locationsRequested = define(TableLocationsRequested, []string{"LokationMastrNummer"},
		strs("id", "LokationMastrNummer", "location_type"),
		stamps("request_date"),
	)
	locationsMissed = define(TableLocationsMissed, []string{"id"},
		strs("id", "LokationMastrNummer", "location_type", "reason"),
	)
	watermark = define(TableWatermark, []string{"unit_kind"},
		strs("unit_kind"),
		stamps("last_modified", "updated_at"),
	)
)

var tables = buildTables()

func buildTables() map[string]Table {
	m := map[string]Table{}
	for _, t := range []Table{
		basicUnits, kwkTable, permitTable, locationBasic, locationsExtended,
		marketActors, marketRoles, grids, gridConnections, balancingArea,
		deletedUnits, retrofitUnits, changedDSO, storageUnits,
		dataRequested, dataMissed, locationsRequested, locationsMissed, watermark,
	} {
		m[t.Name] = t
	}
	for _, k := range unitKinds {
		m[k.ExtendedTable] = define(k.ExtendedTable, []string{"EinheitMastrNummer"},
			extendedCommon, extensions[k.Name])
		if k.EegTable != "" {
			m[k.EegTable] = define(k.EegTable, []string{"EegMastrNummer"},
				eegCommon, eegExtensions[k.Name])
		}
	}
	return m
}

// LookupTable returns the registry entry for a table name.
func LookupTable(name string) (Table, bool) {
	t, ok := tables[strings.ToLower(name)]
	return t, ok
}

// MustTable returns the entry for a table the registry is known to declare.
func MustTable(name string) Table {
	t, ok := LookupTable(name)
	if !ok {
		panic("schema: unknown table " + name)
	}
	return t
}

// Tables returns every declared table name.
func Tables() []string {
	out := make([]string, 0, len(tables))
	for n := range tables {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
