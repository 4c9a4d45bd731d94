package flatten

import (
	"testing"

	"mastr/internal/schema"
)

func TestRecord(t *testing.T) {
	t.Parallel()
	hydro := schema.MustTable("hydro_extended")
	loc := schema.MustTable(schema.TableLocationsExtended)

	tests := []struct {
		name  string
		table schema.Table
		in    map[string]any
		want  map[string]any
	}{
		{
			name:  "wert_nicht_vorhanden",
			table: hydro,
			in:    map[string]any{"Nettonennleistung": map[string]any{"Wert": "12.5", "NichtVorhanden": "false"}},
			want:  map[string]any{"Nettonennleistung": "12.5"},
		},
		{
			name:  "linked_units",
			table: loc,
			in: map[string]any{"VerknuepfteEinheiten": []any{
				map[string]any{"MastrNummer": "SEE1", "Einheittyp": "Windeinheit"},
				map[string]any{"MastrNummer": "SEE2"},
			}},
			want: map[string]any{"VerknuepfteEinheiten": "SEE1, SEE2"},
		},
		{
			name:  "empty_linked_units_is_null",
			table: loc,
			in:    map[string]any{"VerknuepfteEinheiten": []any{}},
			want:  map[string]any{"VerknuepfteEinheiten": nil},
		},
		{
			name:  "single_connection_point",
			table: loc,
			in:    map[string]any{"Netzanschlusspunkte": map[string]any{"NetzanschlusspunktMastrNummer": "SAN1"}},
			want:  map[string]any{"Netzanschlusspunkte": "SAN1"},
		},
		{
			name:  "refurbishment_json",
			table: hydro,
			in: map[string]any{"Ertuechtigung": []any{
				map[string]any{"Art": "Leistungserhoehung", "DatumWiederinbetriebnahme": "2019-01-01"},
			}},
			want: map[string]any{"Ertuechtigung": `[{"Art":"Leistungserhoehung","DatumWiederinbetriebnahme":"2019-01-01"}]`},
		},
		{
			name:  "id_wert_split",
			table: hydro,
			in:    map[string]any{"Hersteller": map[string]any{"Id": "42", "Wert": "Voith"}},
			want:  map[string]any{"HerstellerId": "42", "Hersteller": "Voith"},
		},
		{
			name:  "string_list",
			table: hydro,
			in:    map[string]any{"WeitereBrennstoffe": []any{"Erdgas", "Heizoel"}, "Leer": []any{}},
			want:  map[string]any{"WeitereBrennstoffe": "Erdgas,Heizoel", "Leer": nil},
		},
		{
			name:  "metadata_dropped",
			table: hydro,
			in:    map[string]any{"Ergebniscode": "OK", "AufrufVersion": "1", "EinheitMastrNummer": "SEE9"},
			want:  map[string]any{"EinheitMastrNummer": "SEE9"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Record(tc.in, tc.table)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for k, w := range tc.want {
				if got[k] != w {
					t.Fatalf("%s=%#v, want %#v", k, got[k], w)
				}
			}
		})
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	t.Parallel()
	loc := schema.MustTable(schema.TableLocationsExtended)
	once := Record(map[string]any{
		"VerknuepfteEinheiten": []any{map[string]any{"MastrNummer": "SEE1"}},
		"Lokationtyp":          "Stromerzeugungslokation",
	}, loc)
	twice := Record(once, loc)
	for k, v := range once {
		if twice[k] != v {
			t.Fatalf("%s changed: %v -> %v", k, v, twice[k])
		}
	}
}
