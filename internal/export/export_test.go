package export

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mastr/internal/schema"
	"mastr/internal/storage"
	_ "mastr/internal/storage/sqlite"
	"mastr/pkg/records"
)

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Kind: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "mastr.db"),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func put(t *testing.T, db *storage.DB, table string, rows ...records.Record) {
	t.Helper()
	tbl := schema.MustTable(table)
	if err := db.EnsureTable(context.Background(), tbl.Spec()); err != nil {
		t.Fatal(err)
	}
	b := records.NewBatch(tbl.Name)
	for c, typ := range tbl.Types() {
		b.Types[c] = typ
	}
	for _, r := range rows {
		b.Add(r)
	}
	if _, err := db.Upsert(context.Background(), tbl.Spec(), b); err != nil {
		t.Fatalf("put %s: %v", table, err)
	}
}

func readCSV(t *testing.T, path string) []map[string]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	all, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) == 0 {
		t.Fatal("no header")
	}
	var out []map[string]string
	for _, rec := range all[1:] {
		m := map[string]string{}
		for i, h := range all[0] {
			m[h] = rec[i]
		}
		out = append(out, m)
	}
	return out
}

func header(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	h, err := csv.NewReader(f).Read()
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestKindJoinsDetailsOneRowPerUnit(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	mod := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	put(t, db, schema.TableBasicUnits,
		records.Record{"EinheitMastrNummer": "SEE1", "Einheittyp": "Windeinheit", "EegMastrNummer": "EEG1", "DatumLetzteAktualisierung": mod},
		records.Record{"EinheitMastrNummer": "SEE2", "Einheittyp": "Windeinheit", "DatumLetzteAktualisierung": mod},
		records.Record{"EinheitMastrNummer": "SEE3", "Einheittyp": "Windeinheit"},
		records.Record{"EinheitMastrNummer": "SEE9", "Einheittyp": "Solareinheit"},
	)
	put(t, db, "wind_extended",
		records.Record{"EinheitMastrNummer": "SEE1", "Bundesland": "Bayern"},
	)
	put(t, db, "wind_eeg",
		records.Record{"EegMastrNummer": "EEG1", "AnlagenschluesselEeg": "E1"},
	)

	k, _ := schema.LookupUnitKind("wind")
	dir := t.TempDir()
	res, err := Kind(ctx, db, k, Options{Dir: dir, ChunkSize: 2})
	if err != nil {
		t.Fatalf("Kind: %v", err)
	}
	if res.Rows != 3 {
		t.Fatalf("rows = %d, want 3", res.Rows)
	}
	if want := filepath.Join(dir, "bnetza_mastr_wind_raw.csv"); res.Path != want {
		t.Fatalf("path = %s, want %s", res.Path, want)
	}

	rows := readCSV(t, res.Path)
	byID := map[string]map[string]string{}
	for _, r := range rows {
		byID[r["EinheitMastrNummer"]] = r
	}
	if len(byID) != 3 {
		t.Fatalf("units = %v", byID)
	}
	if _, ok := byID["SEE9"]; ok {
		t.Fatal("solar unit exported with wind")
	}
	if byID["SEE1"]["Bundesland"] != "Bayern" || byID["SEE1"]["EegMastrNummer_eeg"] != "EEG1" {
		t.Fatalf("SEE1 = %v", byID["SEE1"])
	}
	if byID["SEE2"]["Bundesland"] != "" || byID["SEE2"]["EegMastrNummer_eeg"] != "" {
		t.Fatalf("SEE2 detail cells not empty: %v", byID["SEE2"])
	}
	if byID["SEE1"]["EinheitMastrNummer_extended"] != "SEE1" {
		t.Fatalf("collision suffix missing: %v", header(t, res.Path))
	}
}

func TestKindEmptyJoinWritesHeaderOnly(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	put(t, db, schema.TableBasicUnits,
		records.Record{"EinheitMastrNummer": "SEE9", "Einheittyp": "Solareinheit"},
	)
	k, _ := schema.LookupUnitKind("wind")
	res, err := Kind(ctx, db, k, Options{Dir: t.TempDir(), Prefix: "test"})
	if err != nil {
		t.Fatalf("Kind: %v", err)
	}
	if res.Rows != 0 {
		t.Fatalf("rows = %d", res.Rows)
	}
	if h := header(t, res.Path); len(h) == 0 || h[0] != "EinheitMastrNummer" {
		t.Fatalf("header = %v", h)
	}
	if rows := readCSV(t, res.Path); len(rows) != 0 {
		t.Fatalf("rows = %v", rows)
	}
}

func TestTableChunksByKey(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	var rows []records.Record
	for _, id := range []string{"SEL3", "SEL1", "SEL5", "SEL2", "SEL4"} {
		rows = append(rows, records.Record{"LokationMastrNummer": id, "Lokationtyp": "Stromerzeugungslokation"})
	}
	put(t, db, schema.TableLocationBasic, rows...)

	res, err := Table(ctx, db, schema.TableLocationBasic, Options{Dir: t.TempDir(), ChunkSize: 2})
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	got := readCSV(t, res.Path)
	if len(got) != 5 {
		t.Fatalf("rows = %d", len(got))
	}
	for i, r := range got {
		if want := "SEL" + string(rune('1'+i)); r["LokationMastrNummer"] != want {
			t.Fatalf("row %d = %s, want %s", i, r["LokationMastrNummer"], want)
		}
	}
}

func TestTableIntegerKey(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	put(t, db, schema.TableBalancingArea,
		records.Record{"Id": int64(3), "Yeic": "11Y3", "Regelzone": "Amprion"},
		records.Record{"Id": int64(1), "Yeic": "11Y1", "Regelzone": "TenneT"},
		records.Record{"Id": int64(2), "Yeic": "11Y2", "Regelzone": "50Hertz"},
	)

	for _, chunk := range []int{1, 2, 10} {
		res, err := Table(ctx, db, schema.TableBalancingArea, Options{Dir: t.TempDir(), ChunkSize: chunk})
		if err != nil {
			t.Fatalf("chunk %d: Table: %v", chunk, err)
		}
		if res.Rows != 3 {
			t.Fatalf("chunk %d: rows = %d, want 3", chunk, res.Rows)
		}
		got := readCSV(t, res.Path)
		for i, want := range []string{"1", "2", "3"} {
			if got[i]["Id"] != want {
				t.Fatalf("chunk %d: row %d Id = %s, want %s", chunk, i, got[i]["Id"], want)
			}
		}
	}
}

func TestKindWithoutBasicUnitsUsesExtendedTable(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	put(t, db, "wind_extended",
		records.Record{"EinheitMastrNummer": "SEE2", "Bundesland": "Hessen"},
		records.Record{"EinheitMastrNummer": "SEE1", "Bundesland": "Bayern", "EegMastrNummer": "EEG1"},
		records.Record{"EinheitMastrNummer": "SEE3", "Bundesland": "Sachsen"},
	)
	put(t, db, "wind_eeg",
		records.Record{"EegMastrNummer": "EEG1", "AnlagenschluesselEeg": "E1"},
	)

	k, _ := schema.LookupUnitKind("wind")
	res, err := Kind(ctx, db, k, Options{Dir: t.TempDir(), ChunkSize: 2})
	if err != nil {
		t.Fatalf("Kind: %v", err)
	}
	if res.Rows != 3 {
		t.Fatalf("rows = %d, want 3", res.Rows)
	}
	rows := readCSV(t, res.Path)
	if rows[0]["EinheitMastrNummer"] != "SEE1" || rows[0]["Bundesland"] != "Bayern" || rows[0]["AnlagenschluesselEeg"] != "E1" {
		t.Fatalf("SEE1 = %v", rows[0])
	}
	if rows[1]["AnlagenschluesselEeg"] != "" {
		t.Fatalf("SEE2 joined an eeg row: %v", rows[1])
	}

	solar, _ := schema.LookupUnitKind("solar")
	if _, err := Kind(ctx, db, solar, Options{Dir: t.TempDir()}); !errors.Is(err, ErrNoData) {
		t.Fatalf("solar err = %v, want ErrNoData", err)
	}
}

func TestCell(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{[]byte("b"), "b"},
		{int64(7), "7"},
		{2.5, "2.5"},
		{true, "true"},
		{time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), "2024-03-01"},
		{time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC), "2024-03-01 08:30:00"},
	}
	for _, tt := range tests {
		if got := Cell(tt.in); got != tt.want {
			t.Errorf("Cell(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
