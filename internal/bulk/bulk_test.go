package bulk

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mastr/internal/download"
	"mastr/internal/storage"
	_ "mastr/internal/storage/sqlite"
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

func writeArchive(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	p := filepath.Join(t.TempDir(), "Gesamtdatenexport_20240301.zip")
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func doc(root, row string, rows ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?><` + root + `>`)
	for _, r := range rows {
		b.WriteString("<" + row + ">" + r + "</" + row + ">")
	}
	b.WriteString("</" + root + ">")
	return b.String()
}

const catalogXML = `<?xml version="1.0" encoding="utf-8"?><Katalogwerte>` +
	`<Katalogwert><Id>335</Id><Wert>Bayern</Wert><KatalogKategorieId>1</KatalogKategorieId></Katalogwert>` +
	`<Katalogwert><Id>336</Id><Wert>Bremen</Wert><KatalogKategorieId>1</KatalogKategorieId></Katalogwert>` +
	`</Katalogwerte>`

func windEegArchive(t *testing.T) string {
	return writeArchive(t, map[string]string{
		"Katalogwerte.xml": catalogXML,
		"AnlagenEegWind_1.xml": doc("AnlagenEegWind", "AnlageEegWind",
			"<EegMastrNummer>EEG1</EegMastrNummer><Bundesland>335</Bundesland>",
			"<EegMastrNummer>EEG2</EegMastrNummer><Bundesland>335</Bundesland>",
			"<EegMastrNummer>EEG3</EegMastrNummer><Bundesland>336</Bundesland>",
		),
	})
}

func TestRunDecodesCatalogAndStampsProvenance(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	sum, err := Run(ctx, db, windEegArchive(t), Options{Selection: []string{"wind"}, Cleanse: true, DownloadDate: day})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Shards != 1 || sum.Inserted != 3 {
		t.Fatalf("summary=%+v", sum)
	}

	rows, err := db.QueryContext(ctx, `SELECT "EegMastrNummer", "Bundesland", "source", "download_date" FROM "wind_eeg" ORDER BY "EegMastrNummer"`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	var got []string
	for rows.Next() {
		var id, land, src string
		var dl any
		if err := rows.Scan(&id, &land, &src, &dl); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if src != "bulk" || dl == nil {
			t.Fatalf("%s: source=%q download_date=%v", id, src, dl)
		}
		if d, ok := storage.AsTime(dl); !ok || !d.Equal(day) {
			t.Fatalf("%s: download_date=%v", id, dl)
		}
		got = append(got, land)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "Bayern,Bayern,Bremen" {
		t.Fatalf("Bundesland=%v", got)
	}
}

func TestRunWithoutCleanseKeepsCodes(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	ctx := context.Background()
	if _, err := Run(ctx, db, windEegArchive(t), Options{Selection: []string{"wind"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var land string
	if err := db.QueryRowContext(ctx, `SELECT "Bundesland" FROM "wind_eeg" WHERE "EegMastrNummer" = ?`, "EEG3").Scan(&land); err != nil {
		t.Fatal(err)
	}
	if land != "336" {
		t.Fatalf("Bundesland=%q, want undecoded code", land)
	}
}

func TestRunSchemaDriftAcrossShards(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	ctx := context.Background()
	p := writeArchive(t, map[string]string{
		"EinheitenSolar_1.xml": doc("EinheitenSolar", "EinheitSolar",
			"<EinheitMastrNummer>SEE1</EinheitMastrNummer><Bruttoleistung>9.5</Bruttoleistung>",
		),
		"EinheitenSolar_2.xml": doc("EinheitenSolar", "EinheitSolar",
			"<EinheitMastrNummer>SEE2</EinheitMastrNummer><Bruttoleistung>3</Bruttoleistung><NewAttribute>x</NewAttribute>",
			"<EinheitMastrNummer>SEE1</EinheitMastrNummer><Bruttoleistung>1</Bruttoleistung>",
		),
	})

	sum, err := Run(ctx, db, p, Options{Selection: []string{"solar"}, Cleanse: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Inserted != 2 || sum.Dropped != 1 {
		t.Fatalf("summary=%+v", sum)
	}

	cols, err := db.TableColumns(ctx, "solar_extended")
	if err != nil {
		t.Fatal(err)
	}
	if !contains(cols, "NewAttribute") {
		t.Fatalf("columns=%v, want NewAttribute", cols)
	}

	var v any
	if err := db.QueryRowContext(ctx, `SELECT "NewAttribute" FROM "solar_extended" WHERE "EinheitMastrNummer" = ?`, "SEE1").Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatalf("shard 1 row NewAttribute=%v, want NULL", v)
	}
	var cap float64
	if err := db.QueryRowContext(ctx, `SELECT "Bruttoleistung" FROM "solar_extended" WHERE "EinheitMastrNummer" = ?`, "SEE1").Scan(&cap); err != nil {
		t.Fatal(err)
	}
	if cap != 9.5 {
		t.Fatalf("SEE1 Bruttoleistung=%v, the first shard's row must survive", cap)
	}
}

func TestRunTwiceIsStable(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	ctx := context.Background()
	p := windEegArchive(t)
	for i := 0; i < 2; i++ {
		if _, err := Run(ctx, db, p, Options{Selection: []string{"wind"}, Cleanse: true}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "wind_eeg"`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("rows=%d after two runs, want 3", n)
	}
}

func TestRunRejectsUnknownCategory(t *testing.T) {
	t.Parallel()
	if _, err := Run(context.Background(), openDB(t), windEegArchive(t), Options{Selection: []string{"coal"}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunFailsOnMalformedShard(t *testing.T) {
	t.Parallel()

	p := writeArchive(t, map[string]string{
		"AnlagenEegWind_1.xml": `<?xml version="1.0" encoding="utf-8"?><AnlagenEegWind><AnlageEegWind><EegMastrNummer>EEG1`,
	})
	_, err := Run(context.Background(), openDB(t), p, Options{Selection: []string{"wind"}})
	if err == nil || !strings.Contains(err.Error(), "AnlagenEegWind_1.xml") {
		t.Fatalf("err=%v, want shard name", err)
	}
}

type fakeFetcher struct{ calls int }

func (f *fakeFetcher) Ensure(_ context.Context, dataDir string, day time.Time) (string, error) {
	f.calls++
	return download.ArchivePath(dataDir, day), nil
}

func TestResolveArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := os.WriteFile(download.ArchivePath(dir, day), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

	f := &fakeFetcher{}
	got, err := ResolveArchive(ctx, "today", dir, f, now)
	if err != nil || f.calls != 1 || filepath.Base(got) != "Gesamtdatenexport_20240502.zip" {
		t.Fatalf("today: %q calls=%d err=%v", got, f.calls, err)
	}

	got, err = ResolveArchive(ctx, "latest", dir, f, now)
	if err != nil || filepath.Base(got) != "Gesamtdatenexport_20240301.zip" {
		t.Fatalf("latest: %q err=%v", got, err)
	}

	if _, err = ResolveArchive(ctx, "20240301", dir, f, now); err != nil {
		t.Fatalf("literal: %v", err)
	}
	if _, err = ResolveArchive(ctx, "20240302", dir, f, now); err == nil {
		t.Fatal("missing literal archive: expected error")
	}
	if _, err = ResolveArchive(ctx, "yesterday", dir, f, now); !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("bad selector err=%v", err)
	}
	if f.calls != 1 {
		t.Fatalf("fetcher calls=%d", f.calls)
	}
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
