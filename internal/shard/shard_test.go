package shard

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/text/encoding/unicode"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

func utf16(t *testing.T, s string) []byte {
	t.Helper()
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	out, err := enc.Bytes([]byte(s))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return out
}

func writeArchive(t *testing.T, files map[string][]byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "Gesamtdatenexport_20240301.zip")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write(body); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func doc(root, row string, rows ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-16"?>` + "\n<" + root + ">\n")
	for _, r := range rows {
		b.WriteString("  <" + row + ">" + r + "</" + row + ">\n")
	}
	b.WriteString("</" + root + ">\n")
	return b.String()
}

func TestShardsNumericOrder(t *testing.T) {
	t.Parallel()
	files := map[string][]byte{}
	for _, n := range []int{1, 2, 9, 10, 11} {
		files[fmt.Sprintf("EinheitenSolar_%d.xml", n)] = utf16(t,
			doc("EinheitenSolar", "EinheitSolar", fmt.Sprintf("<EinheitMastrNummer>SEE%d</EinheitMastrNummer>", n)))
	}
	files["Katalogwerte.xml"] = utf16(t, doc("Katalogwerte", "Katalogwert", "<Id>1</Id><Wert>x</Wert>"))
	files["readme.txt"] = []byte("ignored")

	a, err := Open(writeArchive(t, files))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	var got []int
	for s, err := range a.Shards(func(f string) bool { return f == "EinheitenSolar" }) {
		if err != nil {
			t.Fatalf("shard: %v", err)
		}
		got = append(got, s.Index)
		if s.Batch.Len() != 1 {
			t.Fatalf("%s rows=%d", s.Name, s.Batch.Len())
		}
		want := fmt.Sprintf("SEE%d", s.Index)
		if v, _ := s.Batch.Rows[0].String("EinheitMastrNummer"); v != want {
			t.Fatalf("%s first id=%q, want %q", s.Name, v, want)
		}
	}
	if fmt.Sprint(got) != "[1 2 9 10 11]" {
		t.Fatalf("order=%v", got)
	}

	kat := a.Entries(func(f string) bool { return f == "Katalogwerte" })
	if len(kat) != 1 || kat[0].Index != 1 {
		t.Fatalf("unsuffixed shard: %+v", kat)
	}
	if fams := a.Families(); len(fams) != 2 {
		t.Fatalf("families=%v", fams)
	}
}

func TestReadUTF8AndEmptyCells(t *testing.T) {
	t.Parallel()
	body := doc("Netze", "Netz",
		"<MastrNummer>SNB1</MastrNummer><Bezeichnung></Bezeichnung><Sparte>1</Sparte>",
		"<MastrNummer>SNB2</MastrNummer><Bundesland>1400</Bundesland>")
	body = strings.Replace(body, "utf-16", "utf-8", 1)
	a, err := Open(writeArchive(t, map[string][]byte{"Netze_1.xml": []byte(body)}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	b, err := a.ReadFamily("netze")
	if err != nil {
		t.Fatalf("ReadFamily: %v", err)
	}
	if b.Len() != 2 {
		t.Fatalf("rows=%d", b.Len())
	}
	if _, ok := b.Rows[0]["Bezeichnung"]; ok {
		t.Fatalf("empty element must be omitted")
	}
	if strings.Join(b.Columns, ",") != "MastrNummer,Sparte,Bundesland" {
		t.Fatalf("columns=%v", b.Columns)
	}
	if _, err := a.ReadFamily("Marktakteure"); err == nil {
		t.Fatalf("expected error for missing family")
	}
}

func TestRepairDeletesInvalidExpression(t *testing.T) {
	t.Parallel()
	rows := []string{
		"<EegMastrNummer>EEG1</EegMastrNummer><Bundesland>335</Bundesland>",
		"<EegMastrNummer>EEG2</EegMastrNummer><Zuschlagsnummer>bad\x01value</Zuschlagsnummer>",
		"<EegMastrNummer>EEG3</EegMastrNummer><Bundesland>336</Bundesland>",
	}
	a, err := Open(writeArchive(t, map[string][]byte{
		"AnlagenEegWind_1.xml": utf16(t, doc("AnlagenEegWind", "AnlageEegWind", rows...)),
	}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	log := &recordingLogger{}
	a.SetLogger(log)

	s, err := a.Read(a.Entries(nil)[0])
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !s.Repaired {
		t.Fatalf("expected repair")
	}
	if s.Batch.Len() != 3 {
		t.Fatalf("rows=%d, want 3", s.Batch.Len())
	}
	if _, ok := s.Batch.Rows[1]["Zuschlagsnummer"]; ok {
		t.Fatalf("invalid expression kept: %v", s.Batch.Rows[1])
	}
	if len(log.lines) != 1 || !strings.Contains(log.lines[0], "one invalid expression deleted") {
		t.Fatalf("log=%v", log.lines)
	}
}

func TestRepairFailsLoudly(t *testing.T) {
	t.Parallel()
	body := `<?xml version="1.0"?><Root><Row><A>1</A></Row><Row><B>2</B>`
	a, err := Open(writeArchive(t, map[string][]byte{"Broken_3.xml": []byte(body)}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	var last error
	for _, err := range a.Shards(nil) {
		last = err
	}
	if !errors.Is(last, ErrMalformed) {
		t.Fatalf("err=%v, want ErrMalformed", last)
	}
	if !strings.Contains(last.Error(), "Broken_3.xml") {
		t.Fatalf("error must name the shard: %v", last)
	}
}

func TestDeleteExpression(t *testing.T) {
	t.Parallel()
	data := []byte("<a><b>ok</b><c>x\x01y</c></a>")
	off := int64(bytes.IndexByte(data, 0x01) + 1)
	got, ok := deleteExpression(data, off)
	if !ok || string(got) != "<a><b>ok</b><c></c></a>" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
}
