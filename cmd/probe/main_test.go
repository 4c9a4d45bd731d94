package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"mastr/internal/probe"
)

// TestHelperProcess is a subprocess entrypoint used by tests.
//
// The parent test runs the current test binary with -test.run=TestHelperProcess
// and GO_WANT_HELPER_PROCESS=1, so main() can call os.Exit without ending the
// parent "go test" process. Arguments after a literal "--" are the CLI args.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	i := 0
	for ; i < len(args); i++ {
		if args[i] == "--" {
			break
		}
	}
	if i < len(args) {
		os.Args = append([]string{args[0]}, args[i+1:]...)
	} else {
		os.Args = []string{args[0]}
	}
	main()
	os.Exit(0)
}

// runCmd executes main() in a subprocess and returns stdout, stderr and the
// exit code.
func runCmd(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()

	cmd := exec.Command(os.Args[0], append([]string{"-test.run=TestHelperProcess", "--"}, args...)...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	if err == nil {
		return outBuf.String(), errBuf.String(), 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return outBuf.String(), errBuf.String(), ee.ExitCode()
	}
	t.Fatalf("unexpected run error: %T: %v", err, err)
	return "", "", 1
}

func writeArchive(t *testing.T, dir string) string {
	t.Helper()
	files := map[string]string{
		"EinheitenWind_1.xml": `<?xml version="1.0" encoding="utf-8"?><EinheitenWind>` +
			`<EinheitWind><EinheitMastrNummer>SEE1</EinheitMastrNummer><Nabenhoehe>120.5</Nabenhoehe><NeuesFeld>x</NeuesFeld></EinheitWind>` +
			`<EinheitWind><EinheitMastrNummer>SEE2</EinheitMastrNummer><Nabenhoehe>99</Nabenhoehe></EinheitWind>` +
			`</EinheitenWind>`,
		"Marktakteure_1.xml": `<?xml version="1.0" encoding="utf-8"?><Marktakteure>` +
			`<Marktakteur><MastrNummer>ABR1</MastrNummer></Marktakteur></Marktakteure>`,
	}
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
	p := filepath.Join(dir, "Gesamtdatenexport_20240301.zip")
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestMain_TextReportMarksDrift(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeArchive(t, dir)

	stdout, stderr, code := runCmd(t, "-data-dir", dir, "-family", "EinheitenWind", "-columns")
	if code != 0 {
		t.Fatalf("exit=%d\nstderr:\n%s", code, stderr)
	}
	for _, want := range []string{"EinheitenWind -> wind_extended", "  + NeuesFeld", "  - Rotordurchmesser", "Nabenhoehe"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
	if strings.Contains(stdout, "Marktakteure") {
		t.Fatalf("family filter ignored:\n%s", stdout)
	}
}

func TestMain_JSONMode(t *testing.T) {
	t.Parallel()

	p := writeArchive(t, t.TempDir())
	stdout, stderr, code := runCmd(t, "-archive", p, "-json", "-pretty=false")
	if code != 0 {
		t.Fatalf("exit=%d\nstderr:\n%s", code, stderr)
	}
	var rep probe.Report
	if err := json.Unmarshal([]byte(stdout), &rep); err != nil {
		t.Fatalf("stdout is not a report: %v\n%s", err, stdout)
	}
	if len(rep.Families) != 2 {
		t.Fatalf("families=%d", len(rep.Families))
	}
}

func TestMain_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no archive", []string{"-data-dir", t.TempDir()}, "no local archive"},
		{"bad date", []string{"-data-dir", t.TempDir(), "-date", "2024-03-01"}, "invalid -date"},
		{"missing archive", []string{"-archive", filepath.Join(t.TempDir(), "x.zip")}, "archive:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, stderr, code := runCmd(t, tt.args...)
			if code != 1 || !strings.Contains(stderr, tt.want) {
				t.Fatalf("exit=%d stderr=%s", code, stderr)
			}
		})
	}
}

func TestResolveArchiveByDate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	want := writeArchive(t, dir)
	got, err := resolveArchive("", dir, "20240301")
	if err != nil || got != want {
		t.Fatalf("got %q err=%v", got, err)
	}
}
