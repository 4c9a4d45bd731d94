// Command probe inspects a bulk export archive before it is ingested.
//
// It samples the first shard of every family, infers a coarse type per column
// and compares the columns against the schema registry:
//
//	+ column   present in the archive, not declared (arrives as schema drift)
//	- column   declared, never seen in the sample
//	! column   declared typed column whose samples do not parse as that type
//
// Output modes
//
//   - Default mode: prints the drift report as text to stdout.
//   - Columns mode (-columns): adds per-column statistics for every family.
//   - JSON mode (-json): prints the full report as JSON.
//
// The archive is located by -archive, or by -date under -data-dir using the
// same selectors as the bulk command (latest or yyyymmdd).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"mastr/internal/download"
	"mastr/internal/probe"
)

func main() {
	var (
		// flagArchive is a local archive path. It wins over -date.
		flagArchive = flag.String("archive", "", "path of a Gesamtdatenexport_yyyymmdd.zip archive")

		// flagDataDir and flagDate locate an archive already downloaded by the
		// bulk command.
		flagDataDir = flag.String("data-dir", "data", "directory holding downloaded archives")
		flagDate    = flag.String("date", "latest", "archive selector when -archive is empty: latest or yyyymmdd")

		// flagRows bounds the rows sampled per family.
		flagRows = flag.Int("rows", 500, "rows sampled per family")

		// flagFamily restricts the probe to a comma-separated list of families,
		// e.g. "EinheitenWind,AnlagenEegWind".
		flagFamily = flag.String("family", "", "comma-separated shard families (empty probes all)")

		flagColumns = flag.Bool("columns", false, "print per-column statistics")
		flagJSON    = flag.Bool("json", false, "print the report as JSON")
		flagPretty  = flag.Bool("pretty", true, "pretty-print JSON output")
		verbose     = flag.Bool("v", false, "enable verbose logs")
	)
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fatalf("logger: %v", err)
		}
		logger = l
	}
	defer func() { _ = logger.Sync() }()

	path, err := resolveArchive(*flagArchive, *flagDataDir, *flagDate)
	if err != nil {
		fatalf("%v", err)
	}

	rep, err := probe.Archive(path, probe.Options{
		SampleRows: *flagRows,
		Families:   splitCSV(*flagFamily),
		Log:        zap.NewStdLog(logger),
	})
	if err != nil {
		fatalf("probe: %v", err)
	}
	if len(rep.Families) == 0 {
		fatalf("probe: no shard family matched in %s", path)
	}

	if *flagJSON {
		enc := json.NewEncoder(os.Stdout)
		if *flagPretty {
			enc.SetIndent("", "  ")
		}
		if err := enc.Encode(rep); err != nil {
			fatalf("encode report: %v", err)
		}
		return
	}

	fmt.Fprintln(os.Stdout, rep.Text())
	if *flagColumns {
		for _, f := range rep.Families {
			fmt.Fprintf(os.Stdout, "\n%s\n%s\n", f.Family, f.ColumnsText())
		}
	}
}

// resolveArchive picks the archive to probe. Unlike the bulk command it never
// downloads.
func resolveArchive(archive, dataDir, date string) (string, error) {
	if archive != "" {
		if _, err := os.Stat(archive); err != nil {
			return "", fmt.Errorf("archive: %w", err)
		}
		return archive, nil
	}
	switch d := strings.ToLower(strings.TrimSpace(date)); d {
	case "", "latest":
		p, _, err := download.LatestLocal(dataDir)
		return p, err
	default:
		day, err := time.Parse("20060102", d)
		if err != nil || len(d) != 8 {
			return "", fmt.Errorf("invalid -date %q: want latest or yyyymmdd", date)
		}
		p := download.ArchivePath(dataDir, day)
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("archive for %s: %w", d, err)
		}
		return p, nil
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
