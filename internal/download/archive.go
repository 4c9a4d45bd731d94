package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// Logger is the logging seam; *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// ErrNoLocalArchive is returned when the data directory holds no archive.
var ErrNoLocalArchive = errors.New("no local archive")

const dayLayout = "20060102"

var reArchive = regexp.MustCompile(`^Gesamtdatenexport_(\d{8})\.zip$`)

// ArchivePath is the local file name of the export published on day.
func ArchivePath(dataDir string, day time.Time) string {
	return filepath.Join(dataDir, "Gesamtdatenexport_"+day.Format(dayLayout)+".zip")
}

// ArchiveDay returns the publication day encoded in an archive file name.
func ArchiveDay(path string) (time.Time, bool) {
	m := reArchive.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return time.Time{}, false
	}
	day, err := time.Parse(dayLayout, m[1])
	return day, err == nil
}

// LatestLocal returns the newest archive in dataDir and its day.
func LatestLocal(dataDir string) (string, time.Time, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", time.Time{}, fmt.Errorf("%w in %s", ErrNoLocalArchive, dataDir)
		}
		return "", time.Time{}, err
	}
	var days []string
	for _, e := range entries {
		if m := reArchive.FindStringSubmatch(e.Name()); m != nil && !e.IsDir() {
			days = append(days, m[1])
		}
	}
	if len(days) == 0 {
		return "", time.Time{}, fmt.Errorf("%w in %s", ErrNoLocalArchive, dataDir)
	}
	sort.Strings(days)
	day, _ := time.Parse(dayLayout, days[len(days)-1])
	return ArchivePath(dataDir, day), day, nil
}

// Fetcher downloads the current archive.
type Fetcher struct {
	Loader     *Loader
	LandingURL string
	Selector   string
	Match      string
	// Client streams the archive body; the archive download has no timeout
	// beyond ctx.
	Client *http.Client
	Log    Logger
}

// Ensure returns the archive for day under dataDir, downloading it when the
// file is absent.
func (f *Fetcher) Ensure(ctx context.Context, dataDir string, day time.Time) (string, error) {
	dest := ArchivePath(dataDir, day)
	if st, err := os.Stat(dest); err == nil && st.Size() > 0 {
		f.logger().Printf("archive=%s present, download skipped", dest)
		return dest, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}

	page, err := f.Loader.Page(ctx, f.LandingURL)
	if err != nil {
		return "", fmt.Errorf("landing page: %w", err)
	}
	href, err := Discover(page, f.LandingURL, f.Selector, f.Match)
	if err != nil {
		return "", err
	}
	f.logger().Printf("archive url discovered host=%s", hostOf(href))

	n, err := f.stream(ctx, href, dest)
	if err != nil {
		return "", err
	}
	f.logger().Printf("archive=%s downloaded bytes=%d", dest, n)
	return dest, nil
}

func (f *Fetcher) stream(ctx context.Context, href, dest string) (int64, error) {
	l := NewLoader(f.Client, 0)
	resp, err := l.get(ctx, href)
	if err != nil {
		return 0, fmt.Errorf("archive download: %w", err)
	}
	defer resp.Body.Close()

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("archive download: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return 0, err
	}
	return n, nil
}

func (f *Fetcher) logger() Logger {
	if f.Log == nil {
		return discardLogger{}
	}
	return f.Log
}

// hostOf keeps the short-lived token in the query string out of the logs.
func hostOf(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return "?"
	}
	return u.Host
}
