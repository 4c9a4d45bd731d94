package bulk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"mastr/internal/download"
)

// ErrInvalidDate is returned for a date selector that is not empty, "today",
// "latest" or yyyymmdd.
var ErrInvalidDate = errors.New("invalid bulk date")

// Fetcher downloads the archive of a day when it is not present locally.
type Fetcher interface {
	Ensure(ctx context.Context, dataDir string, day time.Time) (string, error)
}

// ResolveArchive maps the date selector to a local archive path.
//
//	"" or "today"  download today's export unless present
//	"latest"       newest archive already in dataDir
//	yyyymmdd       that day's archive, which must exist locally
func ResolveArchive(ctx context.Context, date, dataDir string, f Fetcher, now time.Time) (string, error) {
	switch d := strings.ToLower(strings.TrimSpace(date)); d {
	case "", "today":
		if f == nil {
			return "", fmt.Errorf("no fetcher for today's archive")
		}
		return f.Ensure(ctx, dataDir, now)
	case "latest":
		p, _, err := download.LatestLocal(dataDir)
		return p, err
	default:
		day, err := time.Parse("20060102", d)
		if err != nil || len(d) != 8 {
			return "", fmt.Errorf("%w %q", ErrInvalidDate, date)
		}
		p := download.ArchivePath(dataDir, day)
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("archive for %s: %w", d, err)
		}
		return p, nil
	}
}
