// Package shard reads the XML shards of the bulk export archive.
//
// Each shard is a UTF-16 XML document whose root element holds one child per
// row and one grandchild per column. Shards of one family are numbered
// Family_1.xml, Family_2.xml, ... and are read in numeric order.
package shard

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"mastr/pkg/records"
)

// ErrMalformed marks a shard that stayed unparseable after repair.
var ErrMalformed = errors.New("malformed shard")

// Logger is the logging seam; *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// Entry is one shard file inside the archive.
type Entry struct {
	Name   string
	Family string
	Index  int

	file *zip.File
}

// Shard is one parsed shard.
type Shard struct {
	Entry
	Batch *records.Batch
	// Repaired is set when an invalid expression was deleted before parsing
	// succeeded.
	Repaired bool
}

// Archive is an open bulk export.
type Archive struct {
	zr      *zip.ReadCloser
	entries []Entry
	log     Logger
}

var reShardName = regexp.MustCompile(`^(.+?)_(\d+)\.xml$`)

// Open opens the archive at path and indexes its XML entries.
func Open(p string) (*Archive, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", p, err)
	}
	a := &Archive{zr: zr, log: discardLogger{}}
	for _, f := range zr.File {
		if e, ok := parseEntry(f); ok {
			a.entries = append(a.entries, e)
		}
	}
	sortEntries(a.entries)
	return a, nil
}

// SetLogger replaces the logger; nil restores the discard logger.
func (a *Archive) SetLogger(l Logger) {
	if l == nil {
		l = discardLogger{}
	}
	a.log = l
}

// Close releases the archive.
func (a *Archive) Close() error { return a.zr.Close() }

func parseEntry(f *zip.File) (Entry, bool) {
	if f.FileInfo().IsDir() {
		return Entry{}, false
	}
	name := path.Base(f.Name)
	if !strings.EqualFold(path.Ext(name), ".xml") {
		return Entry{}, false
	}
	norm := strings.TrimSuffix(name, path.Ext(name)) + ".xml"
	if m := reShardName.FindStringSubmatch(norm); m != nil {
		n, err := strconv.Atoi(m[2])
		if err == nil {
			return Entry{Name: name, Family: m[1], Index: n, file: f}, true
		}
	}
	return Entry{Name: name, Family: strings.TrimSuffix(norm, ".xml"), Index: 1, file: f}, true
}

// sortEntries orders by family, then by numeric shard index.
func sortEntries(es []Entry) {
	sort.SliceStable(es, func(i, j int) bool {
		fi, fj := strings.ToLower(es[i].Family), strings.ToLower(es[j].Family)
		if fi != fj {
			return fi < fj
		}
		return es[i].Index < es[j].Index
	})
}

// Entries returns the indexed entries whose family passes keep. A nil keep
// returns everything.
func (a *Archive) Entries(keep func(family string) bool) []Entry {
	out := make([]Entry, 0, len(a.entries))
	for _, e := range a.entries {
		if keep == nil || keep(e.Family) {
			out = append(out, e)
		}
	}
	return out
}

// Families returns the distinct family names in archive order.
func (a *Archive) Families() []string {
	var out []string
	seen := map[string]struct{}{}
	for _, e := range a.entries {
		k := strings.ToLower(e.Family)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e.Family)
	}
	return out
}

// Shards lazily parses every entry whose family passes keep. Iteration stops
// after the first error.
func (a *Archive) Shards(keep func(family string) bool) iter.Seq2[Shard, error] {
	return func(yield func(Shard, error) bool) {
		for _, e := range a.Entries(keep) {
			s, err := a.Read(e)
			if !yield(s, err) || err != nil {
				return
			}
		}
	}
}

// ReadFamily parses every shard of one family and concatenates the rows.
func (a *Archive) ReadFamily(family string) (*records.Batch, error) {
	out := records.NewBatch(family)
	found := false
	for s, err := range a.Shards(func(f string) bool { return strings.EqualFold(f, family) }) {
		if err != nil {
			return nil, err
		}
		found = true
		for _, r := range s.Batch.Rows {
			out.Add(r)
		}
	}
	if !found {
		return nil, fmt.Errorf("archive has no %s shard", family)
	}
	return out, nil
}

// Read parses one entry.
func (a *Archive) Read(e Entry) (Shard, error) {
	rc, err := e.file.Open()
	if err != nil {
		return Shard{Entry: e}, fmt.Errorf("shard %s: open: %w", e.Name, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return Shard{Entry: e}, fmt.Errorf("shard %s: read: %w", e.Name, err)
	}
	b, repaired, err := parseWithRepair(e.Name, raw, a.log)
	if err != nil {
		return Shard{Entry: e}, err
	}
	b.Table = e.Family
	return Shard{Entry: e, Batch: b, Repaired: repaired}, nil
}
