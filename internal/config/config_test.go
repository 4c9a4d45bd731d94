package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "mastr/internal/storage/sqlite"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "mastr.yaml")
	body := `
data_dir: /var/lib/mastr
api:
  workers: 4
  timeout: 90s
  rate:
    requests_per_second: 2
bulk:
  cleanse: false
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Kind != "sqlite" || cfg.Database.DSN != "/var/lib/mastr/mastr.db" {
		t.Fatalf("database = %+v", cfg.Database)
	}
	if cfg.API.Workers != 4 || cfg.API.Timeout != 90*time.Second || cfg.API.ChunkSize != 1000 {
		t.Fatalf("api = %+v", cfg.API)
	}
	if cfg.API.Rate.RequestsPerSec != 2 || cfg.API.Rate.Burst != 10 {
		t.Fatalf("rate = %+v", cfg.API.Rate)
	}
	if cfg.CleanseEnabled() {
		t.Fatal("cleanse should be off")
	}
	if cfg.Export.Dir != "/var/lib/mastr/export" || cfg.Export.Prefix != "bnetza_mastr" {
		t.Fatalf("export = %+v", cfg.Export)
	}
	if issues := Errors(Validate(cfg)); len(issues) != 0 {
		t.Fatalf("issues = %v", issues)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("api: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
		sev    Severity
	}{
		{"unknown backend", func(c *Config) { c.Database.Kind = "oracle" }, "database.kind", SeverityError},
		{"zero workers", func(c *Config) { c.API.Workers = -1 }, "api.workers", SeverityError},
		{"many workers", func(c *Config) { c.API.Workers = 32 }, "api.workers", SeverityWarning},
		{"page too big", func(c *Config) { c.API.PageSize = 5000 }, "api.page_size", SeverityError},
		{"bad endpoint", func(c *Config) { c.API.Endpoint = "ftp://x" }, "api.endpoint", SeverityError},
		{"bad regex", func(c *Config) { c.Bulk.Match = "(" }, "bulk.match", SeverityError},
		{"prefix path", func(c *Config) { c.Export.Prefix = "a/b" }, "export.prefix", SeverityError},
		{"metrics backend", func(c *Config) { c.Metrics.Backend = "statsd" }, "metrics.backend", SeverityError},
		{"no pacing", func(c *Config) { c.API.Rate.RequestsPerSec = -1 }, "api.rate.requests_per_second", SeverityWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			cfg.ApplyDefaults()
			tt.mutate(&cfg)
			var found bool
			for _, i := range Validate(cfg) {
				if i.Path == tt.path && i.Severity == tt.sev {
					found = true
				}
			}
			if !found {
				t.Fatalf("no %s issue at %s in %v", tt.sev, tt.path, Validate(cfg))
			}
		})
	}
}

func TestCheckWrapsErrInvalid(t *testing.T) {
	t.Parallel()
	var cfg Config
	cfg.ApplyDefaults()
	cfg.API.ChunkSize = -5
	err := Check(cfg)
	if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "api.chunk_size") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateSelection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		sel Selection
		ok  bool
	}{
		{Selection{Data: []string{"wind", "market"}, Date: "today"}, true},
		{Selection{Date: "20240301"}, true},
		{Selection{Data: []string{"windmills"}}, false},
		{Selection{Date: "tomorrow"}, false},
	}
	for _, tt := range tests {
		err := ValidateSelection(tt.sel)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateSelection(%+v) = %v", tt.sel, err)
		}
		if err != nil && !errors.Is(err, ErrInvalid) {
			t.Errorf("err %v does not wrap ErrInvalid", err)
		}
	}
}
