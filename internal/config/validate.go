package config

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"mastr/internal/mirror"
	"mastr/internal/schema"
	"mastr/internal/storage"
)

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding of Validate.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// Validate checks a defaulted configuration.
func Validate(c Config) []Issue {
	var out []Issue
	errf := func(path, format string, a ...any) {
		out = append(out, Issue{SeverityError, path, fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		out = append(out, Issue{SeverityWarning, path, fmt.Sprintf(format, a...)})
	}

	if !slices.Contains(storage.Kinds(), c.Database.Kind) {
		errf("database.kind", "unsupported backend %q (have %s)", c.Database.Kind, strings.Join(storage.Kinds(), ", "))
	}
	if c.Database.DSN == "" {
		errf("database.dsn", "required for backend %q", c.Database.Kind)
	}

	for _, p := range []struct{ path, v string }{
		{"bulk.landing_url", c.Bulk.LandingURL},
		{"api.endpoint", c.API.Endpoint},
	} {
		if u, err := url.Parse(p.v); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errf(p.path, "not an http(s) URL: %q", p.v)
		}
	}
	if c.Bulk.Match != "" {
		if _, err := regexp.Compile(c.Bulk.Match); err != nil {
			errf("bulk.match", "invalid regular expression: %v", err)
		}
	}

	if c.API.Workers < 1 {
		errf("api.workers", "must be at least 1, got %d", c.API.Workers)
	} else if c.API.Workers > 16 {
		warnf("api.workers", "%d workers share one daily quota", c.API.Workers)
	}
	if c.API.ChunkSize < 1 {
		errf("api.chunk_size", "must be positive, got %d", c.API.ChunkSize)
	}
	if c.API.PageSize < 1 || c.API.PageSize > mirror.MaxPageSize {
		errf("api.page_size", "must be within 1..%d, got %d", mirror.MaxPageSize, c.API.PageSize)
	}
	if c.API.Timeout < 0 {
		errf("api.timeout", "must not be negative")
	}
	if c.API.Limit < 0 {
		errf("api.limit", "must not be negative")
	}
	if c.API.MaxAttempts < 1 {
		errf("api.max_attempts", "must be at least 1, got %d", c.API.MaxAttempts)
	}
	if c.API.Rate.RequestsPerSec < 0 {
		warnf("api.rate.requests_per_second", "requests are not paced")
	}

	if c.Export.ChunkSize < 1 {
		errf("export.chunk_size", "must be positive, got %d", c.Export.ChunkSize)
	}
	if strings.ContainsAny(c.Export.Prefix, `/\`) {
		errf("export.prefix", "must not contain a path separator")
	}

	switch c.Metrics.Backend {
	case "none":
	case "datadog":
		if c.Metrics.FlushEvery < 0 {
			errf("metrics.flush_every", "must not be negative")
		}
	default:
		errf("metrics.backend", "unknown backend %q (none, datadog)", c.Metrics.Backend)
	}
	return out
}

// Errors returns the error-severity issues.
func Errors(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

// Check validates c and wraps the first error issue in ErrInvalid.
func Check(c Config) error {
	errs := Errors(Validate(c))
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Path + ": " + e.Message
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// Selection is the data, date and operation selector of one run.
type Selection struct {
	Data []string
	Date string
}

// ValidateSelection checks data categories against the schema registry and
// the date against the accepted forms.
func ValidateSelection(s Selection) error {
	known := schema.Categories()
	for _, d := range s.Data {
		if !slices.Contains(known, strings.ToLower(d)) {
			return fmt.Errorf("%w: unknown data category %q", ErrInvalid, d)
		}
	}
	if _, err := mirror.ParseDateSpec(s.Date); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
