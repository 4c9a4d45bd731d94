package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mastr/internal/config"
	"mastr/internal/metrics"
	"mastr/internal/metrics/datadog"
	"mastr/internal/ratelimit"
	"mastr/internal/soap"
	"mastr/internal/storage"
)

// options are the flags every command shares.
type options struct {
	configPath string
	verbose    bool
	validate   bool
	data       string
	date       string
	dataDir    string
	dbKind     string
	dsn        string
}

func commonFlags(fs *flag.FlagSet) *options {
	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "YAML configuration path (defaults apply when empty)")
	fs.BoolVar(&o.verbose, "v", false, "enable verbose logs")
	fs.BoolVar(&o.validate, "validate", false, "validate the configuration and exit")
	fs.StringVar(&o.data, "data", "", "comma-separated data categories (empty selects all)")
	fs.StringVar(&o.date, "date", "", "date selector: today, latest or yyyymmdd")
	fs.StringVar(&o.dataDir, "data-dir", "", "override data_dir")
	fs.StringVar(&o.dbKind, "db", "", "override database.kind ("+strings.Join(storage.Kinds(), ", ")+")")
	fs.StringVar(&o.dsn, "dsn", "", "override database.dsn")
	return o
}

// env is the state shared by a command run.
type env struct {
	cfg     config.Config
	sel     config.Selection
	verbose bool

	zl  *zap.Logger
	log *zap.SugaredLogger
	// std adapts zl to the Printf seam of the library packages.
	std *log.Logger

	stdout  io.Writer
	closers []func()
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	_ = e.zl.Sync()
}

// setup loads and checks the configuration, builds the logger and starts the
// metrics backend.
func setup(o *options, stdout, stderr io.Writer) (*env, error) {
	zl := newLogger(stderr, o.verbose)
	e := &env{
		verbose: o.verbose,
		zl:      zl,
		log:     zl.Sugar(),
		std:     zap.NewStdLog(zl),
		stdout:  stdout,
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return e, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if o.dataDir != "" {
		// Paths derived from the old data dir follow it.
		if cfg.Database.DSN == cfg.DataDir+"/mastr.db" {
			cfg.Database.DSN = ""
		}
		if cfg.Export.Dir == cfg.DataDir+"/export" {
			cfg.Export.Dir = ""
		}
		cfg.DataDir = o.dataDir
	}
	if o.dbKind != "" {
		cfg.Database.Kind = o.dbKind
	}
	if o.dsn != "" {
		cfg.Database.DSN = o.dsn
	}
	cfg.ApplyDefaults()

	for _, iss := range config.Validate(cfg) {
		fmt.Fprintln(stderr, iss.String())
	}
	if err := config.Check(cfg); err != nil {
		return e, err
	}
	e.cfg = cfg

	e.sel = config.Selection{Data: splitList(o.data), Date: o.date}
	if err := config.ValidateSelection(e.sel); err != nil {
		return e, err
	}

	if o.validate {
		e.log.Infow("configuration is valid", "config", o.configPath)
		return e, errValidated
	}

	e.startMetrics()
	return e, nil
}

// newLogger builds the production JSON logger, or the development console
// logger when verbose is set.
func newLogger(w io.Writer, verbose bool) *zap.Logger {
	if verbose {
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zap.DebugLevel), zap.AddCaller())
	}
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zap.InfoLevel))
}

func (e *env) startMetrics() {
	m := e.cfg.Metrics
	switch m.Backend {
	case "datadog":
		tags := append(append([]string(nil), m.Tags...), datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)
		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName:    m.Job,
			Tags:       tags,
			FlushEvery: m.FlushEvery,
		})
		if err != nil {
			e.log.Warnw("metrics: datadog backend unavailable; using nop", "error", err)
			return
		}
		e.log.Infow("metrics enabled", "backend", m.Backend, "job", m.Job, "tags", tags)
		metrics.SetBackend(b)
		e.closers = append(e.closers, func() {
			if err := b.Close(); err != nil {
				e.log.Warnw("metrics: datadog close/flush", "error", err)
			}
		})
	default:
		if e.verbose {
			e.log.Debugw("metrics disabled", "backend", m.Backend)
		}
	}
}

// openStore opens the configured database. The data directory is created
// for the embedded backends.
func (e *env) openStore(ctx context.Context) (*storage.DB, error) {
	if e.cfg.Database.Kind == "sqlite" || e.cfg.Database.Kind == "duckdb" {
		if err := os.MkdirAll(e.cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := storage.Open(ctx, storage.Config{Kind: e.cfg.Database.Kind, DSN: e.cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	db.SetLogger(e.std)
	e.closers = append(e.closers, func() { _ = db.Close() })
	e.log.Infow("store opened", "kind", e.cfg.Database.Kind)
	return db, nil
}

// client builds the SOAP client from environment credentials. Every worker
// shares its token bucket.
func (e *env) client(ctx context.Context) (*soap.Client, error) {
	creds, err := soap.EnvProvider{}.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	api := e.cfg.API
	return soap.New(creds, soap.Options{
		Endpoint:   api.Endpoint,
		Namespace:  api.Namespace,
		HTTPClient: &http.Client{Timeout: api.Timeout, Transport: &http.Transport{MaxIdleConnsPerHost: 32}},
		Limiter:    ratelimit.New(api.Rate),
		Log:        e.std,
	})
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
