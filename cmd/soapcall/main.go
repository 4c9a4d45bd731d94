// Command soapcall invokes one registry web service operation and prints the
// answer as JSON. It is a debugging aid for the mirror.
//
//	soapcall [flags] <operation> [name=value ...]
//
// Credentials are read from MASTR_USER and MASTR_TOKEN. Detail answers are
// flattened the way the mirror stores them unless -raw is set.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"mastr/internal/flatten"
	"mastr/internal/schema"
	"mastr/internal/soap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("soapcall", flag.ContinueOnError)
	fs.SetOutput(stderr)
	endpoint := fs.String("endpoint", soap.DefaultEndpoint, "web service endpoint")
	timeout := fs.Duration("timeout", 60*time.Second, "call timeout")
	raw := fs.Bool("raw", false, "print the decoded answer without flattening")
	list := fs.Bool("list", false, "list the registered operations and exit")
	verbose := fs.Bool("v", false, "enable verbose logs")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *list {
		ops := schema.Operations()
		sort.Strings(ops)
		for _, op := range ops {
			fmt.Fprintln(stdout, op)
		}
		return 0
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: soapcall [flags] <operation> [name=value ...]")
		return 2
	}
	op := fs.Arg(0)
	params, err := parseParams(fs.Args()[1:])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger := zap.NewNop()
	if *verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(stderr, "logger: %v\n", err)
			return 1
		}
	}
	defer func() { _ = logger.Sync() }()

	creds, err := soap.EnvProvider{}.Credentials(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	client, err := soap.New(creds, soap.Options{Endpoint: *endpoint, Log: zap.NewStdLog(logger)})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	call, err := client.Bind(op)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	start := time.Now()
	answer, err := call(ctx, params)
	logger.Sugar().Infow("call", "operation", op, "outcome", soap.Outcome(err), "duration", time.Since(start))
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", op, err)
		return 1
	}

	var out any = answer
	if t, ok := tableFor(op); ok && !*raw {
		out = flatten.Record(answer, t)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}

// parseParams turns name=value arguments into call parameters.
func parseParams(args []string) (soap.Params, error) {
	p := soap.Params{}
	for _, a := range args {
		name, value, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("parameter %q: want name=value", a)
		}
		p[strings.TrimSpace(name)] = value
	}
	return p, nil
}

// tableFor returns the table a detail operation's answer is stored in.
func tableFor(op string) (schema.Table, bool) {
	for _, k := range schema.UnitKinds() {
		for _, d := range k.Details {
			if d.Operation(k) == op {
				return schema.LookupTable(d.Table(k))
			}
		}
	}
	for _, lt := range schema.LocationTypes() {
		if lt.Op == op {
			return schema.LookupTable(schema.TableLocationsExtended)
		}
	}
	return schema.Table{}, false
}
