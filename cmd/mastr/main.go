// Command mastr mirrors the Marktstammdatenregister into a relational store.
//
// Usage:
//
//	mastr <command> [flags]
//
// Commands:
//
//	bulk      ingest the full data export archive
//	api       mirror units and locations through the SOAP web service
//	export    write stored tables to delimited files
//	quota     print the daily request allowance
//	discover  print the current archive URL of the download page
//
// Exit codes: 0 ok, 1 other failure, 2 invalid parameter, 3 unreachable
// endpoint, 4 quota exhausted at start, 5 fatal write failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"mastr/internal/bulk"
	"mastr/internal/config"
	"mastr/internal/mirror"
	"mastr/internal/soap"
	"mastr/internal/storage"

	// register all backends with the storage factory.
	_ "mastr/internal/storage/all"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInvalid     = 2
	exitUnreachable = 3
	exitQuota       = 4
	exitWrite       = 5
)

var (
	// errUsage marks a malformed command line.
	errUsage = errors.New("usage")
	// errUnreachable marks a failed endpoint reachability check.
	errUnreachable = errors.New("endpoint unreachable")
	// errValidated stops a -validate run after a successful check.
	errValidated = errors.New("configuration validated")
)

// runner executes a command after flags are parsed and the env is set up.
type runner func(ctx context.Context, e *env) error

// command registers its own flags on fs and returns the runner bound to them.
type command struct {
	name string
	help string
	bind func(fs *flag.FlagSet) runner
}

var commands = []command{
	{name: "bulk", help: "ingest the full data export archive", bind: bulkCommand},
	{name: "api", help: "mirror units and locations through the SOAP web service", bind: apiCommand},
	{name: "export", help: "write stored tables to delimited files", bind: exportCommand},
	{name: "quota", help: "print the daily request allowance", bind: quotaCommand},
	{name: "discover", help: "print the current archive URL of the download page", bind: discoverCommand},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		usage(stderr)
		if len(args) == 0 {
			return exitInvalid
		}
		return exitOK
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return exitInvalid
	}

	fs := flag.NewFlagSet("mastr "+cmd.name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := commonFlags(fs)
	exec := cmd.bind(fs)
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitInvalid
	}

	e, err := setup(opts, stdout, stderr)
	defer e.close()
	if errors.Is(err, errValidated) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd.name, err)
		return exitCode(err)
	}

	if err := exec(ctx, e); err != nil {
		e.log.Errorw("run failed", "command", cmd.name, "error", err)
		return exitCode(err)
	}
	return exitOK
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: mastr <command> [flags]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", c.name, c.help)
	}
}

// exitCode maps an error class to its process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, bulk.ErrInvalidDate),
		errors.Is(err, soap.ErrMissingCredentials),
		errors.Is(err, soap.ErrInvalidCredentials),
		errors.Is(err, soap.ErrAccessDenied),
		errors.Is(err, storage.ErrUnsupportedKind):
		return exitInvalid
	case errors.Is(err, errUnreachable):
		return exitUnreachable
	case errors.Is(err, mirror.ErrQuotaExhausted):
		return exitQuota
	case storage.IsWriteError(err):
		return exitWrite
	default:
		return exitFailure
	}
}
