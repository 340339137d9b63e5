package flows

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/interceptor/socketghost/cli"
)

var flowsSubcommands = []string{"list", "show", "delete", "prune", "export", "import", "help"}

// Parse runs a `socketghost flows` subcommand against the local store.
func Parse(ctx context.Context, args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "list":
		return parseList(ctx, args[1:])
	case "show":
		return parseShow(ctx, args[1:])
	case "delete":
		return parseDelete(ctx, args[1:])
	case "prune":
		return parsePrune(ctx, args[1:])
	case "export":
		return parseExport(ctx, args[1:])
	case "import":
		return parseImport(ctx, args[1:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownSubcommandError("flows", args[0], flowsSubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: socketghost flows <command> [options]

Inspect and manage captured flows. Commands read the data directory directly
and work whether or not the service is running.

---

flows list [options]

  List captured flows, newest first.

  Options:
    --pid <n>             only flows from this process
    --method <verb>       only flows with this HTTP method
    --q <text>            case-insensitive match on URL or method
    --since <time>        RFC 3339 or unix milliseconds
    --limit <n>           max results (default: 50)
    --offset <n>          skip first N results
    --format <fmt>        table or json (default: table on a terminal)

---

flows show <flow_id> [options]

  Print a stored flow as JSON.

  Options:
    --body <part>         print only the full request or response body

---

flows delete <flow_id>...

  Delete flows and their body files.

---

flows prune [options]

  Apply the retention window and size budget, then remove orphaned body files.

  Options:
    --retention-days <n>  override storage.retention_days (0 disables)
    --max-bytes <n>       override storage.max_total_bytes (0 disables)

---

flows export <flow_id>... [options]

  Write flows as a JSON array with bodies inline.

  Options:
    --out <path>          output file (default: stdout)

---

flows import <file>

  Store flows from a JSON file (one flow or an array) under new ids.
  Use "-" to read stdin.

Common options:
  --data-dir <dir>        data directory (default: ~/.socketghost)
  --config <path>         config file (default: <data-dir>/config.yaml)
`)
}

func newFlagSet(name, usage string, so *storeOptions) *pflag.FlagSet {
	fs := pflag.NewFlagSet("flows "+name, pflag.ContinueOnError)
	fs.SetInterspersed(true)
	so.register(fs)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage: socketghost flows %s\n\nOptions:\n", usage)
		fs.PrintDefaults()
	}
	return fs
}

func parseList(ctx context.Context, args []string) error {
	var so storeOptions
	fs := newFlagSet("list", "list [options]", &so)
	var opts listOptions
	fs.IntVar(&opts.pid, "pid", -1, "only flows from this process")
	fs.StringVar(&opts.method, "method", "", "only flows with this HTTP method")
	fs.StringVar(&opts.query, "q", "", "case-insensitive match on URL or method")
	fs.StringVar(&opts.since, "since", "", "RFC 3339 or unix milliseconds")
	fs.IntVar(&opts.limit, "limit", 0, "max results (default: 50)")
	fs.IntVar(&opts.offset, "offset", 0, "skip first N results")
	fs.StringVar(&opts.format, "format", "", "table or json (default: table on a terminal)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	return list(ctx, os.Stdout, so, opts)
}

func parseShow(ctx context.Context, args []string) error {
	var so storeOptions
	fs := newFlagSet("show", "show <flow_id> [options]", &so)
	var body string
	fs.StringVar(&body, "body", "", "print only the full body: request or response")

	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("flow_id required")
	}
	return show(ctx, os.Stdout, so, fs.Arg(0), body)
}

func parseDelete(ctx context.Context, args []string) error {
	var so storeOptions
	fs := newFlagSet("delete", "delete <flow_id>... [options]", &so)

	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("flow_id required")
	}
	return deleteFlows(ctx, os.Stdout, so, fs.Args())
}

func parsePrune(ctx context.Context, args []string) error {
	var so storeOptions
	fs := newFlagSet("prune", "prune [options]", &so)
	var opts pruneOptions
	fs.IntVar(&opts.retentionDays, "retention-days", 0, "override storage.retention_days (0 disables)")
	fs.Int64Var(&opts.maxBytes, "max-bytes", 0, "override storage.max_total_bytes (0 disables)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	opts.overrideRetention = fs.Changed("retention-days")
	opts.overrideMaxBytes = fs.Changed("max-bytes")
	return prune(ctx, os.Stdout, so, opts)
}

func parseExport(ctx context.Context, args []string) error {
	var so storeOptions
	fs := newFlagSet("export", "export <flow_id>... [options]", &so)
	var out string
	fs.StringVar(&out, "out", "", "output file (default: stdout)")

	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("flow_id required")
	}
	return export(ctx, os.Stdout, so, fs.Args(), out)
}

func parseImport(ctx context.Context, args []string) error {
	var so storeOptions
	fs := newFlagSet("import", "import <file> [options]", &so)

	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("file required")
	}
	return importFlows(ctx, os.Stdout, os.Stdin, so, fs.Arg(0))
}
