package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/pflag"

	"github.com/go-appsec/interceptor/socketghost/cliutil"
	"github.com/go-appsec/interceptor/socketghost/config"
	"github.com/go-appsec/interceptor/socketghost/protocol"
	"github.com/go-appsec/interceptor/socketghost/service/store"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

// storeOptions locate the data directory and config shared by every subcommand.
type storeOptions struct {
	dataDir    string
	configPath string
}

func (o *storeOptions) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.dataDir, "data-dir", "", "data directory (default: ~/.socketghost)")
	fs.StringVar(&o.configPath, "config", "", "config file (default: <data-dir>/config.yaml)")
}

// open loads the config and opens the store without the startup prune.
func (o storeOptions) open(ctx context.Context) (*store.Service, error) {
	dataDir := o.dataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}
	cfgPath := o.configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(dataDir, config.ConfigFileName)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	} else if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	storage := cfg.Storage
	storage.AutoPruneOnStart = false
	return store.Open(ctx, storage, dataDir)
}

type listOptions struct {
	pid    int // negative means any
	method string
	query  string
	since  string
	limit  int
	offset int
	format string
}

func (o listOptions) filter() (protocol.FlowFilter, error) {
	filter := protocol.FlowFilter{
		Method: strings.ToUpper(o.method),
		Query:  o.query,
	}
	if o.pid >= 0 {
		pid := o.pid
		filter.PID = &pid
	}
	if o.since != "" {
		since, err := protocol.ParseSince(o.since)
		if err != nil {
			return filter, err
		}
		filter.Since = &since
	}
	return filter, nil
}

func list(ctx context.Context, w io.Writer, so storeOptions, opts listOptions) error {
	format := opts.format
	if format == "" {
		format = formatJSON
		if cliutil.StdoutIsTerminal() {
			format = formatTable
		}
	} else if format != formatTable && format != formatJSON {
		return fmt.Errorf("invalid format %q: expected %s or %s", format, formatTable, formatJSON)
	}
	filter, err := opts.filter()
	if err != nil {
		return err
	}

	svc, err := so.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	limit := opts.limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	flows, err := svc.List(ctx, limit, opts.offset, filter)
	if err != nil {
		return err
	}

	if format == formatJSON {
		if flows == nil {
			flows = []protocol.FlowMetadata{}
		}
		return writeJSON(w, flows)
	}
	if len(flows) == 0 {
		cliutil.NoResults(w, "No matching flows found.")
		return nil
	}
	printFlowTable(w, flows)
	if len(flows) == limit {
		cliutil.HintCommand(w, "More flows may be available",
			"socketghost flows list --offset "+strconv.Itoa(opts.offset+limit))
	}
	return nil
}

func printFlowTable(w io.Writer, flows []protocol.FlowMetadata) {
	t := cliutil.NewTable(w)
	t.AppendHeader(table.Row{"Flow ID", "Captured", "PID", "Method", "URL", "Status", "Size", "Via"})
	t.SetRowPainter(cliutil.StatusRowPainter(5)) // status is column index 5

	for _, f := range flows {
		pid := "-"
		if f.PID != 0 {
			pid = strconv.Itoa(f.PID)
		}
		t.AppendRow(table.Row{
			f.ID, humanize.Time(f.CapturedAt), pid, f.Method, cliutil.Cell(f.URL),
			f.StatusCode, humanize.IBytes(uint64(max(f.SizeBytes, 0))), via(f),
		})
	}
	t.Render()
	cliutil.Summary(w, len(flows), "flow", "flows")
}

// via marks flows that did not pass through unchanged.
func via(f protocol.FlowMetadata) string {
	switch {
	case f.ViaManualResend:
		return "resend"
	case f.ViaUpdate:
		return "edited"
	}
	return ""
}

func show(ctx context.Context, w io.Writer, so storeOptions, id, part string) error {
	if part != "" && part != store.PartRequest && part != store.PartResponse {
		return fmt.Errorf("invalid body part %q: expected %s or %s", part, store.PartRequest, store.PartResponse)
	}
	svc, err := so.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	if part == "" {
		flow, err := svc.Get(ctx, id)
		if err != nil {
			return flowError(id, err)
		}
		return writeJSON(w, flow)
	}

	body, err := svc.BodyReader(ctx, id, part)
	if err != nil {
		return flowError(id, err)
	}
	defer func() { _ = body.Close() }()
	_, err = io.Copy(w, body)
	return err
}

func deleteFlows(ctx context.Context, w io.Writer, so storeOptions, ids []string) error {
	svc, err := so.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	var errs []error
	for _, id := range ids {
		if err := svc.Delete(ctx, id); err != nil {
			errs = append(errs, flowError(id, err))
			continue
		}
		_, _ = fmt.Fprintf(w, "%s %s\n", cliutil.Success("deleted"), cliutil.ID(id))
	}
	return errors.Join(errs...)
}

type pruneOptions struct {
	retentionDays     int
	maxBytes          int64
	overrideRetention bool
	overrideMaxBytes  bool
}

func prune(ctx context.Context, w io.Writer, so storeOptions, opts pruneOptions) error {
	svc, err := so.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	var removed int
	if opts.overrideRetention || opts.overrideMaxBytes {
		cfg := svc.Config()
		if opts.overrideRetention {
			cfg.RetentionDays = opts.retentionDays
		}
		if opts.overrideMaxBytes {
			cfg.MaxTotalBytes = opts.maxBytes
		}
		removed, err = svc.PruneWith(ctx, cfg.RetentionDays, cfg.MaxTotalBytes)
	} else {
		removed, err = svc.Prune(ctx)
	}
	if err != nil {
		return err
	}

	total, err := svc.TotalSize(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "pruned %s, %s remaining\n",
		cliutil.Bold(pluralize(removed, "flow", "flows")), humanize.IBytes(uint64(max(total, 0))))
	return nil
}

func export(ctx context.Context, w io.Writer, so storeOptions, ids []string, out string) error {
	svc, err := so.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	flows := make([]*protocol.StoredFlow, 0, len(ids))
	for _, id := range ids {
		flow, err := svc.Export(ctx, id)
		if err != nil {
			return flowError(id, err)
		}
		flows = append(flows, flow)
	}

	if out == "" {
		return writeJSON(w, flows)
	}
	data, err := json.MarshalIndent(flows, "", "  ")
	if err != nil {
		return fmt.Errorf("encode flows: %w", err)
	}
	if err := os.WriteFile(out, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	_, _ = fmt.Fprintf(w, "exported %s to %s\n", cliutil.Bold(pluralize(len(flows), "flow", "flows")), out)
	return nil
}

func importFlows(ctx context.Context, w io.Writer, stdin io.Reader, so storeOptions, path string) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read import: %w", err)
	}

	svc, err := so.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	ids, err := svc.Import(ctx, data)
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, _ = fmt.Fprintln(w, cliutil.ID(id))
	}
	_, _ = fmt.Fprintf(w, "imported %s\n", cliutil.Bold(pluralize(len(ids), "flow", "flows")))
	return nil
}

func flowError(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("flow %s not found", id)
	}
	return fmt.Errorf("flow %s: %w", id, err)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pluralize(n int, singular, plural string) string {
	if n == 1 {
		return "1 " + singular
	}
	return strconv.Itoa(n) + " " + plural
}
