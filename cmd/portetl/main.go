// Command portetl runs one port analytics report against a warehouse: it
// extracts from the world port index, writes the result to a new timestamped
// table and prints the rows as tab-separated text.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"portetl/internal/config"
	"portetl/internal/job"
	"portetl/internal/logging"
	"portetl/internal/metrics/datadog"
	"portetl/internal/report"
	"portetl/internal/warehouse"

	// register all warehouse backends; the config picks one.
	_ "portetl/internal/warehouse/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runner is the part of *job.Runner the CLI needs.
type runner interface {
	Run(ctx context.Context, cfg job.RunConfig, desc job.Descriptor) (*job.Result, error)
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	readFile     func(string) ([]byte, error)
	getenv       func(string) string
	newRunner    func() runner
	initMetrics  func(ctx context.Context, opts metricsOptions, log *slog.Logger) (func(), error)
	setupLogging func(logging.Options) (*slog.Logger, error)
}

func defaultDeps() appDeps {
	return appDeps{
		readFile:     os.ReadFile,
		getenv:       os.Getenv,
		newRunner:    func() runner { return job.NewDefaultRunner() },
		initMetrics:  initMetrics,
		setupLogging: logging.Setup,
	}
}

const usageLine = "usage: portetl -report <name> [-config file] [flags]"

// runMain is main without os.Exit. Exit codes: 0 success, 2 usage error,
// 1 any other failure.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("portetl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath    = fs.String("config", "", "run config file (.json, .yaml or .yml)")
		reportName = fs.String("report", "", "report to run: "+strings.Join(report.Names(), ", "))
		list       = fs.Bool("list", false, "list reports and exit")

		kind        = fs.String("warehouse", "", "warehouse kind: bigquery, postgres, mssql, sqlite (default bigquery)")
		project     = fs.String("project", "", "BigQuery project (default: project_id from the credentials file)")
		dataset     = fs.String("dataset", "", "dataset (BigQuery) or schema (postgres, mssql)")
		credentials = fs.String("credentials", "", "service-account key file (default ./key.json)")
		dsn         = fs.String("dsn", "", "connection string for postgres, mssql or sqlite")
		location    = fs.String("location", "", "BigQuery job location")

		inputTable  = fs.String("input-table", "", "source table (default world_port_index)")
		outputTable = fs.String("output-table", "", "output table base name (default per report)")

		port = fs.String("port", "", "port name for nearest-ports")
		lat  = fs.Float64("lat", 0, "latitude for distress-call")
		lng  = fs.Float64("lng", 0, "longitude for distress-call")

		noLoad   = fs.Bool("no-load", false, "print results without creating the output table")
		validate = fs.Bool("validate", false, "validate the configuration and exit")

		metricsBackend = fs.String("metrics-backend", "", "metrics backend: none, datadog (env METRICS_BACKEND)")
		logLevel       = fs.String("log-level", "", "debug, info, warn, error")
		logFormat      = fs.String("log-format", "", "text or json")
	)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n%s\n", fs.Args(), usageLine)
		return 2
	}

	if *list {
		for _, n := range report.Names() {
			r, _ := report.Lookup(n)
			fmt.Fprintf(stdout, "%s\t%s\n", r.Name, r.Description)
		}
		return 0
	}

	if strings.TrimSpace(*cfgPath) == "" && strings.TrimSpace(*reportName) == "" {
		fmt.Fprintln(stderr, usageLine)
		return 2
	}

	var cfg config.Config
	if p := strings.TrimSpace(*cfgPath); p != "" {
		raw, err := deps.readFile(p)
		if err != nil {
			fmt.Fprintf(stderr, "read config: %v\n", err)
			return 1
		}
		if cfg, err = config.Decode(p, raw); err != nil {
			fmt.Fprintf(stderr, "parse config: %v\n", err)
			return 1
		}
	}

	// Flags override the file; only flags actually given count.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "report":
			cfg.Report = *reportName
		case "warehouse":
			cfg.Warehouse.Kind = *kind
		case "project":
			cfg.Warehouse.Project = *project
		case "dataset":
			cfg.Warehouse.Dataset = *dataset
		case "credentials":
			cfg.Warehouse.CredentialsFile = *credentials
		case "dsn":
			cfg.Warehouse.DSN = *dsn
		case "location":
			cfg.Warehouse.Location = *location
		case "input-table":
			cfg.Tables.Input = *inputTable
		case "output-table":
			cfg.Tables.Output = *outputTable
		case "port":
			cfg.Args.PortName = *port
		case "lat":
			v := *lat
			cfg.Args.Latitude = &v
		case "lng":
			v := *lng
			cfg.Args.Longitude = &v
		case "no-load":
			load := !*noLoad
			cfg.Load = &load
		case "metrics-backend":
			cfg.Metrics.Backend = *metricsBackend
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})
	if cfg.Metrics.Backend == "" {
		cfg.Metrics.Backend = deps.getenv("METRICS_BACKEND")
	}
	cfg.ApplyDefaults()
	cfg.ExpandEnv()

	resolveErr := cfg.ResolveProject(deps.readFile)

	// Validation runs before logging is set up so a bad log.level or
	// log.format is reported as a configuration issue like any other.
	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss.String())
	}
	if err := cfg.Check(); err != nil {
		if resolveErr != nil {
			fmt.Fprintf(stderr, "project not resolved from credentials: %v\n", resolveErr)
		}
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", describeSource(*cfgPath))
		return 1
	}

	logger, err := deps.setupLogging(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: stderr})
	if err != nil {
		fmt.Fprintf(stderr, "init logging: %v\n", err)
		return 1
	}
	if resolveErr != nil {
		logger.Warn("project not resolved from credentials", "err", resolveErr)
	}

	if *validate {
		fmt.Fprintf(stdout, "configuration is valid: %s\n", describeSource(*cfgPath))
		return 0
	}

	rep, _ := report.Lookup(cfg.Report)
	desc, err := rep.Descriptor(cfg.ReportArgs())
	if err != nil {
		fmt.Fprintf(stderr, "build report: %v\n", err)
		return 1
	}

	flushEvery, _ := cfg.FlushInterval()
	cleanup, err := deps.initMetrics(ctx, metricsOptions{
		Backend:    cfg.Metrics.Backend,
		JobName:    desc.Name,
		Tags:       append(append([]string(nil), cfg.Metrics.Tags...), datadog.ParseTagsCSV(deps.getenv("METRICS_TAGS"))...),
		FlushEvery: flushEvery,
	}, logger)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	logger.Info("run starting",
		"report", desc.Name,
		"warehouse", cfg.Warehouse.Kind,
		"input", cfg.InputRef().String(),
		"load", cfg.LoadEnabled())

	start := time.Now()
	res, err := deps.newRunner().Run(ctx, job.RunConfig{
		Warehouse: cfg.WarehouseConfig(),
		Input:     cfg.InputRef(),
		Output:    cfg.OutputRef(),
		Options: job.Options{
			Logger:   logger,
			SkipLoad: !cfg.LoadEnabled(),
		},
	}, desc)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	if err := writeTSV(stdout, desc.Schema.Names(), res.Rows); err != nil {
		fmt.Fprintf(stderr, "write results: %v\n", err)
		return 1
	}

	attrs := []any{"run_id", res.RunID, "rows", len(res.Rows), "duration", time.Since(start).Truncate(time.Millisecond)}
	if cfg.LoadEnabled() {
		attrs = append(attrs, "output", res.Output.String())
	}
	logger.Info("results printed", attrs...)
	return 0
}

func describeSource(cfgPath string) string {
	if cfgPath == "" {
		return "(flags)"
	}
	return cfgPath
}

// writeTSV prints a header line then one line per record in schema order.
func writeTSV(w io.Writer, columns []string, rows []warehouse.Record) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(columns); err != nil {
		return err
	}
	line := make([]string, len(columns))
	for _, rec := range rows {
		for i, c := range columns {
			line[i] = formatValue(rec[c])
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
