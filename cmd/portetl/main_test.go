package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"portetl/internal/job"
	"portetl/internal/logging"
	"portetl/internal/metrics"
	"portetl/internal/metrics/datadog"
	"portetl/internal/warehouse"
	"portetl/internal/warehouse/sqlite"
)

// fakeRunner records what the CLI hands to the job runner.
type fakeRunner struct {
	err   error
	res   *job.Result
	calls atomic.Int64

	mu      sync.Mutex
	lastCfg job.RunConfig
	lastDes job.Descriptor
}

func (r *fakeRunner) Run(ctx context.Context, cfg job.RunConfig, desc job.Descriptor) (*job.Result, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.lastCfg = cfg
	r.lastDes = desc
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.res != nil {
		return r.res, nil
	}
	return &job.Result{State: job.StateCompleted}, nil
}

type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) IncCounter(string, float64, metrics.Labels)       {}
func (b *fakeMetricsBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *fakeMetricsBackend) Flush() error                                     { return nil }
func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

func discardLogging(opts logging.Options) (*slog.Logger, error) {
	if _, err := logging.ParseLevel(opts.Level); err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(opts.Writer, nil)), nil
}

// strictDeps fails the test if any side-effecting seam is reached.
func strictDeps(t *testing.T) appDeps {
	return appDeps{
		readFile: func(string) ([]byte, error) {
			t.Fatalf("readFile must not be called")
			return nil, nil
		},
		getenv: func(string) string { return "" },
		newRunner: func() runner {
			t.Fatalf("newRunner must not be called")
			return nil
		},
		initMetrics: func(context.Context, metricsOptions, *slog.Logger) (func(), error) {
			t.Fatalf("initMetrics must not be called")
			return func() {}, nil
		},
		setupLogging: func(logging.Options) (*slog.Logger, error) {
			t.Fatalf("setupLogging must not be called")
			return nil, nil
		},
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{"no_report_or_config", []string{}, "usage: portetl -report"},
		{"blank_config", []string{"-config", "  "}, "usage: portetl -report"},
		{"unknown_flag", []string{"-nope"}, "flag provided but not defined"},
		{"bad_float", []string{"-report", "distress-call", "-lat", "north"}, "invalid value"},
		{"positional_args", []string{"-report", "cargo-countries", "extra"}, "unexpected arguments"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, strictDeps(t))
			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_List(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"-list"}, &stdout, &stderr, strictDeps(t)); code != 0 {
		t.Fatalf("exit code=%d, stderr=%q", code, stderr.String())
	}
	for _, name := range []string{"cargo-countries", "distress-call", "nearest-ports"} {
		if !strings.Contains(stdout.String(), name+"\t") {
			t.Fatalf("stdout=%q missing %s", stdout.String(), name)
		}
	}
}

func TestRunMain_InvalidConfigNeverRuns(t *testing.T) {
	t.Parallel()

	deps := strictDeps(t)
	deps.setupLogging = discardLogging

	var stdout, stderr bytes.Buffer
	// distress-call without coordinates on sqlite without a DSN
	code := runMain(context.Background(), []string{"-report", "distress-call", "-warehouse", "sqlite"}, &stdout, &stderr, deps)
	if code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
	for _, want := range []string{"error: args.latitude", "error: args.longitude", "error: warehouse.dsn", "configuration is invalid"} {
		if !strings.Contains(stderr.String(), want) {
			t.Fatalf("stderr=%q, want contains %q", stderr.String(), want)
		}
	}
}

func TestRunMain_BadLogSettingsReportedAsIssues(t *testing.T) {
	t.Parallel()

	// strictDeps: logging must not be set up from an invalid config
	deps := strictDeps(t)

	var stdout, stderr bytes.Buffer
	args := []string{"-report", "cargo-countries", "-warehouse", "sqlite", "-dsn", "x.db", "-log-level", "loud", "-log-format", "xml"}
	code := runMain(context.Background(), args, &stdout, &stderr, deps)
	if code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
	for _, want := range []string{"error: log.level", "error: log.format", "configuration is invalid"} {
		if !strings.Contains(stderr.String(), want) {
			t.Fatalf("stderr=%q, want contains %q", stderr.String(), want)
		}
	}
	if strings.Contains(stderr.String(), "init logging") {
		t.Fatalf("stderr=%q, want no init logging failure", stderr.String())
	}
}

func TestRunMain_ValidateOnly(t *testing.T) {
	t.Parallel()

	deps := strictDeps(t)
	deps.setupLogging = discardLogging
	deps.readFile = func(path string) ([]byte, error) {
		if path != "run.yaml" {
			t.Fatalf("readFile path=%q", path)
		}
		return []byte("report: cargo-countries\nwarehouse:\n  kind: sqlite\n  dsn: ports.db\n"), nil
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-config", "run.yaml", "-validate"}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("exit code=%d, stderr=%q", code, stderr.String())
	}
	if got := stdout.String(); got != "configuration is valid: run.yaml\n" {
		t.Fatalf("stdout=%q", got)
	}
}

func TestRunMain_ReadParseMetricsRun_FullFlow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		readErr          error
		raw              string
		initMetricsErr   error
		runErr           error
		wantCode         int
		wantStderrSub    string
		wantRunnerCalls  int64
		wantCleanupCalls int64
	}{
		{name: "read_config_error", readErr: errors.New("no such file"), wantCode: 1, wantStderrSub: "read config:"},
		{name: "parse_config_error", raw: `{"report":`, wantCode: 1, wantStderrSub: "parse config:"},
		{name: "init_metrics_error", initMetricsErr: errors.New("metrics unavailable"), wantCode: 1, wantStderrSub: "init metrics:"},
		{name: "runner_error_runs_cleanup", runErr: errors.New("warehouse query: boom"), wantCode: 1, wantStderrSub: "run: warehouse query: boom", wantRunnerCalls: 1, wantCleanupCalls: 1},
		{name: "success", wantCode: 0, wantRunnerCalls: 1, wantCleanupCalls: 1},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			lat, lng := 32.610982, -38.706256
			fr := &fakeRunner{err: tc.runErr, res: &job.Result{
				State: job.StateCompleted,
				Rows: []warehouse.Record{{
					"country": "PT", "port_name": "PONTA DELGADA",
					"port_latitude": 37.73, "port_longitude": -25.66, "distance_in_meters": 1234.5,
				}},
			}}
			var cleanupCalls atomic.Int64

			raw := tc.raw
			if raw == "" {
				raw = `{"report":"distress-call","warehouse":{"kind":"bigquery","dataset":"wpi"},"metrics":{"backend":"datadog","tags":["team:geo"]}}`
			}

			deps := appDeps{
				readFile: func(path string) ([]byte, error) {
					switch path {
					case "cfg.json":
						if tc.readErr != nil {
							return nil, tc.readErr
						}
						return []byte(raw), nil
					case "./key.json":
						return []byte(`{"project_id":"key-project"}`), nil
					}
					t.Fatalf("readFile path=%q", path)
					return nil, nil
				},
				getenv: func(k string) string {
					if k == "METRICS_TAGS" {
						return "env:test, owner:ops"
					}
					return ""
				},
				initMetrics: func(_ context.Context, opts metricsOptions, _ *slog.Logger) (func(), error) {
					if opts.JobName != "distress-call" || opts.Backend != "datadog" {
						t.Fatalf("metrics options=%+v", opts)
					}
					if strings.Join(opts.Tags, ",") != "team:geo,env:test,owner:ops" {
						t.Fatalf("tags=%v", opts.Tags)
					}
					if tc.initMetricsErr != nil {
						return func() {}, tc.initMetricsErr
					}
					return func() { cleanupCalls.Add(1) }, nil
				},
				newRunner:    func() runner { return fr },
				setupLogging: discardLogging,
			}

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(),
				[]string{"-config", "cfg.json", "-lat", "32.610982", "-lng", "-38.706256", "-no-load"},
				&stdout, &stderr, deps)

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantStderrSub != "" && !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if got := fr.calls.Load(); got != tc.wantRunnerCalls {
				t.Fatalf("runner calls=%d, want %d", got, tc.wantRunnerCalls)
			}
			if got := cleanupCalls.Load(); got != tc.wantCleanupCalls {
				t.Fatalf("cleanup calls=%d, want %d", got, tc.wantCleanupCalls)
			}
			if tc.wantCode != 0 {
				if stdout.Len() != 0 {
					t.Fatalf("stdout=%q, want empty", stdout.String())
				}
				return
			}

			want := "country\tport_name\tport_latitude\tport_longitude\tdistance_in_meters\n" +
				"PT\tPONTA DELGADA\t37.73\t-25.66\t1234.5\n"
			if stdout.String() != want {
				t.Fatalf("stdout=%q, want %q", stdout.String(), want)
			}

			fr.mu.Lock()
			cfg, desc := fr.lastCfg, fr.lastDes
			fr.mu.Unlock()
			if cfg.Warehouse.Project != "key-project" || cfg.Input.Project != "key-project" {
				t.Fatalf("project not resolved from key file: %+v", cfg)
			}
			if cfg.Input.Table != "world_port_index" || cfg.Output.Table != "" {
				t.Fatalf("tables: input=%+v output=%+v", cfg.Input, cfg.Output)
			}
			if !cfg.Options.SkipLoad || cfg.Options.Logger == nil {
				t.Fatalf("options=%+v", cfg.Options)
			}
			want = warehouse.PointWKT(lat, lng)
			if got := desc.Args["point"].Interface(); got != want {
				t.Fatalf("point=%v, want %s", got, want)
			}
		})
	}
}

func TestRunMain_FlagsOverrideFile(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	deps := appDeps{
		readFile: func(string) ([]byte, error) {
			return []byte(`{"report":"cargo-countries","warehouse":{"kind":"postgres","dsn":"postgres://file","dataset":"public"},"tables":{"input":"ports"}}`), nil
		},
		getenv: func(string) string { return "" },
		initMetrics: func(context.Context, metricsOptions, *slog.Logger) (func(), error) {
			return func() {}, nil
		},
		newRunner:    func() runner { return fr },
		setupLogging: discardLogging,
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{
		"-config", "cfg.json",
		"-report", "nearest-ports", "-port", "jurong island",
		"-dsn", "postgres://flag", "-output-table", "nearest_custom",
	}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("exit code=%d, stderr=%q", code, stderr.String())
	}

	cfg, desc := fr.lastCfg, fr.lastDes
	if desc.Name != "nearest-ports" {
		t.Fatalf("report=%s", desc.Name)
	}
	if cfg.Warehouse.DSN != "postgres://flag" || cfg.Warehouse.Kind != "postgres" {
		t.Fatalf("warehouse=%+v", cfg.Warehouse)
	}
	if cfg.Input.Table != "ports" || cfg.Input.Dataset != "public" || cfg.Output.Table != "nearest_custom" {
		t.Fatalf("input=%+v output=%+v", cfg.Input, cfg.Output)
	}
	if cfg.Options.SkipLoad {
		t.Fatalf("load should default to on")
	}
	if got := desc.Args["port_name"].Interface(); got != "JURONG ISLAND" {
		t.Fatalf("port_name=%v", got)
	}
}

// ---- initMetrics ----
// These replace package-level seams, so they do not run in parallel.

func TestInitMetrics_None(t *testing.T) {
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()
	setMetricsBackend = func(metrics.Backend) { t.Fatalf("setMetricsBackend must not be called for none") }

	for _, name := range []string{"", "none", "noop"} {
		cleanup, err := initMetrics(context.Background(), metricsOptions{Backend: name}, nil)
		if err != nil || cleanup == nil {
			t.Fatalf("initMetrics(%q) cleanup=%v err=%v", name, cleanup != nil, err)
		}
		cleanup()
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	b := &fakeMetricsBackend{}
	var (
		gotOpts datadog.Options
		sets    []metrics.Backend
	)

	oldNew, oldSet := newDatadogBackend, setMetricsBackend
	defer func() { newDatadogBackend, setMetricsBackend = oldNew, oldSet }()
	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(mb metrics.Backend) { sets = append(sets, mb) }

	var logged bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logged, nil))

	cleanup, err := initMetrics(context.Background(), metricsOptions{
		Backend: "datadog", JobName: "nearest-ports", Tags: []string{"team:geo"}, FlushEvery: 15 * time.Second,
	}, log)
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	if gotOpts.JobName != "nearest-ports" || gotOpts.FlushEvery != 15*time.Second || len(gotOpts.Tags) != 1 {
		t.Fatalf("datadog options=%+v", gotOpts)
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("closed=%d, want 1", b.closed.Load())
	}
	if len(sets) != 2 || sets[0] != b || sets[1] != nil {
		t.Fatalf("backend installs=%v, want [backend, nil]", sets)
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew, oldSet := newDatadogBackend, setMetricsBackend
	defer func() { newDatadogBackend, setMetricsBackend = oldNew, oldSet }()
	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	setMetricsBackend = func(metrics.Backend) {}

	var logged bytes.Buffer
	cleanup, err := initMetrics(context.Background(), metricsOptions{Backend: "dd"}, slog.New(slog.NewTextHandler(&logged, nil)))
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	cleanup()

	if !strings.Contains(logged.String(), "metrics: datadog close error") || !strings.Contains(logged.String(), "flush failed") {
		t.Fatalf("log=%q", logged.String())
	}
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	cleanup, err := initMetrics(context.Background(), metricsOptions{Backend: "statsd"}, nil)
	if err == nil || !strings.Contains(err.Error(), "none|datadog") {
		t.Fatalf("err=%v, want unknown backend error", err)
	}
	cleanup()
}

func TestFormatValue(t *testing.T) {
	t.Parallel()

	cases := map[string]any{
		"":           nil,
		"SG":         "SG",
		"1234.5":     1234.5,
		"-38.706256": -38.706256,
		"3":          int64(3),
		"true":       true,
	}
	for want, in := range cases {
		if got := formatValue(in); got != want {
			t.Fatalf("formatValue(%v)=%q, want %q", in, got, want)
		}
	}
}

// ---- end to end on a local SQLite warehouse ----

func seedWorldPortIndex(t *testing.T, path string) {
	t.Helper()
	w, err := sqlite.Open(context.Background(), warehouse.Config{Kind: sqlite.Kind, DSN: path})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer w.Close()

	stmts := []string{
		`CREATE TABLE world_port_index (
			index_number TEXT, port_name TEXT, country TEXT,
			port_latitude REAL, port_longitude REAL, port_geom TEXT,
			cargo_wharf INTEGER, provisions INTEGER, water INTEGER, fuel_oil INTEGER, diesel INTEGER)`,
		`INSERT INTO world_port_index VALUES
			('1', 'JURONG ISLAND', 'SG', 1.26, 103.70, 'POINT(103.7 1.26)', 1, 1, 1, 1, 1),
			('2', 'SINGAPORE', 'SG', 1.28, 103.85, 'POINT(103.85 1.28)', 1, 1, 1, 1, 1),
			('3', 'PASIR GUDANG', 'MY', 1.46, 103.90, 'POINT(103.9 1.46)', 1, 0, 1, 1, 1),
			('4', 'TANJUNG PELEPAS', 'MY', 1.36, 103.55, 'POINT(103.55 1.36)', 0, 1, 1, 1, 1),
			('5', 'BATAM', 'ID', 1.13, 104.05, 'POINT(104.05 1.13)', 1, 1, 1, 1, 1),
			('6', 'SEMBAWANG', 'SG', 1.46, 103.83, 'POINT(103.83 1.46)', 1, 0, 0, 0, 0),
			('7', 'PONTA DELGADA', 'PT', 37.73, -25.66, 'POINT(-25.66 37.73)', 0, 1, 1, 1, 1)`,
	}
	for _, s := range stmts {
		if _, err := w.DB().ExecContext(context.Background(), s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestRunMain_EndToEnd_SQLite(t *testing.T) {
	// Uses the real logging setup, which replaces the default logger.
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	db := filepath.Join(t.TempDir(), "wpi.db")
	seedWorldPortIndex(t, db)

	deps := defaultDeps()
	deps.getenv = func(string) string { return "" }

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{
		"-report", "nearest-ports", "-port", " jurong island ",
		"-warehouse", "sqlite", "-dsn", db, "-log-format", "json",
	}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("exit code=%d, stderr=%s", code, stderr.String())
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 6 || lines[0] != "port_name\tdistance_in_meters" {
		t.Fatalf("stdout=%q", stdout.String())
	}
	if !strings.HasPrefix(lines[1], "SINGAPORE\t") {
		t.Fatalf("nearest port=%q, want SINGAPORE", lines[1])
	}
	if strings.Contains(stdout.String(), "JURONG ISLAND") {
		t.Fatalf("queried port must not appear in its own result")
	}
	if !strings.Contains(stderr.String(), `"msg":"run completed"`) {
		t.Fatalf("stderr=%s", stderr.String())
	}

	w, err := sqlite.Open(context.Background(), warehouse.Config{Kind: sqlite.Kind, DSN: db})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w.Close()
	rows, err := w.Query(context.Background(),
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'nearest_ports_%'`, nil)
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("output tables=%d, want 1", len(rows))
	}
}

func TestRunMain_EndToEnd_MissingDatabaseFails(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	db := filepath.Join(dir, "empty.db")
	if err := os.WriteFile(db, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	deps := defaultDeps()
	deps.getenv = func(string) string { return "" }

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{
		"-report", "cargo-countries", "-warehouse", "sqlite", "-dsn", db,
	}, &stdout, &stderr, deps)
	if code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "no such table") {
		t.Fatalf("stderr=%s", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("stdout=%q, want empty", stdout.String())
	}
}
