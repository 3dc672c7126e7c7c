package config

import (
	"fmt"
	"strings"

	"portetl/internal/report"
	"portetl/internal/warehouse"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted config key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// ConfigurationError lists the error-severity issues that stopped a run
// before any warehouse call.
type ConfigurationError struct {
	Issues []Issue
}

func (e *ConfigurationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, iss := range e.Issues {
		msgs[i] = iss.Path + ": " + iss.Message
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

var (
	knownKinds     = []string{"bigquery", "mssql", "postgres", "sqlite"}
	metricBackends = []string{"none", "datadog"}
	logLevels      = []string{"debug", "info", "warn", "error"}
	logFormats     = []string{"text", "json"}
)

// Validate checks c after defaults have been applied. It never stops at the
// first problem.
func Validate(c Config) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, a ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	validateReport(c, add)
	validateWarehouse(c, add)

	if err := warehouse.ValidateTable(c.Tables.Input); err != nil {
		add(SeverityError, "tables.input", "%v", err)
	}
	if c.Tables.Output != "" {
		if err := warehouse.ValidateTable(c.Tables.Output); err != nil {
			add(SeverityError, "tables.output", "%v", err)
		}
	}

	if !oneOf(c.Metrics.Backend, metricBackends) {
		add(SeverityError, "metrics.backend", "unknown backend %q (want one of %v)", c.Metrics.Backend, metricBackends)
	}
	if d, err := c.FlushInterval(); err != nil {
		add(SeverityError, "metrics.flush_every", "%v", err)
	} else if d <= 0 {
		add(SeverityError, "metrics.flush_every", "must be positive, got %s", d)
	}

	if !oneOf(c.Log.Level, logLevels) {
		add(SeverityError, "log.level", "unknown level %q (want one of %v)", c.Log.Level, logLevels)
	}
	if !oneOf(c.Log.Format, logFormats) {
		add(SeverityError, "log.format", "unknown format %q (want one of %v)", c.Log.Format, logFormats)
	}
	return issues
}

// Check returns a *ConfigurationError carrying every error-severity issue, or
// nil when there are none.
func (c Config) Check() error {
	var errs []Issue
	for _, iss := range Validate(c) {
		if iss.Severity == SeverityError {
			errs = append(errs, iss)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &ConfigurationError{Issues: errs}
}

type addFunc func(sev Severity, path, format string, a ...any)

func validateReport(c Config, add addFunc) {
	if c.Report == "" {
		add(SeverityError, "report", "required (one of %v)", report.Names())
		return
	}
	r, ok := report.Lookup(c.Report)
	if !ok {
		add(SeverityError, "report", "unknown report %q (want one of %v)", c.Report, report.Names())
		return
	}

	required := map[string]bool{}
	for _, a := range r.Requires {
		required[a] = true
	}

	if required[report.ArgPortName] {
		if report.NormalizePortName(c.Args.PortName) == "" {
			add(SeverityError, "args.port_name", "required by report %s", r.Name)
		}
	} else if c.Args.PortName != "" {
		add(SeverityWarning, "args.port_name", "ignored by report %s", r.Name)
	}

	if required[report.ArgLatitude] || required[report.ArgLongitude] {
		if c.Args.Latitude == nil {
			add(SeverityError, "args.latitude", "required by report %s", r.Name)
		}
		if c.Args.Longitude == nil {
			add(SeverityError, "args.longitude", "required by report %s", r.Name)
		}
		if c.Args.Latitude != nil && c.Args.Longitude != nil {
			if err := report.CheckCoordinates(*c.Args.Latitude, *c.Args.Longitude); err != nil {
				add(SeverityError, "args", "%v", err)
			}
		}
	} else if c.Args.Latitude != nil || c.Args.Longitude != nil {
		add(SeverityWarning, "args", "latitude/longitude ignored by report %s", r.Name)
	}
}

func validateWarehouse(c Config, add addFunc) {
	w := c.Warehouse
	if !oneOf(w.Kind, knownKinds) {
		add(SeverityError, "warehouse.kind", "unknown kind %q (want one of %v)", w.Kind, knownKinds)
		return
	}

	switch w.Kind {
	case "bigquery":
		if w.Project == "" {
			add(SeverityError, "warehouse.project", "required for bigquery (or set project_id in the credentials file)")
		}
		if w.Dataset == "" {
			add(SeverityError, "warehouse.dataset", "required for bigquery")
		}
		if w.CredentialsFile == "" {
			add(SeverityWarning, "warehouse.credentials_file", "empty; falling back to application default credentials")
		}
		if w.DSN != "" {
			add(SeverityWarning, "warehouse.dsn", "ignored by bigquery")
		}
	case "postgres", "mssql":
		if w.DSN == "" {
			add(SeverityError, "warehouse.dsn", "required for %s", w.Kind)
		}
		if w.Dataset == "" {
			add(SeverityError, "warehouse.dataset", "required for %s (schema name)", w.Kind)
		}
	case "sqlite":
		if w.DSN == "" {
			add(SeverityError, "warehouse.dsn", "required for sqlite (database file path)")
		}
		if w.Dataset != "" {
			add(SeverityWarning, "warehouse.dataset", "ignored by sqlite")
		}
	}

	if w.Project != "" {
		if err := warehouse.ValidateProject(w.Project); err != nil {
			add(SeverityError, "warehouse.project", "%v", err)
		}
	}
	if w.Dataset != "" {
		if err := warehouse.ValidateDataset(w.Dataset); err != nil {
			add(SeverityError, "warehouse.dataset", "%v", err)
		}
	}
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
