package warehouse

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the fixed-width, sortable suffix layout used for output
// table names (second resolution).
const TimestampLayout = "20060102_150405"

var (
	projectPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.:_-]*$`)
	datasetPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	tablePattern   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// TableRef is a fully qualified (project, dataset, table) identifier.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

// String renders the reference as project.dataset.table, unquoted. Use a
// Dialect to get a form that is safe for SQL text.
func (r TableRef) String() string {
	return r.Project + "." + r.Dataset + "." + r.Table
}

// WithTable returns a copy of r pointing at table.
func (r TableRef) WithTable(table string) TableRef {
	r.Table = table
	return r
}

// Validate checks every component against an allow-list. Identifiers come
// from runtime configuration, so nothing outside the allow-list ever reaches
// SQL text.
func (r TableRef) Validate() error {
	if err := ValidateProject(r.Project); err != nil {
		return err
	}
	if err := ValidateDataset(r.Dataset); err != nil {
		return err
	}
	return ValidateTable(r.Table)
}

// ValidateProject checks a project identifier against the allow-list.
// Domain-scoped projects (example.com:proj) are accepted.
func ValidateProject(name string) error {
	if !projectPattern.MatchString(name) {
		return fmt.Errorf("warehouse: invalid project identifier %q", name)
	}
	return nil
}

// ValidateDataset checks a dataset (schema) name against the allow-list.
func ValidateDataset(name string) error {
	if !datasetPattern.MatchString(name) {
		return fmt.Errorf("warehouse: invalid dataset identifier %q", name)
	}
	return nil
}

// ValidateTable checks a bare table name against the allow-list.
func ValidateTable(name string) error {
	if !tablePattern.MatchString(name) {
		return fmt.Errorf("warehouse: invalid table identifier %q", name)
	}
	return nil
}

// QuoteIdent wraps each part in open/close delimiters and joins them with dots.
//
// Parts containing the closing delimiter are rejected rather than escaped:
// a delimiter inside an identifier always means the configuration is wrong.
//
// Example:
//
//	QuoteIdent("[", "]", "dbo", "ports") -> [dbo].[ports]
func QuoteIdent(open, close string, parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("warehouse: empty identifier")
	}
	quoted := make([]string, len(parts))
	for i, p := range parts {
		if p == "" {
			return "", fmt.Errorf("warehouse: empty identifier part at position %d", i)
		}
		if strings.Contains(p, close) || (open != close && strings.Contains(p, open)) {
			return "", fmt.Errorf("warehouse: identifier %q contains delimiter %q", p, close)
		}
		quoted[i] = open + p + close
	}
	return strings.Join(quoted, "."), nil
}

// OutputName derives a unique output table name from base and now.
//
// Example:
//
//	OutputName("nearest_ports", 2024-03-01 09:05:07) -> nearest_ports_20240301_090507
func OutputName(base string, now time.Time) string {
	return base + "_" + now.Format(TimestampLayout)
}
