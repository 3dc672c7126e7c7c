// Package report declares the port analytics reports as job descriptors.
//
// Each report is data, not code paths: a list of query steps built with
// squirrel against a warehouse.Dialect, the scalar arguments they bind and the
// output schema. Table identifiers come from the dialect; every scalar value
// travels as an @name parameter.
package report

import (
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"portetl/internal/job"
	"portetl/internal/warehouse"
)

// Argument names a report may require.
const (
	ArgPortName  = "port_name"
	ArgLatitude  = "latitude"
	ArgLongitude = "longitude"
)

// Args are the user-supplied report arguments. Latitude and Longitude are
// pointers so that 0 is distinguishable from unset.
type Args struct {
	PortName  string
	Latitude  *float64
	Longitude *float64
}

// Report is a named, buildable descriptor.
type Report struct {
	Name        string
	Description string
	OutputBase  string
	Requires    []string

	build func(Args) (job.Descriptor, error)
}

// Descriptor builds the job descriptor for args.
func (r Report) Descriptor(args Args) (job.Descriptor, error) {
	return r.build(args)
}

var registry = map[string]Report{}

func register(r Report) {
	if _, dup := registry[r.Name]; dup {
		panic(fmt.Sprintf("report: duplicate report %q", r.Name))
	}
	registry[r.Name] = r
}

// Lookup returns the report registered under name.
func Lookup(name string) (Report, bool) {
	r, ok := registry[name]
	return r, ok
}

// Names returns every report name, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NormalizePortName canonicalizes a user-typed port name to the stored form:
// NFC, upper case, trimmed.
//
// Example:
//
//	NormalizePortName(" jurong island ") -> "JURONG ISLAND"
func NormalizePortName(s string) string {
	return strings.TrimSpace(cases.Upper(language.Und).String(norm.NFC.String(s)))
}

// limit applies a row limit in the dialect's syntax.
func limit(d warehouse.Dialect, b sq.SelectBuilder, n uint64) sq.SelectBuilder {
	if d.UsesTop() {
		return b.Options(fmt.Sprintf("TOP %d", n))
	}
	return b.Limit(n)
}

func toSQL(b sq.SelectBuilder) (string, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return "", err
	}
	if len(args) > 0 {
		return "", fmt.Errorf("report: query builder produced %d positional args; use @name parameters", len(args))
	}
	return q, nil
}
