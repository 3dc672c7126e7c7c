package warehouse

import (
	"fmt"
	"sort"
	"strings"
)

// Row is one result row: an ordered tuple of named columns. Rows are immutable
// once created; accessors return copies.
type Row struct {
	columns []string
	values  []any
}

// NewRow builds a Row. columns and values must have the same length.
func NewRow(columns []string, values []any) Row {
	if len(columns) != len(values) {
		panic(fmt.Sprintf("warehouse: NewRow with %d columns and %d values", len(columns), len(values)))
	}
	return Row{
		columns: append([]string(nil), columns...),
		values:  append([]any(nil), values...),
	}
}

// Len returns the number of columns.
func (r Row) Len() int { return len(r.columns) }

// Columns returns the column names in order.
func (r Row) Columns() []string { return append([]string(nil), r.columns...) }

// Get returns the value of the named column.
func (r Row) Get(name string) (any, bool) {
	for i, c := range r.columns {
		if c == name {
			return r.values[i], true
		}
	}
	return nil, false
}

// Record is a row shaped into a plain mapping of column name to value.
type Record map[string]any

// Column describes one output table column.
type Column struct {
	Name     string
	Type     Kind
	Nullable bool
}

// Schema is an ordered list of columns.
type Schema []Column

// Names returns the column names in declared order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// Validate checks that the schema is non-empty, names are unique and
// non-empty, and every type is known.
func (s Schema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("warehouse: schema has no columns")
	}
	seen := make(map[string]bool, len(s))
	for i, c := range s {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("warehouse: schema column %d has an empty name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("warehouse: duplicate schema column %q", c.Name)
		}
		seen[c.Name] = true
		if c.Type == KindInvalid {
			return fmt.Errorf("warehouse: schema column %q has no type", c.Name)
		}
	}
	return nil
}

// Shape projects r onto the schema columns, normalizing values.
//
// Errors:
//   - Returns an error naming the first schema column missing from r.
func (s Schema) Shape(r Row) (Record, error) {
	rec := make(Record, len(s))
	for _, c := range s {
		v, ok := r.Get(c.Name)
		if !ok {
			return nil, fmt.Errorf("warehouse: row has no column %q (has %v)", c.Name, r.columns)
		}
		rec[c.Name] = Normalize(v)
	}
	return rec, nil
}

// Conforms reports whether rec's keys exactly match the schema column names.
// On mismatch it returns a human-readable reason.
func (s Schema) Conforms(rec Record) (bool, string) {
	var missing, extra []string
	for _, c := range s {
		if _, ok := rec[c.Name]; !ok {
			missing = append(missing, c.Name)
		}
	}
	for k := range rec {
		found := false
		for _, c := range s {
			if c.Name == k {
				found = true
				break
			}
		}
		if !found {
			extra = append(extra, k)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return true, ""
	}
	sort.Strings(extra)
	return false, fmt.Sprintf("missing=%v unexpected=%v", missing, extra)
}

// Values returns rec's values in schema order. Callers should check Conforms
// first; absent keys yield nil.
func (s Schema) Values(rec Record) []any {
	out := make([]any, len(s))
	for i, c := range s {
		out[i] = rec[c.Name]
	}
	return out
}
