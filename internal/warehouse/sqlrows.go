package warehouse

import (
	"database/sql"
	"fmt"
)

// NamedArgs converts params into database/sql named arguments. Drivers that
// understand @name placeholders (sqlserver, sqlite) bind them by name.
func NamedArgs(params []Param) []any {
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = sql.Named(p.Name, p.Value.Interface())
	}
	return out
}

// ScanRows drains rows into Rows in result order and closes rows.
//
// Values are scanned into `any` so the driver decides the Go type; Schema.Shape
// normalizes them later.
func ScanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row %d: %w", len(out), err)
		}
		out = append(out, NewRow(cols, vals))
	}
	return out, rows.Err()
}
