// Package mssql is a SQL Server warehouse backend using geography columns.
//
// The dataset maps to a SQL Server schema (e.g. dbo) and the project is
// ignored. Importing this package registers the "sqlserver" database/sql
// driver through go-mssqldb.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"

	"portetl/internal/warehouse"
)

// Kind is the registry key for this backend.
const Kind = "mssql"

// maxParams is SQL Server's limit of 2100 parameters per request.
const maxParams = 2100

func init() {
	warehouse.Register(Kind, func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		return Open(ctx, cfg)
	})
}

// compile-time check that the driver's error type carries a number.
var _ interface{ SQLErrorNumber() int32 } = mssqldb.Error{}

// Warehouse implements warehouse.Warehouse for SQL Server.
type Warehouse struct {
	db *sql.DB
}

// Open connects with the "sqlserver" driver and validates connectivity via
// PingContext.
func Open(ctx context.Context, cfg warehouse.Config) (*Warehouse, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, warehouse.NewServiceError("open", fmt.Errorf("mssql: dsn is required"))
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, warehouse.NewServiceError("open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, warehouse.NewServiceError("open", err)
	}
	return newWithDB(db), nil
}

func newWithDB(db *sql.DB) *Warehouse { return &Warehouse{db: db} }

func (w *Warehouse) Close() error { return w.db.Close() }

func (w *Warehouse) Dialect() warehouse.Dialect { return dialect{} }

func (w *Warehouse) Query(ctx context.Context, q string, params []warehouse.Param) ([]warehouse.Row, error) {
	rows, err := w.db.QueryContext(ctx, q, warehouse.NamedArgs(params)...)
	if err != nil {
		return nil, warehouse.NewServiceError("query", err)
	}
	out, err := warehouse.ScanRows(rows)
	if err != nil {
		return nil, warehouse.NewServiceError("query", err)
	}
	return out, nil
}

func (w *Warehouse) CreateTable(ctx context.Context, ref warehouse.TableRef, schema warehouse.Schema) error {
	ddl, err := buildCreateSQL(ref, schema)
	if err != nil {
		return &warehouse.TableCreationError{Table: ref, Err: err}
	}
	if _, err := w.db.ExecContext(ctx, ddl); err != nil {
		switch errorNumber(err) {
		case 2714: // There is already an object named ... in the database.
			return &warehouse.TableCreationError{Table: ref, Exists: true, Err: err}
		case 262, 229: // CREATE TABLE permission denied / permission denied on object
			return &warehouse.TableCreationError{Table: ref, Denied: true, Err: err}
		}
		return warehouse.NewServiceError("create_table", err)
	}
	return nil
}

// InsertRows writes all records in one multi-row INSERT. A rejected statement
// rejects every row.
func (w *Warehouse) InsertRows(ctx context.Context, ref warehouse.TableRef, schema warehouse.Schema, records []warehouse.Record) ([]warehouse.InsertionError, error) {
	if len(records) == 0 {
		return nil, nil
	}
	table, err := quoteTable(ref)
	if err != nil {
		return nil, warehouse.NewServiceError("insert_rows", err)
	}
	columns := schema.Names()
	if n := len(records) * len(columns); n > maxParams {
		return nil, warehouse.NewServiceError("insert_rows", fmt.Errorf("mssql: %d parameters exceed the per-request limit of %d", n, maxParams))
	}

	rows := make([][]any, len(records))
	for i, rec := range records {
		rows[i] = schema.Values(rec)
	}
	q, args := buildBulkInsertSQL(table, columns, rows)

	if _, err := w.db.ExecContext(ctx, q, args...); err != nil {
		if isRowRejection(err) {
			return warehouse.RejectAll(len(records), err.Error()), nil
		}
		return nil, warehouse.NewServiceError("insert_rows", err)
	}
	return nil, nil
}

func errorNumber(err error) int32 {
	var numbered interface{ SQLErrorNumber() int32 }
	if errors.As(err, &numbered) {
		return numbered.SQLErrorNumber()
	}
	return 0
}

// isRowRejection matches errors caused by the inserted values themselves.
func isRowRejection(err error) bool {
	switch errorNumber(err) {
	case 515, // NULL into NOT NULL column
		245, 8114, // conversion failed
		8152, 2628, // string or binary data would be truncated
		547,        // constraint conflict
		2627, 2601: // duplicate key
		return true
	}
	return false
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func quoteTable(ref warehouse.TableRef) (string, error) {
	if err := warehouse.ValidateDataset(ref.Dataset); err != nil {
		return "", err
	}
	if err := warehouse.ValidateTable(ref.Table); err != nil {
		return "", err
	}
	return warehouse.QuoteIdent("[", "]", ref.Dataset, ref.Table)
}

func mssqlType(k warehouse.Kind) (string, error) {
	switch k {
	case warehouse.KindString:
		return "nvarchar(max)", nil
	case warehouse.KindFloat64:
		return "float", nil
	case warehouse.KindInt64:
		return "bigint", nil
	case warehouse.KindBool:
		return "bit", nil
	default:
		return "", fmt.Errorf("mssql: unsupported column type %s", k)
	}
}

func buildCreateSQL(ref warehouse.TableRef, schema warehouse.Schema) (string, error) {
	table, err := quoteTable(ref)
	if err != nil {
		return "", err
	}
	if err := schema.Validate(); err != nil {
		return "", err
	}

	defs := make([]string, 0, len(schema))
	for _, c := range schema {
		typ, err := mssqlType(c.Type)
		if err != nil {
			return "", err
		}
		null := " NOT NULL"
		if c.Nullable {
			null = " NULL"
		}
		defs = append(defs, mssqlIdent(c.Name)+" "+typ+null)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", table, strings.Join(defs, ",\n  ")), nil
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

type dialect struct{}

func (dialect) Name() string { return Kind }

func (dialect) QuoteTable(ref warehouse.TableRef) (string, error) { return quoteTable(ref) }

func (dialect) Distance(param, geom string) string {
	return fmt.Sprintf("geography::STGeomFromText(@%s, 4326).STDistance(%s)", param, geom)
}

func (dialect) AsText(geom string) string { return geom + ".STAsText()" }

func (dialect) IsTrue(column string) string { return column + " = 1" }

func (dialect) UsesTop() bool { return true }

var _ warehouse.Warehouse = (*Warehouse)(nil)
