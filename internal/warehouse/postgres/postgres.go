// Package postgres is a PostGIS warehouse backend on pgx.
//
// The dataset maps to a Postgres schema and the project is ignored. Input
// tables are expected to carry port_geom as a PostGIS geography (or geometry
// in SRID 4326, which is cast).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"portetl/internal/warehouse"
)

// Kind is the registry key for this backend.
const Kind = "postgres"

func init() {
	warehouse.Register(Kind, func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		return Open(ctx, cfg)
	})
}

// pgxConn is the subset of *pgxpool.Pool the backend uses.
type pgxConn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Warehouse implements warehouse.Warehouse for Postgres/PostGIS.
type Warehouse struct {
	pool pgxConn
}

// Open creates a connection pool for cfg.DSN.
func Open(ctx context.Context, cfg warehouse.Config) (*Warehouse, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, warehouse.NewServiceError("open", fmt.Errorf("postgres: dsn is required"))
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, warehouse.NewServiceError("open", err)
	}
	return &Warehouse{pool: pool}, nil
}

// Close closes the connection pool.
func (w *Warehouse) Close() error {
	w.pool.Close()
	return nil
}

func (w *Warehouse) Dialect() warehouse.Dialect { return dialect{} }

// Query runs q with @name placeholders rewritten by pgx.NamedArgs.
func (w *Warehouse) Query(ctx context.Context, q string, params []warehouse.Param) ([]warehouse.Row, error) {
	var args []any
	if len(params) > 0 {
		named := make(pgx.NamedArgs, len(params))
		for _, p := range params {
			named[p.Name] = p.Value.Interface()
		}
		args = append(args, named)
	}

	rows, err := w.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, warehouse.NewServiceError("query", err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}

	var out []warehouse.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, warehouse.NewServiceError("query", err)
		}
		out = append(out, warehouse.NewRow(cols, vals))
	}
	if err := rows.Err(); err != nil {
		return nil, warehouse.NewServiceError("query", err)
	}
	return out, nil
}

func (w *Warehouse) CreateTable(ctx context.Context, ref warehouse.TableRef, schema warehouse.Schema) error {
	schemaSQL, tableSQL, err := buildCreateSQL(ref, schema)
	if err != nil {
		return &warehouse.TableCreationError{Table: ref, Err: err}
	}

	for _, stmt := range []string{schemaSQL, tableSQL} {
		if _, err := w.pool.Exec(ctx, stmt); err != nil {
			return classifyCreateErr(ref, err)
		}
	}
	return nil
}

func classifyCreateErr(ref warehouse.TableRef, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P07": // duplicate_table
			return &warehouse.TableCreationError{Table: ref, Exists: true, Err: err}
		case "42501": // insufficient_privilege
			return &warehouse.TableCreationError{Table: ref, Denied: true, Err: err}
		}
	}
	return warehouse.NewServiceError("create_table", err)
}

// InsertRows writes all records in one multi-row INSERT. A statement-level
// data or constraint error rejects every row.
func (w *Warehouse) InsertRows(ctx context.Context, ref warehouse.TableRef, schema warehouse.Schema, records []warehouse.Record) ([]warehouse.InsertionError, error) {
	if len(records) == 0 {
		return nil, nil
	}
	table, err := quoteTable(ref)
	if err != nil {
		return nil, warehouse.NewServiceError("insert_rows", err)
	}

	rows := make([][]any, len(records))
	for i, rec := range records {
		rows[i] = schema.Values(rec)
	}
	q, args := buildInsertSQL(table, schema.Names(), rows)

	if _, err := w.pool.Exec(ctx, q, args...); err != nil {
		if isRowRejection(err) {
			return warehouse.RejectAll(len(records), err.Error()), nil
		}
		return nil, warehouse.NewServiceError("insert_rows", err)
	}
	return nil, nil
}

// isRowRejection matches SQLSTATE classes 22 (data exception) and 23
// (integrity constraint violation).
func isRowRejection(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	class := pgErr.Code[:2]
	return class == "22" || class == "23"
}

func pgIdent(s string) string {
	return pgx.Identifier{s}.Sanitize()
}

func quoteTable(ref warehouse.TableRef) (string, error) {
	if err := warehouse.ValidateDataset(ref.Dataset); err != nil {
		return "", err
	}
	if err := warehouse.ValidateTable(ref.Table); err != nil {
		return "", err
	}
	return pgx.Identifier{ref.Dataset, ref.Table}.Sanitize(), nil
}

func pgType(k warehouse.Kind) (string, error) {
	switch k {
	case warehouse.KindString:
		return "text", nil
	case warehouse.KindFloat64:
		return "double precision", nil
	case warehouse.KindInt64:
		return "bigint", nil
	case warehouse.KindBool:
		return "boolean", nil
	default:
		return "", fmt.Errorf("postgres: unsupported column type %s", k)
	}
}

// buildCreateSQL returns the schema bootstrap and the table DDL. The table
// statement has no IF NOT EXISTS so an existing table fails with 42P07.
func buildCreateSQL(ref warehouse.TableRef, schema warehouse.Schema) (schemaSQL, tableSQL string, err error) {
	table, err := quoteTable(ref)
	if err != nil {
		return "", "", err
	}
	if err := schema.Validate(); err != nil {
		return "", "", err
	}

	defs := make([]string, 0, len(schema))
	for _, c := range schema {
		typ, err := pgType(c.Type)
		if err != nil {
			return "", "", err
		}
		def := pgIdent(c.Name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}

	schemaSQL = "CREATE SCHEMA IF NOT EXISTS " + pgIdent(ref.Dataset)
	tableSQL = fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", table, strings.Join(defs, ",\n  "))
	return schemaSQL, tableSQL, nil
}

// buildInsertSQL constructs a single INSERT statement and its args.
//
// Constraints:
//   - every row has len(columns) values.
//   - columns is non-empty.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
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
			fmt.Fprintf(&b, "$%d", p)
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
	return fmt.Sprintf("ST_Distance(ST_GeogFromText(@%s), %s::geography)", param, geom)
}

func (dialect) AsText(geom string) string { return "ST_AsText(" + geom + ")" }

func (dialect) IsTrue(column string) string { return column + " IS TRUE" }

func (dialect) UsesTop() bool { return false }

var _ warehouse.Warehouse = (*Warehouse)(nil)
